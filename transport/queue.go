package transport

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
)

// queueItem is one inbound delivery: a message or an injected read error.
type queueItem struct {
	msg map[string]any
	err error
}

// Queue is an in-memory Transport for tests. Push feeds inbound messages,
// Writes exposes outbound frames, and PushError injects a stream error.
type Queue struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	inputEnded bool
	writes     []string
	writeErr   error

	incoming  chan queueItem
	closeOnce sync.Once
}

// NewQueue creates a disconnected queue transport.
func NewQueue() *Queue {
	return &Queue{incoming: make(chan queueItem, 64)}
}

func (q *Queue) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &sdkerrors.ConnectionError{Reason: "transport is closed"}
	}
	if q.connected {
		return &sdkerrors.ConnectionError{Reason: "transport is already connected"}
	}
	q.connected = true
	return nil
}

func (q *Queue) Write(ctx context.Context, data string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &sdkerrors.ConnectionError{Reason: "transport is closed"}
	}
	if !q.connected {
		return &sdkerrors.ConnectionError{Reason: "transport is not connected"}
	}
	if q.inputEnded {
		return &sdkerrors.ConnectionError{Reason: "input already ended"}
	}
	if q.writeErr != nil {
		err := q.writeErr
		q.writeErr = nil
		return err
	}
	q.writes = append(q.writes, data)
	return nil
}

func (q *Queue) ReadMessages(ctx context.Context) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case item, ok := <-q.incoming:
				if !ok {
					return
				}
				if item.err != nil {
					yield(nil, item.err)
					return
				}
				if !yield(item.msg, nil) {
					return
				}
			}
		}
	}
}

func (q *Queue) EndInput() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inputEnded = true
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.connected = false
	q.mu.Unlock()

	q.closeOnce.Do(func() { close(q.incoming) })
	return nil
}

func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected && !q.closed
}

// Push feeds an inbound message to the reader.
func (q *Queue) Push(msg map[string]any) {
	q.incoming <- queueItem{msg: msg}
}

// PushError injects a stream error; the read sequence yields it and ends.
func (q *Queue) PushError(err error) {
	q.incoming <- queueItem{err: err}
}

// EndStream ends the inbound stream, simulating a clean EOF.
func (q *Queue) EndStream() {
	q.closeOnce.Do(func() { close(q.incoming) })
}

// Writes returns a snapshot of outbound frames in write order.
func (q *Queue) Writes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.writes))
	copy(out, q.writes)
	return out
}

// DecodedWrites parses each outbound frame as JSON.
func (q *Queue) DecodedWrites() []map[string]any {
	writes := q.Writes()
	out := make([]map[string]any, 0, len(writes))
	for _, w := range writes {
		var m map[string]any
		if err := json.Unmarshal([]byte(w), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// FailNextWrite makes the next Write return err.
func (q *Queue) FailNextWrite(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.writeErr = err
}
