// Package session implements the per-session state machine: a guarded
// enumerated state with an explicit transition table, pending-operation
// bookkeeping, and synchronous state-change events.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tacogips/claude-agent-sdk-go/events"
	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
)

// State enumerates the session lifecycle states.
type State string

const (
	StateIdle              State = "idle"
	StateStarting          State = "starting"
	StateRunning           State = "running"
	StateWaitingToolCall   State = "waiting_tool_call"
	StateWaitingPermission State = "waiting_permission"
	StatePaused            State = "paused"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// validTransitions is the full transition table. Terminal states have no
// outgoing transitions.
var validTransitions = map[State][]State{
	StateIdle:              {StateStarting, StateCancelled},
	StateStarting:          {StateRunning, StateFailed, StateCancelled},
	StateRunning:           {StateWaitingToolCall, StateWaitingPermission, StatePaused, StateCompleted, StateFailed, StateCancelled},
	StateWaitingToolCall:   {StateRunning, StateFailed, StateCancelled},
	StateWaitingPermission: {StateRunning, StateFailed, StateCancelled},
	StatePaused:            {StateRunning, StateCancelled},
	StateCompleted:         {},
	StateFailed:            {},
	StateCancelled:         {},
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// PendingToolCall records a tool invocation the session is blocked on.
type PendingToolCall struct {
	ToolUseID  string
	ToolName   string
	ServerName string
	Arguments  map[string]any
	StartedAt  time.Time
}

// PendingPermission records a permission prompt the session is blocked on.
type PendingPermission struct {
	RequestID string
	ToolName  string
	ToolInput map[string]any
}

// Stats holds monotonically non-decreasing session counters.
type Stats struct {
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ToolCallCount int
	MessageCount  int

	// LastError holds the failure message when the session entered the
	// failed state.
	LastError string
}

// Info is the full session snapshot. PendingToolCall is set iff the state
// is waiting_tool_call; PendingPermission iff waiting_permission.
type Info struct {
	State             State
	SessionID         string
	PendingToolCall   *PendingToolCall
	PendingPermission *PendingPermission
	Stats             Stats
}

// StateChange is emitted after every successful transition. Info is a
// post-transition snapshot copy.
type StateChange struct {
	From      State
	To        State
	Info      Info
	Timestamp time.Time
}

// Machine is a thread-safe session state machine.
type Machine struct {
	mu      sync.Mutex
	info    Info
	pending map[string]*PendingToolCall
	changes *events.Emitter[StateChange]
	log     *slog.Logger
}

// NewMachine creates a machine in the idle state.
func NewMachine(sessionID string, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		info: Info{
			State:     StateIdle,
			SessionID: sessionID,
		},
		pending: make(map[string]*PendingToolCall),
		changes: events.NewEmitter[StateChange](),
		log:     log.With("sessionID", sessionID),
	}
}

// CurrentState returns the current state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.State
}

// IsTerminal reports whether the machine reached a terminal state.
func (m *Machine) IsTerminal() bool {
	return m.CurrentState().IsTerminal()
}

// Snapshot returns a deep, independent copy of the session info. Mutating
// the returned value never affects the machine.
func (m *Machine) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyInfo(m.info)
}

// OnStateChange registers a listener for state-change events and returns
// an unsubscribe function. Listeners run synchronously on the transitioning
// goroutine, after the internal state has been updated.
func (m *Machine) OnStateChange(fn func(StateChange)) func() {
	return m.changes.Subscribe(fn)
}

// ListenerCount returns the number of registered state-change listeners.
func (m *Machine) ListenerCount() int {
	return m.changes.Len()
}

// Transition moves to the given state with no metadata. Host-driven moves
// (pause, resume, cancel) use this directly.
func (m *Machine) Transition(to State) error {
	return m.transition(to, nil)
}

// transition validates the move against the table, applies the mutator
// under the lock, and emits the change after unlocking.
func (m *Machine) transition(to State, apply func(*Info)) error {
	m.mu.Lock()

	from := m.info.State
	if !transitionAllowed(from, to) {
		targets := validTransitions[from]
		valid := make([]string, len(targets))
		for i, t := range targets {
			valid[i] = string(t)
		}
		m.mu.Unlock()
		return &sdkerrors.InvalidStateError{Current: string(from), Valid: valid}
	}

	if apply != nil {
		apply(&m.info)
	}
	m.info.State = to
	if to.IsTerminal() {
		m.info.PendingToolCall = nil
		m.info.PendingPermission = nil
		clear(m.pending)
	}

	change := StateChange{
		From:      from,
		To:        to,
		Info:      copyInfo(m.info),
		Timestamp: time.Now(),
	}
	m.mu.Unlock()

	m.log.Debug("state transition", "from", from, "to", to)
	m.changes.Emit(change)
	return nil
}

func transitionAllowed(from, to State) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// MarkStarted stamps startedAt and enters running.
func (m *Machine) MarkStarted() error {
	return m.transition(StateRunning, func(info *Info) {
		now := time.Now()
		info.Stats.StartedAt = &now
	})
}

// MarkCompleted stamps completedAt and enters completed.
func (m *Machine) MarkCompleted() error {
	return m.transition(StateCompleted, func(info *Info) {
		now := time.Now()
		info.Stats.CompletedAt = &now
	})
}

// MarkFailed enters failed, recording the triggering error in the stats.
func (m *Machine) MarkFailed(err error) error {
	return m.transition(StateFailed, func(info *Info) {
		if err != nil {
			info.Stats.LastError = err.Error()
		}
	})
}

// StartToolCall records a pending tool call and enters waiting_tool_call.
func (m *Machine) StartToolCall(toolUseID, toolName, serverName string, args map[string]any) error {
	call := &PendingToolCall{
		ToolUseID:  toolUseID,
		ToolName:   toolName,
		ServerName: serverName,
		Arguments:  deepCopyMap(args),
		StartedAt:  time.Now(),
	}
	return m.transition(StateWaitingToolCall, func(info *Info) {
		m.pending[toolUseID] = call
		info.PendingToolCall = call
	})
}

// CompleteToolCall clears the pending call, bumps the counter, and returns
// to running.
func (m *Machine) CompleteToolCall(toolUseID string) error {
	return m.transition(StateRunning, func(info *Info) {
		delete(m.pending, toolUseID)
		info.PendingToolCall = nil
		info.Stats.ToolCallCount++
	})
}

// StartPermissionRequest records a pending permission prompt and enters
// waiting_permission.
func (m *Machine) StartPermissionRequest(requestID, toolName string, toolInput map[string]any) error {
	perm := &PendingPermission{
		RequestID: requestID,
		ToolName:  toolName,
		ToolInput: deepCopyMap(toolInput),
	}
	return m.transition(StateWaitingPermission, func(info *Info) {
		info.PendingPermission = perm
	})
}

// CompletePermissionRequest clears the pending prompt and returns to
// running. No counter is incremented.
func (m *Machine) CompletePermissionRequest() error {
	return m.transition(StateRunning, func(info *Info) {
		info.PendingPermission = nil
	})
}

// IncrementMessageCount bumps the message counter without a transition and
// without emitting a state-change event.
func (m *Machine) IncrementMessageCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.Stats.MessageCount++
}

// WaitForState blocks until the machine enters one of the target states or
// the timeout expires. A zero timeout waits forever. If the current state
// already matches, it returns immediately without touching the listener
// list. Both outcomes deterministically remove the registered listener.
func (m *Machine) WaitForState(timeout time.Duration, targets ...State) (Info, error) {
	match := func(s State) bool {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
		return false
	}

	m.mu.Lock()
	if match(m.info.State) {
		info := copyInfo(m.info)
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	// Buffered so a matching emit never blocks; extra matches are dropped.
	ch := make(chan Info, 1)
	unsubscribe := m.changes.Subscribe(func(sc StateChange) {
		if match(sc.To) {
			select {
			case ch <- sc.Info:
			default:
			}
		}
	})
	defer unsubscribe()

	// A transition may have landed between the first check and Subscribe;
	// re-check so that window can never lose the wakeup.
	m.mu.Lock()
	if match(m.info.State) {
		info := copyInfo(m.info)
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	if timeout <= 0 {
		return <-ch, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case info := <-ch:
		return info, nil
	case <-timer.C:
		names := make([]string, len(targets))
		for i, t := range targets {
			names[i] = string(t)
		}
		op := fmt.Sprintf("waitForState(%s)", strings.Join(names, ", "))
		return Info{}, &sdkerrors.TimeoutError{Operation: op, Timeout: timeout}
	}
}

// copyInfo deep-copies a snapshot so callers can never reach internal state.
func copyInfo(info Info) Info {
	out := info
	out.PendingToolCall = copyPendingToolCall(info.PendingToolCall)
	out.PendingPermission = copyPendingPermission(info.PendingPermission)
	if info.Stats.StartedAt != nil {
		t := *info.Stats.StartedAt
		out.Stats.StartedAt = &t
	}
	if info.Stats.CompletedAt != nil {
		t := *info.Stats.CompletedAt
		out.Stats.CompletedAt = &t
	}
	return out
}

func copyPendingToolCall(c *PendingToolCall) *PendingToolCall {
	if c == nil {
		return nil
	}
	out := *c
	out.Arguments = deepCopyMap(c.Arguments)
	return &out
}

func copyPendingPermission(p *PendingPermission) *PendingPermission {
	if p == nil {
		return nil
	}
	out := *p
	out.ToolInput = deepCopyMap(p.ToolInput)
	return &out
}

// deepCopyMap copies a decoded-JSON map including nested maps and slices,
// so snapshots never alias internal state through nested values.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
