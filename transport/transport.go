// Package transport carries newline-delimited JSON frames between the SDK
// and a Claude Code CLI process. The subprocess transport owns the real CLI
// child process; the queue transport is an in-memory stand-in for tests.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"strings"
)

// Transport moves JSON messages to and from a CLI process. Implementations
// must be safe for concurrent Write calls; ReadMessages supports a single
// consumer.
type Transport interface {
	// Connect establishes the connection. It fails if the transport is
	// already connected or was closed.
	Connect(ctx context.Context) error

	// Write sends one JSON document as a single newline-terminated frame.
	// The payload must not contain embedded newlines.
	Write(ctx context.Context, data string) error

	// ReadMessages yields parsed messages until EOF, a read error, or ctx
	// cancellation. Malformed lines are logged and skipped, never yielded.
	// A clean EOF ends the sequence without an error.
	ReadMessages(ctx context.Context) iter.Seq2[map[string]any, error]

	// EndInput closes the write side, signalling no further input.
	EndInput() error

	// Close tears the connection down. Safe to call multiple times.
	Close() error

	// IsConnected reports whether the transport is usable for Write.
	IsConnected() bool
}

// decodeStream parses newline-delimited JSON from r. Lines that fail to
// parse are logged and skipped. On EOF any trailing unterminated data is
// flushed as a final message. Read errors other than EOF are yielded once
// and end the sequence.
func decodeStream(ctx context.Context, r *bufio.Reader, log *slog.Logger) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		for {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}

			line, err := r.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// Flush any unterminated trailing buffer as a final message
					if msg, ok := parseLine(line, log); ok {
						yield(msg, nil)
					}
					return
				}
				yield(nil, err)
				return
			}

			if msg, ok := parseLine(line, log); ok {
				if !yield(msg, nil) {
					return
				}
			}
		}
	}
}

// parseLine parses one frame. Empty lines and malformed JSON are dropped;
// malformed lines are logged with a truncated preview.
func parseLine(line string, log *slog.Logger) (map[string]any, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("skipping malformed stream line", "error", err, "line", truncate(line, 200))
		return nil, false
	}
	return msg, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
