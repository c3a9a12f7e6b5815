package session

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMachine(t *testing.T) *Machine {
	t.Helper()
	return NewMachine("sess-test", testLogger())
}

// driveTo walks the machine to the requested state through legal moves.
func driveTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		StateIdle:              {},
		StateStarting:          {StateStarting},
		StateRunning:           {StateStarting, StateRunning},
		StateWaitingToolCall:   {StateStarting, StateRunning, StateWaitingToolCall},
		StateWaitingPermission: {StateStarting, StateRunning, StateWaitingPermission},
		StatePaused:            {StateStarting, StateRunning, StatePaused},
		StateCompleted:         {StateStarting, StateRunning, StateCompleted},
		StateFailed:            {StateStarting, StateRunning, StateFailed},
		StateCancelled:         {StateCancelled},
	}
	for _, step := range paths[target] {
		if err := m.Transition(step); err != nil {
			t.Fatalf("driveTo %s: transition to %s: %v", target, step, err)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	allStates := []State{
		StateIdle, StateStarting, StateRunning, StateWaitingToolCall,
		StateWaitingPermission, StatePaused, StateCompleted, StateFailed,
		StateCancelled,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				m := newMachine(t)
				driveTo(t, m, from)
				if m.CurrentState() != from {
					t.Fatalf("setup: state = %s, want %s", m.CurrentState(), from)
				}

				err := m.Transition(to)
				if transitionAllowed(from, to) {
					if err != nil {
						t.Errorf("Transition(%s) from %s failed: %v", to, from, err)
					}
					if m.CurrentState() != to {
						t.Errorf("state = %s after transition, want %s", m.CurrentState(), to)
					}
				} else {
					if err == nil {
						t.Fatalf("Transition(%s) from %s should fail", to, from)
					}
					var invalid *sdkerrors.InvalidStateError
					if !errors.As(err, &invalid) {
						t.Fatalf("error = %T, want *InvalidStateError", err)
					}
					if invalid.Current != string(from) {
						t.Errorf("Current = %q, want %q", invalid.Current, from)
					}
					if m.CurrentState() != from {
						t.Errorf("failed transition moved state to %s", m.CurrentState())
					}
				}
			})
		}
	}
}

func TestInvalidStateErrorMessage(t *testing.T) {
	m := newMachine(t)
	err := m.Transition(StateRunning)
	if err == nil {
		t.Fatal("idle → running should fail")
	}
	want := "Invalid state: idle. Expected one of: starting, cancelled"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestTerminalFinality(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateFailed, StateCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			m := newMachine(t)
			driveTo(t, m, terminal)

			if !m.IsTerminal() {
				t.Fatalf("IsTerminal() = false in %s", terminal)
			}
			for _, to := range []State{StateIdle, StateStarting, StateRunning, StateCompleted, StateFailed, StateCancelled} {
				if err := m.Transition(to); err == nil {
					t.Errorf("Transition(%s) from terminal %s should fail", to, terminal)
				}
			}
		})
	}
}

func TestPendingToolCallExclusivity(t *testing.T) {
	m := newMachine(t)
	driveTo(t, m, StateRunning)

	if m.Snapshot().PendingToolCall != nil {
		t.Error("PendingToolCall set outside waiting_tool_call")
	}

	args := map[string]any{"a": 15.0, "b": 27.0}
	if err := m.StartToolCall("tu-1", "add", "calculator", args); err != nil {
		t.Fatalf("StartToolCall: %v", err)
	}

	info := m.Snapshot()
	if info.State != StateWaitingToolCall {
		t.Fatalf("state = %s, want waiting_tool_call", info.State)
	}
	if info.PendingToolCall == nil {
		t.Fatal("PendingToolCall nil in waiting_tool_call")
	}
	if info.PendingToolCall.ToolName != "add" || info.PendingToolCall.ServerName != "calculator" {
		t.Errorf("PendingToolCall = %+v", info.PendingToolCall)
	}
	if info.PendingToolCall.StartedAt.IsZero() {
		t.Error("StartedAt not stamped")
	}

	if err := m.CompleteToolCall("tu-1"); err != nil {
		t.Fatalf("CompleteToolCall: %v", err)
	}
	info = m.Snapshot()
	if info.State != StateRunning {
		t.Errorf("state = %s after complete, want running", info.State)
	}
	if info.PendingToolCall != nil {
		t.Error("PendingToolCall survived CompleteToolCall")
	}
	if info.Stats.ToolCallCount != 1 {
		t.Errorf("ToolCallCount = %d, want 1", info.Stats.ToolCallCount)
	}
}

func TestPendingPermissionExclusivity(t *testing.T) {
	m := newMachine(t)
	driveTo(t, m, StateRunning)

	if err := m.StartPermissionRequest("req-1", "Bash", map[string]any{"command": "ls"}); err != nil {
		t.Fatalf("StartPermissionRequest: %v", err)
	}
	info := m.Snapshot()
	if info.State != StateWaitingPermission {
		t.Fatalf("state = %s, want waiting_permission", info.State)
	}
	if info.PendingPermission == nil || info.PendingPermission.ToolName != "Bash" {
		t.Errorf("PendingPermission = %+v", info.PendingPermission)
	}

	if err := m.CompletePermissionRequest(); err != nil {
		t.Fatalf("CompletePermissionRequest: %v", err)
	}
	info = m.Snapshot()
	if info.PendingPermission != nil {
		t.Error("PendingPermission survived CompletePermissionRequest")
	}
	// Permission flow does not bump the tool counter
	if info.Stats.ToolCallCount != 0 {
		t.Errorf("ToolCallCount = %d, want 0", info.Stats.ToolCallCount)
	}
}

func TestTerminalClearsPending(t *testing.T) {
	m := newMachine(t)
	driveTo(t, m, StateRunning)
	if err := m.StartToolCall("tu-1", "add", "calculator", nil); err != nil {
		t.Fatalf("StartToolCall: %v", err)
	}

	if err := m.MarkFailed(errors.New("stream broke")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	info := m.Snapshot()
	if info.PendingToolCall != nil {
		t.Error("terminal transition should clear PendingToolCall")
	}
	if info.PendingPermission != nil {
		t.Error("terminal transition should clear PendingPermission")
	}
	if info.Stats.LastError != "stream broke" {
		t.Errorf("LastError = %q, want %q", info.Stats.LastError, "stream broke")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m := newMachine(t)
	driveTo(t, m, StateRunning)
	args := map[string]any{
		"a":     1.0,
		"opts":  map[string]any{"depth": 2.0},
		"files": []any{"a.txt", map[string]any{"name": "b.txt"}},
	}
	if err := m.StartToolCall("tu-1", "add", "calculator", args); err != nil {
		t.Fatalf("StartToolCall: %v", err)
	}
	// The caller's map is not retained either.
	args["opts"].(map[string]any)["depth"] = -1.0

	snap := m.Snapshot()
	snap.State = StateCancelled
	snap.SessionID = "mutated"
	snap.PendingToolCall.ToolName = "mutated"
	snap.PendingToolCall.Arguments["a"] = 999.0
	snap.PendingToolCall.Arguments["opts"].(map[string]any)["depth"] = 999.0
	snap.PendingToolCall.Arguments["files"].([]any)[1].(map[string]any)["name"] = "mutated"
	snap.Stats.ToolCallCount = 99

	fresh := m.Snapshot()
	if fresh.State != StateWaitingToolCall {
		t.Errorf("State = %s, snapshot mutation leaked", fresh.State)
	}
	if fresh.SessionID != "sess-test" {
		t.Errorf("SessionID = %q, snapshot mutation leaked", fresh.SessionID)
	}
	if fresh.PendingToolCall.ToolName != "add" {
		t.Errorf("ToolName = %q, snapshot mutation leaked", fresh.PendingToolCall.ToolName)
	}
	if fresh.PendingToolCall.Arguments["a"] != 1.0 {
		t.Errorf("Arguments[a] = %v, snapshot mutation leaked", fresh.PendingToolCall.Arguments["a"])
	}
	if got := fresh.PendingToolCall.Arguments["opts"].(map[string]any)["depth"]; got != 2.0 {
		t.Errorf("Arguments[opts][depth] = %v, nested map mutation leaked", got)
	}
	if got := fresh.PendingToolCall.Arguments["files"].([]any)[1].(map[string]any)["name"]; got != "b.txt" {
		t.Errorf("Arguments[files][1][name] = %v, nested slice mutation leaked", got)
	}
	if fresh.Stats.ToolCallCount != 0 {
		t.Errorf("ToolCallCount = %d, snapshot mutation leaked", fresh.Stats.ToolCallCount)
	}
}

func TestSnapshotIsolationPermissionInput(t *testing.T) {
	m := newMachine(t)
	driveTo(t, m, StateRunning)
	input := map[string]any{"path": "/tmp/x", "flags": map[string]any{"write": true}}
	if err := m.StartPermissionRequest("tu-1", "write_file", input); err != nil {
		t.Fatalf("StartPermissionRequest: %v", err)
	}

	snap := m.Snapshot()
	snap.PendingPermission.ToolInput["path"] = "mutated"
	snap.PendingPermission.ToolInput["flags"].(map[string]any)["write"] = false

	fresh := m.Snapshot()
	if got := fresh.PendingPermission.ToolInput["path"]; got != "/tmp/x" {
		t.Errorf("ToolInput[path] = %v, snapshot mutation leaked", got)
	}
	if got := fresh.PendingPermission.ToolInput["flags"].(map[string]any)["write"]; got != true {
		t.Errorf("ToolInput[flags][write] = %v, nested map mutation leaked", got)
	}
}

func TestMarkStartedAndCompletedStamps(t *testing.T) {
	m := newMachine(t)
	if err := m.Transition(StateStarting); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := m.MarkStarted(); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	info := m.Snapshot()
	if info.State != StateRunning || info.Stats.StartedAt == nil {
		t.Errorf("after MarkStarted: state = %s, startedAt = %v", info.State, info.Stats.StartedAt)
	}

	if err := m.MarkCompleted(); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	info = m.Snapshot()
	if info.State != StateCompleted || info.Stats.CompletedAt == nil {
		t.Errorf("after MarkCompleted: state = %s, completedAt = %v", info.State, info.Stats.CompletedAt)
	}
}

func TestIncrementMessageCountNoEvent(t *testing.T) {
	m := newMachine(t)

	fired := 0
	unsub := m.OnStateChange(func(StateChange) { fired++ })
	defer unsub()

	m.IncrementMessageCount()
	m.IncrementMessageCount()

	if fired != 0 {
		t.Errorf("IncrementMessageCount emitted %d state changes, want 0", fired)
	}
	if got := m.Snapshot().Stats.MessageCount; got != 2 {
		t.Errorf("MessageCount = %d, want 2", got)
	}
}

func TestStateChangeEvent(t *testing.T) {
	m := newMachine(t)

	var changes []StateChange
	unsub := m.OnStateChange(func(sc StateChange) {
		changes = append(changes, sc)
		// Listeners observe the post-transition state
		if got := m.CurrentState(); got != sc.To {
			t.Errorf("CurrentState() inside listener = %s, want %s", got, sc.To)
		}
	})
	defer unsub()

	if err := m.Transition(StateStarting); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := m.MarkStarted(); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].From != StateIdle || changes[0].To != StateStarting {
		t.Errorf("changes[0] = %s→%s", changes[0].From, changes[0].To)
	}
	if changes[1].From != StateStarting || changes[1].To != StateRunning {
		t.Errorf("changes[1] = %s→%s", changes[1].From, changes[1].To)
	}
	if changes[1].Info.Stats.StartedAt == nil {
		t.Error("event snapshot missing startedAt from the same transition")
	}
	if changes[0].Timestamp.IsZero() {
		t.Error("event missing timestamp")
	}
}

func TestFailedTransitionEmitsNothing(t *testing.T) {
	m := newMachine(t)
	fired := 0
	unsub := m.OnStateChange(func(StateChange) { fired++ })
	defer unsub()

	if err := m.Transition(StateRunning); err == nil {
		t.Fatal("idle → running should fail")
	}
	if fired != 0 {
		t.Errorf("failed transition emitted %d events, want 0", fired)
	}
}

func TestWaitForStateImmediate(t *testing.T) {
	m := newMachine(t)
	driveTo(t, m, StateRunning)

	before := m.ListenerCount()
	info, err := m.WaitForState(time.Second, StateRunning)
	if err != nil {
		t.Fatalf("WaitForState: %v", err)
	}
	if info.State != StateRunning {
		t.Errorf("info.State = %s, want running", info.State)
	}
	if m.ListenerCount() != before {
		t.Errorf("ListenerCount = %d, want %d (immediate path must not register)", m.ListenerCount(), before)
	}
}

func TestWaitForStateViaTransition(t *testing.T) {
	m := newMachine(t)
	before := m.ListenerCount()

	done := make(chan struct{})
	var info Info
	var err error
	go func() {
		defer close(done)
		info, err = m.WaitForState(5*time.Second, StateRunning, StateFailed)
	}()

	// Let the waiter register before transitioning
	for m.ListenerCount() == before {
		time.Sleep(time.Millisecond)
	}

	driveTo(t, m, StateRunning)
	<-done

	if err != nil {
		t.Fatalf("WaitForState: %v", err)
	}
	if info.State != StateRunning {
		t.Errorf("info.State = %s, want running", info.State)
	}
	if m.ListenerCount() != before {
		t.Errorf("ListenerCount = %d, want %d after satisfied wait", m.ListenerCount(), before)
	}
}

func TestWaitForStateConcurrentTransition(t *testing.T) {
	// Race a transition against the waiter's registration; the wait must
	// observe the target state even when the transition lands between its
	// initial check and subscribing.
	for i := 0; i < 100; i++ {
		m := newMachine(t)

		go func() {
			if err := m.Transition(StateStarting); err != nil {
				t.Errorf("Transition(starting): %v", err)
				return
			}
			if err := m.Transition(StateRunning); err != nil {
				t.Errorf("Transition(running): %v", err)
			}
		}()

		info, err := m.WaitForState(2*time.Second, StateRunning)
		if err != nil {
			t.Fatalf("iteration %d: WaitForState: %v", i, err)
		}
		if info.State != StateRunning {
			t.Fatalf("iteration %d: info.State = %s, want running", i, info.State)
		}
	}
}

func TestWaitForStateTimeout(t *testing.T) {
	m := newMachine(t)
	before := m.ListenerCount()

	start := time.Now()
	_, err := m.WaitForState(100*time.Millisecond, StateRunning)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("WaitForState should time out")
	}
	var timeout *sdkerrors.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("error = %T, want *TimeoutError", err)
	}
	want := "Operation 'waitForState(running)' timed out after 100ms"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
	if elapsed < 90*time.Millisecond || elapsed > time.Second {
		t.Errorf("timed out after %v, want ~100ms", elapsed)
	}
	if m.ListenerCount() != before {
		t.Errorf("ListenerCount = %d, want %d after timed-out wait", m.ListenerCount(), before)
	}
}
