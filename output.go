package raft

import "github.com/rinastack/raft/raftpb"

// TimerKind names the two timers a replica asks its host to run.
type TimerKind uint8

const (
	TimerElection TimerKind = iota + 1
	TimerHeartbeat
)

func (k TimerKind) String() string {
	switch k {
	case TimerElection:
		return "Election"
	case TimerHeartbeat:
		return "Heartbeat"
	}
	return "Unknown"
}

// TimerAction is what the host should do with a timer.
type TimerAction uint8

const (
	// TimerActionSet arms (or rearms) the timer with the given ticks.
	TimerActionSet TimerAction = iota + 1

	// TimerActionStop cancels the timer if armed.
	TimerActionStop
)

func (a TimerAction) String() string {
	switch a {
	case TimerActionSet:
		return "Set"
	case TimerActionStop:
		return "Stop"
	}
	return "Unknown"
}

// TimerCmd instructs the host to arm or stop one of the timers.
// Ticks is meaningful only for TimerActionSet; the tick length itself
// is host-defined.
type TimerCmd struct {
	Kind   TimerKind
	Action TimerAction
	Ticks  int
}

// AppliedEntry is a committed entry handed to the application,
// in strict index order, exactly once.
type AppliedEntry struct {
	Index   uint64
	Payload []byte
}

// Output collects everything one input produced: messages to send,
// timer commands to execute, and committed entries to apply. The host
// constructs it, hands it in empty, and drains it when the call
// returns; the state machine itself performs no I/O besides its log.
//
// The host must dispatch all messages and apply all entries from one
// call before delivering the next input.
type Output struct {
	Messages      []raftpb.Envelope
	TimerCommands []TimerCmd
	Applied       []AppliedEntry
}

// Reset empties the bundle, keeping the backing arrays for reuse.
func (o *Output) Reset() {
	o.Messages = o.Messages[:0]
	o.TimerCommands = o.TimerCommands[:0]
	o.Applied = o.Applied[:0]
}

func (o *Output) empty() bool {
	return len(o.Messages) == 0 && len(o.TimerCommands) == 0 && len(o.Applied) == 0
}
