package main

import (
	"sync"
	"time"

	raft "github.com/rinastack/raft"
)

// timerService turns the replica's Set/Stop timer commands into
// expiry events, counting host ticks of a fixed duration. Commands
// are idempotent: a Set rearms, a Stop on an unarmed timer is a no-op.
type timerService struct {
	mu        sync.Mutex
	armed     map[raft.TimerKind]bool
	remaining map[raft.TimerKind]int

	expiryC chan raft.TimerKind
	stopC   chan struct{}
}

func newTimerService() *timerService {
	return &timerService{
		armed:     make(map[raft.TimerKind]bool),
		remaining: make(map[raft.TimerKind]int),
		expiryC:   make(chan raft.TimerKind, 8),
		stopC:     make(chan struct{}),
	}
}

// Apply executes the timer commands of one output bundle.
func (ts *timerService) Apply(cmds []raft.TimerCmd) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for _, cmd := range cmds {
		switch cmd.Action {
		case raft.TimerActionSet:
			ts.armed[cmd.Kind] = true
			ts.remaining[cmd.Kind] = cmd.Ticks
		case raft.TimerActionStop:
			ts.armed[cmd.Kind] = false
		}
	}
}

// Run counts ticks until Stop is called.
func (ts *timerService) Run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ts.stopC:
			return
		case <-ticker.C:
			ts.tick()
		}
	}
}

func (ts *timerService) tick() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for _, kind := range []raft.TimerKind{raft.TimerElection, raft.TimerHeartbeat} {
		if !ts.armed[kind] {
			continue
		}
		ts.remaining[kind]--
		if ts.remaining[kind] > 0 {
			continue
		}
		select {
		case ts.expiryC <- kind:
			ts.armed[kind] = false
		default:
			// the worker is behind; retry on the next tick
			ts.remaining[kind] = 1
		}
	}
}

func (ts *timerService) Stop() {
	close(ts.stopC)
}
