// Package raft implements the replicated state machine core of the
// Raft consensus protocol for a fixed-membership cluster.
//
// The state machine is single-threaded and performs no network I/O:
// the host feeds it one input at a time (an inbound message or a timer
// expiry) and drains the Output bundle the input produced. Votes, the
// current term and log entries are flushed to a durable single-file
// log before any output reflecting them is emitted.
package raft

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/rinastack/raft/raftlog"
)

// State is the role a replica currently plays.
type State uint8

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "Follower"
	case StateCandidate:
		return "Candidate"
	case StateLeader:
		return "Leader"
	}
	return "Unknown"
}

// Config contains the parameters to create a replica.
type Config struct {
	// ID is the identifier of this replica. Must be non-empty and
	// short enough to fit the on-disk voted-for field.
	ID string

	// Peers lists the other cluster members. The membership is fixed
	// for the lifetime of the replica.
	Peers []string

	// LogPath is the file backing the durable log.
	LogPath string

	// LogEntrySize is the fixed on-disk size of one log entry, the
	// 4-byte term included. Must not change across reboots of the
	// same log.
	LogEntrySize int

	// ElectionTickMin and ElectionTickMax bound the randomized
	// election timeout. Each arming draws uniformly from
	// [ElectionTickMin, ElectionTickMax].
	ElectionTickMin int
	ElectionTickMax int

	// HeartbeatTicks is the leader's heartbeat interval. Must be
	// strictly less than ElectionTickMin.
	HeartbeatTicks int

	// MaxEntriesPerMsg bounds the entries carried by one
	// AppendEntries message. Defaults to 64.
	MaxEntriesPerMsg int

	// Rand is the randomness source for election timeouts. When nil,
	// a source seeded from ID is used, so a fixed cluster is
	// reproducible.
	Rand *rand.Rand

	// Logger overrides the package logger when non-nil.
	Logger Logger
}

func (c *Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty replica id", ErrInvalidConfig)
	}
	if len(c.ID) >= raftlog.VotedForSize {
		return fmt.Errorf("%w: replica id %q is too long", ErrInvalidConfig, c.ID)
	}
	seen := map[string]bool{c.ID: true}
	for _, p := range c.Peers {
		if p == "" || len(p) >= raftlog.VotedForSize {
			return fmt.Errorf("%w: bad peer id %q", ErrInvalidConfig, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate replica id %q", ErrInvalidConfig, p)
		}
		seen[p] = true
	}
	if c.LogPath == "" {
		return fmt.Errorf("%w: empty log path", ErrInvalidConfig)
	}
	if c.LogEntrySize <= 4 {
		return fmt.Errorf("%w: log entry size %d is too small", ErrInvalidConfig, c.LogEntrySize)
	}
	if c.ElectionTickMin <= 0 || c.ElectionTickMax < c.ElectionTickMin {
		return fmt.Errorf("%w: bad election tick range [%d, %d]",
			ErrInvalidConfig, c.ElectionTickMin, c.ElectionTickMax)
	}
	if c.HeartbeatTicks <= 0 || c.HeartbeatTicks >= c.ElectionTickMin {
		return fmt.Errorf("%w: heartbeat ticks %d must be positive and less than election tick min %d",
			ErrInvalidConfig, c.HeartbeatTicks, c.ElectionTickMin)
	}
	return nil
}

// RaftSM is one replica's consensus state machine.
type RaftSM struct {
	id    string
	peers []string // sorted, without the local id

	logPath      string
	logEntrySize int

	store *raftlog.Store

	state    State
	leaderID string

	commitIndex uint64
	lastApplied uint64

	// votesGranted records the outcome per responding replica while
	// campaigning, keyed by replica id so a duplicated response
	// cannot double-count.
	votesGranted map[string]bool

	progress map[string]*Progress

	electionTickMin  int
	electionTickMax  int
	heartbeatTicks   int
	maxEntriesPerMsg int

	rand *rand.Rand

	stopped bool
}

// NewRaftSM validates the configuration and creates a replica.
// No file is touched until Init.
func NewRaftSM(c Config) (*RaftSM, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.Logger != nil {
		SetLogger(c.Logger)
	}

	peers := make([]string, len(c.Peers))
	copy(peers, c.Peers)
	sort.Strings(peers)

	rnd := c.Rand
	if rnd == nil {
		h := fnv.New64a()
		h.Write([]byte(c.ID))
		rnd = rand.New(rand.NewSource(int64(h.Sum64())))
	}

	maxEntries := c.MaxEntriesPerMsg
	if maxEntries <= 0 {
		maxEntries = 64
	}

	return &RaftSM{
		id:               c.ID,
		peers:            peers,
		logPath:          c.LogPath,
		logEntrySize:     c.LogEntrySize,
		state:            StateFollower,
		electionTickMin:  c.ElectionTickMin,
		electionTickMax:  c.ElectionTickMax,
		heartbeatTicks:   c.HeartbeatTicks,
		maxEntriesPerMsg: maxEntries,
		rand:             rnd,
	}, nil
}

// Init creates or recovers the durable log and arms the election
// timer. It must run once before any other input.
func (sm *RaftSM) Init(out *Output) error {
	if err := sm.checkOutput(out); err != nil {
		return err
	}
	if sm.stopped {
		return ErrStopped
	}
	if sm.store != nil {
		return fmt.Errorf("raft: %s already initialized", sm.id)
	}

	store, err := raftlog.Open(sm.logPath, sm.logEntrySize, sm.id, sm.peers)
	if err != nil {
		sm.stopped = true
		return fmt.Errorf("raft: storage failure: %w", err)
	}
	sm.store = store

	sm.progress = make(map[string]*Progress, len(sm.peers))
	for _, p := range sm.peers {
		sm.progress[p] = &Progress{
			MatchIndex: 0,
			NextIndex:  store.LastIndex() + 1,
		}
	}

	raftLogger.Infof("%s: initialized (term=%d voted_for=%q last_log_index=%d last_log_term=%d)",
		sm.id, store.CurrentTerm(), store.VotedFor(), store.LastIndex(), store.LastTerm())

	sm.armElectionTimer(out)
	return nil
}

// Close releases the log file, leaving the durable state intact.
func (sm *RaftSM) Close() error {
	sm.stopped = true
	if sm.store == nil {
		return nil
	}
	return sm.store.Close()
}

// Shutdown closes the replica and deletes its log file. Meant for
// tests; production hosts must not call it.
func (sm *RaftSM) Shutdown() error {
	sm.stopped = true
	if sm.store == nil {
		return nil
	}
	return sm.store.Remove()
}

// State returns the current role.
func (sm *RaftSM) State() State { return sm.state }

// CurrentTerm returns the persisted current term.
func (sm *RaftSM) CurrentTerm() uint32 {
	if sm.store == nil {
		return 0
	}
	return sm.store.CurrentTerm()
}

// VotedFor returns the persisted vote of the current term, "" when
// no vote is recorded.
func (sm *RaftSM) VotedFor() string {
	if sm.store == nil {
		return ""
	}
	return sm.store.VotedFor()
}

// LeaderID returns the best-known leader, "" when unknown.
func (sm *RaftSM) LeaderID() string { return sm.leaderID }

// CommitIndex returns the highest index known committed.
func (sm *RaftSM) CommitIndex() uint64 { return sm.commitIndex }

// LastLogIndex returns the index of the last log entry.
func (sm *RaftSM) LastLogIndex() uint64 {
	if sm.store == nil {
		return 0
	}
	return sm.store.LastIndex()
}

// LastLogTerm returns the term of the entry at LastLogIndex,
// 0 for an empty log.
func (sm *RaftSM) LastLogTerm() uint32 {
	if sm.store == nil {
		return 0
	}
	return sm.store.LastTerm()
}

func (sm *RaftSM) quorum() int {
	return (len(sm.peers)+1)/2 + 1
}

// checkOutput enforces the empty-on-entry precondition of every input.
func (sm *RaftSM) checkOutput(out *Output) error {
	if out == nil || !out.empty() {
		return ErrOutputNotEmpty
	}
	return nil
}

// stepCheck is the common preamble of every input method.
func (sm *RaftSM) stepCheck(out *Output) error {
	if err := sm.checkOutput(out); err != nil {
		return err
	}
	if sm.stopped {
		return ErrStopped
	}
	if sm.store == nil {
		return ErrNotInitialized
	}
	return nil
}

// fatal marks the replica unusable and surfaces the storage error.
func (sm *RaftSM) fatal(err error) error {
	sm.stopped = true
	raftLogger.Errorf("%s: fatal storage error: %v", sm.id, err)
	return fmt.Errorf("raft: storage failure: %w", err)
}

func (sm *RaftSM) switchState(next State) {
	if sm.state == next {
		return
	}
	raftLogger.Infof("%s: switching %s --> %s at term %d", sm.id, sm.state, next, sm.store.CurrentTerm())
	sm.state = next
}

func (sm *RaftSM) randElectionTicks() int {
	return sm.electionTickMin + sm.rand.Intn(sm.electionTickMax-sm.electionTickMin+1)
}

func (sm *RaftSM) armElectionTimer(out *Output) {
	out.TimerCommands = append(out.TimerCommands, TimerCmd{
		Kind:   TimerElection,
		Action: TimerActionSet,
		Ticks:  sm.randElectionTicks(),
	})
}

// catchUpTerm runs on every inbound message before any other
// processing: a higher term durably overwrites ours, clears the vote,
// and demotes to follower. Reports whether the term moved.
func (sm *RaftSM) catchUpTerm(term uint32, out *Output) (bool, error) {
	if term <= sm.store.CurrentTerm() {
		return false, nil
	}

	raftLogger.Infof("%s: updating term %d --> %d", sm.id, sm.store.CurrentTerm(), term)
	if err := sm.store.SetCurrentTerm(term); err != nil {
		return false, sm.fatal(err)
	}
	if err := sm.store.SetVotedFor(""); err != nil {
		return false, sm.fatal(err)
	}
	sm.becomeFollower(out)
	return true, nil
}

// becomeFollower demotes without touching the persisted vote; the
// callers that change term clear it themselves beforehand.
func (sm *RaftSM) becomeFollower(out *Output) {
	wasLeader := sm.state == StateLeader
	sm.switchState(StateFollower)
	sm.votesGranted = nil
	sm.leaderID = ""
	if wasLeader {
		out.TimerCommands = append(out.TimerCommands, TimerCmd{Kind: TimerHeartbeat, Action: TimerActionStop})
	}
	sm.armElectionTimer(out)
}
