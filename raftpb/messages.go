// Package raftpb defines the messages exchanged between Raft replicas.
//
// The structs here are the protocol semantics; how they travel between
// replicas is the host's concern. Encode and Decode provide a ready-made
// msgpack framing for hosts that do not bring their own codec.
package raftpb

import "fmt"

// MessageKind identifies a Raft protocol message type.
type MessageKind uint8

const (
	MessageKindUnknown MessageKind = iota
	MessageKindRequestVote
	MessageKindRequestVoteResp
	MessageKindAppendEntries
	MessageKindAppendEntriesResp
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindRequestVote:
		return "RequestVote"
	case MessageKindRequestVoteResp:
		return "RequestVoteResp"
	case MessageKindAppendEntries:
		return "AppendEntries"
	case MessageKindAppendEntriesResp:
		return "AppendEntriesResp"
	}
	return "Unknown"
}

// Entry is one log record: the term it was created in, plus an opaque
// application payload. On disk each entry occupies a fixed number of
// bytes; the payload read back is always padded to that fixed size.
type Entry struct {
	Term    uint32 `codec:"term"`
	Payload []byte `codec:"payload"`
}

// Message is implemented by all Raft protocol messages.
type Message interface {
	Kind() MessageKind
}

// RequestVote is sent by candidates to gather votes (Raft §5.2).
type RequestVote struct {
	Term         uint32 `codec:"term"`
	CandidateID  string `codec:"candidate_id"`
	LastLogIndex uint64 `codec:"last_log_index"`
	LastLogTerm  uint32 `codec:"last_log_term"`
}

// RequestVoteResp answers a RequestVote.
type RequestVoteResp struct {
	Term        uint32 `codec:"term"`
	VoteGranted bool   `codec:"vote_granted"`
	From        string `codec:"from"`
}

// AppendEntries is sent by the leader to replicate log entries,
// and doubles as a heartbeat when Entries is empty (Raft §5.3).
type AppendEntries struct {
	Term         uint32  `codec:"term"`
	LeaderID     string  `codec:"leader_id"`
	PrevLogIndex uint64  `codec:"prev_log_index"`
	PrevLogTerm  uint32  `codec:"prev_log_term"`
	Entries      []Entry `codec:"entries"`
	LeaderCommit uint64  `codec:"leader_commit"`
}

// AppendEntriesResp answers an AppendEntries. On success, MatchIndex
// is the index of the last entry covered by the request, so that the
// leader can advance its view of the follower without guessing.
type AppendEntriesResp struct {
	Term       uint32 `codec:"term"`
	Success    bool   `codec:"success"`
	MatchIndex uint64 `codec:"match_index"`
	From       string `codec:"from"`
}

func (m *RequestVote) Kind() MessageKind       { return MessageKindRequestVote }
func (m *RequestVoteResp) Kind() MessageKind   { return MessageKindRequestVoteResp }
func (m *AppendEntries) Kind() MessageKind     { return MessageKindAppendEntries }
func (m *AppendEntriesResp) Kind() MessageKind { return MessageKindAppendEntriesResp }

// Envelope pairs an outbound message with its destination replica.
type Envelope struct {
	To  string
	Msg Message
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s to %s", e.Msg.Kind(), e.To)
}
