package raft

import (
	"errors"
	"testing"

	"github.com/rinastack/raft/raftpb"
)

// electLeader drives sm through a campaign and a quorum of grants.
func electLeader(t *testing.T, sm *RaftSM) {
	t.Helper()
	out := &Output{}
	if err := sm.OnTimer(TimerElection, out); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := sm.OnRequestVoteResp(&raftpb.RequestVoteResp{
		Term: sm.CurrentTerm(), VoteGranted: true, From: sm.peers[0],
	}, out); err != nil {
		t.Fatal(err)
	}
	if sm.State() != StateLeader {
		t.Fatalf("state expected %s, got %s", StateLeader, sm.State())
	}
}

func Test_Submit_on_non_leader(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")

	out := &Output{}
	err := sm.Submit([]byte("x"), out)
	var nle *NotLeaderError
	if !errors.As(err, &nle) {
		t.Fatalf("expected NotLeaderError, got %v", err)
	}
	if nle.LeaderID != "" {
		t.Fatalf("leader id expected empty, got %q", nle.LeaderID)
	}

	// after hearing from a leader the error names it
	if err = sm.OnAppendEntries(&raftpb.AppendEntries{Term: 1, LeaderID: "R2"}, out); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	err = sm.Submit([]byte("x"), out)
	if !errors.As(err, &nle) || nle.LeaderID != "R2" {
		t.Fatalf("expected NotLeaderError naming R2, got %v", err)
	}
}

func Test_Submit_appends_and_replicates(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")
	electLeader(t, sm)

	out := &Output{}
	if err := sm.Submit([]byte("hello"), out); err != nil {
		t.Fatal(err)
	}

	if sm.LastLogIndex() != 1 {
		t.Fatalf("last log index expected 1, got %d", sm.LastLogIndex())
	}
	aes := appendEntriesMsgs(out)
	if len(aes) != 2 {
		t.Fatalf("expected replication to 2 peers, got %d messages", len(aes))
	}
	for _, m := range aes {
		if len(m.Entries) != 1 || m.PrevLogIndex != 0 || m.Entries[0].Term != sm.CurrentTerm() {
			t.Fatalf("unexpected AppendEntries %+v", m)
		}
	}
	// nothing committed until a quorum acks
	if sm.CommitIndex() != 0 {
		t.Fatalf("commit index expected 0, got %d", sm.CommitIndex())
	}
}

func Test_Submit_payload_too_large(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")
	electLeader(t, sm)

	out := &Output{}
	big := make([]byte, testEntrySize-4+1)
	if err := sm.Submit(big, out); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func Test_leader_commits_on_quorum_ack(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")
	electLeader(t, sm)

	out := &Output{}
	if err := sm.Submit([]byte("hello"), out); err != nil {
		t.Fatal(err)
	}
	out.Reset()

	err := sm.OnAppendEntriesResp(&raftpb.AppendEntriesResp{
		Term: sm.CurrentTerm(), Success: true, MatchIndex: 1, From: "R2",
	}, out)
	if err != nil {
		t.Fatal(err)
	}

	if sm.CommitIndex() != 1 {
		t.Fatalf("commit index expected 1, got %d", sm.CommitIndex())
	}
	if len(out.Applied) != 1 || out.Applied[0].Index != 1 {
		t.Fatalf("unexpected applied entries %+v", out.Applied)
	}
	pr := sm.progress["R2"]
	if pr.MatchIndex != 1 || pr.NextIndex != 2 {
		t.Fatalf("R2 progress expected match=1 next=2, got %+v", pr)
	}
}

func Test_leader_does_not_commit_older_term_entries_alone(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")

	// an entry from term 2 sits in the log; the replica later leads term 4
	if err := sm.store.SetCurrentTerm(3); err != nil {
		t.Fatal(err)
	}
	if err := sm.store.Append(1, []raftpb.Entry{{Term: 2, Payload: []byte("old")}}); err != nil {
		t.Fatal(err)
	}
	electLeader(t, sm)
	if sm.CurrentTerm() != 4 {
		t.Fatalf("term expected 4, got %d", sm.CurrentTerm())
	}

	// a majority acks the old entry, but it must not commit by counting
	out := &Output{}
	err := sm.OnAppendEntriesResp(&raftpb.AppendEntriesResp{
		Term: 4, Success: true, MatchIndex: 1, From: "R2",
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if sm.CommitIndex() != 0 {
		t.Fatalf("old-term entry must not commit, commit index is %d", sm.CommitIndex())
	}

	// a current-term entry reaching the majority commits both
	out.Reset()
	if err = sm.Submit([]byte("new"), out); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	err = sm.OnAppendEntriesResp(&raftpb.AppendEntriesResp{
		Term: 4, Success: true, MatchIndex: 2, From: "R2",
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if sm.CommitIndex() != 2 {
		t.Fatalf("commit index expected 2, got %d", sm.CommitIndex())
	}
	if len(out.Applied) != 2 || out.Applied[0].Index != 1 || out.Applied[1].Index != 2 {
		t.Fatalf("expected entries 1 and 2 applied in order, got %+v", out.Applied)
	}
}

func Test_leader_rewinds_next_index_on_rejection(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")

	if err := sm.store.SetCurrentTerm(1); err != nil {
		t.Fatal(err)
	}
	if err := sm.store.Append(1, []raftpb.Entry{{Term: 1, Payload: []byte("a")}}); err != nil {
		t.Fatal(err)
	}
	electLeader(t, sm)

	pr := sm.progress["R2"]
	if pr.NextIndex != 2 {
		t.Fatalf("next index expected 2, got %d", pr.NextIndex)
	}

	out := &Output{}
	err := sm.OnAppendEntriesResp(&raftpb.AppendEntriesResp{
		Term: sm.CurrentTerm(), Success: false, From: "R2",
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if pr.NextIndex != 1 {
		t.Fatalf("next index expected 1 after rejection, got %d", pr.NextIndex)
	}

	// the next heartbeat carries the probe from the rewound index
	out.Reset()
	if err = sm.OnTimer(TimerHeartbeat, out); err != nil {
		t.Fatal(err)
	}
	for _, env := range out.Messages {
		m, ok := env.Msg.(*raftpb.AppendEntries)
		if ok && env.To == "R2" && m.PrevLogIndex != 0 {
			t.Fatalf("probe to R2 expected prev=0, got %+v", m)
		}
	}
	if timerCmd(out, TimerHeartbeat, TimerActionSet) == nil {
		t.Fatal("heartbeat must rearm itself")
	}
}

func Test_leader_batches_entries(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")
	electLeader(t, sm)

	out := &Output{}
	for i := 0; i < 5; i++ {
		if err := sm.Submit([]byte{byte(i)}, out); err != nil {
			t.Fatal(err)
		}
		out.Reset()
	}

	// R2 is far behind: a single heartbeat carries the full backlog
	sm.progress["R2"].NextIndex = 1
	if err := sm.OnTimer(TimerHeartbeat, out); err != nil {
		t.Fatal(err)
	}
	for i, env := range out.Messages {
		m := env.Msg.(*raftpb.AppendEntries)
		if env.To == "R2" && len(m.Entries) != 5 {
			t.Fatalf("#%d: expected 5 entries to R2, got %d", i, len(m.Entries))
		}
	}
}

func Test_leader_steps_down_on_higher_term(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")
	electLeader(t, sm)

	out := &Output{}
	err := sm.OnAppendEntriesResp(&raftpb.AppendEntriesResp{
		Term: 9, Success: false, From: "R2",
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if sm.State() != StateFollower {
		t.Fatalf("state expected %s, got %s", StateFollower, sm.State())
	}
	if timerCmd(out, TimerHeartbeat, TimerActionStop) == nil {
		t.Fatal("stepping down must stop the heartbeat timer")
	}
	if timerCmd(out, TimerElection, TimerActionSet) == nil {
		t.Fatal("stepping down must rearm the election timer")
	}
}

func Test_heartbeat_timer_ignored_off_leader(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")

	out := &Output{}
	if err := sm.OnTimer(TimerHeartbeat, out); err != nil {
		t.Fatal(err)
	}
	if !out.empty() {
		t.Fatalf("stray heartbeat expiry must be ignored, got %+v", out)
	}
}
