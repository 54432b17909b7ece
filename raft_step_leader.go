package raft

import (
	"github.com/rinastack/raft/raftpb"
)

// becomeLeader takes leadership of the current term: the election
// timer stops, the heartbeat timer starts, per-peer replication state
// resets and an immediate (possibly empty) AppendEntries announces
// the new leader.
func (sm *RaftSM) becomeLeader(out *Output) error {
	sm.switchState(StateLeader)
	sm.leaderID = sm.id
	sm.votesGranted = nil

	for _, p := range sm.peers {
		pr := sm.progress[p]
		pr.MatchIndex = 0
		pr.NextIndex = sm.store.LastIndex() + 1
	}

	out.TimerCommands = append(out.TimerCommands,
		TimerCmd{Kind: TimerElection, Action: TimerActionStop},
		TimerCmd{Kind: TimerHeartbeat, Action: TimerActionSet, Ticks: sm.heartbeatTicks},
	)

	for _, p := range sm.peers {
		if err := sm.sendAppendEntries(p, out); err != nil {
			return err
		}
	}
	return nil
}

// leaderSendHeartbeats replicates to every peer and rearms the
// heartbeat timer.
func (sm *RaftSM) leaderSendHeartbeats(out *Output) error {
	for _, p := range sm.peers {
		if err := sm.sendAppendEntries(p, out); err != nil {
			return err
		}
	}
	out.TimerCommands = append(out.TimerCommands,
		TimerCmd{Kind: TimerHeartbeat, Action: TimerActionSet, Ticks: sm.heartbeatTicks})
	return nil
}

// sendAppendEntries emits one replication message to peer, carrying
// up to maxEntriesPerMsg entries starting at the peer's next index.
func (sm *RaftSM) sendAppendEntries(peer string, out *Output) error {
	pr := sm.progress[peer]
	prev := pr.NextIndex - 1
	prevTerm, err := sm.store.Term(prev)
	if err != nil {
		return sm.fatal(err)
	}

	var entries []raftpb.Entry
	for idx := pr.NextIndex; idx <= sm.store.LastIndex() && len(entries) < sm.maxEntriesPerMsg; idx++ {
		ent, err := sm.store.Entry(idx)
		if err != nil {
			return sm.fatal(err)
		}
		entries = append(entries, ent)
	}

	out.Messages = append(out.Messages, raftpb.Envelope{
		To: peer,
		Msg: &raftpb.AppendEntries{
			Term:         sm.store.CurrentTerm(),
			LeaderID:     sm.id,
			PrevLogIndex: prev,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: sm.commitIndex,
		},
	})
	return nil
}

// OnAppendEntriesResp advances or rewinds the sender's replication
// state and re-evaluates the commit index.
func (sm *RaftSM) OnAppendEntriesResp(msg *raftpb.AppendEntriesResp, out *Output) error {
	if err := sm.stepCheck(out); err != nil {
		return err
	}
	if msg == nil {
		raftLogger.Warnf("%s: dropping malformed AppendEntriesResp", sm.id)
		return nil
	}
	pr, ok := sm.progress[msg.From]
	if !ok {
		raftLogger.Warnf("%s: dropping AppendEntriesResp from unknown replica %q", sm.id, msg.From)
		return nil
	}

	caughtUp, err := sm.catchUpTerm(msg.Term, out)
	if err != nil {
		return err
	}
	if caughtUp {
		return nil
	}

	if sm.state != StateLeader || msg.Term != sm.store.CurrentTerm() {
		raftLogger.Debugf("%s: ignoring AppendEntriesResp(term=%d success=%v) in state %s",
			sm.id, msg.Term, msg.Success, sm.state)
		return nil
	}

	if !msg.Success {
		// rewind and let the next heartbeat probe further back
		if pr.NextIndex > 1 {
			pr.NextIndex--
		}
		raftLogger.Debugf("%s: %s rejected entries, next index rewound to %d", sm.id, msg.From, pr.NextIndex)
		return nil
	}

	match := msg.MatchIndex
	if match > sm.store.LastIndex() {
		// a follower can never have matched more than we hold
		raftLogger.Warnf("%s: clamping match index %d from %s to our log end %d",
			sm.id, match, msg.From, sm.store.LastIndex())
		match = sm.store.LastIndex()
	}
	if match > pr.MatchIndex {
		pr.MatchIndex = match
	}
	pr.NextIndex = pr.MatchIndex + 1
	return sm.maybeCommit(out)
}

// maybeCommit advances the commit index to the largest N above it
// that a quorum has replicated and that belongs to the current term.
// The term restriction is what prevents a leader from counting
// replicas for entries of older terms (Raft §5.4.2).
func (sm *RaftSM) maybeCommit(out *Output) error {
	for n := sm.store.LastIndex(); n > sm.commitIndex; n-- {
		cnt := 1 // self
		for _, p := range sm.peers {
			if sm.progress[p].MatchIndex >= n {
				cnt++
			}
		}
		if cnt < sm.quorum() {
			continue
		}
		t, err := sm.store.Term(n)
		if err != nil {
			return sm.fatal(err)
		}
		if t != sm.store.CurrentTerm() {
			// entries below carry older terms, nothing else can commit
			break
		}
		raftLogger.Infof("%s: commit index %d --> %d at term %d", sm.id, sm.commitIndex, n, t)
		sm.commitIndex = n
		return sm.applyCommitted(out)
	}
	return nil
}

// Submit appends a payload to the leader's log and schedules its
// replication. On any other role it reports the best-known leader.
func (sm *RaftSM) Submit(payload []byte, out *Output) error {
	if err := sm.stepCheck(out); err != nil {
		return err
	}
	if sm.state != StateLeader {
		return &NotLeaderError{LeaderID: sm.leaderID}
	}
	if len(payload) > sm.store.PayloadSize() {
		return ErrPayloadTooLarge
	}

	ent := raftpb.Entry{Term: sm.store.CurrentTerm(), Payload: payload}
	if err := sm.store.Append(sm.store.LastIndex()+1, []raftpb.Entry{ent}); err != nil {
		return sm.fatal(err)
	}

	raftLogger.Debugf("%s: submitted entry %d at term %d", sm.id, sm.store.LastIndex(), ent.Term)

	for _, p := range sm.peers {
		if err := sm.sendAppendEntries(p, out); err != nil {
			return err
		}
	}
	return sm.maybeCommit(out)
}
