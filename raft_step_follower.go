package raft

import (
	"github.com/rinastack/raft/raftlog"
	"github.com/rinastack/raft/raftpb"
)

// OnRequestVote handles a vote request from a campaigning candidate.
//
// The vote is granted iff the request is for our (possibly just
// caught-up) term, we have not voted for anyone else in it, and the
// candidate's log is at least as up-to-date as ours (Raft §5.4.1).
// A granted first vote is durably recorded before the response is
// emitted.
func (sm *RaftSM) OnRequestVote(msg *raftpb.RequestVote, out *Output) error {
	if err := sm.stepCheck(out); err != nil {
		return err
	}
	if msg == nil || msg.CandidateID == "" || len(msg.CandidateID) >= raftlog.VotedForSize {
		raftLogger.Warnf("%s: dropping malformed RequestVote", sm.id)
		return nil
	}
	if _, ok := sm.progress[msg.CandidateID]; !ok {
		// a vote for a non-member could never be recovered from disk
		raftLogger.Warnf("%s: dropping RequestVote from unknown replica %q", sm.id, msg.CandidateID)
		return nil
	}

	raftLogger.Debugf("%s: RequestVote(term=%d cand=%s last_log_index=%d last_log_term=%d)",
		sm.id, msg.Term, msg.CandidateID, msg.LastLogIndex, msg.LastLogTerm)

	if _, err := sm.catchUpTerm(msg.Term, out); err != nil {
		return err
	}

	granted := false
	if msg.Term == sm.store.CurrentTerm() {
		votedFor := sm.store.VotedFor()
		upToDate := msg.LastLogTerm > sm.store.LastTerm() ||
			(msg.LastLogTerm == sm.store.LastTerm() && msg.LastLogIndex >= sm.store.LastIndex())
		granted = (votedFor == "" || votedFor == msg.CandidateID) && upToDate

		if granted && votedFor == "" {
			if err := sm.store.SetVotedFor(msg.CandidateID); err != nil {
				return sm.fatal(err)
			}
		}
	}

	if granted {
		raftLogger.Infof("%s: vote granted to %s at term %d", sm.id, msg.CandidateID, sm.store.CurrentTerm())
	} else {
		raftLogger.Infof("%s: vote not granted to %s at term %d", sm.id, msg.CandidateID, sm.store.CurrentTerm())
	}

	out.Messages = append(out.Messages, raftpb.Envelope{
		To: msg.CandidateID,
		Msg: &raftpb.RequestVoteResp{
			Term:        sm.store.CurrentTerm(),
			VoteGranted: granted,
			From:        sm.id,
		},
	})
	return nil
}

// OnAppendEntries handles log replication (or a bare heartbeat) from
// the replica claiming leadership for msg.Term.
func (sm *RaftSM) OnAppendEntries(msg *raftpb.AppendEntries, out *Output) error {
	if err := sm.stepCheck(out); err != nil {
		return err
	}
	if msg == nil || msg.LeaderID == "" || len(msg.LeaderID) >= raftlog.VotedForSize {
		raftLogger.Warnf("%s: dropping malformed AppendEntries", sm.id)
		return nil
	}
	for i := range msg.Entries {
		if len(msg.Entries[i].Payload) > sm.store.PayloadSize() {
			raftLogger.Warnf("%s: dropping AppendEntries with oversized payload at entry %d", sm.id, i)
			return nil
		}
	}

	if _, err := sm.catchUpTerm(msg.Term, out); err != nil {
		return err
	}

	if msg.Term < sm.store.CurrentTerm() {
		// stale leader, nack with the updated term
		out.Messages = append(out.Messages, raftpb.Envelope{
			To: msg.LeaderID,
			Msg: &raftpb.AppendEntriesResp{
				Term:    sm.store.CurrentTerm(),
				Success: false,
				From:    sm.id,
			},
		})
		return nil
	}

	if sm.state == StateLeader {
		// two leaders in the same term must be impossible
		raftLogger.Errorf("%s: dropping AppendEntries from %s claiming leadership at our term %d",
			sm.id, msg.LeaderID, msg.Term)
		return nil
	}
	if sm.state == StateCandidate {
		// a leader emerged for this term, stand down
		sm.switchState(StateFollower)
		sm.votesGranted = nil
	}
	sm.leaderID = msg.LeaderID
	sm.armElectionTimer(out)

	resp := &raftpb.AppendEntriesResp{Term: sm.store.CurrentTerm(), From: sm.id}
	ok := true
	if msg.PrevLogIndex > 0 {
		if msg.PrevLogIndex > sm.store.LastIndex() {
			ok = false
		} else {
			t, err := sm.store.Term(msg.PrevLogIndex)
			if err != nil {
				return sm.fatal(err)
			}
			ok = t == msg.PrevLogTerm
		}
	}
	resp.Success = ok

	if ok {
		if err := sm.appendFromLeader(msg); err != nil {
			return err
		}
		resp.MatchIndex = msg.PrevLogIndex + uint64(len(msg.Entries))

		if msg.LeaderCommit > sm.commitIndex {
			sm.commitIndex = msg.LeaderCommit
			if last := sm.store.LastIndex(); sm.commitIndex > last {
				sm.commitIndex = last
			}
			if err := sm.applyCommitted(out); err != nil {
				return err
			}
		}
	} else {
		raftLogger.Debugf("%s: log mismatch at index %d (leader term %d)",
			sm.id, msg.PrevLogIndex, msg.PrevLogTerm)
	}

	out.Messages = append(out.Messages, raftpb.Envelope{To: msg.LeaderID, Msg: resp})
	return nil
}

// appendFromLeader applies the conflict-and-append rule: entries
// already present with the same term are skipped, the first term
// disagreement truncates the local tail, and the remainder is written
// durably.
func (sm *RaftSM) appendFromLeader(msg *raftpb.AppendEntries) error {
	idx := msg.PrevLogIndex + 1
	i := 0
	for i < len(msg.Entries) && idx <= sm.store.LastIndex() {
		t, err := sm.store.Term(idx)
		if err != nil {
			return sm.fatal(err)
		}
		if t != msg.Entries[i].Term {
			break
		}
		i++
		idx++
	}
	if i == len(msg.Entries) {
		return nil
	}
	if err := sm.store.Append(idx, msg.Entries[i:]); err != nil {
		return sm.fatal(err)
	}
	return nil
}

// applyCommitted hands committed entries to the application, in index
// order, each exactly once.
func (sm *RaftSM) applyCommitted(out *Output) error {
	for sm.lastApplied < sm.commitIndex {
		sm.lastApplied++
		ent, err := sm.store.Entry(sm.lastApplied)
		if err != nil {
			return sm.fatal(err)
		}
		out.Applied = append(out.Applied, AppliedEntry{
			Index:   sm.lastApplied,
			Payload: ent.Payload,
		})
	}
	return nil
}
