package raft

import (
	"github.com/rinastack/raft/raftpb"
)

// startElection moves to candidate for a fresh term, votes for itself
// and broadcasts vote requests. Also runs on a candidate whose
// election timed out, opening a new election.
func (sm *RaftSM) startElection(out *Output) error {
	sm.switchState(StateCandidate)
	sm.leaderID = ""

	if err := sm.store.SetCurrentTerm(sm.store.CurrentTerm() + 1); err != nil {
		return sm.fatal(err)
	}
	if err := sm.store.SetVotedFor(sm.id); err != nil {
		return sm.fatal(err)
	}
	sm.votesGranted = map[string]bool{sm.id: true}

	raftLogger.Infof("%s: starting election at term %d", sm.id, sm.store.CurrentTerm())

	// rearm in case this election ends in a split vote
	sm.armElectionTimer(out)

	for _, p := range sm.peers {
		out.Messages = append(out.Messages, raftpb.Envelope{
			To: p,
			Msg: &raftpb.RequestVote{
				Term:         sm.store.CurrentTerm(),
				CandidateID:  sm.id,
				LastLogIndex: sm.store.LastIndex(),
				LastLogTerm:  sm.store.LastTerm(),
			},
		})
	}

	// a single-replica cluster is its own quorum
	if sm.voteCount() >= sm.quorum() {
		return sm.becomeLeader(out)
	}
	return nil
}

// OnRequestVoteResp counts a vote while campaigning. Responses from
// older elections or from replicas that already answered are ignored.
func (sm *RaftSM) OnRequestVoteResp(msg *raftpb.RequestVoteResp, out *Output) error {
	if err := sm.stepCheck(out); err != nil {
		return err
	}
	if msg == nil {
		raftLogger.Warnf("%s: dropping malformed RequestVoteResp", sm.id)
		return nil
	}
	if _, ok := sm.progress[msg.From]; !ok {
		raftLogger.Warnf("%s: dropping RequestVoteResp from unknown replica %q", sm.id, msg.From)
		return nil
	}

	caughtUp, err := sm.catchUpTerm(msg.Term, out)
	if err != nil {
		return err
	}
	if caughtUp {
		// the election we ran is over
		return nil
	}

	if sm.state != StateCandidate || msg.Term != sm.store.CurrentTerm() {
		raftLogger.Debugf("%s: ignoring RequestVoteResp(term=%d granted=%v) in state %s",
			sm.id, msg.Term, msg.VoteGranted, sm.state)
		return nil
	}
	if _, answered := sm.votesGranted[msg.From]; answered {
		return nil
	}
	sm.votesGranted[msg.From] = msg.VoteGranted

	raftLogger.Infof("%s: %d/%d votes at term %d", sm.id, sm.voteCount(), sm.quorum(), sm.store.CurrentTerm())

	if sm.voteCount() >= sm.quorum() {
		return sm.becomeLeader(out)
	}
	return nil
}

func (sm *RaftSM) voteCount() int {
	n := 0
	for _, granted := range sm.votesGranted {
		if granted {
			n++
		}
	}
	return n
}
