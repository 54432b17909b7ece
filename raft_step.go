package raft

// OnTimer feeds a timer expiry into the state machine. Expiries of a
// timer the replica has since asked to stop are ignored.
func (sm *RaftSM) OnTimer(kind TimerKind, out *Output) error {
	if err := sm.stepCheck(out); err != nil {
		return err
	}

	switch kind {
	case TimerElection:
		if sm.state == StateLeader {
			// stale expiry, the election timer is stopped on leaders
			return nil
		}
		raftLogger.Infof("%s: election timer expired", sm.id)
		return sm.startElection(out)

	case TimerHeartbeat:
		if sm.state != StateLeader {
			return nil
		}
		return sm.leaderSendHeartbeats(out)
	}

	raftLogger.Warnf("%s: dropping unknown timer kind %d", sm.id, kind)
	return nil
}
