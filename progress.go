package raft

// Progress is a follower's replication state in the leader's view.
type Progress struct {
	// MatchIndex is the highest entry index known to be replicated
	// on this follower.
	MatchIndex uint64

	// NextIndex is the index of the next entry to send to this
	// follower. Decremented on a rejected AppendEntries until the
	// logs converge.
	NextIndex uint64
}
