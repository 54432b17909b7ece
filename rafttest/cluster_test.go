package rafttest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	raft "github.com/rinastack/raft"
)

func Test_cluster_elects_single_leader(t *testing.T) {
	c := newCluster(t, 1, "R1", "R2", "R3")

	id := c.runUntilLeader(500)
	term := c.nodes[id].sm.CurrentTerm()
	require.NotZero(t, term)

	for _, nid := range c.ids {
		n := c.nodes[nid]
		require.Equal(t, term, n.sm.CurrentTerm())
		if nid == id {
			require.Equal(t, raft.StateLeader, n.sm.State())
		} else {
			require.Equal(t, raft.StateFollower, n.sm.State())
			require.Equal(t, id, n.sm.LeaderID())
		}
	}
}

func Test_cluster_replicates_and_applies(t *testing.T) {
	c := newCluster(t, 2, "R1", "R2", "R3")
	c.runUntilLeader(500)

	for i := 0; i < 5; i++ {
		c.submit(c.payload(fmt.Sprintf("cmd-%d", i)))
	}
	// heartbeats carry the commit index to the followers
	for i := 0; i < 20; i++ {
		c.tick()
	}

	want := c.appliedPayloads(c.leader())
	require.Len(t, want, 5)
	for _, id := range c.ids {
		require.Equal(t, want, c.appliedPayloads(id), "node %s diverged", id)
	}
}

func Test_cluster_failover_preserves_committed_entries(t *testing.T) {
	c := newCluster(t, 3, "R1", "R2", "R3")
	old := c.runUntilLeader(500)
	oldTerm := c.nodes[old].sm.CurrentTerm()

	c.submit(c.payload("pre-failover"))
	for i := 0; i < 20; i++ {
		c.tick()
	}
	require.Len(t, c.applied[old], 1)

	c.partition(old)
	rest := []string{}
	for _, id := range c.ids {
		if id != old {
			rest = append(rest, id)
		}
	}
	next := c.runUntilLeader(2000, rest...)
	require.NotEqual(t, old, next)
	require.Greater(t, c.nodes[next].sm.CurrentTerm(), oldTerm)

	// the committed entry survived into the new leadership
	c.submitTo(next, c.payload("post-failover"))
	for i := 0; i < 20; i++ {
		c.tick()
	}
	require.Equal(t,
		[]string{"1:" + string(c.payload("pre-failover")), "2:" + string(c.payload("post-failover"))},
		c.appliedPayloads(next))

	// the deposed leader catches up after the partition heals
	c.heal()
	for i := 0; i < 100; i++ {
		c.tick()
	}
	require.Equal(t, c.appliedPayloads(next), c.appliedPayloads(old))
}

func Test_cluster_node_restart_rejoins(t *testing.T) {
	c := newCluster(t, 4, "R1", "R2", "R3")
	c.runUntilLeader(500)

	c.submit(c.payload("before-crash"))
	for i := 0; i < 20; i++ {
		c.tick()
	}

	victim := ""
	for _, id := range c.ids {
		if c.nodes[id].sm.State() != raft.StateLeader {
			victim = id
			break
		}
	}
	termBefore := c.nodes[victim].sm.CurrentTerm()
	lastBefore := c.nodes[victim].sm.LastLogIndex()
	votedBefore := c.nodes[victim].sm.VotedFor()

	c.crash(victim)
	c.restart(victim, 99)

	n := c.nodes[victim]
	require.Equal(t, termBefore, n.sm.CurrentTerm())
	require.Equal(t, lastBefore, n.sm.LastLogIndex())
	require.Equal(t, votedBefore, n.sm.VotedFor())

	// the rejoining node may force a re-election before settling
	id := c.runUntilLeader(2000)
	c.submitTo(id, c.payload("after-restart"))
	for i := 0; i < 60; i++ {
		c.tick()
	}
	id = c.runUntilLeader(500)
	require.Equal(t, c.appliedPayloads(id), c.appliedPayloads(victim))
}

func Test_election_convergence_after_partitions(t *testing.T) {
	if testing.Short() {
		t.Skip("long randomized simulation")
	}

	c := newCluster(t, 5, "R1", "R2", "R3")
	c.runUntilLeader(500)

	rounds := 1000
	slow := 0
	lastTerm := uint32(0)
	for r := 0; r < rounds; r++ {
		// every follower's election timeout fits in the outage, so
		// each round forces fresh elections
		c.partitionAll()
		for i, span := 0, 60+c.rng.Intn(40); i < span; i++ {
			c.tick()
		}
		c.heal()

		termAtHeal := uint32(0)
		for _, id := range c.ids {
			if tm := c.nodes[id].sm.CurrentTerm(); tm > termAtHeal {
				termAtHeal = tm
			}
		}

		id := c.runUntilLeader(5000)
		term := c.nodes[id].sm.CurrentTerm()
		require.Greater(t, term, lastTerm, "terms must strictly increase across rounds")
		lastTerm = term

		// each failed election burns one term past the heal point
		if term > termAtHeal+3 {
			slow++
		}
	}
	require.LessOrEqual(t, slow, rounds/100,
		"split votes persisted beyond 3 elections in %d/%d rounds", slow, rounds)
}

func Test_randomized_schedules_preserve_safety(t *testing.T) {
	if testing.Short() {
		t.Skip("long randomized simulation")
	}

	// the cluster absorbs every step through the safety checks in
	// absorb(): term monotonicity, single vote per term, one leader
	// per term, in-order exactly-once applies, agreement on every
	// committed index
	c := newCluster(t, 6, "R1", "R2", "R3")
	c.dropRate = 0.2

	submitted := 0
	for i := 0; i < 20000; i++ {
		c.tick()
		if id := c.leader(); id != "" && c.rng.Float64() < 0.05 {
			n := c.nodes[id]
			payload := c.payload(fmt.Sprintf("op-%d", submitted))
			out := &raft.Output{}
			if err := n.sm.Submit(payload, out); err == nil {
				submitted++
				c.absorb(n, out)
				c.pump()
			}
		}
		if c.rng.Float64() < 0.002 {
			c.partition(c.ids[c.rng.Intn(len(c.ids))])
		}
		if c.rng.Float64() < 0.01 {
			c.heal()
		}
	}
	c.heal()
	c.dropRate = 0
	for i := 0; i < 500; i++ {
		c.tick()
	}

	require.NotZero(t, submitted)
	// after healing, everyone converges on the same applied sequence
	ref := c.appliedPayloads(c.ids[0])
	for _, id := range c.ids[1:] {
		require.Equal(t, ref, c.appliedPayloads(id), "node %s diverged", id)
	}
}
