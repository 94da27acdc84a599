package raft

import (
	"sort"

	"github.com/40a/cocaine-core/rpc"
)

// Cluster is the quorum-tracking core (C6): the set of peers (always
// including self), vote bookkeeping for the current election, and the
// commit index advancement rule. It holds a back-pointer to the owning
// Actor so peer callbacks (always posted back onto the reactor) can
// read/mutate actor state without any lock.
type Cluster struct {
	actor     *Actor
	peers     []*peer
	connector Connector

	votesTerm  uint64
	votesCount int
}

// NewCluster builds the quorum tracker for the given member set. self
// must be present in members.
func NewCluster(self NodeID, members []NodeID, connector Connector) *Cluster {
	c := &Cluster{connector: connector}
	for _, m := range members {
		c.peers = append(c.peers, newPeer(m, m == self))
	}
	return c
}

func (c *Cluster) bind(a *Actor) { c.actor = a }

// quorum is the minimum number of peers (including self) that must
// agree for the cluster to make progress.
func (c *Cluster) quorum() int { return len(c.peers)/2 + 1 }

// RegisterVote records a granted vote for term and, once a quorum of
// votes for the actor's current election term has been collected,
// transitions the actor to leader. Votes for a stale term are ignored.
func (c *Cluster) RegisterVote(term uint64, from NodeID) {
	a := c.actor
	if term != a.currentTerm || !a.candidate {
		return
	}
	if term != c.votesTerm {
		c.votesTerm = term
		c.votesCount = 0
	}
	c.votesCount++
	if c.votesCount >= c.quorum() {
		a.becomeLeader()
	}
}

// requestVotes issues request_vote to every peer for the current term.
func (c *Cluster) requestVotes() {
	c.votesTerm = c.actor.currentTerm
	c.votesCount = 0
	for _, p := range c.peers {
		p.requestVote(c)
	}
}

// replicateAll nudges every peer to replicate up to the leader's
// current log tail; called after a new entry is appended locally and
// from each peer's own reply/heartbeat handling.
func (c *Cluster) replicateAll() {
	for _, p := range c.peers {
		p.replicate(c)
	}
}

// beginLeadership arms every peer for the new term of leadership.
func (c *Cluster) beginLeadership() {
	for _, p := range c.peers {
		p.beginLeadership(c)
	}
}

// finishLeadership tears down every peer's in-flight RPCs and
// connections when stepping down or losing an election.
func (c *Cluster) finishLeadership() {
	for _, p := range c.peers {
		p.finishLeadership(c)
	}
}

// UpdateCommitIndex recomputes the commit index as the median of all
// match_index values (including self, whose match_index always equals
// log.LastIndex()), applying the current-term guard from I4: a leader
// may only advance commit_index to cover an entry from its own term.
func (c *Cluster) UpdateCommitIndex() {
	a := c.actor
	if !a.leader {
		return
	}
	matches := make([]uint64, len(c.peers))
	for i, p := range c.peers {
		matches[i] = p.matchIndex
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	candidate := matches[len(matches)-c.quorum()]
	if candidate <= a.commitIndex {
		return
	}
	if candidate <= a.log.SnapshotIndex() {
		return
	}
	if a.log.Entry(candidate).Term != a.currentTerm {
		return
	}
	a.setCommitIndex(candidate)
}

// ensureConnection resolves p's remote endpoint and hands back a ready
// client, reusing an already-connected one. cb is always invoked
// exactly once, with a nil client on failure.
func (c *Cluster) ensureConnection(p *peer, cb func(client *rpc.Client)) {
	if p.client != nil {
		cb(p.client)
		return
	}
	if p.connecting {
		return
	}
	p.connecting = true
	gen := p.generation
	a := c.actor

	c.connector.Connect(p.id, a.serviceName, func(client *rpc.Client) {
		a.post(func() {
			if gen != p.generation {
				client.Close()
				return
			}
			p.connecting = false
			p.client = client
			client.Bind(func(err error) {
				a.post(func() {
					if gen != p.generation {
						return
					}
					p.client = nil
				})
			})
			cb(client)
		})
	}, func(err error) {
		a.post(func() {
			if gen != p.generation {
				return
			}
			p.connecting = false
			cb(nil)
		})
	})
}
