package raft

import (
	"time"

	"github.com/40a/cocaine-core/rpc"
)

// peer is the replicator state for one remote (C5), including self.
// It is a plain struct: every field is touched only from the owning
// Actor's reactor goroutine (see actor.go). generation is bumped by
// reset and is compared against the value captured when an RPC was
// issued so late replies from a superseded attempt are silently
// dropped instead of mutating state (spec.md §5, §9).
type peer struct {
	id   NodeID
	self bool

	generation uint64

	nextIndex  uint64
	matchIndex uint64
	wonTerm    uint64

	appendInFlight bool
	voteInFlight   bool

	client     *rpc.Client
	connecting bool

	heartbeatTimer *time.Timer
}

func newPeer(id NodeID, self bool) *peer {
	return &peer{id: id, self: self}
}

// requestVote is the public request_vote operation.
func (p *peer) requestVote(c *Cluster) {
	a := c.actor
	if p.wonTerm >= a.currentTerm {
		return
	}
	if p.self {
		c.RegisterVote(a.currentTerm, p.id)
		return
	}
	if p.voteInFlight {
		return
	}
	p.voteInFlight = true
	gen := p.generation

	c.ensureConnection(p, func(client *rpc.Client) {
		if gen != p.generation {
			return
		}
		if client == nil {
			p.voteInFlight = false
			return
		}
		args := RequestVoteArgs{
			Name:      a.serviceName,
			Term:      a.currentTerm,
			Candidate: a.id,
			Last:      LastLogPosition{Index: a.log.LastIndex(), Term: a.log.LastTerm()},
		}
		client.Call(EventRequestVote, args, &rpc.Dispatch{
			OnChunk: func(decode func(interface{}) error) error {
				var reply RequestVoteReply
				if err := decode(&reply); err != nil {
					return err
				}
				a.post(func() { c.handleVoteReply(p, gen, &reply, nil) })
				return nil
			},
			OnError: func(err error) {
				a.post(func() { c.handleVoteReply(p, gen, nil, err) })
			},
			Unary: true,
		})
	})
}

func (c *Cluster) handleVoteReply(p *peer, gen uint64, reply *RequestVoteReply, err error) {
	if gen != p.generation {
		return
	}
	p.voteInFlight = false
	a := c.actor
	if err != nil {
		return
	}
	if reply.Term > a.currentTerm {
		a.stepDown(reply.Term)
		return
	}
	if reply.Granted {
		p.wonTerm = a.currentTerm
		c.RegisterVote(a.currentTerm, p.id)
	}
}

// replicate is the public replicate operation.
func (p *peer) replicate(c *Cluster) {
	a := c.actor
	if p.self {
		p.matchIndex = a.log.LastIndex()
		c.UpdateCommitIndex()
		return
	}
	if p.appendInFlight || !a.leader || a.log.LastIndex() < p.nextIndex {
		return
	}
	p.appendInFlight = true
	gen := p.generation

	c.ensureConnection(p, func(client *rpc.Client) {
		if gen != p.generation {
			return
		}
		if client == nil {
			p.appendInFlight = false
			return
		}
		if p.nextIndex <= a.log.SnapshotIndex() {
			c.sendApply(p, client, gen)
		} else {
			c.sendAppend(p, client, gen)
		}
	})
}

// sendAppend implements the send_append policy from spec.md §4.5.
func (c *Cluster) sendAppend(p *peer, client *rpc.Client, gen uint64) {
	a := c.actor
	lastIndex := minU64(p.nextIndex+uint64(a.options.MessageSize)-1, a.log.LastIndex())

	var prevTerm uint64
	if p.nextIndex-1 == a.log.SnapshotIndex() {
		prevTerm = a.log.SnapshotTerm()
	} else {
		prevTerm = a.log.Entry(p.nextIndex - 1).Term
	}

	var entries []Entry
	if lastIndex >= p.nextIndex {
		entries = make([]Entry, 0, lastIndex-p.nextIndex+1)
		for i := p.nextIndex; i <= lastIndex; i++ {
			entries = append(entries, a.log.Entry(i))
		}
	}

	args := AppendArgs{
		Name:         a.serviceName,
		Term:         a.currentTerm,
		Leader:       a.id,
		Prev:         LastLogPosition{Index: p.nextIndex - 1, Term: prevTerm},
		Entries:      entries,
		LeaderCommit: a.commitIndex,
	}
	c.callAppend(p, client, gen, args, lastIndex)
}

// sendApply implements the send_apply policy for a peer whose
// next_index has fallen behind the snapshot window.
func (c *Cluster) sendApply(p *peer, client *rpc.Client, gen uint64) {
	a := c.actor
	args := ApplyArgs{
		Name:         a.serviceName,
		Term:         a.currentTerm,
		Leader:       a.id,
		Snap:         LastLogPosition{Index: a.log.SnapshotIndex(), Term: a.log.SnapshotTerm()},
		Data:         a.log.Snapshot(),
		LeaderCommit: a.commitIndex,
	}
	lastIndex := a.log.SnapshotIndex()

	client.Call(EventApply, args, &rpc.Dispatch{
		OnChunk: func(decode func(interface{}) error) error {
			var reply ApplyReply
			if err := decode(&reply); err != nil {
				return err
			}
			a.post(func() {
				c.handleAppendReply(p, gen, lastIndex, &AppendReply{Term: reply.Term, Success: reply.Success}, nil)
			})
			return nil
		},
		OnError: func(err error) {
			a.post(func() { c.handleAppendReply(p, gen, lastIndex, nil, err) })
		},
		Unary: true,
	})
}

func (c *Cluster) callAppend(p *peer, client *rpc.Client, gen uint64, args AppendArgs, lastIndex uint64) {
	a := c.actor
	client.Call(EventAppend, args, &rpc.Dispatch{
		OnChunk: func(decode func(interface{}) error) error {
			var reply AppendReply
			if err := decode(&reply); err != nil {
				return err
			}
			a.post(func() { c.handleAppendReply(p, gen, lastIndex, &reply, nil) })
			return nil
		},
		OnError: func(err error) {
			a.post(func() { c.handleAppendReply(p, gen, lastIndex, nil, err) })
		},
		Unary: true,
	})
}

// handleAppendReply is the AppendHandler.handle logic shared by
// append and apply replies, since both carry the same (term, success)
// shape and the same next_index/match_index update rules.
func (c *Cluster) handleAppendReply(p *peer, gen uint64, lastIndex uint64, reply *AppendReply, err error) {
	if gen != p.generation {
		return
	}
	p.appendInFlight = false
	a := c.actor

	if err != nil {
		return
	}
	if reply.Term > a.currentTerm {
		a.stepDown(reply.Term)
		return
	}
	if reply.Success {
		if lastIndex+1 > p.nextIndex {
			p.nextIndex = lastIndex + 1
		}
		if p.matchIndex < lastIndex {
			p.matchIndex = lastIndex
			c.UpdateCommitIndex()
		}
		p.replicate(c)
		return
	}
	if p.nextIndex > 1 {
		back := minU64(uint64(a.options.MessageSize), p.nextIndex-1)
		p.nextIndex -= back
	}
	p.replicate(c)
}

// beginLeadership arms the heartbeat timer and resets replication
// progress for the start of a new term of leadership (I6).
func (p *peer) beginLeadership(c *Cluster) {
	a := c.actor
	p.matchIndex = 0
	p.nextIndex = maxU64(1, a.log.LastIndex())
	if p.self {
		return
	}
	p.armHeartbeat(c)
}

// finishLeadership stops the heartbeat and tears down all in-flight
// state and the connection, per spec.md §4.5.
func (p *peer) finishLeadership(c *Cluster) {
	p.stopHeartbeat()
	p.reset(c)
}

func (p *peer) armHeartbeat(c *Cluster) {
	a := c.actor
	p.stopHeartbeat()
	p.heartbeatTimer = time.AfterFunc(a.options.HeartbeatTimeout, func() {
		a.post(func() { p.onHeartbeat(c) })
	})
}

func (p *peer) stopHeartbeat() {
	if p.heartbeatTimer != nil {
		p.heartbeatTimer.Stop()
		p.heartbeatTimer = nil
	}
}

func (p *peer) onHeartbeat(c *Cluster) {
	a := c.actor
	if !a.leader || p.self {
		return
	}
	switch {
	case p.appendInFlight:
		// an append already covers this tick; sending a second one
		// would violate the at-most-one-append-in-flight invariant.
	case a.log.LastIndex() < p.nextIndex:
		c.sendHeartbeat(p)
	default:
		p.replicate(c)
	}
	p.armHeartbeat(c)
}

// sendHeartbeat emits a bodyless append carrying the current
// commit_index so a caught-up follower keeps advancing its own
// commit_index even with nothing new to replicate (spec.md §9).
func (c *Cluster) sendHeartbeat(p *peer) {
	a := c.actor
	if p.appendInFlight {
		return
	}
	p.appendInFlight = true
	gen := p.generation

	c.ensureConnection(p, func(client *rpc.Client) {
		if gen != p.generation {
			return
		}
		if client == nil {
			p.appendInFlight = false
			return
		}
		var prevTerm uint64
		prevIndex := p.nextIndex - 1
		if prevIndex == a.log.SnapshotIndex() {
			prevTerm = a.log.SnapshotTerm()
		} else if prevIndex > a.log.SnapshotIndex() && prevIndex <= a.log.LastIndex() {
			prevTerm = a.log.Entry(prevIndex).Term
		}
		args := AppendArgs{
			Name:         a.serviceName,
			Term:         a.currentTerm,
			Leader:       a.id,
			Prev:         LastLogPosition{Index: prevIndex, Term: prevTerm},
			LeaderCommit: a.commitIndex,
		}
		c.callAppend(p, client, gen, args, prevIndex)
	})
}

// reset disables any pending handlers by bumping the generation and
// tears down the connection and in-flight slots. Never resets
// next_index/match_index, which only change via beginLeadership.
func (p *peer) reset(c *Cluster) {
	p.generation++
	p.appendInFlight = false
	p.voteInFlight = false
	p.connecting = false
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
