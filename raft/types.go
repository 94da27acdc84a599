// Package raft implements the per-peer Raft replication engine: the
// log view (C3), actor state (C4), peer replicator (C5), and cluster
// quorum logic (C6). Concurrency follows a single-threaded reactor per
// actor (see Actor); no mutex guards actor or peer state.
package raft

import (
	"fmt"

	"github.com/40a/cocaine-core/internal/store"
)

// NodeID identifies a peer: its Locator-resolvable address.
type NodeID struct {
	Host string
	Port uint16
}

func (id NodeID) String() string { return fmt.Sprintf("%s:%d", id.Host, id.Port) }

// Entry is a single log entry, reusing the store-level representation
// so the log view and the wire contract agree on shape.
type Entry = store.Entry

// LastLogPosition is the (index, term) pair describing a candidate or
// leader's most recent log entry, used to decide which of two logs is
// more up-to-date.
type LastLogPosition struct {
	Index uint64
	Term  uint64
}

// RequestVoteArgs is the request_vote RPC argument tuple from
// spec.md's External Interfaces section.
type RequestVoteArgs struct {
	Name      string
	Term      uint64
	Candidate NodeID
	Last      LastLogPosition
}

// RequestVoteReply is the (term, granted) response tuple.
type RequestVoteReply struct {
	Term    uint64
	Granted bool
}

// AppendArgs is the append RPC argument tuple.
type AppendArgs struct {
	Name         string
	Term         uint64
	Leader       NodeID
	Prev         LastLogPosition
	Entries      []Entry
	LeaderCommit uint64
}

// AppendReply is the (term, success) response tuple. On rejection the
// follower's hint is not used; the leader backs off using its own
// message_size-bounded rule (spec.md §4.5, §9 open question).
type AppendReply struct {
	Term    uint64
	Success bool
}

// ApplyArgs is the apply (install-snapshot) RPC argument tuple.
type ApplyArgs struct {
	Name         string
	Term         uint64
	Leader       NodeID
	Snap         LastLogPosition
	Data         []byte
	LeaderCommit uint64
}

// ApplyReply is the (term, success) response tuple for apply.
type ApplyReply struct {
	Term    uint64
	Success bool
}

const (
	EventRequestVote = "raft.request_vote"
	EventAppend      = "raft.append"
	EventApply       = "raft.apply"
)
