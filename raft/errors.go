package raft

import "errors"

// ErrNotLeader is returned by Submit when this actor is not the
// current leader; callers should re-resolve the leader via the
// Locator and retry there.
var ErrNotLeader = errors.New("raft: not leader")
