package raft

import (
	"fmt"
	"time"
)

const (
	minHeartbeatTimeout = 25 * time.Millisecond
	maxHeartbeatTimeout = 2000 * time.Millisecond

	minMessageSize = 1
	maxMessageSize = 10000
)

// Options are the tunables owned by the actor state (C4): heartbeat
// period, election timeout, and the per-call entry cap used by
// send_append. ElectionTimeout must exceed HeartbeatTimeout so the
// leader is never starved by its own followers timing out (spec.md
// §5's "must not starve leader").
type Options struct {
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	MessageSize      int
}

// Option mutates Options; constructors validate and return an error
// rather than panicking, matching the teacher pack's functional-option
// idiom.
type Option func(*Options) error

// WithHeartbeatTimeout sets the leader's heartbeat period.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d < minHeartbeatTimeout || d > maxHeartbeatTimeout {
			return fmt.Errorf("raft: heartbeat timeout %s out of range [%s, %s]", d, minHeartbeatTimeout, maxHeartbeatTimeout)
		}
		o.HeartbeatTimeout = d
		return nil
	}
}

// WithElectionTimeout sets the randomization base for follower
// election timeouts. It must be strictly greater than the heartbeat
// timeout; the check is deferred to NewOptions since heartbeat may be
// set afterward.
func WithElectionTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("raft: election timeout must be positive")
		}
		o.ElectionTimeout = d
		return nil
	}
}

// WithMessageSize bounds the number of log entries sent per append call.
func WithMessageSize(n int) Option {
	return func(o *Options) error {
		if n < minMessageSize || n > maxMessageSize {
			return fmt.Errorf("raft: message size %d out of range [%d, %d]", n, minMessageSize, maxMessageSize)
		}
		o.MessageSize = n
		return nil
	}
}

// DefaultOptions returns the tunables used when none are supplied.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout: 150 * time.Millisecond,
		ElectionTimeout:  750 * time.Millisecond,
		MessageSize:      64,
	}
}

// NewOptions applies opts on top of DefaultOptions and validates the
// heartbeat/election relationship required by the concurrency model.
func NewOptions(opts ...Option) (Options, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return Options{}, err
		}
	}
	if o.ElectionTimeout <= o.HeartbeatTimeout {
		return Options{}, fmt.Errorf("raft: election timeout %s must exceed heartbeat timeout %s", o.ElectionTimeout, o.HeartbeatTimeout)
	}
	return o, nil
}
