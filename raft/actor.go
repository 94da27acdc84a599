package raft

import (
	"context"
	"math/rand"
	"time"

	"github.com/40a/cocaine-core/internal/logging"
	"github.com/40a/cocaine-core/internal/store"
)

// job is a closure posted to the actor's mailbox; it is the only way
// any goroutine other than the reactor's own may touch actor state.
type job func()

// Actor is the single-threaded reactor driving one Raft participant
// (C4). All fields below the mailbox are owned exclusively by the
// goroutine running Run(); nothing outside this file (and the peer/
// cluster helpers it calls synchronously) may read or write them.
type Actor struct {
	id          NodeID
	serviceName string
	options     Options

	log   store.RaftLog
	state store.RaftState

	cluster *Cluster
	logger  logging.Logger

	mailbox chan job
	done    chan struct{}

	currentTerm uint64
	votedFor    string
	commitIndex uint64
	lastApplied uint64

	leader    bool
	candidate bool

	electionTimer *time.Timer

	onApply func(entries []Entry, firstIndex uint64)
}

// NewActor builds an actor for id, wiring the given log/state stores
// and cluster quorum tracker. onApply is invoked synchronously on the
// reactor goroutine whenever commitIndex advances past previously
// applied entries.
func NewActor(id NodeID, serviceName string, log store.RaftLog, state store.RaftState, cluster *Cluster, logger logging.Logger, options Options, onApply func([]Entry, uint64)) *Actor {
	a := &Actor{
		id:          id,
		serviceName: serviceName,
		options:     options,
		log:         log,
		state:       state,
		cluster:     cluster,
		logger:      logger.Named("raft").Named(id.String()),
		mailbox:     make(chan job, 256),
		done:        make(chan struct{}),
		onApply:     onApply,
	}
	cluster.bind(a)
	if t, err := state.CurrentTerm(); err == nil {
		a.currentTerm = t
	}
	if ci, err := state.CommitIndex(); err == nil {
		a.commitIndex = ci
	}
	if v, err := state.VotedFor(); err == nil && v != "" {
		a.votedFor = v
	}
	return a
}

// post enqueues fn to run on the reactor goroutine. Safe to call from
// any goroutine, including from within the reactor itself.
func (a *Actor) post(fn job) {
	select {
	case a.mailbox <- fn:
	case <-a.done:
	}
}

// Run drives the reactor loop until ctx is cancelled or Stop is
// called. It is the only goroutine that ever touches actor state.
func (a *Actor) Run(ctx context.Context) {
	a.resetElectionTimer()
	defer func() {
		if a.electionTimer != nil {
			a.electionTimer.Stop()
		}
	}()
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-ctx.Done():
			a.Stop()
			return
		case <-a.done:
			return
		}
	}
}

// Stop requests the reactor loop to exit; safe to call once.
func (a *Actor) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// --- public thread-safe accessors -----------------------------------
//
// Each blocks until the reactor goroutine has computed the answer, so
// callers on any goroutine observe a consistent snapshot without a
// mutex guarding actor state.

// CurrentTerm returns the actor's current term.
func (a *Actor) CurrentTerm() uint64 {
	reply := make(chan uint64, 1)
	a.post(func() { reply <- a.currentTerm })
	return <-reply
}

// IsLeader reports whether the actor currently believes itself leader.
func (a *Actor) IsLeader() bool {
	reply := make(chan bool, 1)
	a.post(func() { reply <- a.leader })
	return <-reply
}

// CommitIndex returns the actor's current commit index.
func (a *Actor) CommitIndex() uint64 {
	reply := make(chan uint64, 1)
	a.post(func() { reply <- a.commitIndex })
	return <-reply
}

// Submit appends payload as a new entry at the current term if this
// actor is leader, returning the assigned index. Returns
// ErrNotLeader otherwise.
func (a *Actor) Submit(payload []byte) (uint64, error) {
	type result struct {
		index uint64
		err   error
	}
	reply := make(chan result, 1)
	a.post(func() {
		if !a.leader {
			reply <- result{err: ErrNotLeader}
			return
		}
		index := a.log.LastIndex() + 1
		if err := a.log.Append(index, []Entry{{Term: a.currentTerm, Payload: payload}}); err != nil {
			reply <- result{err: err}
			return
		}
		a.cluster.replicateAll()
		reply <- result{index: index}
	})
	r := <-reply
	return r.index, r.err
}

// --- election timer ---------------------------------------------------

func (a *Actor) resetElectionTimer() {
	if a.electionTimer != nil {
		a.electionTimer.Stop()
	}
	d := a.options.ElectionTimeout + time.Duration(rand.Int63n(int64(a.options.ElectionTimeout)))
	a.electionTimer = time.AfterFunc(d, func() { a.post(a.onElectionTimeout) })
}

func (a *Actor) onElectionTimeout() {
	if a.leader {
		return
	}
	a.becomeCandidate()
}

// --- state transitions -------------------------------------------------

// becomeCandidate starts a new election: bumps the term, votes for
// self, and requests votes from every peer (I5).
func (a *Actor) becomeCandidate() {
	a.leader = false
	a.candidate = true
	a.currentTerm++
	a.votedFor = a.id.String()
	a.state.SetTermAndVote(a.currentTerm, a.votedFor)
	a.resetElectionTimer()
	a.cluster.requestVotes()
}

// becomeLeader transitions a winning candidate into leader for the
// current term.
func (a *Actor) becomeLeader() {
	if !a.candidate || a.leader {
		return
	}
	a.leader = true
	a.candidate = false
	a.cluster.beginLeadership()
	a.logger.Info("became leader", "term", a.currentTerm)
}

// stepDown converts the actor to follower, bumping currentTerm if a
// higher term was observed, and tears down any leadership/candidacy
// state. Implements I1: a higher term always wins.
func (a *Actor) stepDown(term uint64) {
	wasLeader := a.leader
	if term > a.currentTerm {
		a.currentTerm = term
		a.votedFor = ""
		a.state.SetTermAndVote(term, "")
	}
	a.leader = false
	a.candidate = false
	if wasLeader {
		a.cluster.finishLeadership()
	}
	a.resetElectionTimer()
}

func (a *Actor) setCommitIndex(index uint64) {
	if index <= a.commitIndex {
		return
	}
	a.commitIndex = index
	a.state.SetCommitIndex(index)
	a.applyCommitted()
}

func (a *Actor) applyCommitted() {
	if a.commitIndex <= a.lastApplied || a.onApply == nil {
		return
	}
	first := a.lastApplied + 1
	entries := make([]Entry, 0, a.commitIndex-a.lastApplied)
	for i := first; i <= a.commitIndex; i++ {
		entries = append(entries, a.log.Entry(i))
	}
	a.onApply(entries, first)
	a.lastApplied = a.commitIndex
}

// --- follower-side RPC handlers ----------------------------------------
//
// Each runs on the reactor goroutine (invoked from the rpc.Server's
// registered handler via a.post/reply channel) and implements the
// follower reaction rules from spec.md §4.3/§4.4/§4.6.

// HandleRequestVote implements the request_vote RPC handler (I1, I5):
// grant iff the candidate's term is at least current, this actor has
// not already voted this term for someone else, and the candidate's
// log is at least as up-to-date as this actor's.
func (a *Actor) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	reply := make(chan *RequestVoteReply, 1)
	a.post(func() {
		if args.Term > a.currentTerm {
			a.stepDown(args.Term)
		}
		if args.Term < a.currentTerm {
			reply <- &RequestVoteReply{Term: a.currentTerm, Granted: false}
			return
		}
		grant := (a.votedFor == "" || a.votedFor == args.Candidate.String()) && a.logUpToDate(args.Last)
		if grant {
			a.votedFor = args.Candidate.String()
			a.state.SetTermAndVote(a.currentTerm, a.votedFor)
			a.resetElectionTimer()
		}
		reply <- &RequestVoteReply{Term: a.currentTerm, Granted: grant}
	})
	return <-reply
}

func (a *Actor) logUpToDate(candidate LastLogPosition) bool {
	myTerm := a.log.LastTerm()
	if candidate.Term != myTerm {
		return candidate.Term > myTerm
	}
	return candidate.Index >= a.log.LastIndex()
}

// HandleAppend implements the append RPC handler (I2, I3): reject on
// stale term or a missing prev entry; otherwise splice in any new
// entries (truncating conflicting ones) and advance commit_index to
// min(leaderCommit, last new index).
func (a *Actor) HandleAppend(args *AppendArgs) *AppendReply {
	reply := make(chan *AppendReply, 1)
	a.post(func() {
		if args.Term < a.currentTerm {
			reply <- &AppendReply{Term: a.currentTerm, Success: false}
			return
		}
		a.stepDown(args.Term)
		a.resetElectionTimer()

		if !a.hasEntryAt(args.Prev) {
			reply <- &AppendReply{Term: a.currentTerm, Success: false}
			return
		}
		if len(args.Entries) > 0 {
			if err := a.log.Append(args.Prev.Index+1, args.Entries); err != nil {
				reply <- &AppendReply{Term: a.currentTerm, Success: false}
				return
			}
		}
		lastNew := args.Prev.Index + uint64(len(args.Entries))
		if args.LeaderCommit > a.commitIndex {
			a.setCommitIndex(minU64(args.LeaderCommit, lastNew))
		}
		reply <- &AppendReply{Term: a.currentTerm, Success: true}
	})
	return <-reply
}

func (a *Actor) hasEntryAt(pos LastLogPosition) bool {
	if pos.Index == 0 {
		return true
	}
	if pos.Index == a.log.SnapshotIndex() {
		return pos.Term == a.log.SnapshotTerm()
	}
	if pos.Index < a.log.SnapshotIndex() || pos.Index > a.log.LastIndex() {
		return false
	}
	return a.log.Entry(pos.Index).Term == pos.Term
}

// HandleApply implements the apply (install-snapshot) RPC handler
// (I3): unconditionally replaces this actor's log prefix with the
// supplied snapshot when it is newer than what is already installed.
func (a *Actor) HandleApply(args *ApplyArgs) *ApplyReply {
	reply := make(chan *ApplyReply, 1)
	a.post(func() {
		if args.Term < a.currentTerm {
			reply <- &ApplyReply{Term: a.currentTerm, Success: false}
			return
		}
		a.stepDown(args.Term)
		a.resetElectionTimer()

		if args.Snap.Index <= a.log.SnapshotIndex() {
			reply <- &ApplyReply{Term: a.currentTerm, Success: true}
			return
		}
		if err := a.log.InstallSnapshot(args.Snap.Index, args.Snap.Term, args.Data); err != nil {
			reply <- &ApplyReply{Term: a.currentTerm, Success: false}
			return
		}
		if args.LeaderCommit > a.commitIndex {
			a.commitIndex = args.LeaderCommit
			a.state.SetCommitIndex(a.commitIndex)
		}
		if a.lastApplied < args.Snap.Index {
			a.lastApplied = args.Snap.Index
		}
		reply <- &ApplyReply{Term: a.currentTerm, Success: true}
	})
	return <-reply
}
