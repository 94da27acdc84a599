package raft

import "github.com/40a/cocaine-core/rpc"

// RegisterServer installs the three Raft wire RPCs (spec.md §6) onto s,
// routing decoded arguments into a's follower-side handlers. a.serviceName
// is not consulted here: a single rpc.Server may front several actors in
// principle, but this module registers one Actor per Server, matching
// cmd/cocained's wiring.
func RegisterServer(s *rpc.Server, a *Actor) {
	s.Register(EventRequestVote, func(decodeArgs func(out interface{}) error) (interface{}, error) {
		var args RequestVoteArgs
		if err := decodeArgs(&args); err != nil {
			return nil, err
		}
		return a.HandleRequestVote(&args), nil
	})
	s.Register(EventAppend, func(decodeArgs func(out interface{}) error) (interface{}, error) {
		var args AppendArgs
		if err := decodeArgs(&args); err != nil {
			return nil, err
		}
		return a.HandleAppend(&args), nil
	})
	s.Register(EventApply, func(decodeArgs func(out interface{}) error) (interface{}, error) {
		var args ApplyArgs
		if err := decodeArgs(&args); err != nil {
			return nil, err
		}
		return a.HandleApply(&args), nil
	})
}
