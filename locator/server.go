package locator

import (
	"context"
	"sync"

	"github.com/40a/cocaine-core/rpc"
)

type resolveArgs struct {
	Name string
	Seed string
}

// RefreshArgs is the refresh([group_names]) RPC argument.
type RefreshArgs struct {
	Groups []string
}

// RegisterServer installs the four Locator wire RPCs (spec.md §6) onto
// s: resolve and refresh/cluster as unary calls, connect as a
// server-streaming call that blocks for the lifetime of the session.
func RegisterServer(s *rpc.Server, l *Locator) {
	s.Register(EventResolve, func(decodeArgs func(out interface{}) error) (interface{}, error) {
		var args resolveArgs
		if err := decodeArgs(&args); err != nil {
			return nil, err
		}
		info, err := l.Resolve(args.Name, args.Seed)
		if err != nil {
			return nil, err
		}
		return info, nil
	})

	s.Register(EventRefresh, func(decodeArgs func(out interface{}) error) (interface{}, error) {
		var args RefreshArgs
		if err := decodeArgs(&args); err != nil {
			return nil, err
		}
		if err := l.Refresh(args.Groups); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	})

	s.Register(EventCluster, func(decodeArgs func(out interface{}) error) (interface{}, error) {
		return l.Cluster(), nil
	})

	s.RegisterStream(EventConnect, func(ctx context.Context, decodeArgs func(out interface{}) error, send func(chunk interface{}) error) error {
		var remoteUUID string
		if err := decodeArgs(&remoteUUID); err != nil {
			return err
		}
		done := make(chan struct{})
		var closeOnce sync.Once
		sendFn := func(u ConnectUpdate) error {
			err := send(u)
			if err != nil {
				closeOnce.Do(func() { close(done) })
			}
			return err
		}
		l.Connect(remoteUUID, sendFn)
		select {
		case <-done:
		case <-ctx.Done():
		}
		l.DisconnectStream(remoteUUID)
		return nil
	})
}
