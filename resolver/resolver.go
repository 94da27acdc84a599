// Package resolver implements the service resolver (C2): given a
// Locator endpoint and a service name, it resolves the service's
// current endpoint set and hands back a connected RPC client bound to
// one of them.
package resolver

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/40a/cocaine-core/internal/logging"
	"github.com/40a/cocaine-core/rpc"
)

// EventResolve is the Locator RPC event name for a resolve call.
const EventResolve = "locator.resolve"

// Endpoint is a single dialable TCP address.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// ProtocolGraph maps an RPC event name to the protocol version the
// service speaks for it; resolve fails with ErrVersionMismatch when
// the caller's expectation disagrees with what the remote reports.
type ProtocolGraph map[string]uint32

// ResolveInfo is the result of a resolve call: the endpoint set
// serving the named service, plus its protocol version and graph.
type ResolveInfo struct {
	Endpoints []Endpoint
	Version   uint32
	Graph     ProtocolGraph
}

type resolveArgs struct {
	Name string
	Seed string
}

// ErrVersionMismatch is returned when the resolved service's reported
// version disagrees with the version the caller expects.
var ErrVersionMismatch = errors.New("resolver: version mismatch")

// Dialer opens a fresh RPC client to addr. Production callers pass
// rpc.Dial bound to a logger; tests substitute an in-memory fake.
type Dialer func(addr string) (*rpc.Client, error)

type waiter struct {
	ch chan resolveOutcome
}

type resolveOutcome struct {
	info ResolveInfo
	err  error
}

// Resolver implements C2's connect/resolve/failover/coalesce contract
// against a set of candidate Locator endpoints.
type Resolver struct {
	logger logging.Logger
	dial   Dialer
	cache  *lru.Cache[string, ResolveInfo]

	mu      sync.Mutex
	waiters map[string][]waiter
}

// New builds a Resolver. cacheSize bounds the number of recently
// resolved (name) -> ResolveInfo entries kept. An unkeyed Resolve
// returns a cached entry without contacting the Locator; an entry
// leaves the cache only through Invalidate or LRU eviction.
func New(logger logging.Logger, dial Dialer, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, _ := lru.New[string, ResolveInfo](cacheSize)
	return &Resolver{
		logger:  logger.Named("resolver"),
		dial:    dial,
		cache:   cache,
		waiters: make(map[string][]waiter),
	}
}

// Invalidate drops any cached ResolveInfo for name, typically called
// when a connect-stream update reports the service changed.
func (r *Resolver) Invalidate(name string) {
	r.cache.Remove(name)
}

// Resolve issues resolve(name, seed) against locatorAddr, coalescing
// concurrent calls for the same (locatorAddr, name, seed) into a
// single in-flight RPC.
func (r *Resolver) Resolve(locatorAddr, name, seed string) (ResolveInfo, error) {
	if seed == "" {
		if info, ok := r.cache.Get(name); ok {
			return info, nil
		}
	}

	key := locatorAddr + "|" + name + "|" + seed
	ch := make(chan resolveOutcome, 1)

	r.mu.Lock()
	waiters, inFlight := r.waiters[key]
	r.waiters[key] = append(waiters, waiter{ch: ch})
	r.mu.Unlock()

	if inFlight {
		out := <-ch
		return out.info, out.err
	}

	info, err := r.doResolve(locatorAddr, name, seed)

	r.mu.Lock()
	pending := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	out := resolveOutcome{info: info, err: err}
	for _, w := range pending {
		w.ch <- out
	}
	if err == nil && seed == "" {
		r.cache.Add(name, info)
	}
	return info, err
}

func (r *Resolver) doResolve(locatorAddr, name, seed string) (ResolveInfo, error) {
	client, err := r.dial(locatorAddr)
	if err != nil {
		return ResolveInfo{}, fmt.Errorf("resolver: dial %s: %w", locatorAddr, err)
	}
	defer client.Close()

	var result ResolveInfo
	var callErr error
	done := make(chan struct{})
	err = client.Call(EventResolve, resolveArgs{Name: name, Seed: seed}, &rpc.Dispatch{
		OnChunk: func(decode func(interface{}) error) error {
			return decode(&result)
		},
		OnEnd:   func() { close(done) },
		OnError: func(e error) { callErr = e; close(done) },
		Unary:   true,
	})
	if err != nil {
		return ResolveInfo{}, err
	}
	<-done
	if callErr != nil {
		return ResolveInfo{}, callErr
	}
	return result, nil
}

// Connect implements ensure_connection's resolve step: it resolves
// name against locatorAddr, checks the reported version against
// wantVersion (skipped when wantVersion is 0), and dials the first
// reachable endpoint in the returned list, invoking exactly one of
// onConnected/onError.
func (r *Resolver) Connect(locatorAddr, name string, wantVersion uint32, onConnected func(*rpc.Client), onError func(error)) {
	go func() {
		info, err := r.Resolve(locatorAddr, name, "")
		if err != nil {
			onError(err)
			return
		}
		if wantVersion != 0 && info.Version != wantVersion {
			onError(fmt.Errorf("%w: service %q reports version %d, want %d", ErrVersionMismatch, name, info.Version, wantVersion))
			return
		}
		if len(info.Endpoints) == 0 {
			onError(fmt.Errorf("resolver: service %q has no endpoints", name))
			return
		}
		var lastErr error
		for _, ep := range info.Endpoints {
			client, err := r.dial(ep.String())
			if err != nil {
				lastErr = err
				continue
			}
			onConnected(client)
			return
		}
		onError(fmt.Errorf("resolver: all endpoints for %q unreachable: %w", name, lastErr))
	}()
}
