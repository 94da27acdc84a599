// Package gateway defines the pluggable gateway interface consumed by
// the Locator (C9) and provides a reference round-robin
// implementation aggregating remote-announced services.
package gateway

import (
	"fmt"
	"sync"

	"github.com/40a/cocaine-core/resolver"
)

// ErrServiceNotAvailable is returned by Resolve when no provider is
// known for the requested name.
var ErrServiceNotAvailable = fmt.Errorf("gateway: service not available")

// Gateway aggregates services announced by remote Locator peers and
// exposes a single resolve(name) view for names the local registry
// does not provide.
type Gateway interface {
	Resolve(name string) (resolver.ResolveInfo, error)
	Consume(peerUUID, name string, info resolver.ResolveInfo)
	Cleanup(peerUUID, name string)
}

type provider struct {
	peerUUID string
	info     resolver.ResolveInfo
}

// RoundRobin is a reference Gateway: it keeps every remote-announced
// provider for a name and cycles through them on successive resolve
// calls, grounded on the teacher pack's single-mutex map-of-peers
// bookkeeping style.
type RoundRobin struct {
	mu        sync.Mutex
	providers map[string][]provider
	next      map[string]int
}

// NewRoundRobin builds an empty gateway.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		providers: make(map[string][]provider),
		next:      make(map[string]int),
	}
}

func (g *RoundRobin) Resolve(name string) (resolver.ResolveInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.providers[name]
	if len(list) == 0 {
		return resolver.ResolveInfo{}, ErrServiceNotAvailable
	}
	i := g.next[name] % len(list)
	g.next[name] = i + 1
	return list[i].info, nil
}

// Consume adds or replaces peerUUID's announcement of name.
func (g *RoundRobin) Consume(peerUUID, name string, info resolver.ResolveInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.providers[name]
	for i, p := range list {
		if p.peerUUID == peerUUID {
			list[i].info = info
			return
		}
	}
	g.providers[name] = append(list, provider{peerUUID: peerUUID, info: info})
}

// Cleanup removes peerUUID's announcement of name, if any.
func (g *RoundRobin) Cleanup(peerUUID, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.providers[name]
	for i, p := range list {
		if p.peerUUID == peerUUID {
			g.providers[name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(g.providers[name]) == 0 {
		delete(g.providers, name)
		delete(g.next, name)
	}
}
