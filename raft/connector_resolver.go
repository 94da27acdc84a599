package raft

import (
	"github.com/40a/cocaine-core/resolver"
	"github.com/40a/cocaine-core/rpc"
)

// ResolverConnector realizes Connector (C2's consumer side of
// ensure_connection) on top of a resolver.Resolver: remote is treated
// as the peer's Locator endpoint, and serviceName is resolved against
// it to find this peer's actual Raft RPC endpoint.
type ResolverConnector struct {
	resolver *resolver.Resolver
}

// NewResolverConnector wraps r for use as a raft.Connector.
func NewResolverConnector(r *resolver.Resolver) *ResolverConnector {
	return &ResolverConnector{resolver: r}
}

func (c *ResolverConnector) Connect(remote NodeID, serviceName string, onConnected func(*rpc.Client), onError func(error)) {
	c.resolver.Connect(remote.String(), serviceName, 0, onConnected, onError)
}
