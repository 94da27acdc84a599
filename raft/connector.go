package raft

import "github.com/40a/cocaine-core/rpc"

// Connector resolves a remote peer's Raft endpoint and hands back a
// connected RPC client handle, the role the Service resolver (C2)
// plays for the peer replicator's ensure_connection step (spec.md
// §4.5). Both callbacks are invoked asynchronously; onConnected or
// onError is called exactly once per Connect call.
type Connector interface {
	Connect(remote NodeID, serviceName string, onConnected func(*rpc.Client), onError func(error))
}
