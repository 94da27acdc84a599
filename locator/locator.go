// Package locator implements the Locator dispatch service (C7): a
// local service registry proxy handling resolve/connect/refresh/
// cluster RPCs, a set of outbound synchronization streams pushing
// local announcements to peers, and a set of inbound remote sessions
// consuming peer announcements into a Gateway.
package locator

import (
	"context"
	"fmt"
	"sync"

	"github.com/40a/cocaine-core/gateway"
	"github.com/40a/cocaine-core/internal/logging"
	"github.com/40a/cocaine-core/resolver"
	"github.com/40a/cocaine-core/routing"
	"github.com/40a/cocaine-core/rpc"
)

const (
	EventResolve = "locator.resolve"
	EventConnect = "locator.connect"
	EventRefresh = "locator.refresh"
	EventCluster = "locator.cluster"
)

// ErrServiceNotAvailable mirrors the gateway-level sentinel so callers
// of Resolve can errors.Is against one name regardless of whether the
// miss originated locally or from the gateway.
var ErrServiceNotAvailable = gateway.ErrServiceNotAvailable

// ErrRoutingStorage mirrors routing.ErrRoutingStorage so callers of
// Refresh can errors.Is against the locator package alone.
var ErrRoutingStorage = routing.ErrRoutingStorage

// ConnectUpdate is one pushed frame on an outbound connect stream: a
// batch of (name -> ResolveInfo) changes from peer UUID. An entry with
// no endpoints is the removal sentinel.
type ConnectUpdate struct {
	UUID    string
	Updates map[string]resolver.ResolveInfo
}

type connectStream struct {
	send func(ConnectUpdate) error
	done chan struct{}
}

func (s *connectStream) evict() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// RemoteSession tracks the service names currently announced by one
// outbound peer connection, so session teardown can request cleanup
// for exactly the names it contributed.
type RemoteSession struct {
	peerUUID string
	active   map[string]struct{}
	gateway  gateway.Gateway
}

func newRemoteSession(peerUUID string, gw gateway.Gateway) *RemoteSession {
	return &RemoteSession{peerUUID: peerUUID, active: make(map[string]struct{}), gateway: gw}
}

// Apply verifies the update's uuid and feeds it to the gateway,
// returning false if the uuid does not match (the caller must drop
// the peer in that case).
func (s *RemoteSession) Apply(update ConnectUpdate) bool {
	if update.UUID != s.peerUUID {
		return false
	}
	for name, info := range update.Updates {
		if len(info.Endpoints) == 0 {
			s.gateway.Cleanup(s.peerUUID, name)
			delete(s.active, name)
			continue
		}
		s.gateway.Consume(s.peerUUID, name, info)
		s.active[name] = struct{}{}
	}
	return true
}

func (s *RemoteSession) teardown() {
	for name := range s.active {
		s.gateway.Cleanup(s.peerUUID, name)
	}
	s.active = nil
}

// job is a closure posted to the Locator's mailbox, mirroring the
// raft.Actor reactor: this is the only way to mutate Locator state
// from a goroutine other than the one running Run.
type job func()

// Locator is the reactor-driven C7 core.
type Locator struct {
	uuid   string
	logger logging.Logger

	gateway gateway.Gateway
	routers *routing.Table

	dial func(addr string) (*rpc.Client, error)

	mailbox chan job
	done    chan struct{}

	snapshot          map[string]resolver.ResolveInfo
	streams           map[string]*connectStream
	remotes           map[string]*RemoteSession
	outbound          map[string]*rpc.Client
	outboundEndpoints map[string]resolver.Endpoint
	restricted        map[string]struct{}
}

// New builds a Locator identified by uuid.
func New(uuid string, logger logging.Logger, gw gateway.Gateway, routers *routing.Table, dial func(addr string) (*rpc.Client, error), restricted []string) *Locator {
	rset := make(map[string]struct{}, len(restricted))
	for _, name := range restricted {
		rset[name] = struct{}{}
	}
	return &Locator{
		uuid:              uuid,
		logger:            logger.Named("locator"),
		gateway:           gw,
		routers:           routers,
		dial:              dial,
		mailbox:           make(chan job, 256),
		done:              make(chan struct{}),
		snapshot:          make(map[string]resolver.ResolveInfo),
		streams:           make(map[string]*connectStream),
		remotes:           make(map[string]*RemoteSession),
		outbound:          make(map[string]*rpc.Client),
		outboundEndpoints: make(map[string]resolver.Endpoint),
		restricted:        rset,
	}
}

func (l *Locator) post(fn job) {
	select {
	case l.mailbox <- fn:
	case <-l.done:
	}
}

// Run drives the reactor loop until ctx is cancelled.
func (l *Locator) Run(ctx context.Context) {
	for {
		select {
		case fn := <-l.mailbox:
			fn()
		case <-ctx.Done():
			l.shutdown()
			close(l.done)
			return
		}
	}
}

func (l *Locator) shutdown() {
	for uuid, c := range l.outbound {
		c.Close()
		delete(l.outbound, uuid)
	}
	for uuid, s := range l.remotes {
		s.teardown()
		delete(l.remotes, uuid)
	}
	for uuid, s := range l.streams {
		s.evict()
		delete(l.streams, uuid)
	}
}

// Expose registers name as locally provided with info and pushes a
// service.exposed update to every open outbound stream. Restricted
// names are accepted into the local snapshot (so local resolve still
// works) but never broadcast.
func (l *Locator) Expose(name string, info resolver.ResolveInfo) {
	reply := make(chan struct{})
	l.post(func() {
		l.snapshot[name] = info
		if _, blocked := l.restricted[name]; !blocked {
			l.broadcast(ConnectUpdate{UUID: l.uuid, Updates: map[string]resolver.ResolveInfo{name: info}})
		}
		close(reply)
	})
	<-reply
}

// Remove unregisters name and pushes a removal sentinel to peers.
func (l *Locator) Remove(name string) {
	reply := make(chan struct{})
	l.post(func() {
		delete(l.snapshot, name)
		if _, blocked := l.restricted[name]; !blocked {
			l.broadcast(ConnectUpdate{UUID: l.uuid, Updates: map[string]resolver.ResolveInfo{name: {}}})
		}
		close(reply)
	})
	<-reply
}

func (l *Locator) broadcast(update ConnectUpdate) {
	for uuid, s := range l.streams {
		if err := s.send(update); err != nil {
			l.logger.Warn("connect stream send failed, evicting", "peer", uuid, "error", err)
			delete(l.streams, uuid)
			s.evict()
		}
	}
}

// Resolve implements the resolve(name, seed) RPC: remap through the
// routing table if name is a group, then try the local snapshot,
// falling back to the gateway.
func (l *Locator) Resolve(name, seed string) (resolver.ResolveInfo, error) {
	type result struct {
		info resolver.ResolveInfo
		err  error
	}
	reply := make(chan result, 1)
	l.post(func() {
		remapped := name
		if c, ok := l.routers.Lookup(name); ok {
			member, err := c.Map(seed)
			if err != nil {
				reply <- result{err: fmt.Errorf("locator: %w", err)}
				return
			}
			remapped = member
		}
		if info, ok := l.snapshot[remapped]; ok {
			reply <- result{info: info}
			return
		}
		if l.gateway != nil {
			info, err := l.gateway.Resolve(remapped)
			reply <- result{info: info, err: err}
			return
		}
		reply <- result{err: ErrServiceNotAvailable}
	})
	r := <-reply
	return r.info, r.err
}

// Connect implements the connect(remote_uuid) RPC: registers send as
// the push sink for remoteUUID, replacing any existing stream for
// that uuid, and immediately flushes the current snapshot if
// non-empty.
func (l *Locator) Connect(remoteUUID string, send func(ConnectUpdate) error) {
	reply := make(chan struct{})
	l.post(func() {
		if old, exists := l.streams[remoteUUID]; exists {
			l.logger.Warn("replacing existing connect stream", "peer", remoteUUID)
			old.evict()
		}
		l.streams[remoteUUID] = &connectStream{send: send, done: make(chan struct{})}
		if len(l.snapshot) > 0 {
			updates := make(map[string]resolver.ResolveInfo, len(l.snapshot))
			for name, info := range l.snapshot {
				if _, blocked := l.restricted[name]; blocked {
					continue
				}
				updates[name] = info
			}
			if len(updates) > 0 {
				if err := send(ConnectUpdate{UUID: l.uuid, Updates: updates}); err != nil {
					delete(l.streams, remoteUUID)
				}
			}
		}
		close(reply)
	})
	<-reply
}

// DisconnectStream drops the outbound stream for remoteUUID, e.g. when
// the underlying RPC stream's handler goroutine observes the caller
// went away.
func (l *Locator) DisconnectStream(remoteUUID string) {
	l.post(func() { delete(l.streams, remoteUUID) })
}

// Refresh implements the refresh([group_names]) RPC.
func (l *Locator) Refresh(names []string) error {
	reply := make(chan error, 1)
	l.post(func() { reply <- l.routers.Refresh(names) })
	return <-reply
}

// Cluster implements the cluster() RPC: the endpoint of every
// currently-connected outbound peer client, keyed by uuid.
func (l *Locator) Cluster() map[string]resolver.Endpoint {
	reply := make(chan map[string]resolver.Endpoint, 1)
	l.post(func() {
		out := make(map[string]resolver.Endpoint, len(l.outboundEndpoints))
		for uuid, ep := range l.outboundEndpoints {
			out[uuid] = ep
		}
		reply <- out
	})
	return <-reply
}

// AddPeer implements the outbound-link half of cluster-membership
// addition: dial the peer's Locator endpoints in order and, on
// success, invoke connect(self_uuid) with a local RemoteSession
// dispatch consuming the resulting updates into the Gateway.
func (l *Locator) AddPeer(uuid string, endpoints []resolver.Endpoint) {
	go func() {
		var client *rpc.Client
		var chosen resolver.Endpoint
		var lastErr error
		for _, ep := range endpoints {
			c, err := l.dial(ep.String())
			if err != nil {
				lastErr = err
				continue
			}
			client = c
			chosen = ep
			break
		}
		if client == nil {
			l.logger.Error("failed to connect to peer locator", "peer", uuid, "error", lastErr)
			return
		}

		session := newRemoteSession(uuid, l.gateway)
		l.post(func() {
			l.outbound[uuid] = client
			l.remotes[uuid] = session
			l.outboundEndpoints[uuid] = chosen
		})

		client.Bind(func(err error) {
			l.post(func() { l.dropOutbound(uuid) })
		})

		err := client.Call(EventConnect, l.uuid, &rpc.Dispatch{
			OnChunk: func(decode func(interface{}) error) error {
				var update ConnectUpdate
				if err := decode(&update); err != nil {
					return err
				}
				ok := make(chan bool, 1)
				l.post(func() {
					s, exists := l.remotes[uuid]
					if !exists {
						ok <- false
						return
					}
					ok <- s.Apply(update)
				})
				if !<-ok {
					return fmt.Errorf("locator: peer %s reported mismatched uuid", uuid)
				}
				return nil
			},
			OnError: func(err error) {
				l.logger.Warn("connect stream error", "peer", uuid, "error", err)
				l.post(func() { l.dropOutbound(uuid) })
			},
		})
		if err != nil {
			l.post(func() { l.dropOutbound(uuid) })
		}
	}()
}

func (l *Locator) dropOutbound(uuid string) {
	if c, ok := l.outbound[uuid]; ok {
		c.Close()
		delete(l.outbound, uuid)
	}
	delete(l.outboundEndpoints, uuid)
	if s, ok := l.remotes[uuid]; ok {
		s.teardown()
		delete(l.remotes, uuid)
	}
}

// DropNode implements drop_node(U): disconnects and erases both the
// outbound client and any inbound streams[U].
func (l *Locator) DropNode(uuid string) {
	reply := make(chan struct{})
	l.post(func() {
		l.dropOutbound(uuid)
		if s, ok := l.streams[uuid]; ok {
			s.evict()
			delete(l.streams, uuid)
		}
		close(reply)
	})
	<-reply
}
