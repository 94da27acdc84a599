package raft

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/40a/cocaine-core/internal/logging"
	"github.com/40a/cocaine-core/internal/store"
	"github.com/40a/cocaine-core/rpc"
)

// directConnector dials a remote's NodeID address directly, bypassing
// the Locator/resolver layer: in this test a NodeID doubles as the
// loopback address the peer's rpc.Server actually listens on.
type directConnector struct {
	logger logging.Logger
}

func (d *directConnector) Connect(remote NodeID, serviceName string, onConnected func(*rpc.Client), onError func(error)) {
	go func() {
		client, err := rpc.Dial(d.logger, remote.String())
		if err != nil {
			onError(err)
			return
		}
		onConnected(client)
	}()
}

type testNode struct {
	id     NodeID
	actor  *Actor
	server *rpc.Server

	mu      sync.Mutex
	applied [][]byte
}

func (n *testNode) onApply(entries []Entry, firstIndex uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range entries {
		n.applied = append(n.applied, e.Payload)
	}
}

func (n *testNode) appliedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.applied)
}

func newTestCluster(t *testing.T, n int) ([]*testNode, func()) {
	t.Helper()

	listeners := make([]net.Listener, n)
	ids := make([]NodeID, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = l
		host, portStr, err := net.SplitHostPort(l.Addr().String())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		ids[i] = NodeID{Host: host, Port: uint16(port)}
	}

	opts, err := NewOptions(
		WithHeartbeatTimeout(30*time.Millisecond),
		WithElectionTimeout(150*time.Millisecond),
		WithMessageSize(64),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		node := &testNode{id: ids[i]}
		logger := logging.Discard()
		cluster := NewCluster(ids[i], ids, &directConnector{logger: logger})
		actor := NewActor(ids[i], "test::raft", store.NewMemoryLog(), store.NewMemoryState(), cluster, logger, opts, node.onApply)
		server := rpc.NewServer(logger)
		RegisterServer(server, actor)

		node.actor = actor
		node.server = server
		nodes[i] = node

		go server.Serve(ctx, listeners[i])
		go actor.Run(ctx)
	}

	stop := func() {
		cancel()
		for _, l := range listeners {
			l.Close()
		}
	}
	return nodes, stop
}

func findLeader(nodes []*testNode) *testNode {
	for _, n := range nodes {
		if n.actor.IsLeader() {
			return n
		}
	}
	return nil
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	nodes, stop := newTestCluster(t, 3)
	defer stop()

	require.Eventually(t, func() bool {
		return findLeader(nodes) != nil
	}, 5*time.Second, 20*time.Millisecond)

	leaders := 0
	term := nodes[0].actor.CurrentTerm()
	for _, n := range nodes {
		if n.actor.IsLeader() {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
	require.GreaterOrEqual(t, term, uint64(1))
}

func TestClusterReplicatesSubmittedEntry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	nodes, stop := newTestCluster(t, 3)
	defer stop()

	var leader *testNode
	require.Eventually(t, func() bool {
		leader = findLeader(nodes)
		return leader != nil
	}, 5*time.Second, 20*time.Millisecond)

	index, err := leader.actor.Submit([]byte("command-1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), index)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.appliedCount() < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	for _, n := range nodes {
		n.mu.Lock()
		require.Equal(t, []byte("command-1"), n.applied[0])
		n.mu.Unlock()
	}
}

func TestSubmitOnFollowerFailsWithErrNotLeader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	nodes, stop := newTestCluster(t, 3)
	defer stop()

	var leader *testNode
	require.Eventually(t, func() bool {
		leader = findLeader(nodes)
		return leader != nil
	}, 5*time.Second, 20*time.Millisecond)

	var follower *testNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	_, err := follower.actor.Submit([]byte("nope"))
	require.ErrorIs(t, err, ErrNotLeader)
}
