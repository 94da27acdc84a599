package locator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/40a/cocaine-core/gateway"
	"github.com/40a/cocaine-core/internal/logging"
	"github.com/40a/cocaine-core/internal/store"
	"github.com/40a/cocaine-core/resolver"
	"github.com/40a/cocaine-core/routing"
)

func newTestLocator(t *testing.T) (*Locator, func()) {
	t.Helper()
	gw := gateway.NewRoundRobin()
	table := routing.NewTable(store.NewMemoryGroupStore())
	l := New("self-uuid", logging.Discard(), gw, table, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return l, func() {
		cancel()
		<-done
	}
}

func TestLocatorResolveUnknownService(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l, stop := newTestLocator(t)
	defer stop()

	_, err := l.Resolve("missing", "")
	require.True(t, errors.Is(err, ErrServiceNotAvailable))
}

func TestLocatorExposeThenResolveLocally(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l, stop := newTestLocator(t)
	defer stop()

	info := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "127.0.0.1", Port: 9000}}}
	l.Expose("svc", info)

	got, err := l.Resolve("svc", "")
	require.NoError(t, err)
	require.Equal(t, info, got)

	l.Remove("svc")
	_, err = l.Resolve("svc", "")
	require.True(t, errors.Is(err, ErrServiceNotAvailable))
}

func TestLocatorConnectFlushesSnapshotImmediately(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l, stop := newTestLocator(t)
	defer stop()

	info := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "127.0.0.1", Port: 9001}}}
	l.Expose("svc", info)

	received := make(chan ConnectUpdate, 1)
	l.Connect("peer-a", func(u ConnectUpdate) error {
		received <- u
		return nil
	})

	select {
	case u := <-received:
		require.Equal(t, "self-uuid", u.UUID)
		require.Equal(t, info, u.Updates["svc"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot flush")
	}
}

func TestLocatorExposeBroadcastsToOpenStreams(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l, stop := newTestLocator(t)
	defer stop()

	received := make(chan ConnectUpdate, 4)
	l.Connect("peer-a", func(u ConnectUpdate) error {
		received <- u
		return nil
	})

	info := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "127.0.0.1", Port: 9002}}}
	l.Expose("svc", info)

	select {
	case u := <-received:
		require.Equal(t, info, u.Updates["svc"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestLocatorRestrictedNamesAreNeverBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	gw := gateway.NewRoundRobin()
	table := routing.NewTable(store.NewMemoryGroupStore())
	l := New("self-uuid", logging.Discard(), gw, table, nil, []string{"internal-only"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { l.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	received := make(chan ConnectUpdate, 4)
	l.Connect("peer-a", func(u ConnectUpdate) error {
		received <- u
		return nil
	})

	info := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "127.0.0.1", Port: 9003}}}
	l.Expose("internal-only", info)

	got, err := l.Resolve("internal-only", "")
	require.NoError(t, err)
	require.Equal(t, info, got)

	select {
	case u := <-received:
		t.Fatalf("unexpected broadcast for restricted name: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocatorConnectReplacesExistingStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l, stop := newTestLocator(t)
	defer stop()

	l.Connect("peer-a", func(u ConnectUpdate) error { return nil })

	reply := make(chan *connectStream, 1)
	l.post(func() { reply <- l.streams["peer-a"] })
	oldStream := <-reply
	require.NotNil(t, oldStream)

	l.Connect("peer-a", func(u ConnectUpdate) error { return nil })

	select {
	case <-oldStream.done:
	default:
		t.Fatal("expected old stream to be evicted")
	}
}

func TestLocatorDropNodeEvictsStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l, stop := newTestLocator(t)
	defer stop()

	l.Connect("peer-a", func(u ConnectUpdate) error { return nil })

	reply := make(chan *connectStream, 1)
	l.post(func() { reply <- l.streams["peer-a"] })
	s := <-reply
	require.NotNil(t, s)

	l.DropNode("peer-a")

	select {
	case <-s.done:
	default:
		t.Fatal("expected stream to be evicted on drop")
	}

	reply2 := make(chan bool, 1)
	l.post(func() { _, ok := l.streams["peer-a"]; reply2 <- ok })
	require.False(t, <-reply2)
}

func TestRemoteSessionApplyRejectsMismatchedUUID(t *testing.T) {
	gw := gateway.NewRoundRobin()
	session := newRemoteSession("peer-a", gw)

	ok := session.Apply(ConnectUpdate{UUID: "someone-else", Updates: map[string]resolver.ResolveInfo{"svc": {}}})
	require.False(t, ok)
}

func TestRemoteSessionApplyConsumesAndTearsDown(t *testing.T) {
	gw := gateway.NewRoundRobin()
	session := newRemoteSession("peer-a", gw)

	info := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "10.0.0.1", Port: 1}}}
	ok := session.Apply(ConnectUpdate{UUID: "peer-a", Updates: map[string]resolver.ResolveInfo{"svc": info}})
	require.True(t, ok)

	got, err := gw.Resolve("svc")
	require.NoError(t, err)
	require.Equal(t, info, got)

	session.teardown()
	_, err = gw.Resolve("svc")
	require.Error(t, err)
}

func TestLocatorRefreshPropagatesStorageError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	gw := gateway.NewRoundRobin()
	groups := store.NewMemoryGroupStore()
	groups.SetFailing(true)
	table := routing.NewTable(groups)
	l := New("self-uuid", logging.Discard(), gw, table, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { l.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	err := l.Refresh([]string{"some-group"})
	require.True(t, errors.Is(err, ErrRoutingStorage))
}

func TestLocatorResolveRemapsThroughRoutingGroup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	gw := gateway.NewRoundRobin()
	groups := store.NewMemoryGroupStore()
	groups.Put(store.GroupDefinition{
		Group:   "workers",
		Active:  true,
		Members: []store.GroupMember{{Name: "worker-1", Weight: 1}},
	})
	table := routing.NewTable(groups)
	l := New("self-uuid", logging.Discard(), gw, table, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { l.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	require.NoError(t, l.Refresh([]string{"workers"}))

	info := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "10.0.0.2", Port: 2}}}
	l.Expose("worker-1", info)

	got, err := l.Resolve("workers", "any-seed")
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestLocatorClusterReportsNoPeersInitially(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l, stop := newTestLocator(t)
	defer stop()

	require.Empty(t, l.Cluster())
}
