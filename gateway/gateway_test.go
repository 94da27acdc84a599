package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/40a/cocaine-core/resolver"
)

func TestRoundRobinResolveNoProviders(t *testing.T) {
	g := NewRoundRobin()
	_, err := g.Resolve("svc")
	require.True(t, errors.Is(err, ErrServiceNotAvailable))
}

func TestRoundRobinCyclesProviders(t *testing.T) {
	g := NewRoundRobin()
	infoA := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "a", Port: 1}}}
	infoB := resolver.ResolveInfo{Endpoints: []resolver.Endpoint{{Host: "b", Port: 2}}}
	g.Consume("peer-a", "svc", infoA)
	g.Consume("peer-b", "svc", infoB)

	first, err := g.Resolve("svc")
	require.NoError(t, err)
	second, err := g.Resolve("svc")
	require.NoError(t, err)
	third, err := g.Resolve("svc")
	require.NoError(t, err)

	require.Equal(t, first, third)
	require.NotEqual(t, first, second)
}

func TestRoundRobinConsumeReplacesExistingPeerAnnouncement(t *testing.T) {
	g := NewRoundRobin()
	g.Consume("peer-a", "svc", resolver.ResolveInfo{Version: 1})
	g.Consume("peer-a", "svc", resolver.ResolveInfo{Version: 2})

	info, err := g.Resolve("svc")
	require.NoError(t, err)
	require.Equal(t, uint32(2), info.Version)

	info, err = g.Resolve("svc")
	require.NoError(t, err)
	require.Equal(t, uint32(2), info.Version)
}

func TestRoundRobinCleanupRemovesProvider(t *testing.T) {
	g := NewRoundRobin()
	g.Consume("peer-a", "svc", resolver.ResolveInfo{})
	g.Cleanup("peer-a", "svc")

	_, err := g.Resolve("svc")
	require.True(t, errors.Is(err, ErrServiceNotAvailable))
}

func TestRoundRobinCleanupUnknownPeerIsNoop(t *testing.T) {
	g := NewRoundRobin()
	g.Consume("peer-a", "svc", resolver.ResolveInfo{})
	g.Cleanup("peer-b", "svc")

	_, err := g.Resolve("svc")
	require.NoError(t, err)
}
