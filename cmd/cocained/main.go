// Command cocained is the thin process entry point wiring the fabric's
// core components together: Raft actor/cluster, Locator, routing table,
// and gateway. Process bootstrap, daemonization, and a full CLI surface
// are out of scope (spec.md §1); this is the minimal wiring a
// jmsadair-goraft consumer's own main.go would contain, extended with
// this module's config/registry plumbing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/40a/cocaine-core/gateway"
	"github.com/40a/cocaine-core/internal/config"
	"github.com/40a/cocaine-core/internal/logging"
	"github.com/40a/cocaine-core/internal/store"
	"github.com/40a/cocaine-core/locator"
	"github.com/40a/cocaine-core/raft"
	"github.com/40a/cocaine-core/resolver"
	"github.com/40a/cocaine-core/routing"
	"github.com/40a/cocaine-core/rpc"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	listenAddr := flag.String("listen", "127.0.0.1:10053", "address to serve Raft and Locator RPCs on")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	logger := logging.New("cocained", *logLevel, os.Stderr)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	locatorUUID := cfg.LocatorUUID
	if locatorUUID == "" {
		locatorUUID, err = uuid.GenerateUUID()
		if err != nil {
			logger.Error("failed to generate locator uuid", "error", err)
			os.Exit(1)
		}
	}

	clusterRegistry := config.NewRegistry[[]raft.NodeID]("cluster")
	clusterRegistry.Register("static", func(args map[string]interface{}) ([]raft.NodeID, error) {
		return decodeStaticMembers(args)
	})
	members, err := clusterRegistry.Build(cfg.ClusterType, cfg.ClusterArgs)
	if err != nil {
		logger.Error("failed to build cluster membership", "error", err)
		os.Exit(1)
	}

	gatewayRegistry := config.NewRegistry[gateway.Gateway]("gateway")
	gatewayRegistry.Register("round_robin", func(args map[string]interface{}) (gateway.Gateway, error) {
		return gateway.NewRoundRobin(), nil
	})
	gw, err := gatewayRegistry.Build(cfg.GatewayType, cfg.GatewayArgs)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	self := parseNodeID(*listenAddr)
	members = ensureSelf(members, self)

	server := rpc.NewServer(logger)
	dial := func(addr string) (*rpc.Client, error) { return rpc.Dial(logger, addr) }

	res := resolver.New(logger, dial, 256)
	connector := raft.NewResolverConnector(res)

	cluster := raft.NewCluster(self, members, connector)

	raftLog := store.NewMemoryLog()
	raftState := store.NewMemoryState()

	options, err := raft.NewOptions(
		raft.WithHeartbeatTimeout(cfg.Tunables.HeartbeatTimeout),
		raft.WithElectionTimeout(cfg.Tunables.ElectionTimeout),
		raft.WithMessageSize(cfg.Tunables.MessageSize),
	)
	if err != nil {
		logger.Error("invalid raft tunables", "error", err)
		os.Exit(1)
	}

	actor := raft.NewActor(self, cfg.RaftServiceName, raftLog, raftState, cluster, logger, options, nil)
	raft.RegisterServer(server, actor)

	groupStore := store.NewMemoryGroupStore()
	routers := routing.NewTable(groupStore)

	loc := locator.New(locatorUUID, logger, gw, routers, dial, cfg.LocatorRestrict)
	locator.RegisterServer(server, loc)

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Error("failed to listen", "address", *listenAddr, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go actor.Run(ctx)
	go loc.Run(ctx)
	go func() {
		if err := server.Serve(ctx, listener); err != nil {
			logger.Error("rpc server stopped", "error", err)
		}
	}()

	logger.Info("cocained started", "uuid", locatorUUID, "listen", *listenAddr)
	<-ctx.Done()
	actor.Stop()
	logger.Info("cocained shut down")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Decode(map[string]interface{}{
			"raft_service_name": "node::raft",
			"cluster_type":      "static",
			"cluster_args":      map[string]interface{}{"members": []interface{}{}},
			"gateway_type":      "round_robin",
		})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cocained: failed to read config %s: %w", path, err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cocained: failed to parse config %s: %w", path, err)
	}
	return config.Decode(raw)
}

// decodeStaticMembers reads a "members" list of "host:port" strings out
// of a static cluster driver's args map.
func decodeStaticMembers(args map[string]interface{}) ([]raft.NodeID, error) {
	raw, _ := args["members"].([]interface{})
	members := make([]raft.NodeID, 0, len(raw))
	for _, m := range raw {
		s, ok := m.(string)
		if !ok {
			return nil, fmt.Errorf("cocained: cluster member %v is not a string", m)
		}
		members = append(members, parseNodeID(s))
	}
	return members, nil
}

// ensureSelf appends self to members if the configured cluster
// membership list omits it; NewCluster requires self present so quorum
// arithmetic accounts for this node's own vote and match index.
func ensureSelf(members []raft.NodeID, self raft.NodeID) []raft.NodeID {
	for _, m := range members {
		if m == self {
			return members
		}
	}
	return append(members, self)
}

func parseNodeID(addr string) raft.NodeID {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return raft.NodeID{Host: addr}
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return raft.NodeID{Host: host, Port: uint16(port)}
}
