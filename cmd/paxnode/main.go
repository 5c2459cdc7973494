// Command paxnode is the single binary every cluster role runs, dispatching
// on NODE_ROLE the way original_source/nodes/main.py dispatches on its
// NODE_ROLE env var to a Proposer/Acceptor/Learner/Client instance. Graceful
// shutdown via os/signal+context.Context is grounded on
// Rain168-server/cmd/goshawkdb/main.go, the pack's only signal.Notify user.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mathdee/paxos-cluster/internal/config"
	"github.com/mathdee/paxos-cluster/internal/gossip"
	"github.com/mathdee/paxos-cluster/internal/httpserver"
	"github.com/mathdee/paxos-cluster/internal/logging"
	"github.com/mathdee/paxos-cluster/internal/metrics"
	"github.com/mathdee/paxos-cluster/internal/paxos"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "paxnode: ", err)
		os.Exit(1)
	}

	logger := logging.New(string(cfg.Role), cfg.NodeID)
	metricsReg := metrics.New()

	seeds := make([]gossip.NodeInfo, 0, len(cfg.SeedNodes))
	for _, s := range cfg.SeedNodes {
		seeds = append(seeds, gossip.NodeInfo{
			ID:      s.ID,
			Role:    string(s.Role),
			Address: s.Address,
			Port:    s.Port,
		})
	}

	gossipCfg := gossip.Config{
		SelfID:          cfg.NodeID,
		SelfRole:        string(cfg.Role),
		SelfAddr:        cfg.Hostname,
		SelfPort:        cfg.Port,
		Namespace:       cfg.Namespace,
		DNSRewrite:      cfg.GossipDNSRewrite,
		GossipInterval:  durationSeconds(cfg.GossipIntervalSeconds),
		CleanupInterval: durationSeconds(cfg.CleanupIntervalSeconds),
		NodeTimeout:     durationSeconds(cfg.NodeTimeoutSeconds),
		Fanout:          cfg.GossipFanout,
	}
	gossipAgent := gossip.NewAgent(gossipCfg, seeds, logger, metricsReg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var viewLogs httpserver.ViewLogsFunc
	registerRole := func(handle func(string, http.HandlerFunc, ...string)) {}

	switch cfg.Role {
	case config.RoleProposer:
		proposerCfg := paxos.ProposerConfig{
			LeaderTimeout:         durationSeconds(cfg.LeaderTimeoutSeconds),
			HeartbeatInterval:     durationSeconds(cfg.HeartbeatIntervalSeconds),
			ElectionTimeout:       durationSeconds(cfg.ElectionTimeoutSeconds),
			BaseBackoff:           durationSeconds(cfg.BaseBackoffSeconds),
			MaxBackoff:            durationSeconds(cfg.MaxBackoffSeconds),
			InitialBootstrapDelay: durationSeconds(cfg.InitialBootstrapDelaySeconds),
			MaxBootstrapAttempts:  cfg.MaxBootstrapAttempts,
		}
		role := paxos.NewProposer(cfg.NodeID, proposerCfg, gossipAgent, logger, metricsReg)
		registerRole = role.Register
		viewLogs = role.ViewLogs
		go role.RunBootstrap(ctx)
		go role.RunLeaderWatcher(ctx)
		go role.RunHeartbeatEmitter(ctx)

	case config.RoleAcceptor:
		role := paxos.NewAcceptor(cfg.NodeID, gossipAgent, logger, metricsReg, durationSeconds(cfg.LeaderTimeoutSeconds))
		registerRole = role.Register
		viewLogs = role.ViewLogs
		go role.RunLeaderLivenessWatcher(ctx)

	case config.RoleLearner:
		role := paxos.NewLearner(cfg.NodeID, 4096, gossipAgent, logger, metricsReg)
		registerRole = role.Register
		viewLogs = role.ViewLogs

	case config.RoleClient:
		role := paxos.NewClient(cfg.NodeID, gossipAgent, logger, metricsReg)
		registerRole = role.Register
		viewLogs = role.ViewLogs
	}

	router := httpserver.New(logger, metricsReg, string(cfg.Role), cfg.NodeID, viewLogs)
	registerRole(func(path string, h http.HandlerFunc, methods ...string) {
		router.HandleFunc(path, h).Methods(methods...)
	})

	gossipAgent.Start(ctx, router)

	srv := &http.Server{Addr: cfg.Addr(), Handler: router}

	go func() {
		logger.Log("msg", "listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log("msg", "server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Log("msg", "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log("msg", "shutdown error", "err", err)
	}
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
