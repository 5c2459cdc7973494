// Package config loads the environment-driven settings every node role
// starts from: which role to run, how to reach it, and which seed peers to
// gossip with first.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Role identifies which of the four Paxos participants a process runs.
type Role string

const (
	RoleProposer Role = "proposer"
	RoleAcceptor Role = "acceptor"
	RoleLearner  Role = "learner"
	RoleClient   Role = "client"
)

func defaultPort(role Role) int {
	switch role {
	case RoleProposer:
		return 3000
	case RoleAcceptor:
		return 4000
	case RoleLearner:
		return 5000
	case RoleClient:
		return 6000
	default:
		return 0
	}
}

// SeedNode is one entry of the SEED_NODES bootstrap list, parsed from the
// "id:role:address:port" wire form described in spec §6.
type SeedNode struct {
	ID      int
	Role    Role
	Address string
	Port    int
}

// Config is the fully resolved set of knobs a node starts with. Everything
// here either comes straight from an environment variable in spec §6, or is
// a gossip/paxos tuning knob the spec leaves as an implementation-chosen
// range (documented in DESIGN.md).
type Config struct {
	NodeID   int
	Role     Role
	Port     int
	Hostname string
	Namespace string
	SeedNodes []SeedNode

	// GossipInterval etc default into the ranges spec §4.4 allows
	// (2-10s / 10-20s / 15-30s) and are overridable per deployment.
	GossipIntervalSeconds  float64
	CleanupIntervalSeconds float64
	NodeTimeoutSeconds     float64
	GossipFanout           int

	// GossipDNSRewrite toggles the §9 REDESIGN FLAG: rewriting any
	// "host-suffix" peer address to a cluster DNS name. Off by default;
	// the original Python did this unconditionally, which the spec calls
	// out as environment-specific and better made configurable.
	GossipDNSRewrite bool

	LeaderTimeoutSeconds   float64
	HeartbeatIntervalSeconds float64
	ElectionTimeoutSeconds float64
	BaseBackoffSeconds    float64
	MaxBackoffSeconds     float64
	InitialBootstrapDelaySeconds float64
	MaxBootstrapAttempts  int
}

// Load reads configuration from the process environment via viper, applying
// the role-dependent port default the teacher's cmd/server.go hard-codes in
// a single flag default.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("HOSTNAME", "localhost")
	v.SetDefault("NAMESPACE", "paxos")
	v.SetDefault("GOSSIP_INTERVAL_SECONDS", 2.0)
	v.SetDefault("CLEANUP_INTERVAL_SECONDS", 10.0)
	v.SetDefault("NODE_TIMEOUT_SECONDS", 15.0)
	v.SetDefault("GOSSIP_FANOUT", 3)
	v.SetDefault("GOSSIP_DNS_REWRITE", false)
	v.SetDefault("LEADER_TIMEOUT_SECONDS", 8.0)
	v.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 2.0)
	v.SetDefault("ELECTION_TIMEOUT_SECONDS", 5.0)
	v.SetDefault("BASE_BACKOFF_SECONDS", 1.0)
	v.SetDefault("MAX_BACKOFF_SECONDS", 10.0)
	v.SetDefault("INITIAL_BOOTSTRAP_DELAY_SECONDS", 5.0)
	v.SetDefault("MAX_BOOTSTRAP_ATTEMPTS", 3)

	role := Role(strings.ToLower(v.GetString("NODE_ROLE")))
	switch role {
	case RoleProposer, RoleAcceptor, RoleLearner, RoleClient:
	default:
		return nil, errors.Errorf("unknown NODE_ROLE %q: use proposer|acceptor|learner|client", v.GetString("NODE_ROLE"))
	}

	nodeID := v.GetInt("NODE_ID")

	port := v.GetInt("PORT")
	if port == 0 {
		port = defaultPort(role)
	}

	seeds, err := parseSeedNodes(v.GetString("SEED_NODES"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing SEED_NODES")
	}

	return &Config{
		NodeID:    nodeID,
		Role:      role,
		Port:      port,
		Hostname:  v.GetString("HOSTNAME"),
		Namespace: v.GetString("NAMESPACE"),
		SeedNodes: seeds,

		GossipIntervalSeconds:  v.GetFloat64("GOSSIP_INTERVAL_SECONDS"),
		CleanupIntervalSeconds: v.GetFloat64("CLEANUP_INTERVAL_SECONDS"),
		NodeTimeoutSeconds:     v.GetFloat64("NODE_TIMEOUT_SECONDS"),
		GossipFanout:           v.GetInt("GOSSIP_FANOUT"),
		GossipDNSRewrite:       v.GetBool("GOSSIP_DNS_REWRITE"),

		LeaderTimeoutSeconds:          v.GetFloat64("LEADER_TIMEOUT_SECONDS"),
		HeartbeatIntervalSeconds:      v.GetFloat64("HEARTBEAT_INTERVAL_SECONDS"),
		ElectionTimeoutSeconds:        v.GetFloat64("ELECTION_TIMEOUT_SECONDS"),
		BaseBackoffSeconds:            v.GetFloat64("BASE_BACKOFF_SECONDS"),
		MaxBackoffSeconds:             v.GetFloat64("MAX_BACKOFF_SECONDS"),
		InitialBootstrapDelaySeconds:  v.GetFloat64("INITIAL_BOOTSTRAP_DELAY_SECONDS"),
		MaxBootstrapAttempts:          v.GetInt("MAX_BOOTSTRAP_ATTEMPTS"),
	}, nil
}

// parseSeedNodes parses the comma-separated "id:role:address:port" tuples
// SEED_NODES carries, exactly as the original gossip_protocol.py constructor
// expects them.
func parseSeedNodes(raw string) ([]SeedNode, error) {
	if raw == "" {
		return nil, nil
	}

	var seeds []SeedNode
	for _, entry := range strings.Split(raw, ",") {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 4 {
			return nil, errors.Errorf("malformed seed node entry %q, want id:role:address:port", entry)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, errors.Wrapf(err, "seed node id in %q", entry)
		}
		port, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, errors.Wrapf(err, "seed node port in %q", entry)
		}
		seeds = append(seeds, SeedNode{
			ID:      id,
			Role:    Role(parts[1]),
			Address: parts[2],
			Port:    port,
		})
	}
	return seeds, nil
}

// Addr formats the bind address this node listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
