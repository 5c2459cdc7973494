// Package gossip implements the membership and leader-dissemination layer
// every node role runs alongside its Paxos responsibilities: a periodically
// pushed, version-reconciled node table, generalizing the mutex-guarded
// state-plus-background-goroutines shape of the teacher's internal/raft
// package (internal/raft/raft.go) from a single leader-election state
// machine into an anti-entropy membership protocol, grounded functionally on
// original_source/nodes/gossip_protocol.py.
package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"

	"github.com/mathdee/paxos-cluster/internal/httpserver"
	"github.com/mathdee/paxos-cluster/internal/metrics"
	"github.com/mathdee/paxos-cluster/internal/transport"
)

// NodeInfo is one entry of the gossip node table, mirroring
// gossip_protocol.py's per-node dict (id/role/address/port/version/
// last_seen, plus the leader-only last_heartbeat field).
type NodeInfo struct {
	ID            int       `json:"id"`
	Role          string    `json:"role"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	Version       int64     `json:"version"`
	LastSeen      time.Time `json:"last_seen"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	IsLeader      bool      `json:"is_leader,omitempty"`

	// Remaining recognized metadata keys from the data model: an acceptor
	// publishes its accepted ballot/value here, a learner its last-learned
	// ballot/value and running log length.
	AcceptedProposalNumber int64  `json:"accepted_proposal_number,omitempty"`
	AcceptedValue          string `json:"accepted_value,omitempty"`
	LastLearnedProposal    int64  `json:"last_learned_proposal,omitempty"`
	LastLearnedValue       string `json:"last_learned_value,omitempty"`
	LearnedValuesCount     int    `json:"learned_values_count,omitempty"`
}

// Config bundles the tuning knobs callers pull from internal/config.
type Config struct {
	SelfID     int
	SelfRole   string
	SelfAddr   string
	SelfPort   int
	Namespace  string
	DNSRewrite bool

	GossipInterval  time.Duration
	CleanupInterval time.Duration
	NodeTimeout     time.Duration
	Fanout          int
}

// Agent is the per-process gossip participant: a mutex-guarded node table
// plus background push/cleanup loops, matching the field layout of
// raft.Consensus but replacing log-replication state with membership state.
type Agent struct {
	mu sync.RWMutex

	cfg      Config
	nodes    map[int]*NodeInfo
	leaderID int
	hasLeader bool
	selfVersion int64

	logger    log.Logger
	transport *transport.Client
	metrics   *metrics.Registry
}

// NewAgent builds an agent whose node table is seeded with self plus every
// configured seed peer at version 0, exactly as GossipProtocol.__init__ does.
func NewAgent(cfg Config, seeds []NodeInfo, logger log.Logger, metricsReg *metrics.Registry) *Agent {
	a := &Agent{
		cfg:       cfg,
		nodes:     make(map[int]*NodeInfo),
		logger:    logger,
		transport: transport.New(3 * time.Second),
		metrics:   metricsReg,
	}

	a.nodes[cfg.SelfID] = &NodeInfo{
		ID:       cfg.SelfID,
		Role:     cfg.SelfRole,
		Address:  cfg.SelfAddr,
		Port:     cfg.SelfPort,
		Version:  0,
		LastSeen: time.Now(),
	}
	for _, s := range seeds {
		if s.ID == cfg.SelfID {
			continue
		}
		node := s
		node.Version = 0
		node.LastSeen = time.Now()
		a.nodes[s.ID] = &node
	}

	return a
}

type gossipPushRequest struct {
	SenderID int                 `json:"sender_id"`
	Nodes    map[string]*NodeInfo `json:"nodes"`
	LeaderID *int                `json:"leader_id,omitempty"`
}

type gossipPushResponse struct {
	Status    string `json:"status"`
	Updates   int    `json:"updates"`
	NodeCount int    `json:"node_count"`
}

// Start registers the gossip HTTP routes on router and launches the push and
// cleanup background loops, stopping when ctx is canceled. It mirrors
// GossipProtocol.start's route registration plus its two daemon threads,
// expressed as goroutines with explicit cancellation instead of daemon
// threads relying on process exit.
func (a *Agent) Start(ctx context.Context, router *mux.Router) {
	router.HandleFunc("/gossip", a.handleGossipHTTP).Methods(http.MethodPost)
	router.HandleFunc("/gossip/nodes", a.handleNodesHTTP).Methods(http.MethodGet)

	go a.pushLoop(ctx)
	go a.cleanupLoop(ctx)
}

func (a *Agent) pushLoop(ctx context.Context) {
	interval := a.cfg.GossipInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pushToRandomPeers(ctx)
		}
	}
}

func (a *Agent) cleanupLoop(ctx context.Context) {
	interval := a.cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.removeInactiveNodes()
		}
	}
}

// pushToRandomPeers bumps self's version/last_seen (and last_heartbeat if
// self is the leader), picks up to Fanout random peers, and POSTs /gossip to
// each, exactly as _send_gossip_to_random_nodes does.
func (a *Agent) pushToRandomPeers(ctx context.Context) {
	a.mu.Lock()
	a.selfVersion++
	self := a.nodes[a.cfg.SelfID]
	self.Version = a.selfVersion
	self.LastSeen = time.Now()
	if a.hasLeader && a.leaderID == a.cfg.SelfID {
		self.LastHeartbeat = time.Now()
		self.IsLeader = true
	}

	targets := make([]*NodeInfo, 0, len(a.nodes)-1)
	for id, n := range a.nodes {
		if id != a.cfg.SelfID {
			targets = append(targets, n)
		}
	}
	payload := a.snapshotLocked()
	var leaderPtr *int
	if a.hasLeader {
		id := a.leaderID
		leaderPtr = &id
	}
	a.mu.Unlock()

	fanout := a.cfg.Fanout
	if fanout <= 0 {
		fanout = 3
	}
	rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	if len(targets) > fanout {
		targets = targets[:fanout]
	}

	req := gossipPushRequest{SenderID: a.cfg.SelfID, Nodes: payload, LeaderID: leaderPtr}

	for _, target := range targets {
		addr := a.rewriteAddress(target.Address)
		url := fmt.Sprintf("http://%s:%d/gossip", addr, target.Port)
		var resp gossipPushResponse
		_, err := a.transport.PostJSON(ctx, url, req, &resp, transport.GossipPushPolicy)
		if err != nil {
			if a.metrics != nil {
				a.metrics.GossipPushTotal.WithLabelValues("failure").Inc()
			}
			a.logger.Log("msg", "gossip push failed", "peer", target.ID, "err", err)
			continue
		}
		if a.metrics != nil {
			a.metrics.GossipPushTotal.WithLabelValues("success").Inc()
		}
	}
}

// rewriteAddress implements the §9 REDESIGN FLAG: the original rewrote any
// hostname containing a "-" (interpreted as a Kubernetes pod-template host)
// to "<host>.<namespace>.svc.cluster.local" unconditionally. Here that only
// happens when the operator opts in via GossipDNSRewrite.
func (a *Agent) rewriteAddress(addr string) string {
	if !a.cfg.DNSRewrite {
		return addr
	}
	if strings.Contains(addr, "svc.cluster.local") || !strings.Contains(addr, "-") {
		return addr
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local", addr, a.cfg.Namespace)
}

func (a *Agent) snapshotLocked() map[string]*NodeInfo {
	out := make(map[string]*NodeInfo, len(a.nodes))
	for id, n := range a.nodes {
		cp := *n
		out[fmt.Sprint(id)] = &cp
	}
	return out
}

func (a *Agent) handleGossipHTTP(w http.ResponseWriter, r *http.Request) {
	var req gossipPushRequest
	if !httpserver.DecodeJSON(w, r, &req) {
		return
	}
	resp := a.HandleGossip(req)
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (a *Agent) handleNodesHTTP(w http.ResponseWriter, r *http.Request) {
	nodes := a.GetAllNodes()
	leaderID, known := a.GetLeader()
	resp := map[string]interface{}{
		"total": len(nodes),
		"nodes": nodes,
	}
	if known {
		resp["leader_id"] = leaderID
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// HandleGossip merges an incoming push into the local node table, following
// _handle_gossip's exact reconciliation rules: a strictly newer version
// always wins; otherwise only last_seen advances (to the max of the two);
// the sender's own entry is always taken as newest; and a leader's
// last_heartbeat is adopted whenever it is strictly newer, independent of
// the version comparison, since heartbeats race ahead of table versions.
func (a *Agent) HandleGossip(req gossipPushRequest) gossipPushResponse {
	a.mu.Lock()
	defer a.mu.Unlock()

	updates := 0

	for idStr, incoming := range req.Nodes {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}

		existing, known := a.nodes[id]
		isSender := id == req.SenderID

		switch {
		case !known:
			cp := *incoming
			a.nodes[id] = &cp
			updates++
		case isSender || incoming.Version > existing.Version:
			cp := *incoming
			a.nodes[id] = &cp
			updates++
		default:
			if incoming.LastSeen.After(existing.LastSeen) {
				existing.LastSeen = incoming.LastSeen
			}
			if a.hasLeader && id == a.leaderID && incoming.LastHeartbeat.After(existing.LastHeartbeat) {
				existing.LastHeartbeat = incoming.LastHeartbeat
			}
		}
	}

	if req.LeaderID != nil && (!a.hasLeader || *req.LeaderID != a.leaderID) {
		a.setLeaderLocked(*req.LeaderID)
	}

	return gossipPushResponse{Status: "ok", Updates: updates, NodeCount: len(a.nodes)}
}

// removeInactiveNodes evicts entries whose last_seen is older than
// NodeTimeout, clearing the leader if the evicted node held that role,
// matching _remove_inactive_nodes.
func (a *Agent) removeInactiveNodes() {
	a.mu.Lock()
	defer a.mu.Unlock()

	timeout := a.cfg.NodeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cutoff := time.Now().Add(-timeout)

	for id, n := range a.nodes {
		if id == a.cfg.SelfID {
			continue
		}
		if n.LastSeen.Before(cutoff) {
			delete(a.nodes, id)
			if a.hasLeader && a.leaderID == id {
				a.hasLeader = false
				a.leaderID = 0
				a.logger.Log("msg", "leader evicted as inactive", "leader_id", id)
			}
		}
	}
}

// GetLeader returns the currently known leader id and whether one is known.
func (a *Agent) GetLeader() (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.leaderID, a.hasLeader
}

// SetLeader records nodeID as cluster leader, matching set_leader.
func (a *Agent) SetLeader(nodeID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLeaderLocked(nodeID)
}

func (a *Agent) setLeaderLocked(nodeID int) {
	a.leaderID = nodeID
	a.hasLeader = true
	for id, n := range a.nodes {
		n.IsLeader = id == nodeID
		if id == nodeID && n.LastHeartbeat.IsZero() {
			n.LastHeartbeat = time.Now()
		}
	}
}

// RecordHeartbeat bumps the last_heartbeat timestamp of a known node,
// used by the proposer's direct inter-proposer heartbeat channel (separate
// from the gossip push loop, matching _leader_heartbeat's dedicated POSTs).
func (a *Agent) RecordHeartbeat(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.nodes[id]; ok {
		n.LastHeartbeat = time.Now()
	}
}

// ClearLeader forgets the currently known leader, matching the original's
// in-place clearing of leader_id when a heartbeat goes stale.
func (a *Agent) ClearLeader() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hasLeader = false
	a.leaderID = 0
	if self, ok := a.nodes[a.cfg.SelfID]; ok {
		self.IsLeader = false
	}
}

// isLiveLocked reports whether n counts as live right now: the self entry
// is always live, everything else must have been heard from within
// NodeTimeout, matching "now - last_seen <= node_timeout".
func (a *Agent) isLiveLocked(n *NodeInfo) bool {
	if n.ID == a.cfg.SelfID {
		return true
	}
	timeout := a.cfg.NodeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return time.Since(n.LastSeen) <= timeout
}

// GetNodesByRole returns a snapshot of every live node table entry with the
// given role, matching get_nodes_by_role's live-only filter.
func (a *Agent) GetNodesByRole(role string) []NodeInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []NodeInfo
	for _, n := range a.nodes {
		if n.Role == role && a.isLiveLocked(n) {
			out = append(out, *n)
		}
	}
	return out
}

// GetAllNodes returns a snapshot of every live node table entry, matching
// get_all_nodes's live-only filter.
func (a *Agent) GetAllNodes() []NodeInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]NodeInfo, 0, len(a.nodes))
	for _, n := range a.nodes {
		if a.isLiveLocked(n) {
			out = append(out, *n)
		}
	}
	return out
}

// GetNodeInfo returns one node table entry, matching get_node_info.
func (a *Agent) GetNodeInfo(id int) (NodeInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

// NodeExists reports whether id is currently in the node table, matching
// node_exists.
func (a *Agent) NodeExists(id int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.nodes[id]
	return ok
}

// UpdateLocalMetadata lets the owning role (proposer becoming leader,
// acceptor recording an accepted leader value) refresh its own entry
// in-place without a full gossip round trip, matching
// update_local_metadata.
func (a *Agent) UpdateLocalMetadata(fn func(self *NodeInfo)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.nodes[a.cfg.SelfID])
}
