// Proposer drives both kinds of Paxos rounds this cluster runs: ordinary
// client-value commits, and leader-election rounds that commit a
// "leader:<id>" pseudo-value instead. Its background-loop dispatch
// (bootstrap, leader watcher, heartbeat emitter) generalizes the
// goroutine-plus-mutex-guarded-state shape of the teacher's internal/raft
// package (internal/raft/raft.go), which runs a single leader-election state
// machine behind one background goroutine; here the same shape runs three
// cooperating loops over shared proposer state. Grounded functionally on
// original_source/nodes/proposer_node.py.
package paxos

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/mathdee/paxos-cluster/internal/ballot"
	"github.com/mathdee/paxos-cluster/internal/gossip"
	"github.com/mathdee/paxos-cluster/internal/httpserver"
	"github.com/mathdee/paxos-cluster/internal/metrics"
	"github.com/mathdee/paxos-cluster/internal/transport"
)

// ErrorKind classifies the client-visible outcomes spec §7 allows a
// proposer to return for /propose.
type ErrorKind string

const (
	ErrNone             ErrorKind = ""
	ErrClientInput      ErrorKind = "client_input"
	ErrNotLeader        ErrorKind = "not_leader"
	ErrBusy             ErrorKind = "busy"
	ErrNoQuorumAvailable ErrorKind = "no_quorum_available"
)

// ProposeRequest is the body of POST /propose.
type ProposeRequest struct {
	Value    string `json:"value"`
	ClientID int    `json:"client_id,omitempty"`
}

// ProposeResponse is the body returned from /propose.
type ProposeResponse struct {
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	CurrentLeader  int    `json:"current_leader,omitempty"`
	ProposalNumber int64  `json:"proposal_number,omitempty"`
}

// HeartbeatRequest is the body of POST /heartbeat, sent proposer-to-proposer
// directly (separate from the gossip push loop), matching _leader_heartbeat.
type HeartbeatRequest struct {
	LeaderID int `json:"leader_id"`
}

// ProposerConfig bundles the timing knobs spec §6/§9 leave operator-tunable.
type ProposerConfig struct {
	LeaderTimeout         time.Duration
	HeartbeatInterval     time.Duration
	ElectionTimeout       time.Duration
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	InitialBootstrapDelay time.Duration
	MaxBootstrapAttempts  int
}

// Proposer holds one proposer's election/proposal state.
type Proposer struct {
	mu sync.Mutex

	nodeID            int
	proposalCounter   int64
	inElection        bool
	waitingForAccept  bool
	bootstrapMode     bool
	bootstrapAttempts int
	backoffUntil      time.Time

	cfg       ProposerConfig
	gossip    *gossip.Agent
	transport *transport.Client
	logger    log.Logger
	metrics   *metrics.Registry
}

// NewProposer builds a proposer starting in bootstrap mode, matching
// Proposer.__init__'s bootstrap_mode=True default.
func NewProposer(nodeID int, cfg ProposerConfig, g *gossip.Agent, logger log.Logger, metricsReg *metrics.Registry) *Proposer {
	return &Proposer{
		nodeID:        nodeID,
		bootstrapMode: true,
		cfg:           cfg,
		gossip:        g,
		transport:     transport.New(2 * time.Second),
		logger:        logger,
		metrics:       metricsReg,
	}
}

// Register wires /propose and /heartbeat onto the router.
func (p *Proposer) Register(handle func(path string, h http.HandlerFunc, methods ...string)) {
	handle("/propose", p.handleProposeHTTP, http.MethodPost)
	handle("/heartbeat", p.handleHeartbeatHTTP, http.MethodPost)
}

// RunBootstrap implements _bootstrap_election: wait long enough for gossip
// to settle, then attempt up to MaxBootstrapAttempts deterministic-ballot
// elections before giving up on bootstrap and falling back to the ordinary
// leader watcher.
func (p *Proposer) RunBootstrap(ctx context.Context) {
	delay := p.cfg.InitialBootstrapDelay*3 + time.Duration(p.nodeID)*time.Second
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	maxAttempts := p.cfg.MaxBootstrapAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		p.mu.Lock()
		if _, known := p.gossip.GetLeader(); known {
			p.bootstrapMode = false
			p.mu.Unlock()
			return
		}
		p.bootstrapAttempts++
		p.mu.Unlock()

		b := ballot.BootstrapBallot(p.nodeID)
		p.startElection(ctx, b, true)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.ElectionTimeout):
		}
	}

	p.mu.Lock()
	p.bootstrapMode = false
	p.mu.Unlock()
}

// RunLeaderWatcher implements _check_leader's poll-every-2s loop: start an
// election when none is known and this proposer isn't already in one, and
// on a stale leader heartbeat record a jittered backoff window and start a
// fresh election right away.
func (p *Proposer) RunLeaderWatcher(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkLeader(ctx)
		}
	}
}

func (p *Proposer) checkLeader(ctx context.Context) {
	leaderID, known := p.gossip.GetLeader()

	if !known {
		p.mu.Lock()
		ready := !p.inElection && !p.bootstrapMode && time.Now().After(p.backoffUntil)
		p.mu.Unlock()
		if ready {
			b := ballot.NextStartElectionBallot(p.nodeID)
			go p.startElection(ctx, b, false)
		}
		return
	}

	if leaderID == p.nodeID {
		p.gossip.UpdateLocalMetadata(func(self *gossip.NodeInfo) {
			self.LastHeartbeat = time.Now()
			self.IsLeader = true
		})
		return
	}

	info, ok := p.gossip.GetNodeInfo(leaderID)
	if !ok || info.LastHeartbeat.IsZero() {
		return
	}
	if time.Since(info.LastHeartbeat) > p.cfg.LeaderTimeout {
		p.mu.Lock()
		jitter := time.Duration(rand.Int63n(int64(p.cfg.BaseBackoff)))
		p.backoffUntil = time.Now().Add(p.cfg.BaseBackoff + jitter)
		ready := !p.inElection
		p.mu.Unlock()
		if ready {
			b := ballot.NextStartElectionBallot(p.nodeID)
			go p.startElection(ctx, b, false)
		}
	}
}

// RunHeartbeatEmitter implements _leader_heartbeat: while this proposer is
// the leader, refresh its own gossip metadata and directly POST /heartbeat
// to every other proposer on each tick.
func (p *Proposer) RunHeartbeatEmitter(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval
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
			leaderID, known := p.gossip.GetLeader()
			if !known || leaderID != p.nodeID {
				continue
			}
			p.gossip.UpdateLocalMetadata(func(self *gossip.NodeInfo) {
				self.LastHeartbeat = time.Now()
			})
			p.broadcastHeartbeat(ctx)
		}
	}
}

func (p *Proposer) broadcastHeartbeat(ctx context.Context) {
	peers := p.gossip.GetNodesByRole("proposer")
	body := HeartbeatRequest{LeaderID: p.nodeID}
	for _, peer := range peers {
		if peer.ID == p.nodeID {
			continue
		}
		url := fmt.Sprintf("http://%s:%d/heartbeat", peer.Address, peer.Port)
		if _, err := p.transport.PostJSON(ctx, url, body, nil, transport.DefaultPeerPolicy); err != nil {
			p.logger.Log("msg", "heartbeat broadcast failed", "peer", peer.ID, "err", err)
		}
	}
}

func (p *Proposer) handleHeartbeatHTTP(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !httpserver.DecodeJSON(w, r, &req) {
		return
	}
	p.gossip.RecordHeartbeat(req.LeaderID)
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (p *Proposer) handleProposeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if !httpserver.DecodeJSON(w, r, &req) {
		return
	}
	if req.Value == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, ProposeResponse{Status: "error", Error: string(ErrClientInput)})
		return
	}

	resp, kind := p.HandlePropose(r.Context(), req.Value, req.ClientID)
	status := http.StatusOK
	switch kind {
	case ErrNotLeader:
		status = http.StatusForbidden
	case ErrBusy:
		status = http.StatusTooManyRequests
	case ErrNoQuorumAvailable:
		status = http.StatusServiceUnavailable
	}
	httpserver.WriteJSON(w, status, resp)
}

// HandlePropose implements _handle_propose's client-value path: can_propose
// in the original is "is_leader or self.bootstrap_mode or current_leader is
// None" — this node runs the round itself whenever it is the known leader,
// or no leader is known yet, or it is still in bootstrap; only a known,
// other-node leader outside bootstrap gets redirected with a 403. A
// proposal already in flight (waiting_for_accept) reports Busy, matching
// the single-flight guard spec §4.3 describes — this is what keeps
// concurrent /propose calls from racing two rounds onto the same proposer
// at once.
func (p *Proposer) HandlePropose(ctx context.Context, value string, clientID int) (ProposeResponse, ErrorKind) {
	leaderID, known := p.gossip.GetLeader()
	p.mu.Lock()
	bootstrap := p.bootstrapMode
	p.mu.Unlock()

	canPropose := !known || leaderID == p.nodeID || bootstrap
	if !canPropose {
		return ProposeResponse{Status: "error", Error: string(ErrNotLeader), CurrentLeader: leaderID}, ErrNotLeader
	}

	p.mu.Lock()
	if p.waitingForAccept {
		p.mu.Unlock()
		return ProposeResponse{Status: "error", Error: string(ErrBusy)}, ErrBusy
	}
	p.waitingForAccept = true
	p.proposalCounter++
	b := ballot.NextClientBallot(p.proposalCounter, p.nodeID)
	p.mu.Unlock()

	clearFlag := func() {
		p.mu.Lock()
		p.waitingForAccept = false
		p.mu.Unlock()
	}

	if p.metrics != nil {
		p.metrics.ProposalsTotal.WithLabelValues("started").Inc()
	}

	roundCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	promises, accepted := p.sendPrepareToAll(roundCtx, b, value, false)
	acceptors := p.gossip.GetNodesByRole("acceptor")
	quorum := len(acceptors)/2 + 1

	if promises < quorum {
		clearFlag()
		if p.metrics != nil {
			p.metrics.ProposalsTotal.WithLabelValues("no_quorum").Inc()
		}
		return ProposeResponse{Status: "error", Error: string(ErrNoQuorumAvailable)}, ErrNoQuorumAvailable
	}

	_ = accepted // preserved bug: the proposer always proposes its own
	// client value rather than adopting the highest (ballot, value) seen
	// among promises, even though doing so can violate Paxos safety.

	acceptCount := p.sendAcceptToAll(roundCtx, b, value, clientID, false)
	clearFlag()
	if acceptCount < quorum {
		if p.metrics != nil {
			p.metrics.ProposalsTotal.WithLabelValues("no_quorum").Inc()
		}
		return ProposeResponse{Status: "error", Error: string(ErrNoQuorumAvailable)}, ErrNoQuorumAvailable
	}

	if p.metrics != nil {
		p.metrics.ProposalsTotal.WithLabelValues("committed").Inc()
	}
	return ProposeResponse{Status: "proposal received", ProposalNumber: b}, ErrNone
}

// startElection implements _start_election: propose "leader:<id>" as the
// value, racing the whole round against ElectionTimeout, and on success
// adopt self as leader via gossip.
func (p *Proposer) startElection(ctx context.Context, b int64, bootstrap bool) {
	p.mu.Lock()
	if p.inElection {
		p.mu.Unlock()
		return
	}
	p.inElection = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inElection = false
		p.mu.Unlock()
	}()

	roundCtx, cancel := context.WithTimeout(ctx, p.cfg.ElectionTimeout)
	defer cancel()

	value := fmt.Sprintf("leader:%d", p.nodeID)
	promises, _ := p.sendPrepareToAll(roundCtx, b, value, true)
	acceptors := p.gossip.GetNodesByRole("acceptor")
	quorum := len(acceptors)/2 + 1

	if promises < quorum {
		p.mu.Lock()
		jitter := time.Duration(rand.Int63n(int64(p.cfg.BaseBackoff) + 1))
		backoffDur := p.cfg.BaseBackoff + jitter
		if backoffDur > p.cfg.MaxBackoff {
			backoffDur = p.cfg.MaxBackoff
		}
		p.backoffUntil = time.Now().Add(backoffDur)
		p.mu.Unlock()
		return
	}

	acceptCount := p.sendAcceptToAll(roundCtx, b, value, 0, true)
	if acceptCount < quorum {
		return
	}

	p.gossip.SetLeader(p.nodeID)
	if p.metrics != nil {
		p.metrics.LeaderElectionsTotal.Inc()
	}
	p.logger.Log("msg", "elected self as leader", "ballot", b, "bootstrap", bootstrap)
}

type prepareTally struct {
	ballot int64
	value  string
}

// sendPrepareToAll fans a /prepare call out to every known acceptor
// concurrently, with up to 3 attempts per acceptor, and returns the promise
// count along with (ignored by callers, per the preserved bug) the highest
// (ballot, value) seen among accepted promises.
func (p *Proposer) sendPrepareToAll(ctx context.Context, b int64, value string, isElection bool) (int, prepareTally) {
	acceptors := p.gossip.GetNodesByRole("acceptor")
	type result struct {
		resp PrepareResponse
		err  error
	}
	results := make(chan result, len(acceptors))

	req := PrepareRequest{ProposalNumber: b, IsLeaderElection: isElection, ProposerID: p.nodeID}
	for _, acc := range acceptors {
		acc := acc
		go func() {
			url := fmt.Sprintf("http://%s:%d/prepare", acc.Address, acc.Port)
			var resp PrepareResponse
			_, err := p.transport.PostJSON(ctx, url, req, &resp, transport.DefaultPeerPolicy)
			results <- result{resp: resp, err: err}
		}()
	}

	promises := 0
	var best prepareTally
	for i := 0; i < len(acceptors); i++ {
		select {
		case <-ctx.Done():
			return promises, best
		case r := <-results:
			if r.err != nil {
				if p.metrics != nil {
					p.metrics.PeerCallFailures.WithLabelValues("prepare").Inc()
				}
				continue
			}
			if r.resp.Promised {
				promises++
				if r.resp.AcceptedBallot > best.ballot {
					best = prepareTally{ballot: r.resp.AcceptedBallot, value: r.resp.AcceptedValue}
				}
			}
		}
	}
	return promises, best
}

// sendAcceptToAll fans a /accept call out to every known acceptor
// concurrently, with up to 3 attempts per acceptor, and returns how many
// accepted. clientID is threaded through to the acceptor (and on to the
// learner's /learn) so the learner can notify the originating client
// directly instead of broadcasting; 0 means no client is attached (election
// rounds, or a client that didn't identify itself).
func (p *Proposer) sendAcceptToAll(ctx context.Context, b int64, value string, clientID int, isElection bool) int {
	acceptors := p.gossip.GetNodesByRole("acceptor")
	type result struct {
		resp AcceptResponse
		err  error
	}
	results := make(chan result, len(acceptors))

	req := AcceptRequest{ProposalNumber: b, Value: value, IsLeaderElection: isElection, ProposerID: p.nodeID, ClientID: clientID}
	for _, acc := range acceptors {
		acc := acc
		go func() {
			url := fmt.Sprintf("http://%s:%d/accept", acc.Address, acc.Port)
			var resp AcceptResponse
			_, err := p.transport.PostJSON(ctx, url, req, &resp, transport.DefaultPeerPolicy)
			results <- result{resp: resp, err: err}
		}()
	}

	accepted := 0
	for i := 0; i < len(acceptors); i++ {
		select {
		case <-ctx.Done():
			return accepted
		case r := <-results:
			if r.err != nil {
				if p.metrics != nil {
					p.metrics.PeerCallFailures.WithLabelValues("accept").Inc()
				}
				continue
			}
			if r.resp.Accepted {
				accepted++
			}
		}
	}
	return accepted
}

// ViewLogs returns a snapshot of this proposer's state for GET /view-logs.
func (p *Proposer) ViewLogs() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	leaderID, known := p.gossip.GetLeader()
	return map[string]interface{}{
		"node_id":            p.nodeID,
		"proposal_counter":   p.proposalCounter,
		"in_election":        p.inElection,
		"waiting_for_accept": p.waitingForAccept,
		"bootstrap_mode":     p.bootstrapMode,
		"bootstrap_attempts": p.bootstrapAttempts,
		"known_leader":       leaderID,
		"leader_known":       known,
	}
}
