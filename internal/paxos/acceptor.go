// Package paxos implements the four Paxos-cluster roles. Acceptor carries
// the per-ballot promise/accept state, generalizing the mutex-guarded
// map access of the teacher's internal/store package (internal/store/store.go)
// from an arbitrary key-value map into the fixed (highest_promised,
// accepted_ballot, accepted_value) triple a single-decree acceptor keeps.
// Grounded functionally on original_source/nodes/acceptor_node.py.
package paxos

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/mathdee/paxos-cluster/internal/gossip"
	"github.com/mathdee/paxos-cluster/internal/httpserver"
	"github.com/mathdee/paxos-cluster/internal/metrics"
	"github.com/mathdee/paxos-cluster/internal/transport"
)

// PrepareRequest is the body of POST /prepare.
type PrepareRequest struct {
	ProposalNumber  int64 `json:"proposal_number"`
	IsLeaderElection bool `json:"is_leader_election"`
	ProposerID      int   `json:"proposer_id"`
}

// PrepareResponse is the body returned from /prepare.
type PrepareResponse struct {
	Promised        bool   `json:"promised"`
	AcceptedBallot  int64  `json:"accepted_proposal_number,omitempty"`
	AcceptedValue   string `json:"accepted_value,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// AcceptRequest is the body of POST /accept.
type AcceptRequest struct {
	ProposalNumber   int64  `json:"proposal_number"`
	Value            string `json:"value"`
	IsLeaderElection bool   `json:"is_leader_election"`
	ProposerID       int    `json:"proposer_id"`
	ClientID         int    `json:"client_id,omitempty"`
}

// AcceptResponse is the body returned from /accept.
type AcceptResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Acceptor holds one acceptor's promise/accept state. Its mutex+field shape
// mirrors store.Store's RWMutex-guarded map, narrowed to the fixed triple a
// single-decree acceptor needs instead of an arbitrary key space.
type Acceptor struct {
	mu sync.Mutex

	highestPromised int64
	acceptedBallot  int64
	acceptedValue   string
	hasAccepted     bool

	nodeID    int
	gossip    *gossip.Agent
	transport *transport.Client
	logger    log.Logger
	metrics   *metrics.Registry

	leaderTimeout time.Duration
}

// NewAcceptor builds an acceptor for the given node id.
func NewAcceptor(nodeID int, g *gossip.Agent, logger log.Logger, metricsReg *metrics.Registry, leaderTimeout time.Duration) *Acceptor {
	return &Acceptor{
		nodeID:        nodeID,
		gossip:        g,
		transport:     transport.New(2 * time.Second),
		logger:        logger,
		metrics:       metricsReg,
		leaderTimeout: leaderTimeout,
	}
}

// Register wires /prepare and /accept onto a gorilla/mux router (kept as a
// plain *mux.Router parameter in cmd/paxnode rather than here, to avoid an
// import cycle between paxos and the router package during construction).
func (a *Acceptor) Register(handle func(path string, h http.HandlerFunc, methods ...string)) {
	handle("/prepare", a.handlePrepareHTTP, http.MethodPost)
	handle("/accept", a.handleAcceptHTTP, http.MethodPost)
}

// RunLeaderLivenessWatcher clears gossip's known leader once its heartbeat
// goes stale, matching _check_leader_status's poll-every-2s loop.
func (a *Acceptor) RunLeaderLivenessWatcher(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leaderID, ok := a.gossip.GetLeader()
			if !ok {
				continue
			}
			info, ok := a.gossip.GetNodeInfo(leaderID)
			if !ok {
				continue
			}
			if info.LastHeartbeat.IsZero() {
				continue
			}
			if time.Since(info.LastHeartbeat) > a.leaderTimeout {
				a.logger.Log("msg", "leader heartbeat stale, clearing", "leader_id", leaderID)
				a.gossip.ClearLeader()
			}
		}
	}
}

func (a *Acceptor) handlePrepareHTTP(w http.ResponseWriter, r *http.Request) {
	var req PrepareRequest
	if !httpserver.DecodeJSON(w, r, &req) {
		return
	}
	resp := a.HandlePrepare(req)
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// HandlePrepare implements _handle_prepare: promise when the incoming
// ballot strictly exceeds the highest one promised so far; otherwise, if
// this is a leader-election round and no leader is currently known, grant a
// bootstrap concession anyway so a cold cluster can still elect a leader —
// preserved literally even though it can leak a previously accepted value
// across elections, per the known-bug note this behavior is grounded on.
func (a *Acceptor) HandlePrepare(req PrepareRequest) PrepareResponse {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.ProposalNumber > a.highestPromised {
		a.highestPromised = req.ProposalNumber
		resp := PrepareResponse{Promised: true}
		if a.hasAccepted {
			resp.AcceptedBallot = a.acceptedBallot
			resp.AcceptedValue = a.acceptedValue
		}
		return resp
	}

	if req.IsLeaderElection {
		if _, known := a.gossip.GetLeader(); !known {
			a.highestPromised = req.ProposalNumber
			resp := PrepareResponse{Promised: true}
			if a.hasAccepted {
				resp.AcceptedBallot = a.acceptedBallot
				resp.AcceptedValue = a.acceptedValue
			}
			return resp
		}
	}

	return PrepareResponse{Promised: false, Reason: "higher proposal number already promised"}
}

func (a *Acceptor) handleAcceptHTTP(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if !httpserver.DecodeJSON(w, r, &req) {
		return
	}
	resp := a.HandleAccept(req)
	status := http.StatusOK
	if !resp.Accepted {
		status = http.StatusConflict
	}
	httpserver.WriteJSON(w, status, resp)
}

// HandleAccept implements _handle_accept: accept whenever the ballot is at
// least the highest promised (note the non-strict >=, matching the original
// exactly), record it as the accepted (ballot, value) pair, adopt a leader
// value into gossip when this is an election round, and fan the acceptance
// out to learners asynchronously.
func (a *Acceptor) HandleAccept(req AcceptRequest) AcceptResponse {
	a.mu.Lock()
	if req.ProposalNumber < a.highestPromised {
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.AcceptsTotal.WithLabelValues("rejected").Inc()
		}
		return AcceptResponse{Accepted: false, Reason: "higher proposal number already promised"}
	}

	a.highestPromised = req.ProposalNumber
	a.acceptedBallot = req.ProposalNumber
	a.acceptedValue = req.Value
	a.hasAccepted = true
	a.mu.Unlock()

	a.gossip.UpdateLocalMetadata(func(self *gossip.NodeInfo) {
		self.AcceptedProposalNumber = req.ProposalNumber
		self.AcceptedValue = req.Value
	})

	if a.metrics != nil {
		a.metrics.AcceptsTotal.WithLabelValues("accepted").Inc()
	}

	if req.IsLeaderElection && strings.HasPrefix(req.Value, "leader:") {
		var leaderID int
		if _, err := fmt.Sscanf(req.Value, "leader:%d", &leaderID); err == nil {
			a.gossip.SetLeader(leaderID)
		}
	}

	go a.notifyLearners(req)

	return AcceptResponse{Accepted: true}
}

type learnRequest struct {
	AcceptorID       int    `json:"acceptor_id"`
	ProposalNumber   int64  `json:"proposal_number"`
	Value            string `json:"value"`
	ClientID         int    `json:"client_id,omitempty"`
	IsLeaderElection bool   `json:"is_leader_election"`
}

// notifyLearners fans this accepted value out to every known learner, with
// up to 3 attempts per peer, matching _notify_learners.
func (a *Acceptor) notifyLearners(req AcceptRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	learners := a.gossip.GetNodesByRole("learner")
	body := learnRequest{
		AcceptorID:       a.nodeID,
		ProposalNumber:   req.ProposalNumber,
		Value:            req.Value,
		ClientID:         req.ClientID,
		IsLeaderElection: req.IsLeaderElection,
	}

	for _, l := range learners {
		url := fmt.Sprintf("http://%s:%d/learn", l.Address, l.Port)
		if _, err := a.transport.PostJSON(ctx, url, body, nil, transport.DefaultPeerPolicy); err != nil {
			if a.metrics != nil {
				a.metrics.PeerCallFailures.WithLabelValues("notify_learner").Inc()
			}
			a.logger.Log("msg", "notify learner failed", "learner_id", l.ID, "err", err)
		}
	}
}

// ViewLogs returns a snapshot of this acceptor's state for GET /view-logs.
func (a *Acceptor) ViewLogs() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"node_id":                  a.nodeID,
		"highest_promised_number":  a.highestPromised,
		"accepted_proposal_number": a.acceptedBallot,
		"accepted_value":           a.acceptedValue,
		"has_accepted":             a.hasAccepted,
	}
}
