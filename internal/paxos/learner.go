// Learner tallies acceptor responses per ballot until a quorum agrees on a
// value, then appends it to the shared log and notifies the originating
// client. Its async notify-after-quorum dispatch generalizes the teacher's
// internal/wal package (internal/wal/wal.go): wal.go batches writes behind a
// pendingWrite channel and flushes them to disk; here there is nothing to
// durably flush (spec makes that a Non-goal) so the same fire-and-forget
// background-dispatch shape instead fans a learned value out to a client.
// Grounded functionally on original_source/nodes/learner_node.py.
package paxos

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/go-kit/kit/log"

	"github.com/mathdee/paxos-cluster/internal/gossip"
	"github.com/mathdee/paxos-cluster/internal/httpserver"
	"github.com/mathdee/paxos-cluster/internal/metrics"
	"github.com/mathdee/paxos-cluster/internal/transport"
)

// LearnedValue is one entry of a learner's shared log.
type LearnedValue struct {
	Ballot    int64     `json:"ballot"`
	Value     string    `json:"value"`
	LearnedAt time.Time `json:"learned_at"`
}

// ballotTally records, for one ballot, the value each acceptor reported,
// mirroring acceptor_responses[ballot][acceptor_id] = value in
// the original, except bucketed into a bounded LRU so long-running clusters
// don't accumulate tallies for ballots that never reach quorum, as spec §3
// permits implementations to GC.
type ballotTally struct {
	responses map[int]string
}

// Learner holds one learner's tally and shared log.
type Learner struct {
	mu sync.Mutex

	nodeID     int
	tallies    *lru.Cache[int64, *ballotTally]
	chosen     map[int64]bool
	sharedData []LearnedValue

	gossip    *gossip.Agent
	transport *transport.Client
	logger    log.Logger
	metrics   *metrics.Registry
}

// NewLearner builds a learner that keeps at most maxTalliedBallots
// in-flight ballot tallies at once.
func NewLearner(nodeID int, maxTalliedBallots int, g *gossip.Agent, logger log.Logger, metricsReg *metrics.Registry) *Learner {
	if maxTalliedBallots <= 0 {
		maxTalliedBallots = 1024
	}
	cache, _ := lru.New[int64, *ballotTally](maxTalliedBallots)
	return &Learner{
		nodeID:    nodeID,
		tallies:   cache,
		chosen:    make(map[int64]bool),
		gossip:    g,
		transport: transport.New(5 * time.Second),
		logger:    logger,
		metrics:   metricsReg,
	}
}

// Register wires /learn and /get-values onto the router.
func (l *Learner) Register(handle func(path string, h http.HandlerFunc, methods ...string)) {
	handle("/learn", l.handleLearnHTTP, http.MethodPost)
	handle("/get-values", l.handleGetValuesHTTP, http.MethodGet)
}

func (l *Learner) handleLearnHTTP(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if !httpserver.DecodeJSON(w, r, &req) {
		return
	}
	l.HandleLearn(req)
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLearn implements _handle_learn: record which value this acceptor
// reported for this ballot, and once a strict majority of known acceptors
// agree on the same value for the first time, either adopt it as cluster
// leader (election round) or append it to the shared log and notify the
// originating client (ordinary round).
func (l *Learner) HandleLearn(req learnRequest) {
	acceptors := l.gossip.GetNodesByRole("acceptor")
	quorum := len(acceptors)/2 + 1
	if l.metrics != nil {
		l.metrics.QuorumSize.Set(float64(quorum))
	}

	l.mu.Lock()
	tally, ok := l.tallies.Get(req.ProposalNumber)
	if !ok {
		tally = &ballotTally{responses: make(map[int]string)}
		l.tallies.Add(req.ProposalNumber, tally)
	}
	tally.responses[req.AcceptorID] = req.Value

	matching := 0
	for _, v := range tally.responses {
		if v == req.Value {
			matching++
		}
	}

	alreadyChosen := l.chosen[req.ProposalNumber]
	reachedQuorum := matching >= quorum && !alreadyChosen
	if reachedQuorum {
		l.chosen[req.ProposalNumber] = true
	}
	l.mu.Unlock()

	if !reachedQuorum {
		if l.metrics != nil {
			l.metrics.LearnsTotal.WithLabelValues("tallied").Inc()
		}
		return
	}

	if req.IsLeaderElection && strings.HasPrefix(req.Value, "leader:") {
		var leaderID int
		if _, err := fmt.Sscanf(req.Value, "leader:%d", &leaderID); err == nil {
			l.gossip.SetLeader(leaderID)
		}
		if l.metrics != nil {
			l.metrics.LearnsTotal.WithLabelValues("leader_chosen").Inc()
		}
		return
	}

	l.mu.Lock()
	entry := LearnedValue{Ballot: req.ProposalNumber, Value: req.Value, LearnedAt: time.Now()}
	l.sharedData = append(l.sharedData, entry)
	logLen := len(l.sharedData)
	l.mu.Unlock()

	l.gossip.UpdateLocalMetadata(func(self *gossip.NodeInfo) {
		self.LastLearnedProposal = req.ProposalNumber
		self.LastLearnedValue = req.Value
		self.LearnedValuesCount = logLen
	})

	if l.metrics != nil {
		l.metrics.LearnsTotal.WithLabelValues("value_chosen").Inc()
		l.metrics.SharedLogLength.Set(float64(logLen))
	}

	go l.notifyClient(req.ClientID, req.ProposalNumber, req.Value)
}

type notifyRequest struct {
	LearnerID      int       `json:"learner_id"`
	ProposalNumber int64     `json:"proposal_number"`
	Value          string    `json:"value"`
	LearnedAt      time.Time `json:"learned_at"`
}

// notifyClient POSTs /notify to the client that submitted clientID, matching
// _notify_client once the originating client is known; when clientID is 0
// (no client identified itself, e.g. a value proposed without going through
// /send) it falls back to notifying every known client instead.
func (l *Learner) notifyClient(clientID int, proposalNumber int64, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var targets []gossip.NodeInfo
	if clientID != 0 {
		if info, ok := l.gossip.GetNodeInfo(clientID); ok {
			targets = []gossip.NodeInfo{info}
		}
	}
	if len(targets) == 0 {
		targets = l.gossip.GetNodesByRole("client")
	}

	body := notifyRequest{
		LearnerID:      l.nodeID,
		ProposalNumber: proposalNumber,
		Value:          value,
		LearnedAt:      time.Now(),
	}

	for _, c := range targets {
		url := fmt.Sprintf("http://%s:%d/notify", c.Address, c.Port)
		if _, err := l.transport.PostJSON(ctx, url, body, nil, transport.DefaultPeerPolicy); err != nil {
			if l.metrics != nil {
				l.metrics.PeerCallFailures.WithLabelValues("notify_client").Inc()
			}
			l.logger.Log("msg", "notify client failed", "client_id", c.ID, "err", err)
		}
	}
}

func (l *Learner) handleGetValuesHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]interface{}{"values": l.GetValues()})
}

// GetValues returns this learner's shared log. Per spec §9, different
// learners are not guaranteed to return identical logs, since each tallies
// acceptor responses independently and quorum can be reached via different
// acceptor subsets at different times.
func (l *Learner) GetValues() []LearnedValue {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LearnedValue, len(l.sharedData))
	copy(out, l.sharedData)
	return out
}

// ViewLogs returns a snapshot of this learner's state for GET /view-logs.
func (l *Learner) ViewLogs() interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"node_id":     l.nodeID,
		"shared_data": l.sharedData,
		"chosen_ballots": len(l.chosen),
	}
}
