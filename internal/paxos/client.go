// Client is the cluster-facing entrypoint: it submits values to whichever
// proposer it currently believes is leader, retries once against a
// redirect hint on NotLeader, and exposes the notifications learners push
// back to it. Grounded functionally on original_source/nodes/client_node.py.
package paxos

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/mathdee/paxos-cluster/internal/gossip"
	"github.com/mathdee/paxos-cluster/internal/httpserver"
	"github.com/mathdee/paxos-cluster/internal/metrics"
	"github.com/mathdee/paxos-cluster/internal/transport"
)

// Notification is one value a learner has pushed to this client via
// POST /notify. LearnerID/ProposalNumber/LearnedAt come from the learner;
// ReceivedAt is stamped locally on arrival, matching _handle_notify.
type Notification struct {
	LearnerID      int       `json:"learner_id,omitempty"`
	ProposalNumber int64     `json:"proposal_number,omitempty"`
	Value          string    `json:"value"`
	LearnedAt      time.Time `json:"learned_at,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Client holds the responses this client node has collected.
type Client struct {
	mu        sync.Mutex
	nodeID    int
	responses []Notification

	gossip    *gossip.Agent
	transport *transport.Client
	logger    log.Logger
	metrics   *metrics.Registry
}

// NewClient builds a client node.
func NewClient(nodeID int, g *gossip.Agent, logger log.Logger, metricsReg *metrics.Registry) *Client {
	return &Client{
		nodeID:    nodeID,
		gossip:    g,
		transport: transport.New(5 * time.Second),
		logger:    logger,
		metrics:   metricsReg,
	}
}

// Register wires /send, /notify, /read and /get-responses onto the router.
func (c *Client) Register(handle func(path string, h http.HandlerFunc, methods ...string)) {
	handle("/send", c.handleSendHTTP, http.MethodPost)
	handle("/notify", c.handleNotifyHTTP, http.MethodPost)
	handle("/read", c.handleReadHTTP, http.MethodGet)
	handle("/get-responses", c.handleGetResponsesHTTP, http.MethodGet)
}

type sendRequest struct {
	Value    string `json:"value"`
	ClientID int    `json:"client_id,omitempty"`
}

func (c *Client) handleSendHTTP(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httpserver.DecodeJSON(w, r, &req) {
		return
	}
	if req.Value == "" {
		httpserver.WriteError(w, http.StatusBadRequest, string(ErrClientInput))
		return
	}

	resp, target, status, err := c.HandleSend(r.Context(), req.Value)
	if err != nil {
		httpserver.WriteError(w, status, err.Error())
		return
	}
	if status != http.StatusOK {
		httpserver.WriteJSON(w, status, resp)
		return
	}
	httpserver.WriteJSON(w, status, map[string]interface{}{
		"status":      "value sent",
		"proposer_id": target,
	})
}

// HandleSend implements _handle_send: propose to the leader-known proposer
// if one is known, otherwise a random proposer, and retry once against the
// hinted current_leader on a NotLeader response, matching the original's
// single-retry redirect logic. The returned int is the id of the proposer
// the value was ultimately sent to (or last attempted), for the HTTP
// handler's proposer_id field.
func (c *Client) HandleSend(ctx context.Context, value string) (ProposeResponse, int, int, error) {
	proposers := c.gossip.GetNodesByRole("proposer")
	if len(proposers) == 0 {
		return ProposeResponse{}, 0, http.StatusServiceUnavailable, fmt.Errorf("no known proposers")
	}

	var target gossip.NodeInfo
	if leaderID, known := c.gossip.GetLeader(); known {
		for _, p := range proposers {
			if p.ID == leaderID {
				target = p
				break
			}
		}
	}
	if target.Address == "" {
		target = proposers[rand.Intn(len(proposers))]
	}

	resp, status, err := c.proposeTo(ctx, target, value)
	if err != nil {
		return resp, target.ID, status, err
	}
	if status == http.StatusForbidden && resp.CurrentLeader != 0 {
		for _, p := range proposers {
			if p.ID == resp.CurrentLeader {
				resp, status, err = c.proposeTo(ctx, p, value)
				return resp, p.ID, status, err
			}
		}
	}
	return resp, target.ID, status, nil
}

// proposeTo sends a single, non-retried /propose call: the response status
// itself (200/403/429/503) is the meaningful outcome here, so retrying it
// as a transient failure would mask the NotLeader/Busy/NoQuorumAvailable
// signal the proposer is returning on purpose.
func (c *Client) proposeTo(ctx context.Context, target gossip.NodeInfo, value string) (ProposeResponse, int, error) {
	url := fmt.Sprintf("http://%s:%d/propose", target.Address, target.Port)
	var resp ProposeResponse
	status, err := c.transport.PostJSONOnce(ctx, url, sendRequest{Value: value, ClientID: c.nodeID}, &resp)
	if err != nil {
		if c.metrics != nil {
			c.metrics.PeerCallFailures.WithLabelValues("propose").Inc()
		}
		return resp, http.StatusServiceUnavailable, err
	}
	return resp, status, nil
}

func (c *Client) handleNotifyHTTP(w http.ResponseWriter, r *http.Request) {
	var n Notification
	if !httpserver.DecodeJSON(w, r, &n) {
		return
	}
	c.HandleNotify(n)
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleNotify implements _handle_notify: append the learner-pushed value
// to this client's response log, stamping received_at with the local arrival
// time.
func (c *Client) HandleNotify(n Notification) {
	n.ReceivedAt = time.Now()
	c.mu.Lock()
	c.responses = append(c.responses, n)
	c.mu.Unlock()
}

func (c *Client) handleReadHTTP(w http.ResponseWriter, r *http.Request) {
	values, err := c.HandleRead(r.Context())
	if err != nil {
		httpserver.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]interface{}{"values": values})
}

// HandleRead implements _handle_read: GET a random learner's /get-values.
func (c *Client) HandleRead(ctx context.Context) ([]LearnedValue, error) {
	learners := c.gossip.GetNodesByRole("learner")
	if len(learners) == 0 {
		return nil, fmt.Errorf("no known learners")
	}
	target := learners[rand.Intn(len(learners))]
	url := fmt.Sprintf("http://%s:%d/get-values", target.Address, target.Port)

	var wire struct {
		Values []LearnedValue `json:"values"`
	}
	if _, err := c.transport.GetJSON(ctx, url, &wire); err != nil {
		return nil, err
	}
	return wire.Values, nil
}

func (c *Client) handleGetResponsesHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]interface{}{"responses": c.GetResponses()})
}

// GetResponses returns every notification this client has collected so
// far, matching /get-responses.
func (c *Client) GetResponses() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.responses))
	copy(out, c.responses)
	return out
}

// ViewLogs returns a snapshot of this client's state for GET /view-logs.
func (c *Client) ViewLogs() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"node_id":   c.nodeID,
		"responses": c.responses,
	}
}
