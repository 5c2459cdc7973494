package paxos

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/paxos-cluster/internal/gossip"
)

func startFakeAcceptor(t *testing.T, promise, accept bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/prepare", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PrepareResponse{Promised: promise})
	})
	mux.HandleFunc("/accept", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AcceptResponse{Accepted: accept})
	})
	return httptest.NewServer(mux)
}

func acceptorNodeFromServer(t *testing.T, id int, srv *httptest.Server) gossip.NodeInfo {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return gossip.NodeInfo{ID: id, Role: "acceptor", Address: host, Port: port}
}

func newTestProposer(t *testing.T, id int, acceptors []gossip.NodeInfo) *Proposer {
	t.Helper()
	g := gossip.NewAgent(gossip.Config{SelfID: id, SelfRole: "proposer"}, acceptors, log.NewNopLogger(), nil)
	cfg := ProposerConfig{
		LeaderTimeout:         time.Second,
		HeartbeatInterval:     time.Second,
		ElectionTimeout:       2 * time.Second,
		BaseBackoff:           100 * time.Millisecond,
		MaxBackoff:            time.Second,
		InitialBootstrapDelay: 10 * time.Millisecond,
		MaxBootstrapAttempts:  1,
	}
	return NewProposer(id, cfg, g, log.NewNopLogger(), nil)
}

func TestHandleProposeRunsRoundWithoutLeader(t *testing.T) {
	// can_propose is true when no leader is known at all (even outside
	// bootstrap), matching proposer_node.py's
	// "current_leader is None" disjunct; with no acceptors reachable the
	// round itself fails for lack of quorum rather than being refused
	// up front as Busy.
	p := newTestProposer(t, 1, nil)
	p.mu.Lock()
	p.bootstrapMode = false
	p.mu.Unlock()

	_, kind := p.HandlePropose(context.Background(), "v", 0)
	assert.Equal(t, ErrNoQuorumAvailable, kind)
}

func TestHandleProposeReturnsNotLeaderWhenAnotherNodeLeads(t *testing.T) {
	p := newTestProposer(t, 1, nil)
	p.mu.Lock()
	p.bootstrapMode = false
	p.mu.Unlock()
	p.gossip.SetLeader(2)

	resp, kind := p.HandlePropose(context.Background(), "v", 0)
	assert.Equal(t, ErrNotLeader, kind)
	assert.Equal(t, 2, resp.CurrentLeader)
}

func TestHandleProposeRunsRoundInBootstrapEvenWithOtherLeader(t *testing.T) {
	// bootstrap_mode overrides a known other-node leader: can_propose is
	// true, so the round runs (and fails on quorum here) instead of a 403.
	p := newTestProposer(t, 1, nil)
	p.gossip.SetLeader(2)

	_, kind := p.HandlePropose(context.Background(), "v", 0)
	assert.Equal(t, ErrNoQuorumAvailable, kind)
}

func TestHandleProposeCommitsOnQuorum(t *testing.T) {
	acc1 := startFakeAcceptor(t, true, true)
	defer acc1.Close()
	acc2 := startFakeAcceptor(t, true, true)
	defer acc2.Close()

	acceptors := []gossip.NodeInfo{
		acceptorNodeFromServer(t, 1, acc1),
		acceptorNodeFromServer(t, 2, acc2),
	}

	p := newTestProposer(t, 9, acceptors)
	p.gossip.SetLeader(9)

	resp, kind := p.HandlePropose(context.Background(), "hello", 0)
	require.Equal(t, ErrNone, kind)
	assert.Equal(t, "proposal received", resp.Status)
}

func TestHandleProposeNoQuorumWhenAcceptorsRefuse(t *testing.T) {
	acc1 := startFakeAcceptor(t, false, false)
	defer acc1.Close()
	acc2 := startFakeAcceptor(t, false, false)
	defer acc2.Close()

	acceptors := []gossip.NodeInfo{
		acceptorNodeFromServer(t, 1, acc1),
		acceptorNodeFromServer(t, 2, acc2),
	}

	p := newTestProposer(t, 9, acceptors)
	p.gossip.SetLeader(9)

	_, kind := p.HandlePropose(context.Background(), "hello", 0)
	assert.Equal(t, ErrNoQuorumAvailable, kind)
}
