package gossip

import (
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(selfID int) *Agent {
	cfg := Config{
		SelfID:   selfID,
		SelfRole: "proposer",
		SelfAddr: "node",
		SelfPort: 3000 + selfID,
		Fanout:   3,
	}
	return NewAgent(cfg, nil, log.NewNopLogger(), nil)
}

func TestHandleGossipAddsUnknownNode(t *testing.T) {
	a := newTestAgent(1)

	resp := a.HandleGossip(gossipPushRequest{
		SenderID: 2,
		Nodes: map[string]*NodeInfo{
			"2": {ID: 2, Role: "acceptor", Address: "node2", Port: 4002, Version: 1, LastSeen: time.Now()},
		},
	})

	assert.Equal(t, 1, resp.Updates)
	assert.True(t, a.NodeExists(2))
}

func TestHandleGossipHigherVersionWins(t *testing.T) {
	a := newTestAgent(1)
	a.nodes[2] = &NodeInfo{ID: 2, Role: "acceptor", Address: "old", Port: 1, Version: 1, LastSeen: time.Now()}

	a.HandleGossip(gossipPushRequest{
		SenderID: 3,
		Nodes: map[string]*NodeInfo{
			"2": {ID: 2, Role: "acceptor", Address: "new", Port: 2, Version: 5, LastSeen: time.Now()},
		},
	})

	info, ok := a.GetNodeInfo(2)
	require.True(t, ok)
	assert.Equal(t, "new", info.Address)
	assert.Equal(t, int64(5), info.Version)
}

func TestHandleGossipLowerVersionOnlyAdvancesLastSeen(t *testing.T) {
	a := newTestAgent(1)
	old := time.Now().Add(-time.Minute)
	a.nodes[2] = &NodeInfo{ID: 2, Role: "acceptor", Address: "keep", Port: 1, Version: 9, LastSeen: old}

	newer := time.Now()
	a.HandleGossip(gossipPushRequest{
		SenderID: 3,
		Nodes: map[string]*NodeInfo{
			"2": {ID: 2, Role: "acceptor", Address: "discard", Port: 2, Version: 1, LastSeen: newer},
		},
	})

	info, ok := a.GetNodeInfo(2)
	require.True(t, ok)
	assert.Equal(t, "keep", info.Address)
	assert.WithinDuration(t, newer, info.LastSeen, time.Second)
}

func TestRemoveInactiveNodesEvictsStaleLeader(t *testing.T) {
	a := newTestAgent(1)
	a.cfg.NodeTimeout = 10 * time.Millisecond
	a.nodes[2] = &NodeInfo{ID: 2, Role: "proposer", Address: "x", Port: 1, LastSeen: time.Now().Add(-time.Hour)}
	a.SetLeader(2)

	time.Sleep(20 * time.Millisecond)
	a.removeInactiveNodes()

	assert.False(t, a.NodeExists(2))
	_, known := a.GetLeader()
	assert.False(t, known)
}

func TestDNSRewriteIsOptedIn(t *testing.T) {
	a := newTestAgent(1)
	assert.Equal(t, "acceptor-0", a.rewriteAddress("acceptor-0"))

	a.cfg.DNSRewrite = true
	a.cfg.Namespace = "paxos"
	assert.Equal(t, "acceptor-0.paxos.svc.cluster.local", a.rewriteAddress("acceptor-0"))
}
