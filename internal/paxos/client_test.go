package paxos

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/paxos-cluster/internal/gossip"
)

func nodeFromServer(t *testing.T, id int, role string, srv *httptest.Server) gossip.NodeInfo {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return gossip.NodeInfo{ID: id, Role: role, Address: host, Port: port}
}

func TestHandleSendRetriesAgainstHintedLeader(t *testing.T) {
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ProposeResponse{Status: "accepted"})
	}))
	defer leader.Close()

	var calls int
	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(ProposeResponse{Status: "error", Error: "not_leader", CurrentLeader: 7})
	}))
	defer follower.Close()

	g := gossip.NewAgent(gossip.Config{SelfID: 1, SelfRole: "client"}, []gossip.NodeInfo{
		nodeFromServer(t, 3, "proposer", follower),
		nodeFromServer(t, 7, "proposer", leader),
	}, log.NewNopLogger(), nil)

	g.SetLeader(3)
	c := NewClient(1, g, log.NewNopLogger(), nil)

	resp, proposerID, status, err := c.HandleSend(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, 7, proposerID)
	assert.Equal(t, 1, calls)
}

func TestHandleReadReturnsLearnerValues(t *testing.T) {
	learner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"values": []LearnedValue{{Ballot: 1, Value: "hello"}},
		})
	}))
	defer learner.Close()

	g := gossip.NewAgent(gossip.Config{SelfID: 1, SelfRole: "client"}, []gossip.NodeInfo{
		nodeFromServer(t, 5, "learner", learner),
	}, log.NewNopLogger(), nil)
	c := NewClient(1, g, log.NewNopLogger(), nil)

	values, err := c.HandleRead(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "hello", values[0].Value)
}

func TestHandleNotifyAppendsResponse(t *testing.T) {
	g := gossip.NewAgent(gossip.Config{SelfID: 1, SelfRole: "client"}, nil, log.NewNopLogger(), nil)
	c := NewClient(1, g, log.NewNopLogger(), nil)

	c.HandleNotify(Notification{Value: "v"})
	assert.Len(t, c.GetResponses(), 1)
}
