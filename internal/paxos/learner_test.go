package paxos

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/paxos-cluster/internal/gossip"
)

func TestHandleLearnAppendsOnQuorum(t *testing.T) {
	g := gossip.NewAgent(gossip.Config{SelfID: 1, SelfRole: "learner"}, []gossip.NodeInfo{
		{ID: 10, Role: "acceptor", Address: "a10", Port: 4010},
		{ID: 11, Role: "acceptor", Address: "a11", Port: 4011},
		{ID: 12, Role: "acceptor", Address: "a12", Port: 4012},
	}, log.NewNopLogger(), nil)
	l := NewLearner(1, 128, g, log.NewNopLogger(), nil)

	l.HandleLearn(learnRequest{AcceptorID: 10, ProposalNumber: 500, Value: "hello"})
	assert.Empty(t, l.GetValues())

	l.HandleLearn(learnRequest{AcceptorID: 11, ProposalNumber: 500, Value: "hello"})
	values := l.GetValues()
	require.Len(t, values, 1)
	assert.Equal(t, "hello", values[0].Value)
}

func TestHandleLearnIgnoresRepeatQuorum(t *testing.T) {
	g := gossip.NewAgent(gossip.Config{SelfID: 1, SelfRole: "learner"}, []gossip.NodeInfo{
		{ID: 10, Role: "acceptor", Address: "a10", Port: 4010},
		{ID: 11, Role: "acceptor", Address: "a11", Port: 4011},
	}, log.NewNopLogger(), nil)
	l := NewLearner(1, 128, g, log.NewNopLogger(), nil)

	l.HandleLearn(learnRequest{AcceptorID: 10, ProposalNumber: 500, Value: "hello"})
	l.HandleLearn(learnRequest{AcceptorID: 11, ProposalNumber: 500, Value: "hello"})
	l.HandleLearn(learnRequest{AcceptorID: 10, ProposalNumber: 500, Value: "hello"})

	assert.Len(t, l.GetValues(), 1)
}

func TestHandleLearnElectionDoesNotAppendToLog(t *testing.T) {
	g := gossip.NewAgent(gossip.Config{SelfID: 1, SelfRole: "learner"}, []gossip.NodeInfo{
		{ID: 10, Role: "acceptor", Address: "a10", Port: 4010},
		{ID: 11, Role: "acceptor", Address: "a11", Port: 4011},
	}, log.NewNopLogger(), nil)
	l := NewLearner(1, 128, g, log.NewNopLogger(), nil)

	l.HandleLearn(learnRequest{AcceptorID: 10, ProposalNumber: 500, Value: "leader:3", IsLeaderElection: true})
	l.HandleLearn(learnRequest{AcceptorID: 11, ProposalNumber: 500, Value: "leader:3", IsLeaderElection: true})

	assert.Empty(t, l.GetValues())
	leaderID, known := g.GetLeader()
	assert.True(t, known)
	assert.Equal(t, 3, leaderID)
}
