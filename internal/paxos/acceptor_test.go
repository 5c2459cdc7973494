package paxos

import (
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"

	"github.com/mathdee/paxos-cluster/internal/gossip"
)

func newTestAcceptor(id int) *Acceptor {
	g := gossip.NewAgent(gossip.Config{SelfID: id, SelfRole: "acceptor"}, nil, log.NewNopLogger(), nil)
	return NewAcceptor(id, g, log.NewNopLogger(), nil, time.Second)
}

func TestHandlePrepareGrantsHigherBallot(t *testing.T) {
	a := newTestAcceptor(1)

	resp := a.HandlePrepare(PrepareRequest{ProposalNumber: 100})
	assert.True(t, resp.Promised)
}

func TestHandlePrepareRejectsLowerBallot(t *testing.T) {
	a := newTestAcceptor(1)
	a.HandlePrepare(PrepareRequest{ProposalNumber: 200})

	resp := a.HandlePrepare(PrepareRequest{ProposalNumber: 100})
	assert.False(t, resp.Promised)
}

func TestHandlePrepareBootstrapConcessionWhenNoLeaderKnown(t *testing.T) {
	a := newTestAcceptor(1)
	a.HandlePrepare(PrepareRequest{ProposalNumber: 200})

	resp := a.HandlePrepare(PrepareRequest{ProposalNumber: 100, IsLeaderElection: true})
	assert.True(t, resp.Promised, "bootstrap concession should grant a lower ballot when no leader is known")
}

func TestHandlePrepareNoConcessionWhenLeaderKnown(t *testing.T) {
	a := newTestAcceptor(1)
	a.gossip.SetLeader(9)
	a.HandlePrepare(PrepareRequest{ProposalNumber: 200})

	resp := a.HandlePrepare(PrepareRequest{ProposalNumber: 100, IsLeaderElection: true})
	assert.False(t, resp.Promised)
}

func TestHandlePrepareReturnsPreviouslyAcceptedValue(t *testing.T) {
	a := newTestAcceptor(1)
	a.HandleAccept(AcceptRequest{ProposalNumber: 50, Value: "hello"})

	resp := a.HandlePrepare(PrepareRequest{ProposalNumber: 100})
	assert.True(t, resp.Promised)
	assert.Equal(t, int64(50), resp.AcceptedBallot)
	assert.Equal(t, "hello", resp.AcceptedValue)
}

func TestHandleAcceptAllowsEqualToHighestPromised(t *testing.T) {
	a := newTestAcceptor(1)
	a.HandlePrepare(PrepareRequest{ProposalNumber: 100})

	resp := a.HandleAccept(AcceptRequest{ProposalNumber: 100, Value: "v"})
	assert.True(t, resp.Accepted)
}

func TestHandleAcceptRejectsBelowHighestPromised(t *testing.T) {
	a := newTestAcceptor(1)
	a.HandlePrepare(PrepareRequest{ProposalNumber: 200})

	resp := a.HandleAccept(AcceptRequest{ProposalNumber: 100, Value: "v"})
	assert.False(t, resp.Accepted)
}

func TestHandleAcceptAdoptsLeaderValue(t *testing.T) {
	a := newTestAcceptor(1)
	resp := a.HandleAccept(AcceptRequest{ProposalNumber: 100, Value: "leader:7", IsLeaderElection: true})

	assert.True(t, resp.Accepted)
	leaderID, known := a.gossip.GetLeader()
	assert.True(t, known)
	assert.Equal(t, 7, leaderID)
}
