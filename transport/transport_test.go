package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/pbft-core/message"
)

func TestLoopbackBroadcastReachesEveryOtherNode(t *testing.T) {
	net := NewLoopback()

	received := make(chan message.ConsensusMessage, 4)
	self0 := net.Register(0, func(err error, from message.NodeIndex, msg message.ConsensusMessage) {}, nil)
	net.Register(1, func(err error, from message.NodeIndex, msg message.ConsensusMessage) { received <- msg }, nil)
	net.Register(2, func(err error, from message.NodeIndex, msg message.ConsensusMessage) { received <- msg }, nil)

	require.NoError(t, self0.Broadcast(&message.Prepare{Header: message.Header{Index: 1}}))

	timeout := time.After(time.Second)
	count := 0
	for count < 2 {
		select {
		case <-received:
			count++
		case <-timeout:
			t.Fatal("broadcast did not reach all peers in time")
		}
	}
}

func TestLoopbackSendToUnknownNodeErrors(t *testing.T) {
	net := NewLoopback()
	tr := net.Register(0, func(error, message.NodeIndex, message.ConsensusMessage) {}, nil)

	err := tr.SendTo(9, &message.Prepare{})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestLoopbackSendRequestRoundTrips(t *testing.T) {
	net := NewLoopback()
	net.Register(1, func(error, message.NodeIndex, message.ConsensusMessage) {}, func(ctx context.Context, from message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error) {
		r := req.(*message.PreparedProposalRequest)
		return &message.PreparedProposalResponse{Found: true, Proposal: message.Proposal{Index: r.Index}}, nil
	})
	tr := net.Register(0, func(error, message.NodeIndex, message.ConsensusMessage) {}, nil)

	resp, err := tr.SendRequest(context.Background(), 1, &message.PreparedProposalRequest{Index: 5})
	require.NoError(t, err)
	ppr := resp.(*message.PreparedProposalResponse)
	assert.True(t, ppr.Found)
	assert.EqualValues(t, 5, ppr.Proposal.Index)
}

func TestLoopbackSendRequestToNonServingNode(t *testing.T) {
	net := NewLoopback()
	net.Register(1, func(error, message.NodeIndex, message.ConsensusMessage) {}, nil)
	tr := net.Register(0, func(error, message.NodeIndex, message.ConsensusMessage) {}, nil)

	_, err := tr.SendRequest(context.Background(), 1, &message.PreparedProposalRequest{Index: 5})
	assert.Error(t, err)
}
