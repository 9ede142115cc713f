package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vadiminshakov/pbft-core/message"
)

func fourNodeView(self message.NodeIndex) *NodeView {
	nodes := []NodeInfo{{ID: "n0", Weight: 1}, {ID: "n1", Weight: 1}, {ID: "n2", Weight: 1}, {ID: "n3", Weight: 1}}
	return NewNodeView(self, nodes, 10)
}

func TestMinRequiredQuorumUnweighted(t *testing.T) {
	nv := fourNodeView(0)
	// N=4, f=1 -> 2f+1 = 3
	assert.EqualValues(t, 3, nv.MinRequiredQuorum())
	assert.Equal(t, 1, nv.MaxFaulty())
}

func TestLeaderRotation(t *testing.T) {
	nv := fourNodeView(0)
	assert.EqualValues(t, 1, nv.LeaderIndex(1, 0))
	assert.EqualValues(t, 2, nv.LeaderIndex(1, 1))
	assert.EqualValues(t, 1, nv.LeaderIndex(1, 4))
}

func TestProgressedIndexBeforeAnyCommit(t *testing.T) {
	nv := fourNodeView(0)
	assert.EqualValues(t, 1, nv.ProgressedIndex())
	assert.False(t, nv.HasCommitted())
	assert.EqualValues(t, 11, nv.HighWaterMark())
}

func TestSetCommittedProposalAdvancesProgressedIndex(t *testing.T) {
	nv := fourNodeView(0)
	nv.SetCommittedProposal(message.Proposal{Index: 5, Hash: message.Digest{1}})
	assert.EqualValues(t, 5, nv.CommittedIndex())
	assert.EqualValues(t, 6, nv.ProgressedIndex())
	assert.True(t, nv.HasCommitted())
}

func TestIncToViewIsMonotonic(t *testing.T) {
	nv := fourNodeView(0)
	assert.EqualValues(t, 1, nv.IncToView(1))
	assert.EqualValues(t, 2, nv.IncToView(1))
	assert.EqualValues(t, 2, nv.ToView())
}
