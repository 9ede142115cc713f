package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/pbft-core/config"
	"github.com/vadiminshakov/pbft-core/message"
)

func mkHash(b byte) message.Digest {
	var d message.Digest
	d[0] = b
	return d
}

func TestCheckAndPreCommitSignalsOnceAtQuorum(t *testing.T) {
	p := New()
	hash := mkHash(1)
	p.AddPrePrepareCache(message.PrePrepare{
		Header:   message.Header{Index: 1, View: 0},
		Proposal: message.Proposal{Index: 1, Hash: hash},
	})
	p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: 0}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 1)
	p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: 1}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 1)

	// below quorum (need 3)
	ready := p.CheckAndPreCommit(3)
	assert.Empty(t, ready)

	p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: 2}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 1)
	ready = p.CheckAndPreCommit(3)
	require.Len(t, ready, 1)
	assert.EqualValues(t, 1, ready[0].Index)

	// repeated calls do not re-signal
	ready = p.CheckAndPreCommit(3)
	assert.Empty(t, ready)

	entry, ok := p.PrecommitEntry(1)
	require.True(t, ok)
	assert.Equal(t, hash, entry.Hash)
}

func TestCheckAndCommitSignalsOnceAtQuorum(t *testing.T) {
	p := New()
	hash := mkHash(2)
	p.AddPrePrepareCache(message.PrePrepare{
		Header:   message.Header{Index: 5, View: 0},
		Proposal: message.Proposal{Index: 5, Hash: hash},
	})
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddCommitReq(message.Commit{Header: message.Header{Index: 5, View: 0, GeneratedFrom: i}, Proposal: message.Proposal{Index: 5, Hash: hash}}, 1)
	}

	ready := p.CheckAndCommit(3)
	require.Len(t, ready, 1)
	assert.EqualValues(t, 5, ready[0].Index)

	ready = p.CheckAndCommit(3)
	assert.Empty(t, ready)
}

func TestDuplicateSenderDoesNotInflateWeight(t *testing.T) {
	p := New()
	hash := mkHash(3)
	p.AddPrePrepareCache(message.PrePrepare{
		Header:   message.Header{Index: 1, View: 0},
		Proposal: message.Proposal{Index: 1, Hash: hash},
	})
	p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: 0}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 2)
	p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: 0}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 2)

	ready := p.CheckAndPreCommit(3)
	assert.Empty(t, ready, "duplicate sender must not count twice toward quorum")
}

func TestConflictWithProcessedReq(t *testing.T) {
	p := New()
	hashA := mkHash(1)
	hashB := mkHash(2)
	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 1, View: 0}, Proposal: message.Proposal{Index: 1, Hash: hashA}})

	assert.False(t, p.ConflictWithProcessedReq(1, 0, hashA))
	assert.True(t, p.ConflictWithProcessedReq(1, 0, hashB))
	assert.False(t, p.ExistPrePrepare(1, 0, hashB))
	assert.True(t, p.ExistPrePrepare(1, 0, hashA))
}

func TestConflictWithPrecommitReq(t *testing.T) {
	p := New()
	hashA := mkHash(1)
	hashB := mkHash(2)
	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 1, View: 2}, Proposal: message.Proposal{Index: 1, Hash: hashA}})
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 2, GeneratedFrom: i}, Proposal: message.Proposal{Index: 1, Hash: hashA}}, 1)
	}
	require.Len(t, p.CheckAndPreCommit(3), 1)

	// candidate at an older-or-equal view with a different hash conflicts
	assert.True(t, p.ConflictWithPrecommitReq(1, 2, hashB))
	assert.True(t, p.ConflictWithPrecommitReq(1, 1, hashB))
	// candidate at a strictly higher view does not conflict (it may supersede)
	assert.False(t, p.ConflictWithPrecommitReq(1, 3, hashB))
	// same hash never conflicts
	assert.False(t, p.ConflictWithPrecommitReq(1, 2, hashA))
}

func TestPrecommitCacheKeepsHighestView(t *testing.T) {
	p := New()
	hashLow := mkHash(1)
	hashHigh := mkHash(2)

	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 1, View: 0}, Proposal: message.Proposal{Index: 1, Hash: hashLow}})
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: i}, Proposal: message.Proposal{Index: 1, Hash: hashLow}}, 1)
	}
	require.Len(t, p.CheckAndPreCommit(3), 1)

	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 1, View: 1}, Proposal: message.Proposal{Index: 1, Hash: hashHigh}})
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 1, GeneratedFrom: i}, Proposal: message.Proposal{Index: 1, Hash: hashHigh}}, 1)
	}
	require.Len(t, p.CheckAndPreCommit(3), 1)

	entry, ok := p.PrecommitEntry(1)
	require.True(t, ok)
	assert.Equal(t, hashHigh, entry.Hash, "precommit cache must keep the higher-view prepared proposal")
}

func TestTryToFillProposal(t *testing.T) {
	p := New()
	hash := mkHash(7)
	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 1, View: 0}, Proposal: message.Proposal{Index: 1, Hash: hash, Data: []byte("block")}})
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: i}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 1)
	}
	require.Len(t, p.CheckAndPreCommit(3), 1)

	target := message.Proposal{Index: 1, Hash: hash}
	ok := p.TryToFillProposal(&target)
	require.True(t, ok)
	assert.Equal(t, []byte("block"), target.Data)

	mismatched := message.Proposal{Index: 2, Hash: hash}
	assert.False(t, p.TryToFillProposal(&mismatched))
}

func TestViewChangeAggregationAndWeight(t *testing.T) {
	p := New()
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddViewChangeReq(message.ViewChange{Header: message.Header{View: 4, GeneratedFrom: i}}, 1)
	}
	// duplicate sender must not inflate weight
	p.AddViewChangeReq(message.ViewChange{Header: message.Header{View: 4, GeneratedFrom: 0}}, 1)

	assert.EqualValues(t, 3, p.ViewChangeWeight(4))
	assert.Len(t, p.ViewChangesAt(4), 3)
}

func TestRemoveInvalidViewChangePurgesStaleAndUnknownNodes(t *testing.T) {
	p := New()
	nv := config.NewNodeView(0, []config.NodeInfo{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}}, 10)

	p.AddViewChangeReq(message.ViewChange{Header: message.Header{View: 2, GeneratedFrom: 0}}, 1)
	p.AddViewChangeReq(message.ViewChange{Header: message.Header{View: 4, GeneratedFrom: 0}}, 1)
	p.AddViewChangeReq(message.ViewChange{Header: message.Header{View: 4, GeneratedFrom: 9}}, 1) // unknown node

	p.RemoveInvalidViewChange(nv, 4)

	assert.Empty(t, p.ViewChangesAt(2), "views below toView must be purged entirely")
	assert.Len(t, p.ViewChangesAt(4), 1, "entries from nodes outside the consensus set must be purged")
}

func TestBestPreparedProposalPicksHighestViewThenLexSmallestHash(t *testing.T) {
	low := mkHash(5)
	highA := mkHash(1)
	highB := mkHash(2)

	vcs := []message.ViewChange{
		{PreparedProposals: []message.Proposal{{Index: 1, View: 1, Hash: low}}},
		{PreparedProposals: []message.Proposal{{Index: 1, View: 3, Hash: highB}}},
		{PreparedProposals: []message.Proposal{{Index: 1, View: 3, Hash: highA}}},
	}

	best, ok := BestPreparedProposal(vcs, 1)
	require.True(t, ok)
	assert.EqualValues(t, 3, best.View)
	assert.Equal(t, highA, best.Hash, "ties at the highest view break on lexicographically smallest hash")
}

func TestBestPreparedProposalNoneFound(t *testing.T) {
	vcs := []message.ViewChange{{PreparedProposals: []message.Proposal{{Index: 2, View: 1}}}}
	_, ok := BestPreparedProposal(vcs, 1)
	assert.False(t, ok)
}

func TestMaxPreparedIndex(t *testing.T) {
	vcs := []message.ViewChange{
		{CommittedProposal: message.Proposal{Index: 3}, PreparedProposals: []message.Proposal{{Index: 5}}},
		{PreparedProposals: []message.Proposal{{Index: 4}}},
	}
	assert.EqualValues(t, 5, MaxPreparedIndex(vcs, 2))
	assert.EqualValues(t, 10, MaxPreparedIndex(vcs, 10))
}

func TestCheckPrecommitMsgValidatesQuorumWeight(t *testing.T) {
	nv := config.NewNodeView(0, []config.NodeInfo{
		{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 1}, {ID: "d", Weight: 1},
	}, 10)

	proposal := message.Proposal{
		Index: 1,
		Hash:  mkHash(1),
		Signatures: []message.SignatureShare{
			{Node: 0, Sig: []byte("s0")},
			{Node: 1, Sig: []byte("s1")},
			{Node: 1, Sig: []byte("dup")}, // duplicate sender, must not double count
		},
	}

	verifyAlwaysOK := func(message.NodeIndex, []byte) bool { return true }
	assert.False(t, CheckPrecommitMsg(nv, proposal, verifyAlwaysOK), "two distinct signers is below the 3-of-4 quorum")

	proposal.Signatures = append(proposal.Signatures, message.SignatureShare{Node: 2, Sig: []byte("s2")})
	assert.True(t, CheckPrecommitMsg(nv, proposal, verifyAlwaysOK))

	verifyAllFail := func(message.NodeIndex, []byte) bool { return false }
	assert.False(t, CheckPrecommitMsg(nv, proposal, verifyAllFail))
}

func TestClearExpiredCachePurgesBelowRetainWindow(t *testing.T) {
	p := New()
	hash := mkHash(9)
	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 1, View: 0}, Proposal: message.Proposal{Index: 1, Hash: hash}})
	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 100, View: 0}, Proposal: message.Proposal{Index: 100, Hash: hash}})
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: i}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 1)
	}
	require.Len(t, p.CheckAndPreCommit(3), 1)

	p.ClearExpiredCache(100, 10)

	assert.False(t, p.ExistPrePrepare(1, 0, hash), "index far below the retain window must be purged")
	assert.True(t, p.ExistPrePrepare(100, 0, hash))
	_, ok := p.PrecommitEntry(1)
	assert.False(t, ok, "precommit entries at or below committedIndex must be purged")
}

func TestPreCommitCachesWithoutDataStripsData(t *testing.T) {
	p := New()
	hash := mkHash(4)
	p.AddPrePrepareCache(message.PrePrepare{Header: message.Header{Index: 1, View: 0}, Proposal: message.Proposal{Index: 1, Hash: hash, Data: []byte("x")}})
	for i := message.NodeIndex(0); i < 3; i++ {
		p.AddPrepareCache(message.Prepare{Header: message.Header{Index: 1, View: 0, GeneratedFrom: i}, Proposal: message.Proposal{Index: 1, Hash: hash}}, 1)
	}
	require.Len(t, p.CheckAndPreCommit(3), 1)

	out := p.PreCommitCachesWithoutData()
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Data)
}
