package config

import (
	"sync"
	"sync/atomic"

	"github.com/vadiminshakov/pbft-core/message"
)

// NodeInfo is one consensus node as seen by quorum arithmetic.
type NodeInfo struct {
	ID     string
	Weight uint64
}

// NodeView is the single source of truth for view, leader assignment,
// quorum thresholds and committed index (C2). Reads of the primitive
// scalar fields (view, toView, committedIndex) are lock-free atomic
// snapshots; mutations are serialized through mu, matching the "rare
// writer, frequent lock-free reader" shape the worker loop needs.
type NodeView struct {
	mu sync.Mutex

	self  message.NodeIndex
	nodes []NodeInfo

	view          atomic.Uint64
	toView        atomic.Uint64
	committedIdx  atomic.Int64 // -1 means nothing committed yet
	committed     message.Proposal
	committedLock sync.RWMutex

	waterMarkWindow uint64
}

// NewNodeView builds a view over a fixed consensus node set. self is this
// process's index into nodes.
func NewNodeView(self message.NodeIndex, nodes []NodeInfo, waterMarkWindow uint64) *NodeView {
	nv := &NodeView{
		self:            self,
		nodes:           append([]NodeInfo(nil), nodes...),
		waterMarkWindow: waterMarkWindow,
	}
	nv.committedIdx.Store(-1)
	return nv
}

func (nv *NodeView) NodeIndex() message.NodeIndex { return nv.self }

func (nv *NodeView) NodeID() string { return nv.nodes[nv.self].ID }

func (nv *NodeView) ConsensusNodes() []NodeInfo {
	return append([]NodeInfo(nil), nv.nodes...)
}

func (nv *NodeView) IsConsensusNode(idx message.NodeIndex) bool {
	return int(idx) >= 0 && int(idx) < len(nv.nodes)
}

func (nv *NodeView) NodeCount() int { return len(nv.nodes) }

// View returns the currently active view.
func (nv *NodeView) View() uint64 { return nv.view.Load() }

// ToView returns the tentatively-advanced view during a view change.
func (nv *NodeView) ToView() uint64 { return nv.toView.Load() }

// SetView atomically installs a new active view; toView is bumped up to
// match if it lagged behind (entering the view resolves the change).
func (nv *NodeView) SetView(v uint64) {
	nv.mu.Lock()
	defer nv.mu.Unlock()
	nv.view.Store(v)
	if nv.toView.Load() < v {
		nv.toView.Store(v)
	}
}

// IncToView advances the tentative view by delta, used once per
// view-change timeout.
func (nv *NodeView) IncToView(delta uint64) uint64 {
	nv.mu.Lock()
	defer nv.mu.Unlock()
	next := nv.toView.Load() + delta
	nv.toView.Store(next)
	return next
}

// TotalWeight sums the weight of every consensus node.
func (nv *NodeView) TotalWeight() uint64 {
	var total uint64
	for _, n := range nv.nodes {
		total += n.Weight
	}
	return total
}

// MinRequiredQuorum is floor(2W/3)+1 in weighted form (2f+1 when all
// weights are 1 and N = 3f+1).
func (nv *NodeView) MinRequiredQuorum() uint64 {
	w := nv.TotalWeight()
	return (2*w)/3 + 1
}

// MaxFaulty is floor((N-1)/3) for the unweighted node-count case.
func (nv *NodeView) MaxFaulty() int {
	n := len(nv.nodes)
	return (n - 1) / 3
}

// LeaderIndex returns leader(index, view) = (index + view) mod N.
func (nv *NodeView) LeaderIndex(index uint64, view uint64) message.NodeIndex {
	n := uint64(len(nv.nodes))
	if n == 0 {
		return 0
	}
	return message.NodeIndex((index + view) % n)
}

// LeaderAfterViewChange returns the leader for progressedIndex at toView.
func (nv *NodeView) LeaderAfterViewChange() message.NodeIndex {
	return nv.LeaderIndex(nv.ProgressedIndex(), nv.ToView())
}

// CommittedProposal returns the highest locally committed proposal.
func (nv *NodeView) CommittedProposal() message.Proposal {
	nv.committedLock.RLock()
	defer nv.committedLock.RUnlock()
	return nv.committed.Clone()
}

// CommittedIndex returns the highest index for which a quorum-certified
// commit exists, or 0 if nothing has committed (progressedIndex is then 1
// per spec's definition of progressedIndex = committedIndex + 1).
func (nv *NodeView) CommittedIndex() uint64 {
	idx := nv.committedIdx.Load()
	if idx < 0 {
		return 0
	}
	return uint64(idx)
}

// HasCommitted reports whether any proposal has committed yet.
func (nv *NodeView) HasCommitted() bool {
	return nv.committedIdx.Load() >= 0
}

// ProgressedIndex is the next index to decide.
func (nv *NodeView) ProgressedIndex() uint64 {
	idx := nv.committedIdx.Load()
	if idx < 0 {
		return 1
	}
	return uint64(idx) + 1
}

// HighWaterMark bounds the memory the cache is allowed to use.
func (nv *NodeView) HighWaterMark() uint64 {
	return nv.ProgressedIndex() + nv.waterMarkWindow
}

// SetCommittedProposal installs p as the new highest committed proposal.
// Callers must only advance it monotonically (enforced by the engine's
// commit path, not here, since ledger acknowledgement ordering is the
// engine's concern).
func (nv *NodeView) SetCommittedProposal(p message.Proposal) {
	nv.committedLock.Lock()
	nv.committed = p.Clone()
	nv.committedLock.Unlock()
	nv.committedIdx.Store(int64(p.Index))
}
