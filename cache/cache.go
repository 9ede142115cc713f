// Package cache implements the per-(index,view) voting caches (C5): quorum
// detection for Prepare/Commit, view-change aggregation, and the
// precommit cache that preserves safety across view changes. This is the
// component that enforces the protocol's voting invariants.
package cache

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/pbft-core/config"
	"github.com/vadiminshakov/pbft-core/message"
)

// ErrConflictingProposal is returned when a PrePrepare or prepared entry
// conflicts with state the processor has already accepted.
var ErrConflictingProposal = errors.New("cache: conflicting proposal")

type key struct {
	Index uint64
	View  uint64
}

type prepareEntry struct {
	msg    message.Prepare
	weight uint64
}

type commitEntry struct {
	msg    message.Commit
	weight uint64
}

type viewChangeEntry struct {
	msg    message.ViewChange
	weight uint64
}

// PreCommitReady is a (index,view) that has just reached prepare-quorum.
type PreCommitReady struct {
	Index    uint64
	View     uint64
	Proposal message.Proposal
}

// CommitReady is an index whose proposal has just reached commit-quorum.
type CommitReady struct {
	Index    uint64
	View     uint64
	Proposal message.Proposal
}

// Processor owns every voting cache keyed by (index, view) plus the
// cross-view PrecommitCache and ViewChangeCache.
type Processor struct {
	mu sync.Mutex

	prePrepares map[key]message.PrePrepare
	prepares    map[key]map[message.NodeIndex]prepareEntry
	commits     map[key]map[message.NodeIndex]commitEntry
	viewChanges map[uint64]map[message.NodeIndex]viewChangeEntry
	precommit   map[uint64]message.Proposal // index -> highest-view prepared proposal

	preCommitSignaled map[key]bool
	commitSignaled    map[uint64]bool
}

// New builds an empty Processor.
func New() *Processor {
	return &Processor{
		prePrepares:       make(map[key]message.PrePrepare),
		prepares:          make(map[key]map[message.NodeIndex]prepareEntry),
		commits:           make(map[key]map[message.NodeIndex]commitEntry),
		viewChanges:       make(map[uint64]map[message.NodeIndex]viewChangeEntry),
		precommit:         make(map[uint64]message.Proposal),
		preCommitSignaled: make(map[key]bool),
		commitSignaled:    make(map[uint64]bool),
	}
}

// ExistPrePrepare reports whether a PrePrepare with identical (index, view,
// hash) is already cached.
func (p *Processor) ExistPrePrepare(index, view uint64, hash message.Digest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.prePrepares[key{index, view}]
	return ok && pp.Proposal.Hash == hash
}

// ConflictWithPrecommitReq reports whether PrecommitCache[index] holds a
// different hash at a view >= the candidate's view, i.e. accepting the
// candidate would regress an already-precommitted decision.
func (p *Processor) ConflictWithPrecommitReq(index, view uint64, hash message.Digest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.precommit[index]
	return ok && pc.Hash != hash && pc.View >= view
}

// ConflictWithProcessedReq reports whether a PrePrepare is already cached
// at (index, view) with a different hash than the candidate — evidence of
// leader equivocation. Per policy the first-received PrePrepare wins; the
// caller should report, not store, the conflicting one.
func (p *Processor) ConflictWithProcessedReq(index, view uint64, hash message.Digest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.prePrepares[key{index, view}]
	return ok && pp.Proposal.Hash != hash
}

// AddPrePrepareCache stores msg if no PrePrepare is cached yet at its
// (index, view). Idempotent.
func (p *Processor) AddPrePrepareCache(msg message.PrePrepare) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key{msg.Index, msg.View}
	if _, ok := p.prePrepares[k]; !ok {
		p.prePrepares[k] = msg
	}
}

// AddPrepareCache records msg, deduped by sender. weight is the sender's
// voting weight at the time the message was received.
func (p *Processor) AddPrepareCache(msg message.Prepare, weight uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key{msg.Index, msg.View}
	bucket, ok := p.prepares[k]
	if !ok {
		bucket = make(map[message.NodeIndex]prepareEntry)
		p.prepares[k] = bucket
	}
	if _, exists := bucket[msg.GeneratedFrom]; exists {
		return
	}
	bucket[msg.GeneratedFrom] = prepareEntry{msg: msg, weight: weight}
}

// AddCommitReq records msg, deduped by sender.
func (p *Processor) AddCommitReq(msg message.Commit, weight uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key{msg.Index, msg.View}
	bucket, ok := p.commits[k]
	if !ok {
		bucket = make(map[message.NodeIndex]commitEntry)
		p.commits[k] = bucket
	}
	if _, exists := bucket[msg.GeneratedFrom]; exists {
		return
	}
	bucket[msg.GeneratedFrom] = commitEntry{msg: msg, weight: weight}
}

// AddViewChangeReq records msg, deduped by sender, within ViewChangeCache[view].
func (p *Processor) AddViewChangeReq(msg message.ViewChange, weight uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok := p.viewChanges[msg.View]
	if !ok {
		bucket = make(map[message.NodeIndex]viewChangeEntry)
		p.viewChanges[msg.View] = bucket
	}
	if _, exists := bucket[msg.GeneratedFrom]; exists {
		return
	}
	bucket[msg.GeneratedFrom] = viewChangeEntry{msg: msg, weight: weight}
}

// CheckAndPreCommit scans every (index, view) with a cached PrePrepare for
// newly-reached prepare-quorum, records the result in PrecommitCache
// (overwriting only with a strictly higher view) and returns each newly
// ready (index, view) exactly once. The caller is responsible for emitting
// and broadcasting the local Commit.
func (p *Processor) CheckAndPreCommit(minQuorum uint64) []PreCommitReady {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []PreCommitReady
	for k, pp := range p.prePrepares {
		if p.preCommitSignaled[k] {
			continue
		}
		bucket := p.prepares[k]
		var weight uint64
		for _, e := range bucket {
			weight += e.weight
		}
		if weight < minQuorum {
			continue
		}

		p.preCommitSignaled[k] = true
		proposal := pp.Proposal.Clone()
		proposal.View = k.View
		proposal.Signatures = make([]message.SignatureShare, 0, len(bucket))
		for node, e := range bucket {
			proposal.Signatures = append(proposal.Signatures, message.SignatureShare{Node: node, Sig: e.msg.Signature})
		}
		sort.Slice(proposal.Signatures, func(i, j int) bool { return proposal.Signatures[i].Node < proposal.Signatures[j].Node })

		if existing, ok := p.precommit[k.Index]; !ok || k.View > existing.View {
			p.precommit[k.Index] = proposal
		}

		ready = append(ready, PreCommitReady{Index: k.Index, View: k.View, Proposal: proposal})
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Index != ready[j].Index {
			return ready[i].Index < ready[j].Index
		}
		return ready[i].View < ready[j].View
	})
	return ready
}

// CheckAndCommit scans every (index, view) with a matching PrePrepare for
// newly-reached commit-quorum and returns each newly-committed index
// exactly once, in ascending index order.
func (p *Processor) CheckAndCommit(minQuorum uint64) []CommitReady {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []CommitReady
	for k, pp := range p.prePrepares {
		if p.commitSignaled[k.Index] {
			continue
		}
		bucket := p.commits[k]
		var weight uint64
		for _, e := range bucket {
			weight += e.weight
		}
		if weight < minQuorum {
			continue
		}

		p.commitSignaled[k.Index] = true
		proposal := pp.Proposal.Clone()
		proposal.View = k.View
		ready = append(ready, CommitReady{Index: k.Index, View: k.View, Proposal: proposal})
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].Index < ready[j].Index })
	return ready
}

// PreCommitCachesWithoutData returns a snapshot of PrecommitCache with
// Data stripped, for embedding in an outgoing ViewChange.
func (p *Processor) PreCommitCachesWithoutData() []message.Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]message.Proposal, 0, len(p.precommit))
	for _, proposal := range p.precommit {
		stripped := proposal.Clone()
		stripped.Data = nil
		out = append(out, stripped)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// TryToFillProposal splices PrecommitCache's data into pre if it holds a
// full copy at pre's index. Returns true if data was filled.
func (p *Processor) TryToFillProposal(pre *message.Proposal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.precommit[pre.Index]
	if !ok || stored.Hash != pre.Hash || stored.Data == nil {
		return false
	}
	pre.Data = append([]byte(nil), stored.Data...)
	return true
}

// CheckPrecommitMsg verifies that a prepared proposal carried in a
// ViewChange actually reached prepare-quorum at its stated view, by
// replaying the signature shares it carries against the consensus node
// weights. The cryptographic signature check itself is delegated to
// verify (the environment's crypto suite); this function only enforces
// the quorum-weight arithmetic.
func CheckPrecommitMsg(nv *config.NodeView, proposal message.Proposal, verify func(node message.NodeIndex, sig []byte) bool) bool {
	nodes := nv.ConsensusNodes()
	weights := make(map[message.NodeIndex]uint64, len(nodes))
	for i, n := range nodes {
		weights[message.NodeIndex(i)] = n.Weight
	}

	seen := make(map[message.NodeIndex]bool, len(proposal.Signatures))
	var total uint64
	for _, share := range proposal.Signatures {
		if seen[share.Node] {
			continue
		}
		w, known := weights[share.Node]
		if !known {
			continue
		}
		if verify != nil && !verify(share.Node, share.Sig) {
			continue
		}
		seen[share.Node] = true
		total += w
	}
	return total >= nv.MinRequiredQuorum()
}

// RemoveInvalidViewChange purges ViewChange entries for views below toView
// or from nodes no longer in the consensus set.
func (p *Processor) RemoveInvalidViewChange(nv *config.NodeView, toView uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for view, bucket := range p.viewChanges {
		if view < toView {
			delete(p.viewChanges, view)
			continue
		}
		for node := range bucket {
			if !nv.IsConsensusNode(node) {
				delete(bucket, node)
			}
		}
	}
}

// ViewChangeWeight returns the distinct-sender weight accumulated for a
// given toView.
func (p *Processor) ViewChangeWeight(toView uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, e := range p.viewChanges[toView] {
		total += e.weight
	}
	return total
}

// ViewChangesAt returns the aggregated ViewChange set for toView, sorted
// by sender for deterministic NewView construction.
func (p *Processor) ViewChangesAt(toView uint64) []message.ViewChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.viewChanges[toView]
	out := make([]message.ViewChange, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, e.msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedFrom < out[j].GeneratedFrom })
	return out
}

// MaxPreparedIndex returns the highest index referenced by any prepared
// proposal or committed proposal across a ViewChange set, or committedIdx
// if none is higher.
func MaxPreparedIndex(viewChanges []message.ViewChange, committedIdx uint64) uint64 {
	maxIdx := committedIdx
	for _, vc := range viewChanges {
		if vc.CommittedProposal.Index > maxIdx {
			maxIdx = vc.CommittedProposal.Index
		}
		for _, pp := range vc.PreparedProposals {
			if pp.Index > maxIdx {
				maxIdx = pp.Index
			}
		}
	}
	return maxIdx
}

// BestPreparedProposal picks, among every prepared proposal at index across
// the aggregated ViewChange set, the one prepared at the highest view;
// ties break on lexicographically smallest hash. ok is false when no
// ViewChange carries a prepared proposal for index.
func BestPreparedProposal(viewChanges []message.ViewChange, index uint64) (message.Proposal, bool) {
	var (
		best  message.Proposal
		found bool
	)
	for _, vc := range viewChanges {
		for _, pp := range vc.PreparedProposals {
			if pp.Index != index {
				continue
			}
			if !found {
				best, found = pp, true
				continue
			}
			if pp.View > best.View {
				best = pp
			} else if pp.View == best.View && lexLess(pp.Hash, best.Hash) {
				best = pp
			}
		}
	}
	return best, found
}

func lexLess(a, b message.Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ClearExpiredCache discards PrePrepare/Prepare/Commit entries for indices
// at or below committedIndex-retainWindow, and PrecommitCache entries for
// indices at or below committedIndex (they have committed and no longer
// need preserving across view changes).
func (p *Processor) ClearExpiredCache(committedIndex, retainWindow uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var floor uint64
	if committedIndex > retainWindow {
		floor = committedIndex - retainWindow
	}

	for k := range p.prePrepares {
		if k.Index <= floor {
			delete(p.prePrepares, k)
			delete(p.preCommitSignaled, k)
		}
	}
	for k := range p.prepares {
		if k.Index <= floor {
			delete(p.prepares, k)
		}
	}
	for k := range p.commits {
		if k.Index <= floor {
			delete(p.commits, k)
		}
	}
	for idx := range p.commitSignaled {
		if idx <= floor {
			delete(p.commitSignaled, idx)
		}
	}
	for idx := range p.precommit {
		if idx <= committedIndex {
			delete(p.precommit, idx)
		}
	}
}

// PrecommitEntry returns the cached precommit proposal for index, if any.
func (p *Processor) PrecommitEntry(index uint64) (message.Proposal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.precommit[index]
	return v, ok
}
