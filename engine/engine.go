// Package engine implements the PBFT state machine (C8): the single worker
// that drives every phase handler and cache mutation, sitting between the
// transport's inbound dispatcher and the durable ledger checkpoint store.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft-core/cache"
	"github.com/vadiminshakov/pbft-core/config"
	"github.com/vadiminshakov/pbft-core/ledger"
	"github.com/vadiminshakov/pbft-core/logsync"
	"github.com/vadiminshakov/pbft-core/message"
	"github.com/vadiminshakov/pbft-core/queue"
	"github.com/vadiminshakov/pbft-core/timer"
	"github.com/vadiminshakov/pbft-core/transport"
	"github.com/vadiminshakov/pbft-core/validator"
)

const (
	logSyncTimeout          = 5 * time.Second
	ledgerCheckpointTimeout = 10 * time.Second
	taskQueueDepth          = 256
)

// Sentinel errors surfaced to callers (spec section 7's error kinds that are
// not purely internal-and-logged).
var (
	ErrNotLeader     = errors.New("engine: local node is not leader for this index/view")
	ErrEngineStopped = errors.New("engine: stopped")
)

// SubmitResult is delivered on the channel SubmitProposal returns, once the
// proposal commits or is rejected because this node is not the leader. A
// proposal the validator rejects, or one still undecided when the engine
// stops, receives no result and its channel is never closed.
type SubmitResult struct {
	Index uint64
	Hash  message.Digest
	Err   error
}

// generation pins a PrePrepare to the (index, view) it was validated under,
// so a validator callback that outlives a view change can be told apart
// from one still relevant to the current state.
type generation struct {
	index uint64
	view  uint64
}

// Engine is the PBFT state machine for one node. Every field below is only
// ever mutated from the single worker goroutine started by Run, except
// where noted.
type Engine struct {
	nv        *config.NodeView
	cache     *cache.Processor
	q         *queue.Queue
	tm        *timer.Timer
	transport transport.Transport
	ledger    *ledger.Store
	syncer    *logsync.Syncer
	validator *validator.Validator
	signer    message.Signer
	verifier  message.Verifier
	opts      config.Options

	tasks chan func()

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	newViewFormed map[uint64]bool

	// pendingCommits holds commit-quorum-reached proposals whose index is
	// ahead of ProgressedIndex (e.g. a NewView-reissued empty block that
	// reaches quorum before a lower index still in log-sync). Only ever
	// touched from the worker goroutine.
	pendingCommits map[uint64]message.Proposal

	pendingMu sync.Mutex
	pending   map[uint64][]chan SubmitResult

	malformedCount atomic.Uint64
	fatalErr       atomic.Value // error
	fatalOnce      sync.Once
}

// New builds an Engine. The timer is not started; call AttachTimer once the
// node is ready to participate in view changes (typically after any
// startup catch-up has run).
func New(
	nv *config.NodeView,
	cacheProc *cache.Processor,
	q *queue.Queue,
	tr transport.Transport,
	ledgerStore *ledger.Store,
	syncer *logsync.Syncer,
	val *validator.Validator,
	signer message.Signer,
	verifier message.Verifier,
	opts config.Options,
) *Engine {
	return &Engine{
		nv:            nv,
		cache:         cacheProc,
		q:             q,
		transport:     tr,
		ledger:        ledgerStore,
		syncer:        syncer,
		validator:     val,
		signer:        signer,
		verifier:      verifier,
		opts:          opts,
		tasks:         make(chan func(), taskQueueDepth),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		newViewFormed:  make(map[uint64]bool),
		pendingCommits: make(map[uint64]message.Proposal),
		pending:        make(map[uint64][]chan SubmitResult),
	}
}

// AttachTimer creates and starts the view-change timer. Split from New so
// callers can delay view-change participation until startup catch-up (if
// any) has finished.
func (e *Engine) AttachTimer() {
	e.tm = timer.New(time.Duration(e.opts.ConsensusTimeoutMs)*time.Millisecond, e.opts.ChangeCycleCap, e.OnTimeout)
	e.tm.Reset()
}

// Err reports the fatal error the engine entered, if any. A non-nil Err
// means the engine has stopped accepting new consensus messages, per spec
// section 7's LedgerPermanent/StateRegression handling; the view-change
// timer keeps running so the node can still participate until an operator
// intervenes.
func (e *Engine) Err() error {
	v := e.fatalErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

func (e *Engine) fatal(err error) {
	e.fatalOnce.Do(func() {
		e.fatalErr.Store(err)
		log.Errorf("engine: entering fatal state: %v", err)
	})
}

// Run drives the single worker loop until Stop is called. Callers start it
// with `go e.Run()`.
func (e *Engine) Run() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			e.drainTasks()
			return
		case task := <-e.tasks:
			task()
			continue
		default:
		}

		item, ok := e.q.TryPop(time.Duration(e.opts.PopWaitMs) * time.Millisecond)
		if ok {
			e.handleMsg(item)
		}
		e.cache.ClearExpiredCache(e.nv.CommittedIndex(), e.opts.RetainWindow)
	}
}

func (e *Engine) drainTasks() {
	for {
		select {
		case task := <-e.tasks:
			task()
		default:
			return
		}
	}
}

// Stop cooperatively halts the worker: the current queue head (if any)
// finishes processing, then the loop exits. In-flight async callbacks
// observe the closed engine via postToWorker and no-op.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.q.Close()
		if e.tm != nil {
			e.tm.Stop()
		}
	})
	<-e.doneCh
}

func (e *Engine) postToWorker(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.stopCh:
	}
}

func (e *Engine) selfWeight() uint64 {
	return e.weightOf(e.nv.NodeIndex())
}

func (e *Engine) weightOf(node message.NodeIndex) uint64 {
	nodes := e.nv.ConsensusNodes()
	if int(node) < 0 || int(node) >= len(nodes) {
		return 0
	}
	return nodes[node].Weight
}

// --- signing ---

func (e *Engine) signVote(msg message.ConsensusMessage, index, view uint64, hash message.Digest) {
	sig, err := e.signer.Sign(e.nv.NodeIndex(), message.VotePayload(index, view, hash))
	if err != nil {
		log.Errorf("engine: failed to sign vote (%d,%d): %v", index, view, err)
		return
	}
	msg.SetSignature(sig)
}

func (e *Engine) verifyVote(from message.NodeIndex, index, view uint64, hash message.Digest, sig []byte) error {
	if err := e.verifier.Verify(from, message.VotePayload(index, view, hash), sig); err != nil {
		return errors.Wrapf(err, "vote signature invalid for node %d at (%d,%d)", from, index, view)
	}
	return nil
}

func (e *Engine) sign(msg message.ConsensusMessage) {
	payload, err := message.SignableBytes(msg)
	if err != nil {
		log.Errorf("engine: failed to compute signable bytes: %v", err)
		return
	}
	sig, err := e.signer.Sign(e.nv.NodeIndex(), payload)
	if err != nil {
		log.Errorf("engine: failed to sign message: %v", err)
		return
	}
	msg.SetSignature(sig)
}

func (e *Engine) verifySignature(msg message.ConsensusMessage) error {
	payload, err := message.SignableBytes(msg)
	if err != nil {
		return errors.Wrap(err, "compute signable bytes")
	}
	hdr := msg.GetHeader()
	if err := e.verifier.Verify(hdr.GeneratedFrom, payload, hdr.Signature); err != nil {
		return errors.Wrapf(err, "signature invalid for node %d", hdr.GeneratedFrom)
	}
	return nil
}

func (e *Engine) isCurrentGeneration(gen generation) bool {
	return gen.view >= e.nv.View()
}

// --- ingress ---

// OnReceivePBFTMessage is the transport's dispatcher callback, mirroring
// spec section 6's (error, fromNodeID, bytes, replyFn) shape: transportErr
// is set when the concrete transport failed to deliver or decode a
// message, in which case msg is nil.
func (e *Engine) OnReceivePBFTMessage(transportErr error, from message.NodeIndex, msg message.ConsensusMessage) {
	if transportErr != nil {
		e.malformedCount.Add(1)
		log.Warnf("engine: transport/decode error from node %d: %v", from, transportErr)
		return
	}
	if !e.nv.IsConsensusNode(from) {
		log.Warnf("engine: message from non-consensus node %d rejected", from)
		return
	}
	if from == e.nv.NodeIndex() {
		return
	}

	if e.Err() != nil {
		switch msg.Type() {
		case message.PacketViewChange, message.PacketNewView:
		default:
			return // fatal: stop accepting new consensus-phase traffic
		}
	}

	e.q.Push(queue.Item{Msg: msg, From: from})
}

// AnswerRequest answers a synchronous log-sync request through the
// transport's RequestHandler seam; unlike OnReceivePBFTMessage it never
// touches the worker queue, since C6's server side only reads from
// PrecommitCache/ledger storage.
func (e *Engine) AnswerRequest(_ context.Context, _ message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error) {
	switch r := req.(type) {
	case *message.PreparedProposalRequest:
		return e.syncer.OnReceivePrecommitRequest(r), nil
	case *message.CommittedProposalRequest:
		return e.syncer.OnReceiveCommittedProposalRequest(r)
	default:
		return nil, errors.Errorf("engine: unsupported request type %T", req)
	}
}

func (e *Engine) handleMsg(item queue.Item) {
	switch m := item.Msg.(type) {
	case *message.PrePrepare:
		e.handlePrePrepare(m, true, false)
	case *message.Prepare:
		e.handlePrepare(m, item.From)
	case *message.Commit:
		e.handleCommit(m, item.From)
	case *message.ViewChange:
		e.handleViewChange(m, item.From)
	case *message.NewView:
		e.handleNewView(m, item.From)
	default:
		log.Warnf("engine: unexpected message type %T in worker queue", m)
	}
}

// checkPBFTMsgState rejects messages below the progressed index, beyond
// the high water mark, or from a view older than the currently active one.
func (e *Engine) checkPBFTMsgState(index, view uint64) bool {
	if index < e.nv.ProgressedIndex() {
		return false
	}
	if index >= e.nv.HighWaterMark() {
		return false
	}
	if view < e.nv.View() {
		return false
	}
	return true
}

// --- phase handlers ---

func (e *Engine) handlePrePrepare(msg *message.PrePrepare, needVerify, fromNewView bool) {
	index, view, hash := msg.Index, msg.View, msg.Proposal.Hash

	if !e.checkPBFTMsgState(index, view) {
		return
	}

	if e.cache.ExistPrePrepare(index, view, hash) {
		return
	}
	if e.cache.ConflictWithPrecommitReq(index, view, hash) {
		log.Warnf("engine: prePrepare(%d,%d) conflicts with precommit cache, dropped", index, view)
		return
	}
	if e.cache.ConflictWithProcessedReq(index, view, hash) {
		log.Warnf("engine: leader equivocation at (%d,%d): keeping first-received hash, rejecting %s", index, view, hash)
		return
	}

	if !fromNewView {
		leader := e.nv.LeaderIndex(index, view)
		if msg.GeneratedFrom != leader {
			log.Warnf("engine: prePrepare(%d,%d) from node %d is not the leader %d", index, view, msg.GeneratedFrom, leader)
			return
		}
		if err := e.verifyVote(msg.GeneratedFrom, index, view, hash, msg.Signature); err != nil {
			log.Warnf("engine: prePrepare(%d,%d) signature invalid: %v", index, view, err)
			return
		}
	}

	if needVerify && hash != message.EmptyHash {
		proposal := msg.Proposal.Clone()
		gen := generation{index: index, view: view}
		captured := *msg
		e.validator.VerifyAsync(proposal, func(err error, ok bool) {
			e.postToWorker(func() {
				if !e.isCurrentGeneration(gen) {
					log.Infof("engine: dropping stale validator callback for (%d,%d)", index, view)
					return
				}
				if err != nil || !ok {
					log.Warnf("engine: validator rejected prePrepare(%d,%d): err=%v ok=%v", index, view, err, ok)
					return
				}
				e.handlePrePrepare(&captured, false, fromNewView)
			})
		})
		return
	}

	e.cache.AddPrePrepareCache(*msg)
	e.broadcastPrepare(msg.Proposal, view)
	e.checkAndPreCommit()
}

func (e *Engine) broadcastPrepare(proposal message.Proposal, view uint64) {
	prepare := &message.Prepare{
		Header: message.Header{
			Version:       message.WireVersion,
			View:          view,
			Index:         proposal.Index,
			Timestamp:     time.Now(),
			GeneratedFrom: e.nv.NodeIndex(),
		},
		Proposal: message.Proposal{Index: proposal.Index, View: view, Hash: proposal.Hash},
	}
	e.signVote(prepare, proposal.Index, view, proposal.Hash)
	e.cache.AddPrepareCache(*prepare, e.selfWeight())
	if err := e.transport.Broadcast(prepare); err != nil {
		log.Warnf("engine: broadcast prepare(%d) failed: %v", proposal.Index, err)
	}
}

func (e *Engine) handlePrepare(msg *message.Prepare, from message.NodeIndex) {
	if !e.checkPBFTMsgState(msg.Index, msg.View) {
		return
	}
	if from != msg.GeneratedFrom {
		return
	}
	if err := e.verifyVote(from, msg.Index, msg.View, msg.Proposal.Hash, msg.Signature); err != nil {
		log.Warnf("engine: prepare(%d,%d) from %d signature invalid: %v", msg.Index, msg.View, from, err)
		return
	}
	if e.cache.ConflictWithProcessedReq(msg.Index, msg.View, msg.Proposal.Hash) {
		log.Warnf("engine: prepare(%d,%d) from %d conflicts with cached prePrepare, rejected", msg.Index, msg.View, from)
		return
	}
	e.cache.AddPrepareCache(*msg, e.weightOf(from))
	e.checkAndPreCommit()
}

func (e *Engine) checkAndPreCommit() {
	ready := e.cache.CheckAndPreCommit(e.nv.MinRequiredQuorum())
	for _, r := range ready {
		commit := &message.Commit{
			Header: message.Header{
				Version:       message.WireVersion,
				View:          r.View,
				Index:         r.Index,
				Timestamp:     time.Now(),
				GeneratedFrom: e.nv.NodeIndex(),
			},
			Proposal: message.Proposal{Index: r.Index, View: r.View, Hash: r.Proposal.Hash},
		}
		e.signVote(commit, r.Index, r.View, r.Proposal.Hash)
		e.cache.AddCommitReq(*commit, e.selfWeight())
		if err := e.transport.Broadcast(commit); err != nil {
			log.Warnf("engine: broadcast commit(%d) failed: %v", r.Index, err)
		}
	}
	if len(ready) > 0 {
		e.checkAndCommit()
	}
}

func (e *Engine) handleCommit(msg *message.Commit, from message.NodeIndex) {
	if !e.checkPBFTMsgState(msg.Index, msg.View) {
		return
	}
	if from != msg.GeneratedFrom {
		return
	}
	if err := e.verifyVote(from, msg.Index, msg.View, msg.Proposal.Hash, msg.Signature); err != nil {
		log.Warnf("engine: commit(%d,%d) from %d signature invalid: %v", msg.Index, msg.View, from, err)
		return
	}
	if e.cache.ConflictWithProcessedReq(msg.Index, msg.View, msg.Proposal.Hash) {
		log.Warnf("engine: commit(%d,%d) from %d conflicts with cached prePrepare, rejected", msg.Index, msg.View, from)
		return
	}
	e.cache.AddCommitReq(*msg, e.weightOf(from))
	e.checkAndCommit()
}

func (e *Engine) checkAndCommit() {
	ready := e.cache.CheckAndCommit(e.nv.MinRequiredQuorum())
	for _, r := range ready {
		e.finalizeCommit(r.Proposal)
	}
}

// finalizeCommit runs the commit path: the ledger acknowledges the
// proposal and its stable checkpoint before config.committedIndex ever
// advances, giving at-most-once delivery to the external ledger.
func (e *Engine) finalizeCommit(p message.Proposal) {
	if e.Err() != nil {
		return
	}
	if p.Index <= e.nv.CommittedIndex() {
		return
	}
	if p.Index != e.nv.ProgressedIndex() {
		log.Infof("engine: commit for index %d arrived out of order (progressedIndex=%d), deferring", p.Index, e.nv.ProgressedIndex())
		e.pendingCommits[p.Index] = p
		return
	}

	if p.Data == nil && p.Hash != message.EmptyHash {
		if filled, ok := e.cache.PrecommitEntry(p.Index); ok && filled.Hash == p.Hash && filled.Data != nil {
			p.Data = append([]byte(nil), filled.Data...)
		}
	}

	if err := e.ledger.AsyncCommitProposal(p); err != nil {
		if errors.Is(err, ledger.ErrStateRegression) {
			e.fatal(err)
			return
		}
		log.Errorf("engine: failed to persist committed proposal %d: %v", p.Index, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerCheckpointTimeout)
		defer cancel()
		if err := e.ledger.AsyncCommitStableCheckPoint(ctx, p); err != nil {
			if errors.Is(err, ledger.ErrLedgerFailure) {
				e.postToWorker(func() { e.fatal(err) })
				return
			}
			log.Errorf("engine: checkpoint commit failed at index %d: %v", p.Index, err)
			return
		}
		e.postToWorker(func() { e.onProposalFinalized(p) })
	}()
}

func (e *Engine) onProposalFinalized(p message.Proposal) {
	if p.Index <= e.nv.CommittedIndex() {
		return
	}
	e.nv.SetCommittedProposal(p)
	if e.tm != nil {
		e.tm.Reset()
	}
	e.resolvePending(p.Index, SubmitResult{Index: p.Index, Hash: p.Hash})
	e.drainPendingCommits()
}

// drainPendingCommits replays the commit-quorum proposal (if any) that
// arrived ahead of ProgressedIndex and was deferred by finalizeCommit, now
// that the gap below it has closed. finalizeCommit's own completion calls
// onProposalFinalized again, so further gaps drain one step at a time.
func (e *Engine) drainPendingCommits() {
	next, ok := e.pendingCommits[e.nv.ProgressedIndex()]
	if !ok {
		return
	}
	delete(e.pendingCommits, next.Index)
	e.finalizeCommit(next)
}

// --- submit path ---

// SubmitProposal is the entry point block builders use to propose data for
// the next index. It only succeeds when this node is the current leader;
// the result arrives asynchronously once the proposal commits or is
// rejected as not-leader (see SubmitResult for the cases with no result).
func (e *Engine) SubmitProposal(data []byte, hash message.Digest) <-chan SubmitResult {
	resultCh := make(chan SubmitResult, 1)
	e.postToWorker(func() {
		index := e.nv.ProgressedIndex()
		view := e.nv.View()
		if e.nv.LeaderIndex(index, view) != e.nv.NodeIndex() {
			resultCh <- SubmitResult{Err: ErrNotLeader}
			close(resultCh)
			return
		}

		pp := &message.PrePrepare{
			Header: message.Header{
				Version:       message.WireVersion,
				View:          view,
				Index:         index,
				Timestamp:     time.Now(),
				GeneratedFrom: e.nv.NodeIndex(),
			},
			Proposal: message.Proposal{Index: index, Hash: hash, Data: append([]byte(nil), data...)},
		}
		e.signVote(pp, index, view, hash)
		e.registerPending(index, resultCh)

		if err := e.transport.Broadcast(pp); err != nil {
			log.Warnf("engine: broadcast prePrepare(%d) failed: %v", index, err)
		}
		e.handlePrePrepare(pp, true, false)
	})
	return resultCh
}

func (e *Engine) registerPending(index uint64, ch chan SubmitResult) {
	e.pendingMu.Lock()
	e.pending[index] = append(e.pending[index], ch)
	e.pendingMu.Unlock()
}

func (e *Engine) resolvePending(index uint64, result SubmitResult) {
	e.pendingMu.Lock()
	chans := e.pending[index]
	delete(e.pending, index)
	e.pendingMu.Unlock()
	for _, ch := range chans {
		ch <- result
		close(ch)
	}
}

// --- view change ---

func (e *Engine) OnTimeout() {
	e.postToWorker(e.onTimeoutLocked)
}

func (e *Engine) onTimeoutLocked() {
	if e.tm != nil {
		e.tm.Reset()
	}
	toView := e.nv.IncToView(1)
	e.cache.RemoveInvalidViewChange(e.nv, toView)

	vc := &message.ViewChange{
		Header: message.Header{
			Version:       message.WireVersion,
			View:          toView,
			Index:         e.nv.ProgressedIndex(),
			Timestamp:     time.Now(),
			GeneratedFrom: e.nv.NodeIndex(),
		},
		CommittedProposal: e.nv.CommittedProposal(),
		PreparedProposals: e.cache.PreCommitCachesWithoutData(),
	}
	e.sign(vc)
	e.cache.AddViewChangeReq(*vc, e.selfWeight())
	if err := e.transport.Broadcast(vc); err != nil {
		log.Warnf("engine: broadcast viewChange(toView=%d) failed: %v", toView, err)
	}

	if nvMsg, ok := e.checkAndTryIntoNewView(toView); ok {
		e.reHandlePrePrepareProposals(nvMsg)
		e.reachNewView(toView)
	}
}

// checkAndTryIntoNewView builds and broadcasts a NewView once this node is
// the next leader and has gathered view-change quorum for toView. It is
// idempotent per toView.
func (e *Engine) checkAndTryIntoNewView(toView uint64) (*message.NewView, bool) {
	if e.nv.LeaderAfterViewChange() != e.nv.NodeIndex() {
		return nil, false
	}
	if e.newViewFormed[toView] {
		return nil, false
	}
	if e.cache.ViewChangeWeight(toView) < e.nv.MinRequiredQuorum() {
		return nil, false
	}

	vcs := e.cache.ViewChangesAt(toView)
	prePrepares := e.buildPrePrepareList(vcs, toView)

	nvMsg := &message.NewView{
		Header: message.Header{
			Version:       message.WireVersion,
			View:          toView,
			Timestamp:     time.Now(),
			GeneratedFrom: e.nv.NodeIndex(),
		},
		ViewChangeMsgList: vcs,
		PrePrepareList:    prePrepares,
	}
	e.sign(nvMsg)
	e.newViewFormed[toView] = true

	if err := e.transport.Broadcast(nvMsg); err != nil {
		log.Warnf("engine: broadcast newView(view=%d) failed: %v", toView, err)
	}
	return nvMsg, true
}

// buildPrePrepareList is the deterministic reissue selection: for every
// index between progressedIndex and the highest index referenced by vcs,
// reissue the highest-view prepared proposal found, or an empty-block
// PrePrepare if none was prepared.
func (e *Engine) buildPrePrepareList(vcs []message.ViewChange, toView uint64) []message.PrePrepare {
	maxIdx := cache.MaxPreparedIndex(vcs, e.nv.CommittedIndex())
	var out []message.PrePrepare
	for idx := e.nv.ProgressedIndex(); idx <= maxIdx; idx++ {
		proposal, ok := cache.BestPreparedProposal(vcs, idx)
		if !ok {
			proposal = message.Proposal{Index: idx, Hash: message.EmptyHash}
		}
		proposal.Index = idx
		proposal.View = toView
		out = append(out, message.PrePrepare{
			Header: message.Header{
				Version:       message.WireVersion,
				View:          toView,
				Index:         idx,
				Timestamp:     time.Now(),
				GeneratedFrom: e.nv.NodeIndex(),
			},
			Proposal: proposal,
		})
	}
	return out
}

func (e *Engine) handleViewChange(msg *message.ViewChange, from message.NodeIndex) {
	if from != msg.GeneratedFrom {
		return
	}
	if msg.View <= e.nv.View() {
		return
	}
	if err := e.verifySignature(msg); err != nil {
		log.Warnf("engine: viewChange(view=%d) from %d signature invalid: %v", msg.View, from, err)
		return
	}

	committedIdx := e.nv.CommittedIndex()
	if msg.CommittedProposal.Index < committedIdx {
		log.Warnf("engine: viewChange(view=%d) from %d has a stale committed index, rejected", msg.View, from)
		return
	}
	if msg.CommittedProposal.Index == committedIdx && committedIdx > 0 {
		if local := e.nv.CommittedProposal(); msg.CommittedProposal.Hash != local.Hash {
			log.Warnf("engine: viewChange(view=%d) from %d has a conflicting committed hash at index %d, rejected", msg.View, from, committedIdx)
			return
		}
	}

	for i := range msg.PreparedProposals {
		pp := msg.PreparedProposals[i]
		verify := func(node message.NodeIndex, sig []byte) bool {
			return e.verifyVote(node, pp.Index, pp.View, pp.Hash, sig) == nil
		}
		if !cache.CheckPrecommitMsg(e.nv, pp, verify) {
			log.Warnf("engine: viewChange(view=%d) from %d carries a prepared proposal at index %d that fails quorum check, rejected", msg.View, from, pp.Index)
			return
		}
	}

	if msg.CommittedProposal.Index > committedIdx {
		log.Infof("engine: viewChange(view=%d) from %d claims committed index %d ahead of local %d, triggering catch-up", msg.View, from, msg.CommittedProposal.Index, committedIdx)
		e.triggerCatchUp(from, committedIdx, msg.CommittedProposal.Index)
	}

	e.cache.AddViewChangeReq(*msg, e.weightOf(from))

	if nvMsg, ok := e.checkAndTryIntoNewView(msg.View); ok {
		e.reHandlePrePrepareProposals(nvMsg)
		e.reachNewView(msg.View)
	}
}

func (e *Engine) handleNewView(msg *message.NewView, from message.NodeIndex) {
	if from != msg.GeneratedFrom {
		return
	}
	if msg.View <= e.nv.View() {
		return
	}
	expectedLeader := e.nv.LeaderAfterViewChange()
	if msg.GeneratedFrom != expectedLeader {
		log.Warnf("engine: newView(view=%d) from %d is not the expected leader %d, rejected", msg.View, from, expectedLeader)
		return
	}
	if err := e.verifySignature(msg); err != nil {
		log.Warnf("engine: newView(view=%d) signature invalid: %v", msg.View, err)
		return
	}

	var weight uint64
	seen := make(map[message.NodeIndex]bool, len(msg.ViewChangeMsgList))
	for _, vc := range msg.ViewChangeMsgList {
		if vc.View != msg.View || seen[vc.GeneratedFrom] {
			continue
		}
		if err := e.verifySignature(&vc); err != nil {
			log.Warnf("engine: newView(view=%d) carries an invalid viewChange from %d: %v", msg.View, vc.GeneratedFrom, err)
			return
		}
		seen[vc.GeneratedFrom] = true
		weight += e.weightOf(vc.GeneratedFrom)
	}
	if weight < e.nv.MinRequiredQuorum() {
		log.Warnf("engine: newView(view=%d) carries insufficient view-change quorum weight %d, rejected", msg.View, weight)
		return
	}

	if !e.newViewPrePreparesMatch(msg) {
		log.Warnf("engine: newView(view=%d) prePrepareList does not match the deterministic reissue selection, rejected", msg.View)
		return
	}

	e.reHandlePrePrepareProposals(msg)
	e.reachNewView(msg.View)
}

// newViewPrePreparesMatch independently recomputes the deterministic
// reissue selection from msg's embedded ViewChange set and checks it
// against what the sender actually carried.
func (e *Engine) newViewPrePreparesMatch(msg *message.NewView) bool {
	maxIdx := cache.MaxPreparedIndex(msg.ViewChangeMsgList, e.nv.CommittedIndex())

	got := make(map[uint64]message.Digest, len(msg.PrePrepareList))
	for _, pp := range msg.PrePrepareList {
		got[pp.Proposal.Index] = pp.Proposal.Hash
	}

	for idx := e.nv.ProgressedIndex(); idx <= maxIdx; idx++ {
		expected := message.EmptyHash
		if proposal, ok := cache.BestPreparedProposal(msg.ViewChangeMsgList, idx); ok {
			expected = proposal.Hash
		}
		hash, present := got[idx]
		if !present || hash != expected {
			return false
		}
	}
	return true
}

func (e *Engine) reachNewView(toView uint64) {
	e.nv.SetView(toView)
	if e.tm != nil {
		e.tm.ResetChangeCycle()
	}
}

// reHandlePrePrepareProposals feeds every reissued PrePrepare from a
// (locally built or received) NewView back through handlePrePrepare,
// splicing in locally-cached data where available and falling back to
// log-sync for the rest.
func (e *Engine) reHandlePrePrepareProposals(nvMsg *message.NewView) {
	for i := range nvMsg.PrePrepareList {
		pp := nvMsg.PrePrepareList[i]

		if pp.Proposal.Hash == message.EmptyHash {
			e.handlePrePrepare(&pp, false, true)
			continue
		}

		if filled, ok := e.cache.PrecommitEntry(pp.Proposal.Index); ok && filled.Hash == pp.Proposal.Hash && filled.Data != nil {
			pp.Proposal.Data = append([]byte(nil), filled.Data...)
			e.handlePrePrepare(&pp, true, true)
			continue
		}

		e.fetchPrecommitDataAndHandle(pp)
	}
}

func (e *Engine) fetchPrecommitDataAndHandle(pp message.PrePrepare) {
	target := e.nv.LeaderIndex(pp.Proposal.Index, pp.Proposal.View)
	if target == e.nv.NodeIndex() {
		target = e.nv.LeaderIndex(pp.Proposal.Index, pp.Proposal.View+1)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), logSyncTimeout)
		defer cancel()
		err := e.syncer.RequestPrecommitData(ctx, target, pp, e.nv.CommittedIndex, func(filled message.PrePrepare) {
			e.postToWorker(func() { e.handlePrePrepare(&filled, true, true) })
		})
		if err != nil {
			log.Warnf("engine: catch-up for prePrepare(%d) from node %d failed: %v", pp.Proposal.Index, target, err)
		}
	}()
}

// triggerCatchUp asks from for committed proposals this node is missing,
// applying each to the commit path in order as they arrive.
func (e *Engine) triggerCatchUp(from message.NodeIndex, localCommitted, remoteCommitted uint64) {
	start := localCommitted + 1
	offset := remoteCommitted - localCommitted

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), logSyncTimeout)
		defer cancel()
		err := e.syncer.RequestCommittedProposals(ctx, from, start, offset, e.nv.CommittedIndex, func(proposals []message.Proposal) {
			e.postToWorker(func() {
				for _, p := range proposals {
					e.applyCatchUpProposal(p)
				}
			})
		})
		if err != nil {
			log.Warnf("engine: catch-up request to node %d for [%d,%d) failed: %v", from, start, start+offset, err)
		}
	}()
}

func (e *Engine) applyCatchUpProposal(p message.Proposal) {
	if p.Index <= e.nv.CommittedIndex() {
		return
	}
	if p.Index != e.nv.ProgressedIndex() {
		log.Infof("engine: catch-up proposal %d arrived out of order (progressedIndex=%d), deferring", p.Index, e.nv.ProgressedIndex())
		e.pendingCommits[p.Index] = p
		return
	}
	e.finalizeCommit(p)
}

// MalformedCount returns how many inbound messages were dropped for
// transport or decode failures.
func (e *Engine) MalformedCount() uint64 {
	return e.malformedCount.Load()
}
