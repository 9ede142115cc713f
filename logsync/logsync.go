// Package logsync implements the log-synchronization protocol (C6):
// requesting missing committed proposals and precommit data from peers
// during catch-up and view changes, and serving the same requests from
// this node's local state.
package logsync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft-core/config"
	"github.com/vadiminshakov/pbft-core/message"
)

// ErrSyncExhausted is returned once a request has been retried
// MaxSyncRetries times without success.
var ErrSyncExhausted = errors.New("logsync: exhausted retries")

// ErrHashMismatch is returned when a peer's precommit response does not
// match the hash the requester is trying to complete.
var ErrHashMismatch = errors.New("logsync: response hash does not match requested prepare")

// Sender issues a request-shaped ConsensusMessage to a peer and returns its
// response, or an error if ctx expired before a reply arrived. It is the
// seam onto the best-effort transport (front service contract); a real
// implementation correlates requests to responses arriving asynchronously
// through the transport's dispatcher.
type Sender interface {
	SendRequest(ctx context.Context, to message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error)
}

// CommittedProposalSource answers CommittedProposalRequest by reading
// durable ledger storage.
type CommittedProposalSource interface {
	CommittedProposalsInRange(start, offset uint64) ([]message.Proposal, error)
}

// PrecommitSource answers PreparedProposalRequest from PrecommitCache.
type PrecommitSource interface {
	PrecommitEntry(index uint64) (message.Proposal, bool)
}

// RetryPolicy bounds log-sync's retry/backoff behavior.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the MAX_SYNC_RETRIES default of spec section 6.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}
}

// Syncer drives both directions of the log-sync protocol for one node: it
// requests missing data from peers (client side) and serves the same
// requests from local state (server side).
type Syncer struct {
	sender Sender
	nv     *config.NodeView
	retry  RetryPolicy

	precommitSrc PrecommitSource
	committedSrc CommittedProposalSource
}

// New builds a Syncer. precommitSrc and committedSrc back the server-side
// handlers; sender backs the client-side requests.
func New(sender Sender, nv *config.NodeView, precommitSrc PrecommitSource, committedSrc CommittedProposalSource, retry RetryPolicy) *Syncer {
	return &Syncer{
		sender:       sender,
		nv:           nv,
		retry:        retry,
		precommitSrc: precommitSrc,
		committedSrc: committedSrc,
	}
}

// RequestPrecommitData issues a PreparedProposalRequest to from for pre's
// index, retrying transient failures with exponential backoff up to
// MaxSyncRetries. It cancels early once currentCommittedIndex() reports an
// index at or past pre's, since another path has already resolved it. On a
// response whose hash matches, onFilled is invoked with pre spliced with
// the response's data; the callback re-enters handlePrePrepare.
func (s *Syncer) RequestPrecommitData(ctx context.Context, from message.NodeIndex, pre message.PrePrepare, currentCommittedIndex func() uint64, onFilled func(message.PrePrepare)) error {
	delay := s.retry.BaseDelay
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if currentCommittedIndex() >= pre.Proposal.Index {
			log.Infof("logsync: committedIndex advanced past %d, cancelling precommit-data request", pre.Proposal.Index)
			return nil
		}

		req := &message.PreparedProposalRequest{
			Header: message.Header{
				Index:         pre.Proposal.Index,
				View:          pre.View,
				GeneratedFrom: s.nv.NodeIndex(),
				Timestamp:     time.Now(),
			},
			Index: pre.Proposal.Index,
		}

		resp, err := s.sender.SendRequest(ctx, from, req)
		if err != nil {
			log.Warnf("logsync: precommit-data request to node %d failed (attempt %d/%d): %v",
				from, attempt+1, s.retry.MaxAttempts, err)
			if !sleepOrDone(ctx, &delay) {
				return ctx.Err()
			}
			continue
		}

		ppr, ok := resp.(*message.PreparedProposalResponse)
		if !ok {
			return errors.Errorf("logsync: unexpected response type %T", resp)
		}
		if !ppr.Found {
			log.Warnf("logsync: node %d has no precommit data for index %d", from, pre.Proposal.Index)
			if !sleepOrDone(ctx, &delay) {
				return ctx.Err()
			}
			continue
		}
		if ppr.Proposal.Hash != pre.Proposal.Hash {
			return errors.Wrapf(ErrHashMismatch, "index %d: requested hash %s, got %s",
				pre.Proposal.Index, pre.Proposal.Hash, ppr.Proposal.Hash)
		}

		filled := pre
		filled.Proposal = filled.Proposal.Clone()
		filled.Proposal.Data = append([]byte(nil), ppr.Proposal.Data...)
		onFilled(filled)
		return nil
	}
	return errors.Wrapf(ErrSyncExhausted, "precommit data for index %d from node %d", pre.Proposal.Index, from)
}

// RequestCommittedProposals issues a CommittedProposalRequest to from for
// the range [start, start+offset), retrying transient failures the same
// way as RequestPrecommitData, and cancels early once
// currentCommittedIndex() has reached start+offset-1.
func (s *Syncer) RequestCommittedProposals(ctx context.Context, from message.NodeIndex, start, offset uint64, currentCommittedIndex func() uint64, onReceived func([]message.Proposal)) error {
	delay := s.retry.BaseDelay
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if offset > 0 && currentCommittedIndex() >= start+offset-1 {
			log.Infof("logsync: committedIndex advanced past range [%d,%d), cancelling catch-up request", start, start+offset)
			return nil
		}

		req := &message.CommittedProposalRequest{
			Header: message.Header{
				GeneratedFrom: s.nv.NodeIndex(),
				Timestamp:     time.Now(),
			},
			Start:  start,
			Offset: offset,
		}

		resp, err := s.sender.SendRequest(ctx, from, req)
		if err != nil {
			log.Warnf("logsync: committed-proposal request to node %d failed (attempt %d/%d): %v",
				from, attempt+1, s.retry.MaxAttempts, err)
			if !sleepOrDone(ctx, &delay) {
				return ctx.Err()
			}
			continue
		}

		cpr, ok := resp.(*message.CommittedProposalResponse)
		if !ok {
			return errors.Errorf("logsync: unexpected response type %T", resp)
		}
		onReceived(cpr.Proposals)
		return nil
	}
	return errors.Wrapf(ErrSyncExhausted, "committed proposals [%d,%d) from node %d", start, start+offset, from)
}

// OnReceivePrecommitRequest answers a PreparedProposalRequest from
// PrecommitCache, Found=false if this node has no data for the index.
func (s *Syncer) OnReceivePrecommitRequest(req *message.PreparedProposalRequest) *message.PreparedProposalResponse {
	hdr := message.Header{Index: req.Index, GeneratedFrom: s.nv.NodeIndex(), Timestamp: time.Now()}

	p, ok := s.precommitSrc.PrecommitEntry(req.Index)
	if !ok || p.Data == nil {
		return &message.PreparedProposalResponse{Header: hdr, Found: false}
	}
	return &message.PreparedProposalResponse{Header: hdr, Proposal: p.Clone(), Found: true}
}

// OnReceiveCommittedProposalRequest answers a CommittedProposalRequest by
// reading the requested range from ledger storage.
func (s *Syncer) OnReceiveCommittedProposalRequest(req *message.CommittedProposalRequest) (*message.CommittedProposalResponse, error) {
	proposals, err := s.committedSrc.CommittedProposalsInRange(req.Start, req.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "read committed proposal range")
	}
	hdr := message.Header{GeneratedFrom: s.nv.NodeIndex(), Timestamp: time.Now()}
	return &message.CommittedProposalResponse{Header: hdr, Proposals: proposals}, nil
}

// sleepOrDone waits *delay (doubling it afterward) or returns false if ctx
// completes first.
func sleepOrDone(ctx context.Context, delay *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*delay):
		*delay *= 2
		return true
	}
}
