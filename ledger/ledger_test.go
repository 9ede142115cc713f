package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/pbft-core/message"
)

func openWAL(t *testing.T, dir string) *gowal.Wal {
	t.Helper()
	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "wal_",
		SegmentThreshold: 1024 * 1024,
		MaxSegments:      10,
	})
	require.NoError(t, err)
	return w
}

type stubLedger struct {
	cfg LedgerConfig
	err error
	n   int
}

func (s *stubLedger) ExecuteAndPersist(ctx context.Context, p message.Proposal) (LedgerConfig, error) {
	s.n++
	return s.cfg, s.err
}

func newTestStore(t *testing.T, external ExternalLedger, finalize FinalizeFunc, resetConfig ResetConfigFunc, notify NotifyFunc) *Store {
	t.Helper()
	walDir := filepath.Join(t.TempDir(), "wal")
	dbDir := filepath.Join(t.TempDir(), "db")
	w := openWAL(t, walDir)
	t.Cleanup(func() { _ = os.RemoveAll(walDir); _ = os.RemoveAll(dbDir) })

	s, err := New(w, dbDir, external, finalize, resetConfig, notify)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAsyncCommitProposalIsIdempotent(t *testing.T) {
	s := newTestStore(t, nil, nil, nil, nil)

	p := message.Proposal{Index: 1, Hash: message.Digest{1}}
	require.NoError(t, s.AsyncCommitProposal(p))
	require.NoError(t, s.AsyncCommitProposal(p)) // replay, same hash: no-op

	assert.EqualValues(t, 1, s.MaxCommittedProposalIndex())
}

func TestAsyncCommitProposalRejectsConflictingHash(t *testing.T) {
	s := newTestStore(t, nil, nil, nil, nil)

	require.NoError(t, s.AsyncCommitProposal(message.Proposal{Index: 1, Hash: message.Digest{1}}))
	err := s.AsyncCommitProposal(message.Proposal{Index: 1, Hash: message.Digest{2}})
	assert.ErrorIs(t, err, ErrStateRegression)
}

func TestAsyncCommitProposalAdvancesMaxIndex(t *testing.T) {
	s := newTestStore(t, nil, nil, nil, nil)

	require.NoError(t, s.AsyncCommitProposal(message.Proposal{Index: 3, Hash: message.Digest{1}}))
	require.NoError(t, s.AsyncCommitProposal(message.Proposal{Index: 7, Hash: message.Digest{2}}))
	require.NoError(t, s.AsyncCommitProposal(message.Proposal{Index: 5, Hash: message.Digest{3}}))

	assert.EqualValues(t, 7, s.MaxCommittedProposalIndex())
}

func TestLoadStateReturnsAboveStableIndex(t *testing.T) {
	s := newTestStore(t, nil, nil, nil, nil)

	for _, idx := range []uint64{1, 2, 3, 4} {
		require.NoError(t, s.AsyncCommitProposal(message.Proposal{Index: idx, Hash: message.Digest{byte(idx)}, Data: []byte("d")}))
	}

	proposals, err := s.LoadState(2)
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	for _, p := range proposals {
		assert.Greater(t, p.Index, uint64(2))
	}
}

func TestRecoveryReplaysCommittedProposals(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")
	dbDir := filepath.Join(t.TempDir(), "db")
	w := openWAL(t, walDir)

	s, err := New(w, dbDir, nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AsyncCommitProposal(message.Proposal{Index: 10, Hash: message.Digest{9}, Data: []byte("block")}))
	require.NoError(t, s.Close())

	w2 := openWAL(t, walDir)
	s2, err := New(w2, dbDir, nil, nil, nil, nil)
	require.NoError(t, err)
	defer s2.Close()

	assert.EqualValues(t, 10, s2.MaxCommittedProposalIndex())
	proposals, err := s2.LoadState(0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.EqualValues(t, 10, proposals[0].Index)
}

func TestAsyncCommitStableCheckPointFinalizeAndNotify(t *testing.T) {
	cfg := LedgerConfig{BlockParams: map[string]string{"v": "1"}}
	stub := &stubLedger{cfg: cfg}

	var finalized LedgerConfig
	var notified message.Proposal
	var resetCalled bool

	s := newTestStore(t, stub,
		func(c LedgerConfig) { finalized = c },
		func(old, new LedgerConfig) { resetCalled = true },
		func(p message.Proposal, c LedgerConfig) { notified = p },
	)

	p := message.Proposal{Index: 1, Hash: message.Digest{1}}
	require.NoError(t, s.AsyncCommitStableCheckPoint(context.Background(), p))

	assert.Equal(t, cfg, finalized)
	assert.True(t, resetCalled, "first config must always trigger resetConfig since it differs from the zero value")
	assert.Equal(t, p, notified)
	assert.Equal(t, 1, stub.n)
}

func TestAsyncCommitStableCheckPointSkipsResetWhenConfigUnchanged(t *testing.T) {
	cfg := LedgerConfig{BlockParams: map[string]string{"v": "1"}}
	stub := &stubLedger{cfg: cfg}

	resets := 0
	s := newTestStore(t, stub, nil, func(old, new LedgerConfig) { resets++ }, nil)

	require.NoError(t, s.AsyncCommitStableCheckPoint(context.Background(), message.Proposal{Index: 1}))
	require.NoError(t, s.AsyncCommitStableCheckPoint(context.Background(), message.Proposal{Index: 2}))

	assert.Equal(t, 1, resets, "resetConfig must only run when the ledger config actually changes")
}

func TestAsyncCommitStableCheckPointRetriesTransientThenSucceeds(t *testing.T) {
	failing := &retryingLedger{failures: 2, cfg: LedgerConfig{}}

	s := newTestStore(t, failing, nil, nil, nil)
	s.retry.BaseDelay = 0

	require.NoError(t, s.AsyncCommitStableCheckPoint(context.Background(), message.Proposal{Index: 1}))
	assert.Equal(t, 3, failing.calls)
}

func TestAsyncCommitStableCheckPointStopsOnPermanentFailure(t *testing.T) {
	stub := &stubLedger{err: ErrLedgerFailure}
	s := newTestStore(t, stub, nil, nil, nil)

	err := s.AsyncCommitStableCheckPoint(context.Background(), message.Proposal{Index: 1})
	assert.ErrorIs(t, err, ErrLedgerFailure)
	assert.Equal(t, 1, stub.n, "a permanent failure must not be retried")
}

func TestAsyncRemoveStabledCheckPointGarbageCollects(t *testing.T) {
	s := newTestStore(t, nil, nil, nil, nil)
	for _, idx := range []uint64{1, 2, 3} {
		require.NoError(t, s.AsyncCommitProposal(message.Proposal{Index: idx, Hash: message.Digest{byte(idx)}}))
	}

	require.NoError(t, s.AsyncRemoveStabledCheckPoint(2))

	proposals, err := s.LoadState(0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.EqualValues(t, 3, proposals[0].Index)
}

type retryingLedger struct {
	failures int
	calls    int
	cfg      LedgerConfig
}

func (r *retryingLedger) ExecuteAndPersist(ctx context.Context, p message.Proposal) (LedgerConfig, error) {
	r.calls++
	if r.calls <= r.failures {
		return LedgerConfig{}, assertTransientErr
	}
	return r.cfg, nil
}

var assertTransientErr = transientErr("transient ledger error")

type transientErr string

func (e transientErr) Error() string { return string(e) }
