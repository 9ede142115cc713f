// Package ledger implements the durable checkpoint store (C7): a
// badger+gowal backed table of committed proposals bridging the in-memory
// consensus state to the external ledger that actually executes blocks.
package ledger

import (
	"context"
	"encoding/binary"
	stdErrors "errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/pbft-core/config"
	"github.com/vadiminshakov/pbft-core/message"
)

const walKeyProposal = "__ledger:proposal"

// ErrNotFound is returned when a requested committed proposal does not
// exist in the store.
var ErrNotFound = errors.New("ledger: key not found")

// ErrStateRegression is a fatal error: the same index was committed twice
// with two different hashes, which can only happen if a Byzantine quorum
// was reached or this node's own state is corrupted.
var ErrStateRegression = errors.New("ledger: committed proposal hash mismatch at existing index")

// ErrLedgerFailure is a permanent external-ledger failure; the engine must
// halt rather than keep retrying.
var ErrLedgerFailure = errors.New("ledger: permanent external ledger failure")

// LedgerConfig is the protocol configuration the external ledger may
// revise after executing a stable checkpoint.
type LedgerConfig struct {
	Nodes       []config.NodeInfo
	BlockParams map[string]string
}

// Equal reports whether two LedgerConfigs describe the same node set and
// block parameters, used to decide whether resetConfig must run.
func (c LedgerConfig) Equal(other LedgerConfig) bool {
	if len(c.Nodes) != len(other.Nodes) {
		return false
	}
	for i := range c.Nodes {
		if c.Nodes[i] != other.Nodes[i] {
			return false
		}
	}
	if len(c.BlockParams) != len(other.BlockParams) {
		return false
	}
	for k, v := range c.BlockParams {
		if other.BlockParams[k] != v {
			return false
		}
	}
	return true
}

// ExternalLedger executes a committed proposal's block and persists it,
// returning the (possibly revised) LedgerConfig on success. It is the seam
// to the system outside this module's scope.
//
//go:generate mockgen -destination=../mocks/mock_ledger.go -package=mocks . ExternalLedger
type ExternalLedger interface {
	ExecuteAndPersist(ctx context.Context, proposal message.Proposal) (LedgerConfig, error)
}

// FinalizeFunc is invoked once the external ledger acknowledges execution
// of a stable checkpoint, with the LedgerConfig it returned.
type FinalizeFunc func(cfg LedgerConfig)

// ResetConfigFunc is invoked when the finalized LedgerConfig differs from
// the previously known one (consensus node set or block parameters
// changed).
type ResetConfigFunc func(old, new LedgerConfig)

// NotifyFunc is invoked after finalize/resetConfig, delivering the
// committed block to downstream consumers.
type NotifyFunc func(proposal message.Proposal, cfg LedgerConfig)

// RetryPolicy bounds the backoff used by AsyncCommitStableCheckPoint when
// the external ledger reports a transient error.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the MAX_SYNC_RETRIES default used elsewhere
// in this module's retry logic.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}
}

// Store persists committed proposals in BadgerDB, reconstructs them from a
// write-ahead log on startup (grounded on io/store/store.go's recover()
// pattern), and drives the external ledger's checkpoint pipeline.
type Store struct {
	wal *gowal.Wal
	db  *badger.DB
	mu  sync.RWMutex

	maxCommitted atomic.Int64 // -1 means nothing committed yet

	external    ExternalLedger
	finalize    FinalizeFunc
	resetConfig ResetConfigFunc
	notify      NotifyFunc
	retry       RetryPolicy

	configMu   sync.Mutex
	lastConfig LedgerConfig
}

// New opens the badger-backed store at dbPath and replays wal to
// reconstruct it, matching the WAL-then-KV recovery shape of
// io/store/store.go.
func New(wal *gowal.Wal, dbPath string, external ExternalLedger, finalize FinalizeFunc, resetConfig ResetConfigFunc, notify NotifyFunc) (*Store, error) {
	if wal == nil {
		return nil, errors.New("ledger: wal is nil")
	}
	if dbPath == "" {
		return nil, errors.New("ledger: db path is empty")
	}

	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create badger directory")
	}

	db, err := badger.Open(badger.DefaultOptions(dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}

	s := &Store{
		wal:         wal,
		db:          db,
		external:    external,
		finalize:    finalize,
		resetConfig: resetConfig,
		notify:      notify,
		retry:       DefaultRetryPolicy(),
	}
	s.maxCommitted.Store(-1)

	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func proposalKey(index uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], index)
	return b[:]
}

func (s *Store) recover() error {
	var maxIdx int64 = -1

	for entry := range s.wal.Iterator() {
		if entry.Key != walKeyProposal {
			continue
		}
		p, err := message.DecodeProposal(entry.Value)
		if err != nil {
			return errors.Wrap(err, "decode wal proposal entry")
		}

		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(proposalKey(p.Index), entry.Value)
		}); err != nil {
			return errors.Wrap(err, "apply wal entry to badger")
		}

		if int64(p.Index) > maxIdx {
			maxIdx = int64(p.Index)
		}
	}

	if maxIdx >= 0 {
		s.maxCommitted.Store(maxIdx)
	}
	return nil
}

// LoadState reads every durably committed proposal with index > stableIndex,
// in ascending order, for the engine to splice into PrecommitCache on
// startup.
func (s *Store) LoadState(stableIndex uint64) ([]message.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var raw []byte
			if err := item.Value(func(val []byte) error {
				raw = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			p, err := message.DecodeProposal(raw)
			if err != nil {
				return errors.Wrap(err, "decode stored proposal")
			}
			if p.Index > stableIndex {
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommittedProposalsInRange reads committed proposals with index in
// [start, start+offset), in ascending order, serving log-sync's
// CommittedProposalRequest.
func (s *Store) CommittedProposalsInRange(start, offset uint64) ([]message.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := start + offset
	var out []message.Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(proposalKey(start)); it.Valid(); it.Next() {
			item := it.Item()
			idx := binary.BigEndian.Uint64(item.Key())
			if idx >= end {
				break
			}
			var raw []byte
			if err := item.Value(func(val []byte) error {
				raw = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			p, err := message.DecodeProposal(raw)
			if err != nil {
				return errors.Wrap(err, "decode stored proposal")
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AsyncCommitProposal durably writes p under its index and advances
// maxCommittedProposalIndex to max(stored, p.Index). It is idempotent:
// replaying the same index with the same hash is a no-op, but a different
// hash at an already-stored index is ErrStateRegression, a fatal
// inconsistency the caller must halt on. Despite the spec-facing "Async"
// name, persistence itself is synchronous and safe to call from a
// goroutine when the caller wants to avoid blocking the worker loop.
func (s *Store) AsyncCommitProposal(p message.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := message.EncodeProposal(p)
	if err != nil {
		return errors.Wrap(err, "encode proposal")
	}

	var existing []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(proposalKey(p.Index))
		if err != nil {
			if stdErrors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existing, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "read existing proposal")
	}

	if existing != nil {
		prev, err := message.DecodeProposal(existing)
		if err != nil {
			return errors.Wrap(err, "decode existing proposal")
		}
		if prev.Hash == p.Hash {
			return nil // idempotent replay
		}
		return errors.Wrapf(ErrStateRegression, "index %d: stored hash %s, new hash %s", p.Index, prev.Hash, p.Hash)
	}

	if err := s.wal.Write(p.Index, walKeyProposal, encoded); err != nil {
		return errors.Wrap(err, "write wal entry")
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(proposalKey(p.Index), encoded)
	}); err != nil {
		return errors.Wrap(err, "persist proposal")
	}

	for {
		cur := s.maxCommitted.Load()
		if cur >= int64(p.Index) {
			break
		}
		if s.maxCommitted.CompareAndSwap(cur, int64(p.Index)) {
			break
		}
	}
	return nil
}

// AsyncCommitStableCheckPoint hands p to the external ledger for execution
// and block persistence, retrying transient errors with bounded backoff.
// On acknowledgement it runs finalize, then resetConfig if the node set or
// block parameters changed, then notify. A permanent ledger failure is
// returned so the engine can halt.
func (s *Store) AsyncCommitStableCheckPoint(ctx context.Context, p message.Proposal) error {
	var (
		cfg LedgerConfig
		err error
	)

	delay := s.retry.BaseDelay
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		cfg, err = s.external.ExecuteAndPersist(ctx, p)
		if err == nil {
			break
		}
		if errors.Is(err, ErrLedgerFailure) {
			log.Errorf("ledger: permanent failure committing checkpoint at index %d: %v", p.Index, err)
			return err
		}
		log.Warnf("ledger: transient error committing checkpoint at index %d (attempt %d/%d): %v",
			p.Index, attempt+1, s.retry.MaxAttempts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return errors.Wrap(err, "exhausted retries committing stable checkpoint")
	}

	if s.finalize != nil {
		s.finalize(cfg)
	}

	s.configMu.Lock()
	changed := !s.lastConfig.Equal(cfg)
	old := s.lastConfig
	s.lastConfig = cfg
	s.configMu.Unlock()

	if changed && s.resetConfig != nil {
		s.resetConfig(old, cfg)
	}

	if s.notify != nil {
		s.notify(p, cfg)
	}
	return nil
}

// AsyncRemoveStabledCheckPoint garbage-collects durable entries with index
// at or below upToIndex, once the caller has determined they are safely
// below the ledger's persisted head.
func (s *Store) AsyncRemoveStabledCheckPoint(upToIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var toDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) != 8 {
				continue
			}
			idx := binary.BigEndian.Uint64(key)
			if idx <= upToIndex {
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// MaxCommittedProposalIndex returns the last durably committed index, or 0
// if nothing has committed yet.
func (s *Store) MaxCommittedProposalIndex() uint64 {
	v := s.maxCommitted.Load()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}
