package ledger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/mock/gomock"

	"github.com/vadiminshakov/pbft-core/ledger"
	"github.com/vadiminshakov/pbft-core/message"
	"github.com/vadiminshakov/pbft-core/mocks"
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

func TestAsyncCommitStableCheckPointCallsExternalLedgerExactlyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	external := mocks.NewMockExternalLedger(ctrl)

	cfg := ledger.LedgerConfig{BlockParams: map[string]string{"height": "1"}}
	proposal := message.Proposal{Index: 1, Hash: message.Digest{1}}

	external.EXPECT().
		ExecuteAndPersist(gomock.Any(), proposal).
		Return(cfg, nil).
		Times(1)

	walDir := filepath.Join(t.TempDir(), "wal")
	dbDir := filepath.Join(t.TempDir(), "db")
	w := openWAL(t, walDir)
	t.Cleanup(func() { _ = os.RemoveAll(walDir); _ = os.RemoveAll(dbDir) })

	s, err := ledger.New(w, dbDir, external, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.AsyncCommitStableCheckPoint(context.Background(), proposal))
}
