package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/pbft-core/cache"
	"github.com/vadiminshakov/pbft-core/config"
	"github.com/vadiminshakov/pbft-core/cryptosuite"
	"github.com/vadiminshakov/pbft-core/engine"
	"github.com/vadiminshakov/pbft-core/ledger"
	"github.com/vadiminshakov/pbft-core/logsync"
	"github.com/vadiminshakov/pbft-core/message"
	"github.com/vadiminshakov/pbft-core/queue"
	"github.com/vadiminshakov/pbft-core/transport/grpcfront"
	"github.com/vadiminshakov/pbft-core/validator"
)

// demoLedger stands in for the external ledger (block execution and
// state-trie persistence are an explicit Non-goal): it logs what would
// have been executed and leaves the protocol configuration untouched.
type demoLedger struct {
	nodes []config.NodeInfo
}

func (d *demoLedger) ExecuteAndPersist(_ context.Context, p message.Proposal) (ledger.LedgerConfig, error) {
	log.Infof("demoLedger: executing block at index %d (hash %s, %d bytes)", p.Index, p.Hash, len(p.Data))
	return ledger.LedgerConfig{Nodes: d.nodes}, nil
}

// demoValidator stands in for the external block validator (block
// execution and transaction validation are an explicit Non-goal): it
// accepts every proposal whose hash isn't the empty-block sentinel.
type demoValidator struct{}

func (demoValidator) VerifyProposal(_ string, proposal message.Proposal, callback func(error, bool)) {
	callback(nil, !proposal.Hash.IsEmpty())
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC822,
	})

	flags := config.Get()
	if len(flags.Nodes) == 0 {
		log.Fatal("at least one -node flag is required")
	}

	selfIdx := -1
	nodeInfos := make([]config.NodeInfo, len(flags.Nodes))
	addrs := make(map[message.NodeIndex]string, len(flags.Nodes))
	for i, n := range flags.Nodes {
		nodeInfos[i] = config.NodeInfo{ID: n.ID, Weight: n.Weight}
		addrs[message.NodeIndex(i)] = n.Addr
		if n.ID == flags.NodeID {
			selfIdx = i
		}
	}
	if selfIdx < 0 {
		log.Fatalf("nodeid %q does not match any -node entry", flags.NodeID)
	}
	self := message.NodeIndex(selfIdx)

	nv := config.NewNodeView(self, nodeInfos, flags.Options.WaterMarkWindow)
	cacheProc := cache.New()
	q := queue.New(1024)

	keys, err := cryptosuite.RandomKeySet(self, len(nodeInfos))
	if err != nil {
		log.Fatalf("failed to build key set: %v", err)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              flags.DBPath + "/wal",
		Prefix:           "wal_",
		SegmentThreshold: 16 * 1024 * 1024,
		MaxSegments:      20,
	})
	if err != nil {
		log.Fatalf("failed to open wal: %v", err)
	}

	dl := &demoLedger{nodes: nodeInfos}
	store, err := ledger.New(wal, flags.DBPath+"/db", dl,
		func(cfg ledger.LedgerConfig) {
			log.Infof("ledger: checkpoint finalized, %d nodes", len(cfg.Nodes))
		},
		func(old, new ledger.LedgerConfig) {
			log.Infof("ledger: config changed from %d to %d nodes", len(old.Nodes), len(new.Nodes))
		},
		func(p message.Proposal, _ ledger.LedgerConfig) {
			log.Infof("ledger: notify index %d committed", p.Index)
		},
	)
	if err != nil {
		log.Fatalf("failed to open ledger store: %v", err)
	}
	defer store.Close()

	var eng *engine.Engine
	handler := func(transportErr error, from message.NodeIndex, msg message.ConsensusMessage) {
		eng.OnReceivePBFTMessage(transportErr, from, msg)
	}
	requestHandler := func(ctx context.Context, from message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error) {
		return eng.AnswerRequest(ctx, from, req)
	}

	front := grpcfront.NewServer(flags.Nodeaddr, handler, requestHandler)
	if err := front.Run(); err != nil {
		log.Fatalf("failed to start front service: %v", err)
	}
	defer front.Stop()

	client := grpcfront.NewClient(self, addrs)
	syncer := logsync.New(client, nv, cacheProc, store, logsync.RetryPolicy{
		MaxAttempts: flags.Options.MaxSyncRetries,
		BaseDelay:   50 * time.Millisecond,
	})
	val := validator.New(demoValidator{}, nv.NodeID())

	eng = engine.New(nv, cacheProc, q, client, store, syncer, val, keys, keys, flags.Options)
	eng.AttachTimer()
	go eng.Run()

	leader := nv.LeaderIndex(nv.ProgressedIndex(), nv.View())
	log.Infof("node %s (index %d) listening on %s, leader is %d", nv.NodeID(), self, front.Addr(), leader)

	if nodeInfos[leader].ID == flags.NodeID {
		go func() {
			time.Sleep(2 * time.Second)
			data := []byte(fmt.Sprintf("genesis block from %s", flags.NodeID))
			result := <-eng.SubmitProposal(data, cryptosuite.HashData(data))
			if result.Err != nil {
				log.Warnf("demo proposal failed: %v", result.Err)
				return
			}
			log.Infof("demo proposal committed at index %d", result.Index)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	eng.Stop()
}
