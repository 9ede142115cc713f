// Package config loads process configuration and exposes the node view
// (C2): the single source of truth for view, leader, quorum and committed
// index that every other component reads.
package config

import (
	"flag"
	"strings"
)

// Options holds the tunables listed in spec section 6, with the defaults
// named there.
type Options struct {
	ConsensusTimeoutMs uint64
	PopWaitMs          uint64
	WaterMarkWindow    uint64
	RetainWindow       uint64
	MaxSyncRetries     int
	ChangeCycleCap     uint
}

func DefaultOptions() Options {
	return Options{
		ConsensusTimeoutMs: 3000,
		PopWaitMs:          5,
		WaterMarkWindow:    10,
		RetainWindow:       512,
		MaxSyncRetries:     5,
		ChangeCycleCap:     6,
	}
}

// NodeSpec describes one consensus node as read from configuration: its
// network address (consumed by the transport layer, opaque to the core)
// and its voting weight.
type NodeSpec struct {
	ID     string
	Addr   string
	Weight uint64
}

// Flags holds the raw process configuration, in the style of the
// flag-based loader this module's wiring is grounded on.
type Flags struct {
	NodeID   string
	Nodeaddr string
	DBPath   string
	Nodes    []NodeSpec
	Options  Options
}

type nodeList []NodeSpec

func (n *nodeList) String() string {
	parts := make([]string, len(*n))
	for i, s := range *n {
		parts[i] = s.ID + "@" + s.Addr
	}
	return strings.Join(parts, ",")
}

func (n *nodeList) Set(value string) error {
	weight := uint64(1)
	atIdx := strings.Index(value, "@")
	if atIdx < 0 {
		*n = append(*n, NodeSpec{ID: value, Addr: value, Weight: weight})
		return nil
	}
	*n = append(*n, NodeSpec{ID: value[:atIdx], Addr: value[atIdx+1:], Weight: weight})
	return nil
}

// Get parses command-line flags into Flags, in the style of this module's
// original flag-based loader: a flat set of flags, no hidden globals.
func Get() *Flags {
	nodeID := flag.String("nodeid", "0", "this node's id (must match the id of one -node entry)")
	nodeaddr := flag.String("nodeaddr", "localhost:4050", "this node's listen address")
	dbpath := flag.String("dbpath", "./pbftdata", "durable checkpoint store path")
	consensusTimeoutMs := flag.Uint64("consensus-timeout-ms", 3000, "view-change timeout base, ms")
	popWaitMs := flag.Uint64("pop-wait-ms", 5, "worker queue pop wait, ms")
	waterMarkWindow := flag.Uint64("water-mark-window", 10, "high water mark window beyond progressed index")
	retainWindow := flag.Uint64("retain-window", 512, "cache retain window below committed index")
	maxSyncRetries := flag.Int("max-sync-retries", 5, "log-sync retry budget")
	changeCycleCap := flag.Uint("change-cycle-cap", 6, "exponential view-change timeout cap (2^k)")

	var nodes nodeList
	flag.Var(&nodes, "node", "repeatable: id@addr for each consensus node, in index order")
	flag.Parse()

	return &Flags{
		NodeID:   *nodeID,
		Nodeaddr: *nodeaddr,
		DBPath:   *dbpath,
		Nodes:    []NodeSpec(nodes),
		Options: Options{
			ConsensusTimeoutMs: *consensusTimeoutMs,
			PopWaitMs:          *popWaitMs,
			WaterMarkWindow:    *waterMarkWindow,
			RetainWindow:       *retainWindow,
			MaxSyncRetries:     *maxSyncRetries,
			ChangeCycleCap:     *changeCycleCap,
		},
	}
}
