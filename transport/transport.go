// Package transport defines the seam onto the front service contract of
// spec section 6 (peer-to-peer transport is an explicit Non-goal of the
// core) and provides an in-process Loopback implementation used by tests.
// The gRPC front demonstrator (transport/grpcfront) does not use Loopback.
package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/pbft-core/message"
)

// Module is the module identifier the front service contract routes
// consensus traffic under.
const Module = "PBFT"

// ErrUnknownNode is returned when addressing a node index outside the
// registered consensus set.
var ErrUnknownNode = errors.New("transport: unknown node index")

// Transport is what the engine and log-sync need from the front service:
// broadcast/unicast delivery of consensus messages, and a synchronous
// request/response call used for log-sync's catch-up requests. A real
// front service is fire-and-forget (sendByNodeIDs plus an inbound
// dispatcher callback); SendRequest's synchronous shape is a convenience
// an implementation builds by correlating an outbound send with the next
// matching inbound reply.
//
//go:generate mockgen -destination=../mocks/mock_transport.go -package=mocks . Transport
type Transport interface {
	Broadcast(msg message.ConsensusMessage) error
	SendTo(to message.NodeIndex, msg message.ConsensusMessage) error
	SendRequest(ctx context.Context, to message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error)
}

// Handler is what a node registers with the transport to receive inbound
// consensus messages, mirroring the front service contract's
// (error, fromNodeID, bytes, replyFn) dispatcher signature: err is set
// when the concrete transport failed to deliver or decode a message, in
// which case msg is nil and from may be the zero value.
type Handler func(err error, from message.NodeIndex, msg message.ConsensusMessage)

// RequestHandler answers a synchronous request (PreparedProposalRequest or
// CommittedProposalRequest) with its response.
type RequestHandler func(ctx context.Context, from message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error)

// Loopback is an in-process Transport connecting every registered node
// directly, for tests and single-process demonstrations. It mirrors the
// map+mutex style of the teacher's cache package.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[message.NodeIndex]*loopbackNode
}

type loopbackNode struct {
	ingress Handler
	request RequestHandler
}

// NewLoopback builds an empty Loopback network.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[message.NodeIndex]*loopbackNode)}
}

// Register attaches a node's inbound handlers and returns a Transport
// bound to self, through which that node sends to its peers.
func (l *Loopback) Register(self message.NodeIndex, ingress Handler, request RequestHandler) Transport {
	l.mu.Lock()
	l.nodes[self] = &loopbackNode{ingress: ingress, request: request}
	l.mu.Unlock()
	return &loopbackTransport{net: l, self: self}
}

func (l *Loopback) peer(idx message.NodeIndex) (*loopbackNode, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.nodes[idx]
	return n, ok
}

func (l *Loopback) peerIndices() []message.NodeIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]message.NodeIndex, 0, len(l.nodes))
	for idx := range l.nodes {
		out = append(out, idx)
	}
	return out
}

type loopbackTransport struct {
	net  *Loopback
	self message.NodeIndex
}

func (t *loopbackTransport) Broadcast(msg message.ConsensusMessage) error {
	for _, idx := range t.net.peerIndices() {
		if idx == t.self {
			continue
		}
		if err := t.SendTo(idx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *loopbackTransport) SendTo(to message.NodeIndex, msg message.ConsensusMessage) error {
	peer, ok := t.net.peer(to)
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "%d", to)
	}
	go peer.ingress(nil, t.self, msg)
	return nil
}

func (t *loopbackTransport) SendRequest(ctx context.Context, to message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error) {
	peer, ok := t.net.peer(to)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "%d", to)
	}
	if peer.request == nil {
		return nil, errors.Errorf("transport: node %d does not serve requests", to)
	}

	type result struct {
		msg message.ConsensusMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := peer.request(ctx, t.self, req)
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.msg, r.err
	}
}
