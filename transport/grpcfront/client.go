package grpcfront

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/vadiminshakov/pbft-core/message"
	"github.com/vadiminshakov/pbft-core/transport"
)

// Client is a transport.Transport backed by real gRPC connections to peer
// front services, dialed lazily and cached per peer.
type Client struct {
	self  message.NodeIndex
	addrs map[message.NodeIndex]string

	mu    sync.Mutex
	conns map[message.NodeIndex]*grpc.ClientConn
}

// NewClient builds a Client that reaches peers at the given addresses.
// addrs may include self's own index; Broadcast skips it.
func NewClient(self message.NodeIndex, addrs map[message.NodeIndex]string) *Client {
	return &Client{self: self, addrs: addrs, conns: make(map[message.NodeIndex]*grpc.ClientConn)}
}

func (c *Client) conn(to message.NodeIndex) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[to]; ok {
		return cc, nil
	}
	addr, ok := c.addrs[to]
	if !ok {
		return nil, errors.Wrapf(transport.ErrUnknownNode, "%d", to)
	}

	cc, err := grpc.Dial(addr, grpc.WithInsecure(), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, errors.Wrapf(err, "grpcfront: dial %s", addr)
	}
	c.conns[to] = cc
	return cc, nil
}

func (c *Client) send(ctx context.Context, to message.NodeIndex, msg message.ConsensusMessage) error {
	cc, err := c.conn(to)
	if err != nil {
		return err
	}
	envelope, err := message.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "grpcfront: encode")
	}
	var reply []byte
	return cc.Invoke(ctx, "/pbft.Front/Send", &envelope, &reply)
}

// Broadcast sends msg to every known peer, stopping at the first error.
func (c *Client) Broadcast(msg message.ConsensusMessage) error {
	for to := range c.addrs {
		if to == c.self {
			continue
		}
		if err := c.send(context.Background(), to, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) SendTo(to message.NodeIndex, msg message.ConsensusMessage) error {
	return c.send(context.Background(), to, msg)
}

func (c *Client) SendRequest(ctx context.Context, to message.NodeIndex, req message.ConsensusMessage) (message.ConsensusMessage, error) {
	cc, err := c.conn(to)
	if err != nil {
		return nil, err
	}
	envelope, err := message.Encode(req)
	if err != nil {
		return nil, errors.Wrap(err, "grpcfront: encode")
	}

	var reply []byte
	if err := cc.Invoke(ctx, "/pbft.Front/Request", &envelope, &reply); err != nil {
		return nil, err
	}
	return message.Decode(reply)
}
