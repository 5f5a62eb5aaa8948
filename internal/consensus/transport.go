package consensus

import (
	"context"
	"fmt"
	"sync"

	"github.com/hypermesh-online/hypermesh/internal/identity"
)

// Transport moves consensus messages between nodes. The physical wire
// protocol is an external concern; deployments plug in an implementation for
// whatever carrier they use.
type Transport interface {
	// Send delivers msg to peer and returns the peer's reply, if any.
	Send(ctx context.Context, peer identity.NodeID, msg Message) (*Message, error)
	// Handle registers the inbound handler. A non-nil return value is sent
	// back to the caller as the reply.
	Handle(handler func(Message) *Message)
}

// broadcast fans msg out to every peer concurrently and streams replies on
// the returned channel, which closes once every send has finished or ctx
// ends. Send errors are dropped; callers count the replies they need.
func broadcast(ctx context.Context, t Transport, peers []identity.NodeID, msg Message) <-chan Message {
	out := make(chan Message, len(peers))
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer identity.NodeID) {
			defer wg.Done()
			reply, err := t.Send(ctx, peer, msg)
			if err != nil || reply == nil {
				return
			}
			select {
			case out <- *reply:
			case <-ctx.Done():
			}
		}(peer)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// LocalNetwork routes messages between in-process transports. Used by tests
// and single-process clusters.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[identity.NodeID]*LocalTransport
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{nodes: make(map[identity.NodeID]*LocalTransport)}
}

// Join registers node on the network and returns its transport.
func (n *LocalNetwork) Join(node identity.NodeID) *LocalTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &LocalTransport{network: n, node: node}
	n.nodes[node] = t
	return t
}

// Disconnect removes node from the network; sends to it fail afterwards.
func (n *LocalNetwork) Disconnect(node identity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, node)
}

func (n *LocalNetwork) lookup(node identity.NodeID) (*LocalTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[node]
	return t, ok
}

type LocalTransport struct {
	network *LocalNetwork
	node    identity.NodeID

	mu      sync.RWMutex
	handler func(Message) *Message
}

func (t *LocalTransport) Handle(handler func(Message) *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *LocalTransport) Send(ctx context.Context, peer identity.NodeID, msg Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, ok := t.network.lookup(peer)
	if !ok {
		return nil, fmt.Errorf("peer %s unreachable", peer)
	}
	target.mu.RLock()
	handler := target.handler
	target.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("peer %s has no handler", peer)
	}
	return handler(msg), nil
}
