package transport

import (
	"context"
	"sync"
	"time"

	"github.com/hramov/floatkeeper/internal/errors"
)

// MemoryNetwork connects in-process endpoints. It is used for local
// simulation and for exercising partitions deterministically.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
	isolated  map[string]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryEndpoint),
		isolated:  make(map[string]bool),
	}
}

// Endpoint returns the endpoint for id, creating it on first use.
func (n *MemoryNetwork) Endpoint(id string) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &MemoryEndpoint{
		id:      id,
		network: n,
		inbox:   make(chan Packet, 256),
	}
	n.endpoints[id] = ep
	return ep
}

// Isolate cuts id off from every other endpoint in both directions.
func (n *MemoryNetwork) Isolate(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// Heal reconnects every isolated endpoint.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[string]bool)
}

func (n *MemoryNetwork) deliver(from string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isolated[from] {
		return errors.Errorf(errors.KindTransientNetwork, "endpoint %s is isolated", from)
	}

	for id, ep := range n.endpoints {
		if id == from || n.isolated[id] {
			continue
		}
		p := Packet{
			Payload:  append([]byte(nil), payload...),
			From:     from,
			Received: time.Now(),
		}
		select {
		case ep.inbox <- p:
		default:
			// full inbox behaves like a dropped datagram
		}
	}
	return nil
}

type MemoryEndpoint struct {
	id      string
	network *MemoryNetwork
	inbox   chan Packet
}

func (e *MemoryEndpoint) Send(payload []byte) error {
	return e.network.deliver(e.id, payload)
}

// Inject queues a raw datagram as if it had arrived from from.
func (e *MemoryEndpoint) Inject(from string, payload []byte) {
	e.inbox <- Packet{Payload: payload, From: from, Received: time.Now()}
}

func (e *MemoryEndpoint) Serve(ctx context.Context, packets chan<- Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-e.inbox:
			select {
			case packets <- p:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
