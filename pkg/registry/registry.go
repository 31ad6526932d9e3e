package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/types"
)

// Node is one administratively registered participant.
type Node struct {
	ID        types.NodeID `json:"id"`
	Endpoint  string       `json:"endpoint"`
	PublicKey []byte       `json:"public_key"`
}

// Registry resolves node identities to endpoints and registered keys.
type Registry interface {
	Node(id types.NodeID) (Node, error)
	List() []Node
}

// Loader fetches the full node set from the backing store.
type Loader func(ctx context.Context) ([]Node, error)

// LocalRegistry is the process-scoped node registry. It is populated
// explicitly from the admin persistence backend at startup and refreshed
// explicitly on membership change; call sites never mutate it directly.
type LocalRegistry struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]Node
	load  Loader
}

func NewLocalRegistry(load Loader) *LocalRegistry {
	return &LocalRegistry{
		nodes: make(map[types.NodeID]Node),
		load:  load,
	}
}

// Refresh re-reads the node set from the backing store, replacing the
// cached view wholesale.
func (r *LocalRegistry) Refresh(ctx context.Context) error {
	nodes, err := r.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load node registry: %w", err)
	}
	next := make(map[types.NodeID]Node, len(nodes))
	for _, n := range nodes {
		next[n.ID] = n
	}
	r.mu.Lock()
	r.nodes = next
	r.mu.Unlock()
	return nil
}

// Put inserts or replaces a single node record.
func (r *LocalRegistry) Put(node Node) {
	r.mu.Lock()
	r.nodes[node.ID] = node
	r.mu.Unlock()
}

func (r *LocalRegistry) Node(id types.NodeID) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %s: %w", id, splerrors.ErrNotFound)
	}
	return node, nil
}

func (r *LocalRegistry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}
