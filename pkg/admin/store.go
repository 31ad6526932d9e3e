package admin

import (
	"context"

	"github.com/shannynalayna/splinter/pkg/registry"
	"github.com/shannynalayna/splinter/pkg/types"
)

// Store is the admin persistence contract. Backends are pluggable; the
// lifecycle state machine only relies on the operations below. UpdateTx
// must apply every mutation made through the transactional view
// atomically — a vote resolution that activates a circuit is one
// transaction.
type Store interface {
	GetCircuit(ctx context.Context, id types.CircuitID) (Circuit, error)
	// ListCircuits returns circuits, optionally filtered by status
	// (empty string means all).
	ListCircuits(ctx context.Context, status Status) ([]Circuit, error)
	UpsertCircuit(ctx context.Context, circuit Circuit) error
	RemoveCircuit(ctx context.Context, id types.CircuitID) error

	GetProposal(ctx context.Context, id types.ProposalID) (Proposal, error)
	// PendingProposal returns the unresolved proposal for a circuit, or
	// ErrNotFound if none is pending.
	PendingProposal(ctx context.Context, circuitID types.CircuitID) (Proposal, error)
	ListProposals(ctx context.Context) ([]Proposal, error)
	UpsertProposal(ctx context.Context, proposal Proposal) error
	RemoveProposal(ctx context.Context, id types.ProposalID) error
	RemoveCircuitProposals(ctx context.Context, circuitID types.CircuitID) error

	ListNodes(ctx context.Context) ([]registry.Node, error)
	UpsertNode(ctx context.Context, node registry.Node) error

	UpdateTx(ctx context.Context, fn func(tx Store) error) error
}
