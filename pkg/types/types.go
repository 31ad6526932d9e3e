package types

// NodeID identifies an administratively registered node in the network.
type NodeID string

// CircuitID identifies a circuit. It is content-derived: nodes that
// independently construct the same circuit definition compute the same ID.
type CircuitID string

// ServiceID identifies one service within a circuit.
type ServiceID string

// ProposalID identifies a lifecycle proposal, content-derived like CircuitID.
type ProposalID string

// BatchID identifies one two-phase-commit batch, derived from
// (service, sequence, operations).
type BatchID string

// SeqNum is the per-service batch sequence number. Committed and aborted
// batches both consume exactly one sequence slot.
type SeqNum uint64

// Version is a committed state store version. Version 0 is the empty tree.
type Version uint64

// StateRoot is the hex-encoded Merkle root hash of a state store version.
type StateRoot string

// Key and Value are the opaque state store key/value types.
type Key = []byte

type Value = []byte
