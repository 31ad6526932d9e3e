package admin

import "github.com/shannynalayna/splinter/pkg/types"

// VotePayload is the wire form of one member's vote on a pending proposal.
type VotePayload struct {
	ProposalID  types.ProposalID `json:"proposal_id"`
	CircuitID   types.CircuitID  `json:"circuit_id"`
	CircuitHash string           `json:"circuit_hash"`
	Voter       types.NodeID     `json:"voter"`
	Decision    VoteDecision     `json:"decision"`
	PublicKey   []byte           `json:"public_key"`
	Signature   []byte           `json:"signature"`
}

// ResolutionPayload announces a resolved proposal, carrying the full vote
// set so receivers can verify the outcome independently.
type ResolutionPayload struct {
	Proposal Proposal `json:"proposal"`
}

// EventType labels lifecycle events surfaced to the local operator.
type EventType string

const (
	EventProposalSubmitted EventType = "ProposalSubmitted"
	EventProposalReceived  EventType = "ProposalReceived"
	EventVoteRecorded      EventType = "VoteRecorded"
	EventProposalAccepted  EventType = "ProposalAccepted"
	EventProposalRejected  EventType = "ProposalRejected"
	EventProposalWithdrawn EventType = "ProposalWithdrawn"
	EventCircuitActivated  EventType = "CircuitActivated"
	EventCircuitDisbanded  EventType = "CircuitDisbanded"
	EventCircuitAbandoned  EventType = "CircuitAbandoned"
	EventCircuitPurged     EventType = "CircuitPurged"
)

// Event is one operator-visible lifecycle occurrence. Pending proposals
// surfaced this way await an explicit CastVote decision.
type Event struct {
	Type       EventType        `json:"type"`
	CircuitID  types.CircuitID  `json:"circuit_id,omitempty"`
	ProposalID types.ProposalID `json:"proposal_id,omitempty"`
	Voter      types.NodeID     `json:"voter,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}
