package admin

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/shannynalayna/splinter/pkg/types"
)

// Action is the lifecycle change a proposal requests.
type Action string

const (
	ActionCreate  Action = "Create"
	ActionDisband Action = "Disband"
)

// ProposalStatus tracks a proposal from submission to resolution. A
// proposal resolves exactly once; no votes are recorded afterwards.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "Pending"
	ProposalAccepted  ProposalStatus = "Accepted"
	ProposalRejected  ProposalStatus = "Rejected"
	ProposalWithdrawn ProposalStatus = "Withdrawn"
)

// VoteDecision is a member's recorded position on a proposal.
type VoteDecision string

const (
	VoteAccept VoteDecision = "Accept"
	VoteReject VoteDecision = "Reject"
)

// VoteRecord is one member's signed vote on one proposal.
type VoteRecord struct {
	Voter     types.NodeID `json:"voter"`
	Decision  VoteDecision `json:"decision"`
	PublicKey []byte       `json:"public_key"`
	Signature []byte       `json:"signature"`
}

// Proposal is a pending lifecycle change: the full circuit definition, the
// requested action, the requester's identity, and the votes collected so
// far. Resolution is unanimous: every member must record Accept, and a
// single Reject resolves the proposal Rejected immediately.
type Proposal struct {
	ID           types.ProposalID `json:"id"`
	CircuitID    types.CircuitID  `json:"circuit_id"`
	Action       Action           `json:"action"`
	Definition   Definition       `json:"definition"`
	CircuitHash  string           `json:"circuit_hash"`
	Requester    types.NodeID     `json:"requester"`
	RequesterKey []byte           `json:"requester_key"`
	Signature    []byte           `json:"signature"`
	Votes        []VoteRecord     `json:"votes"`
	Status       ProposalStatus   `json:"status"`
}

// NewProposal constructs an unsigned pending proposal. The proposal ID is
// content-derived from the definition, action, and requester, so
// conflicting definitions never converge on the same proposal.
func NewProposal(def Definition, action Action, requester types.NodeID, requesterKey []byte) Proposal {
	circuitID := def.CircuitID()
	hash := def.Hash()
	return Proposal{
		ID:           deriveProposalID(hash, action, requester),
		CircuitID:    circuitID,
		Action:       action,
		Definition:   def,
		CircuitHash:  hash,
		Requester:    requester,
		RequesterKey: requesterKey,
		Status:       ProposalPending,
	}
}

func deriveProposalID(circuitHash string, action Action, requester types.NodeID) types.ProposalID {
	h := sha256.New()
	h.Write([]byte(circuitHash))
	h.Write([]byte(action))
	h.Write([]byte(requester))
	return types.ProposalID(hex.EncodeToString(h.Sum(nil)))
}

// SignBytes is the canonical byte string the requester signs when
// submitting the proposal.
func (p Proposal) SignBytes() []byte {
	h := sha256.New()
	h.Write([]byte("splinter/proposal"))
	h.Write([]byte(p.ID))
	h.Write([]byte(p.CircuitHash))
	h.Write([]byte(p.Action))
	h.Write([]byte(p.Requester))
	return h.Sum(nil)
}

// VoteSignBytes is the canonical byte string a member signs when voting.
// It binds the vote to the exact proposal content via the circuit hash.
func VoteSignBytes(proposalID types.ProposalID, circuitHash string, voter types.NodeID, decision VoteDecision) []byte {
	h := sha256.New()
	h.Write([]byte("splinter/vote"))
	h.Write([]byte(proposalID))
	h.Write([]byte(circuitHash))
	h.Write([]byte(voter))
	h.Write([]byte(decision))
	return h.Sum(nil)
}

// HasVoted reports whether the member already has a recorded vote.
func (p Proposal) HasVoted(node types.NodeID) bool {
	for _, v := range p.Votes {
		if v.Voter == node {
			return true
		}
	}
	return false
}

// Resolved reports whether the proposal has reached a terminal status.
func (p Proposal) Resolved() bool {
	return p.Status != ProposalPending
}

// tally applies the unanimous-consent rule to the recorded votes: any
// Reject resolves Rejected; Accepts from every member resolve Accepted;
// otherwise the proposal stays pending.
func (p Proposal) tally() ProposalStatus {
	accepts := make(map[types.NodeID]struct{}, len(p.Votes))
	for _, v := range p.Votes {
		if v.Decision == VoteReject {
			return ProposalRejected
		}
		accepts[v.Voter] = struct{}{}
	}
	for _, m := range p.Definition.Members {
		if _, ok := accepts[m]; !ok {
			return ProposalPending
		}
	}
	return ProposalAccepted
}
