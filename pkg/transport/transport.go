package transport

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/shannynalayna/splinter/pkg/types"
)

// Kind identifies the protocol message carried by an envelope. Lifecycle
// kinds route to the admin service; the rest route to a scabbard engine.
type Kind string

const (
	KindProposal           Kind = "proposal"
	KindProposalVote       Kind = "proposal_vote"
	KindProposalResolution Kind = "proposal_resolution"
	KindOffer              Kind = "offer"
	KindOfferVote          Kind = "offer_vote"
	KindCommit             Kind = "commit"
	KindAbort              Kind = "abort"
	KindDecisionRequest    Kind = "decision_request"
	KindDecisionResponse   Kind = "decision_response"
)

// Envelope is the unit of peer-to-peer delivery. Circuit/service/proposal
// identifiers route the payload to the right handler instance.
type Envelope struct {
	ID         uuid.UUID        `json:"id"`
	Kind       Kind             `json:"kind"`
	Sender     types.NodeID     `json:"sender"`
	CircuitID  types.CircuitID  `json:"circuit_id,omitempty"`
	ServiceID  types.ServiceID  `json:"service_id,omitempty"`
	ProposalID types.ProposalID `json:"proposal_id,omitempty"`
	Payload    json.RawMessage  `json:"payload"`
}

// NewEnvelope wraps a JSON-marshalable payload for delivery.
func NewEnvelope(kind Kind, sender types.NodeID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:      uuid.New(),
		Kind:    kind,
		Sender:  sender,
		Payload: raw,
	}, nil
}

// Transport delivers envelopes point-to-point between node identities. The
// underlying layer authenticates peers and preserves per-sender order.
type Transport interface {
	Send(ctx context.Context, to types.NodeID, env Envelope) error
}
