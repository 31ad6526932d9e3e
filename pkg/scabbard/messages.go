package scabbard

import (
	"github.com/shannynalayna/splinter/pkg/batch"
	"github.com/shannynalayna/splinter/pkg/types"
)

// OfferPayload proposes a batch for the next sequence slot. The batch ID
// is derived from (coordinator service, seq, ops); every participant
// recomputes it before voting.
type OfferPayload struct {
	Seq                types.SeqNum    `json:"seq"`
	BatchID            types.BatchID   `json:"batch_id"`
	Coordinator        types.NodeID    `json:"coordinator"`
	CoordinatorService types.ServiceID `json:"coordinator_service"`
	Ops                []batch.Op      `json:"ops"`
}

// OfferVotePayload is a participant's reply to an Offer. Participants are
// services, not nodes — a circuit may place several services on one node,
// so the vote is attributed to the voting service. Accepting votes carry
// the root the participant computed from its staged state so the
// coordinator can detect divergence before committing.
type OfferVotePayload struct {
	Seq          types.SeqNum    `json:"seq"`
	BatchID      types.BatchID   `json:"batch_id"`
	Voter        types.NodeID    `json:"voter"`
	VoterService types.ServiceID `json:"voter_service"`
	Accept       bool            `json:"accept"`
	Root         types.StateRoot `json:"root,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// DecisionPayload finalizes a sequence slot; the envelope kind (Commit or
// Abort) carries the outcome. The coordinator address lets a participant
// that never staged the slot ask for a replay.
type DecisionPayload struct {
	Seq                types.SeqNum    `json:"seq"`
	BatchID            types.BatchID   `json:"batch_id"`
	Coordinator        types.NodeID    `json:"coordinator"`
	CoordinatorService types.ServiceID `json:"coordinator_service"`
	Reason             string          `json:"reason,omitempty"`
}

// DecisionRequestPayload asks a peer for the resolution of a sequence slot
// after the requester accepted an offer but never heard the outcome.
type DecisionRequestPayload struct {
	Seq     types.SeqNum    `json:"seq"`
	Asker   types.NodeID    `json:"asker"`
	Service types.ServiceID `json:"service"`
}

// DecisionResponsePayload answers a DecisionRequest. Unknown means the
// responder has not resolved that slot either. Committed responses carry
// the batch operations and root so an asker that never staged the slot
// can close the gap instead of stalling.
type DecisionResponsePayload struct {
	Seq     types.SeqNum    `json:"seq"`
	BatchID types.BatchID   `json:"batch_id,omitempty"`
	State   BatchState      `json:"state"`
	Root    types.StateRoot `json:"root,omitempty"`
	Ops     []batch.Op      `json:"ops,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}
