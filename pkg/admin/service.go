package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shannynalayna/splinter/pkg/registry"
	"github.com/shannynalayna/splinter/pkg/signing"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/transport"
	"github.com/shannynalayna/splinter/pkg/types"
)

// EngineManager creates and tears down the consensus engines for a
// circuit's services as the lifecycle state machine transitions it.
type EngineManager interface {
	StartServices(ctx context.Context, circuit Circuit) error
	StopServices(circuitID types.CircuitID)
	PurgeServices(circuitID types.CircuitID) error
}

// Service is the circuit lifecycle state machine. All circuit, proposal
// and vote records are mutated only here, one lifecycle operation per
// circuit at a time.
type Service struct {
	localNode types.NodeID
	signer    signing.Signer
	store     Store
	registry  registry.Registry
	transport transport.Transport
	engines   EngineManager

	locksMu sync.Mutex
	locks   map[types.CircuitID]*sync.Mutex

	events chan Event
}

func NewService(
	localNode types.NodeID,
	signer signing.Signer,
	store Store,
	reg registry.Registry,
	tr transport.Transport,
	engines EngineManager,
) *Service {
	return &Service{
		localNode: localNode,
		signer:    signer,
		store:     store,
		registry:  reg,
		transport: tr,
		engines:   engines,
		locks:     make(map[types.CircuitID]*sync.Mutex),
		events:    make(chan Event, 64),
	}
}

// Events surfaces lifecycle occurrences to the local operator. Events are
// dropped if the operator falls behind; the store remains authoritative.
func (s *Service) Events() <-chan Event {
	return s.events
}

func (s *Service) emit(e Event) {
	select {
	case s.events <- e:
	default:
		slog.Warn("dropping lifecycle event, operator consumer is behind", "type", e.Type)
	}
}

func (s *Service) circuitLock(id types.CircuitID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Propose validates a circuit definition, persists a pending proposal
// carrying the requester's implicit Accept, and broadcasts it to every
// other member. The error is reported synchronously; nothing invalid ever
// reaches peers.
func (s *Service) Propose(ctx context.Context, def Definition, action Action) (Proposal, error) {
	if err := def.Validate(); err != nil {
		return Proposal{}, err
	}
	if !def.HasMember(s.localNode) {
		return Proposal{}, fmt.Errorf("local node %s is not a member: %w",
			s.localNode, splerrors.ErrInvalidProposal)
	}

	circuitID := def.CircuitID()
	lock := s.circuitLock(circuitID)
	lock.Lock()
	defer lock.Unlock()

	circuit, err := s.store.GetCircuit(ctx, circuitID)
	switch action {
	case ActionCreate:
		if err == nil {
			return Proposal{}, fmt.Errorf("circuit %s already exists with status %s: %w",
				circuitID, circuit.Status, splerrors.ErrInvalidProposal)
		}
		if !errors.Is(err, splerrors.ErrNotFound) {
			return Proposal{}, fmt.Errorf("failed to look up circuit: %w", err)
		}
	case ActionDisband:
		if err != nil {
			return Proposal{}, fmt.Errorf("failed to look up circuit %s: %w", circuitID, err)
		}
		if circuit.Status != StatusActive {
			return Proposal{}, fmt.Errorf("circuit %s has status %s, only active circuits can be disbanded: %w",
				circuitID, circuit.Status, splerrors.ErrInvalidProposal)
		}
	default:
		return Proposal{}, fmt.Errorf("unknown action %q: %w", action, splerrors.ErrInvalidProposal)
	}

	if _, err := s.store.PendingProposal(ctx, circuitID); err == nil {
		return Proposal{}, fmt.Errorf("a proposal for circuit %s is already pending: %w",
			circuitID, splerrors.ErrInvalidProposal)
	} else if !errors.Is(err, splerrors.ErrNotFound) {
		return Proposal{}, fmt.Errorf("failed to look up pending proposal: %w", err)
	}

	proposal := NewProposal(def, action, s.localNode, s.signer.PublicKey())
	sig, err := s.signer.Sign(proposal.SignBytes())
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to sign proposal: %w", err)
	}
	proposal.Signature = sig

	// The requester's submission counts as its Accept.
	voteSig, err := s.signer.Sign(VoteSignBytes(proposal.ID, proposal.CircuitHash, s.localNode, VoteAccept))
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to sign requester vote: %w", err)
	}
	proposal.Votes = append(proposal.Votes, VoteRecord{
		Voter:     s.localNode,
		Decision:  VoteAccept,
		PublicKey: s.signer.PublicKey(),
		Signature: voteSig,
	})

	if err := s.store.UpdateTx(ctx, func(tx Store) error {
		if action == ActionCreate {
			if err := tx.UpsertCircuit(ctx, Circuit{ID: circuitID, Definition: def, Status: StatusProposed}); err != nil {
				return err
			}
		} else {
			circuit.Status = StatusDisbanding
			if err := tx.UpsertCircuit(ctx, circuit); err != nil {
				return err
			}
		}
		return tx.UpsertProposal(ctx, proposal)
	}); err != nil {
		return Proposal{}, fmt.Errorf("failed to persist proposal: %w", err)
	}

	s.broadcast(ctx, transport.KindProposal, proposal, proposal)
	s.emit(Event{Type: EventProposalSubmitted, CircuitID: circuitID, ProposalID: proposal.ID})

	resolved, err := s.maybeResolve(ctx, proposal)
	if err != nil {
		return proposal, err
	}
	return resolved, nil
}

// HandleProposal processes a proposal received from a peer: it verifies
// the requester's signature and membership, persists the proposal as
// pending, and surfaces it to the local operator for an accept/reject
// decision.
func (s *Service) HandleProposal(ctx context.Context, env transport.Envelope) error {
	var proposal Proposal
	if err := json.Unmarshal(env.Payload, &proposal); err != nil {
		return fmt.Errorf("malformed proposal payload: %w", splerrors.ErrInvalidProposal)
	}
	if err := proposal.Definition.Validate(); err != nil {
		return err
	}

	// Recompute the derived fields; a peer cannot smuggle a definition
	// under someone else's proposal ID.
	expected := NewProposal(proposal.Definition, proposal.Action, proposal.Requester, proposal.RequesterKey)
	if expected.ID != proposal.ID || expected.CircuitHash != proposal.CircuitHash ||
		expected.CircuitID != proposal.CircuitID {
		return fmt.Errorf("proposal identity fields do not match definition: %w", splerrors.ErrInvalidProposal)
	}

	if !proposal.Definition.HasMember(proposal.Requester) {
		return fmt.Errorf("requester %s is not a circuit member: %w",
			proposal.Requester, splerrors.ErrUnauthorizedVoter)
	}
	if !proposal.Definition.HasMember(s.localNode) {
		return fmt.Errorf("local node is not a member of circuit %s: %w",
			proposal.CircuitID, splerrors.ErrInvalidProposal)
	}

	if err := s.verifyMemberSignature(proposal.Requester, proposal.RequesterKey,
		proposal.SignBytes(), proposal.Signature); err != nil {
		return err
	}
	for _, vote := range proposal.Votes {
		if err := s.verifyVote(proposal, VotePayload{
			ProposalID:  proposal.ID,
			CircuitHash: proposal.CircuitHash,
			Voter:       vote.Voter,
			Decision:    vote.Decision,
			PublicKey:   vote.PublicKey,
			Signature:   vote.Signature,
		}); err != nil {
			return err
		}
	}

	lock := s.circuitLock(proposal.CircuitID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.store.GetProposal(ctx, proposal.ID); err == nil {
		// Redelivery; keep the copy with more votes.
		if len(existing.Votes) >= len(proposal.Votes) || existing.Resolved() {
			return nil
		}
	} else if !errors.Is(err, splerrors.ErrNotFound) {
		return fmt.Errorf("failed to look up proposal: %w", err)
	}

	proposal.Status = ProposalPending
	if err := s.store.UpdateTx(ctx, func(tx Store) error {
		if proposal.Action == ActionCreate {
			if _, err := tx.GetCircuit(ctx, proposal.CircuitID); errors.Is(err, splerrors.ErrNotFound) {
				if err := tx.UpsertCircuit(ctx, Circuit{
					ID:         proposal.CircuitID,
					Definition: proposal.Definition,
					Status:     StatusProposed,
				}); err != nil {
					return err
				}
			}
		}
		return tx.UpsertProposal(ctx, proposal)
	}); err != nil {
		return fmt.Errorf("failed to persist received proposal: %w", err)
	}

	s.emit(Event{Type: EventProposalReceived, CircuitID: proposal.CircuitID, ProposalID: proposal.ID,
		Voter: proposal.Requester})

	_, err := s.maybeResolve(ctx, proposal)
	return err
}

// CastVote records the local operator's decision on a pending proposal,
// broadcasts it, and resolves the proposal if the vote completes it.
func (s *Service) CastVote(ctx context.Context, proposalID types.ProposalID, decision VoteDecision) (Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to look up proposal %s: %w", proposalID, err)
	}

	lock := s.circuitLock(proposal.CircuitID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; a concurrent vote may have resolved it.
	proposal, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to look up proposal %s: %w", proposalID, err)
	}
	if proposal.Resolved() {
		return Proposal{}, fmt.Errorf("proposal %s already resolved %s: %w",
			proposalID, proposal.Status, splerrors.ErrInvalidProposal)
	}
	if !proposal.Definition.HasMember(s.localNode) {
		return Proposal{}, fmt.Errorf("local node %s is not a member: %w",
			s.localNode, splerrors.ErrUnauthorizedVoter)
	}
	if proposal.HasVoted(s.localNode) {
		return Proposal{}, fmt.Errorf("node %s: %w", s.localNode, splerrors.ErrDuplicateVote)
	}

	sig, err := s.signer.Sign(VoteSignBytes(proposal.ID, proposal.CircuitHash, s.localNode, decision))
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to sign vote: %w", err)
	}
	vote := VoteRecord{
		Voter:     s.localNode,
		Decision:  decision,
		PublicKey: s.signer.PublicKey(),
		Signature: sig,
	}
	proposal.Votes = append(proposal.Votes, vote)

	if err := s.store.UpsertProposal(ctx, proposal); err != nil {
		return Proposal{}, fmt.Errorf("failed to persist vote: %w", err)
	}

	s.broadcast(ctx, transport.KindProposalVote, proposal, VotePayload{
		ProposalID:  proposal.ID,
		CircuitID:   proposal.CircuitID,
		CircuitHash: proposal.CircuitHash,
		Voter:       vote.Voter,
		Decision:    vote.Decision,
		PublicKey:   vote.PublicKey,
		Signature:   vote.Signature,
	})
	s.emit(Event{Type: EventVoteRecorded, CircuitID: proposal.CircuitID, ProposalID: proposal.ID,
		Voter: s.localNode})

	return s.maybeResolve(ctx, proposal)
}

// HandleVote processes a vote received from a peer. Votes from non-members
// or with bad signatures are dropped with ErrUnauthorizedVoter.
func (s *Service) HandleVote(ctx context.Context, env transport.Envelope) error {
	var payload VotePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed vote payload: %w", splerrors.ErrInvalidProposal)
	}

	proposal, err := s.store.GetProposal(ctx, payload.ProposalID)
	if err != nil {
		return fmt.Errorf("vote for unknown proposal %s: %w", payload.ProposalID, err)
	}

	lock := s.circuitLock(proposal.CircuitID)
	lock.Lock()
	defer lock.Unlock()

	proposal, err = s.store.GetProposal(ctx, payload.ProposalID)
	if err != nil {
		return fmt.Errorf("failed to look up proposal: %w", err)
	}
	if proposal.Resolved() {
		slog.Debug("dropping vote for resolved proposal",
			"proposal", proposal.ID, "voter", payload.Voter)
		return nil
	}
	if err := s.verifyVote(proposal, payload); err != nil {
		slog.Warn("dropping unauthorized vote",
			"proposal", proposal.ID, "voter", payload.Voter, "error", err)
		return err
	}
	if proposal.HasVoted(payload.Voter) {
		return fmt.Errorf("voter %s: %w", payload.Voter, splerrors.ErrDuplicateVote)
	}

	proposal.Votes = append(proposal.Votes, VoteRecord{
		Voter:     payload.Voter,
		Decision:  payload.Decision,
		PublicKey: payload.PublicKey,
		Signature: payload.Signature,
	})
	if err := s.store.UpsertProposal(ctx, proposal); err != nil {
		return fmt.Errorf("failed to persist vote: %w", err)
	}
	s.emit(Event{Type: EventVoteRecorded, CircuitID: proposal.CircuitID, ProposalID: proposal.ID,
		Voter: payload.Voter})

	_, err = s.maybeResolve(ctx, proposal)
	return err
}

// HandleResolution processes a resolution announcement. The local node
// usually resolves independently from the broadcast votes; this closes the
// gap for a member that missed the final vote.
func (s *Service) HandleResolution(ctx context.Context, env transport.Envelope) error {
	var payload ResolutionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed resolution payload: %w", splerrors.ErrInvalidProposal)
	}
	announced := payload.Proposal

	local, err := s.store.GetProposal(ctx, announced.ID)
	if err != nil {
		return fmt.Errorf("resolution for unknown proposal %s: %w", announced.ID, err)
	}

	lock := s.circuitLock(local.CircuitID)
	lock.Lock()
	defer lock.Unlock()

	local, err = s.store.GetProposal(ctx, announced.ID)
	if err != nil {
		return fmt.Errorf("failed to look up proposal: %w", err)
	}
	if local.Resolved() {
		return nil
	}

	if announced.Status == ProposalWithdrawn {
		if announced.Requester != env.Sender {
			return fmt.Errorf("withdrawal from non-requester %s: %w", env.Sender, splerrors.ErrUnauthorizedVoter)
		}
		return s.applyWithdrawal(ctx, local)
	}

	// Adopt the announced vote set after verifying every vote, then let
	// the local tally decide; the announcement itself is not trusted.
	for _, vote := range announced.Votes {
		if local.HasVoted(vote.Voter) {
			continue
		}
		votePayload := VotePayload{
			ProposalID:  local.ID,
			CircuitHash: local.CircuitHash,
			Voter:       vote.Voter,
			Decision:    vote.Decision,
			PublicKey:   vote.PublicKey,
			Signature:   vote.Signature,
		}
		if err := s.verifyVote(local, votePayload); err != nil {
			return err
		}
		local.Votes = append(local.Votes, vote)
	}
	if err := s.store.UpsertProposal(ctx, local); err != nil {
		return fmt.Errorf("failed to persist resolution votes: %w", err)
	}

	_, err = s.maybeResolve(ctx, local)
	return err
}

// Withdraw removes a not-yet-resolved local proposal. Once any other
// member's Accept is recorded the proposal must run to resolution, so
// members never hold divergent views of a vanished proposal.
func (s *Service) Withdraw(ctx context.Context, proposalID types.ProposalID) error {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("failed to look up proposal %s: %w", proposalID, err)
	}

	lock := s.circuitLock(proposal.CircuitID)
	lock.Lock()
	defer lock.Unlock()

	proposal, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("failed to look up proposal %s: %w", proposalID, err)
	}
	if proposal.Requester != s.localNode {
		return fmt.Errorf("only the requester may withdraw: %w", splerrors.ErrWithdrawDenied)
	}
	if proposal.Resolved() {
		return fmt.Errorf("proposal %s already resolved: %w", proposalID, splerrors.ErrWithdrawDenied)
	}
	for _, vote := range proposal.Votes {
		if vote.Voter != proposal.Requester {
			return fmt.Errorf("vote from %s already recorded: %w", vote.Voter, splerrors.ErrWithdrawDenied)
		}
	}

	if err := s.applyWithdrawal(ctx, proposal); err != nil {
		return err
	}
	proposal.Status = ProposalWithdrawn
	s.broadcast(ctx, transport.KindProposalResolution, proposal, ResolutionPayload{Proposal: proposal})
	return nil
}

func (s *Service) applyWithdrawal(ctx context.Context, proposal Proposal) error {
	proposal.Status = ProposalWithdrawn
	if err := s.store.UpdateTx(ctx, func(tx Store) error {
		if proposal.Action == ActionCreate {
			if err := tx.RemoveCircuit(ctx, proposal.CircuitID); err != nil {
				return err
			}
		} else {
			circuit, err := tx.GetCircuit(ctx, proposal.CircuitID)
			if err == nil && circuit.Status == StatusDisbanding {
				circuit.Status = StatusActive
				if err := tx.UpsertCircuit(ctx, circuit); err != nil {
					return err
				}
			}
		}
		return tx.UpsertProposal(ctx, proposal)
	}); err != nil {
		return fmt.Errorf("failed to persist withdrawal: %w", err)
	}
	s.emit(Event{Type: EventProposalWithdrawn, CircuitID: proposal.CircuitID, ProposalID: proposal.ID})
	return nil
}

// Abandon is the unilateral, local-only withdrawal from a circuit. Other
// members' view of the circuit is unaffected.
func (s *Service) Abandon(ctx context.Context, circuitID types.CircuitID) error {
	lock := s.circuitLock(circuitID)
	lock.Lock()
	defer lock.Unlock()

	circuit, err := s.store.GetCircuit(ctx, circuitID)
	if err != nil {
		return fmt.Errorf("failed to look up circuit %s: %w", circuitID, err)
	}
	if circuit.Status != StatusActive {
		return fmt.Errorf("circuit %s has status %s, only active circuits can be abandoned: %w",
			circuitID, circuit.Status, splerrors.ErrInvalidProposal)
	}

	circuit.Status = StatusAbandoned
	if err := s.store.UpsertCircuit(ctx, circuit); err != nil {
		return fmt.Errorf("failed to persist abandonment: %w", err)
	}
	s.engines.StopServices(circuitID)
	s.emit(Event{Type: EventCircuitAbandoned, CircuitID: circuitID})
	return nil
}

// Purge deletes all locally retained data for a disbanded or abandoned
// circuit. Purging an unknown or already purged circuit succeeds as a
// no-op: the guarantee is "no longer available", not "was available".
func (s *Service) Purge(ctx context.Context, circuitID types.CircuitID) error {
	lock := s.circuitLock(circuitID)
	lock.Lock()
	defer lock.Unlock()

	circuit, err := s.store.GetCircuit(ctx, circuitID)
	if errors.Is(err, splerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up circuit %s: %w", circuitID, err)
	}
	if circuit.Status != StatusDisbanded && circuit.Status != StatusAbandoned {
		return fmt.Errorf("circuit %s has status %s, disband or abandon it first: %w",
			circuitID, circuit.Status, splerrors.ErrCircuitNotPurgeable)
	}

	if err := s.engines.PurgeServices(circuitID); err != nil {
		return fmt.Errorf("failed to purge service data: %w", err)
	}
	if err := s.store.UpdateTx(ctx, func(tx Store) error {
		if err := tx.RemoveCircuitProposals(ctx, circuitID); err != nil {
			return err
		}
		return tx.RemoveCircuit(ctx, circuitID)
	}); err != nil {
		return fmt.Errorf("failed to remove circuit records: %w", err)
	}
	s.emit(Event{Type: EventCircuitPurged, CircuitID: circuitID})
	return nil
}

// GetCircuit returns the locally stored circuit.
func (s *Service) GetCircuit(ctx context.Context, id types.CircuitID) (Circuit, error) {
	return s.store.GetCircuit(ctx, id)
}

// ListCircuits returns circuits, optionally filtered by status.
func (s *Service) ListCircuits(ctx context.Context, status Status) ([]Circuit, error) {
	return s.store.ListCircuits(ctx, status)
}

// GetProposal returns a proposal by ID.
func (s *Service) GetProposal(ctx context.Context, id types.ProposalID) (Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

// PendingProposal returns the circuit's unresolved proposal, if any.
func (s *Service) PendingProposal(ctx context.Context, circuitID types.CircuitID) (Proposal, error) {
	return s.store.PendingProposal(ctx, circuitID)
}

// maybeResolve applies the unanimous-consent rule and, when the vote set
// resolves the proposal, commits the lifecycle transition and the vote
// records in one store transaction before starting or stopping engines.
func (s *Service) maybeResolve(ctx context.Context, proposal Proposal) (Proposal, error) {
	status := proposal.tally()
	if status == ProposalPending {
		return proposal, nil
	}
	proposal.Status = status

	var activated Circuit
	if err := s.store.UpdateTx(ctx, func(tx Store) error {
		if err := tx.UpsertProposal(ctx, proposal); err != nil {
			return err
		}
		circuit, err := tx.GetCircuit(ctx, proposal.CircuitID)
		if err != nil && !errors.Is(err, splerrors.ErrNotFound) {
			return err
		}

		switch {
		case status == ProposalAccepted && proposal.Action == ActionCreate:
			circuit = Circuit{ID: proposal.CircuitID, Definition: proposal.Definition, Status: StatusActive}
			activated = circuit
			return tx.UpsertCircuit(ctx, circuit)
		case status == ProposalAccepted && proposal.Action == ActionDisband:
			circuit.Status = StatusDisbanded
			return tx.UpsertCircuit(ctx, circuit)
		case status == ProposalRejected && proposal.Action == ActionCreate:
			return tx.RemoveCircuit(ctx, proposal.CircuitID)
		case status == ProposalRejected && proposal.Action == ActionDisband:
			circuit.Status = StatusActive
			return tx.UpsertCircuit(ctx, circuit)
		}
		return nil
	}); err != nil {
		return proposal, fmt.Errorf("failed to persist resolution: %w", err)
	}

	if status == ProposalAccepted {
		s.emit(Event{Type: EventProposalAccepted, CircuitID: proposal.CircuitID, ProposalID: proposal.ID})
		switch proposal.Action {
		case ActionCreate:
			if err := s.engines.StartServices(ctx, activated); err != nil {
				return proposal, fmt.Errorf("failed to start circuit services: %w", err)
			}
			s.emit(Event{Type: EventCircuitActivated, CircuitID: proposal.CircuitID})
		case ActionDisband:
			s.engines.StopServices(proposal.CircuitID)
			s.emit(Event{Type: EventCircuitDisbanded, CircuitID: proposal.CircuitID})
		}
	} else {
		s.emit(Event{Type: EventProposalRejected, CircuitID: proposal.CircuitID, ProposalID: proposal.ID,
			Reason: rejectionReason(proposal)})
	}

	s.broadcast(ctx, transport.KindProposalResolution, proposal, ResolutionPayload{Proposal: proposal})

	slog.Info("proposal resolved",
		"proposal", proposal.ID,
		"circuit", proposal.CircuitID,
		"action", proposal.Action,
		"status", proposal.Status)
	return proposal, nil
}

// rejectionReason reports which member rejected, so operators can tell "a
// peer disagreed" apart from "a peer is unreachable".
func rejectionReason(p Proposal) string {
	for _, v := range p.Votes {
		if v.Decision == VoteReject {
			return fmt.Sprintf("rejected by %s", v.Voter)
		}
	}
	return ""
}

// verifyVote checks membership, key registration, and the vote signature.
func (s *Service) verifyVote(proposal Proposal, payload VotePayload) error {
	if !proposal.Definition.HasMember(payload.Voter) {
		return fmt.Errorf("voter %s is not a circuit member: %w",
			payload.Voter, splerrors.ErrUnauthorizedVoter)
	}
	if payload.CircuitHash != proposal.CircuitHash {
		return fmt.Errorf("vote circuit hash does not match proposal: %w", splerrors.ErrUnauthorizedVoter)
	}
	signBytes := VoteSignBytes(proposal.ID, proposal.CircuitHash, payload.Voter, payload.Decision)
	return s.verifyMemberSignature(payload.Voter, payload.PublicKey, signBytes, payload.Signature)
}

func (s *Service) verifyMemberSignature(node types.NodeID, claimedKey, message, signature []byte) error {
	registered, err := s.registry.Node(node)
	if err != nil {
		return fmt.Errorf("node %s has no registered key: %w", node, splerrors.ErrUnauthorizedVoter)
	}
	if !bytes.Equal(registered.PublicKey, claimedKey) {
		return fmt.Errorf("key for %s does not match registration: %w", node, splerrors.ErrUnauthorizedVoter)
	}
	if err := signing.Verify(registered.PublicKey, message, signature); err != nil {
		return fmt.Errorf("signature for %s: %w", node, splerrors.ErrUnauthorizedVoter)
	}
	return nil
}

// broadcast sends a payload to every member except the local node.
// Delivery failures are logged; the transport already retries, and peers
// reconcile through resolution announcements.
func (s *Service) broadcast(ctx context.Context, kind transport.Kind, proposal Proposal, payload any) {
	env, err := transport.NewEnvelope(kind, s.localNode, payload)
	if err != nil {
		slog.Error("failed to build envelope", "kind", kind, "error", err)
		return
	}
	env.CircuitID = proposal.CircuitID
	env.ProposalID = proposal.ID

	for _, member := range proposal.Definition.Members {
		if member == s.localNode {
			continue
		}
		if err := s.transport.Send(ctx, member, env); err != nil {
			slog.Warn("failed to deliver lifecycle message",
				"kind", kind, "to", member, "proposal", proposal.ID, "error", err)
		}
	}
}
