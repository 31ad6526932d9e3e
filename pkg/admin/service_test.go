package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/shannynalayna/splinter/pkg/registry"
	"github.com/shannynalayna/splinter/pkg/signing"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/transport"
	"github.com/shannynalayna/splinter/pkg/types"
)

// memStore is an in-memory Store for testing the lifecycle machine.
type memStore struct {
	circuits  map[types.CircuitID]Circuit
	proposals map[types.ProposalID]Proposal
	nodes     map[types.NodeID]registry.Node
}

func newMemStore() *memStore {
	return &memStore{
		circuits:  make(map[types.CircuitID]Circuit),
		proposals: make(map[types.ProposalID]Proposal),
		nodes:     make(map[types.NodeID]registry.Node),
	}
}

func (m *memStore) GetCircuit(_ context.Context, id types.CircuitID) (Circuit, error) {
	circuit, ok := m.circuits[id]
	if !ok {
		return Circuit{}, splerrors.ErrNotFound
	}
	return circuit, nil
}

func (m *memStore) ListCircuits(_ context.Context, status Status) ([]Circuit, error) {
	var out []Circuit
	for _, c := range m.circuits {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) UpsertCircuit(_ context.Context, circuit Circuit) error {
	m.circuits[circuit.ID] = circuit
	return nil
}

func (m *memStore) RemoveCircuit(_ context.Context, id types.CircuitID) error {
	delete(m.circuits, id)
	return nil
}

func (m *memStore) GetProposal(_ context.Context, id types.ProposalID) (Proposal, error) {
	proposal, ok := m.proposals[id]
	if !ok {
		return Proposal{}, splerrors.ErrNotFound
	}
	return proposal, nil
}

func (m *memStore) PendingProposal(_ context.Context, circuitID types.CircuitID) (Proposal, error) {
	for _, p := range m.proposals {
		if p.CircuitID == circuitID && p.Status == ProposalPending {
			return p, nil
		}
	}
	return Proposal{}, splerrors.ErrNotFound
}

func (m *memStore) ListProposals(_ context.Context) ([]Proposal, error) {
	var out []Proposal
	for _, p := range m.proposals {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) UpsertProposal(_ context.Context, proposal Proposal) error {
	m.proposals[proposal.ID] = proposal
	return nil
}

func (m *memStore) RemoveProposal(_ context.Context, id types.ProposalID) error {
	delete(m.proposals, id)
	return nil
}

func (m *memStore) RemoveCircuitProposals(_ context.Context, circuitID types.CircuitID) error {
	for id, p := range m.proposals {
		if p.CircuitID == circuitID {
			delete(m.proposals, id)
		}
	}
	return nil
}

func (m *memStore) ListNodes(_ context.Context) ([]registry.Node, error) {
	var out []registry.Node
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (m *memStore) UpsertNode(_ context.Context, node registry.Node) error {
	m.nodes[node.ID] = node
	return nil
}

func (m *memStore) UpdateTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(m)
}

// recordingTransport collects outbound envelopes instead of delivering them.
type recordingTransport struct {
	sent []transport.Envelope
}

func (t *recordingTransport) Send(_ context.Context, _ types.NodeID, env transport.Envelope) error {
	t.sent = append(t.sent, env)
	return nil
}

// mockEngines records engine lifecycle calls.
type mockEngines struct {
	started []types.CircuitID
	stopped []types.CircuitID
	purged  []types.CircuitID
}

func (m *mockEngines) StartServices(_ context.Context, circuit Circuit) error {
	m.started = append(m.started, circuit.ID)
	return nil
}

func (m *mockEngines) StopServices(circuitID types.CircuitID) {
	m.stopped = append(m.stopped, circuitID)
}

func (m *mockEngines) PurgeServices(circuitID types.CircuitID) error {
	m.purged = append(m.purged, circuitID)
	return nil
}

// harness wires a Service for node-a with signers for both members.
type harness struct {
	service   *Service
	store     *memStore
	transport *recordingTransport
	engines   *mockEngines
	signers   map[types.NodeID]*signing.FileSigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	signers := make(map[types.NodeID]*signing.FileSigner)
	reg := registry.NewLocalRegistry(nil)
	for _, id := range []types.NodeID{"node-a", "node-b"} {
		signer, err := signing.NewEphemeralSigner()
		if err != nil {
			t.Fatalf("NewEphemeralSigner failed: %v", err)
		}
		signers[id] = signer
		reg.Put(registry.Node{ID: id, Endpoint: "http://" + string(id), PublicKey: signer.PublicKey()})
	}

	store := newMemStore()
	tr := &recordingTransport{}
	engines := &mockEngines{}
	service := NewService("node-a", signers["node-a"], store, reg, tr, engines)

	return &harness{service: service, store: store, transport: tr, engines: engines, signers: signers}
}

// peerVote builds a signed vote envelope from node-b.
func (h *harness) peerVote(t *testing.T, proposal Proposal, decision VoteDecision) transport.Envelope {
	t.Helper()

	signer := h.signers["node-b"]
	sig, err := signer.Sign(VoteSignBytes(proposal.ID, proposal.CircuitHash, "node-b", decision))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	env, err := transport.NewEnvelope(transport.KindProposalVote, "node-b", VotePayload{
		ProposalID:  proposal.ID,
		CircuitID:   proposal.CircuitID,
		CircuitHash: proposal.CircuitHash,
		Voter:       "node-b",
		Decision:    decision,
		PublicKey:   signer.PublicKey(),
		Signature:   sig,
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func TestService_ProposeCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposal, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if proposal.Status != ProposalPending {
		t.Fatalf("expected pending proposal, got %s", proposal.Status)
	}
	if !proposal.HasVoted("node-a") {
		t.Fatal("requester's implicit accept vote missing")
	}

	circuit, err := h.store.GetCircuit(ctx, proposal.CircuitID)
	if err != nil {
		t.Fatalf("circuit not stored: %v", err)
	}
	if circuit.Status != StatusProposed {
		t.Fatalf("expected Proposed circuit, got %s", circuit.Status)
	}

	if len(h.transport.sent) == 0 || h.transport.sent[0].Kind != transport.KindProposal {
		t.Fatalf("proposal was not broadcast: %+v", h.transport.sent)
	}
}

func TestService_ProposeRejectsDuplicatePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if _, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate); !errors.Is(err, splerrors.ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal for duplicate pending, got %v", err)
	}
}

func TestService_ProposeRequiresMembership(t *testing.T) {
	h := newHarness(t)

	def := twoNodeDefinition()
	def.Members = []types.NodeID{"node-b"}
	def.Services = []ServiceDef{{ServiceID: "svc-b", ServiceType: "scabbard", Node: "node-b"}}

	if _, err := h.service.Propose(context.Background(), def, ActionCreate); !errors.Is(err, splerrors.ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal for non-member requester, got %v", err)
	}
}

func TestService_UnanimousAcceptActivates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposal, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	if err := h.service.HandleVote(ctx, h.peerVote(t, proposal, VoteAccept)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}

	circuit, err := h.store.GetCircuit(ctx, proposal.CircuitID)
	if err != nil {
		t.Fatalf("circuit lookup failed: %v", err)
	}
	if circuit.Status != StatusActive {
		t.Fatalf("expected Active circuit after unanimous accept, got %s", circuit.Status)
	}
	if len(h.engines.started) != 1 || h.engines.started[0] != proposal.CircuitID {
		t.Fatalf("services were not started: %+v", h.engines.started)
	}

	stored, err := h.store.GetProposal(ctx, proposal.ID)
	if err != nil || stored.Status != ProposalAccepted {
		t.Fatalf("expected accepted proposal, got %+v, %v", stored, err)
	}
}

func TestService_RejectRemovesProposedCircuit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposal, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	if err := h.service.HandleVote(ctx, h.peerVote(t, proposal, VoteReject)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}

	if _, err := h.store.GetCircuit(ctx, proposal.CircuitID); !errors.Is(err, splerrors.ErrNotFound) {
		t.Fatalf("rejected create should remove the circuit, got %v", err)
	}
	stored, err := h.store.GetProposal(ctx, proposal.ID)
	if err != nil || stored.Status != ProposalRejected {
		t.Fatalf("expected rejected proposal, got %+v, %v", stored, err)
	}
	if len(h.engines.started) != 0 {
		t.Fatal("no services should start for a rejected circuit")
	}
}

func TestService_DuplicateVoteRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposal, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	// The requester already voted implicitly.
	if _, err := h.service.CastVote(ctx, proposal.ID, VoteAccept); !errors.Is(err, splerrors.ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
}

func TestService_UnauthorizedVoteDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposal, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	// A vote with a bad signature must not count.
	env, err := transport.NewEnvelope(transport.KindProposalVote, "node-b", VotePayload{
		ProposalID:  proposal.ID,
		CircuitID:   proposal.CircuitID,
		CircuitHash: proposal.CircuitHash,
		Voter:       "node-b",
		Decision:    VoteAccept,
		PublicKey:   h.signers["node-b"].PublicKey(),
		Signature:   []byte("not a signature"),
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := h.service.HandleVote(ctx, env); !errors.Is(err, splerrors.ErrUnauthorizedVoter) {
		t.Fatalf("expected ErrUnauthorizedVoter, got %v", err)
	}

	stored, err := h.store.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("proposal lookup failed: %v", err)
	}
	if stored.HasVoted("node-b") {
		t.Fatal("unauthorized vote must not be recorded")
	}
}

func TestService_DisbandLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if err := h.service.HandleVote(ctx, h.peerVote(t, created, VoteAccept)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}

	disband, err := h.service.Propose(ctx, twoNodeDefinition(), ActionDisband)
	if err != nil {
		t.Fatalf("Propose disband failed: %v", err)
	}
	circuit, _ := h.store.GetCircuit(ctx, disband.CircuitID)
	if circuit.Status != StatusDisbanding {
		t.Fatalf("expected Disbanding, got %s", circuit.Status)
	}

	if err := h.service.HandleVote(ctx, h.peerVote(t, disband, VoteAccept)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}
	circuit, _ = h.store.GetCircuit(ctx, disband.CircuitID)
	if circuit.Status != StatusDisbanded {
		t.Fatalf("expected Disbanded, got %s", circuit.Status)
	}
	if len(h.engines.stopped) != 1 || h.engines.stopped[0] != disband.CircuitID {
		t.Fatalf("services were not stopped on disband: %+v", h.engines.stopped)
	}
}

func TestService_DisbandRejectedRestoresActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if err := h.service.HandleVote(ctx, h.peerVote(t, created, VoteAccept)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}

	disband, err := h.service.Propose(ctx, twoNodeDefinition(), ActionDisband)
	if err != nil {
		t.Fatalf("Propose disband failed: %v", err)
	}
	if err := h.service.HandleVote(ctx, h.peerVote(t, disband, VoteReject)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}

	circuit, _ := h.store.GetCircuit(ctx, disband.CircuitID)
	if circuit.Status != StatusActive {
		t.Fatalf("rejected disband should restore Active, got %s", circuit.Status)
	}
	if len(h.engines.stopped) != 0 {
		t.Fatal("services must keep running after a rejected disband")
	}
}

func TestService_AbandonAndPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if err := h.service.HandleVote(ctx, h.peerVote(t, created, VoteAccept)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}

	// An active circuit cannot be purged directly.
	if err := h.service.Purge(ctx, created.CircuitID); !errors.Is(err, splerrors.ErrCircuitNotPurgeable) {
		t.Fatalf("expected ErrCircuitNotPurgeable, got %v", err)
	}

	if err := h.service.Abandon(ctx, created.CircuitID); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	circuit, _ := h.store.GetCircuit(ctx, created.CircuitID)
	if circuit.Status != StatusAbandoned {
		t.Fatalf("expected Abandoned, got %s", circuit.Status)
	}
	if len(h.engines.stopped) != 1 {
		t.Fatalf("abandon must stop services: %+v", h.engines.stopped)
	}

	// Abandoning twice is invalid; the circuit is no longer active.
	if err := h.service.Abandon(ctx, created.CircuitID); !errors.Is(err, splerrors.ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal, got %v", err)
	}

	if err := h.service.Purge(ctx, created.CircuitID); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if _, err := h.store.GetCircuit(ctx, created.CircuitID); !errors.Is(err, splerrors.ErrNotFound) {
		t.Fatalf("purged circuit should be gone, got %v", err)
	}
	if len(h.engines.purged) != 1 {
		t.Fatalf("purge must delete service data: %+v", h.engines.purged)
	}

	// Purging again (or purging an unknown circuit) is a no-op.
	if err := h.service.Purge(ctx, created.CircuitID); err != nil {
		t.Fatalf("repeated Purge should succeed: %v", err)
	}
}

func TestService_WithdrawRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposal, err := h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	// Only the requester's own vote recorded: withdrawal allowed.
	if err := h.service.Withdraw(ctx, proposal.ID); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if _, err := h.store.GetCircuit(ctx, proposal.CircuitID); !errors.Is(err, splerrors.ErrNotFound) {
		t.Fatalf("withdrawn create should remove the circuit, got %v", err)
	}

	// After a peer vote arrives, withdrawal is denied.
	proposal, err = h.service.Propose(ctx, twoNodeDefinition(), ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if err := h.service.HandleVote(ctx, h.peerVote(t, proposal, VoteAccept)); err != nil {
		t.Fatalf("HandleVote failed: %v", err)
	}
	if err := h.service.Withdraw(ctx, proposal.ID); !errors.Is(err, splerrors.ErrWithdrawDenied) {
		t.Fatalf("expected ErrWithdrawDenied, got %v", err)
	}
}

func TestService_HandleProposalVerifiesIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Build a proposal as node-b would.
	signerB := h.signers["node-b"]
	proposal := NewProposal(twoNodeDefinition(), ActionCreate, "node-b", signerB.PublicKey())
	sig, err := signerB.Sign(proposal.SignBytes())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	proposal.Signature = sig
	voteSig, err := signerB.Sign(VoteSignBytes(proposal.ID, proposal.CircuitHash, "node-b", VoteAccept))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	proposal.Votes = []VoteRecord{{
		Voter:     "node-b",
		Decision:  VoteAccept,
		PublicKey: signerB.PublicKey(),
		Signature: voteSig,
	}}

	env, err := transport.NewEnvelope(transport.KindProposal, "node-b", proposal)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := h.service.HandleProposal(ctx, env); err != nil {
		t.Fatalf("HandleProposal failed: %v", err)
	}

	stored, err := h.store.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("received proposal not stored: %v", err)
	}
	if stored.Status != ProposalPending || !stored.HasVoted("node-b") {
		t.Fatalf("unexpected stored proposal: %+v", stored)
	}

	// A proposal whose ID does not match its definition is rejected.
	tampered := proposal
	tampered.CircuitHash = "0000"
	env, err = transport.NewEnvelope(transport.KindProposal, "node-b", tampered)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := h.service.HandleProposal(ctx, env); !errors.Is(err, splerrors.ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal for tampered proposal, got %v", err)
	}
}

var _ Store = (*memStore)(nil)
var _ transport.Transport = (*recordingTransport)(nil)
var _ EngineManager = (*mockEngines)(nil)
