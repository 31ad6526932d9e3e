package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shannynalayna/splinter/pkg/admin"
	"github.com/shannynalayna/splinter/pkg/admin/sqlite"
	"github.com/shannynalayna/splinter/pkg/batch"
	"github.com/shannynalayna/splinter/pkg/registry"
	"github.com/shannynalayna/splinter/pkg/scabbard"
	"github.com/shannynalayna/splinter/pkg/signing"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/transport"
	"github.com/shannynalayna/splinter/pkg/types"
)

// bus delivers envelopes between in-process nodes asynchronously, the way
// a network would. Consensus traffic can be cut to simulate partitions.
type bus struct {
	mu            sync.Mutex
	dispatchers   map[types.NodeID]*transport.Dispatcher
	dropConsensus bool
}

func newBus() *bus {
	return &bus{dispatchers: make(map[types.NodeID]*transport.Dispatcher)}
}

func (b *bus) attach(id types.NodeID, d *transport.Dispatcher) {
	b.mu.Lock()
	b.dispatchers[id] = d
	b.mu.Unlock()
}

func (b *bus) setDropConsensus(drop bool) {
	b.mu.Lock()
	b.dropConsensus = drop
	b.mu.Unlock()
}

func (b *bus) Send(_ context.Context, to types.NodeID, env transport.Envelope) error {
	b.mu.Lock()
	dispatcher, ok := b.dispatchers[to]
	drop := b.dropConsensus
	b.mu.Unlock()
	if !ok {
		return errors.New("unknown peer node: " + string(to))
	}
	if drop {
		switch env.Kind {
		case transport.KindOffer, transport.KindOfferVote,
			transport.KindCommit, transport.KindAbort,
			transport.KindDecisionRequest, transport.KindDecisionResponse:
			return nil
		}
	}
	go func() {
		_ = dispatcher.Dispatch(context.Background(), env)
	}()
	return nil
}

// node is one full in-process splinter stack.
type node struct {
	id      types.NodeID
	store   *sqlite.Store
	manager *scabbard.Manager
	admin   *admin.Service
	busRef  *bus
}

func newCluster(t *testing.T, timeout time.Duration) (*node, *node) {
	t.Helper()

	b := newBus()
	reg := registry.NewLocalRegistry(nil)

	signers := make(map[types.NodeID]*signing.FileSigner)
	for _, id := range []types.NodeID{"node-a", "node-b"} {
		signer, err := signing.NewEphemeralSigner()
		if err != nil {
			t.Fatalf("NewEphemeralSigner failed: %v", err)
		}
		signers[id] = signer
		reg.Put(registry.Node{ID: id, Endpoint: "http://" + string(id), PublicKey: signer.PublicKey()})
	}

	build := func(id types.NodeID) *node {
		dir := t.TempDir()
		store, err := sqlite.Open(filepath.Join(dir, "admin.db"))
		if err != nil {
			t.Fatalf("open store for %s: %v", id, err)
		}
		t.Cleanup(func() { _ = store.Close() })

		manager := scabbard.NewManager(id, filepath.Join(dir, "services"), b, timeout)
		adminSvc := admin.NewService(id, signers[id], store, reg, b, manager)

		dispatcher := transport.NewDispatcher()
		dispatcher.Register(transport.KindProposal, transport.HandlerFunc(adminSvc.HandleProposal))
		dispatcher.Register(transport.KindProposalVote, transport.HandlerFunc(adminSvc.HandleVote))
		dispatcher.Register(transport.KindProposalResolution, transport.HandlerFunc(adminSvc.HandleResolution))
		for _, kind := range []transport.Kind{
			transport.KindOffer, transport.KindOfferVote,
			transport.KindCommit, transport.KindAbort,
			transport.KindDecisionRequest, transport.KindDecisionResponse,
		} {
			dispatcher.Register(kind, transport.HandlerFunc(manager.Handle))
		}
		b.attach(id, dispatcher)

		return &node{id: id, store: store, manager: manager, admin: adminSvc}
	}

	a := build("node-a")
	bNode := build("node-b")
	a.busRef, bNode.busRef = b, b
	return a, bNode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func twoPartyDefinition() admin.Definition {
	return admin.Definition{
		Members: []types.NodeID{"node-a", "node-b"},
		Services: []admin.ServiceDef{
			{ServiceID: "svc-a", ServiceType: scabbard.ServiceTypeScabbard, Node: "node-a"},
			{ServiceID: "svc-b", ServiceType: scabbard.ServiceTypeScabbard, Node: "node-b"},
		},
		ManagementType: "two-party",
	}
}

// activate drives a two-node circuit from proposal to Active on both
// nodes and returns it.
func activate(t *testing.T, a, b *node) admin.Proposal {
	t.Helper()
	ctx := context.Background()

	proposal, err := a.admin.Propose(ctx, twoPartyDefinition(), admin.ActionCreate)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	waitFor(t, "proposal delivery", func() bool {
		_, err := b.admin.PendingProposal(ctx, proposal.CircuitID)
		return err == nil
	})

	if _, err := b.admin.CastVote(ctx, proposal.ID, admin.VoteAccept); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	for _, n := range []*node{a, b} {
		waitFor(t, "circuit activation on "+string(n.id), func() bool {
			circuit, err := n.admin.GetCircuit(ctx, proposal.CircuitID)
			return err == nil && circuit.Status == admin.StatusActive
		})
	}
	waitFor(t, "svc-a running on node-a", func() bool {
		_, ok := a.manager.Service(proposal.CircuitID, "svc-a")
		return ok
	})
	waitFor(t, "svc-b running on node-b", func() bool {
		_, ok := b.manager.Service(proposal.CircuitID, "svc-b")
		return ok
	})
	return proposal
}

func TestCircuit_CreateActivateCommit(t *testing.T) {
	a, b := newCluster(t, 5*time.Second)
	proposal := activate(t, a, b)

	runnerA, ok := a.manager.Service(proposal.CircuitID, "svc-a")
	if !ok {
		t.Fatal("svc-a is not running on node-a")
	}
	runnerB, ok := b.manager.Service(proposal.CircuitID, "svc-b")
	if !ok {
		t.Fatal("svc-b is not running on node-b")
	}

	ctx := context.Background()
	id, err := runnerA.SubmitBatch(ctx, []batch.Op{{Key: []byte("shared"), Value: []byte("state")}})
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}

	status, ok := runnerA.BatchStatus(id)
	if !ok || status.State != scabbard.BatchCommitted {
		t.Fatalf("expected committed batch, got %+v (ok=%v)", status, ok)
	}

	waitFor(t, "batch commit on node-b", func() bool {
		return runnerB.LastSeq() == 1
	})
	if runnerA.CurrentRoot() != runnerB.CurrentRoot() {
		t.Fatalf("state roots diverged: %s vs %s", runnerA.CurrentRoot(), runnerB.CurrentRoot())
	}

	value, err := runnerB.GetState([]byte("shared"), nil)
	if err != nil || string(value) != "state" {
		t.Fatalf("expected shared=state on node-b, got %q, %v", value, err)
	}
}

func TestCircuit_ConsensusTimeoutConsumesSlot(t *testing.T) {
	a, b := newCluster(t, 300*time.Millisecond)
	proposal := activate(t, a, b)

	runnerA, ok := a.manager.Service(proposal.CircuitID, "svc-a")
	if !ok {
		t.Fatal("svc-a is not running on node-a")
	}
	rootBefore := runnerA.CurrentRoot()

	// Cut consensus traffic; the offer never reaches node-b.
	a.busRef.setDropConsensus(true)

	ctx := context.Background()
	id, err := runnerA.SubmitBatch(ctx, []batch.Op{{Key: []byte("lost"), Value: []byte("write")}})
	if !errors.Is(err, splerrors.ErrConsensusTimeout) {
		t.Fatalf("expected ErrConsensusTimeout, got %v", err)
	}

	status, ok := runnerA.BatchStatus(id)
	if !ok || status.State != scabbard.BatchAborted || !status.TimedOut {
		t.Fatalf("expected timed-out abort, got %+v (ok=%v)", status, ok)
	}
	if runnerA.LastSeq() != 1 {
		t.Fatalf("aborted slot must consume the sequence, got %d", runnerA.LastSeq())
	}
	if runnerA.CurrentRoot() != rootBefore {
		t.Fatal("aborted batch must not change state")
	}
	if _, err := runnerA.GetState([]byte("lost"), nil); !errors.Is(err, splerrors.ErrNotFound) {
		t.Fatalf("aborted write must not be readable, got %v", err)
	}
}

func TestCircuit_DisbandRejectedStaysActive(t *testing.T) {
	a, b := newCluster(t, 5*time.Second)
	proposal := activate(t, a, b)
	ctx := context.Background()

	disband, err := a.admin.Propose(ctx, twoPartyDefinition(), admin.ActionDisband)
	if err != nil {
		t.Fatalf("Propose disband failed: %v", err)
	}

	waitFor(t, "disband proposal delivery", func() bool {
		_, err := b.admin.PendingProposal(ctx, disband.CircuitID)
		return err == nil
	})
	if _, err := b.admin.CastVote(ctx, disband.ID, admin.VoteReject); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	for _, n := range []*node{a, b} {
		waitFor(t, "circuit restored on "+string(n.id), func() bool {
			circuit, err := n.admin.GetCircuit(ctx, proposal.CircuitID)
			return err == nil && circuit.Status == admin.StatusActive
		})
	}

	// Services keep running after a rejected disband.
	if _, ok := a.manager.Service(proposal.CircuitID, "svc-a"); !ok {
		t.Fatal("svc-a stopped after rejected disband")
	}
	if _, ok := b.manager.Service(proposal.CircuitID, "svc-b"); !ok {
		t.Fatal("svc-b stopped after rejected disband")
	}
}

func TestCircuit_AbandonIsLocal(t *testing.T) {
	a, b := newCluster(t, 5*time.Second)
	proposal := activate(t, a, b)
	ctx := context.Background()

	if err := b.admin.Abandon(ctx, proposal.CircuitID); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}

	circuit, err := b.admin.GetCircuit(ctx, proposal.CircuitID)
	if err != nil || circuit.Status != admin.StatusAbandoned {
		t.Fatalf("expected Abandoned on node-b, got %+v, %v", circuit, err)
	}
	if _, ok := b.manager.Service(proposal.CircuitID, "svc-b"); ok {
		t.Fatal("svc-b must stop when node-b abandons")
	}

	// Node-a's view is unaffected.
	circuit, err = a.admin.GetCircuit(ctx, proposal.CircuitID)
	if err != nil || circuit.Status != admin.StatusActive {
		t.Fatalf("expected Active on node-a, got %+v, %v", circuit, err)
	}
	if _, ok := a.manager.Service(proposal.CircuitID, "svc-a"); !ok {
		t.Fatal("svc-a must keep running on node-a")
	}

	// Purge removes all local records on node-b and is idempotent.
	if err := b.admin.Purge(ctx, proposal.CircuitID); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if _, err := b.admin.GetCircuit(ctx, proposal.CircuitID); !errors.Is(err, splerrors.ErrNotFound) {
		t.Fatalf("purged circuit should be gone, got %v", err)
	}
	if err := b.admin.Purge(ctx, proposal.CircuitID); err != nil {
		t.Fatalf("repeated Purge should succeed: %v", err)
	}
}
