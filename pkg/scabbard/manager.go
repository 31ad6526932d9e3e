package scabbard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shannynalayna/splinter/pkg/admin"
	"github.com/shannynalayna/splinter/pkg/batch"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/transport"
	"github.com/shannynalayna/splinter/pkg/types"
)

// ServiceTypeScabbard is the built-in two-phase-commit service kind.
const ServiceTypeScabbard = "scabbard"

// Runner is the capability every service kind exposes to the rest of the
// node. The consensus plumbing drives any kind through this contract
// without knowing its internals; kinds are fixed at build time via
// RegisterServiceType.
type Runner interface {
	Handle(ctx context.Context, env transport.Envelope) error
	SubmitBatch(ctx context.Context, ops []batch.Op) (types.BatchID, error)
	BatchStatus(id types.BatchID) (BatchStatus, bool)
	GetState(key types.Key, version *types.Version) (types.Value, error)
	CurrentRoot() types.StateRoot
	LastSeq() types.SeqNum
	Stop()
}

// Factory builds a Runner for one declared service.
type Factory func(cfg EngineConfig) (Runner, error)

type engineKey struct {
	circuit types.CircuitID
	service types.ServiceID
}

// Manager owns the service index: engines are keyed by (circuit ID,
// service ID) and reference their circuit by ID only. It instantiates
// engines when a circuit activates, stops them on disband or abandon
// (retaining disk state), and deletes their data on purge.
type Manager struct {
	localNode types.NodeID
	dataDir   string
	transport transport.Transport
	timeout   time.Duration

	mu        sync.RWMutex
	factories map[string]Factory
	engines   map[engineKey]Runner
}

func NewManager(localNode types.NodeID, dataDir string, tr transport.Transport, timeout time.Duration) *Manager {
	m := &Manager{
		localNode: localNode,
		dataDir:   dataDir,
		transport: tr,
		timeout:   timeout,
		factories: make(map[string]Factory),
		engines:   make(map[engineKey]Runner),
	}
	m.RegisterServiceType(ServiceTypeScabbard, func(cfg EngineConfig) (Runner, error) {
		return NewEngine(cfg)
	})
	return m
}

// RegisterServiceType adds a service kind. Call before any circuit using
// the kind activates; registrations are not synchronized with activation.
func (m *Manager) RegisterServiceType(serviceType string, factory Factory) {
	m.mu.Lock()
	m.factories[serviceType] = factory
	m.mu.Unlock()
}

// StartServices instantiates an engine for every service the circuit
// assigns to the local node. Each engine replays its batch log before
// taking offers.
func (m *Manager) StartServices(ctx context.Context, circuit admin.Circuit) error {
	for _, def := range circuit.Definition.ServicesForNode(m.localNode) {
		m.mu.RLock()
		factory, ok := m.factories[def.ServiceType]
		m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("unknown service type %q for service %s: %w",
				def.ServiceType, def.ServiceID, splerrors.ErrInvalidProposal)
		}

		peerDefs := circuit.Definition.PeerServices(def.ServiceID)
		peers := make([]Peer, len(peerDefs))
		for i, p := range peerDefs {
			peers[i] = Peer{Node: p.Node, ServiceID: p.ServiceID}
		}

		runner, err := factory(EngineConfig{
			CircuitID: circuit.ID,
			ServiceID: def.ServiceID,
			LocalNode: m.localNode,
			Peers:     peers,
			DataDir:   m.serviceDir(circuit.ID, def.ServiceID),
			Transport: m.transport,
			Timeout:   m.timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to start service %s on circuit %s: %w",
				def.ServiceID, circuit.ID, err)
		}

		m.mu.Lock()
		m.engines[engineKey{circuit: circuit.ID, service: def.ServiceID}] = runner
		m.mu.Unlock()

		slog.Info("service started",
			"circuit", circuit.ID, "service", def.ServiceID, "type", def.ServiceType)
	}
	return nil
}

// StopServices tears down the circuit's engines. Persisted state and batch
// logs stay on disk for a later restart or purge.
func (m *Manager) StopServices(circuitID types.CircuitID) {
	m.mu.Lock()
	var stopped []Runner
	for key, runner := range m.engines {
		if key.circuit == circuitID {
			stopped = append(stopped, runner)
			delete(m.engines, key)
		}
	}
	m.mu.Unlock()

	for _, runner := range stopped {
		runner.Stop()
	}
	if len(stopped) > 0 {
		slog.Info("services stopped", "circuit", circuitID, "count", len(stopped))
	}
}

// PurgeServices stops any running engines for the circuit and deletes all
// of their on-disk data. Idempotent: purging a circuit with no data is a
// no-op.
func (m *Manager) PurgeServices(circuitID types.CircuitID) error {
	m.StopServices(circuitID)
	dir := filepath.Join(m.dataDir, string(circuitID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete service data for circuit %s: %w", circuitID, err)
	}
	return nil
}

// Service looks up a running service by circuit and service ID.
func (m *Manager) Service(circuitID types.CircuitID, serviceID types.ServiceID) (Runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runner, ok := m.engines[engineKey{circuit: circuitID, service: serviceID}]
	return runner, ok
}

// Handle routes an inbound consensus message to the addressed service.
func (m *Manager) Handle(ctx context.Context, env transport.Envelope) error {
	runner, ok := m.Service(env.CircuitID, env.ServiceID)
	if !ok {
		return fmt.Errorf("no running service %s on circuit %s: %w",
			env.ServiceID, env.CircuitID, splerrors.ErrNotFound)
	}
	return runner.Handle(ctx, env)
}

func (m *Manager) serviceDir(circuitID types.CircuitID, serviceID types.ServiceID) string {
	return filepath.Join(m.dataDir, string(circuitID), string(serviceID))
}
