package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shannynalayna/splinter/internal/config"
	splhttp "github.com/shannynalayna/splinter/internal/http"
	"github.com/shannynalayna/splinter/pkg/admin"
	"github.com/shannynalayna/splinter/pkg/admin/sqlite"
	"github.com/shannynalayna/splinter/pkg/listener"
	"github.com/shannynalayna/splinter/pkg/registry"
	"github.com/shannynalayna/splinter/pkg/scabbard"
	"github.com/shannynalayna/splinter/pkg/signing"
	"github.com/shannynalayna/splinter/pkg/transport"
	"github.com/shannynalayna/splinter/pkg/types"
)

// Daemon assembles and runs one splinter node: the admin store, signing
// key, node registry, peer transport, service manager, lifecycle service,
// and the HTTP front.
type Daemon struct {
	cfg config.Config

	store    *sqlite.Store
	signer   *signing.FileSigner
	local    *registry.LocalRegistry
	zk       *registry.ZKRegistry
	peers    *transport.HTTPTransport
	manager  *scabbard.Manager
	admin    *admin.Service
	server   *splhttp.Server
	events   *listener.Listener[admin.Event]
	zkCancel context.CancelFunc
}

func New(cfg config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlite.Open(filepath.Join(cfg.Storage.DataDir, "admin.db"))
	if err != nil {
		return nil, fmt.Errorf("open admin store: %w", err)
	}

	signer, err := signing.NewFileSigner(cfg.Storage.KeyFile)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	d := &Daemon{cfg: cfg, store: store, signer: signer}

	localNode := registry.Node{
		ID:        types.NodeID(cfg.Node.ID),
		Endpoint:  cfg.Node.Endpoint,
		PublicKey: signer.PublicKey(),
	}

	switch cfg.Registry.Backend {
	case config.RegistryBackendZookeeper:
		zk, err := registry.NewZKRegistry(cfg.Registry.ZKServers, cfg.Registry.ZKRoot, localNode)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect zookeeper registry: %w", err)
		}
		d.zk = zk
		d.local = registry.NewLocalRegistry(zk.Loader())
	default:
		d.local = registry.NewLocalRegistry(store.ListNodes)
	}
	d.local.Put(localNode)

	d.peers = transport.NewHTTPTransport(nil)
	d.manager = scabbard.NewManager(localNode.ID, filepath.Join(cfg.Storage.DataDir, "services"),
		d.peers, cfg.Consensus.CoordinatorTimeout)
	d.admin = admin.NewService(localNode.ID, signer, store, d.local, d.peers, d.manager)

	dispatcher := transport.NewDispatcher()
	dispatcher.Register(transport.KindProposal, transport.HandlerFunc(d.admin.HandleProposal))
	dispatcher.Register(transport.KindProposalVote, transport.HandlerFunc(d.admin.HandleVote))
	dispatcher.Register(transport.KindProposalResolution, transport.HandlerFunc(d.admin.HandleResolution))
	for _, kind := range []transport.Kind{
		transport.KindOffer,
		transport.KindOfferVote,
		transport.KindCommit,
		transport.KindAbort,
		transport.KindDecisionRequest,
		transport.KindDecisionResponse,
	} {
		dispatcher.Register(kind, transport.HandlerFunc(d.manager.Handle))
	}

	d.server = splhttp.NewServer(d.admin, d.manager, dispatcher.Handler(),
		cfg.Server.Port, cfg.Server.ReadHeaderTimeout)

	d.events = listener.New(d.admin.Events(), func(e admin.Event) error {
		slog.Info("circuit event",
			"type", e.Type, "circuit", e.CircuitID, "proposal", e.ProposalID)
		return nil
	})

	return d, nil
}

// Start brings the node up: registry sync, engine recovery for every
// active circuit, then the HTTP listener.
func (d *Daemon) Start(ctx context.Context) error {
	if d.zk != nil {
		if err := d.zk.RegisterSelf(); err != nil {
			return fmt.Errorf("register node in zookeeper: %w", err)
		}
		zkCtx, cancel := context.WithCancel(context.Background())
		d.zkCancel = cancel
		go d.zk.RunWatch(zkCtx, d.local)
	}
	if err := d.local.Refresh(ctx); err != nil {
		return fmt.Errorf("load node registry: %w", err)
	}
	d.syncPeers()

	if err := d.recoverCircuits(ctx); err != nil {
		return err
	}

	d.events.Start(ctx)

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	slog.Info("node started", "node", d.cfg.Node.ID, "endpoint", d.cfg.Node.Endpoint)
	return nil
}

// Stop tears the node down in reverse order of Start.
func (d *Daemon) Stop() error {
	if err := d.server.Stop(); err != nil {
		slog.Error("failed to stop HTTP server", "error", err)
	}
	d.events.Stop()

	circuits, err := d.admin.ListCircuits(context.Background(), admin.StatusActive)
	if err == nil {
		for _, circuit := range circuits {
			d.manager.StopServices(circuit.ID)
		}
	}

	if d.zkCancel != nil {
		d.zkCancel()
	}
	if d.zk != nil {
		_ = d.zk.Close()
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("close admin store: %w", err)
	}
	slog.Info("node stopped", "node", d.cfg.Node.ID)
	return nil
}

// syncPeers mirrors the registry's endpoints into the transport's peer
// table.
func (d *Daemon) syncPeers() {
	for _, node := range d.local.List() {
		if node.ID == types.NodeID(d.cfg.Node.ID) {
			continue
		}
		d.peers.AddPeer(node.ID, node.Endpoint)
	}
}

// recoverCircuits restarts the engines of every circuit that was active
// when the node last shut down. Each engine replays its batch log before
// accepting new work.
func (d *Daemon) recoverCircuits(ctx context.Context) error {
	circuits, err := d.admin.ListCircuits(ctx, admin.StatusActive)
	if err != nil {
		return fmt.Errorf("list active circuits: %w", err)
	}
	for _, circuit := range circuits {
		if err := d.manager.StartServices(ctx, circuit); err != nil {
			return fmt.Errorf("recover circuit %s: %w", circuit.ID, err)
		}
		slog.Info("circuit recovered", "circuit", circuit.ID)
	}
	return nil
}
