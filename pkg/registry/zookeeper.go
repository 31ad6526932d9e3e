package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/shannynalayna/splinter/pkg/types"
)

// ZKRegistry keeps the node registry in ZooKeeper: each node registers an
// ephemeral znode carrying its endpoint and public key, so departed nodes
// drop out of the registry automatically.
type ZKRegistry struct {
	conn     *zk.Conn
	rootPath string
	local    Node
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKRegistry(servers []string, rootPath string, local Node) (*ZKRegistry, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKRegistry{
		conn:     conn,
		rootPath: rootPath,
		local:    local,
	}, nil
}

func (r *ZKRegistry) Close() error {
	r.conn.Close()
	return nil
}

func (r *ZKRegistry) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral znode for the local node.
func (r *ZKRegistry) RegisterSelf() error {
	if err := r.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := r.ensurePath(r.rootPath + "/nodes"); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	data, err := json.Marshal(r.local)
	if err != nil {
		return fmt.Errorf("encode node record: %w", err)
	}

	nodePath := fmt.Sprintf("%s/nodes/%s", r.rootPath, r.local.ID)
	_, err = r.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered node in zookeeper", "path", nodePath)
	return nil
}

func (r *ZKRegistry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state := r.conn.State()
		if state == zk.StateHasSession {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("zk not connected after %s", timeout)
}

// readNodes reads the current registered node set.
func (r *ZKRegistry) readNodes() ([]Node, error) {
	children, _, err := r.conn.Children(r.rootPath + "/nodes")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	nodes := make([]Node, 0, len(children))
	for _, child := range children {
		data, _, err := r.conn.Get(fmt.Sprintf("%s/nodes/%s", r.rootPath, child))
		if err != nil {
			return nil, fmt.Errorf("zk get node %s: %w", child, err)
		}
		var node Node
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("decode node record %s: %w", child, err)
		}
		if node.ID == "" {
			node.ID = types.NodeID(child)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Loader returns a registry Loader backed by ZooKeeper, suitable for
// LocalRegistry.Refresh.
func (r *ZKRegistry) Loader() Loader {
	return func(ctx context.Context) ([]Node, error) {
		return r.readNodes()
	}
}

// RunWatch refreshes the local registry whenever the registered node set
// changes, until the context is cancelled.
func (r *ZKRegistry) RunWatch(ctx context.Context, local *LocalRegistry) {
	go func() {
		for {
			_, _, ch, err := r.conn.ChildrenW(r.rootPath + "/nodes")
			if err != nil {
				slog.Warn("zk watch error", "error", err)
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ch:
				if err := local.Refresh(ctx); err != nil {
					slog.Warn("failed to refresh registry from zookeeper", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
