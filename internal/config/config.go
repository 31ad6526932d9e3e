package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for a splinter node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Registry  RegistryConfig  `yaml:"registry"`
	Server    ServerConfig    `yaml:"http-server"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// NodeConfig identifies the local node on every circuit it joins.
type NodeConfig struct {
	ID       string `yaml:"id" env:"SPLINTER_NODE_ID"`
	Endpoint string `yaml:"endpoint" env:"SPLINTER_NODE_ENDPOINT"`
}

// StorageConfig covers on-disk layout: the admin database, per-service
// state directories, and the signing key.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" env:"SPLINTER_DATA_DIR"`
	KeyFile string `yaml:"key_file" env:"SPLINTER_KEY_FILE"`
}

// ConsensusConfig tunes the two-phase-commit engines.
type ConsensusConfig struct {
	CoordinatorTimeout time.Duration `yaml:"coordinator_timeout" env:"SPLINTER_COORDINATOR_TIMEOUT"`
}

// RegistryConfig selects where peer node records come from. The "store"
// backend reads nodes from the admin database; "zookeeper" watches a
// ZooKeeper ensemble and registers the local node as an ephemeral znode.
type RegistryConfig struct {
	Backend   string   `yaml:"backend" env:"SPLINTER_REGISTRY_BACKEND"`
	ZKServers []string `yaml:"zk_servers" env:"SPLINTER_ZK_SERVERS" envSeparator:","`
	ZKRoot    string   `yaml:"zk_root" env:"SPLINTER_ZK_ROOT"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" env:"SPLINTER_HTTP_PORT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level" env:"SPLINTER_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"SPLINTER_LOG_JSON"`
}

const (
	RegistryBackendStore     = "store"
	RegistryBackendZookeeper = "zookeeper"
)

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:       "node-1",
			Endpoint: "http://127.0.0.1:8085",
		},
		Storage: StorageConfig{
			DataDir: "./data",
			KeyFile: "./data/node.key",
		},
		Consensus: ConsensusConfig{
			CoordinatorTimeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Backend: RegistryBackendStore,
			ZKRoot:  "/splinter/nodes",
		},
		Server: ServerConfig{
			Port:              8085,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
	}
}

// ApplyEnv overlays SPLINTER_* environment variables onto cfg. Values set
// in the environment win over the YAML file.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	return nil
}

// Validate rejects configurations a node cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return fmt.Errorf("node.id is required")
	}
	if strings.TrimSpace(c.Node.Endpoint) == "" {
		return fmt.Errorf("node.endpoint is required")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("http-server.port %d out of range", c.Server.Port)
	}
	if c.Consensus.CoordinatorTimeout <= 0 {
		return fmt.Errorf("consensus.coordinator_timeout must be positive")
	}
	switch c.Registry.Backend {
	case RegistryBackendStore:
	case RegistryBackendZookeeper:
		if len(c.Registry.ZKServers) == 0 {
			return fmt.Errorf("registry.zk_servers is required for the zookeeper backend")
		}
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	return nil
}
