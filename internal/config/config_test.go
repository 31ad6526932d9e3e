package config

import (
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.Node.ID = "" }},
		{"empty endpoint", func(c *Config) { c.Node.Endpoint = "" }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = " " }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero timeout", func(c *Config) { c.Consensus.CoordinatorTimeout = 0 }},
		{"unknown registry backend", func(c *Config) { c.Registry.Backend = "etcd" }},
		{"zookeeper without servers", func(c *Config) {
			c.Registry.Backend = RegistryBackendZookeeper
			c.Registry.ZKServers = nil
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("SPLINTER_NODE_ID", "node-42")
	t.Setenv("SPLINTER_HTTP_PORT", "9090")
	t.Setenv("SPLINTER_COORDINATOR_TIMEOUT", "10s")
	t.Setenv("SPLINTER_ZK_SERVERS", "zk1:2181,zk2:2181")

	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Node.ID != "node-42" {
		t.Fatalf("node ID not overridden: %s", cfg.Node.ID)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port not overridden: %d", cfg.Server.Port)
	}
	if cfg.Consensus.CoordinatorTimeout != 10*time.Second {
		t.Fatalf("timeout not overridden: %s", cfg.Consensus.CoordinatorTimeout)
	}
	if len(cfg.Registry.ZKServers) != 2 || cfg.Registry.ZKServers[1] != "zk2:2181" {
		t.Fatalf("zk servers not overridden: %v", cfg.Registry.ZKServers)
	}
}
