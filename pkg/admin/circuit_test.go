package admin

import (
	"errors"
	"strings"
	"testing"

	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/types"
)

func twoNodeDefinition() Definition {
	return Definition{
		Members: []types.NodeID{"node-a", "node-b"},
		Services: []ServiceDef{
			{ServiceID: "svc-a", ServiceType: "scabbard", Node: "node-a"},
			{ServiceID: "svc-b", ServiceType: "scabbard", Node: "node-b"},
		},
		ManagementType: "two-party",
	}
}

func TestDefinition_Validate(t *testing.T) {
	if err := twoNodeDefinition().Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"no members", func(d *Definition) { d.Members = nil }},
		{"duplicate member", func(d *Definition) { d.Members = append(d.Members, "node-a") }},
		{"empty member", func(d *Definition) { d.Members = append(d.Members, "") }},
		{"no services", func(d *Definition) { d.Services = nil }},
		{"duplicate service", func(d *Definition) { d.Services = append(d.Services, d.Services[0]) }},
		{"service on unknown node", func(d *Definition) { d.Services[0].Node = "node-z" }},
		{"service without type", func(d *Definition) { d.Services[0].ServiceType = "" }},
		{"no management type", func(d *Definition) { d.ManagementType = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := twoNodeDefinition()
			tc.mutate(&def)
			if err := def.Validate(); !errors.Is(err, splerrors.ErrInvalidProposal) {
				t.Fatalf("expected ErrInvalidProposal, got %v", err)
			}
		})
	}
}

func TestDefinition_CircuitIDDeterministic(t *testing.T) {
	a := twoNodeDefinition()

	// Same content, different declaration order.
	b := twoNodeDefinition()
	b.Members = []types.NodeID{"node-b", "node-a"}
	b.Services = []ServiceDef{b.Services[1], b.Services[0]}

	if a.CircuitID() != b.CircuitID() {
		t.Fatalf("same definition produced different IDs: %s vs %s", a.CircuitID(), b.CircuitID())
	}
	if a.Hash() != b.Hash() {
		t.Fatal("same definition produced different hashes")
	}

	id := string(a.CircuitID())
	if len(id) != 11 || !strings.Contains(id, "-") {
		t.Fatalf("circuit ID %q is not in XXXXX-XXXXX form", id)
	}

	c := twoNodeDefinition()
	c.ManagementType = "other"
	if c.CircuitID() == a.CircuitID() {
		t.Fatal("different definitions must not share an ID")
	}
}

func TestDefinition_PeerServices(t *testing.T) {
	def := twoNodeDefinition()

	peers := def.PeerServices("svc-a")
	if len(peers) != 1 || peers[0].ServiceID != "svc-b" {
		t.Fatalf("unexpected peers for svc-a: %+v", peers)
	}

	local := def.ServicesForNode("node-b")
	if len(local) != 1 || local[0].ServiceID != "svc-b" {
		t.Fatalf("unexpected services for node-b: %+v", local)
	}
}
