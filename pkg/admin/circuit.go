package admin

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/types"
)

// Status is the local lifecycle state of a circuit.
type Status string

const (
	StatusProposed   Status = "Proposed"
	StatusActive     Status = "Active"
	StatusDisbanding Status = "Disbanding"
	StatusDisbanded  Status = "Disbanded"
	StatusAbandoned  Status = "Abandoned"
	StatusPurged     Status = "Purged"
)

// ServiceDef declares one service within a circuit definition.
type ServiceDef struct {
	ServiceID   types.ServiceID   `json:"service_id"`
	ServiceType string            `json:"service_type"`
	Node        types.NodeID      `json:"node"`
	Args        map[string]string `json:"args,omitempty"`
}

// Definition holds the identity-defining fields of a circuit. Two nodes
// that build the same definition derive the same circuit ID.
type Definition struct {
	Members        []types.NodeID    `json:"members"`
	Services       []ServiceDef      `json:"services"`
	ManagementType string            `json:"management_type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Circuit is a stored circuit: its definition plus local status. Members
// and services are immutable once Active except through a new proposal.
type Circuit struct {
	ID         types.CircuitID `json:"id"`
	Definition Definition      `json:"definition"`
	Status     Status          `json:"status"`
}

// Validate rejects malformed definitions before they are ever proposed:
// empty member sets, duplicate service IDs, and services assigned to nodes
// outside the member set.
func (d Definition) Validate() error {
	if len(d.Members) == 0 {
		return fmt.Errorf("circuit has no members: %w", splerrors.ErrInvalidProposal)
	}
	seenMembers := make(map[types.NodeID]struct{}, len(d.Members))
	for _, m := range d.Members {
		if m == "" {
			return fmt.Errorf("empty member node ID: %w", splerrors.ErrInvalidProposal)
		}
		if _, ok := seenMembers[m]; ok {
			return fmt.Errorf("duplicate member %s: %w", m, splerrors.ErrInvalidProposal)
		}
		seenMembers[m] = struct{}{}
	}

	if len(d.Services) == 0 {
		return fmt.Errorf("circuit has no services: %w", splerrors.ErrInvalidProposal)
	}
	seenServices := make(map[types.ServiceID]struct{}, len(d.Services))
	for _, s := range d.Services {
		if s.ServiceID == "" {
			return fmt.Errorf("empty service ID: %w", splerrors.ErrInvalidProposal)
		}
		if _, ok := seenServices[s.ServiceID]; ok {
			return fmt.Errorf("duplicate service ID %s: %w", s.ServiceID, splerrors.ErrInvalidProposal)
		}
		seenServices[s.ServiceID] = struct{}{}
		if s.ServiceType == "" {
			return fmt.Errorf("service %s has no type: %w", s.ServiceID, splerrors.ErrInvalidProposal)
		}
		if _, ok := seenMembers[s.Node]; !ok {
			return fmt.Errorf("service %s references unknown node %s: %w",
				s.ServiceID, s.Node, splerrors.ErrInvalidProposal)
		}
	}
	if d.ManagementType == "" {
		return fmt.Errorf("circuit has no management type: %w", splerrors.ErrInvalidProposal)
	}
	return nil
}

// CircuitID derives the deterministic circuit identifier from the
// definition's canonical encoding, rendered as two five-character base32
// groups. Independently computed proposals for the same definition
// converge on the same ID.
func (d Definition) CircuitID() types.CircuitID {
	sum := sha256.Sum256(d.canonicalBytes())
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	return types.CircuitID(enc[:5] + "-" + enc[5:10])
}

// Hash is the full content hash of the definition, carried on proposals
// and votes so a vote can only apply to the exact definition it was cast
// against.
func (d Definition) Hash() string {
	sum := sha256.Sum256(d.canonicalBytes())
	return hex.EncodeToString(sum[:])
}

// canonicalBytes encodes the defining fields in a fixed order: sorted
// members, services sorted by ID, sorted metadata keys.
func (d Definition) canonicalBytes() []byte {
	var out []byte
	appendStr := func(s string) {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		out = append(out, n[:]...)
		out = append(out, s...)
	}

	members := make([]string, len(d.Members))
	for i, m := range d.Members {
		members[i] = string(m)
	}
	sort.Strings(members)
	for _, m := range members {
		appendStr(m)
	}

	services := make([]ServiceDef, len(d.Services))
	copy(services, d.Services)
	sort.Slice(services, func(i, j int) bool { return services[i].ServiceID < services[j].ServiceID })
	for _, s := range services {
		appendStr(string(s.ServiceID))
		appendStr(s.ServiceType)
		appendStr(string(s.Node))
		argKeys := make([]string, 0, len(s.Args))
		for k := range s.Args {
			argKeys = append(argKeys, k)
		}
		sort.Strings(argKeys)
		for _, k := range argKeys {
			appendStr(k)
			appendStr(s.Args[k])
		}
	}

	appendStr(d.ManagementType)

	metaKeys := make([]string, 0, len(d.Metadata))
	for k := range d.Metadata {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		appendStr(k)
		appendStr(d.Metadata[k])
	}

	return out
}

// HasMember reports whether node is in the member set.
func (d Definition) HasMember(node types.NodeID) bool {
	for _, m := range d.Members {
		if m == node {
			return true
		}
	}
	return false
}

// ServicesForNode returns the services the given node hosts, in
// definition order.
func (d Definition) ServicesForNode(node types.NodeID) []ServiceDef {
	var out []ServiceDef
	for _, s := range d.Services {
		if s.Node == node {
			out = append(out, s)
		}
	}
	return out
}

// PeerServices returns the services the named service must reach consensus
// with, ordered by service ID.
func (d Definition) PeerServices(id types.ServiceID) []ServiceDef {
	var out []ServiceDef
	for _, s := range d.Services {
		if s.ServiceID != id {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}
