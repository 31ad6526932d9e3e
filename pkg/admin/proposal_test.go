package admin

import "testing"

func TestProposal_TallyUnanimity(t *testing.T) {
	proposal := NewProposal(twoNodeDefinition(), ActionCreate, "node-a", nil)

	if got := proposal.tally(); got != ProposalPending {
		t.Fatalf("no votes should stay pending, got %s", got)
	}

	proposal.Votes = append(proposal.Votes, VoteRecord{Voter: "node-a", Decision: VoteAccept})
	if got := proposal.tally(); got != ProposalPending {
		t.Fatalf("partial accepts should stay pending, got %s", got)
	}

	proposal.Votes = append(proposal.Votes, VoteRecord{Voter: "node-b", Decision: VoteAccept})
	if got := proposal.tally(); got != ProposalAccepted {
		t.Fatalf("unanimous accepts should resolve accepted, got %s", got)
	}
}

func TestProposal_TallyRejectShortCircuits(t *testing.T) {
	proposal := NewProposal(twoNodeDefinition(), ActionCreate, "node-a", nil)
	proposal.Votes = []VoteRecord{
		{Voter: "node-b", Decision: VoteReject},
	}
	if got := proposal.tally(); got != ProposalRejected {
		t.Fatalf("a single reject should resolve rejected, got %s", got)
	}
}

func TestNewProposal_IDBinding(t *testing.T) {
	def := twoNodeDefinition()

	a := NewProposal(def, ActionCreate, "node-a", nil)
	b := NewProposal(def, ActionCreate, "node-a", nil)
	if a.ID != b.ID {
		t.Fatal("same content must derive the same proposal ID")
	}

	if NewProposal(def, ActionDisband, "node-a", nil).ID == a.ID {
		t.Fatal("different action must change the proposal ID")
	}
	if NewProposal(def, ActionCreate, "node-b", nil).ID == a.ID {
		t.Fatal("different requester must change the proposal ID")
	}

	other := twoNodeDefinition()
	other.ManagementType = "other"
	if NewProposal(other, ActionCreate, "node-a", nil).ID == a.ID {
		t.Fatal("different definition must change the proposal ID")
	}

	if a.CircuitID != def.CircuitID() {
		t.Fatalf("proposal circuit ID %s does not match definition %s", a.CircuitID, def.CircuitID())
	}
}
