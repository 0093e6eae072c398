package workflow

import (
	"testing"

	"bitbucket.org/orchardledger/cellar_backend/utils"
)

// These tests are intentionally DB-free: they validate the branch decision
// table the racking transaction executes against. The transactional paths
// themselves are covered by the integration tests.

func TestDecideRackOutcome_Branches(t *testing.T) {
	cases := []struct {
		name string
		cond rackConditions
		want RackOutcome
	}{
		{"rack to self", rackConditions{RackToSelf: true}, RackOutcomeSelf},
		{"partial into empty vessel is a split", rackConditions{Partial: true}, RackOutcomeSplit},
		{"partial into occupied vessel merges", rackConditions{Partial: true, DestinationOccupied: true}, RackOutcomePartialMerge},
		{"full into occupied vessel merges and retires source", rackConditions{DestinationOccupied: true}, RackOutcomeFullMerge},
		{"full into empty vessel is a move", rackConditions{}, RackOutcomeMove},
	}

	for _, tc := range cases {
		got, err := decideRackOutcome(tc.cond)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestDecideRackOutcome_PartialToSelfRejected(t *testing.T) {
	_, err := decideRackOutcome(rackConditions{RackToSelf: true, Partial: true})
	if err == nil {
		t.Fatal("expected an error for a partial rack into the same vessel")
	}
	if utils.KindOf(err) != utils.ErrorKindBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %s", utils.KindOf(err))
	}
}
