package workflow

import (
	"testing"

	"bitbucket.org/orchardledger/cellar_backend/models"
)

func TestAccumulateTrace_PartialRackReconciles(t *testing.T) {
	// 100 L batch: 40 L racked out with 2 L loss leaves 58 L.
	batch := &models.Batch{ID: 1, Name: "Dabinett 2026", InitialVolume: dec("100"), CurrentVolume: dec("58")}
	transfersOut := []*models.BatchTransfer{{SourceBatchId: 1, DestinationBatchId: 2, VolumeTransferred: dec("40"), Loss: dec("2")}}
	rackings := []*models.RackingOperation{{BatchId: 1, VolumeBefore: dec("100"), VolumeAfter: dec("98"), VolumeLoss: dec("2")}}

	trace := accumulateTrace(batch, nil, transfersOut, rackings, nil, nil)
	if !trace.Accounted.Equal(dec("58")) {
		t.Fatalf("accounted = %s, want 58", trace.Accounted.String())
	}
	if !trace.Discrepancy.IsZero() || trace.HasDiscrepancy {
		t.Fatalf("expected a clean trace, got discrepancy %s", trace.Discrepancy.String())
	}
}

func TestAccumulateTrace_MergeTargetReconciles(t *testing.T) {
	// 20 L batch that received an 80 L merge and lost 1 L to a sterile filter.
	batch := &models.Batch{ID: 5, Name: "Blend tank", InitialVolume: dec("20"), CurrentVolume: dec("99")}
	merges := []*models.MergeHistory{{BatchId: 5, VolumeAdded: dec("80"), TargetVolumeBefore: dec("20"), TargetVolumeAfter: dec("100")}}
	filters := []*models.FilterOperation{{BatchId: 5, VolumeBefore: dec("100"), VolumeAfter: dec("99"), VolumeLoss: dec("1")}}

	trace := accumulateTrace(batch, merges, nil, nil, filters, nil)
	if !trace.Accounted.Equal(dec("99")) {
		t.Fatalf("accounted = %s, want 99", trace.Accounted.String())
	}
	if trace.HasDiscrepancy {
		t.Fatalf("expected a clean trace, got discrepancy %s", trace.Discrepancy.String())
	}
}

func TestAccumulateTrace_PackagingCountsAsOutflowAndLoss(t *testing.T) {
	batch := &models.Batch{ID: 9, Name: "Bottling run", InitialVolume: dec("50"), CurrentVolume: dec("0")}
	packagings := []*models.PackagingOperation{{BatchId: 9, PackageType: models.PackageTypeBottle, VolumeTaken: dec("49.5"), Loss: dec("0.5")}}

	trace := accumulateTrace(batch, nil, nil, nil, nil, packagings)
	if !trace.Outflow.Equal(dec("49.5")) || !trace.Loss.Equal(dec("0.5")) {
		t.Fatalf("outflow/loss = %s/%s, want 49.5/0.5", trace.Outflow.String(), trace.Loss.String())
	}
	if trace.HasDiscrepancy {
		t.Fatalf("expected a clean trace, got discrepancy %s", trace.Discrepancy.String())
	}
}

func TestAccumulateTrace_SurfacesDiscrepancy(t *testing.T) {
	// Current volume says 57 but the ledgers only account for 58: the missing
	// liter must be reported, not absorbed.
	batch := &models.Batch{ID: 1, Name: "Dabinett 2026", InitialVolume: dec("100"), CurrentVolume: dec("57")}
	transfersOut := []*models.BatchTransfer{{SourceBatchId: 1, DestinationBatchId: 2, VolumeTransferred: dec("40")}}
	rackings := []*models.RackingOperation{{BatchId: 1, VolumeBefore: dec("100"), VolumeAfter: dec("98"), VolumeLoss: dec("2")}}

	trace := accumulateTrace(batch, nil, transfersOut, rackings, nil, nil)
	if !trace.HasDiscrepancy {
		t.Fatal("expected the discrepancy to be flagged")
	}
	if !trace.Discrepancy.Equal(dec("-1")) {
		t.Fatalf("discrepancy = %s, want -1", trace.Discrepancy.String())
	}
}

func TestAccumulateTrace_WithinToleranceNotFlagged(t *testing.T) {
	batch := &models.Batch{ID: 2, Name: "Rounding", InitialVolume: dec("100"), CurrentVolume: dec("99.9995")}
	rackings := []*models.RackingOperation{{BatchId: 2, VolumeBefore: dec("100"), VolumeAfter: dec("99.9999"), VolumeLoss: dec("0.0001")}}

	trace := accumulateTrace(batch, nil, nil, rackings, nil, nil)
	if trace.HasDiscrepancy {
		t.Fatalf("sub-tolerance rounding should not be flagged, got %s", trace.Discrepancy.String())
	}
}
