package workflow

import (
	"testing"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/models"
	"bitbucket.org/orchardledger/cellar_backend/utils"
)

// fakeTransferLedger maps batch id -> the transfer that created it.
type fakeTransferLedger map[int]*models.BatchTransfer

func (l fakeTransferLedger) fetch(batchId int) (*models.BatchTransfer, error) {
	return l[batchId], nil
}

func TestWalkAncestors_ChainNearestFirst(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	ledger := fakeTransferLedger{
		2: {ID: 10, SourceBatchId: 1, DestinationBatchId: 2, TransferredAt: t1},
		3: {ID: 11, SourceBatchId: 2, DestinationBatchId: 3, TransferredAt: t2},
	}

	chain, err := walkAncestors(ledger.fetch, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].BatchId != 2 || !chain[0].SplitAt.Equal(t2) {
		t.Fatalf("nearest ancestor = %+v, want batch 2 at %s", chain[0], t2)
	}
	if chain[1].BatchId != 1 || !chain[1].SplitAt.Equal(t1) {
		t.Fatalf("second ancestor = %+v, want batch 1 at %s", chain[1], t1)
	}
}

func TestWalkAncestors_NoAncestors(t *testing.T) {
	chain, err := walkAncestors(fakeTransferLedger{}.fetch, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("expected an empty chain, got %d links", len(chain))
	}
}

// creatingTransferFetch mirrors the ledger query the chain walk runs: the
// earliest live transfer whose destination is the batch and whose source is a
// different batch. A split's surviving remainder keeps the source's identity,
// so its own split row must never count as an incoming transfer.
func creatingTransferFetch(rows []*models.BatchTransfer) transferFetcher {
	return func(batchId int) (*models.BatchTransfer, error) {
		for _, r := range rows {
			if r.DestinationBatchId == batchId && r.SourceBatchId != batchId {
				return r, nil
			}
		}
		return nil, nil
	}
}

func TestWalkAncestors_SplitRowKeepsSourceIdentity(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	five := 5
	// The row a split (or partial merge) writes: source and remainder are the
	// same batch, the destination is the child.
	rows := []*models.BatchTransfer{
		{ID: 20, SourceBatchId: 5, RemainingBatchId: &five, DestinationBatchId: 9, TransferredAt: at},
	}

	chain, err := walkAncestors(creatingTransferFetch(rows), 5)
	if err != nil {
		t.Fatalf("surviving source: unexpected error: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("surviving source has %d ancestors, want 0", len(chain))
	}

	chain, err = walkAncestors(creatingTransferFetch(rows), 9)
	if err != nil {
		t.Fatalf("split child: unexpected error: %v", err)
	}
	if len(chain) != 1 || chain[0].BatchId != 5 {
		t.Fatalf("split child chain = %+v, want single link to batch 5", chain)
	}
	if chain[0].TransferId != 20 || !chain[0].SplitAt.Equal(at) {
		t.Fatalf("split link = %+v, want transfer 20 at %s", chain[0], at)
	}
}

func TestWalkAncestors_CycleFailsLoudly(t *testing.T) {
	now := time.Now().UTC()
	ledger := fakeTransferLedger{
		2: {ID: 10, SourceBatchId: 3, DestinationBatchId: 2, TransferredAt: now},
		3: {ID: 11, SourceBatchId: 2, DestinationBatchId: 3, TransferredAt: now},
	}

	_, err := walkAncestors(ledger.fetch, 3)
	if err == nil {
		t.Fatal("expected an error for cyclic transfer data")
	}
	if utils.KindOf(err) != utils.ErrorKindInternal {
		t.Fatalf("expected INTERNAL, got %s", utils.KindOf(err))
	}
}

func TestWalkAncestors_HopBound(t *testing.T) {
	now := time.Now().UTC()
	ledger := fakeTransferLedger{}
	for i := 1; i <= maxAncestorHops+5; i++ {
		ledger[i+1] = &models.BatchTransfer{ID: i, SourceBatchId: i, DestinationBatchId: i + 1, TransferredAt: now}
	}

	_, err := walkAncestors(ledger.fetch, maxAncestorHops+6)
	if err == nil {
		t.Fatal("expected the hop bound to trip on an overlong chain")
	}
	if utils.KindOf(err) != utils.ErrorKindInternal {
		t.Fatalf("expected INTERNAL, got %s", utils.KindOf(err))
	}
}
