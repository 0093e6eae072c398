package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/models"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxAncestorHops bounds the backward walk. The visited set already catches
// cycles; the hop cap is a backstop against pathological data.
const maxAncestorHops = 50

// AncestorLink is one step in a batch's ancestry: the parent batch and the
// moment the lineage forked away from it.
type AncestorLink struct {
	BatchId    int       `json:"batch_id"`
	SplitAt    time.Time `json:"split_at"`
	TransferId int       `json:"transfer_id"`
}

type transferFetcher func(batchId int) (*models.BatchTransfer, error)

// walkAncestors follows the transfer ledger backward from startId, nearest
// ancestor first. A batch that was never split off another has no ancestors.
// Cyclic transfer data is a corrupt ledger and fails loudly.
func walkAncestors(fetch transferFetcher, startId int) ([]AncestorLink, error) {
	visited := map[int]bool{startId: true}
	var chain []AncestorLink

	frontier := startId
	for hop := 0; ; hop++ {
		if hop >= maxAncestorHops {
			return nil, utils.NewInternalError(
				fmt.Sprintf("ancestor chain for batch %d exceeds %d hops", startId, maxAncestorHops), nil)
		}
		transfer, err := fetch(frontier)
		if err != nil {
			return nil, err
		}
		if transfer == nil {
			// Never split off another batch; its own history is continuous.
			return chain, nil
		}
		parent := transfer.SourceBatchId
		if visited[parent] {
			return nil, utils.NewInternalError(
				fmt.Sprintf("cycle in transfer ledger at batch %d", parent), nil)
		}
		visited[parent] = true
		chain = append(chain, AncestorLink{
			BatchId:    parent,
			SplitAt:    transfer.TransferredAt,
			TransferId: transfer.ID,
		})
		frontier = parent
	}
}

func GetAncestorChain(ctx context.Context, batchId int) ([]AncestorLink, error) {
	db := config.GetDB().WithContext(ctx)
	if _, err := models.GetBatchTx(db, batchId); err != nil {
		return nil, utils.NewNotFoundError("batch not found", err)
	}
	return walkAncestors(func(id int) (*models.BatchTransfer, error) {
		return models.TransferCreatingBatch(db, id)
	}, batchId)
}

// BatchHistory is the combined ledger view for one batch.
type BatchHistory struct {
	BatchId      int                          `json:"batch_id"`
	Merges       []*models.MergeHistory       `json:"merges"`
	TransfersIn  []*models.BatchTransfer      `json:"transfers_in"`
	TransfersOut []*models.BatchTransfer      `json:"transfers_out"`
	Rackings     []*models.RackingOperation   `json:"rackings"`
	Filters      []*models.FilterOperation    `json:"filters"`
	Packagings   []*models.PackagingOperation `json:"packagings"`
}

func GetHistory(ctx context.Context, batchId int) (*BatchHistory, error) {
	db := config.GetDB().WithContext(ctx)
	if _, err := models.GetBatchTx(db, batchId); err != nil {
		return nil, utils.NewNotFoundError("batch not found", err)
	}

	history := BatchHistory{BatchId: batchId}
	var err error
	if history.Merges, err = models.MergesIntoBatch(db, batchId); err != nil {
		return nil, err
	}
	if history.TransfersOut, err = models.TransfersOutOfBatch(db, batchId); err != nil {
		return nil, err
	}
	if transferIn, err := models.TransferIntoBatch(db, batchId); err != nil {
		return nil, err
	} else if transferIn != nil && transferIn.DestinationBatchId == batchId {
		history.TransfersIn = append(history.TransfersIn, transferIn)
	}
	if history.Rackings, err = models.RackingOperationsForBatch(db, batchId); err != nil {
		return nil, err
	}
	if history.Filters, err = models.FilterOperationsForBatch(db, batchId); err != nil {
		return nil, err
	}
	if history.Packagings, err = models.PackagingOperationsForBatch(db, batchId); err != nil {
		return nil, err
	}
	return &history, nil
}

func GetMergeHistory(ctx context.Context, batchId int) ([]*models.MergeHistory, error) {
	db := config.GetDB().WithContext(ctx)
	if _, err := models.GetBatchTx(db, batchId); err != nil {
		return nil, utils.NewNotFoundError("batch not found", err)
	}
	return models.MergesIntoBatch(db, batchId)
}

// AncestorActivity is everything recorded on an ancestor before the split:
// activity after the split belongs to a sibling line, not this batch.
type AncestorActivity struct {
	BatchId      int                        `json:"batch_id"`
	SplitAt      time.Time                  `json:"split_at"`
	Measurements []*models.Measurement      `json:"measurements"`
	Additives    []*models.Additive         `json:"additives"`
	Rackings     []*models.RackingOperation `json:"rackings"`
}

type ActivityHistory struct {
	BatchId    int                  `json:"batch_id"`
	Activities []*models.ActivityLog `json:"activities"`
	Ancestors  []AncestorActivity   `json:"ancestors"`
}

// GetActivityHistory returns the batch's own audit rows plus the pre-split
// slice of each ancestor's records, attributed via the ancestor chain.
func GetActivityHistory(ctx context.Context, batchId int) (*ActivityHistory, error) {
	db := config.GetDB().WithContext(ctx)
	if _, err := models.GetBatchTx(db, batchId); err != nil {
		return nil, utils.NewNotFoundError("batch not found", err)
	}

	refType := "Batch"
	activities, err := models.GetActivities(ctx, &batchId, &refType)
	if err != nil {
		return nil, err
	}

	chain, err := walkAncestors(func(id int) (*models.BatchTransfer, error) {
		return models.TransferCreatingBatch(db, id)
	}, batchId)
	if err != nil {
		return nil, err
	}

	result := ActivityHistory{BatchId: batchId, Activities: activities}
	for _, link := range chain {
		ancestor := AncestorActivity{BatchId: link.BatchId, SplitAt: link.SplitAt}

		measurements, err := models.MeasurementsForBatch(db, link.BatchId)
		if err != nil {
			return nil, err
		}
		for _, m := range measurements {
			if !m.MeasurementDate.After(link.SplitAt) {
				ancestor.Measurements = append(ancestor.Measurements, m)
			}
		}

		additives, err := models.AdditivesForBatch(db, link.BatchId)
		if err != nil {
			return nil, err
		}
		for _, a := range additives {
			if !a.AddedAt.After(link.SplitAt) {
				ancestor.Additives = append(ancestor.Additives, a)
			}
		}

		rackings, err := models.RackingOperationsForBatch(db, link.BatchId)
		if err != nil {
			return nil, err
		}
		for _, r := range rackings {
			if !r.RackedAt.After(link.SplitAt) {
				ancestor.Rackings = append(ancestor.Rackings, r)
			}
		}

		result.Ancestors = append(result.Ancestors, ancestor)
	}
	return &result, nil
}

// GetFermentationProgress analyzes the batch's gravity history and persists
// an inferred stage that differs from the stored one.
func GetFermentationProgress(ctx context.Context, logger *logrus.Logger, settings *models.OrganizationSettings, batchId int) (*FermentationProgress, error) {
	db := config.GetDB().WithContext(ctx)

	batch, err := models.GetBatchTx(db, batchId)
	if err != nil {
		return nil, utils.NewNotFoundError("batch not found", err)
	}
	measurements, err := models.MeasurementsForBatch(db, batchId)
	if err != nil {
		return nil, err
	}
	latest, err := models.LatestMeasurementWithGravity(db, batchId)
	if err != nil {
		return nil, err
	}
	var currentGravity = batch.FinalGravity
	if latest != nil {
		currentGravity = latest.SpecificGravity
	}

	progress := AnalyzeFermentationProgress(settings, batch.ProductType,
		batch.OriginalGravity, currentGravity, batch.TargetFinalGravity,
		measurements, time.Now().UTC())

	if progress.Stage != batch.FermentationStage &&
		progress.Stage != models.StageUnknown && progress.Stage != models.StageNotApplicable {
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := models.SetBatchStage(tx, batch.ID, progress.Stage, time.Now().UTC()); err != nil {
				return err
			}
			return models.SaveActivityUpdate(tx, batch.ID, "Batch",
				map[string]interface{}{"fermentation_stage": batch.FermentationStage},
				map[string]interface{}{"fermentation_stage": progress.Stage},
				fmt.Sprintf("Fermentation stage inferred as %s from gravity history", progress.Stage))
		})
		if err != nil {
			config.LogError(logger, "lineage.go", "GetFermentationProgress", "PersistStage", batch.ID, err)
			return nil, err
		}
	}
	return &progress, nil
}
