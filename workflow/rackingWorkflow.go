package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/models"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MinSplitRemainder is the smallest volume worth keeping as a surviving batch
// after a partial rack. Anything smaller is folded into racking loss.
var MinSplitRemainder = decimal.NewFromInt(1)

type RackOutcome string

const (
	RackOutcomeSelf         RackOutcome = "rack_to_self"
	RackOutcomeSplit        RackOutcome = "split"
	RackOutcomePartialMerge RackOutcome = "partial_merge"
	RackOutcomeFullMerge    RackOutcome = "full_merge"
	RackOutcomeMove         RackOutcome = "move"
)

// rackConditions are the three booleans the racking branch is decided on.
type rackConditions struct {
	RackToSelf          bool
	Partial             bool
	DestinationOccupied bool
}

// decideRackOutcome maps the condition triple onto one of the five branches.
// A partial rack back into the same vessel has no physical meaning.
func decideRackOutcome(c rackConditions) (RackOutcome, error) {
	if c.RackToSelf {
		if c.Partial {
			return "", utils.NewBadRequestError("partial rack into the same vessel is not possible")
		}
		return RackOutcomeSelf, nil
	}
	switch {
	case c.Partial && !c.DestinationOccupied:
		return RackOutcomeSplit, nil
	case c.Partial && c.DestinationOccupied:
		return RackOutcomePartialMerge, nil
	case !c.Partial && c.DestinationOccupied:
		return RackOutcomeFullMerge, nil
	}
	return RackOutcomeMove, nil
}

type RackInput struct {
	BatchId             int             `json:"batch_id" binding:"required"`
	DestinationVesselId int             `json:"destination_vessel_id" binding:"required"`
	VolumeToRack        decimal.Decimal `json:"volume_to_rack" binding:"required"`
	Loss                decimal.Decimal `json:"loss"`
	RackedAt            time.Time       `json:"racked_at" binding:"required"`
}

type RackResult struct {
	Outcome            RackOutcome   `json:"outcome"`
	Message            string        `json:"message"`
	Batch              *models.Batch `json:"batch"`
	NewBatchId         *int          `json:"new_batch_id"`
	DestinationBatchId *int          `json:"destination_batch_id"`
	RackingOperationId int           `json:"racking_operation_id"`
}

// RackBatch moves liquid between vessels. Depending on how much is racked and
// what sits in the destination this is a sediment rack in place, a move, a
// split into a new batch, or a merge into the destination batch. Every branch
// appends a RackingOperation row first, then does its own ledger writes.
func RackBatch(ctx context.Context, logger *logrus.Logger, input *RackInput) (*RackResult, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}
	if !input.VolumeToRack.IsPositive() {
		return nil, utils.NewBadRequestError("volume to rack must be positive")
	}
	if input.Loss.IsNegative() {
		return nil, utils.NewBadRequestError("loss must not be negative")
	}

	db := config.GetDB()
	var result RackResult

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.GetBatchForUpdate(tx, input.BatchId)
		if err != nil {
			config.LogError(logger, "rackingWorkflow.go", "RackBatch", "GetBatchForUpdate", input, err)
			return utils.NewNotFoundError("batch not found", err)
		}
		if batch.OrganizationId != organizationId || !batch.Active() {
			return utils.NewNotFoundError("batch not found", nil)
		}
		if batch.VesselId == nil {
			return utils.NewBadRequestError("batch is not assigned to a vessel")
		}
		sourceVesselId := *batch.VesselId

		if err := AcquireVesselLocks(tx, sourceVesselId, input.DestinationVesselId); err != nil {
			config.LogError(logger, "rackingWorkflow.go", "RackBatch", "AcquireVesselLocks", input, err)
			return utils.NewConflictError("vessel is busy, try again")
		}
		defer ReleaseVesselLocks(tx, sourceVesselId, input.DestinationVesselId)

		destVessel, err := models.GetVesselForUpdate(tx, input.DestinationVesselId)
		if err != nil {
			return utils.NewNotFoundError("destination vessel not found", err)
		}
		if destVessel.OrganizationId != organizationId {
			return utils.NewNotFoundError("destination vessel not found", nil)
		}

		totalOut := input.VolumeToRack.Add(input.Loss)
		if totalOut.GreaterThan(batch.CurrentVolume) {
			return utils.NewBadRequestError(fmt.Sprintf(
				"volume to rack plus loss (%s L) exceeds current batch volume (%s L)",
				utils.RoundVolume(totalOut).String(), batch.CurrentVolume.String()))
		}

		remaining := utils.RoundVolume(batch.CurrentVolume.Sub(totalOut))
		loss := input.Loss
		partial := remaining.GreaterThanOrEqual(MinSplitRemainder)
		if !partial && remaining.IsPositive() {
			// Too small to keep as a batch; written off as loss.
			loss = utils.RoundVolume(loss.Add(remaining))
			remaining = decimal.Zero
		}

		rackToSelf := sourceVesselId == input.DestinationVesselId

		occupant, err := models.GetActiveBatchInVessel(tx, organizationId, input.DestinationVesselId)
		if err != nil {
			config.LogError(logger, "rackingWorkflow.go", "RackBatch", "GetActiveBatchInVessel", input, err)
			return err
		}
		destOccupied := occupant != nil && occupant.ID != batch.ID

		outcome, err := decideRackOutcome(rackConditions{
			RackToSelf:          rackToSelf,
			Partial:             partial,
			DestinationOccupied: destOccupied,
		})
		if err != nil {
			return err
		}

		// The audit row is written for every branch. VolumeAfter is the total
		// liquid surviving the operation across both vessels.
		volumeAfter := utils.RoundVolume(batch.CurrentVolume.Sub(loss))
		rackingOp := models.RackingOperation{
			OrganizationId:      organizationId,
			BatchId:             batch.ID,
			SourceVesselId:      &sourceVesselId,
			DestinationVesselId: input.DestinationVesselId,
			VolumeBefore:        batch.CurrentVolume,
			VolumeAfter:         volumeAfter,
			VolumeLoss:          loss,
			RackedAt:            input.RackedAt,
		}
		if err := models.AppendRackingOperation(tx, &rackingOp); err != nil {
			config.LogError(logger, "rackingWorkflow.go", "RackBatch", "AppendRackingOperation", rackingOp, err)
			return err
		}
		result.RackingOperationId = rackingOp.ID
		result.Outcome = outcome

		switch outcome {
		case RackOutcomeSelf:
			err = rackToSelfBranch(tx, logger, batch, volumeAfter, loss, &result)
		case RackOutcomeSplit:
			err = splitBranch(tx, logger, organizationId, batch, destVessel, input, remaining, loss, &result)
		case RackOutcomePartialMerge, RackOutcomeFullMerge:
			err = mergeBranch(tx, logger, organizationId, batch, occupant, destVessel, input, remaining, loss, partial, &result)
		case RackOutcomeMove:
			err = moveBranch(tx, logger, organizationId, batch, destVessel, input, volumeAfter, loss, &result)
		}
		if err != nil {
			return err
		}

		result.Batch = batch
		return models.SaveActivityUpdate(tx, batch.ID, "Batch", nil, &result, result.Message)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// rackToSelfBranch: liquid racked off sediment and returned to the same
// vessel. Only the volume changes.
func rackToSelfBranch(tx *gorm.DB, logger *logrus.Logger, batch *models.Batch, volumeAfter decimal.Decimal, loss decimal.Decimal, result *RackResult) error {
	if err := models.SetBatchVolume(tx, batch.ID, volumeAfter); err != nil {
		config.LogError(logger, "rackingWorkflow.go", "rackToSelfBranch", "SetBatchVolume", batch.ID, err)
		return err
	}
	batch.CurrentVolume = volumeAfter
	result.Message = fmt.Sprintf("Racked %s off sediment in place; %s L lost, %s L remaining",
		batch.Name, loss.String(), volumeAfter.String())
	return nil
}

// splitBranch: part of the batch moves to an empty vessel and becomes a new
// batch carrying a proportional share of composition, plus copies of the
// measurement and additive history up to the split.
func splitBranch(tx *gorm.DB, logger *logrus.Logger, organizationId string, batch *models.Batch, destVessel *models.Vessel, input *RackInput, remaining decimal.Decimal, loss decimal.Decimal, result *RackResult) error {
	ratio := input.VolumeToRack.Div(batch.CurrentVolume).Round(8)

	child := models.Batch{
		OrganizationId:     organizationId,
		Name:               fmt.Sprintf("%s (split)", batch.Name),
		VesselId:           &destVessel.ID,
		CurrentVolume:      input.VolumeToRack,
		InitialVolume:      input.VolumeToRack,
		Status:             batch.Status,
		ProductType:        batch.ProductType,
		FermentationStage:  batch.FermentationStage,
		StageChangedAt:     batch.StageChangedAt,
		OriginalGravity:    batch.OriginalGravity,
		TargetFinalGravity: batch.TargetFinalGravity,
		IsArchived:         utils.NewFalse(),
	}
	if err := tx.Create(&child).Error; err != nil {
		config.LogError(logger, "rackingWorkflow.go", "splitBranch", "CreateChildBatch", child, err)
		return err
	}

	if err := models.CopyProportional(tx, batch.ID, child.ID, ratio); err != nil {
		return err
	}
	if err := models.RecalculateFractions(tx, child.ID); err != nil {
		return err
	}
	if err := models.CopyMeasurementsUpTo(tx, batch.ID, child.ID, input.RackedAt); err != nil {
		return err
	}
	if err := models.CopyAdditivesUpTo(tx, batch.ID, child.ID, input.RackedAt); err != nil {
		return err
	}

	// Shrink the source: volume down to the remainder, composition rescaled so
	// fractions keep summing to one over the smaller base.
	remainRatio := remaining.Div(batch.CurrentVolume).Round(8)
	if err := models.ScaleComposition(tx, batch.ID, remainRatio); err != nil {
		return err
	}
	if err := models.RecalculateFractions(tx, batch.ID); err != nil {
		return err
	}
	if err := models.SetBatchVolume(tx, batch.ID, remaining); err != nil {
		return err
	}
	batch.CurrentVolume = remaining

	transfer := models.BatchTransfer{
		OrganizationId:      organizationId,
		SourceBatchId:       batch.ID,
		RemainingBatchId:    &batch.ID,
		DestinationBatchId:  child.ID,
		SourceVesselId:      batch.VesselId,
		DestinationVesselId: destVessel.ID,
		VolumeTransferred:   input.VolumeToRack,
		Loss:                loss,
		TransferredAt:       input.RackedAt,
	}
	if err := models.AppendBatchTransfer(tx, &transfer); err != nil {
		config.LogError(logger, "rackingWorkflow.go", "splitBranch", "AppendBatchTransfer", transfer, err)
		return err
	}

	if destVessel.Status != models.VesselStatusAvailable {
		if err := models.SetVesselStatus(tx, destVessel.ID, models.VesselStatusAvailable); err != nil {
			return err
		}
	}

	result.NewBatchId = &child.ID
	result.Message = fmt.Sprintf("Split %s L into %s as new batch %s; %s L remaining, %s L lost",
		input.VolumeToRack.String(), destVessel.Name, child.Name, remaining.String(), loss.String())
	return nil
}

// mergeBranch: racked volume joins the batch already in the destination. The
// destination gains a merge-history row, a blended estimated measurement and a
// proportional share of the source composition. A full merge also archives
// the source batch.
func mergeBranch(tx *gorm.DB, logger *logrus.Logger, organizationId string, batch *models.Batch, destBatch *models.Batch, destVessel *models.Vessel, input *RackInput, remaining decimal.Decimal, loss decimal.Decimal, partial bool, result *RackResult) error {
	dest, err := models.GetBatchForUpdate(tx, destBatch.ID)
	if err != nil {
		config.LogError(logger, "rackingWorkflow.go", "mergeBranch", "GetBatchForUpdate", destBatch.ID, err)
		return err
	}

	destVolumeAfter := utils.RoundVolume(dest.CurrentVolume.Add(input.VolumeToRack))

	merge := models.MergeHistory{
		OrganizationId:     organizationId,
		BatchId:            dest.ID,
		SourceType:         models.MergeSourceBatch,
		SourceBatchId:      &batch.ID,
		VolumeAdded:        input.VolumeToRack,
		TargetVolumeBefore: dest.CurrentVolume,
		TargetVolumeAfter:  destVolumeAfter,
		MergedAt:           input.RackedAt,
	}
	if err := models.AppendMergeHistory(tx, &merge); err != nil {
		config.LogError(logger, "rackingWorkflow.go", "mergeBranch", "AppendMergeHistory", merge, err)
		return err
	}

	var remainingRef *int
	if partial {
		remainingRef = &batch.ID
	}
	transfer := models.BatchTransfer{
		OrganizationId:      organizationId,
		SourceBatchId:       batch.ID,
		RemainingBatchId:    remainingRef,
		DestinationBatchId:  dest.ID,
		SourceVesselId:      batch.VesselId,
		DestinationVesselId: destVessel.ID,
		VolumeTransferred:   input.VolumeToRack,
		Loss:                loss,
		TransferredAt:       input.RackedAt,
	}
	if err := models.AppendBatchTransfer(tx, &transfer); err != nil {
		config.LogError(logger, "rackingWorkflow.go", "mergeBranch", "AppendBatchTransfer", transfer, err)
		return err
	}

	if err := blendEstimateMeasurement(tx, logger, organizationId, batch, dest, input.VolumeToRack, input.RackedAt); err != nil {
		return err
	}

	// Composition: destination gains the racked share of the source's makeup.
	ratio := input.VolumeToRack.Div(batch.CurrentVolume).Round(8)
	if err := models.CopyProportional(tx, batch.ID, dest.ID, ratio); err != nil {
		return err
	}
	if err := models.RecalculateFractions(tx, dest.ID); err != nil {
		return err
	}

	// Stage propagation: active fermentation carries into a destination that
	// has not started, unless the product type does not ferment.
	if batch.FermentationStage.ActivelyFermenting() && dest.ProductType.Ferments() &&
		(dest.FermentationStage == models.StageNotStarted || dest.FermentationStage == models.StageUnknown) {
		if err := models.SetBatchStage(tx, dest.ID, batch.FermentationStage, input.RackedAt); err != nil {
			return err
		}
	}

	if err := models.SetBatchVolume(tx, dest.ID, destVolumeAfter); err != nil {
		return err
	}

	if partial {
		remainRatio := remaining.Div(batch.CurrentVolume).Round(8)
		if err := models.ScaleComposition(tx, batch.ID, remainRatio); err != nil {
			return err
		}
		if err := models.RecalculateFractions(tx, batch.ID); err != nil {
			return err
		}
		if err := models.SetBatchVolume(tx, batch.ID, remaining); err != nil {
			return err
		}
		batch.CurrentVolume = remaining
		result.Message = fmt.Sprintf("Merged %s L of %s into batch %s in %s; %s L remaining in source",
			input.VolumeToRack.String(), batch.Name, dest.Name, destVessel.Name, remaining.String())
	} else {
		sourceVesselId := *batch.VesselId
		reason := fmt.Sprintf("Fully racked into batch %s", dest.Name)
		if err := models.ArchiveBatch(tx, batch, reason); err != nil {
			config.LogError(logger, "rackingWorkflow.go", "mergeBranch", "ArchiveBatch", batch.ID, err)
			return err
		}
		if err := models.SetVesselStatus(tx, sourceVesselId, models.VesselStatusCleaning); err != nil {
			return err
		}
		result.Message = fmt.Sprintf("Merged all %s L of %s into batch %s in %s; source batch completed",
			input.VolumeToRack.String(), batch.Name, dest.Name, destVessel.Name)
	}

	result.DestinationBatchId = &dest.ID
	return nil
}

// moveBranch: the whole batch changes vessel, identity unchanged. No transfer
// or merge rows; the racking operation is the only ledger entry.
func moveBranch(tx *gorm.DB, logger *logrus.Logger, organizationId string, batch *models.Batch, destVessel *models.Vessel, input *RackInput, volumeAfter decimal.Decimal, loss decimal.Decimal, result *RackResult) error {
	// The occupancy answer is re-checked right before the write it gates.
	occupant, err := models.GetActiveBatchInVessel(tx, organizationId, destVessel.ID)
	if err != nil {
		return err
	}
	if occupant != nil && occupant.ID != batch.ID {
		return utils.NewConflictError("destination vessel became occupied")
	}

	sourceVesselId := *batch.VesselId
	if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).Updates(map[string]interface{}{
		"vessel_id":      destVessel.ID,
		"current_volume": volumeAfter,
	}).Error; err != nil {
		config.LogError(logger, "rackingWorkflow.go", "moveBranch", "UpdateBatch", batch.ID, err)
		return err
	}
	batch.VesselId = &destVessel.ID
	batch.CurrentVolume = volumeAfter

	if err := models.SetVesselStatus(tx, sourceVesselId, models.VesselStatusCleaning); err != nil {
		return err
	}
	if destVessel.Status != models.VesselStatusAvailable {
		if err := models.SetVesselStatus(tx, destVessel.ID, models.VesselStatusAvailable); err != nil {
			return err
		}
	}

	result.Message = fmt.Sprintf("Racked %s into %s; %s L lost, %s L moved",
		batch.Name, destVessel.Name, loss.String(), volumeAfter.String())
	return nil
}

// blendEstimateMeasurement writes an estimated reading on the merge target:
// volume-weighted gravity, ABV and pH of the two liquids being combined.
func blendEstimateMeasurement(tx *gorm.DB, logger *logrus.Logger, organizationId string, source *models.Batch, dest *models.Batch, volumeAdded decimal.Decimal, at time.Time) error {
	srcM, err := models.LatestMeasurementWithGravity(tx, source.ID)
	if err != nil {
		return err
	}
	destM, err := models.LatestMeasurementWithGravity(tx, dest.ID)
	if err != nil {
		return err
	}
	if srcM == nil && destM == nil {
		return nil
	}

	var srcSg, srcAbv, srcPh *decimal.Decimal
	if srcM != nil {
		srcSg, srcAbv, srcPh = srcM.SpecificGravity, srcM.Abv, srcM.Ph
	}
	var destSg, destAbv, destPh *decimal.Decimal
	if destM != nil {
		destSg, destAbv, destPh = destM.SpecificGravity, destM.Abv, destM.Ph
	}

	estimate := models.Measurement{
		OrganizationId:  organizationId,
		BatchId:         dest.ID,
		MeasurementDate: at,
		SpecificGravity: EstimateBlend(destSg, dest.CurrentVolume, srcSg, volumeAdded),
		Abv:             EstimateBlend(destAbv, dest.CurrentVolume, srcAbv, volumeAdded),
		Ph:              EstimateBlend(destPh, dest.CurrentVolume, srcPh, volumeAdded),
		IsEstimated:     utils.NewTrue(),
		EstimateSource:  fmt.Sprintf("Blend estimate from merging batch %s into %s", source.Name, dest.Name),
	}
	if err := tx.Create(&estimate).Error; err != nil {
		config.LogError(logger, "rackingWorkflow.go", "blendEstimateMeasurement", "Create", estimate, err)
		return err
	}
	return nil
}

type UpdateRackingInput struct {
	Loss     *decimal.Decimal `json:"loss"`
	RackedAt *time.Time       `json:"racked_at"`
}

// UpdateRacking corrects a recorded rack. The original ledger row is soft
// deleted and a corrected row appended; a loss change is applied to the
// batch's current volume as the delta between old and new loss.
func UpdateRacking(ctx context.Context, logger *logrus.Logger, rackingOperationId int, input *UpdateRackingInput) (*models.RackingOperation, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	var corrected models.RackingOperation

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original models.RackingOperation
		if err := tx.Where("deleted_at IS NULL").First(&original, rackingOperationId).Error; err != nil {
			return utils.NewNotFoundError("racking operation not found", err)
		}
		if original.OrganizationId != organizationId {
			return utils.NewNotFoundError("racking operation not found", nil)
		}

		batch, err := models.GetBatchForUpdate(tx, original.BatchId)
		if err != nil {
			return utils.NewNotFoundError("batch not found", err)
		}

		corrected = original
		corrected.ID = 0
		corrected.CreatedAt = time.Time{}
		if input.RackedAt != nil {
			corrected.RackedAt = *input.RackedAt
		}
		if input.Loss != nil {
			if input.Loss.IsNegative() {
				return utils.NewBadRequestError("loss must not be negative")
			}
			lossDelta := input.Loss.Sub(original.VolumeLoss)
			newVolume := utils.RoundVolume(batch.CurrentVolume.Sub(lossDelta))
			if newVolume.IsNegative() {
				return utils.NewBadRequestError("corrected loss exceeds current batch volume")
			}
			corrected.VolumeLoss = *input.Loss
			corrected.VolumeAfter = utils.RoundVolume(corrected.VolumeBefore.Sub(*input.Loss))
			if corrected.VolumeAfter.IsNegative() {
				return utils.NewBadRequestError("corrected loss exceeds recorded volume before")
			}
			if err := models.SetBatchVolume(tx, batch.ID, newVolume); err != nil {
				return err
			}
		}

		if err := models.SoftDeleteLedgerRow(tx, &models.RackingOperation{}, original.ID); err != nil {
			config.LogError(logger, "rackingWorkflow.go", "UpdateRacking", "SoftDeleteLedgerRow", original.ID, err)
			return err
		}
		if err := models.AppendRackingOperation(tx, &corrected); err != nil {
			config.LogError(logger, "rackingWorkflow.go", "UpdateRacking", "AppendRackingOperation", corrected, err)
			return err
		}
		return models.SaveActivityUpdate(tx, batch.ID, "RackingOperation", &original, &corrected, "Racking record corrected")
	})
	if err != nil {
		return nil, err
	}
	return &corrected, nil
}
