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

type UpdateBatchInput struct {
	Name               *string                   `json:"name"`
	Status             *models.BatchStatus       `json:"status"`
	ProductType        *models.BatchProductType  `json:"product_type"`
	FermentationStage  *models.FermentationStage `json:"fermentation_stage"`
	VesselId           *int                      `json:"vessel_id"`
	TargetFinalGravity *decimal.Decimal          `json:"target_final_gravity"`
	FinalGravity       *decimal.Decimal          `json:"final_gravity"`
	Reason             string                    `json:"reason"`
}

// UpdateBatch patches batch fields. Status, product-type and stage changes
// each leave an audit diff; the activity views replay those instead of
// re-deriving transitions from raw rows.
func UpdateBatch(ctx context.Context, logger *logrus.Logger, batchId int, input *UpdateBatchInput) (*models.Batch, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	var updated models.Batch

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.GetBatchForUpdate(tx, batchId)
		if err != nil {
			config.LogError(logger, "batchWorkflow.go", "UpdateBatch", "GetBatchForUpdate", batchId, err)
			return utils.NewNotFoundError("batch not found", err)
		}
		if batch.OrganizationId != organizationId {
			return utils.NewNotFoundError("batch not found", nil)
		}
		before := *batch

		if input.Name != nil {
			batch.Name = *input.Name
		}
		if input.TargetFinalGravity != nil {
			batch.TargetFinalGravity = input.TargetFinalGravity
		}
		if input.FinalGravity != nil {
			batch.FinalGravity = input.FinalGravity
		}

		if input.VesselId != nil && (batch.VesselId == nil || *input.VesselId != *batch.VesselId) {
			if err := AcquireVesselLock(tx, *input.VesselId); err != nil {
				return utils.NewConflictError("vessel is busy, try again")
			}
			defer ReleaseVesselLock(tx, *input.VesselId)
			if _, err := models.GetVesselForUpdate(tx, *input.VesselId); err != nil {
				return utils.NewNotFoundError("vessel not found", err)
			}
			occupant, err := models.GetActiveBatchInVessel(tx, organizationId, *input.VesselId)
			if err != nil {
				return err
			}
			if occupant != nil && occupant.ID != batch.ID {
				return utils.NewBadRequestError("vessel already holds an active batch")
			}
			batch.VesselId = input.VesselId
		}

		var audits []string
		if input.Status != nil && *input.Status != before.Status {
			batch.Status = *input.Status
			audits = append(audits, fmt.Sprintf("status %s -> %s", before.Status, batch.Status))
		}
		if input.ProductType != nil && *input.ProductType != before.ProductType {
			batch.ProductType = *input.ProductType
			audits = append(audits, fmt.Sprintf("product type %s -> %s", before.ProductType, batch.ProductType))
		}
		if input.FermentationStage != nil && *input.FermentationStage != before.FermentationStage {
			batch.FermentationStage = *input.FermentationStage
			now := time.Now().UTC()
			batch.StageChangedAt = &now
			audits = append(audits, fmt.Sprintf("fermentation stage %s -> %s", before.FermentationStage, batch.FermentationStage))
		}

		if err := tx.Save(batch).Error; err != nil {
			config.LogError(logger, "batchWorkflow.go", "UpdateBatch", "Save", batch, err)
			return err
		}
		updated = *batch

		if len(audits) > 0 {
			description := fmt.Sprintf("Batch %s updated: %s", batch.Name, audits[0])
			for _, a := range audits[1:] {
				description += "; " + a
			}
			if input.Reason != "" {
				description += " (" + input.Reason + ")"
			}
			return models.SaveActivityUpdate(tx, batch.ID, "Batch", &before, batch, description)
		}
		return models.SaveActivityUpdate(tx, batch.ID, "Batch", &before, batch, fmt.Sprintf("Batch %s updated", batch.Name))
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteBatch soft-deletes the batch and frees its vessel. Ledger rows are
// kept; only the aggregate row is hidden.
func DeleteBatch(ctx context.Context, logger *logrus.Logger, batchId int) error {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.GetBatchForUpdate(tx, batchId)
		if err != nil {
			return utils.NewNotFoundError("batch not found", err)
		}
		if batch.OrganizationId != organizationId {
			return utils.NewNotFoundError("batch not found", nil)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"deleted_at": now,
			"vessel_id":  nil,
		}
		if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
			config.LogError(logger, "batchWorkflow.go", "DeleteBatch", "SoftDelete", batch.ID, err)
			return err
		}
		if batch.VesselId != nil {
			if err := models.SetVesselStatus(tx, *batch.VesselId, models.VesselStatusCleaning); err != nil {
				return err
			}
		}
		return models.SaveActivityDelete(tx, batch.ID, "Batch", batch, fmt.Sprintf("Batch %s deleted", batch.Name))
	})
}
