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

type FilterInput struct {
	BatchId      int               `json:"batch_id" binding:"required"`
	VesselId     int               `json:"vessel_id" binding:"required"`
	FilterType   models.FilterType `json:"filter_type" binding:"required"`
	VolumeBefore decimal.Decimal   `json:"volume_before" binding:"required"`
	VolumeAfter  decimal.Decimal   `json:"volume_after" binding:"required"`
	FilteredAt   time.Time         `json:"filtered_at" binding:"required"`
}

// FilterBatch records an in-place filtration pass. The batch must actually
// sit in the stated vessel and the vessel must be in service.
func FilterBatch(ctx context.Context, logger *logrus.Logger, input *FilterInput) (*models.FilterOperation, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	var op models.FilterOperation

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.GetBatchForUpdate(tx, input.BatchId)
		if err != nil {
			config.LogError(logger, "filterWorkflow.go", "FilterBatch", "GetBatchForUpdate", input, err)
			return utils.NewNotFoundError("batch not found", err)
		}
		if batch.OrganizationId != organizationId || !batch.Active() {
			return utils.NewNotFoundError("batch not found", nil)
		}
		if batch.VesselId == nil || *batch.VesselId != input.VesselId {
			return utils.NewBadRequestError("batch is not in the stated vessel")
		}

		vessel, err := models.GetVesselForUpdate(tx, input.VesselId)
		if err != nil {
			return utils.NewNotFoundError("vessel not found", err)
		}
		if vessel.Status != models.VesselStatusAvailable {
			return utils.NewBadRequestError(fmt.Sprintf("vessel is %s and cannot be filtered from", vessel.Status))
		}

		op = models.FilterOperation{
			OrganizationId: organizationId,
			BatchId:        batch.ID,
			VesselId:       input.VesselId,
			FilterType:     input.FilterType,
			VolumeBefore:   input.VolumeBefore,
			VolumeAfter:    input.VolumeAfter,
			FilteredAt:     input.FilteredAt,
		}
		if err := models.AppendFilterOperation(tx, &op); err != nil {
			config.LogError(logger, "filterWorkflow.go", "FilterBatch", "AppendFilterOperation", op, err)
			return err
		}

		if err := models.SetBatchVolume(tx, batch.ID, input.VolumeAfter); err != nil {
			return err
		}
		batch.CurrentVolume = input.VolumeAfter

		return models.SaveActivityCreate(tx, op.ID, "FilterOperation", &op,
			fmt.Sprintf("%s filtration of batch %s: %s L lost", op.FilterType, batch.Name, op.VolumeLoss.String()))
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

type UpdateFilterInput struct {
	VolumeAfter *decimal.Decimal `json:"volume_after"`
	FilterType  *models.FilterType `json:"filter_type"`
	FilteredAt  *time.Time       `json:"filtered_at"`
}

// UpdateFilter corrects a filtration record: soft-delete and re-append, with
// the volume effect of an after-volume change applied to the batch.
func UpdateFilter(ctx context.Context, logger *logrus.Logger, filterOperationId int, input *UpdateFilterInput) (*models.FilterOperation, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	var corrected models.FilterOperation

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original models.FilterOperation
		if err := tx.Where("deleted_at IS NULL").First(&original, filterOperationId).Error; err != nil {
			return utils.NewNotFoundError("filter operation not found", err)
		}
		if original.OrganizationId != organizationId {
			return utils.NewNotFoundError("filter operation not found", nil)
		}

		batch, err := models.GetBatchForUpdate(tx, original.BatchId)
		if err != nil {
			return utils.NewNotFoundError("batch not found", err)
		}

		corrected = original
		corrected.ID = 0
		corrected.CreatedAt = time.Time{}
		if input.FilterType != nil {
			corrected.FilterType = *input.FilterType
		}
		if input.FilteredAt != nil {
			corrected.FilteredAt = *input.FilteredAt
		}
		if input.VolumeAfter != nil {
			delta := input.VolumeAfter.Sub(original.VolumeAfter)
			newVolume := utils.RoundVolume(batch.CurrentVolume.Add(delta))
			if newVolume.IsNegative() {
				return utils.NewBadRequestError("corrected volume would make batch volume negative")
			}
			corrected.VolumeAfter = *input.VolumeAfter
			if err := models.SetBatchVolume(tx, batch.ID, newVolume); err != nil {
				return err
			}
		}

		if err := models.SoftDeleteLedgerRow(tx, &models.FilterOperation{}, original.ID); err != nil {
			config.LogError(logger, "filterWorkflow.go", "UpdateFilter", "SoftDeleteLedgerRow", original.ID, err)
			return err
		}
		if err := models.AppendFilterOperation(tx, &corrected); err != nil {
			config.LogError(logger, "filterWorkflow.go", "UpdateFilter", "AppendFilterOperation", corrected, err)
			return err
		}
		return models.SaveActivityUpdate(tx, batch.ID, "FilterOperation", &original, &corrected, "Filter record corrected")
	})
	if err != nil {
		return nil, err
	}
	return &corrected, nil
}
