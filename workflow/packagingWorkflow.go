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

type PackageInput struct {
	BatchId     int                `json:"batch_id" binding:"required"`
	PackageType models.PackageType `json:"package_type" binding:"required"`
	VolumeTaken decimal.Decimal    `json:"volume_taken" binding:"required"`
	Loss        decimal.Decimal    `json:"loss"`
	UnitCount   *int               `json:"unit_count"`
	PackagedAt  time.Time          `json:"packaged_at" binding:"required"`
}

// PackageBatch takes volume out of a batch for bottling, kegging or
// distillation. Draining the batch completely archives it.
func PackageBatch(ctx context.Context, logger *logrus.Logger, input *PackageInput) (*models.PackagingOperation, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}
	if !input.VolumeTaken.IsPositive() {
		return nil, utils.NewBadRequestError("packaged volume must be positive")
	}
	if input.Loss.IsNegative() {
		return nil, utils.NewBadRequestError("loss must not be negative")
	}

	db := config.GetDB()
	var op models.PackagingOperation

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.GetBatchForUpdate(tx, input.BatchId)
		if err != nil {
			config.LogError(logger, "packagingWorkflow.go", "PackageBatch", "GetBatchForUpdate", input, err)
			return utils.NewNotFoundError("batch not found", err)
		}
		if batch.OrganizationId != organizationId || !batch.Active() {
			return utils.NewNotFoundError("batch not found", nil)
		}
		if batch.VesselId == nil {
			return utils.NewBadRequestError("batch is not assigned to a vessel")
		}

		totalOut := input.VolumeTaken.Add(input.Loss)
		if totalOut.GreaterThan(batch.CurrentVolume) {
			return utils.NewBadRequestError(fmt.Sprintf(
				"packaged volume plus loss (%s L) exceeds current batch volume (%s L)",
				utils.RoundVolume(totalOut).String(), batch.CurrentVolume.String()))
		}

		op = models.PackagingOperation{
			OrganizationId: organizationId,
			BatchId:        batch.ID,
			PackageType:    input.PackageType,
			VolumeTaken:    input.VolumeTaken,
			Loss:           input.Loss,
			UnitCount:      input.UnitCount,
			PackagedAt:     input.PackagedAt,
		}
		if err := models.AppendPackagingOperation(tx, &op); err != nil {
			config.LogError(logger, "packagingWorkflow.go", "PackageBatch", "AppendPackagingOperation", op, err)
			return err
		}

		remaining := utils.RoundVolume(batch.CurrentVolume.Sub(totalOut))
		if remaining.IsZero() {
			vesselId := *batch.VesselId
			reason := fmt.Sprintf("Fully packaged as %s", op.PackageType)
			if err := models.ArchiveBatch(tx, batch, reason); err != nil {
				return err
			}
			if err := models.SetVesselStatus(tx, vesselId, models.VesselStatusCleaning); err != nil {
				return err
			}
		} else {
			if err := models.SetBatchVolume(tx, batch.ID, remaining); err != nil {
				return err
			}
			batch.CurrentVolume = remaining
		}

		return models.SaveActivityCreate(tx, op.ID, "PackagingOperation", &op,
			fmt.Sprintf("Packaged %s L of batch %s as %s", input.VolumeTaken.String(), batch.Name, op.PackageType))
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}
