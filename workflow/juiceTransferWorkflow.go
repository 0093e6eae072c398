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

type JuiceTransferInput struct {
	JuicePurchaseItemId int                     `json:"juice_purchase_item_id" binding:"required"`
	VesselId            int                     `json:"vessel_id" binding:"required"`
	Volume              decimal.Decimal         `json:"volume" binding:"required"`
	ProductType         models.BatchProductType `json:"product_type"`
	BatchName           string                  `json:"batch_name"`
	TransferredAt       time.Time               `json:"transferred_at" binding:"required"`
}

type JuiceTransferResult struct {
	Batch   *models.Batch `json:"batch"`
	Merged  bool          `json:"merged"`
	Message string        `json:"message"`
}

// TransferJuiceToTank moves purchased juice into a vessel. An empty vessel
// gets a new batch seeded from the purchase; an occupied one gets a merge.
// Either way the purchase item's allocation counter moves and the item is
// archived once drained.
func TransferJuiceToTank(ctx context.Context, logger *logrus.Logger, input *JuiceTransferInput) (*JuiceTransferResult, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}
	if !input.Volume.IsPositive() {
		return nil, utils.NewBadRequestError("transfer volume must be positive")
	}

	db := config.GetDB()
	var result JuiceTransferResult

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := models.GetJuicePurchaseItemForUpdate(tx, input.JuicePurchaseItemId)
		if err != nil {
			config.LogError(logger, "juiceTransferWorkflow.go", "TransferJuiceToTank", "GetJuicePurchaseItemForUpdate", input, err)
			return utils.NewNotFoundError("juice purchase item not found", err)
		}
		if item.OrganizationId != organizationId {
			return utils.NewNotFoundError("juice purchase item not found", nil)
		}
		if input.Volume.GreaterThan(item.AvailableVolume()) {
			return utils.NewBadRequestError(fmt.Sprintf(
				"requested %s L but only %s L of the purchase remains unallocated",
				input.Volume.String(), item.AvailableVolume().String()))
		}

		if err := AcquireVesselLock(tx, input.VesselId); err != nil {
			return utils.NewConflictError("vessel is busy, try again")
		}
		defer ReleaseVesselLock(tx, input.VesselId)

		vessel, err := models.GetVesselForUpdate(tx, input.VesselId)
		if err != nil {
			return utils.NewNotFoundError("vessel not found", err)
		}
		if vessel.OrganizationId != organizationId {
			return utils.NewNotFoundError("vessel not found", nil)
		}

		occupant, err := models.GetActiveBatchInVessel(tx, organizationId, vessel.ID)
		if err != nil {
			return err
		}

		if occupant == nil {
			batch, err := seedBatchFromJuicePurchase(tx, logger, organizationId, item, vessel, input)
			if err != nil {
				return err
			}
			result.Batch = batch
			result.Message = fmt.Sprintf("Created batch %s in %s from %s L of purchased juice",
				batch.Name, vessel.Name, input.Volume.String())
		} else {
			batch, err := mergeJuiceIntoBatch(tx, logger, organizationId, item, occupant, input)
			if err != nil {
				return err
			}
			result.Batch = batch
			result.Merged = true
			result.Message = fmt.Sprintf("Merged %s L of purchased juice into batch %s in %s",
				input.Volume.String(), batch.Name, vessel.Name)
		}

		if err := models.AllocateJuiceVolume(tx, item, input.Volume); err != nil {
			config.LogError(logger, "juiceTransferWorkflow.go", "TransferJuiceToTank", "AllocateJuiceVolume", item.ID, err)
			return err
		}

		return models.SaveActivityCreate(tx, result.Batch.ID, "Batch", result.Batch, result.Message)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func seedBatchFromJuicePurchase(tx *gorm.DB, logger *logrus.Logger, organizationId string, item *models.JuicePurchaseItem, vessel *models.Vessel, input *JuiceTransferInput) (*models.Batch, error) {
	productType := input.ProductType
	if productType == "" {
		productType = models.ProductTypeCider
	}
	name := input.BatchName
	if name == "" {
		name = fmt.Sprintf("%s %s", item.VendorName, input.TransferredAt.Format("2006-01-02"))
	}

	batch := models.Batch{
		OrganizationId:      organizationId,
		Name:                name,
		VesselId:            &vessel.ID,
		CurrentVolume:       input.Volume,
		InitialVolume:       input.Volume,
		Status:              models.BatchStatusFermentation,
		ProductType:         productType,
		FermentationStage:   models.StageNotStarted,
		OriginalGravity:     item.SpecificGravity,
		JuicePurchaseItemId: &item.ID,
		IsArchived:          utils.NewFalse(),
	}
	if err := tx.Create(&batch).Error; err != nil {
		config.LogError(logger, "juiceTransferWorkflow.go", "seedBatchFromJuicePurchase", "CreateBatch", batch, err)
		return nil, err
	}

	if _, err := models.RecordContribution(tx, organizationId, batch.ID, models.ContributionInput{
		SourceType:     models.CompositionSourceJuicePurchase,
		PurchaseItemId: &item.ID,
		LotCode:        item.LotCode,
		VendorName:     item.VendorName,
		JuiceVolume:    &input.Volume,
		Volume:         input.Volume,
		MaterialCost:   item.CostForVolume(input.Volume),
		AvgBrix:        item.Brix,
	}); err != nil {
		return nil, err
	}

	// The purchase's lab numbers become the batch's first reading.
	if item.SpecificGravity != nil || item.Ph != nil {
		initial := models.Measurement{
			OrganizationId:  organizationId,
			BatchId:         batch.ID,
			MeasurementDate: input.TransferredAt,
			SpecificGravity: item.SpecificGravity,
			Ph:              item.Ph,
			IsEstimated:     utils.NewFalse(),
		}
		if err := tx.Create(&initial).Error; err != nil {
			return nil, err
		}
	}

	if vessel.Status != models.VesselStatusAvailable {
		if err := models.SetVesselStatus(tx, vessel.ID, models.VesselStatusAvailable); err != nil {
			return nil, err
		}
	}
	return &batch, nil
}

func mergeJuiceIntoBatch(tx *gorm.DB, logger *logrus.Logger, organizationId string, item *models.JuicePurchaseItem, occupant *models.Batch, input *JuiceTransferInput) (*models.Batch, error) {
	batch, err := models.GetBatchForUpdate(tx, occupant.ID)
	if err != nil {
		return nil, err
	}

	volumeAfter := utils.RoundVolume(batch.CurrentVolume.Add(input.Volume))
	merge := models.MergeHistory{
		OrganizationId:            organizationId,
		BatchId:                   batch.ID,
		SourceType:                models.MergeSourceJuicePurchase,
		SourceJuicePurchaseItemId: &item.ID,
		VolumeAdded:               input.Volume,
		TargetVolumeBefore:        batch.CurrentVolume,
		TargetVolumeAfter:         volumeAfter,
		MergedAt:                  input.TransferredAt,
	}
	if err := models.AppendMergeHistory(tx, &merge); err != nil {
		config.LogError(logger, "juiceTransferWorkflow.go", "mergeJuiceIntoBatch", "AppendMergeHistory", merge, err)
		return nil, err
	}

	if _, err := models.RecordContribution(tx, organizationId, batch.ID, models.ContributionInput{
		SourceType:     models.CompositionSourceJuicePurchase,
		PurchaseItemId: &item.ID,
		LotCode:        item.LotCode,
		VendorName:     item.VendorName,
		JuiceVolume:    &input.Volume,
		Volume:         input.Volume,
		MaterialCost:   item.CostForVolume(input.Volume),
		AvgBrix:        item.Brix,
	}); err != nil {
		return nil, err
	}
	if err := models.RecalculateFractions(tx, batch.ID); err != nil {
		return nil, err
	}

	if err := models.SetBatchVolume(tx, batch.ID, volumeAfter); err != nil {
		return nil, err
	}
	batch.CurrentVolume = volumeAfter
	return batch, nil
}

// CreateFromJuicePurchase is the explicit new-batch intake path: unlike
// TransferJuiceToTank it refuses an occupied vessel instead of merging.
func CreateFromJuicePurchase(ctx context.Context, logger *logrus.Logger, input *JuiceTransferInput) (*models.Batch, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}
	if !input.Volume.IsPositive() {
		return nil, utils.NewBadRequestError("volume must be positive")
	}

	db := config.GetDB()
	var created *models.Batch

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := models.GetJuicePurchaseItemForUpdate(tx, input.JuicePurchaseItemId)
		if err != nil {
			return utils.NewNotFoundError("juice purchase item not found", err)
		}
		if item.OrganizationId != organizationId {
			return utils.NewNotFoundError("juice purchase item not found", nil)
		}
		if input.Volume.GreaterThan(item.AvailableVolume()) {
			return utils.NewBadRequestError(fmt.Sprintf(
				"requested %s L but only %s L of the purchase remains unallocated",
				input.Volume.String(), item.AvailableVolume().String()))
		}

		if err := AcquireVesselLock(tx, input.VesselId); err != nil {
			return utils.NewConflictError("vessel is busy, try again")
		}
		defer ReleaseVesselLock(tx, input.VesselId)

		vessel, err := models.GetVesselForUpdate(tx, input.VesselId)
		if err != nil {
			return utils.NewNotFoundError("vessel not found", err)
		}
		occupant, err := models.GetActiveBatchInVessel(tx, organizationId, vessel.ID)
		if err != nil {
			return err
		}
		if occupant != nil {
			return utils.NewBadRequestError("vessel already holds an active batch")
		}

		created, err = seedBatchFromJuicePurchase(tx, logger, organizationId, item, vessel, input)
		if err != nil {
			return err
		}
		if err := models.AllocateJuiceVolume(tx, item, input.Volume); err != nil {
			return err
		}
		return models.SaveActivityCreate(tx, created.ID, "Batch", created,
			fmt.Sprintf("Created batch %s from juice purchase %d", created.Name, item.ID))
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

type FruitWineBatchInput struct {
	PressRunId  int                     `json:"press_run_id" binding:"required"`
	VesselId    int                     `json:"vessel_id" binding:"required"`
	Volume      decimal.Decimal         `json:"volume" binding:"required"`
	Name        string                  `json:"name" binding:"required"`
	ProductType models.BatchProductType `json:"product_type" binding:"required"`
	CreatedAt   time.Time               `json:"created_at" binding:"required"`
}

// CreateFruitWineBatch starts a batch from pressed fruit. The composition
// entry carries the fruit weight and cost prorated to the drawn volume.
func CreateFruitWineBatch(ctx context.Context, logger *logrus.Logger, input *FruitWineBatchInput) (*models.Batch, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}
	if !input.Volume.IsPositive() {
		return nil, utils.NewBadRequestError("volume must be positive")
	}

	db := config.GetDB()
	var created models.Batch

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := models.GetPressRunForUpdate(tx, input.PressRunId)
		if err != nil {
			config.LogError(logger, "juiceTransferWorkflow.go", "CreateFruitWineBatch", "GetPressRunForUpdate", input, err)
			return utils.NewNotFoundError("press run not found", err)
		}
		if run.OrganizationId != organizationId {
			return utils.NewNotFoundError("press run not found", nil)
		}
		if input.Volume.GreaterThan(run.AvailableVolume()) {
			return utils.NewBadRequestError(fmt.Sprintf(
				"requested %s L but only %s L of the press run remains",
				input.Volume.String(), run.AvailableVolume().String()))
		}

		if err := AcquireVesselLock(tx, input.VesselId); err != nil {
			return utils.NewConflictError("vessel is busy, try again")
		}
		defer ReleaseVesselLock(tx, input.VesselId)

		vessel, err := models.GetVesselForUpdate(tx, input.VesselId)
		if err != nil {
			return utils.NewNotFoundError("vessel not found", err)
		}
		occupant, err := models.GetActiveBatchInVessel(tx, organizationId, vessel.ID)
		if err != nil {
			return err
		}
		if occupant != nil {
			return utils.NewBadRequestError("vessel already holds an active batch")
		}

		created = models.Batch{
			OrganizationId:    organizationId,
			Name:              input.Name,
			VesselId:          &vessel.ID,
			CurrentVolume:     input.Volume,
			InitialVolume:     input.Volume,
			Status:            models.BatchStatusFermentation,
			ProductType:       input.ProductType,
			FermentationStage: models.StageNotStarted,
			PressRunId:        &run.ID,
			IsArchived:        utils.NewFalse(),
		}
		if err := tx.Create(&created).Error; err != nil {
			config.LogError(logger, "juiceTransferWorkflow.go", "CreateFruitWineBatch", "CreateBatch", created, err)
			return err
		}

		share := input.Volume.Div(run.JuiceVolume).Round(8)
		weight := run.FruitWeightKg.Mul(share).Round(3)
		if _, err := models.RecordContribution(tx, organizationId, created.ID, models.ContributionInput{
			SourceType:    models.CompositionSourceBaseFruit,
			LotCode:       run.LotCode,
			VendorName:    run.FruitVariety,
			InputWeightKg: &weight,
			Volume:        input.Volume,
			MaterialCost:  run.FruitCost.Mul(share).Round(2),
			AvgBrix:       run.AvgBrix,
		}); err != nil {
			return err
		}

		if err := models.AllocatePressRunVolume(tx, run, input.Volume); err != nil {
			return err
		}
		if vessel.Status != models.VesselStatusAvailable {
			if err := models.SetVesselStatus(tx, vessel.ID, models.VesselStatusAvailable); err != nil {
				return err
			}
		}
		return models.SaveActivityCreate(tx, created.ID, "Batch", &created,
			fmt.Sprintf("Created batch %s from press run %d", created.Name, run.ID))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}
