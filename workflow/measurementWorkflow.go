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

type NewMeasurement struct {
	BatchId         int              `json:"batch_id" binding:"required"`
	MeasurementDate time.Time        `json:"measurement_date" binding:"required"`
	SpecificGravity *decimal.Decimal `json:"specific_gravity"`
	Abv             *decimal.Decimal `json:"abv"`
	Ph              *decimal.Decimal `json:"ph"`
	TotalAcidity    *decimal.Decimal `json:"total_acidity"`
	Temperature     *decimal.Decimal `json:"temperature"`
	Volume          *decimal.Decimal `json:"volume"`
	VolumeUnit      string           `json:"volume_unit"`
}

// AddMeasurement records a lab reading and runs the side effects that hang off
// it: temperature correction of the hydrometer reading, original-gravity
// latching, and the not_started -> early stage transition once gravity has
// dropped past the configured threshold.
func AddMeasurement(ctx context.Context, logger *logrus.Logger, settings *models.OrganizationSettings, input *NewMeasurement) (*models.Measurement, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	var created models.Measurement

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.GetBatchForUpdate(tx, input.BatchId)
		if err != nil {
			config.LogError(logger, "measurementWorkflow.go", "AddMeasurement", "GetBatchForUpdate", input, err)
			return utils.NewNotFoundError("batch not found", err)
		}
		if batch.OrganizationId != organizationId {
			return utils.NewNotFoundError("batch not found", nil)
		}

		sg := input.SpecificGravity
		if sg != nil && input.Temperature != nil && utils.DereferencePtr(settings.TemperatureCorrectionEnabled) {
			corrected := models.CorrectGravityForTemperature(*sg, *input.Temperature, settings.CalibrationTempCelsius)
			sg = &corrected
		}

		if err := models.ValidateMeasurementRanges(sg, input.Ph); err != nil {
			return err
		}

		duplicate, err := models.FindDuplicateMeasurement(tx, batch.ID, input.MeasurementDate, sg, input.Ph)
		if err != nil {
			config.LogError(logger, "measurementWorkflow.go", "AddMeasurement", "FindDuplicateMeasurement", input, err)
			return err
		}
		if duplicate != nil {
			return utils.NewConflictError(fmt.Sprintf("an identical reading already exists for this date (measurement %d)", duplicate.ID))
		}

		created = models.Measurement{
			OrganizationId:  organizationId,
			BatchId:         batch.ID,
			MeasurementDate: input.MeasurementDate,
			SpecificGravity: sg,
			Abv:             input.Abv,
			Ph:              input.Ph,
			TotalAcidity:    input.TotalAcidity,
			Temperature:     input.Temperature,
			Volume:          input.Volume,
			VolumeUnit:      input.VolumeUnit,
			IsEstimated:     utils.NewFalse(),
		}
		if err := tx.Create(&created).Error; err != nil {
			config.LogError(logger, "measurementWorkflow.go", "AddMeasurement", "Create", created, err)
			return err
		}

		if sg != nil && batch.OriginalGravity == nil {
			if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).
				Update("original_gravity", *sg).Error; err != nil {
				config.LogError(logger, "measurementWorkflow.go", "AddMeasurement", "LatchOriginalGravity", batch.ID, err)
				return err
			}
			batch.OriginalGravity = sg
		}

		if err := maybeAdvanceToEarlyStage(tx, logger, settings, batch, sg, input.MeasurementDate); err != nil {
			return err
		}

		return models.SaveActivityCreate(tx, created.ID, "Measurement",
			&created, fmt.Sprintf("Measurement recorded for batch %s", batch.Name))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// maybeAdvanceToEarlyStage moves a fermentable batch from not_started to early
// once a reading shows gravity has dropped at least the configured amount
// below original gravity. A reading that just latched OG shows zero drop, so
// the first reading never advances the stage by itself.
func maybeAdvanceToEarlyStage(tx *gorm.DB, logger *logrus.Logger, settings *models.OrganizationSettings, batch *models.Batch, sg *decimal.Decimal, at time.Time) error {
	if sg == nil || batch.OriginalGravity == nil {
		return nil
	}
	if batch.FermentationStage != models.StageNotStarted || !batch.ProductType.Ferments() {
		return nil
	}
	drop := batch.OriginalGravity.Sub(*sg)
	if drop.LessThan(settings.StageEarlySgDrop) {
		return nil
	}
	if err := models.SetBatchStage(tx, batch.ID, models.StageEarly, at); err != nil {
		config.LogError(logger, "measurementWorkflow.go", "maybeAdvanceToEarlyStage", "SetBatchStage", batch.ID, err)
		return err
	}
	before := batch.FermentationStage
	batch.FermentationStage = models.StageEarly
	return models.SaveActivityUpdate(tx, batch.ID, "Batch",
		map[string]interface{}{"fermentation_stage": before},
		map[string]interface{}{"fermentation_stage": models.StageEarly},
		fmt.Sprintf("Fermentation started: gravity dropped %s below original", drop.String()))
}

type UpdateMeasurementInput struct {
	SpecificGravity *decimal.Decimal `json:"specific_gravity"`
	Abv             *decimal.Decimal `json:"abv"`
	Ph              *decimal.Decimal `json:"ph"`
	TotalAcidity    *decimal.Decimal `json:"total_acidity"`
	Temperature     *decimal.Decimal `json:"temperature"`
	MeasurementDate *time.Time       `json:"measurement_date"`
}

func UpdateMeasurement(ctx context.Context, logger *logrus.Logger, id int, input *UpdateMeasurementInput) (*models.Measurement, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	var updated models.Measurement

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Measurement
		if err := tx.Where("deleted_at IS NULL").First(&m, id).Error; err != nil {
			return utils.NewNotFoundError("measurement not found", err)
		}
		if m.OrganizationId != organizationId {
			return utils.NewNotFoundError("measurement not found", nil)
		}
		before := m

		if input.SpecificGravity != nil {
			m.SpecificGravity = input.SpecificGravity
		}
		if input.Abv != nil {
			m.Abv = input.Abv
		}
		if input.Ph != nil {
			m.Ph = input.Ph
		}
		if input.TotalAcidity != nil {
			m.TotalAcidity = input.TotalAcidity
		}
		if input.Temperature != nil {
			m.Temperature = input.Temperature
		}
		if input.MeasurementDate != nil {
			m.MeasurementDate = *input.MeasurementDate
		}

		if err := models.ValidateMeasurementRanges(m.SpecificGravity, m.Ph); err != nil {
			return err
		}

		// The corrected values must not collide with another live reading.
		duplicate, err := models.FindDuplicateMeasurement(tx, m.BatchId, m.MeasurementDate, m.SpecificGravity, m.Ph)
		if err != nil {
			config.LogError(logger, "measurementWorkflow.go", "UpdateMeasurement", "FindDuplicateMeasurement", m, err)
			return err
		}
		if duplicate != nil && duplicate.ID != m.ID {
			return utils.NewConflictError(fmt.Sprintf("an identical reading already exists for this date (measurement %d)", duplicate.ID))
		}

		if err := tx.Save(&m).Error; err != nil {
			config.LogError(logger, "measurementWorkflow.go", "UpdateMeasurement", "Save", m, err)
			return err
		}
		updated = m
		return models.SaveActivityUpdate(tx, m.ID, "Measurement", &before, &m, "Measurement corrected")
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func DeleteMeasurement(ctx context.Context, logger *logrus.Logger, id int) error {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Measurement
		if err := tx.Where("deleted_at IS NULL").First(&m, id).Error; err != nil {
			return utils.NewNotFoundError("measurement not found", err)
		}
		if m.OrganizationId != organizationId {
			return utils.NewNotFoundError("measurement not found", nil)
		}
		now := time.Now().UTC()
		if err := tx.Model(&models.Measurement{}).Where("id = ?", m.ID).
			Update("deleted_at", now).Error; err != nil {
			config.LogError(logger, "measurementWorkflow.go", "DeleteMeasurement", "SoftDelete", m.ID, err)
			return err
		}
		return models.SaveActivityDelete(tx, m.ID, "Measurement", &m, "Measurement deleted")
	})
}
