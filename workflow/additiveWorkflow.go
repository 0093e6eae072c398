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

type NewAdditive struct {
	BatchId        int                 `json:"batch_id" binding:"required"`
	AdditiveType   models.AdditiveType `json:"additive_type" binding:"required"`
	Name           string              `json:"name" binding:"required"`
	Amount         decimal.Decimal     `json:"amount" binding:"required"`
	Unit           string              `json:"unit" binding:"required"`
	PurchaseItemId *int                `json:"purchase_item_id"`
	AddedAt        time.Time           `json:"added_at" binding:"required"`
}

// AddAdditive records an addition to a vessel-assigned batch. Linking a
// purchase item draws down its stock and prorates its cost onto the addition.
// Yeast pitched into a batch that has not started kicks the stage to early;
// sugar additions get a projected post-addition gravity written as an
// estimated measurement.
func AddAdditive(ctx context.Context, logger *logrus.Logger, input *NewAdditive) (*models.Additive, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}
	if !input.Amount.IsPositive() {
		return nil, utils.NewBadRequestError("amount must be positive")
	}
	if utils.FamilyOfUnit(input.Unit) == utils.UnitFamilyUnknown {
		return nil, utils.NewBadRequestError("unknown unit: " + input.Unit)
	}

	db := config.GetDB()
	var created models.Additive

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := models.GetBatchForUpdate(tx, input.BatchId)
		if err != nil {
			config.LogError(logger, "additiveWorkflow.go", "AddAdditive", "GetBatchForUpdate", input, err)
			return utils.NewNotFoundError("batch not found", err)
		}
		if batch.OrganizationId != organizationId || !batch.Active() {
			return utils.NewNotFoundError("batch not found", nil)
		}
		if batch.VesselId == nil {
			return utils.NewBadRequestError("batch is not assigned to a vessel")
		}

		duplicate, err := models.FindDuplicateAdditive(tx, *batch.VesselId, input.Name, input.Amount, input.Unit, input.AddedAt)
		if err != nil {
			return err
		}
		if duplicate != nil {
			return utils.NewConflictError(fmt.Sprintf("an identical addition already exists for this vessel and date (additive %d)", duplicate.ID))
		}

		cost := decimal.Zero
		if input.PurchaseItemId != nil {
			cost, err = drawDownPurchaseItem(tx, logger, *input.PurchaseItemId, input.Amount, input.Unit)
			if err != nil {
				return err
			}
		}

		created = models.Additive{
			OrganizationId: organizationId,
			BatchId:        batch.ID,
			VesselId:       *batch.VesselId,
			AdditiveType:   input.AdditiveType,
			Name:           input.Name,
			Amount:         input.Amount,
			Unit:           input.Unit,
			Cost:           cost,
			PurchaseItemId: input.PurchaseItemId,
			AddedAt:        input.AddedAt,
		}
		if err := tx.Create(&created).Error; err != nil {
			config.LogError(logger, "additiveWorkflow.go", "AddAdditive", "Create", created, err)
			return err
		}

		if input.AdditiveType.IsFermentationOrganism() &&
			batch.FermentationStage == models.StageNotStarted && batch.ProductType.Ferments() {
			if err := models.SetBatchStage(tx, batch.ID, models.StageEarly, input.AddedAt); err != nil {
				return err
			}
			if err := models.SaveActivityUpdate(tx, batch.ID, "Batch",
				map[string]interface{}{"fermentation_stage": models.StageNotStarted},
				map[string]interface{}{"fermentation_stage": models.StageEarly},
				fmt.Sprintf("Yeast %s pitched into batch %s", input.Name, batch.Name)); err != nil {
				return err
			}
		}

		if input.AdditiveType.IsFermentableSugar() {
			if err := sugarAdditionEstimate(tx, logger, organizationId, batch, input); err != nil {
				return err
			}
		}

		return models.SaveActivityCreate(tx, created.ID, "Additive", &created,
			fmt.Sprintf("Added %s %s of %s to batch %s", input.Amount.String(), input.Unit, input.Name, batch.Name))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// drawDownPurchaseItem converts the added amount into the purchase item's
// stock unit, checks the remainder and increments the used counter. Returns
// the prorated cost of the draw.
func drawDownPurchaseItem(tx *gorm.DB, logger *logrus.Logger, purchaseItemId int, amount decimal.Decimal, unit string) (decimal.Decimal, error) {
	item, err := models.GetAdditivePurchaseItemForUpdate(tx, purchaseItemId)
	if err != nil {
		return decimal.Zero, utils.NewNotFoundError("additive purchase item not found", err)
	}

	used, err := utils.ConvertAmount(amount, unit, item.Unit)
	if err != nil {
		return decimal.Zero, err
	}
	if item.UsedQuantity.Add(used).GreaterThan(item.Quantity) {
		return decimal.Zero, utils.NewBadRequestError(fmt.Sprintf(
			"purchase item %s has only %s %s remaining", item.Name,
			item.Quantity.Sub(item.UsedQuantity).String(), item.Unit))
	}
	if err := models.AddUsedQuantity(tx, item.ID, used); err != nil {
		config.LogError(logger, "additiveWorkflow.go", "drawDownPurchaseItem", "AddUsedQuantity", item.ID, err)
		return decimal.Zero, err
	}

	if item.Quantity.IsZero() {
		return decimal.Zero, nil
	}
	return item.TotalCost.Mul(used).Div(item.Quantity).Round(2), nil
}

// sugarAdditionEstimate writes a projected post-addition gravity reading.
// Only mass-unit sugar can be projected; a volume-unit addition (syrup) has
// no usable density here, so no estimate is produced.
func sugarAdditionEstimate(tx *gorm.DB, logger *logrus.Logger, organizationId string, batch *models.Batch, input *NewAdditive) error {
	if utils.FamilyOfUnit(input.Unit) != utils.UnitFamilyMass {
		return nil
	}
	if batch.CurrentVolume.IsZero() {
		return nil
	}

	baseline := batch.OriginalGravity
	if latest, err := models.LatestMeasurementWithGravity(tx, batch.ID); err != nil {
		return err
	} else if latest != nil {
		baseline = latest.SpecificGravity
	}
	if baseline == nil {
		return nil
	}

	grams, err := utils.ToGrams(input.Amount, input.Unit)
	if err != nil {
		return err
	}
	estimatedSg, projectedAbv := ProjectSugarAddition(*baseline, batch.CurrentVolume, grams)

	estimate := models.Measurement{
		OrganizationId:  organizationId,
		BatchId:         batch.ID,
		MeasurementDate: input.AddedAt,
		SpecificGravity: &estimatedSg,
		Abv:             &projectedAbv,
		IsEstimated:     utils.NewTrue(),
		EstimateSource:  fmt.Sprintf("Projected gravity after adding %s %s of %s", input.Amount.String(), input.Unit, input.Name),
	}
	if err := tx.Create(&estimate).Error; err != nil {
		config.LogError(logger, "additiveWorkflow.go", "sugarAdditionEstimate", "Create", estimate, err)
		return err
	}
	return nil
}

type UpdateAdditiveInput struct {
	AdditiveType *models.AdditiveType `json:"additive_type"`
	Name         *string              `json:"name"`
	Amount       *decimal.Decimal     `json:"amount"`
	Unit         *string              `json:"unit"`
	AddedAt      *time.Time           `json:"added_at"`
}

func UpdateAdditive(ctx context.Context, logger *logrus.Logger, id int, input *UpdateAdditiveInput) (*models.Additive, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	var updated models.Additive

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Additive
		if err := tx.Where("deleted_at IS NULL").First(&a, id).Error; err != nil {
			return utils.NewNotFoundError("additive not found", err)
		}
		if a.OrganizationId != organizationId {
			return utils.NewNotFoundError("additive not found", nil)
		}
		before := a

		if input.AdditiveType != nil {
			a.AdditiveType = *input.AdditiveType
		}
		if input.Name != nil {
			a.Name = *input.Name
		}
		if input.Amount != nil {
			if !input.Amount.IsPositive() {
				return utils.NewBadRequestError("amount must be positive")
			}
			a.Amount = *input.Amount
		}
		if input.Unit != nil {
			if utils.FamilyOfUnit(*input.Unit) == utils.UnitFamilyUnknown {
				return utils.NewBadRequestError("unknown unit: " + *input.Unit)
			}
			a.Unit = *input.Unit
		}
		if input.AddedAt != nil {
			a.AddedAt = *input.AddedAt
		}

		if err := tx.Save(&a).Error; err != nil {
			config.LogError(logger, "additiveWorkflow.go", "UpdateAdditive", "Save", a, err)
			return err
		}
		updated = a
		return models.SaveActivityUpdate(tx, a.ID, "Additive", &before, &a, "Additive corrected")
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func DeleteAdditive(ctx context.Context, logger *logrus.Logger, id int) error {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Additive
		if err := tx.Where("deleted_at IS NULL").First(&a, id).Error; err != nil {
			return utils.NewNotFoundError("additive not found", err)
		}
		if a.OrganizationId != organizationId {
			return utils.NewNotFoundError("additive not found", nil)
		}
		now := time.Now().UTC()
		if err := tx.Model(&models.Additive{}).Where("id = ?", a.ID).
			Update("deleted_at", now).Error; err != nil {
			config.LogError(logger, "additiveWorkflow.go", "DeleteAdditive", "SoftDelete", a.ID, err)
			return err
		}
		return models.SaveActivityDelete(tx, a.ID, "Additive", &a, "Additive deleted")
	})
}
