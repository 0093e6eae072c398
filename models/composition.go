package models

import (
	"context"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CompositionEntry records one material contribution to a batch's makeup.
// Entries are append-only: scaled copies are created on splits, fractions are
// recomputed in place, and correction is soft delete.
type CompositionEntry struct {
	ID                int                   `gorm:"primary_key" json:"id"`
	OrganizationId    string                `gorm:"index;size:36;not null" json:"organization_id"`
	BatchId           int                   `gorm:"index;not null" json:"batch_id"`
	SourceType        CompositionSourceType `gorm:"size:20;not null" json:"source_type"`
	PurchaseItemId    *int                  `gorm:"index" json:"purchase_item_id"`
	SourceBatchId     *int                  `gorm:"index" json:"source_batch_id"`
	LotCode           string                `gorm:"size:100" json:"lot_code"`
	VendorName        string                `gorm:"size:100" json:"vendor_name"`
	InputWeightKg     *decimal.Decimal      `gorm:"type:decimal(12,3)" json:"input_weight_kg"`
	JuiceVolume       *decimal.Decimal      `gorm:"type:decimal(12,3)" json:"juice_volume"`
	VolumeContributed decimal.Decimal       `gorm:"type:decimal(12,3);not null" json:"volume_contributed"`
	FractionOfBatch   decimal.Decimal       `gorm:"type:decimal(9,8);not null" json:"fraction_of_batch"`
	MaterialCost      decimal.Decimal       `gorm:"type:decimal(12,2);not null;default:0" json:"material_cost"`
	AvgBrix           *decimal.Decimal      `gorm:"type:decimal(5,2)" json:"avg_brix"`
	AvgAbv            *decimal.Decimal      `gorm:"type:decimal(5,2)" json:"avg_abv"`
	DeletedAt         *time.Time            `gorm:"index" json:"deleted_at"`
	CreatedAt         time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// ContributionInput describes one source being folded into a batch.
type ContributionInput struct {
	SourceType     CompositionSourceType
	PurchaseItemId *int
	SourceBatchId  *int
	LotCode        string
	VendorName     string
	InputWeightKg  *decimal.Decimal
	JuiceVolume    *decimal.Decimal
	Volume         decimal.Decimal
	MaterialCost   decimal.Decimal
	AvgBrix        *decimal.Decimal
	AvgAbv         *decimal.Decimal
}

// RecordContribution appends a composition entry with a provisional fraction.
// It does not change batch volume; callers run RecalculateFractions as the
// last step of the surrounding mutation.
func RecordContribution(tx *gorm.DB, organizationId string, batchId int, input ContributionInput) (*CompositionEntry, error) {
	if input.Volume.IsNegative() {
		return nil, utils.NewBadRequestError("contribution volume must not be negative")
	}
	entry := CompositionEntry{
		OrganizationId:    organizationId,
		BatchId:           batchId,
		SourceType:        input.SourceType,
		PurchaseItemId:    input.PurchaseItemId,
		SourceBatchId:     input.SourceBatchId,
		LotCode:           input.LotCode,
		VendorName:        input.VendorName,
		InputWeightKg:     input.InputWeightKg,
		JuiceVolume:       input.JuiceVolume,
		VolumeContributed: utils.RoundVolume(input.Volume),
		FractionOfBatch:   decimal.NewFromInt(1),
		MaterialCost:      input.MaterialCost,
		AvgBrix:           input.AvgBrix,
		AvgAbv:            input.AvgAbv,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func ActiveCompositionEntries(tx *gorm.DB, batchId int) ([]*CompositionEntry, error) {
	var entries []*CompositionEntry
	err := tx.Where("batch_id = ? AND deleted_at IS NULL", batchId).Order("id").Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// normalizeFractions computes fraction = volume/total for each entry.
// When total volume is zero it leaves fractions untouched and reports false:
// entries keep their stale fractions rather than being silently rewritten.
func normalizeFractions(entries []*CompositionEntry) bool {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.VolumeContributed)
	}
	if total.IsZero() {
		return false
	}
	for _, e := range entries {
		e.FractionOfBatch = e.VolumeContributed.Div(total).Round(8)
	}
	return true
}

// RecalculateFractions rewrites each active entry's fraction-of-batch from
// the volume field. Callers are responsible for invoking it as the last step
// of any mutation that adds, removes or rescales entries; it is not triggered
// automatically.
func RecalculateFractions(tx *gorm.DB, batchId int) error {
	entries, err := ActiveCompositionEntries(tx, batchId)
	if err != nil {
		return err
	}
	if !normalizeFractions(entries) {
		return nil
	}
	for _, entry := range entries {
		if err := tx.Model(&CompositionEntry{}).Where("id = ?", entry.ID).
			Update("fraction_of_batch", entry.FractionOfBatch).Error; err != nil {
			return err
		}
	}
	return nil
}

// CopyProportional duplicates each active entry of the source batch onto the
// destination with weight/volume/cost scaled by ratio. Lot codes, vendor
// references and stored ABV are carried over unchanged; fractions on the
// destination are left for the caller's RecalculateFractions pass.
func CopyProportional(tx *gorm.DB, sourceBatchId int, destBatchId int, ratio decimal.Decimal) error {
	if ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return utils.NewBadRequestError("split ratio must be between 0 and 1")
	}
	entries, err := ActiveCompositionEntries(tx, sourceBatchId)
	if err != nil {
		return err
	}
	for _, src := range entries {
		dup := *src
		dup.ID = 0
		dup.BatchId = destBatchId
		dup.VolumeContributed = utils.RoundVolume(src.VolumeContributed.Mul(ratio))
		dup.MaterialCost = src.MaterialCost.Mul(ratio).Round(2)
		if src.InputWeightKg != nil {
			w := src.InputWeightKg.Mul(ratio).Round(3)
			dup.InputWeightKg = &w
		}
		if src.JuiceVolume != nil {
			v := utils.RoundVolume(src.JuiceVolume.Mul(ratio))
			dup.JuiceVolume = &v
		}
		dup.CreatedAt = time.Time{}
		dup.UpdatedAt = time.Time{}
		if err := tx.Create(&dup).Error; err != nil {
			return err
		}
	}
	return nil
}

// ScaleComposition multiplies the source batch's remaining entry volumes by
// ratio after a partial transfer out, so the recalc base stays proportional.
func ScaleComposition(tx *gorm.DB, batchId int, ratio decimal.Decimal) error {
	entries, err := ActiveCompositionEntries(tx, batchId)
	if err != nil {
		return err
	}
	for _, e := range entries {
		scaled := utils.RoundVolume(e.VolumeContributed.Mul(ratio))
		if err := tx.Model(&CompositionEntry{}).Where("id = ?", e.ID).
			Update("volume_contributed", scaled).Error; err != nil {
			return err
		}
	}
	return nil
}

func SoftDeleteCompositionEntry(tx *gorm.DB, id int) error {
	now := time.Now().UTC()
	return tx.Model(&CompositionEntry{}).Where("id = ?", id).Update("deleted_at", now).Error
}

func GetComposition(ctx context.Context, batchId int) ([]*CompositionEntry, error) {
	db := config.GetDB()
	if _, err := GetBatchTx(db.WithContext(ctx), batchId); err != nil {
		return nil, err
	}
	return ActiveCompositionEntries(db.WithContext(ctx), batchId)
}
