package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// JuicePurchaseItem is the purchase-store row juice intake draws from. The
// purchasing module owns creation; this core reads availability, increments
// the allocation counter inside its transactions, and auto-archives the row
// once fully allocated.
type JuicePurchaseItem struct {
	ID              int              `gorm:"primary_key" json:"id"`
	OrganizationId  string           `gorm:"index;size:36;not null" json:"organization_id"`
	VendorName      string           `gorm:"size:100" json:"vendor_name"`
	Description     string           `gorm:"size:255" json:"description"`
	LotCode         string           `gorm:"size:100" json:"lot_code"`
	TotalVolume     decimal.Decimal  `gorm:"type:decimal(12,3);not null" json:"total_volume"`
	AllocatedVolume decimal.Decimal  `gorm:"type:decimal(12,3);not null;default:0" json:"allocated_volume"`
	Ph              *decimal.Decimal `gorm:"type:decimal(4,2)" json:"ph"`
	SpecificGravity *decimal.Decimal `gorm:"type:decimal(6,4)" json:"specific_gravity"`
	Brix            *decimal.Decimal `gorm:"type:decimal(5,2)" json:"brix"`
	TotalCost       decimal.Decimal  `gorm:"type:decimal(12,2);not null;default:0" json:"total_cost"`
	DeletedAt       *time.Time       `gorm:"index" json:"deleted_at"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i *JuicePurchaseItem) AvailableVolume() decimal.Decimal {
	return i.TotalVolume.Sub(i.AllocatedVolume)
}

// CostForVolume prorates the purchase cost over the requested volume.
func (i *JuicePurchaseItem) CostForVolume(volume decimal.Decimal) decimal.Decimal {
	if i.TotalVolume.IsZero() {
		return decimal.Zero
	}
	return i.TotalCost.Mul(volume).Div(i.TotalVolume).Round(2)
}

func GetJuicePurchaseItem(ctx context.Context, id int) (*JuicePurchaseItem, error) {
	db := config.GetDB()
	var item JuicePurchaseItem
	if err := db.WithContext(ctx).Where("deleted_at IS NULL").First(&item, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}

func GetJuicePurchaseItemForUpdate(tx *gorm.DB, id int) (*JuicePurchaseItem, error) {
	var item JuicePurchaseItem
	err := tx.Raw("SELECT * FROM juice_purchase_items WHERE id = ? AND deleted_at IS NULL FOR UPDATE", id).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}

// AllocateJuiceVolume increments the allocation counter and soft-deletes the
// purchase item once fully allocated. Caller validates availability first
// under the FOR UPDATE row lock.
func AllocateJuiceVolume(tx *gorm.DB, item *JuicePurchaseItem, volume decimal.Decimal) error {
	newAllocated := utils.RoundVolume(item.AllocatedVolume.Add(volume))
	if newAllocated.GreaterThan(item.TotalVolume) {
		return utils.NewBadRequestError("requested volume exceeds available purchase volume")
	}
	updates := map[string]interface{}{"allocated_volume": newAllocated}
	if newAllocated.Equal(item.TotalVolume) {
		now := time.Now().UTC()
		updates["deleted_at"] = now
	}
	if err := tx.Model(&JuicePurchaseItem{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
		return err
	}
	item.AllocatedVolume = newAllocated
	return nil
}

// PressRun is the fruit-pressing record a base-fruit batch originates from.
type PressRun struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OrganizationId  string          `gorm:"index;size:36;not null" json:"organization_id"`
	RunDate         time.Time       `gorm:"not null" json:"run_date"`
	FruitVariety    string          `gorm:"size:100" json:"fruit_variety"`
	LotCode         string          `gorm:"size:100" json:"lot_code"`
	FruitWeightKg   decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"fruit_weight_kg"`
	JuiceVolume     decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"juice_volume"`
	AllocatedVolume decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"allocated_volume"`
	AvgBrix         *decimal.Decimal `gorm:"type:decimal(5,2)" json:"avg_brix"`
	FruitCost       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"fruit_cost"`
	DeletedAt       *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *PressRun) AvailableVolume() decimal.Decimal {
	return p.JuiceVolume.Sub(p.AllocatedVolume)
}

func GetPressRunForUpdate(tx *gorm.DB, id int) (*PressRun, error) {
	var run PressRun
	err := tx.Raw("SELECT * FROM press_runs WHERE id = ? AND deleted_at IS NULL FOR UPDATE", id).Scan(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return &run, nil
}

func AllocatePressRunVolume(tx *gorm.DB, run *PressRun, volume decimal.Decimal) error {
	newAllocated := utils.RoundVolume(run.AllocatedVolume.Add(volume))
	if newAllocated.GreaterThan(run.JuiceVolume) {
		return utils.NewBadRequestError("requested volume exceeds remaining press run volume")
	}
	if err := tx.Model(&PressRun{}).Where("id = ?", run.ID).
		Update("allocated_volume", newAllocated).Error; err != nil {
		return err
	}
	run.AllocatedVolume = newAllocated
	return nil
}

func GetJuicePurchaseItems(ctx context.Context) ([]*JuicePurchaseItem, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	db := config.GetDB()
	var results []*JuicePurchaseItem
	err := db.WithContext(ctx).
		Where("organization_id = ? AND deleted_at IS NULL", organizationId).
		Order("created_at DESC").
		Find(&results).Error
	return results, err
}
