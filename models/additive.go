package models

import (
	"context"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Additive is one addition (yeast, nutrient, sulfite, sugar...) made to a
// batch while it sits in a vessel.
type Additive struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"index;size:36;not null" json:"organization_id"`
	BatchId        int             `gorm:"index;not null" json:"batch_id"`
	VesselId       int             `gorm:"index;not null" json:"vessel_id"`
	AdditiveType   AdditiveType    `gorm:"size:20;not null" json:"additive_type"`
	Name           string          `gorm:"size:100;not null" json:"name"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"amount"`
	Unit           string          `gorm:"size:10;not null" json:"unit"`
	Cost           decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"cost"`
	PurchaseItemId *int            `gorm:"index" json:"purchase_item_id"`
	AddedAt        time.Time       `gorm:"not null" json:"added_at"`
	DeletedAt      *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindDuplicateAdditive checks the vessel+name+amount+unit+date guard.
func FindDuplicateAdditive(tx *gorm.DB, vesselId int, name string, amount decimal.Decimal, unit string, date time.Time) (*Additive, error) {
	dayStart := time.Date(date.UTC().Year(), date.UTC().Month(), date.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var rows []*Additive
	err := tx.
		Where("vessel_id = ? AND name = ? AND amount = ? AND unit = ? AND deleted_at IS NULL", vesselId, name, amount, unit).
		Where("added_at >= ? AND added_at < ?", dayStart, dayEnd).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func AdditivesForBatch(tx *gorm.DB, batchId int) ([]*Additive, error) {
	var rows []*Additive
	err := tx.
		Where("batch_id = ? AND deleted_at IS NULL", batchId).
		Order("added_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CopyAdditivesUpTo duplicates additive records dated at or before cutoff
// onto a split child, mirroring CopyMeasurementsUpTo.
func CopyAdditivesUpTo(tx *gorm.DB, sourceBatchId int, destBatchId int, cutoff time.Time) error {
	var rows []*Additive
	err := tx.
		Where("batch_id = ? AND deleted_at IS NULL AND added_at <= ?", sourceBatchId, cutoff).
		Order("added_at, id").
		Find(&rows).Error
	if err != nil {
		return err
	}
	for _, src := range rows {
		dup := *src
		dup.ID = 0
		dup.BatchId = destBatchId
		dup.CreatedAt = time.Time{}
		dup.UpdatedAt = time.Time{}
		if err := tx.Create(&dup).Error; err != nil {
			return err
		}
	}
	return nil
}

func GetAdditive(ctx context.Context, id int) (*Additive, error) {
	db := config.GetDB()
	var a Additive
	if err := db.WithContext(ctx).Where("deleted_at IS NULL").First(&a, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &a, nil
}

// AdditivePurchaseItem is the purchase-store row additives draw down from.
// Owned by the purchasing module; this core only reads availability and
// increments the used counter inside its own transactions.
type AdditivePurchaseItem struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"index;size:36;not null" json:"organization_id"`
	Name           string          `gorm:"size:100;not null" json:"name"`
	VendorName     string          `gorm:"size:100" json:"vendor_name"`
	LotCode        string          `gorm:"size:100" json:"lot_code"`
	Quantity       decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"quantity"`
	Unit           string          `gorm:"size:10;not null" json:"unit"`
	UsedQuantity   decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"used_quantity"`
	TotalCost      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_cost"`
	DeletedAt      *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetAdditivePurchaseItemForUpdate(tx *gorm.DB, id int) (*AdditivePurchaseItem, error) {
	var item AdditivePurchaseItem
	err := tx.Raw("SELECT * FROM additive_purchase_items WHERE id = ? AND deleted_at IS NULL FOR UPDATE", id).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}

func AddUsedQuantity(tx *gorm.DB, itemId int, used decimal.Decimal) error {
	return tx.Model(&AdditivePurchaseItem{}).Where("id = ?", itemId).
		Update("used_quantity", gorm.Expr("used_quantity + ?", used)).Error
}
