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

type Vessel struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"index;size:36;not null" json:"organization_id"`
	Name           string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Capacity       decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"capacity"`
	Status         VesselStatus    `gorm:"size:20;not null;default:available" json:"status"`
	IsBarrel       *bool           `gorm:"not null;default:false" json:"is_barrel"`
	Material       string          `gorm:"size:50" json:"material"`
	DeletedAt      *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewVessel struct {
	Name     string          `json:"name" binding:"required"`
	Capacity decimal.Decimal `json:"capacity" binding:"required"`
	IsBarrel bool            `json:"is_barrel"`
	Material string          `json:"material"`
}

func CreateVessel(ctx context.Context, input *NewVessel) (*Vessel, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	vessel := Vessel{
		OrganizationId: organizationId,
		Name:           input.Name,
		Capacity:       input.Capacity,
		Status:         VesselStatusAvailable,
		IsBarrel:       &input.IsBarrel,
		Material:       input.Material,
	}
	if err := db.WithContext(ctx).Create(&vessel).Error; err != nil {
		return nil, err
	}
	return &vessel, nil
}

func GetVessel(ctx context.Context, id int) (*Vessel, error) {
	db := config.GetDB()
	return getVesselTx(db.WithContext(ctx), id)
}

func getVesselTx(tx *gorm.DB, id int) (*Vessel, error) {
	var vessel Vessel
	err := tx.Where("deleted_at IS NULL").First(&vessel, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &vessel, nil
}

// GetVesselForUpdate loads the vessel row under FOR UPDATE so that the
// occupancy decision below cannot race a concurrent rack into the same vessel.
func GetVesselForUpdate(tx *gorm.DB, id int) (*Vessel, error) {
	var vessel Vessel
	err := tx.Raw("SELECT * FROM vessels WHERE id = ? AND deleted_at IS NULL FOR UPDATE", id).Scan(&vessel).Error
	if err != nil {
		return nil, err
	}
	if vessel.ID == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return &vessel, nil
}

// GetActiveBatchInVessel returns the single non-deleted, non-archived batch
// occupying the vessel, or nil when the vessel is empty. Exclusivity is an
// application invariant, not a DB constraint, so callers must hold the vessel
// lock before acting on the answer.
func GetActiveBatchInVessel(tx *gorm.DB, organizationId string, vesselId int) (*Batch, error) {
	var batches []*Batch
	err := tx.
		Where("organization_id = ? AND vessel_id = ? AND deleted_at IS NULL AND is_archived = 0", organizationId, vesselId).
		Order("id").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return batches[0], nil
}

func SetVesselStatus(tx *gorm.DB, vesselId int, status VesselStatus) error {
	return tx.Model(&Vessel{}).Where("id = ?", vesselId).Update("status", status).Error
}

func GetVessels(ctx context.Context) ([]*Vessel, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	var results []*Vessel
	err := db.WithContext(ctx).
		Where("organization_id = ? AND deleted_at IS NULL", organizationId).
		Order("name").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
