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

// Batch is the aggregate root: the current state of a quantity of liquid in
// production. Volume history lives in the append-only ledgers (MergeHistory,
// BatchTransfer, RackingOperation, FilterOperation, PackagingOperation);
// the columns here are the mutable projection the state machine keeps in sync
// with those ledgers inside each transaction.
type Batch struct {
	ID                  int               `gorm:"primary_key" json:"id"`
	OrganizationId      string            `gorm:"index;size:36;not null" json:"organization_id"`
	Name                string            `gorm:"size:100;not null" json:"name"`
	VesselId            *int              `gorm:"index" json:"vessel_id"`
	CurrentVolume       decimal.Decimal   `gorm:"type:decimal(12,3);not null" json:"current_volume"`
	InitialVolume       decimal.Decimal   `gorm:"type:decimal(12,3);not null" json:"initial_volume"`
	Status              BatchStatus       `gorm:"size:20;not null" json:"status"`
	ProductType         BatchProductType  `gorm:"size:20;not null" json:"product_type"`
	FermentationStage   FermentationStage `gorm:"size:20;not null;default:not_started" json:"fermentation_stage"`
	StageChangedAt      *time.Time        `json:"stage_changed_at"`
	OriginalGravity     *decimal.Decimal  `gorm:"type:decimal(6,4)" json:"original_gravity"`
	TargetFinalGravity  *decimal.Decimal  `gorm:"type:decimal(6,4)" json:"target_final_gravity"`
	FinalGravity        *decimal.Decimal  `gorm:"type:decimal(6,4)" json:"final_gravity"`
	PressRunId          *int              `gorm:"index" json:"press_run_id"`
	JuicePurchaseItemId *int              `gorm:"index" json:"juice_purchase_item_id"`
	IsArchived          *bool             `gorm:"not null;default:false" json:"is_archived"`
	ArchiveReason       string            `gorm:"size:255" json:"archive_reason"`
	DeletedAt           *time.Time        `gorm:"index" json:"deleted_at"`
	CreatedAt           time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLegacy reports whether the batch predates the system (no recorded origin).
func (b *Batch) IsLegacy() bool {
	return b.PressRunId == nil && b.JuicePurchaseItemId == nil
}

func (b *Batch) Active() bool {
	return b.DeletedAt == nil && (b.IsArchived == nil || !*b.IsArchived)
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	db := config.GetDB()
	return GetBatchTx(db.WithContext(ctx), id)
}

func GetBatchTx(tx *gorm.DB, id int) (*Batch, error) {
	var batch Batch
	err := tx.Where("deleted_at IS NULL").First(&batch, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &batch, nil
}

// GetBatchForUpdate locks the batch row for the duration of the transaction.
func GetBatchForUpdate(tx *gorm.DB, id int) (*Batch, error) {
	var batch Batch
	err := tx.Raw("SELECT * FROM batches WHERE id = ? AND deleted_at IS NULL FOR UPDATE", id).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return &batch, nil
}

// NewLegacyBatch is the manual entry path for pre-system inventory.
type NewLegacyBatch struct {
	Name               string           `json:"name" binding:"required"`
	VesselId           *int             `json:"vessel_id"`
	CurrentVolume      decimal.Decimal  `json:"current_volume" binding:"required"`
	Status             BatchStatus      `json:"status" binding:"required"`
	ProductType        BatchProductType `json:"product_type" binding:"required"`
	FermentationStage  FermentationStage `json:"fermentation_stage"`
	OriginalGravity    *decimal.Decimal `json:"original_gravity"`
	TargetFinalGravity *decimal.Decimal `json:"target_final_gravity"`
}

func CreateLegacyBatch(ctx context.Context, input *NewLegacyBatch) (*Batch, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	if input.CurrentVolume.IsNegative() {
		return nil, utils.NewBadRequestError("current volume must not be negative")
	}

	stage := input.FermentationStage
	if stage == "" {
		stage = StageUnknown
	}

	db := config.GetDB()
	batch := Batch{
		OrganizationId:     organizationId,
		Name:               input.Name,
		VesselId:           input.VesselId,
		CurrentVolume:      input.CurrentVolume,
		InitialVolume:      input.CurrentVolume,
		Status:             input.Status,
		ProductType:        input.ProductType,
		FermentationStage:  stage,
		OriginalGravity:    input.OriginalGravity,
		TargetFinalGravity: input.TargetFinalGravity,
		IsArchived:         utils.NewFalse(),
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.VesselId != nil {
			occupant, err := GetActiveBatchInVessel(tx, organizationId, *input.VesselId)
			if err != nil {
				return err
			}
			if occupant != nil {
				return utils.NewBadRequestError("vessel already holds an active batch")
			}
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		return SaveActivityCreate(tx, batch.ID, "Batch", &batch, "Legacy batch created")
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// ArchiveBatch marks the batch completed after a full transfer out: volume
// zeroed, vessel unassigned, history preserved.
func ArchiveBatch(tx *gorm.DB, batch *Batch, reason string) error {
	updates := map[string]interface{}{
		"status":         BatchStatusCompleted,
		"is_archived":    true,
		"archive_reason": reason,
		"current_volume": decimal.Zero,
		"vessel_id":      nil,
	}
	if err := tx.Model(&Batch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
		return err
	}
	batch.Status = BatchStatusCompleted
	batch.IsArchived = utils.NewTrue()
	batch.ArchiveReason = reason
	batch.CurrentVolume = decimal.Zero
	batch.VesselId = nil
	return nil
}

func SetBatchVolume(tx *gorm.DB, batchId int, volume decimal.Decimal) error {
	if volume.IsNegative() {
		return utils.NewBadRequestError("batch volume must not be negative")
	}
	return tx.Model(&Batch{}).Where("id = ?", batchId).Update("current_volume", utils.RoundVolume(volume)).Error
}

func SetBatchStage(tx *gorm.DB, batchId int, stage FermentationStage, at time.Time) error {
	return tx.Model(&Batch{}).Where("id = ?", batchId).
		Updates(map[string]interface{}{"fermentation_stage": stage, "stage_changed_at": at}).Error
}

func GetBatches(ctx context.Context, status *BatchStatus, includeArchived bool) ([]*Batch, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ? AND deleted_at IS NULL", organizationId)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if !includeArchived {
		dbCtx = dbCtx.Where("is_archived = 0")
	}
	var results []*Batch
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
