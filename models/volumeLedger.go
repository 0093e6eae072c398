package models

import (
	"time"

	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The volume ledger: append-only rows for every volume-affecting operation.
// Rows are never overwritten; corrections soft-delete and re-append. Every
// append validates that no volume is created from nothing (loss >= 0), except
// merges, which are explicitly-flagged intake events on the target side.

// MergeHistory records external intake (press run, juice purchase) or a
// batch-to-batch merge into the target batch.
type MergeHistory struct {
	ID                        int             `gorm:"primary_key" json:"id"`
	OrganizationId            string          `gorm:"index;size:36;not null" json:"organization_id"`
	BatchId                   int             `gorm:"index;not null" json:"batch_id"`
	SourceType                MergeSourceType `gorm:"size:20;not null" json:"source_type"`
	SourcePressRunId          *int            `gorm:"index" json:"source_press_run_id"`
	SourceJuicePurchaseItemId *int            `gorm:"index" json:"source_juice_purchase_item_id"`
	SourceBatchId             *int            `gorm:"index" json:"source_batch_id"`
	VolumeAdded               decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"volume_added"`
	TargetVolumeBefore        decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"target_volume_before"`
	TargetVolumeAfter         decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"target_volume_after"`
	MergedAt                  time.Time       `gorm:"not null" json:"merged_at"`
	DeletedAt                 *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt                 time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// BatchTransfer records volume moving from one batch to another, including
// the split case where the source survives as the "remaining" batch. The
// destination-occupied case is distinguishable from a move by the presence of
// a MergeHistory row for the same operation.
type BatchTransfer struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	OrganizationId      string          `gorm:"index;size:36;not null" json:"organization_id"`
	SourceBatchId       int             `gorm:"index;not null" json:"source_batch_id"`
	RemainingBatchId    *int            `gorm:"index" json:"remaining_batch_id"`
	DestinationBatchId  int             `gorm:"index;not null" json:"destination_batch_id"`
	SourceVesselId      *int            `gorm:"index" json:"source_vessel_id"`
	DestinationVesselId int             `gorm:"index;not null" json:"destination_vessel_id"`
	VolumeTransferred   decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"volume_transferred"`
	Loss                decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"loss"`
	TransferredAt       time.Time       `gorm:"not null" json:"transferred_at"`
	DeletedAt           *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// RackingOperation is the unconditional audit row for every rack, regardless
// of which branch of the state machine executed.
type RackingOperation struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	OrganizationId      string          `gorm:"index;size:36;not null" json:"organization_id"`
	BatchId             int             `gorm:"index;not null" json:"batch_id"`
	SourceVesselId      *int            `gorm:"index" json:"source_vessel_id"`
	DestinationVesselId int             `gorm:"index;not null" json:"destination_vessel_id"`
	VolumeBefore        decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"volume_before"`
	VolumeAfter         decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"volume_after"`
	VolumeLoss          decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"volume_loss"`
	RackedAt            time.Time       `gorm:"not null" json:"racked_at"`
	DeletedAt           *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type FilterOperation struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"index;size:36;not null" json:"organization_id"`
	BatchId        int             `gorm:"index;not null" json:"batch_id"`
	VesselId       int             `gorm:"index;not null" json:"vessel_id"`
	FilterType     FilterType      `gorm:"size:20;not null" json:"filter_type"`
	VolumeBefore   decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"volume_before"`
	VolumeAfter    decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"volume_after"`
	VolumeLoss     decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"volume_loss"`
	FilteredAt     time.Time       `gorm:"not null" json:"filtered_at"`
	DeletedAt      *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// PackagingOperation records volume leaving a batch for bottling, kegging or
// distillation. Line mechanics are out of scope; only the volume effect is.
type PackagingOperation struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"index;size:36;not null" json:"organization_id"`
	BatchId        int             `gorm:"index;not null" json:"batch_id"`
	PackageType    PackageType     `gorm:"size:20;not null" json:"package_type"`
	VolumeTaken    decimal.Decimal `gorm:"type:decimal(12,3);not null" json:"volume_taken"`
	Loss           decimal.Decimal `gorm:"type:decimal(12,3);not null;default:0" json:"loss"`
	UnitCount      *int            `json:"unit_count"`
	PackagedAt     time.Time       `gorm:"not null" json:"packaged_at"`
	DeletedAt      *time.Time      `gorm:"index" json:"deleted_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// computeLoss validates the core ledger invariant: volume-after plus loss
// never exceeds volume-before.
func computeLoss(before, after decimal.Decimal) (decimal.Decimal, error) {
	loss := before.Sub(after)
	if loss.IsNegative() {
		return decimal.Zero, utils.NewBadRequestError("volume after exceeds volume before: computed loss is negative")
	}
	return utils.RoundVolume(loss), nil
}

func AppendMergeHistory(tx *gorm.DB, record *MergeHistory) error {
	if record.VolumeAdded.IsNegative() {
		return utils.NewBadRequestError("merge volume must not be negative")
	}
	expected := record.TargetVolumeBefore.Add(record.VolumeAdded)
	if !record.TargetVolumeAfter.Sub(expected).Abs().LessThanOrEqual(decimal.RequireFromString("0.001")) {
		return utils.NewBadRequestError("merge target volumes do not reconcile with volume added")
	}
	return tx.Create(record).Error
}

func AppendBatchTransfer(tx *gorm.DB, record *BatchTransfer) error {
	if record.VolumeTransferred.IsNegative() || record.Loss.IsNegative() {
		return utils.NewBadRequestError("transfer volume and loss must not be negative")
	}
	return tx.Create(record).Error
}

func AppendRackingOperation(tx *gorm.DB, record *RackingOperation) error {
	loss, err := computeLoss(record.VolumeBefore, record.VolumeAfter)
	if err != nil {
		return err
	}
	if !record.VolumeLoss.Equal(loss) {
		// Callers pre-compute loss; a mismatch is a programming error.
		return utils.NewBadRequestError("racking loss does not equal volume before minus volume after")
	}
	return tx.Create(record).Error
}

func AppendFilterOperation(tx *gorm.DB, record *FilterOperation) error {
	loss, err := computeLoss(record.VolumeBefore, record.VolumeAfter)
	if err != nil {
		return err
	}
	record.VolumeLoss = loss
	return tx.Create(record).Error
}

func AppendPackagingOperation(tx *gorm.DB, record *PackagingOperation) error {
	if record.VolumeTaken.IsNegative() || record.Loss.IsNegative() {
		return utils.NewBadRequestError("packaged volume and loss must not be negative")
	}
	return tx.Create(record).Error
}

func SoftDeleteLedgerRow(tx *gorm.DB, model interface{}, id int) error {
	now := time.Now().UTC()
	return tx.Model(model).Where("id = ?", id).Update("deleted_at", now).Error
}

/* lineage + reconciliation queries */

// TransferIntoBatch finds the transfer that created or fed the given batch:
// the batch is either the split child (destination) or the surviving remainder.
func TransferIntoBatch(tx *gorm.DB, batchId int) (*BatchTransfer, error) {
	var rows []*BatchTransfer
	err := tx.
		Where("deleted_at IS NULL AND (destination_batch_id = ? OR remaining_batch_id = ?)", batchId, batchId).
		Order("transferred_at DESC, id DESC").
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

// TransferCreatingBatch finds the transfer that split the batch off another
// one, if any. The surviving remainder of a split keeps its identity and has
// no creating transfer.
func TransferCreatingBatch(tx *gorm.DB, batchId int) (*BatchTransfer, error) {
	var rows []*BatchTransfer
	err := tx.
		Where("deleted_at IS NULL AND destination_batch_id = ? AND source_batch_id <> ?", batchId, batchId).
		Order("transferred_at, id").
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

func TransfersOutOfBatch(tx *gorm.DB, batchId int) ([]*BatchTransfer, error) {
	var rows []*BatchTransfer
	err := tx.
		Where("deleted_at IS NULL AND source_batch_id = ? AND destination_batch_id <> ?", batchId, batchId).
		Order("transferred_at, id").
		Find(&rows).Error
	return rows, err
}

func MergesIntoBatch(tx *gorm.DB, batchId int) ([]*MergeHistory, error) {
	var rows []*MergeHistory
	err := tx.
		Where("deleted_at IS NULL AND batch_id = ?", batchId).
		Order("merged_at, id").
		Find(&rows).Error
	return rows, err
}

func RackingOperationsForBatch(tx *gorm.DB, batchId int) ([]*RackingOperation, error) {
	var rows []*RackingOperation
	err := tx.
		Where("deleted_at IS NULL AND batch_id = ?", batchId).
		Order("racked_at, id").
		Find(&rows).Error
	return rows, err
}

func FilterOperationsForBatch(tx *gorm.DB, batchId int) ([]*FilterOperation, error) {
	var rows []*FilterOperation
	err := tx.
		Where("deleted_at IS NULL AND batch_id = ?", batchId).
		Order("filtered_at, id").
		Find(&rows).Error
	return rows, err
}

func PackagingOperationsForBatch(tx *gorm.DB, batchId int) ([]*PackagingOperation, error) {
	var rows []*PackagingOperation
	err := tx.
		Where("deleted_at IS NULL AND batch_id = ?", batchId).
		Order("packaged_at, id").
		Find(&rows).Error
	return rows, err
}
