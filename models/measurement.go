package models

import (
	"context"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Measurement is one point-in-time lab reading. Immutable once created except
// through explicit update or soft delete.
type Measurement struct {
	ID              int              `gorm:"primary_key" json:"id"`
	OrganizationId  string           `gorm:"index;size:36;not null" json:"organization_id"`
	BatchId         int              `gorm:"index;not null" json:"batch_id"`
	MeasurementDate time.Time        `gorm:"not null" json:"measurement_date"`
	SpecificGravity *decimal.Decimal `gorm:"type:decimal(6,4)" json:"specific_gravity"`
	Abv             *decimal.Decimal `gorm:"type:decimal(5,2)" json:"abv"`
	Ph              *decimal.Decimal `gorm:"type:decimal(4,2)" json:"ph"`
	TotalAcidity    *decimal.Decimal `gorm:"type:decimal(5,2)" json:"total_acidity"`
	Temperature     *decimal.Decimal `gorm:"type:decimal(5,2)" json:"temperature"`
	Volume          *decimal.Decimal `gorm:"type:decimal(12,3)" json:"volume"`
	VolumeUnit      string           `gorm:"size:10" json:"volume_unit"`
	IsEstimated     *bool            `gorm:"not null;default:false" json:"is_estimated"`
	EstimateSource  string           `gorm:"size:255" json:"estimate_source"`
	DeletedAt       *time.Time       `gorm:"index" json:"deleted_at"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// Physical plausibility bounds for lab readings.
var (
	MinSpecificGravity = decimal.RequireFromString("0.990")
	MaxSpecificGravity = decimal.RequireFromString("1.200")
	MinPh              = decimal.NewFromInt(2)
	MaxPh              = decimal.NewFromInt(5)
)

func ValidateMeasurementRanges(sg *decimal.Decimal, ph *decimal.Decimal) error {
	if sg != nil && (sg.LessThan(MinSpecificGravity) || sg.GreaterThan(MaxSpecificGravity)) {
		return utils.NewBadRequestError("specific gravity out of range 0.990-1.200")
	}
	if ph != nil && (ph.LessThan(MinPh) || ph.GreaterThan(MaxPh)) {
		return utils.NewBadRequestError("pH out of range 2-5")
	}
	return nil
}

// CorrectGravityForTemperature adjusts an observed hydrometer reading to the
// calibration temperature. Quadratic density correction over Celsius; close
// to standard hydrometer tables within the fermentation range.
func CorrectGravityForTemperature(observed decimal.Decimal, sampleTemp decimal.Decimal, calibrationTemp decimal.Decimal) decimal.Decimal {
	correctionPerDegree := decimal.RequireFromString("0.00013")
	quadratic := decimal.RequireFromString("0.0000020")

	delta := sampleTemp.Sub(calibrationTemp)
	corrected := observed.
		Add(delta.Mul(correctionPerDegree)).
		Add(delta.Mul(delta).Mul(quadratic))
	return corrected.Round(4)
}

// FindDuplicateMeasurement returns an existing non-estimated reading with the
// same calendar date, gravity and pH for the batch, or nil.
func FindDuplicateMeasurement(tx *gorm.DB, batchId int, date time.Time, sg *decimal.Decimal, ph *decimal.Decimal) (*Measurement, error) {
	dayStart := time.Date(date.UTC().Year(), date.UTC().Month(), date.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	dbCtx := tx.
		Where("batch_id = ? AND deleted_at IS NULL AND is_estimated = 0", batchId).
		Where("measurement_date >= ? AND measurement_date < ?", dayStart, dayEnd)
	if sg != nil {
		dbCtx = dbCtx.Where("specific_gravity = ?", *sg)
	} else {
		dbCtx = dbCtx.Where("specific_gravity IS NULL")
	}
	if ph != nil {
		dbCtx = dbCtx.Where("ph = ?", *ph)
	} else {
		dbCtx = dbCtx.Where("ph IS NULL")
	}

	var existing []*Measurement
	if err := dbCtx.Limit(1).Find(&existing).Error; err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	return existing[0], nil
}

// LatestMeasurementWithGravity returns the most recent non-deleted reading
// carrying a specific gravity, estimated or not.
func LatestMeasurementWithGravity(tx *gorm.DB, batchId int) (*Measurement, error) {
	var rows []*Measurement
	err := tx.
		Where("batch_id = ? AND deleted_at IS NULL AND specific_gravity IS NOT NULL", batchId).
		Order("measurement_date DESC, id DESC").
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

func MeasurementsForBatch(tx *gorm.DB, batchId int) ([]*Measurement, error) {
	var rows []*Measurement
	err := tx.
		Where("batch_id = ? AND deleted_at IS NULL", batchId).
		Order("measurement_date, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CopyMeasurementsUpTo duplicates the source batch's readings dated at or
// before cutoff onto the destination batch. Used when a split child inherits
// its pre-split history.
func CopyMeasurementsUpTo(tx *gorm.DB, sourceBatchId int, destBatchId int, cutoff time.Time) error {
	var rows []*Measurement
	err := tx.
		Where("batch_id = ? AND deleted_at IS NULL AND measurement_date <= ?", sourceBatchId, cutoff).
		Order("measurement_date, id").
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

func GetMeasurement(ctx context.Context, id int) (*Measurement, error) {
	db := config.GetDB()
	var m Measurement
	if err := db.WithContext(ctx).Where("deleted_at IS NULL").First(&m, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &m, nil
}

func GetMeasurements(ctx context.Context, batchId int) ([]*Measurement, error) {
	db := config.GetDB()
	if _, err := GetBatchTx(db.WithContext(ctx), batchId); err != nil {
		return nil, err
	}
	return MeasurementsForBatch(db.WithContext(ctx), batchId)
}
