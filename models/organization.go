package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Organization struct {
	ID        string    `gorm:"primary_key;size:36" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Timezone  string    `gorm:"size:50" json:"timezone"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrganizationSettings holds the knobs the core operations need. The caller
// resolves this once per operation and passes it in; workflows never look the
// organization up themselves.
type OrganizationSettings struct {
	ID                           int             `gorm:"primary_key" json:"id"`
	OrganizationId               string          `gorm:"uniqueIndex;size:36;not null" json:"organization_id"`
	TemperatureCorrectionEnabled *bool           `gorm:"not null;default:true" json:"temperature_correction_enabled"`
	CalibrationTempCelsius       decimal.Decimal `gorm:"type:decimal(5,2);not null;default:15.56" json:"calibration_temp_celsius"`
	StageEarlySgDrop             decimal.Decimal `gorm:"type:decimal(6,4);not null;default:0.005" json:"stage_early_sg_drop"`
	StageMidPercent              decimal.Decimal `gorm:"type:decimal(5,2);not null;default:50" json:"stage_mid_percent"`
	StageApproachingDryPercent   decimal.Decimal `gorm:"type:decimal(5,2);not null;default:80" json:"stage_approaching_dry_percent"`
	StageTerminalPercent         decimal.Decimal `gorm:"type:decimal(5,2);not null;default:95" json:"stage_terminal_percent"`
	StallWindowDays              int             `gorm:"not null;default:14" json:"stall_window_days"`
	StallSgDelta                 decimal.Decimal `gorm:"type:decimal(6,4);not null;default:0.002" json:"stall_sg_delta"`
	CreatedAt                    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func DefaultOrganizationSettings(organizationId string) *OrganizationSettings {
	return &OrganizationSettings{
		OrganizationId:               organizationId,
		TemperatureCorrectionEnabled: utils.NewTrue(),
		CalibrationTempCelsius:       decimal.RequireFromString("15.56"),
		StageEarlySgDrop:             decimal.RequireFromString("0.005"),
		StageMidPercent:              decimal.NewFromInt(50),
		StageApproachingDryPercent:   decimal.NewFromInt(80),
		StageTerminalPercent:         decimal.NewFromInt(95),
		StallWindowDays:              14,
		StallSgDelta:                 decimal.RequireFromString("0.002"),
	}
}

type NewOrganization struct {
	Name     string `json:"name" binding:"required"`
	Timezone string `json:"timezone"`
}

func CreateOrganization(ctx context.Context, input *NewOrganization) (*Organization, error) {
	db := config.GetDB()

	org := Organization{
		ID:       uuid.NewString(),
		Name:     input.Name,
		Timezone: input.Timezone,
	}
	if err := db.WithContext(ctx).Create(&org).Error; err != nil {
		return nil, err
	}
	settings := DefaultOrganizationSettings(org.ID)
	if err := db.WithContext(ctx).Create(settings).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

func GetOrganization(ctx context.Context, id string) (*Organization, error) {
	db := config.GetDB()
	var org Organization
	if err := db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &org, nil
}

// GetOrganizationSettings reads settings through the redis cache, falling
// back to the database and finally to defaults for organizations created
// before the settings table existed.
func GetOrganizationSettings(ctx context.Context, organizationId string) (*OrganizationSettings, error) {
	var settings OrganizationSettings

	redisKey := "orgSettings:" + organizationId
	exists, err := config.GetRedisObject(redisKey, &settings)
	if err != nil {
		return nil, err
	}
	if exists {
		return &settings, nil
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Where("organization_id = ?", organizationId).First(&settings).Error
	if err != nil {
		return DefaultOrganizationSettings(organizationId), nil
	}
	if err := config.SetRedisObject(redisKey, &settings, utils.GetCacheLifespan()); err != nil {
		return nil, err
	}
	return &settings, nil
}

type UpdateOrganizationSettingsInput struct {
	TemperatureCorrectionEnabled *bool            `json:"temperature_correction_enabled"`
	CalibrationTempCelsius       *decimal.Decimal `json:"calibration_temp_celsius"`
	StageEarlySgDrop             *decimal.Decimal `json:"stage_early_sg_drop"`
	StallWindowDays              *int             `json:"stall_window_days"`
	StallSgDelta                 *decimal.Decimal `json:"stall_sg_delta"`
}

func UpdateOrganizationSettings(ctx context.Context, organizationId string, input *UpdateOrganizationSettingsInput) (*OrganizationSettings, error) {
	db := config.GetDB()

	var settings OrganizationSettings
	if err := db.WithContext(ctx).Where("organization_id = ?", organizationId).First(&settings).Error; err != nil {
		settings = *DefaultOrganizationSettings(organizationId)
	}

	if input.TemperatureCorrectionEnabled != nil {
		settings.TemperatureCorrectionEnabled = input.TemperatureCorrectionEnabled
	}
	if input.CalibrationTempCelsius != nil {
		settings.CalibrationTempCelsius = *input.CalibrationTempCelsius
	}
	if input.StageEarlySgDrop != nil {
		settings.StageEarlySgDrop = *input.StageEarlySgDrop
	}
	if input.StallWindowDays != nil {
		settings.StallWindowDays = *input.StallWindowDays
	}
	if input.StallSgDelta != nil {
		settings.StallSgDelta = *input.StallSgDelta
	}

	if err := db.WithContext(ctx).Save(&settings).Error; err != nil {
		return nil, err
	}
	if err := config.RemoveRedisKey("orgSettings:" + organizationId); err != nil {
		return nil, fmt.Errorf("settings saved but cache invalidation failed: %w", err)
	}
	return &settings, nil
}
