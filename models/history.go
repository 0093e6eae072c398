package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"gorm.io/gorm"
)

// ActivityLog is the append-only audit sink. Every state-machine branch and
// every status/product-type/stage change writes a row with before/after JSON
// so the activity views can replay what happened without re-deriving it from
// raw ledger rows.
type ActivityLog struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"index;size:36;not null" json:"organization_id"`
	ActionType     string    `gorm:"size:10;not null" json:"action_type"`
	Before         string    `gorm:"type:text" json:"before"`
	After          string    `gorm:"type:text" json:"after"`
	Description    string    `gorm:"type:text;not null" json:"description"`
	ReferenceID    int       `gorm:"index" json:"reference_id"`
	ReferenceType  string    `gorm:"size:255" json:"reference_type"`
	UserId         int       `gorm:"index;not null" json:"user_id"`
	UserName       string    `gorm:"size:100" json:"user_name"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func createActivity(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) (err error) {

	var activity ActivityLog

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	ctx := tx.Statement.Context
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return errors.New("organization id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return errors.New("user id is required")
	}
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok {
		return errors.New("user name is required")
	}

	activity.OrganizationId = organizationId
	activity.ActionType = actionType
	activity.Before = string(b)
	activity.After = string(a)
	activity.Description = description
	activity.ReferenceID = referenceId
	activity.ReferenceType = referenceType
	activity.UserId = userId
	activity.UserName = userName

	return tx.Create(&activity).Error
}

func SaveActivityCreate(tx *gorm.DB, id int, referenceType string, obj interface{}, description string) error {
	return createActivity(tx, "CREATE", id, referenceType, nil, obj, description)
}

func SaveActivityUpdate(tx *gorm.DB, id int, referenceType string, before interface{}, after interface{}, description string) error {
	return createActivity(tx, "UPDATE", id, referenceType, before, after, description)
}

func SaveActivityDelete(tx *gorm.DB, id int, referenceType string, obj interface{}, description string) error {
	return createActivity(tx, "DELETE", id, referenceType, obj, nil, description)
}

func GetActivities(ctx context.Context, referenceId *int, referenceType *string) ([]*ActivityLog, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if referenceId != nil && *referenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", referenceId)
	}
	if referenceType != nil && len(*referenceType) > 0 {
		dbCtx = dbCtx.Where("reference_type = ?", referenceType)
	}
	var results []*ActivityLog
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
