package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

type BatchStatus string

const (
	BatchStatusFermentation BatchStatus = "fermentation"
	BatchStatusAging        BatchStatus = "aging"
	BatchStatusConditioning BatchStatus = "conditioning"
	BatchStatusCompleted    BatchStatus = "completed"
	BatchStatusDiscarded    BatchStatus = "discarded"
)

func (s *BatchStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fermentation":
		*s = BatchStatusFermentation
	case "aging":
		*s = BatchStatusAging
	case "conditioning":
		*s = BatchStatusConditioning
	case "completed":
		*s = BatchStatusCompleted
	case "discarded":
		*s = BatchStatusDiscarded
	default:
		return errors.New("invalid batch status")
	}
	return nil
}

type BatchProductType string

const (
	ProductTypeCider   BatchProductType = "cider"
	ProductTypePerry   BatchProductType = "perry"
	ProductTypeBrandy  BatchProductType = "brandy"
	ProductTypePommeau BatchProductType = "pommeau"
	ProductTypeJuice   BatchProductType = "juice"
	ProductTypeOther   BatchProductType = "other"
)

// Ferments reports whether the product type undergoes fermentation tracking.
// Brandy and pommeau are fortified/distilled and never advance stages.
func (t BatchProductType) Ferments() bool {
	return t != ProductTypeBrandy && t != ProductTypePommeau
}

func (t *BatchProductType) UnmarshalText(b []byte) error {
	productTypes := map[string]BatchProductType{
		"cider":   ProductTypeCider,
		"perry":   ProductTypePerry,
		"brandy":  ProductTypeBrandy,
		"pommeau": ProductTypePommeau,
		"juice":   ProductTypeJuice,
		"other":   ProductTypeOther,
	}
	v, ok := productTypes[string(b)]
	if !ok {
		return errors.New("invalid product type")
	}
	*t = v
	return nil
}

type FermentationStage string

const (
	StageNotStarted     FermentationStage = "not_started"
	StageNotApplicable  FermentationStage = "not_applicable"
	StageEarly          FermentationStage = "early"
	StageMid            FermentationStage = "mid"
	StageApproachingDry FermentationStage = "approaching_dry"
	StageTerminal       FermentationStage = "terminal"
	StageUnknown        FermentationStage = "unknown"
)

// ActivelyFermenting reports whether the stage represents live fermentation.
func (s FermentationStage) ActivelyFermenting() bool {
	switch s {
	case StageEarly, StageMid, StageApproachingDry, StageTerminal:
		return true
	}
	return false
}

func (s *FermentationStage) UnmarshalText(b []byte) error {
	stages := map[string]FermentationStage{
		"not_started":     StageNotStarted,
		"not_applicable":  StageNotApplicable,
		"early":           StageEarly,
		"mid":             StageMid,
		"approaching_dry": StageApproachingDry,
		"terminal":        StageTerminal,
		"unknown":         StageUnknown,
	}
	v, ok := stages[string(b)]
	if !ok {
		return errors.New("invalid fermentation stage")
	}
	*s = v
	return nil
}

type VesselStatus string

const (
	VesselStatusAvailable   VesselStatus = "available"
	VesselStatusCleaning    VesselStatus = "cleaning"
	VesselStatusFermenting  VesselStatus = "fermenting"
	VesselStatusAging       VesselStatus = "aging"
	VesselStatusMaintenance VesselStatus = "maintenance"
)

func (s VesselStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *VesselStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = VesselStatus(v)
	case []byte:
		*s = VesselStatus(v)
	default:
		return fmt.Errorf("cannot scan %T into VesselStatus", value)
	}
	return nil
}

type CompositionSourceType string

const (
	CompositionSourceBaseFruit     CompositionSourceType = "base_fruit"
	CompositionSourceJuicePurchase CompositionSourceType = "juice_purchase"
	CompositionSourceBatchTransfer CompositionSourceType = "batch_transfer"
)

type MergeSourceType string

const (
	MergeSourcePressRun      MergeSourceType = "press_run"
	MergeSourceJuicePurchase MergeSourceType = "juice_purchase"
	MergeSourceBatch         MergeSourceType = "batch"
)

type FilterType string

const (
	FilterTypeCoarse  FilterType = "coarse"
	FilterTypeFine    FilterType = "fine"
	FilterTypeSterile FilterType = "sterile"
)

type PackageType string

const (
	PackageTypeBottle       PackageType = "bottle"
	PackageTypeKeg          PackageType = "keg"
	PackageTypeDistillation PackageType = "distillation"
)

type AdditiveType string

const (
	AdditiveTypeYeast     AdditiveType = "yeast"
	AdditiveTypeNutrient  AdditiveType = "nutrient"
	AdditiveTypeSulfite   AdditiveType = "sulfite"
	AdditiveTypeAcid      AdditiveType = "acid"
	AdditiveTypeEnzyme    AdditiveType = "enzyme"
	AdditiveTypeSugar     AdditiveType = "sugar"
	AdditiveTypeSweetener AdditiveType = "sweetener"
	AdditiveTypeOther     AdditiveType = "other"
)

// IsFermentationOrganism reports whether adding this starts a fermentation.
func (t AdditiveType) IsFermentationOrganism() bool {
	return t == AdditiveTypeYeast
}

// IsFermentableSugar reports whether this addition raises gravity.
func (t AdditiveType) IsFermentableSugar() bool {
	return t == AdditiveTypeSugar || t == AdditiveTypeSweetener
}
