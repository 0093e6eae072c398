package workflow

import (
	"time"

	"bitbucket.org/orchardledger/cellar_backend/models"
	"github.com/shopspring/decimal"
)

// Pure fermentation math. Everything in this file is deterministic over its
// inputs; the callers persist whatever stage/estimate comes out.

// EstimateBlend computes the volume-weighted average of a measured value when
// two liquids are combined: (a*volA + b*volB) / (volA + volB).
// If only one side has a value it propagates unchanged; if neither, nil.
func EstimateBlend(aValue *decimal.Decimal, aVolume decimal.Decimal, bValue *decimal.Decimal, bVolume decimal.Decimal) *decimal.Decimal {
	if aValue == nil && bValue == nil {
		return nil
	}
	if aValue == nil {
		v := *bValue
		return &v
	}
	if bValue == nil {
		v := *aValue
		return &v
	}
	totalVolume := aVolume.Add(bVolume)
	if totalVolume.IsZero() {
		return nil
	}
	blended := aValue.Mul(aVolume).Add(bValue.Mul(bVolume)).Div(totalVolume).Round(4)
	return &blended
}

type FermentationProgress struct {
	PercentFermented *decimal.Decimal         `json:"percent_fermented"`
	Stage            models.FermentationStage `json:"stage"`
	Stalled          bool                     `json:"stalled"`
}

// gravityReading is the slice of a measurement the analysis needs.
type gravityReading struct {
	At time.Time
	Sg decimal.Decimal
}

func gravityReadings(measurements []*models.Measurement) []gravityReading {
	var readings []gravityReading
	for _, m := range measurements {
		if m.SpecificGravity == nil {
			continue
		}
		readings = append(readings, gravityReading{At: m.MeasurementDate, Sg: *m.SpecificGravity})
	}
	return readings
}

// AnalyzeFermentationProgress computes percent-fermented, the inferred stage
// and a stall flag from the gravity history. Unknown original gravity means
// unknown progress.
func AnalyzeFermentationProgress(
	settings *models.OrganizationSettings,
	productType models.BatchProductType,
	originalGravity *decimal.Decimal,
	currentGravity *decimal.Decimal,
	targetFinalGravity *decimal.Decimal,
	measurements []*models.Measurement,
	asOf time.Time,
) FermentationProgress {

	if !productType.Ferments() {
		return FermentationProgress{Stage: models.StageNotApplicable}
	}
	if originalGravity == nil || currentGravity == nil {
		return FermentationProgress{Stage: models.StageUnknown}
	}

	target := decimal.NewFromInt(1)
	if targetFinalGravity != nil {
		target = *targetFinalGravity
	}

	percent := percentFermented(*originalGravity, *currentGravity, target)
	drop := originalGravity.Sub(*currentGravity)
	stage := stageForProgress(settings, drop, percent)

	stalled := false
	if stage != models.StageTerminal && stage != models.StageNotStarted {
		stalled = detectStall(settings, gravityReadings(measurements), asOf)
	}

	return FermentationProgress{
		PercentFermented: &percent,
		Stage:            stage,
		Stalled:          stalled,
	}
}

func percentFermented(original, current, target decimal.Decimal) decimal.Decimal {
	span := original.Sub(target)
	if span.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	pct := original.Sub(current).Div(span).Mul(decimal.NewFromInt(100)).Round(1)
	if pct.IsNegative() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

func stageForProgress(settings *models.OrganizationSettings, ogDrop decimal.Decimal, percent decimal.Decimal) models.FermentationStage {
	if ogDrop.LessThan(settings.StageEarlySgDrop) {
		return models.StageNotStarted
	}
	switch {
	case percent.GreaterThanOrEqual(settings.StageTerminalPercent):
		return models.StageTerminal
	case percent.GreaterThanOrEqual(settings.StageApproachingDryPercent):
		return models.StageApproachingDry
	case percent.GreaterThanOrEqual(settings.StageMidPercent):
		return models.StageMid
	}
	return models.StageEarly
}

// detectStall reports whether gravity has not moved beyond the configured
// delta across the configured day window. Requires at least one reading older
// than the window to compare against.
func detectStall(settings *models.OrganizationSettings, readings []gravityReading, asOf time.Time) bool {
	if len(readings) < 2 {
		return false
	}
	windowStart := asOf.AddDate(0, 0, -settings.StallWindowDays)

	var latest *gravityReading
	var baseline *gravityReading
	for i := range readings {
		r := readings[i]
		if r.At.After(asOf) {
			continue
		}
		if latest == nil || r.At.After(latest.At) {
			latest = &readings[i]
		}
		if !r.At.After(windowStart) {
			if baseline == nil || r.At.After(baseline.At) {
				baseline = &readings[i]
			}
		}
	}
	if latest == nil || baseline == nil || latest == baseline {
		return false
	}
	return baseline.Sg.Sub(latest.Sg).Abs().LessThan(settings.StallSgDelta)
}

// Sucrose contributes roughly 0.000385 gravity points per gram per liter.
var sgPerGramPerLiter = decimal.RequireFromString("0.000385")

// abvPerGravityPoint is the standard (OG-FG)*131.25 approximation.
var abvFactor = decimal.RequireFromString("131.25")

// ProjectSugarAddition estimates the post-addition gravity and the fully
// attenuated ABV after dissolving sugarGrams into batchVolume liters of
// liquid currently at currentGravity.
func ProjectSugarAddition(currentGravity decimal.Decimal, batchVolume decimal.Decimal, sugarGrams decimal.Decimal) (estimatedSg decimal.Decimal, projectedAbv decimal.Decimal) {
	if batchVolume.IsZero() {
		return currentGravity, decimal.Zero
	}
	gramsPerLiter := sugarGrams.Div(batchVolume)
	estimatedSg = currentGravity.Add(gramsPerLiter.Mul(sgPerGramPerLiter)).Round(4)

	projectedAbv = estimatedSg.Sub(decimal.NewFromInt(1)).Mul(abvFactor).Round(2)
	if projectedAbv.IsNegative() {
		projectedAbv = decimal.Zero
	}
	return estimatedSg, projectedAbv
}
