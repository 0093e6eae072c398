package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func decP(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestCorrectGravityForTemperature(t *testing.T) {
	calibration := dec("15.56")

	// 10 degrees above calibration: linear term 0.0013 plus quadratic 0.0002.
	corrected := CorrectGravityForTemperature(dec("1.050"), dec("25.56"), calibration)
	if !corrected.Equal(dec("1.0515")) {
		t.Fatalf("corrected = %s, want 1.0515", corrected.String())
	}

	// At calibration temperature the reading passes through unchanged.
	corrected = CorrectGravityForTemperature(dec("1.050"), calibration, calibration)
	if !corrected.Equal(dec("1.05")) {
		t.Fatalf("corrected = %s, want 1.05", corrected.String())
	}
}

func TestValidateMeasurementRanges(t *testing.T) {
	if err := ValidateMeasurementRanges(decP("1.050"), decP("3.4")); err != nil {
		t.Fatalf("in-range reading rejected: %v", err)
	}
	if err := ValidateMeasurementRanges(nil, nil); err != nil {
		t.Fatalf("empty reading rejected: %v", err)
	}

	if err := ValidateMeasurementRanges(decP("0.980"), nil); err == nil {
		t.Fatal("gravity below 0.990 must be rejected")
	}
	if err := ValidateMeasurementRanges(decP("1.250"), nil); err == nil {
		t.Fatal("gravity above 1.200 must be rejected")
	}
	if err := ValidateMeasurementRanges(nil, decP("1.9")); err == nil {
		t.Fatal("pH below 2 must be rejected")
	}
	if err := ValidateMeasurementRanges(nil, decP("5.1")); err == nil {
		t.Fatal("pH above 5 must be rejected")
	}
}
