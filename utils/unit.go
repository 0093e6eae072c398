package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Single shared conversion module. Every call site that needs to move an
// amount between units goes through here; cross-family conversions are
// rejected instead of silently falling back to the raw amount.

type UnitFamily string

const (
	UnitFamilyVolume  UnitFamily = "Volume"
	UnitFamilyMass    UnitFamily = "Mass"
	UnitFamilyUnknown UnitFamily = "Unknown"
)

var litersPerUnit = map[string]decimal.Decimal{
	"L":   decimal.NewFromInt(1),
	"mL":  decimal.RequireFromString("0.001"),
	"gal": decimal.RequireFromString("3.78541"),
}

var gramsPerUnit = map[string]decimal.Decimal{
	"g":  decimal.NewFromInt(1),
	"kg": decimal.NewFromInt(1000),
	"lb": decimal.RequireFromString("453.59237"),
	"oz": decimal.RequireFromString("28.349523125"),
}

// NormalizeUnit maps case/spacing variants onto the canonical unit symbols.
func NormalizeUnit(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "l", "liter", "liters", "litre", "litres":
		return "L"
	case "ml", "milliliter", "milliliters":
		return "mL"
	case "gal", "gallon", "gallons":
		return "gal"
	case "g", "gram", "grams":
		return "g"
	case "kg", "kilogram", "kilograms":
		return "kg"
	case "lb", "lbs", "pound", "pounds":
		return "lb"
	case "oz", "ounce", "ounces":
		return "oz"
	}
	return strings.TrimSpace(unit)
}

func FamilyOfUnit(unit string) UnitFamily {
	u := NormalizeUnit(unit)
	if _, ok := litersPerUnit[u]; ok {
		return UnitFamilyVolume
	}
	if _, ok := gramsPerUnit[u]; ok {
		return UnitFamilyMass
	}
	return UnitFamilyUnknown
}

func ToLiters(amount decimal.Decimal, unit string) (decimal.Decimal, error) {
	factor, ok := litersPerUnit[NormalizeUnit(unit)]
	if !ok {
		return decimal.Zero, NewBadRequestError("unknown volume unit: " + unit)
	}
	return amount.Mul(factor), nil
}

func FromLiters(liters decimal.Decimal, unit string) (decimal.Decimal, error) {
	factor, ok := litersPerUnit[NormalizeUnit(unit)]
	if !ok {
		return decimal.Zero, NewBadRequestError("unknown volume unit: " + unit)
	}
	return liters.Div(factor), nil
}

func ToGrams(amount decimal.Decimal, unit string) (decimal.Decimal, error) {
	factor, ok := gramsPerUnit[NormalizeUnit(unit)]
	if !ok {
		return decimal.Zero, NewBadRequestError("unknown mass unit: " + unit)
	}
	return amount.Mul(factor), nil
}

// ConvertAmount converts amount from one unit to another within the same
// family. Converting between mass and volume is a caller error.
func ConvertAmount(amount decimal.Decimal, fromUnit string, toUnit string) (decimal.Decimal, error) {
	fromFamily := FamilyOfUnit(fromUnit)
	toFamily := FamilyOfUnit(toUnit)
	if fromFamily == UnitFamilyUnknown {
		return decimal.Zero, NewBadRequestError("unknown unit: " + fromUnit)
	}
	if toFamily == UnitFamilyUnknown {
		return decimal.Zero, NewBadRequestError("unknown unit: " + toUnit)
	}
	if fromFamily != toFamily {
		return decimal.Zero, NewBadRequestError("cannot convert " + fromUnit + " to " + toUnit + ": incompatible unit families")
	}

	switch fromFamily {
	case UnitFamilyVolume:
		liters, err := ToLiters(amount, fromUnit)
		if err != nil {
			return decimal.Zero, err
		}
		return FromLiters(liters, toUnit)
	default:
		grams, err := ToGrams(amount, fromUnit)
		if err != nil {
			return decimal.Zero, err
		}
		factor := gramsPerUnit[NormalizeUnit(toUnit)]
		return grams.Div(factor), nil
	}
}
