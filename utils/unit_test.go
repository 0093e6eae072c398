package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestToLiters(t *testing.T) {
	cases := []struct {
		amount string
		unit   string
		want   string
	}{
		{"1", "L", "1"},
		{"500", "mL", "0.5"},
		{"1", "gal", "3.78541"},
		{"2.5", "gallons", "9.463525"},
	}
	for _, c := range cases {
		got, err := ToLiters(decimal.RequireFromString(c.amount), c.unit)
		if err != nil {
			t.Fatalf("ToLiters(%s %s): %v", c.amount, c.unit, err)
		}
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Fatalf("ToLiters(%s %s) = %s, want %s", c.amount, c.unit, got, c.want)
		}
	}
}

func TestToLiters_UnknownUnit(t *testing.T) {
	_, err := ToLiters(decimal.NewFromInt(1), "firkin")
	if KindOf(err) != ErrorKindBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}

func TestFromLiters_RoundTrip(t *testing.T) {
	for _, unit := range []string{"L", "mL", "gal"} {
		start := decimal.RequireFromString("12.345")
		liters, err := ToLiters(start, unit)
		if err != nil {
			t.Fatal(err)
		}
		back, err := FromLiters(liters, unit)
		if err != nil {
			t.Fatal(err)
		}
		if !back.Sub(start).Abs().LessThan(decimal.RequireFromString("0.000001")) {
			t.Fatalf("round trip %s: got %s, want %s", unit, back, start)
		}
	}
}

func TestConvertAmount_MassFamily(t *testing.T) {
	got, err := ConvertAmount(decimal.NewFromInt(1), "kg", "g")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("1 kg = %s g, want 1000", got)
	}

	got, err = ConvertAmount(decimal.NewFromInt(1), "lb", "oz")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Sub(decimal.NewFromInt(16)).Abs().LessThan(decimal.RequireFromString("0.0001")) {
		t.Fatalf("1 lb = %s oz, want ~16", got)
	}
}

func TestConvertAmount_RejectsCrossFamily(t *testing.T) {
	_, err := ConvertAmount(decimal.NewFromInt(1), "kg", "L")
	if err == nil {
		t.Fatal("expected error converting mass to volume")
	}
	if KindOf(err) != ErrorKindBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %v", err)
	}
}

func TestNormalizeUnit(t *testing.T) {
	if NormalizeUnit("Litres") != "L" {
		t.Fatal("Litres should normalize to L")
	}
	if NormalizeUnit("ML") != "mL" {
		t.Fatal("ML should normalize to mL")
	}
	if FamilyOfUnit("bushel") != UnitFamilyUnknown {
		t.Fatal("bushel should be unknown")
	}
}
