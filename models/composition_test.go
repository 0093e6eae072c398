package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNormalizeFractions_SumToOne(t *testing.T) {
	entries := []*CompositionEntry{
		{ID: 1, VolumeContributed: dec("60")},
		{ID: 2, VolumeContributed: dec("30")},
		{ID: 3, VolumeContributed: dec("10")},
	}

	if !normalizeFractions(entries) {
		t.Fatal("expected normalization to run")
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.FractionOfBatch)
	}
	tolerance := dec("0.000001")
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(tolerance) {
		t.Fatalf("fractions sum to %s, want 1 within 1e-6", sum.String())
	}
	if !entries[0].FractionOfBatch.Equal(dec("0.6")) {
		t.Fatalf("first fraction = %s, want 0.6", entries[0].FractionOfBatch.String())
	}
}

func TestNormalizeFractions_RepeatedThirds(t *testing.T) {
	entries := []*CompositionEntry{
		{ID: 1, VolumeContributed: dec("1")},
		{ID: 2, VolumeContributed: dec("1")},
		{ID: 3, VolumeContributed: dec("1")},
	}
	if !normalizeFractions(entries) {
		t.Fatal("expected normalization to run")
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.FractionOfBatch)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(dec("0.000001")) {
		t.Fatalf("thirds sum to %s, want 1 within 1e-6", sum.String())
	}
}

func TestNormalizeFractions_Idempotent(t *testing.T) {
	entries := []*CompositionEntry{
		{ID: 1, VolumeContributed: dec("70")},
		{ID: 2, VolumeContributed: dec("30")},
	}
	normalizeFractions(entries)
	first := []decimal.Decimal{entries[0].FractionOfBatch, entries[1].FractionOfBatch}

	normalizeFractions(entries)
	if !entries[0].FractionOfBatch.Equal(first[0]) || !entries[1].FractionOfBatch.Equal(first[1]) {
		t.Fatal("recomputing with no intervening writes changed the fractions")
	}
}

func TestNormalizeFractions_ZeroTotalKeepsStaleFractions(t *testing.T) {
	entries := []*CompositionEntry{
		{ID: 1, VolumeContributed: decimal.Zero, FractionOfBatch: dec("0.25")},
		{ID: 2, VolumeContributed: decimal.Zero, FractionOfBatch: dec("0.75")},
	}
	if normalizeFractions(entries) {
		t.Fatal("zero total volume must be a no-op")
	}
	if !entries[0].FractionOfBatch.Equal(dec("0.25")) || !entries[1].FractionOfBatch.Equal(dec("0.75")) {
		t.Fatal("stale fractions must be kept, not rewritten")
	}
}
