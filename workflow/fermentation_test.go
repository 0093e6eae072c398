package workflow

import (
	"testing"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestEstimateBlend_VolumeWeighted(t *testing.T) {
	// 80 L at 1.010 merged with 20 L at 1.020 lands at 1.012.
	got := EstimateBlend(decPtr("1.010"), dec("80"), decPtr("1.020"), dec("20"))
	if got == nil {
		t.Fatal("expected a blended value")
	}
	if !got.Equal(dec("1.012")) {
		t.Fatalf("blend = %s, want 1.012", got.String())
	}
}

func TestEstimateBlend_OneSidedPropagation(t *testing.T) {
	got := EstimateBlend(nil, dec("80"), decPtr("1.020"), dec("20"))
	if got == nil || !got.Equal(dec("1.020")) {
		t.Fatalf("expected one-sided value to propagate unchanged, got %v", got)
	}

	got = EstimateBlend(decPtr("3.40"), dec("80"), nil, dec("20"))
	if got == nil || !got.Equal(dec("3.40")) {
		t.Fatalf("expected one-sided value to propagate unchanged, got %v", got)
	}

	if EstimateBlend(nil, dec("80"), nil, dec("20")) != nil {
		t.Fatal("expected nil when neither side has a value")
	}
}

func testSettings() *models.OrganizationSettings {
	return models.DefaultOrganizationSettings("org-test")
}

func TestAnalyzeFermentationProgress_Stages(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name    string
		current string
		want    models.FermentationStage
		percent string
	}{
		{"barely below original stays not started", "1.048", models.StageNotStarted, "4"},
		{"forty percent is early", "1.030", models.StageEarly, "40"},
		{"sixty percent is mid", "1.020", models.StageMid, "60"},
		{"ninety percent approaches dry", "1.005", models.StageApproachingDry, "90"},
		{"fully attenuated is terminal", "1.000", models.StageTerminal, "100"},
	}

	for _, tc := range cases {
		progress := AnalyzeFermentationProgress(testSettings(), models.ProductTypeCider,
			decPtr("1.050"), decPtr(tc.current), decPtr("1.000"), nil, now)
		if progress.Stage != tc.want {
			t.Fatalf("%s: stage = %s, want %s", tc.name, progress.Stage, tc.want)
		}
		if progress.PercentFermented == nil || !progress.PercentFermented.Equal(dec(tc.percent)) {
			t.Fatalf("%s: percent = %v, want %s", tc.name, progress.PercentFermented, tc.percent)
		}
	}
}

func TestAnalyzeFermentationProgress_NonFermentingAndUnknown(t *testing.T) {
	now := time.Now().UTC()

	progress := AnalyzeFermentationProgress(testSettings(), models.ProductTypeBrandy,
		decPtr("1.050"), decPtr("1.020"), nil, nil, now)
	if progress.Stage != models.StageNotApplicable {
		t.Fatalf("brandy stage = %s, want not_applicable", progress.Stage)
	}

	progress = AnalyzeFermentationProgress(testSettings(), models.ProductTypeCider,
		nil, decPtr("1.020"), nil, nil, now)
	if progress.Stage != models.StageUnknown {
		t.Fatalf("missing OG stage = %s, want unknown", progress.Stage)
	}
	if progress.PercentFermented != nil {
		t.Fatal("missing OG should not produce a percent")
	}
}

func TestAnalyzeFermentationProgress_StallDetection(t *testing.T) {
	now := time.Now().UTC()
	history := []*models.Measurement{
		{MeasurementDate: now.AddDate(0, 0, -20), SpecificGravity: decPtr("1.020")},
		{MeasurementDate: now, SpecificGravity: decPtr("1.019")},
	}

	progress := AnalyzeFermentationProgress(testSettings(), models.ProductTypeCider,
		decPtr("1.050"), decPtr("1.019"), decPtr("1.000"), history, now)
	if !progress.Stalled {
		t.Fatal("expected stall: gravity moved 0.001 over 20 days against a 0.002 threshold")
	}

	// Clear movement inside the window is not a stall.
	history[0].SpecificGravity = decPtr("1.030")
	progress = AnalyzeFermentationProgress(testSettings(), models.ProductTypeCider,
		decPtr("1.050"), decPtr("1.019"), decPtr("1.000"), history, now)
	if progress.Stalled {
		t.Fatal("did not expect stall with a 0.011 drop inside the window")
	}
}

func TestAnalyzeFermentationProgress_TerminalNeverStalled(t *testing.T) {
	now := time.Now().UTC()
	history := []*models.Measurement{
		{MeasurementDate: now.AddDate(0, 0, -20), SpecificGravity: decPtr("1.000")},
		{MeasurementDate: now, SpecificGravity: decPtr("1.000")},
	}
	progress := AnalyzeFermentationProgress(testSettings(), models.ProductTypeCider,
		decPtr("1.050"), decPtr("1.000"), decPtr("1.000"), history, now)
	if progress.Stage != models.StageTerminal {
		t.Fatalf("stage = %s, want terminal", progress.Stage)
	}
	if progress.Stalled {
		t.Fatal("a terminal batch is finished, not stalled")
	}
}

func TestProjectSugarAddition(t *testing.T) {
	// 2 kg into 100 L at 1.000: 20 g/L raises gravity by 0.0077.
	sg, abv := ProjectSugarAddition(dec("1.000"), dec("100"), dec("2000"))
	if !sg.Equal(dec("1.0077")) {
		t.Fatalf("projected SG = %s, want 1.0077", sg.String())
	}
	if !abv.Equal(dec("1.01")) {
		t.Fatalf("projected ABV = %s, want 1.01", abv.String())
	}

	sg, abv = ProjectSugarAddition(dec("1.010"), decimal.Zero, dec("500"))
	if !sg.Equal(dec("1.010")) || !abv.IsZero() {
		t.Fatalf("zero-volume projection should be a no-op, got sg=%s abv=%s", sg, abv)
	}
}
