package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// One-shot repair tool: recompute composition fractions for every batch of
// an organization. Dry-run lists batches whose active fractions do not sum
// to one; write mode reruns the normalization inside a transaction.
func main() {
	organizationID := flag.String("organization-id", "", "Required: organization id (uuid)")
	dryRun := flag.Bool("dry-run", true, "List drifted batches only (no writes)")
	confirm := flag.String("confirm", "", "Type REBUILD to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*organizationID) == "" {
		fmt.Fprintln(os.Stderr, "--organization-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REBUILD" {
		fmt.Fprintln(os.Stderr, "set --confirm=REBUILD to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var batchIds []int
	err := db.Model(&models.Batch{}).
		Where("organization_id = ? AND deleted_at IS NULL", *organizationID).
		Order("id").
		Pluck("id", &batchIds).Error
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not list batches: %v\n", err)
		os.Exit(1)
	}

	tolerance := decimal.RequireFromString("0.000001")
	one := decimal.NewFromInt(1)
	drifted := 0

	for _, batchId := range batchIds {
		entries, err := models.ActiveCompositionEntries(db, batchId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "batch %d: %v\n", batchId, err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			continue
		}

		total := decimal.Zero
		sum := decimal.Zero
		for _, e := range entries {
			total = total.Add(e.VolumeContributed)
			sum = sum.Add(e.FractionOfBatch)
		}
		if total.IsZero() {
			// Zero-volume bases keep their stale fractions on purpose.
			continue
		}
		if sum.Sub(one).Abs().LessThanOrEqual(tolerance) {
			continue
		}

		drifted++
		fmt.Printf("batch %d: %d entries, fractions sum to %s\n", batchId, len(entries), sum)

		if *dryRun {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			return models.RecalculateFractions(tx, batchId)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "batch %d: rebuild failed: %v\n", batchId, err)
			os.Exit(1)
		}
	}

	if *dryRun {
		fmt.Printf("%d of %d batches drifted (dry run, nothing written)\n", drifted, len(batchIds))
	} else {
		fmt.Printf("rebuilt fractions for %d of %d batches\n", drifted, len(batchIds))
	}
}
