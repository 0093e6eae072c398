package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"bitbucket.org/orchardledger/cellar_backend/workflow"
)

// One-shot ops tool: replay the volume ledgers for every batch an
// organization started in a date range and print any discrepancies.
// Exits non-zero when a discrepancy is found so it can run under cron.
func main() {
	organizationID := flag.String("organization-id", "", "Required: organization id (uuid)")
	fromArg := flag.String("from", "", "Range start, RFC3339 (default: 1 year ago)")
	toArg := flag.String("to", "", "Range end, RFC3339 (default: now)")
	verbose := flag.Bool("verbose", false, "Print every trace, not only discrepancies")
	flag.Parse()

	if strings.TrimSpace(*organizationID) == "" {
		fmt.Fprintln(os.Stderr, "--organization-id is required")
		os.Exit(1)
	}

	now := time.Now().UTC()
	from := now.AddDate(-1, 0, 0)
	to := now
	var err error
	if *fromArg != "" {
		if from, err = time.Parse(time.RFC3339, *fromArg); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --from: %v\n", err)
			os.Exit(1)
		}
	}
	if *toArg != "" {
		if to, err = time.Parse(time.RFC3339, *toArg); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --to: %v\n", err)
			os.Exit(1)
		}
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetOrganizationIdInContext(context.Background(), *organizationID)
	report, err := workflow.GetBatchTraceReport(ctx, from, to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	for _, trace := range report.Traces {
		if !trace.HasDiscrepancy && !*verbose {
			continue
		}
		marker := " "
		if trace.HasDiscrepancy {
			marker = "!"
		}
		fmt.Printf("%s batch %d (%s): initial=%s inflow=%s outflow=%s loss=%s accounted=%s current=%s discrepancy=%s\n",
			marker, trace.BatchId, trace.BatchName,
			trace.InitialVolume, trace.Inflow, trace.Outflow, trace.Loss,
			trace.Accounted, trace.CurrentVolume, trace.Discrepancy)
	}

	fmt.Printf("%d batches checked, %d with discrepancies, net discrepancy %s L, total loss %s L\n",
		len(report.Traces), report.DiscrepancyCount, report.TotalDiscrepancy, report.TotalLoss)

	if report.DiscrepancyCount > 0 {
		os.Exit(2)
	}
}
