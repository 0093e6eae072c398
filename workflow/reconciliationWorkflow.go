package workflow

import (
	"context"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/models"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DiscrepancyTolerance is the rounding slack allowed before a trace is
// flagged as a bookkeeping error.
var DiscrepancyTolerance = decimal.RequireFromString("0.001")

// VolumeTrace is the reconciliation result for one batch:
// accounted = initial + inflow - outflow - loss, discrepancy = current - accounted.
type VolumeTrace struct {
	BatchId        int             `json:"batch_id"`
	BatchName      string          `json:"batch_name"`
	InitialVolume  decimal.Decimal `json:"initial_volume"`
	Inflow         decimal.Decimal `json:"inflow"`
	Outflow        decimal.Decimal `json:"outflow"`
	Loss           decimal.Decimal `json:"loss"`
	Accounted      decimal.Decimal `json:"accounted"`
	CurrentVolume  decimal.Decimal `json:"current_volume"`
	Discrepancy    decimal.Decimal `json:"discrepancy"`
	HasDiscrepancy bool            `json:"has_discrepancy"`
}

// accumulateTrace replays the ledgers for one batch. Transfer rows carry the
// moved volume; the loss of the same operation lives on its racking row, so
// transfer losses are not summed here (that would double count).
func accumulateTrace(batch *models.Batch,
	merges []*models.MergeHistory,
	transfersOut []*models.BatchTransfer,
	rackings []*models.RackingOperation,
	filters []*models.FilterOperation,
	packagings []*models.PackagingOperation) *VolumeTrace {

	trace := VolumeTrace{
		BatchId:       batch.ID,
		BatchName:     batch.Name,
		InitialVolume: batch.InitialVolume,
		CurrentVolume: batch.CurrentVolume,
		Inflow:        decimal.Zero,
		Outflow:       decimal.Zero,
		Loss:          decimal.Zero,
	}

	for _, m := range merges {
		trace.Inflow = trace.Inflow.Add(m.VolumeAdded)
	}
	for _, t := range transfersOut {
		trace.Outflow = trace.Outflow.Add(t.VolumeTransferred)
	}
	for _, r := range rackings {
		trace.Loss = trace.Loss.Add(r.VolumeLoss)
	}
	for _, f := range filters {
		trace.Loss = trace.Loss.Add(f.VolumeLoss)
	}
	for _, p := range packagings {
		trace.Outflow = trace.Outflow.Add(p.VolumeTaken)
		trace.Loss = trace.Loss.Add(p.Loss)
	}

	trace.Accounted = utils.RoundVolume(
		trace.InitialVolume.Add(trace.Inflow).Sub(trace.Outflow).Sub(trace.Loss))
	trace.Discrepancy = utils.RoundVolume(trace.CurrentVolume.Sub(trace.Accounted))
	trace.HasDiscrepancy = trace.Discrepancy.Abs().GreaterThan(DiscrepancyTolerance)
	return &trace
}

func traceBatch(tx *gorm.DB, batch *models.Batch) (*VolumeTrace, error) {
	merges, err := models.MergesIntoBatch(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	transfersOut, err := models.TransfersOutOfBatch(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	rackings, err := models.RackingOperationsForBatch(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	filters, err := models.FilterOperationsForBatch(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	packagings, err := models.PackagingOperationsForBatch(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	return accumulateTrace(batch, merges, transfersOut, rackings, filters, packagings), nil
}

// GetVolumeTrace reconciles a single batch. Read-only.
func GetVolumeTrace(ctx context.Context, batchId int) (*VolumeTrace, error) {
	db := config.GetDB().WithContext(ctx)
	batch, err := models.GetBatchTx(db, batchId)
	if err != nil {
		return nil, utils.NewNotFoundError("batch not found", err)
	}
	return traceBatch(db, batch)
}

type BatchTraceReport struct {
	From             time.Time       `json:"from"`
	To               time.Time       `json:"to"`
	Traces           []*VolumeTrace  `json:"traces"`
	TotalIntake      decimal.Decimal `json:"total_intake"`
	TotalLoss        decimal.Decimal `json:"total_loss"`
	TotalDiscrepancy decimal.Decimal `json:"total_discrepancy"`
	DiscrepancyCount int             `json:"discrepancy_count"`
}

// GetBatchTraceReport reconciles every batch started inside the date range,
// archived ones included: regulatory reconciliation needs the closed batches
// most of all.
func GetBatchTraceReport(ctx context.Context, from time.Time, to time.Time) (*BatchTraceReport, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, utils.NewBadRequestError("organization id is required")
	}

	db := config.GetDB().WithContext(ctx)
	var batches []*models.Batch
	err := db.
		Where("organization_id = ? AND deleted_at IS NULL", organizationId).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at, id").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}

	report := BatchTraceReport{
		From:             from,
		To:               to,
		TotalIntake:      decimal.Zero,
		TotalLoss:        decimal.Zero,
		TotalDiscrepancy: decimal.Zero,
	}
	for _, batch := range batches {
		trace, err := traceBatch(db, batch)
		if err != nil {
			return nil, err
		}
		report.Traces = append(report.Traces, trace)
		report.TotalIntake = report.TotalIntake.Add(trace.InitialVolume).Add(trace.Inflow)
		report.TotalLoss = report.TotalLoss.Add(trace.Loss)
		report.TotalDiscrepancy = report.TotalDiscrepancy.Add(trace.Discrepancy)
		if trace.HasDiscrepancy {
			report.DiscrepancyCount++
		}
	}
	return &report, nil
}
