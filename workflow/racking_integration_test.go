package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/models"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"bitbucket.org/orchardledger/cellar_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func TestRackingLifecycleAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()
	logger := config.GetLogger()
	logger.SetLevel(logrus.ErrorLevel)

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cellar_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	// Workflow writes audit rows; they need an organization and user in context.
	org, err := models.CreateOrganization(ctx, &models.NewOrganization{Name: "Test Cidery"})
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	ctx = utils.SetOrganizationIdInContext(ctx, org.ID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	settings, err := models.GetOrganizationSettings(ctx, org.ID)
	if err != nil {
		t.Fatalf("GetOrganizationSettings: %v", err)
	}

	vesselA := mustCreateVessel(t, ctx, "Tank A", "1000")
	vesselB := mustCreateVessel(t, ctx, "Tank B", "500")
	vesselC := mustCreateVessel(t, ctx, "Tank C", "200")
	vesselD := mustCreateVessel(t, ctx, "Tank D", "500")

	// 1) Juice purchase into an empty tank seeds a new batch. The purchase's
	// own gravity reading becomes the batch's original gravity.
	bigLot := mustCreatePurchaseItem(t, db, org.ID, "LOT-A", "500", "1.050", "3.40")
	seeded, err := workflow.TransferJuiceToTank(ctx, logger, &workflow.JuiceTransferInput{
		JuicePurchaseItemId: bigLot.ID,
		VesselId:            vesselA.ID,
		Volume:              decimal.NewFromInt(100),
		BatchName:           "Harvest Blend",
		TransferredAt:       time.Now().UTC().Add(-72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("TransferJuiceToTank: %v", err)
	}
	if seeded.Merged {
		t.Fatalf("transfer into empty vessel must seed a batch, not merge")
	}
	batch := seeded.Batch
	if !batch.CurrentVolume.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("seeded volume = %s, want 100", batch.CurrentVolume)
	}
	if batch.OriginalGravity == nil || !batch.OriginalGravity.Equal(decimal.RequireFromString("1.050")) {
		t.Fatalf("original gravity not latched from purchase: %v", batch.OriginalGravity)
	}

	// 2) Over-allocating the purchase is rejected before any write.
	_, err = workflow.TransferJuiceToTank(ctx, logger, &workflow.JuiceTransferInput{
		JuicePurchaseItemId: bigLot.ID,
		VesselId:            vesselB.ID,
		Volume:              decimal.NewFromInt(600),
		TransferredAt:       time.Now().UTC(),
	})
	if utils.KindOf(err) != utils.ErrorKindBadRequest {
		t.Fatalf("over-allocation: kind = %v, want bad_request (err=%v)", utils.KindOf(err), err)
	}

	// 3) A gravity drop past the configured threshold advances the stage.
	// The seeding measurement already carries 1.050, so one reading suffices.
	m1040, err := workflow.AddMeasurement(ctx, logger, settings, &workflow.NewMeasurement{
		BatchId:         batch.ID,
		MeasurementDate: time.Now().UTC().Add(-48 * time.Hour),
		SpecificGravity: decPtrI("1.040"),
	})
	if err != nil {
		t.Fatalf("AddMeasurement: %v", err)
	}
	batch = mustGetBatch(t, ctx, batch.ID)
	if batch.FermentationStage != models.StageEarly {
		t.Fatalf("stage after gravity drop = %s, want early", batch.FermentationStage)
	}

	// A correction may not collide with another live reading on the same day.
	m1030, err := workflow.AddMeasurement(ctx, logger, settings, &workflow.NewMeasurement{
		BatchId:         batch.ID,
		MeasurementDate: time.Now().UTC().Add(-36 * time.Hour),
		SpecificGravity: decPtrI("1.030"),
	})
	if err != nil {
		t.Fatalf("AddMeasurement(second): %v", err)
	}
	dupDate := m1040.MeasurementDate
	_, err = workflow.UpdateMeasurement(ctx, logger, m1030.ID, &workflow.UpdateMeasurementInput{
		SpecificGravity: decPtrI("1.040"),
		MeasurementDate: &dupDate,
	})
	if utils.KindOf(err) != utils.ErrorKindConflict {
		t.Fatalf("duplicating update: kind = %v, want conflict (err=%v)", utils.KindOf(err), err)
	}

	// Corrections and deletions are invisible across organizations.
	additive, err := workflow.AddAdditive(ctx, logger, &workflow.NewAdditive{
		BatchId:      batch.ID,
		AdditiveType: models.AdditiveTypeSulfite,
		Name:         "Potassium metabisulfite",
		Amount:       decimal.NewFromInt(10),
		Unit:         "g",
		AddedAt:      time.Now().UTC().Add(-40 * time.Hour),
	})
	if err != nil {
		t.Fatalf("AddAdditive: %v", err)
	}
	otherOrg, err := models.CreateOrganization(ctx, &models.NewOrganization{Name: "Other Cidery"})
	if err != nil {
		t.Fatalf("CreateOrganization(other): %v", err)
	}
	foreignCtx := utils.SetOrganizationIdInContext(context.Background(), otherOrg.ID)
	foreignCtx = utils.SetUserIdInContext(foreignCtx, 2)
	foreignCtx = utils.SetUserNameInContext(foreignCtx, "Other")
	if _, err = workflow.UpdateMeasurement(foreignCtx, logger, m1030.ID, &workflow.UpdateMeasurementInput{
		SpecificGravity: decPtrI("1.020"),
	}); utils.KindOf(err) != utils.ErrorKindNotFound {
		t.Fatalf("foreign measurement update: kind = %v, want not_found", utils.KindOf(err))
	}
	if err = workflow.DeleteMeasurement(foreignCtx, logger, m1030.ID); utils.KindOf(err) != utils.ErrorKindNotFound {
		t.Fatalf("foreign measurement delete: kind = %v, want not_found", utils.KindOf(err))
	}
	if _, err = workflow.UpdateAdditive(foreignCtx, logger, additive.ID, &workflow.UpdateAdditiveInput{
		Amount: decPtrI("5"),
	}); utils.KindOf(err) != utils.ErrorKindNotFound {
		t.Fatalf("foreign additive update: kind = %v, want not_found", utils.KindOf(err))
	}
	if err = workflow.DeleteAdditive(foreignCtx, logger, additive.ID); utils.KindOf(err) != utils.ErrorKindNotFound {
		t.Fatalf("foreign additive delete: kind = %v, want not_found", utils.KindOf(err))
	}

	// 4) Partial rack into an empty vessel splits off a child batch:
	// 100 L source, 40 L racked, 2 L loss, 58 L remaining.
	rack, err := workflow.RackBatch(ctx, logger, &workflow.RackInput{
		BatchId:             batch.ID,
		DestinationVesselId: vesselB.ID,
		VolumeToRack:        decimal.NewFromInt(40),
		Loss:                decimal.NewFromInt(2),
		RackedAt:            time.Now().UTC().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("RackBatch(split): %v", err)
	}
	if rack.Outcome != workflow.RackOutcomeSplit {
		t.Fatalf("outcome = %s, want split", rack.Outcome)
	}
	if rack.NewBatchId == nil {
		t.Fatalf("split produced no child batch id")
	}
	batch = mustGetBatch(t, ctx, batch.ID)
	if !batch.CurrentVolume.Equal(decimal.NewFromInt(58)) {
		t.Fatalf("source volume after split = %s, want 58", batch.CurrentVolume)
	}
	child := mustGetBatch(t, ctx, *rack.NewBatchId)
	if !child.CurrentVolume.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("child volume = %s, want 40", child.CurrentVolume)
	}
	if child.VesselId == nil || *child.VesselId != vesselB.ID {
		t.Fatalf("child not placed in destination vessel")
	}

	// The child's composition fractions must renormalize to one.
	entries, err := models.GetComposition(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetComposition(child): %v", err)
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.FractionOfBatch)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.RequireFromString("0.000001")) {
		t.Fatalf("child fractions sum to %s, want 1", sum)
	}

	// Ancestry: the remainder keeps its identity and has no ancestors; the
	// child points back at it through the split transfer.
	chain, err := workflow.GetAncestorChain(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetAncestorChain(source): %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("surviving source has %d ancestors, want 0", len(chain))
	}
	chain, err = workflow.GetAncestorChain(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetAncestorChain(child): %v", err)
	}
	if len(chain) != 1 || chain[0].BatchId != batch.ID {
		t.Fatalf("child chain = %+v, want single link to batch %d", chain, batch.ID)
	}

	// The transfer row keeps the split distinguishable from a move: the
	// remainder stays under the source batch's identity.
	var transfer models.BatchTransfer
	if err := db.Where("destination_batch_id = ?", child.ID).First(&transfer).Error; err != nil {
		t.Fatalf("fetch split transfer: %v", err)
	}
	if transfer.RemainingBatchId == nil || *transfer.RemainingBatchId != batch.ID {
		t.Fatalf("split transfer remaining_batch_id = %v, want %d", transfer.RemainingBatchId, batch.ID)
	}

	// Replay the source's ledgers: 100 initial - 40 out - 2 loss = 58, clean.
	trace, err := workflow.GetVolumeTrace(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetVolumeTrace: %v", err)
	}
	if trace.HasDiscrepancy {
		t.Fatalf("unexpected discrepancy %s after split", trace.Discrepancy)
	}
	if !trace.Outflow.Equal(decimal.NewFromInt(40)) || !trace.Loss.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("trace outflow=%s loss=%s, want 40/2", trace.Outflow, trace.Loss)
	}

	// 5) Full rack into an occupied vessel merges and leaves a blended
	// gravity estimate on the target. 19 L at 1.000 into 80 L at 1.015.
	stillLot := mustCreatePurchaseItem(t, db, org.ID, "LOT-B", "80", "1.015", "3.50")
	dryLot := mustCreatePurchaseItem(t, db, org.ID, "LOT-C", "20", "1.000", "3.30")

	mergeTarget, err := workflow.TransferJuiceToTank(ctx, logger, &workflow.JuiceTransferInput{
		JuicePurchaseItemId: stillLot.ID,
		VesselId:            vesselC.ID,
		Volume:              decimal.NewFromInt(80),
		BatchName:           "Still Lot",
		TransferredAt:       time.Now().UTC().Add(-12 * time.Hour),
	})
	if err != nil {
		t.Fatalf("TransferJuiceToTank(target): %v", err)
	}
	mergeSource, err := workflow.TransferJuiceToTank(ctx, logger, &workflow.JuiceTransferInput{
		JuicePurchaseItemId: dryLot.ID,
		VesselId:            vesselD.ID,
		Volume:              decimal.NewFromInt(20),
		BatchName:           "Dry Lot",
		TransferredAt:       time.Now().UTC().Add(-12 * time.Hour),
	})
	if err != nil {
		t.Fatalf("TransferJuiceToTank(source): %v", err)
	}

	merge, err := workflow.RackBatch(ctx, logger, &workflow.RackInput{
		BatchId:             mergeSource.Batch.ID,
		DestinationVesselId: vesselC.ID,
		VolumeToRack:        decimal.NewFromInt(19),
		Loss:                decimal.NewFromInt(1),
		RackedAt:            time.Now().UTC().Add(-1 * time.Hour),
	})
	if err != nil {
		t.Fatalf("RackBatch(merge): %v", err)
	}
	if merge.Outcome != workflow.RackOutcomeFullMerge {
		t.Fatalf("outcome = %s, want full_merge", merge.Outcome)
	}

	target := mustGetBatch(t, ctx, mergeTarget.Batch.ID)
	if !target.CurrentVolume.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("merge target volume = %s, want 99", target.CurrentVolume)
	}
	source := mustGetBatch(t, ctx, mergeSource.Batch.ID)
	if source.Active() {
		t.Fatalf("fully racked source must be archived")
	}

	// (19*1.000 + 80*1.015) / 99 = 1.0121
	var blend models.Measurement
	err = db.Where("batch_id = ? AND is_estimated = true AND deleted_at IS NULL", target.ID).
		Order("id DESC").First(&blend).Error
	if err != nil {
		t.Fatalf("fetch blend estimate: %v", err)
	}
	if blend.SpecificGravity == nil || !blend.SpecificGravity.Equal(decimal.RequireFromString("1.0121")) {
		t.Fatalf("blended gravity = %v, want 1.0121", blend.SpecificGravity)
	}

	mergeRows, err := workflow.GetMergeHistory(ctx, target.ID)
	if err != nil {
		t.Fatalf("GetMergeHistory: %v", err)
	}
	if len(mergeRows) != 1 {
		t.Fatalf("merge rows = %d, want 1 (seeding must not write one)", len(mergeRows))
	}
	if !mergeRows[0].VolumeAdded.Equal(decimal.NewFromInt(19)) {
		t.Fatalf("merge volume added = %s, want 19", mergeRows[0].VolumeAdded)
	}

	// The target's trace stays clean: 80 initial + 19 merged in = 99.
	trace, err = workflow.GetVolumeTrace(ctx, target.ID)
	if err != nil {
		t.Fatalf("GetVolumeTrace(target): %v", err)
	}
	if trace.HasDiscrepancy {
		t.Fatalf("unexpected discrepancy %s after merge", trace.Discrepancy)
	}
}

func mustCreateVessel(t *testing.T, ctx context.Context, name string, capacity string) *models.Vessel {
	t.Helper()
	v, err := models.CreateVessel(ctx, &models.NewVessel{
		Name:     name,
		Capacity: decimal.RequireFromString(capacity),
		Material: "stainless",
	})
	if err != nil {
		t.Fatalf("CreateVessel(%s): %v", name, err)
	}
	return v
}

func mustCreatePurchaseItem(t *testing.T, db *gorm.DB, organizationId string, lotCode string, volume string, sg string, ph string) *models.JuicePurchaseItem {
	t.Helper()
	item := &models.JuicePurchaseItem{
		OrganizationId:  organizationId,
		VendorName:      "Orchard Co",
		LotCode:         lotCode,
		TotalVolume:     decimal.RequireFromString(volume),
		SpecificGravity: decPtrI(sg),
		Ph:              decPtrI(ph),
		TotalCost:       decimal.RequireFromString(volume),
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("create purchase item %s: %v", lotCode, err)
	}
	return item
}

func mustGetBatch(t *testing.T, ctx context.Context, id int) *models.Batch {
	t.Helper()
	b, err := models.GetBatch(ctx, id)
	if err != nil {
		t.Fatalf("GetBatch(%d): %v", id, err)
	}
	return b
}

func decPtrI(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cellar-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cellar-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=cellar_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
