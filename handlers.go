package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/models"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"bitbucket.org/orchardledger/cellar_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// sessionMiddleware resolves the caller's identity from headers set by the
// auth proxy in front of this service and attaches it to the request context.
// Mutating requests are serialized per organization through a redis lock.
// The lock is a best-effort optimization: correctness does not depend on
// redis, vessel mutations are also serialized via MySQL advisory locks.
func sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId := c.GetHeader("x-organization-id")
		if organizationId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-organization-id header is required"})
			return
		}
		userId, _ := strconv.Atoi(c.GetHeader("x-user-id"))
		userName := c.GetHeader("x-user-name")

		ctx := c.Request.Context()
		ctx = utils.SetOrganizationIdInContext(ctx, organizationId)
		ctx = utils.SetUserIdInContext(ctx, userId)
		ctx = utils.SetUserNameInContext(ctx, userName)
		c.Request = c.Request.WithContext(ctx)

		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			locker := config.GetRedisLock()
			if locker != nil {
				lock, err := locker.Obtain(ctx, fmt.Sprintf("org:%s", organizationId), 30*time.Second, nil)
				if err == redislock.ErrNotObtained {
					c.AbortWithStatusJSON(http.StatusConflict,
						gin.H{"error": "another operation for this organization is in progress", "kind": utils.ErrorKindConflict})
					return
				} else if err != nil {
					config.LogError(config.GetLogger(), "handlers.go", "sessionMiddleware", "ObtainOrgLock", organizationId, err)
				} else {
					defer func() { _ = lock.Release(ctx) }()
				}
			}
		}

		c.Next()
	}
}

func statusForKind(kind utils.ErrorKind) int {
	switch kind {
	case utils.ErrorKindNotFound:
		return http.StatusNotFound
	case utils.ErrorKindBadRequest:
		return http.StatusBadRequest
	case utils.ErrorKindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(validationErrors)})
		return
	}
	kind := utils.KindOf(err)
	body := gin.H{"error": err.Error(), "kind": kind}
	if kind == utils.ErrorKindInternal {
		// Internal detail stays in the logs.
		body = gin.H{"error": "internal error", "kind": kind}
	}
	c.JSON(statusForKind(kind), body)
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func settingsForRequest(c *gin.Context) (*models.OrganizationSettings, bool) {
	organizationId, _ := utils.GetOrganizationIdFromContext(c.Request.Context())
	settings, err := models.GetOrganizationSettings(c.Request.Context(), organizationId)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return settings, true
}

/* measurements */

func addMeasurementHandler(c *gin.Context) {
	var input workflow.NewMeasurement
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	settings, ok := settingsForRequest(c)
	if !ok {
		return
	}
	m, err := workflow.AddMeasurement(c.Request.Context(), config.GetLogger(), settings, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func updateMeasurementHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.UpdateMeasurementInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	m, err := workflow.UpdateMeasurement(c.Request.Context(), config.GetLogger(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func deleteMeasurementHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := workflow.DeleteMeasurement(c.Request.Context(), config.GetLogger(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

/* additives */

func addAdditiveHandler(c *gin.Context) {
	var input workflow.NewAdditive
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	a, err := workflow.AddAdditive(c.Request.Context(), config.GetLogger(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func updateAdditiveHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.UpdateAdditiveInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	a, err := workflow.UpdateAdditive(c.Request.Context(), config.GetLogger(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func deleteAdditiveHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := workflow.DeleteAdditive(c.Request.Context(), config.GetLogger(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

/* racking, filtering, packaging */

func rackBatchHandler(c *gin.Context) {
	var input workflow.RackInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	result, err := workflow.RackBatch(c.Request.Context(), config.GetLogger(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func updateRackingHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.UpdateRackingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	op, err := workflow.UpdateRacking(c.Request.Context(), config.GetLogger(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func filterBatchHandler(c *gin.Context) {
	var input workflow.FilterInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	op, err := workflow.FilterBatch(c.Request.Context(), config.GetLogger(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func updateFilterHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.UpdateFilterInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	op, err := workflow.UpdateFilter(c.Request.Context(), config.GetLogger(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func packageBatchHandler(c *gin.Context) {
	var input workflow.PackageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	op, err := workflow.PackageBatch(c.Request.Context(), config.GetLogger(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

/* intake */

func transferJuiceToTankHandler(c *gin.Context) {
	var input workflow.JuiceTransferInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	result, err := workflow.TransferJuiceToTank(c.Request.Context(), config.GetLogger(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func createFromJuicePurchaseHandler(c *gin.Context) {
	var input workflow.JuiceTransferInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	batch, err := workflow.CreateFromJuicePurchase(c.Request.Context(), config.GetLogger(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func createFruitWineBatchHandler(c *gin.Context) {
	var input workflow.FruitWineBatchInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	batch, err := workflow.CreateFruitWineBatch(c.Request.Context(), config.GetLogger(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

/* batches */

func createLegacyBatchHandler(c *gin.Context) {
	var input models.NewLegacyBatch
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	batch, err := models.CreateLegacyBatch(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func updateBatchHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.UpdateBatchInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	batch, err := workflow.UpdateBatch(c.Request.Context(), config.GetLogger(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func deleteBatchHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := workflow.DeleteBatch(c.Request.Context(), config.GetLogger(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func getBatchHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	batch, err := models.GetBatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func listBatchesHandler(c *gin.Context) {
	var status *models.BatchStatus
	if s := c.Query("status"); s != "" {
		var parsed models.BatchStatus
		if err := parsed.UnmarshalText([]byte(s)); err != nil {
			respondError(c, utils.NewBadRequestError("invalid status filter"))
			return
		}
		status = &parsed
	}
	includeArchived := c.Query("include_archived") == "true"
	batches, err := models.GetBatches(c.Request.Context(), status, includeArchived)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

/* read views */

func getCompositionHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	entries, err := models.GetComposition(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func getHistoryHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	history, err := workflow.GetHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func getActivityHistoryHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	history, err := workflow.GetActivityHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func getMergeHistoryHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	merges, err := workflow.GetMergeHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, merges)
}

func getAncestryHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	chain, err := workflow.GetAncestorChain(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

func getVolumeTraceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	trace, err := workflow.GetVolumeTrace(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

func getFermentationProgressHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	settings, ok := settingsForRequest(c)
	if !ok {
		return
	}
	progress, err := workflow.GetFermentationProgress(c.Request.Context(), config.GetLogger(), settings, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func getBatchTraceReportHandler(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		respondError(c, utils.NewBadRequestError("from must be an RFC3339 timestamp"))
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		respondError(c, utils.NewBadRequestError("to must be an RFC3339 timestamp"))
		return
	}
	report, err := workflow.GetBatchTraceReport(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

/* vessels and settings */

func createVesselHandler(c *gin.Context) {
	var input models.NewVessel
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	vessel, err := models.CreateVessel(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vessel)
}

func listVesselsHandler(c *gin.Context) {
	vessels, err := models.GetVessels(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, vessels)
}

func getSettingsHandler(c *gin.Context) {
	settings, ok := settingsForRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, settings)
}

func updateSettingsHandler(c *gin.Context) {
	var input models.UpdateOrganizationSettingsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	organizationId, _ := utils.GetOrganizationIdFromContext(c.Request.Context())
	settings, err := models.UpdateOrganizationSettings(c.Request.Context(), organizationId, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}
