package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/orchardledger/cellar_backend/config"
	"bitbucket.org/orchardledger/cellar_backend/models"
	"bitbucket.org/orchardledger/cellar_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("cellar-backend")

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(ctx, cid))
		c.Header("x-correlation-id", cid)
		c.Next()
	}
}

func readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func setupRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(readinessGate())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization",
		"x-organization-id", "x-user-id", "x-user-name", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(sessionMiddleware())
	r.Use(gin.Recovery())

	r.POST("/measurements", addMeasurementHandler)
	r.PUT("/measurements/:id", updateMeasurementHandler)
	r.DELETE("/measurements/:id", deleteMeasurementHandler)

	r.POST("/additives", addAdditiveHandler)
	r.PUT("/additives/:id", updateAdditiveHandler)
	r.DELETE("/additives/:id", deleteAdditiveHandler)

	r.POST("/batches/rack", rackBatchHandler)
	r.POST("/batches/filter", filterBatchHandler)
	r.POST("/batches/package", packageBatchHandler)
	r.PUT("/rackings/:id", updateRackingHandler)
	r.PUT("/filters/:id", updateFilterHandler)

	r.POST("/juice-transfers", transferJuiceToTankHandler)
	r.POST("/batches/from-juice-purchase", createFromJuicePurchaseHandler)
	r.POST("/batches/fruit-wine", createFruitWineBatchHandler)

	r.POST("/batches", createLegacyBatchHandler)
	r.GET("/batches", listBatchesHandler)
	r.GET("/batches/:id", getBatchHandler)
	r.PUT("/batches/:id", updateBatchHandler)
	r.DELETE("/batches/:id", deleteBatchHandler)

	r.GET("/batches/:id/composition", getCompositionHandler)
	r.GET("/batches/:id/history", getHistoryHandler)
	r.GET("/batches/:id/activity", getActivityHistoryHandler)
	r.GET("/batches/:id/merges", getMergeHistoryHandler)
	r.GET("/batches/:id/ancestry", getAncestryHandler)
	r.GET("/batches/:id/volume-trace", getVolumeTraceHandler)
	r.GET("/batches/:id/fermentation-progress", getFermentationProgressHandler)
	r.GET("/reports/batch-trace", getBatchTraceReportHandler)

	r.POST("/vessels", createVesselHandler)
	r.GET("/vessels", listVesselsHandler)

	r.GET("/settings", getSettingsHandler)
	r.PUT("/settings", updateSettingsHandler)

	return r
}

func main() {
	_ = godotenv.Load()

	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Open the port first; the readiness gate returns 503 until the database
	// connection below succeeds.
	r := setupRouter(logger)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	log.Println("Server started on port " + port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
