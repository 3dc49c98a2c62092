// Package ingressapi exposes the HTTP surface a run listens on for the
// agent under test: the OTLP/HTTP traces endpoint and a health check.
package ingressapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/evalharness/internal/ingest"
	"github.com/codeready-toolchain/evalharness/internal/store"
)

// NewRouter builds the Gin engine for one run's OTLP receiver.
func NewRouter(ingestor *ingest.Ingestor, st *store.Store, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/v1/traces", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		spans, err := ingest.DecodeExportRequest(body)
		if err != nil {
			log.Warn("ingressapi: failed to decode OTLP export request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid otlp payload"})
			return
		}

		for _, span := range spans {
			ingestor.Ingest(c.Request.Context(), span)
		}

		c.JSON(http.StatusOK, gin.H{"partialSuccess": gin.H{}})
	})

	router.GET("/healthz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := store.Health(reqCtx, st.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
	})

	return router
}
