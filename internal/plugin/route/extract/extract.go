// Package extract mounts the batch-extraction REST endpoints.
package extract

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"github.com/recallhq/user-memory-service/internal/service"
)

// MountRoutes mounts the extraction trigger and batch lifecycle endpoints.
func MountRoutes(r *gin.Engine, orch *service.Orchestrator) {
	g := r.Group("/v1")

	g.POST("/extract", func(c *gin.Context) { startExtraction(c, orch) })
	g.GET("/extract/batches/:id", func(c *gin.Context) { getBatch(c, orch) })
	g.POST("/extract/batches/:id/cancel", func(c *gin.Context) { cancelBatch(c, orch) })
}

func startExtraction(c *gin.Context, orch *service.Orchestrator) {
	var payload service.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := orch.StartBatch(c.Request.Context(), payload)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func getBatch(c *gin.Context, orch *service.Orchestrator) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
		return
	}
	agg, err := orch.Status(c.Request.Context(), batchID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func cancelBatch(c *gin.Context, orch *service.Orchestrator) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
		return
	}
	batch, err := orch.CancelBatch(c.Request.Context(), batchID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("extract route error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
