// Package api serves health, status and Prometheus metrics while a
// harvest runs.
package api

import (
	"net/http"
	"time"

	"github.com/Sternrassler/wikidata-harvest/internal/staging"
	"github.com/gin-gonic/gin"
)

// StatusSource reports the staging state. *staging.Dir implements it.
type StatusSource interface {
	Status() (staging.Status, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	source    StatusSource
	startedAt time.Time
}

// NewHandler creates a new API handler.
func NewHandler(source StatusSource) *Handler {
	return &Handler{
		source:    source,
		startedAt: time.Now(),
	}
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	staging.Status
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// Ready handles GET /ready: 200 once the staging directory can be read.
func (h *Handler) Ready(c *gin.Context) {
	if _, err := h.source.Status(); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, "READY")
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.source.Status()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to read staging status"})
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Status:    status,
		StartedAt: h.startedAt.UTC(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	})
}
