package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/velasquezlegal/timeledger/internal/models"
	"github.com/velasquezlegal/timeledger/internal/service"
	"github.com/velasquezlegal/timeledger/internal/store"
)

// RegisterTimeEntryRoutes registers the workflow endpoints.
//
// POST /time-entries                  draft a new entry (idempotent)
// POST /time-entries/:id/submit      send a draft for review
// POST /time-entries/:id/approve     partner approval
// POST /time-entries/:id/reject      partner rejection
// GET  /time-entries/:id             fetch one entry
// GET  /time-entries?status=&limit=  list the firm's entries
//
// All endpoints require X-API-Key (principal context). Pass Idempotency-Key
// on writes so retries resolve to the original result.
func RegisterTimeEntryRoutes(r gin.IRoutes, svc *service.TimeEntryService) {
	r.POST("/time-entries", func(c *gin.Context) {
		var req models.DraftEntryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		resp, err := svc.Draft(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			respondError(c, err)
			return
		}

		// 201 for new entries, 200 for replayed retries (idempotent success).
		status := http.StatusCreated
		if resp.Replayed {
			status = http.StatusOK
		}

		c.JSON(status, resp)
	})

	r.POST("/time-entries/:id/submit", transitionHandler(svc.Submit))
	r.POST("/time-entries/:id/approve", transitionHandler(svc.Approve))
	r.POST("/time-entries/:id/reject", transitionHandler(svc.Reject))

	r.GET("/time-entries/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
			return
		}

		entry, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, models.EntryResponse{Entry: entry})
	})

	r.GET("/time-entries", func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}

			limit = n
		}

		entries, err := svc.List(c.Request.Context(), models.EntryStatus(c.Query("status")), limit)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})
}

// transitionHandler adapts one workflow transition command to an endpoint.
func transitionHandler(op func(ctx context.Context, id uuid.UUID, idempotencyKey string) (*models.EntryResponse, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
			return
		}

		resp, err := op(c.Request.Context(), id, c.GetHeader("Idempotency-Key"))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// respondError maps command-layer failures to HTTP statuses. Internals
// (outbox, relay, tenant binding) never leak: they surface as a generic
// server error.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, store.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "time entry not found"})
	case errors.Is(err, models.ErrEntryValidation), errors.Is(err, models.ErrEntryStatusInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrEntryTransitionInvalid), errors.Is(err, store.ErrEntryConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
