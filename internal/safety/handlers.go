package safety

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/logging"
	"github.com/kindlingapp/kindling/internal/pagination"
	"github.com/kindlingapp/kindling/internal/traces"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Handlers exposes the escalation engine over HTTP.
type Handlers struct {
	coordinator *Coordinator
	store       Store
	clock       clock.Clock
}

// NewHandlers creates the safety HTTP handlers.
func NewHandlers(coordinator *Coordinator, store Store, clk clock.Clock) *Handlers {
	return &Handlers{coordinator: coordinator, store: store, clock: clk}
}

// Register mounts the safety routes on the given group.
func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.POST("/safety/incidents", h.TriggerIncident)
	rg.GET("/safety/incidents/:id", h.GetIncident)
	rg.POST("/safety/incidents/:id/resolve", h.ResolveIncident)
	rg.POST("/safety/check-ins", h.ScheduleCheckIn)
}

// RegisterUserRoutes mounts the per-user safety routes. The group is expected
// to validate the :userId parameter.
func (h *Handlers) RegisterUserRoutes(rg *gin.RouterGroup) {
	rg.GET("/incidents", h.ListUserIncidents)
	rg.GET("/lock", h.GetUserLock)
}

// TriggerIncident files a safety incident and runs the escalation protocol.
// Anything past validation returns 200 with success=true; a degraded
// escalation is indicated by fallbackUsed, never by an error status.
func (h *Handlers) TriggerIncident(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "safety.trigger_incident")
	defer span.End()

	var input IncidentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	span.SetAttributes(traces.UserID(input.UserID), traces.IncidentType(string(input.Type)))

	result, err := h.coordinator.Handle(ctx, &input)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_incident",
				"message": err.Error(),
			})
			return
		}
		// Unreachable by design; the coordinator fails open after validation.
		logging.L(ctx).Error("unexpected escalation error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "escalation failed",
		})
		return
	}

	span.SetAttributes(traces.IncidentID(result.IncidentID), traces.EscalationLevel(result.Level.String()))
	c.JSON(http.StatusOK, result)
}

// GetIncident returns an incident with its notification audit trail.
func (h *Handlers) GetIncident(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	inc, err := h.store.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "incident_not_found",
				"message": "no incident with that id",
			})
			return
		}
		logging.L(ctx).Error("failed to load incident", "incident_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load incident",
		})
		return
	}

	notifications, err := h.store.ListNotifications(ctx, id)
	if err != nil {
		logging.L(ctx).Error("failed to load notifications", "incident_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load notifications",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"incident":      inc,
		"notifications": notifications,
	})
}

// ResolveIncident marks an open incident resolved. Resolving an already
// resolved incident is a no-op success.
func (h *Handlers) ResolveIncident(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	inc, err := h.coordinator.Resolve(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "incident_not_found",
				"message": "no incident with that id",
			})
			return
		}
		logging.L(ctx).Error("failed to resolve incident", "incident_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to resolve incident",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"incident": inc})
}

// ListUserIncidents returns a user's incidents newest-first with cursor
// pagination.
func (h *Handlers) ListUserIncidents(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	var before time.Time
	var beforeID string
	if cursor != nil {
		before = cursor.CreatedAt
		beforeID = cursor.ID
	}

	incidents, err := h.store.ListIncidentsByUser(ctx, userID, limit+1, before, beforeID)
	if err != nil {
		logging.L(ctx).Error("failed to list incidents", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list incidents",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(incidents, limit, func(inc *Incident) (time.Time, string) {
		return inc.CreatedAt, inc.ID
	})
	if page == nil {
		page = []*Incident{}
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents":  page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetUserLock returns the user's active safety lock, if any.
func (h *Handlers) GetUserLock(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	lock, err := h.store.GetActiveLock(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"locked": false})
			return
		}
		logging.L(ctx).Error("failed to load lock", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load lock",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"locked": true, "lock": lock})
}

type scheduleCheckInRequest struct {
	UserID            string   `json:"userId"`
	IntervalMinutes   int      `json:"intervalMinutes"`
	EmergencyContacts []string `json:"emergencyContacts"`
	TrustedFriends    []string `json:"trustedFriends"`
}

// ScheduleCheckIn registers a safety check-in schedule. Missed deadlines are
// escalated by the watcher.
func (h *Handlers) ScheduleCheckIn(c *gin.Context) {
	ctx := c.Request.Context()

	var req scheduleCheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	probe := &IncidentInput{
		UserID:            req.UserID,
		Type:              IncidentCheckInMissed,
		EmergencyContacts: req.EmergencyContacts,
		TrustedFriends:    req.TrustedFriends,
	}
	if err := h.coordinator.validate(probe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_check_in",
			"message": err.Error(),
		})
		return
	}

	ci, err := ScheduleCheckIn(ctx, h.store, h.clock, req.UserID, req.IntervalMinutes, req.EmergencyContacts, req.TrustedFriends)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_check_in",
				"message": err.Error(),
			})
			return
		}
		logging.L(ctx).Error("failed to schedule check-in", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to schedule check-in",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"checkIn": ci})
}
