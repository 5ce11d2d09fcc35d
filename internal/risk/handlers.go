package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kindlingapp/kindling/internal/logging"
	"github.com/kindlingapp/kindling/internal/traces"
)

const defaultHistoryLimit = 20

// Handlers exposes risk assessment over HTTP.
type Handlers struct {
	scorer     *Scorer
	store      Store
	automation *Automation
}

// NewHandlers creates the risk HTTP handlers. automation may be nil.
func NewHandlers(scorer *Scorer, store Store, automation *Automation) *Handlers {
	return &Handlers{scorer: scorer, store: store, automation: automation}
}

// Register mounts the risk routes on a per-user group. The group is expected
// to validate the :userId parameter.
func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.GET("/risk", h.AssessUser)
	rg.GET("/risk/history", h.RiskHistory)
}

// AssessUser computes a fresh assessment for the user and applies the risk
// automation to the result.
func (h *Handlers) AssessUser(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "risk.assess_user")
	defer span.End()

	userID := c.Param("userId")
	span.SetAttributes(traces.UserID(userID))

	assessment, err := h.scorer.Assess(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "user_not_found",
				"message": "no account data for that user",
			})
			return
		}
		logging.L(ctx).Error("risk assessment failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "risk assessment failed",
		})
		return
	}

	if h.automation != nil {
		h.automation.Apply(ctx, assessment)
	}

	c.JSON(http.StatusOK, assessment)
}

// RiskHistory returns recent stored assessments, newest first.
func (h *Handlers) RiskHistory(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	history, err := h.store.ListByUser(ctx, userID, limit)
	if err != nil {
		logging.L(ctx).Error("failed to list assessments", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list assessments",
		})
		return
	}
	if history == nil {
		history = []*Assessment{}
	}

	c.JSON(http.StatusOK, gin.H{"assessments": history})
}
