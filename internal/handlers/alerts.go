package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/models"
	"github.com/franzego/guardwire/internal/notify"
	"github.com/franzego/guardwire/internal/subscription"
)

// AlertHandler is the detector-facing API: typed alert ingestion plus
// guardian preference management.
type AlertHandler struct {
	orch *notify.Orchestrator
	subs *subscription.Table
	log  *zap.Logger
}

func NewAlertHandler(orch *notify.Orchestrator, subs *subscription.Table, log *zap.Logger) *AlertHandler {
	return &AlertHandler{orch: orch, subs: subs, log: log}
}

func correlationID(c *gin.Context) string {
	id, _ := c.Get("correlation_id")
	s, _ := id.(string)
	return s
}

func (h *AlertHandler) SendSafetyAlert(c *gin.Context) {
	var req models.SafetyAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	event := models.SafetyEvent{
		ChildID:        req.ChildID,
		SafetyScore:    req.SafetyScore,
		DetectedIssues: req.DetectedIssues,
		Context:        req.Context,
	}
	result, err := h.orch.SendSafetyAlert(c.Request.Context(), event, correlationID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Guardian not resolved",
		})
		return
	}
	h.respondQueued(c, result)
}

func (h *AlertHandler) SendBehaviorAlert(c *gin.Context) {
	var req models.BehaviorAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	result, err := h.orch.SendBehaviorAlert(c.Request.Context(),
		req.ChildID, req.Behavior, req.Description, req.Context, correlationID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Guardian not resolved",
		})
		return
	}
	h.respondQueued(c, result)
}

func (h *AlertHandler) SendUsageLimitAlert(c *gin.Context) {
	var req models.UsageLimitAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	result, err := h.orch.SendUsageLimitAlert(c.Request.Context(),
		req.ChildID, req.LimitType, req.UsedMinutes, req.CapMinutes, correlationID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Guardian not resolved",
		})
		return
	}
	h.respondQueued(c, result)
}

func (h *AlertHandler) SendEmergencyAlert(c *gin.Context) {
	var req models.EmergencyAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	result, err := h.orch.SendEmergencyAlert(c.Request.Context(),
		req.GuardianID, req.ChildID, req.EmergencyType, req.Details, correlationID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Guardian not resolved",
		})
		return
	}
	h.respondQueued(c, result)
}

// GetDeliveryResult looks up the recorded result for a request id.
func (h *AlertHandler) GetDeliveryResult(c *gin.Context) {
	requestID := c.Param("id")
	result, ok := h.orch.Result(requestID)
	if !ok {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   "unknown request id",
			Message: "Not Found",
		})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Delivery result",
		Data:    result,
	})
}

// SetPreferences replaces a guardian's subscribed alert types.
func (h *AlertHandler) SetPreferences(c *gin.Context) {
	guardianID := c.Param("guardianId")
	var req models.PreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	h.subs.SetPreferences(c.Request.Context(), guardianID, req.AlertTypes)
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Preferences updated",
		Data:    gin.H{"guardian_id": guardianID, "alert_types": req.AlertTypes},
	})
}

// MapChild routes a child's events to a guardian.
func (h *AlertHandler) MapChild(c *gin.Context) {
	guardianID := c.Param("guardianId")
	var req models.MapChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	h.subs.MapChild(c.Request.Context(), req.ChildID, guardianID)
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Child mapped",
		Data:    gin.H{"guardian_id": guardianID, "child_id": req.ChildID},
	})
}

func (h *AlertHandler) respondQueued(c *gin.Context, result *models.DeliveryResult) {
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Alert processed",
		Data: models.AlertResponse{
			RequestID: result.RequestID,
			Status:    result.OverallStatus,
			Severity:  severityOfResult(h.orch, result.RequestID),
			QueuedAt:  result.CompletedAt,
		},
	})
}

func severityOfResult(orch *notify.Orchestrator, requestID string) models.Severity {
	if req, ok := orch.Request(requestID); ok {
		return req.Severity
	}
	return ""
}
