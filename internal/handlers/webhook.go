package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"storyrun-backend/internal/models"
)

type BuildWebhookProcessor interface {
	HandleBuildWebhook(ctx context.Context, event models.VideoBuildWebhookEvent) (bool, error)
}

type WebhookHandler struct {
	processor BuildWebhookProcessor
}

func NewWebhookHandler(processor BuildWebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// HandleVideoBuild godoc
// @Summary     Video build webhook endpoint
// @Description Receives build status callbacks from the render pipeline. Requests are signed with HMAC-SHA256 over "timestamp.body".
// @Tags        webhooks
// @Accept      json
// @Produce     json
// @Param       X-Webhook-Timestamp header string true "Unix timestamp"
// @Param       X-Webhook-Signature header string true "Hex HMAC-SHA256 signature"
// @Param       event body models.VideoBuildWebhookEvent true "Build event"
// @Success     200 {object} map[string]string "status"
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /webhooks/video-build [post]
func (h *WebhookHandler) HandleVideoBuild(c *gin.Context) {
	var event models.VideoBuildWebhookEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   models.CodeValidation,
			Message: "invalid webhook payload",
		})
		return
	}

	applied, err := h.processor.HandleBuildWebhook(c.Request.Context(), event)
	if err != nil {
		writeError(c, err)
		return
	}

	status := "ignored"
	if applied {
		status = "applied"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
