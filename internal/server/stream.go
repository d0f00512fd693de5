package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/push"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventNotification = "notification"
	streamEventHeartbeat    = "heartbeat"
	streamSource            = "celltracker-backend"
)

type streamNotificationPayload struct {
	MessageID string    `json:"messageId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tag       string    `json:"tag"`
	Data      push.Data `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

// handlePushStream holds a server-sent event stream open for the caller's registered push token.
func (h *httpHandler) handlePushStream(c *gin.Context) {
	caller := currentClient(c)
	if caller.PushToken == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "push_token_required"})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, caller.PushToken)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("push stream opened", zap.String("client_id", caller.ID))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(streamEventNotification, streamNotificationPayload{
				MessageID: event.MessageID,
				Title:     event.Title,
				Body:      event.Body,
				Tag:       event.Tag,
				Data:      event.Data,
				Timestamp: event.Timestamp.UnixMilli(),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"source": streamSource, "timestamp": tick.UTC().UnixMilli()})
			return true
		}
	})
	h.logger.Debug("push stream closed", zap.String("client_id", caller.ID))
}
