package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/messaging"
	"github.com/gin-gonic/gin"
)

const (
	circleNameQueryParameter = "circlename"
	fromTimeQueryParameter   = "fromtime"
	toTimeQueryParameter     = "totime"
)

func (h *httpHandler) handleCreateCircle(c *gin.Context) {
	caller := currentClient(c)
	name := c.Query(circleNameQueryParameter)
	if strings.TrimSpace(name) == "" {
		respondInvalidRequest(c, circleNameQueryParameter+" is required")
		return
	}
	circle, err := h.circles.CreateCircle(c.Request.Context(), caller.ID, name)
	if err != nil {
		h.respondError(c, "create circle", err)
		return
	}
	c.JSON(http.StatusCreated, newCirclePayload(circle))
}

func (h *httpHandler) handleUpdateCircle(c *gin.Context) {
	caller := currentClient(c)
	var request updateCirclePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed circle payload")
		return
	}
	update := circles.Circle{
		ID:     request.CircleID,
		Name:   request.Name,
		Code:   request.Code,
		Active: *request.Active,
	}
	circle, err := h.circles.UpdateCircle(c.Request.Context(), caller.ID, c.Param("circleId"), update)
	if err != nil {
		h.respondError(c, "update circle", err)
		return
	}
	c.JSON(http.StatusOK, newCirclePayload(circle))
}

func (h *httpHandler) handleDeactivateCircle(c *gin.Context) {
	caller := currentClient(c)
	deactivated, err := h.circles.DeactivateCircle(c.Request.Context(), caller.ID, c.Param("circleId"))
	if err != nil {
		h.respondError(c, "deactivate circle", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": deactivated})
}

func (h *httpHandler) handleListCircles(c *gin.Context) {
	caller := currentClient(c)
	summaries, err := h.circles.ListCircles(c.Request.Context(), caller.ID)
	if err != nil {
		h.respondError(c, "list circles", err)
		return
	}
	response := make([]circlePayload, 0, len(summaries))
	for _, summary := range summaries {
		payload := newCirclePayload(summary.Circle)
		count := summary.MemberCount
		payload.MemberCount = &count
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	caller := currentClient(c)
	members, err := h.circles.Members(c.Request.Context(), caller.ID, c.Param("circleId"))
	if err != nil {
		h.respondError(c, "list members", err)
		return
	}
	response := make([]memberPayload, 0, len(members))
	for _, member := range members {
		response = append(response, newMemberPayload(member))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLocationHistory(c *gin.Context) {
	caller := currentClient(c)
	fromMs, err := strconv.ParseInt(c.Query(fromTimeQueryParameter), 10, 64)
	if err != nil {
		respondInvalidRequest(c, fromTimeQueryParameter+" must be epoch milliseconds")
		return
	}
	toMs, err := strconv.ParseInt(c.Query(toTimeQueryParameter), 10, 64)
	if err != nil {
		respondInvalidRequest(c, toTimeQueryParameter+" must be epoch milliseconds")
		return
	}
	samples, err := h.circles.MemberLocationHistory(c.Request.Context(), caller.ID, c.Param("circleId"), c.Param("memberId"), fromMs, toMs)
	if err != nil {
		h.respondError(c, "location history", err)
		return
	}
	response := make([]deviceInfoPayload, 0, len(samples))
	for _, sample := range samples {
		response = append(response, newDeviceInfoPayload(sample))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleJoinCircle(c *gin.Context) {
	caller := currentClient(c)
	circle, err := h.circles.Join(c.Request.Context(), caller.ID, c.Param("code"))
	if err != nil {
		h.respondError(c, "join circle", err)
		return
	}
	c.JSON(http.StatusOK, newCirclePayload(circle))
}

func (h *httpHandler) handleLeaveCircle(c *gin.Context) {
	caller := currentClient(c)
	if err := h.circles.Leave(c.Request.Context(), caller.ID, c.Param("circleId")); err != nil {
		h.respondError(c, "leave circle", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRefreshCode(c *gin.Context) {
	caller := currentClient(c)
	code, err := h.circles.RefreshCode(c.Request.Context(), caller.ID, c.Param("circleId"))
	if err != nil {
		h.respondError(c, "refresh code", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	caller := currentClient(c)
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed message payload")
		return
	}
	scope, err := messaging.ParseScope(request.Scope)
	if err != nil {
		h.respondError(c, "send message", err)
		return
	}
	messageType, err := messaging.ParseType(request.MessageType)
	if err != nil {
		h.respondError(c, "send message", err)
		return
	}
	result, err := h.messages.SendMessage(c.Request.Context(), caller.ID, messaging.OutgoingMessage{
		ToCircleID: request.ToCircleID,
		ToClientID: request.ToClientID,
		Type:       messageType,
		Scope:      scope,
		Body:       request.Message,
		DeviceInfo: request.DeviceInfo.toDeviceInfo(),
	})
	if err != nil {
		h.respondError(c, "send message", err)
		return
	}
	c.JSON(http.StatusAccepted, sendMessageResponse{
		MessageID:  result.MessageID,
		Recipients: result.Recipients,
		Reserved:   result.Reserved,
	})
}
