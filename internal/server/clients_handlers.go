package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/gin-gonic/gin"
)

const selfClientAlias = "me"

// selfClient returns the caller when the path names it, either by id or by the "me" alias.
func (h *httpHandler) selfClient(c *gin.Context) (clients.Client, bool) {
	caller := currentClient(c)
	requested := c.Param("clientId")
	if requested != selfClientAlias && requested != caller.ID {
		h.respondError(c, "client access", clients.ErrClientMismatch)
		return clients.Client{}, false
	}
	return caller, true
}

func (h *httpHandler) handleGetClient(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	payload := clientPayload{
		ClientID:     client.ID,
		Identity:     client.Identity,
		Roles:        client.RoleList(),
		Enabled:      client.Enabled,
		HasPushToken: client.PushToken != "",
	}
	latest, found, err := h.locations.Latest(c.Request.Context(), client)
	if err != nil {
		h.respondError(c, "get client", err)
		return
	}
	if found {
		info := newDeviceInfoPayload(latest)
		payload.LatestDeviceInfo = &info
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleDisableClient(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	if err := h.clients.Disable(c.Request.Context(), client.ID); err != nil {
		h.respondError(c, "disable client", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUpdatePushToken(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	var request pushTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed push token payload")
		return
	}
	if _, err := h.clients.UpdatePushToken(c.Request.Context(), client.ID, strings.TrimSpace(request.PushToken)); err != nil {
		h.respondError(c, "update push token", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRecordDeviceInfo(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	var request deviceInfoPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed device info payload")
		return
	}
	saved, err := h.locations.Save(c.Request.Context(), client.ID, request.toDeviceInfo())
	if err != nil {
		h.respondError(c, "record device info", err)
		return
	}
	c.JSON(http.StatusCreated, newDeviceInfoPayload(saved))
}
