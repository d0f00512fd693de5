package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/messaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: circles.ErrCircleNotFound, status: http.StatusNotFound, code: "circle_not_found"},
	{target: circles.ErrMemberNotFound, status: http.StatusNotFound, code: "member_not_found"},
	{target: circles.ErrCircleCodeNotFound, status: http.StatusNotFound, code: "circle_code_not_found"},
	{target: clients.ErrClientNotFound, status: http.StatusNotFound, code: "client_not_found"},
	{target: messaging.ErrMessageNotFound, status: http.StatusNotFound, code: "message_not_found"},
	{target: clients.ErrFavoritePlaceNotFound, status: http.StatusNotFound, code: "favorite_place_not_found"},
	{target: circles.ErrCircleAlreadyExists, status: http.StatusConflict, code: "circle_already_exists"},
	{target: circles.ErrCircleCodeTaken, status: http.StatusConflict, code: "circle_code_taken"},
	{target: circles.ErrIdentifierMismatch, status: http.StatusBadRequest, code: "identifier_mismatch"},
	{target: clients.ErrClientMismatch, status: http.StatusBadRequest, code: "client_mismatch"},
	{target: circles.ErrInvalidCircleName, status: http.StatusBadRequest, code: "invalid_circle_name"},
	{target: circles.ErrInvalidCircleCode, status: http.StatusBadRequest, code: "invalid_circle_code"},
	{target: circles.ErrInvalidTimeRange, status: http.StatusBadRequest, code: "invalid_time_range"},
	{target: clients.ErrInvalidFavoritePlace, status: http.StatusBadRequest, code: "invalid_favorite_place"},
	{target: messaging.ErrInvalidScope, status: http.StatusBadRequest, code: "invalid_scope"},
	{target: messaging.ErrInvalidType, status: http.StatusBadRequest, code: "invalid_message_type"},
	{target: messaging.ErrBodyTooLong, status: http.StatusBadRequest, code: "message_too_long"},
	{target: clients.ErrClientDisabled, status: http.StatusForbidden, code: errorCodeForbidden},
	{target: circles.ErrCodeSpaceExhausted, status: http.StatusServiceUnavailable, code: "code_space_exhausted"},
}

// respondError writes the status mapped from err. Unmapped errors are logged and reported as 500
// carrying the service error code when one exists.
func (h *httpHandler) respondError(c *gin.Context, action string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			c.JSON(mapping.status, gin.H{"error": mapping.code})
			return
		}
	}
	code := apperr.CodeOf(err)
	h.logger.Error("request failed",
		zap.String("action", action),
		zap.String("path", c.FullPath()),
		zap.String("code", code),
		zap.Error(err),
	)
	body := gin.H{"error": "internal_error"}
	if code != "" {
		body["code"] = code
	}
	c.JSON(http.StatusInternalServerError, body)
}

func respondInvalidRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "detail": detail})
}
