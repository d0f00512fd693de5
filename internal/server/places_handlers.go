package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListFavoritePlaces(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	places, err := h.places.List(c.Request.Context(), client.ID)
	if err != nil {
		h.respondError(c, "list favorite places", err)
		return
	}
	response := make([]favoritePlacePayload, 0, len(places))
	for _, place := range places {
		response = append(response, newFavoritePlacePayload(place))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleAddFavoritePlace(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	var request favoritePlacePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed favorite place payload")
		return
	}
	added, err := h.places.Add(c.Request.Context(), client.ID, clients.FavoritePlace{
		TagName:   request.TagName,
		Latitude:  request.Latitude,
		Longitude: request.Longitude,
	})
	if err != nil {
		h.respondError(c, "add favorite place", err)
		return
	}
	c.JSON(http.StatusCreated, newFavoritePlacePayload(added))
}

func (h *httpHandler) handleUpdateFavoritePlace(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	var request favoritePlacePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "malformed favorite place payload")
		return
	}
	if request.Active == nil {
		respondInvalidRequest(c, "active is required")
		return
	}
	placeID := c.Param("placeId")
	if request.FavoritePlaceID != "" && request.FavoritePlaceID != placeID {
		respondInvalidRequest(c, "favoritePlaceId does not match the path")
		return
	}
	updated, err := h.places.Update(c.Request.Context(), client.ID, placeID, clients.FavoritePlace{
		TagName:   request.TagName,
		Latitude:  request.Latitude,
		Longitude: request.Longitude,
		Active:    *request.Active,
	})
	if err != nil {
		h.respondError(c, "update favorite place", err)
		return
	}
	c.JSON(http.StatusOK, newFavoritePlacePayload(updated))
}

func (h *httpHandler) handleDeleteFavoritePlace(c *gin.Context) {
	client, ok := h.selfClient(c)
	if !ok {
		return
	}
	if err := h.places.Deactivate(c.Request.Context(), client.ID, c.Param("placeId")); err != nil {
		h.respondError(c, "delete favorite place", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
