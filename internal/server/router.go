package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/push"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	clientContextKey        = "celltracker_client"
	defaultStreamHeartbeat  = 25 * time.Second
	errorCodeUnauthorized   = "unauthorized"
	errorCodeForbidden      = "client_disabled"
	errorCodeInvalidRequest = "invalid_request"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingClientService  = errors.New("client service dependency required")
	errMissingLocations      = errors.New("location service dependency required")
	errMissingPlaces         = errors.New("favorite place service dependency required")
	errMissingCircleService  = errors.New("circle service dependency required")
	errMissingMessageSender  = errors.New("message sender dependency required")
)

// TokenValidator resolves a bearer token to the identity it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ClientService resolves authenticated identities and edits the caller's own record.
type ClientService interface {
	Resolve(ctx context.Context, identity string) (clients.Client, error)
	UpdatePushToken(ctx context.Context, clientID, pushToken string) (clients.Client, error)
	Disable(ctx context.Context, clientID string) error
}

// LocationService records device samples and reads the latest one.
type LocationService interface {
	Save(ctx context.Context, clientID string, info clients.DeviceInfo) (clients.DeviceInfo, error)
	Latest(ctx context.Context, client clients.Client) (clients.DeviceInfo, bool, error)
}

// PlaceService manages the caller's favorite places.
type PlaceService interface {
	Add(ctx context.Context, clientID string, place clients.FavoritePlace) (clients.FavoritePlace, error)
	Update(ctx context.Context, clientID, placeID string, place clients.FavoritePlace) (clients.FavoritePlace, error)
	Deactivate(ctx context.Context, clientID, placeID string) error
	List(ctx context.Context, clientID string) ([]clients.FavoritePlace, error)
}

// CircleService is the circle and membership surface exposed over HTTP.
type CircleService interface {
	CreateCircle(ctx context.Context, ownerID, name string) (circles.Circle, error)
	UpdateCircle(ctx context.Context, ownerID, circleID string, update circles.Circle) (circles.Circle, error)
	DeactivateCircle(ctx context.Context, ownerID, circleID string) (bool, error)
	ListCircles(ctx context.Context, clientID string) ([]circles.CircleSummary, error)
	Members(ctx context.Context, clientID, circleID string) ([]circles.Member, error)
	MemberLocationHistory(ctx context.Context, clientID, circleID, memberID string, fromMs, toMs int64) ([]clients.DeviceInfo, error)
	Join(ctx context.Context, clientID, code string) (circles.Circle, error)
	Leave(ctx context.Context, clientID, circleID string) error
	RefreshCode(ctx context.Context, ownerID, circleID string) (string, error)
}

// MessageSender accepts outgoing messages for routing and dispatch.
type MessageSender interface {
	SendMessage(ctx context.Context, fromClientID string, message messaging.OutgoingMessage) (messaging.SendResult, error)
}

// PushStream subscribes to notifications addressed to a push token.
type PushStream interface {
	Subscribe(ctx context.Context, token string) (<-chan push.Event, func())
}

// Dependencies wires the HTTP handler. Realtime and Metrics are optional.
type Dependencies struct {
	Tokens          TokenValidator
	Clients         ClientService
	Locations       LocationService
	Places          PlaceService
	Circles         CircleService
	Messages        MessageSender
	Realtime        PushStream
	Metrics         *metrics.Recorder
	AllowedOrigins  []string
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Clients == nil {
		return nil, errMissingClientService
	}
	if deps.Locations == nil {
		return nil, errMissingLocations
	}
	if deps.Places == nil {
		return nil, errMissingPlaces
	}
	if deps.Circles == nil {
		return nil, errMissingCircleService
	}
	if deps.Messages == nil {
		return nil, errMissingMessageSender
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		tokens:    deps.Tokens,
		clients:   deps.Clients,
		locations: deps.Locations,
		places:    deps.Places,
		circles:   deps.Circles,
		messages:  deps.Messages,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)

	circleRoutes := api.Group("/circles")
	circleRoutes.POST("", handler.handleCreateCircle)
	circleRoutes.GET("", handler.handleListCircles)
	circleRoutes.POST("/push", handler.handleSendMessage)
	circleRoutes.POST("/join/:code", handler.handleJoinCircle)
	circleRoutes.PUT("/:circleId", handler.handleUpdateCircle)
	circleRoutes.DELETE("/:circleId", handler.handleDeactivateCircle)
	circleRoutes.GET("/:circleId/members", handler.handleListMembers)
	circleRoutes.GET("/:circleId/members/:memberId/locationhistory", handler.handleLocationHistory)
	circleRoutes.POST("/:circleId/leave", handler.handleLeaveCircle)
	circleRoutes.POST("/:circleId/code", handler.handleRefreshCode)

	clientRoutes := api.Group("/clients/:clientId")
	clientRoutes.GET("", handler.handleGetClient)
	clientRoutes.DELETE("", handler.handleDisableClient)
	clientRoutes.PUT("/push-token", handler.handleUpdatePushToken)
	clientRoutes.POST("/deviceinfo", handler.handleRecordDeviceInfo)
	clientRoutes.GET("/favoriteplaces", handler.handleListFavoritePlaces)
	clientRoutes.POST("/favoriteplaces", handler.handleAddFavoritePlace)
	clientRoutes.PUT("/favoriteplaces/:placeId", handler.handleUpdateFavoritePlace)
	clientRoutes.DELETE("/favoriteplaces/:placeId", handler.handleDeleteFavoritePlace)

	if deps.Realtime != nil {
		api.GET("/push/stream", handler.handlePushStream)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept", "Cache-Control", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	clients   ClientService
	locations LocationService
	places    PlaceService
	circles   CircleService
	messages  MessageSender
	realtime  PushStream
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	client, err := h.clients.Resolve(c.Request.Context(), identity)
	if err != nil {
		switch {
		case errors.Is(err, clients.ErrClientDisabled):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
		case errors.Is(err, clients.ErrInvalidIdentity):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		default:
			h.respondError(c, "resolve client", err)
		}
		c.Abort()
		return
	}
	c.Set(clientContextKey, client)
	c.Next()
}

func currentClient(c *gin.Context) clients.Client {
	value, ok := c.Get(clientContextKey)
	if !ok {
		return clients.Client{}
	}
	client, _ := value.(clients.Client)
	return client
}
