package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultFCMURL is the legacy FCM HTTP endpoint.
const DefaultFCMURL = "https://fcm.googleapis.com/fcm/send"

var (
	errMissingAPIKey = errors.New("push: fcm api key required")
	errFCMStatus     = errors.New("push: fcm rejected request")
)

// FCMConfig describes the legacy FCM HTTP gateway.
type FCMConfig struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// FCMGateway sends notifications through the legacy FCM HTTP API.
type FCMGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewFCMGateway validates cfg and applies defaults.
func NewFCMGateway(cfg FCMConfig) (*FCMGateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultFCMURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMGateway{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
		logger:   logger,
	}, nil
}

type fcmNotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

type fcmRequest struct {
	To              string                 `json:"to,omitempty"`
	RegistrationIDs []string               `json:"registration_ids,omitempty"`
	Notification    fcmNotificationPayload `json:"notification"`
	Data            Data                   `json:"data"`
	TimeToLive      int64                  `json:"time_to_live"`
}

type fcmResultItem struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

type fcmResponse struct {
	MulticastID int64           `json:"multicast_id"`
	Success     int             `json:"success"`
	Failure     int             `json:"failure"`
	Results     []fcmResultItem `json:"results"`
}

// Send posts one request for the notification. A single token is addressed with "to", several with
// "registration_ids".
func (g *FCMGateway) Send(ctx context.Context, notification Notification) (Result, error) {
	if len(notification.Tokens) == 0 {
		return Result{}, nil
	}
	request := fcmRequest{
		Notification: fcmNotificationPayload{
			Title: notification.Title,
			Body:  notification.Body,
			Tag:   notification.Tag,
		},
		Data:       notification.Data,
		TimeToLive: int64(notification.TTL / time.Second),
	}
	if len(notification.Tokens) == 1 {
		request.To = notification.Tokens[0]
	} else {
		request.RegistrationIDs = notification.Tokens
	}
	body, err := json.Marshal(request)
	if err != nil {
		return Result{}, fmt.Errorf("push: encode fcm request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("push: build fcm request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "key="+g.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := g.client.Do(httpRequest)
	if err != nil {
		return Result{}, fmt.Errorf("push: fcm request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return Result{}, fmt.Errorf("%w: status %d: %s", errFCMStatus, response.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded fcmResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("push: decode fcm response: %w", err)
	}

	result := Result{Recipients: make([]RecipientResult, 0, len(notification.Tokens))}
	for index, token := range notification.Tokens {
		recipient := RecipientResult{Token: token}
		if index < len(decoded.Results) {
			recipient.ErrorCode = decoded.Results[index].Error
		} else {
			recipient.ErrorCode = ErrorCodeMissingResult
		}
		if recipient.ErrorCode != "" {
			g.logger.Warn("fcm recipient failed",
				zap.String("message_id", notification.MessageID),
				zap.String("error_code", recipient.ErrorCode))
		}
		result.Recipients = append(result.Recipients, recipient)
	}
	return result, nil
}
