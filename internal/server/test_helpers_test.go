package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/database"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/push"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type sequenceIDProvider struct {
	prefix string
	next   atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", p.prefix, p.next.Add(1)), nil
}

type serverFixture struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	hub        *push.RealtimeHub
	dispatcher *messaging.Dispatcher
	directory  *clients.Directory
	recorder   *metrics.Recorder
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	directory, err := clients.NewDirectory(clients.DirectoryConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{prefix: "client"},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	locations, err := clients.NewLocationStore(clients.LocationStoreConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{prefix: "sample"},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create location store: %v", err)
	}
	places, err := clients.NewPlaceStore(clients.PlaceStoreConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{prefix: "place"},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create place store: %v", err)
	}
	recorder := metrics.NewRecorder()
	circleStore := circles.NewGormStore(db)
	manager, err := circles.NewManager(circles.ManagerConfig{
		Circles:     circleStore,
		Memberships: circleStore,
		Clients:     directory,
		Locations:   locations,
		Logger:      logger,
		Observer:    recorder,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	hub := push.NewRealtimeHub()
	messages := messaging.NewGormStore(db)
	dispatcher, err := messaging.NewDispatcher(messaging.DispatcherConfig{
		Gateway:  hub,
		Messages: messages,
		Timeout:  2 * time.Second,
		Logger:   logger,
		Observer: recorder,
	})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(dispatcher.Wait)
	router, err := messaging.NewRouter(messaging.RouterConfig{
		Clients:     directory,
		Locations:   locations,
		Memberships: circleStore,
		Messages:    messages,
		Scheduler:   dispatcher,
		IDProvider:  &sequenceIDProvider{prefix: "message"},
		Logger:      logger,
		Observer:    recorder,
	})
	if err != nil {
		t.Fatalf("failed to create message router: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "celltracker-auth",
		Audience:      "celltracker-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:          issuer,
		Clients:         directory,
		Locations:       locations,
		Places:          places,
		Circles:         manager,
		Messages:        router,
		Realtime:        hub,
		Metrics:         recorder,
		StreamHeartbeat: time.Hour,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &serverFixture{
		handler:    handler,
		issuer:     issuer,
		hub:        hub,
		dispatcher: dispatcher,
		directory:  directory,
		recorder:   recorder,
	}
}

func (f *serverFixture) tokenFor(t *testing.T, identity string) string {
	t.Helper()
	token, _, err := f.issuer.IssueClientToken(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to issue token for %s: %v", identity, err)
	}
	return token
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}

func expectErrorCode(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, recorder, status)
	var body map[string]interface{}
	decodeJSON(t, recorder, &body)
	if body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body)
	}
}
