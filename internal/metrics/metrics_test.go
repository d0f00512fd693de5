package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/messaging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ circles.Observer           = (*Recorder)(nil)
	_ messaging.RouterObserver   = (*Recorder)(nil)
	_ messaging.DispatchObserver = (*Recorder)(nil)
)

func TestRecorderCountsDomainEvents(t *testing.T) {
	recorder := NewRecorder()

	recorder.CircleCreated()
	recorder.MembershipJoined(circles.RoleOwner)
	recorder.MembershipJoined(circles.RoleMember)
	recorder.MembershipJoined(circles.RoleMember)
	recorder.CodeRefreshed(false)
	recorder.CodeRefreshed(true)
	recorder.MessageAccepted(string(messaging.ScopeCircle), 3)
	recorder.DispatchCompleted(messaging.OutcomePartial, 20*time.Millisecond)
	recorder.RecipientFailed("NotRegistered")

	if got := testutil.ToFloat64(recorder.circlesCreated); got != 1 {
		t.Fatalf("expected 1 circle created, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.membershipsJoined.WithLabelValues("MEMBER")); got != 2 {
		t.Fatalf("expected 2 member joins, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.codeRefreshes.WithLabelValues("rotated")); got != 1 {
		t.Fatalf("expected 1 rotation, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.messagesAccepted.WithLabelValues("CIRCLE")); got != 1 {
		t.Fatalf("expected 1 circle message, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.dispatches.WithLabelValues("partial")); got != 1 {
		t.Fatalf("expected 1 partial dispatch, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.recipientFailures.WithLabelValues("NotRegistered")); got != 1 {
		t.Fatalf("expected 1 recipient failure, got %v", got)
	}
}

func TestMiddlewareRecordsMatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := NewRecorder()
	router := gin.New()
	router.Use(recorder.Middleware())
	router.GET("/api/circles/:circleId/members", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/metrics", gin.WrapH(recorder.Handler()))

	for _, path := range []string{"/api/circles/a/members", "/api/circles/b/members", "/missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("GET", "/api/circles/:circleId/members", "200")); got != 2 {
		t.Fatalf("expected 2 matched requests, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", got)
	}

	response := httptest.NewRecorder()
	router.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if response.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint to respond, got %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), "celltracker_http_requests_total") {
		t.Fatalf("expected exposition to include request counter")
	}
}
