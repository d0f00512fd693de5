// Package metrics exposes Prometheus collectors for circles, messaging and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "celltracker"

// Recorder owns a registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	circlesCreated     prometheus.Counter
	circlesDeactivated prometheus.Counter
	membershipsJoined  *prometheus.CounterVec
	membershipsLeft    prometheus.Counter
	codeRefreshes      *prometheus.CounterVec
	codeCollisions     prometheus.Counter
	messagesAccepted   *prometheus.CounterVec
	messageRecipients  prometheus.Histogram
	dispatches         *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	recipientFailures  *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewRecorder builds a Recorder on a fresh registry that also carries the Go and process collectors.
func NewRecorder() *Recorder {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		circlesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circles_created_total",
			Help:      "Total number of circles created.",
		}),
		circlesDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circles_deactivated_total",
			Help:      "Total number of circles deactivated.",
		}),
		membershipsJoined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memberships_joined_total",
			Help:      "Total number of circle joins by role.",
		}, []string{"role"}),
		membershipsLeft: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memberships_left_total",
			Help:      "Total number of circle departures.",
		}),
		codeRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circle_code_refreshes_total",
			Help:      "Total number of join code refresh requests by result.",
		}, []string{"result"}),
		codeCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circle_code_collisions_total",
			Help:      "Total number of sampled join codes that were already in use.",
		}),
		messagesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Total number of messages accepted by scope.",
		}, []string{"scope"}),
		messageRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_recipients",
			Help:      "Recipient tokens resolved per dispatched message.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_dispatches_total",
			Help:      "Total number of completed push dispatches by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_dispatch_duration_seconds",
			Help:      "Duration of push dispatches including the sent update.",
			Buckets:   prometheus.DefBuckets,
		}),
		recipientFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_recipient_failures_total",
			Help:      "Total number of per-recipient push failures by error code.",
		}, []string{"error_code"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	recorder.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.circlesCreated,
		recorder.circlesDeactivated,
		recorder.membershipsJoined,
		recorder.membershipsLeft,
		recorder.codeRefreshes,
		recorder.codeCollisions,
		recorder.messagesAccepted,
		recorder.messageRecipients,
		recorder.dispatches,
		recorder.dispatchDuration,
		recorder.recipientFailures,
		recorder.httpRequests,
		recorder.httpDuration,
	)
	return recorder
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) CircleCreated() {
	r.circlesCreated.Inc()
}

func (r *Recorder) CircleDeactivated() {
	r.circlesDeactivated.Inc()
}

func (r *Recorder) MembershipJoined(role circles.Role) {
	r.membershipsJoined.WithLabelValues(string(role)).Inc()
}

func (r *Recorder) MembershipLeft() {
	r.membershipsLeft.Inc()
}

func (r *Recorder) CodeRefreshed(rotated bool) {
	result := "kept"
	if rotated {
		result = "rotated"
	}
	r.codeRefreshes.WithLabelValues(result).Inc()
}

func (r *Recorder) CodeCollision() {
	r.codeCollisions.Inc()
}

func (r *Recorder) MessageAccepted(scope string, recipients int) {
	r.messagesAccepted.WithLabelValues(scope).Inc()
	r.messageRecipients.Observe(float64(recipients))
}

func (r *Recorder) DispatchCompleted(outcome string, duration time.Duration) {
	r.dispatches.WithLabelValues(outcome).Inc()
	r.dispatchDuration.Observe(duration.Seconds())
}

func (r *Recorder) RecipientFailed(errorCode string) {
	r.recipientFailures.WithLabelValues(errorCode).Inc()
}

// Middleware records request counts and durations keyed by the matched route.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		r.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpDuration.WithLabelValues(method, path).Observe(time.Since(started).Seconds())
	}
}
