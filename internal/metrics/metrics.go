package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_server_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_requests_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	// Login outcomes: success, invalid_credentials, locked, deactivated,
	// rate_limited, error
	loginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Total number of login attempts by outcome",
		},
		[]string{"outcome"},
	)

	accountLockoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_account_lockouts_total",
			Help: "Total number of accounts locked after repeated failures",
		},
	)

	tokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_validations_total",
			Help: "Total number of token validations by result",
		},
		[]string{"result"}, // valid, invalid_token, inactive_user
	)

	limiterDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_attempt_limiter_degraded_total",
			Help: "Times the attempt limiter was unavailable and the login proceeded open",
		},
	)

	auditAppendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_audit_append_failures_total",
			Help: "Total number of swallowed audit log append failures",
		},
	)

	storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Durable store operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)
)

// Init initializes the metrics
func Init() error {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		loginAttemptsTotal,
		accountLockoutsTotal,
		tokenValidationsTotal,
		limiterDegradedTotal,
		auditAppendFailuresTotal,
		storeOperationDuration,
	)

	return nil
}

// HTTPMetricsMiddleware records HTTP metrics
func HTTPMetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start).Seconds()
		method := c.Method()
		route := c.Route().Path
		if route == "" {
			route = c.Path()
		}
		statusCode := strconv.Itoa(c.Response().StatusCode())

		httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
		httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)

		return err
	}
}

// RecordLoginAttempt records a login attempt outcome
func RecordLoginAttempt(outcome string) {
	loginAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordAccountLockout records an account entering the locked state
func RecordAccountLockout() {
	accountLockoutsTotal.Inc()
}

// RecordTokenValidation records a token validation result
func RecordTokenValidation(result string) {
	tokenValidationsTotal.WithLabelValues(result).Inc()
}

// RecordLimiterDegraded records a degrade-open pass of the attempt limiter
func RecordLimiterDegraded() {
	limiterDegradedTotal.Inc()
}

// RecordAuditAppendFailure records a swallowed audit append failure
func RecordAuditAppendFailure() {
	auditAppendFailuresTotal.Inc()
}

// RecordStoreOperation records a durable store operation duration
func RecordStoreOperation(operation string, duration time.Duration) {
	storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics handler
func PrometheusHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
