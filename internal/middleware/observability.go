package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/internal/observability"
)

// Request surfaces used as the "surface" metric label.
const (
	SurfaceRecords   = "records"
	SurfaceHealth    = "health"
	SurfacePolling   = "polling"
	SurfaceWebSocket = "websocket"
)

// RequestSurface classifies a request path. Paths outside the record API and
// the realtime transports (metrics scrapes, CORS preflight noise) are untracked.
func RequestSurface(path string) (string, bool) {
	switch {
	case path == "/api/health":
		return SurfaceHealth, true
	case strings.HasPrefix(path, "/api/"):
		return SurfaceRecords, true
	case strings.HasPrefix(path, "/realtime/polling"):
		return SurfacePolling, true
	case strings.HasPrefix(path, "/realtime/ws"):
		return SurfaceWebSocket, true
	default:
		return "", false
	}
}

// isLongPoll reports a polling GET, which parks until events arrive or the
// poll timeout elapses.
func isLongPoll(surface, method string) bool {
	return surface == SurfacePolling && method == fiber.MethodGet
}

// Observability records request metrics per surface and logs one line per request.
// Long-poll waits are counted but kept out of the latency histogram and logged at debug.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		surface, tracked := RequestSurface(c.Path())
		if !tracked || c.Method() == fiber.MethodOptions {
			return err
		}

		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := fmt.Sprintf("%d", status)
		longPoll := isLongPoll(surface, method)

		observability.APIRequests().WithLabelValues(surface, method, route, statusLabel).Inc()
		if !longPoll {
			observability.APILatency().WithLabelValues(surface, method, route).Observe(duration.Seconds())
		}
		if status >= fiber.StatusBadRequest {
			observability.APIErrors().WithLabelValues(surface, method, route, statusLabel).Inc()
		}

		fields := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("surface", surface).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Float64("latency_ms", float64(duration)/float64(time.Millisecond))
		if sid := c.Params("sid"); sid != "" {
			fields = fields.Str("session_id", sid)
		}
		if !longPoll {
			fields = fields.Str("latency_bucket", latencyBucket(duration))
		}
		if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
			fields = fields.Str("user_id", userID)
		}
		requestLogger := fields.Logger()

		switch {
		case status >= fiber.StatusInternalServerError:
			requestLogger.Error().Msg("request failed")
		case status == fiber.StatusNotFound && surface == SurfacePolling:
			requestLogger.Info().Msg("poll for unknown or closed session")
		case status >= fiber.StatusBadRequest:
			requestLogger.Warn().Msg("request completed with client error")
		case longPoll:
			requestLogger.Debug().Msg("long poll returned")
		case surface == SurfaceWebSocket:
			requestLogger.Info().Msg("websocket upgrade handled")
		default:
			requestLogger.Info().Msg("request completed")
		}
		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 25*time.Millisecond:
		return "<=25ms"
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= 500*time.Millisecond:
		return "<=500ms"
	case duration <= 2*time.Second:
		return "<=2s"
	default:
		return ">2s"
	}
}
