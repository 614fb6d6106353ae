package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gradesync-api/internal/observability"
)

func TestRequestSurface(t *testing.T) {
	cases := []struct {
		path    string
		surface string
		tracked bool
	}{
		{"/api/students/ET001", SurfaceRecords, true},
		{"/api/health", SurfaceHealth, true},
		{"/realtime/polling/abc", SurfacePolling, true},
		{"/realtime/ws", SurfaceWebSocket, true},
		{"/metrics", "", false},
	}
	for _, tc := range cases {
		surface, tracked := RequestSurface(tc.path)
		require.Equal(t, tc.surface, surface, tc.path)
		require.Equal(t, tc.tracked, tracked, tc.path)
	}
}

func TestObservabilityKeepsLongPollsOutOfLatency(t *testing.T) {
	var logs bytes.Buffer
	app := fiber.New()
	app.Use(Observability(zerolog.New(&logs).Level(zerolog.InfoLevel)))
	app.Get("/realtime/polling/:sid", func(c *fiber.Ctx) error {
		return c.JSON([]string{})
	})
	app.Get("/api/observed", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	polls := observability.APIRequests().WithLabelValues(SurfacePolling, "GET", "/realtime/polling/:sid", "200")
	before := testutil.ToFloat64(polls)
	series := testutil.CollectAndCount(observability.APILatency())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/realtime/polling/s-1", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Equal(t, before+1, testutil.ToFloat64(polls))
	require.Equal(t, series, testutil.CollectAndCount(observability.APILatency()))
	require.Empty(t, logs.String())

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/observed", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	require.Equal(t, series+1, testutil.CollectAndCount(observability.APILatency()))
	require.Contains(t, logs.String(), `"surface":"records"`)
	require.Contains(t, logs.String(), `"route":"/api/observed"`)
}
