package health_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/park-checkout/internal/health"
)

// parkDown has Redis up and the park backend unreachable.
type parkDown struct{}

func (parkDown) PingRedis(context.Context, time.Duration) error { return nil }
func (parkDown) PingParkAPI(context.Context, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}

func TestDrainingOverridesOptionalParkAPI(t *testing.T) {
	t.Cleanup(func() { health.SetReady(true) })
	handler := health.Handler{Checker: parkDown{}, ParkAPIOptional: true}

	health.SetReady(true)
	rec := httptest.NewRecorder()
	handler.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	health.SetReady(false)
	rec = httptest.NewRecorder()
	handler.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// liveness is unaffected while draining
	rec = httptest.NewRecorder()
	handler.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
