package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcert/internal/cache"
)

type fakeManaged struct {
	info cache.Info
}

func (f fakeManaged) Name() string { return f.info.Name }
func (f fakeManaged) Status() cache.Info { return f.info }
func (f fakeManaged) Trigger(context.Context) error { return nil }

func serve(t *testing.T, h *Handler, path string) (int, ReadinessResponse) {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestReadiness(t *testing.T) {
	t.Run("all checks up", func(t *testing.T) {
		h := New("test")
		h.RegisterCheck("trustlist", CacheReady(fakeManaged{info: cache.Info{Name: "trustlist", HasValue: true}}))

		code, body := serve(t, h, "/health/ready")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body.Status)
		assert.Equal(t, "up", body.Checks["trustlist"])
	})

	t.Run("cache without value is down", func(t *testing.T) {
		h := New("test")
		h.RegisterCheck("rules", CacheReady(fakeManaged{info: cache.Info{Name: "rules", LastError: "refresh rules: timeout"}}))
		h.RegisterCheck("redis", PingCheck(func(context.Context) error { return nil }))

		code, body := serve(t, h, "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body.Status)
		assert.Equal(t, "down: no value loaded: refresh rules: timeout", body.Checks["rules"])
		assert.Equal(t, "up", body.Checks["redis"])
	})

	t.Run("ping failure", func(t *testing.T) {
		h := New("test")
		h.RegisterCheck("postgres", PingCheck(func(context.Context) error { return errors.New("connection refused") }))

		code, body := serve(t, h, "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "down: connection refused", body.Checks["postgres"])
	})
}

func TestLiveness(t *testing.T) {
	code, body := serve(t, New("test"), "/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body.Status)
}
