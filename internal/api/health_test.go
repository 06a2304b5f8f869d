package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func readiness(t *testing.T, postgres, redis Pinger) (*httptest.ResponseRecorder, ReadinessResponse) {
	t.Helper()
	h := NewHealthHandler(postgres, redis, "test", "v0")
	router := NewRouter(RouterConfig{Health: h, Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	return rec, decode[ReadinessResponse](t, rec)
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		postgres Pinger
		redis    Pinger
		code     int
		status   string
	}{
		{"all up", up, up, http.StatusOK, "ok"},
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error"},
		{"both down", down, down, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := readiness(t, tt.postgres, tt.redis)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.status, resp.Status)
			assert.Len(t, resp.Dependencies, 2)
		})
	}
}

func TestReadiness_RealRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, resp := readiness(t, up, RedisPinger{Client: client})
	assert.Equal(t, "ok", resp.Dependencies["redis"])

	mr.Close()
	_, resp = readiness(t, up, RedisPinger{Client: client})
	assert.Equal(t, "down", resp.Dependencies["redis"])
}

func TestLiveness(t *testing.T) {
	router := NewRouter(RouterConfig{Health: NewHealthHandler(down, down, "test", "v0"), Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[LivenessResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "v0", resp.Version)
}
