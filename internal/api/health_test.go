package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"frameproof/internal/storage"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyzReportsDegradedDependency(t *testing.T) {
	h := &Handler{
		Store: storage.NewMemoryRepository(),
		Readiness: map[string]Pinger{
			"transcoder": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
			"redis":      pingFunc(func(context.Context) error { return nil }),
		},
	}
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "degraded", body.Status)
	require.Len(t, body.Components, 3)

	names := []string{body.Components[0].Component, body.Components[1].Component, body.Components[2].Component}
	require.Equal(t, []string{"datastore", "redis", "transcoder"}, names)
	require.Equal(t, "ok", body.Components[1].Status)
	require.Equal(t, "degraded", body.Components[2].Status)
	require.Equal(t, "connection refused", body.Components[2].Error)
}

func TestReadyzBoundsSlowDependencies(t *testing.T) {
	h := &Handler{Readiness: map[string]Pinger{
		"blobstore": pingFunc(func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			if !ok {
				return errors.New("readiness check has no deadline")
			}
			return nil
		}),
	}}
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
