package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/app"
	"github.com/storeflow/storeflow-sync-server/internal/config"
	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/fetch"
)

type stubClient struct{}

func (stubClient) FetchPage(context.Context, string, entity.Type, string, bool) (*fetch.Page, error) {
	return &fetch.Page{}, nil
}

func TestNewRequiresFetchClient(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	_, err = app.New(cfg)
	require.Error(t, err)
}

func TestNewWiresDevelopmentMode(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := app.New(cfg,
		app.WithFetchClient(stubClient{}),
		app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NotNil(t, a.Handler())

	// The assembled handler serves the liveness probe and rejects
	// tenant-scoped routes without the tenant header.
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v0/sync/active", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sync.Schedules = []config.ScheduleConfig{{
		Spec:        "not a cron spec",
		Tenants:     []string{"acme"},
		EntityTypes: []string{"orders"},
	}}

	_, err = app.New(cfg,
		app.WithFetchClient(stubClient{}),
		app.WithLogger(zap.NewNop()))
	require.Error(t, err)
}
