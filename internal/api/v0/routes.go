// Package v0 implements the tenant-scoped sync control API.
package v0

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/api/common"
	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/events"
	"github.com/storeflow/storeflow-sync-server/internal/health"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
	"github.com/storeflow/storeflow-sync-server/internal/store"
	syncengine "github.com/storeflow/storeflow-sync-server/internal/sync"
)

// Routes holds the handlers for the sync control surface.
type Routes struct {
	controller *syncengine.Controller
	aggregator *health.Aggregator
	bus        events.Broadcaster
	logger     *zap.Logger
}

// NewRoutes creates the route handlers.
func NewRoutes(
	controller *syncengine.Controller,
	aggregator *health.Aggregator,
	bus events.Broadcaster,
	logger *zap.Logger,
) *Routes {
	return &Routes{
		controller: controller,
		aggregator: aggregator,
		bus:        bus,
		logger:     logger,
	}
}

// Router mounts the control API. Every route is tenant-scoped through the
// X-Tenant-ID header.
func Router(
	controller *syncengine.Controller,
	aggregator *health.Aggregator,
	bus events.Broadcaster,
	logger *zap.Logger,
) http.Handler {
	routes := NewRoutes(controller, aggregator, bus, logger)

	r := chi.NewRouter()
	r.Use(common.TenantMiddleware)

	r.Post("/sync/manual", routes.manualSync)
	r.Post("/sync/control", routes.controlSync)
	r.Post("/sync/retry", routes.retrySync)
	r.Get("/sync/active", routes.activeJobs)
	r.Get("/sync/health", routes.syncHealth)
	r.Get("/sync/status", routes.legacyStatus)
	r.Get("/sync/events", routes.eventStream)
	r.Delete("/sync-logs/failed", routes.deleteFailedLogs)

	return r
}

type manualSyncRequest struct {
	EntityTypes []string `json:"entityTypes"`
	Incremental bool     `json:"incremental"`
}

type manualSyncResponse struct {
	Status string          `json:"status"`
	Logs   []store.SyncLog `json:"logs"`
}

// manualSync handles POST /sync/manual. Fire-and-enqueue: the 202 only means
// the attempts are recorded and queued, never that they finished.
func (rr *Routes) manualSync(w http.ResponseWriter, r *http.Request) {
	var req manualSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	types := make([]entity.Type, 0, len(req.EntityTypes))
	for _, raw := range req.EntityTypes {
		types = append(types, entity.Type(raw))
	}

	created, err := rr.controller.RequestSync(r.Context(), common.Tenant(r.Context()),
		types, req.Incremental, store.SourceManual)
	if err != nil {
		common.WriteTypedError(w, err)
		return
	}
	common.WriteJSONResponse(w, manualSyncResponse{Status: "accepted", Logs: created}, http.StatusAccepted)
}

type controlRequest struct {
	Action    string `json:"action"`
	QueueName string `json:"queueName,omitempty"`
	JobID     string `json:"jobId,omitempty"`
}

// controlSync handles POST /sync/control: pause, resume, or cancel.
func (rr *Routes) controlSync(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	et := entity.Type(req.QueueName)

	var err error
	switch req.Action {
	case syncengine.ActionPause, syncengine.ActionResume:
		err = rr.controller.ControlQueue(ctx, req.Action, et)
	case "cancel":
		if req.JobID == "" {
			common.WriteErrorResponse(w, "jobId is required for cancel", http.StatusBadRequest)
			return
		}
		err = rr.controller.CancelJob(ctx, common.Tenant(ctx), et, req.JobID)
	default:
		common.WriteErrorResponse(w, "action must be pause, resume, or cancel", http.StatusBadRequest)
		return
	}
	if err != nil {
		common.WriteTypedError(w, err)
		return
	}
	common.WriteJSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type retryRequest struct {
	EntityType string `json:"entityType"`
	LogID      string `json:"logId,omitempty"`
}

// retrySync handles POST /sync/retry.
func (rr *Routes) retrySync(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, err := rr.controller.Retry(r.Context(), common.Tenant(r.Context()),
		entity.Type(req.EntityType), req.LogID)
	if err != nil {
		common.WriteTypedError(w, err)
		return
	}
	common.WriteJSONResponse(w, created, http.StatusAccepted)
}

// activeJobs handles GET /sync/active.
func (rr *Routes) activeJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := rr.controller.ActiveJobs(r.Context(), common.Tenant(r.Context()))
	if err != nil {
		common.WriteTypedError(w, err)
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	common.WriteJSONResponse(w, jobs, http.StatusOK)
}

type healthResponse struct {
	State      []store.SyncState `json:"state"`
	Recent     []store.SyncLog   `json:"recent"`
	Summary    health.Summary    `json:"summary"`
	ActiveJobs []queue.Job       `json:"activeJobs"`
	Class      string            `json:"class"`
	// NeverSynced distinguishes "no history yet" from a healthy zero failure
	// rate.
	NeverSynced bool `json:"neverSynced"`
}

// syncHealth handles GET /sync/health: the full pull-side snapshot.
func (rr *Routes) syncHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := rr.aggregator.Snapshot(r.Context(), common.Tenant(r.Context()))
	if err != nil {
		common.WriteTypedError(w, err)
		return
	}

	resp := healthResponse{
		State:       snap.State,
		Recent:      snap.RecentLogs,
		Summary:     snap.Summary,
		ActiveJobs:  snap.ActiveJobs,
		Class:       health.Classify(snap.Summary.FailureRate24h),
		NeverSynced: snap.Summary.NeverSynced(),
	}
	if resp.State == nil {
		resp.State = []store.SyncState{}
	}
	if resp.Recent == nil {
		resp.Recent = []store.SyncLog{}
	}
	if resp.ActiveJobs == nil {
		resp.ActiveJobs = []queue.Job{}
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

type legacyStatusResponse struct {
	State []store.SyncState `json:"state"`
	Logs  []store.SyncLog   `json:"logs"`
}

// legacyStatus handles GET /sync/status, the fallback shape older clients
// still consume.
func (rr *Routes) legacyStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := rr.aggregator.Snapshot(r.Context(), common.Tenant(r.Context()))
	if err != nil {
		common.WriteTypedError(w, err)
		return
	}

	resp := legacyStatusResponse{State: snap.State, Logs: snap.RecentLogs}
	if resp.State == nil {
		resp.State = []store.SyncState{}
	}
	if resp.Logs == nil {
		resp.Logs = []store.SyncLog{}
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// deleteFailedLogs handles DELETE /sync-logs/failed.
func (rr *Routes) deleteFailedLogs(w http.ResponseWriter, r *http.Request) {
	deleted, err := rr.controller.DeleteFailedLogs(r.Context(), common.Tenant(r.Context()))
	if err != nil {
		common.WriteTypedError(w, err)
		return
	}
	common.WriteJSONResponse(w, map[string]int64{"deleted": deleted}, http.StatusOK)
}
