// Package common holds shared HTTP response helpers and the tenant scoping
// middleware for the control API.
package common

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/storeflow/storeflow-sync-server/internal/errs"
)

// TenantHeader carries the tenant identifier on every control API request.
const TenantHeader = "X-Tenant-ID"

type contextKey int

const tenantKey contextKey = iota

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteJSONResponse(w, map[string]string{"error": message}, statusCode)
}

// WriteTypedError maps a typed engine error onto its HTTP status. Untyped
// errors become opaque 500s so internal details never leak to operators.
func WriteTypedError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	WriteErrorResponse(w, message, status)
}

// TenantMiddleware requires the tenant header and stashes its value in the
// request context.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			WriteErrorResponse(w, TenantHeader+" header is required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

// WithTenant returns a context carrying the tenant identifier.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// Tenant extracts the tenant identifier set by TenantMiddleware.
func Tenant(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}
