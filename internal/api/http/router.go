package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/arkilian/rollup/internal/logging"
)

// HealthCheck reports the health of one component; nil means healthy.
type HealthCheck func(ctx context.Context) error

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Mode       string            `json:"mode"`
	Components map[string]string `json:"components,omitempty"`
}

// HealthHandler runs every check and answers 503 if any fails.
type HealthHandler struct {
	Service string
	Mode    string
	Checks  map[string]HealthCheck
	Timeout time.Duration
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Service: h.Service, Mode: h.Mode}
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		resp.Components = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Routes holds every handler the API mounts. Nil handlers are not mounted.
type Routes struct {
	Aggregates *AggregateHandler
	Orders     *OrderHandler
	Admin      *AdminHandler
	Health     http.Handler
	Metrics    http.Handler

	// Middleware wraps every route except /metrics; defaults to DefaultMiddleware.
	Middleware func(http.Handler) http.Handler
	Logger     *logging.Logger
}

// NewRouter builds the API mux.
func NewRouter(rt Routes) *http.ServeMux {
	mw := rt.Middleware
	if mw == nil {
		mw = DefaultMiddleware(rt.Logger)
	}
	handle := func(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, mw(fn))
	}

	mux := http.NewServeMux()
	if a := rt.Aggregates; a != nil {
		handle(mux, "POST /v1/customers/{id}", a.Create)
		handle(mux, "GET /v1/customers/{id}/total", a.GetTotal)
		handle(mux, "GET /v1/discrepancies", a.ListDiscrepancies)
	}
	if o := rt.Orders; o != nil {
		handle(mux, "POST /v1/orders", o.Place)
		handle(mux, "GET /v1/orders/{id}", o.Get)
		handle(mux, "PUT /v1/orders/{id}", o.Update)
		handle(mux, "DELETE /v1/orders/{id}", o.Delete)
	}
	if ad := rt.Admin; ad != nil {
		handle(mux, "POST /v1/audit", ad.Audit)
		handle(mux, "POST /v1/rebuild", ad.Rebuild)
		handle(mux, "GET /v1/quarantine", ad.ListQuarantine)
		handle(mux, "POST /v1/snapshots", ad.ExportSnapshot)
		handle(mux, "GET /v1/snapshots", ad.ListSnapshots)
	}
	if rt.Health != nil {
		mux.Handle("/health", mw(rt.Health))
	}
	if rt.Metrics != nil {
		mux.Handle("/metrics", rt.Metrics)
	}
	return mux
}
