package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/arkilian/rollup/internal/audit"
	"github.com/arkilian/rollup/internal/maintainer"
	"github.com/arkilian/rollup/internal/quarantine"
	"github.com/arkilian/rollup/internal/snapshot"
)

// Auditor runs on-demand consistency checks.
type Auditor interface {
	Audit(ctx context.Context, scope audit.Scope) (*audit.Report, error)
}

// Rebuilder recomputes every aggregate from the ledger.
type Rebuilder interface {
	Rebuild(ctx context.Context) (*maintainer.PassResult, error)
}

// QuarantineReader lists quarantined events.
type QuarantineReader interface {
	ReadAll() ([]quarantine.Record, error)
}

// SnapshotExporter writes and lists aggregate snapshots.
type SnapshotExporter interface {
	Export(ctx context.Context) (*snapshot.Manifest, error)
	List(ctx context.Context) ([]string, error)
}

// AdminHandler exposes maintenance operations. Any nil collaborator makes
// its endpoints answer 503.
type AdminHandler struct {
	Auditor    Auditor
	Rebuilder  Rebuilder
	Quarantine QuarantineReader
	Snapshots  SnapshotExporter
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, http.StatusServiceUnavailable, "", what+" is not enabled in this mode", GetRequestID(r.Context()))
}

// Audit handles POST /v1/audit[?customer_id=ID].
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		unavailable(w, r, "audit")
		return
	}

	scope := audit.Scope{CustomerID: strings.TrimSpace(r.URL.Query().Get("customer_id"))}
	report, err := h.Auditor.Audit(r.Context(), scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Rebuild handles POST /v1/rebuild.
func (h *AdminHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	if h.Rebuilder == nil {
		unavailable(w, r, "rebuild")
		return
	}

	res, err := h.Rebuilder.Rebuild(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// QuarantineResponse lists quarantined events, most recent last.
type QuarantineResponse struct {
	Records []quarantine.Record `json:"records"`
	Total   int                 `json:"total"`
}

// ListQuarantine handles GET /v1/quarantine[?limit=N]. With a limit only the
// newest N records are returned.
func (h *AdminHandler) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	if h.Quarantine == nil {
		unavailable(w, r, "quarantine")
		return
	}
	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}

	records, err := h.Quarantine.ReadAll()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	total := len(records)
	if limit > 0 && total > limit {
		records = records[total-limit:]
	}
	if records == nil {
		records = []quarantine.Record{}
	}
	writeJSON(w, http.StatusOK, QuarantineResponse{Records: records, Total: total})
}

// ExportSnapshot handles POST /v1/snapshots.
func (h *AdminHandler) ExportSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.Snapshots == nil {
		unavailable(w, r, "snapshots")
		return
	}

	m, err := h.Snapshots.Export(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// SnapshotsResponse lists stored snapshot object paths.
type SnapshotsResponse struct {
	Paths []string `json:"paths"`
}

// ListSnapshots handles GET /v1/snapshots.
func (h *AdminHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.Snapshots == nil {
		unavailable(w, r, "snapshots")
		return
	}

	paths, err := h.Snapshots.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, SnapshotsResponse{Paths: paths})
}
