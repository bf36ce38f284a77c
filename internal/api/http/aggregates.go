package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/pkg/types"
)

// AggregateReader is the read side of the aggregate store used by the API.
type AggregateReader interface {
	Get(ctx context.Context, customerID string) (types.CustomerAggregate, error)
	ListDiscrepancies(ctx context.Context, limit int) ([]types.Discrepancy, error)
}

// AggregateCreator registers a customer before its orders are counted.
type AggregateCreator interface {
	Create(ctx context.Context, customerID string) error
}

// AggregateHandler serves customer totals and the discrepancy history.
type AggregateHandler struct {
	store   AggregateReader
	creator AggregateCreator
}

// NewAggregateHandler creates a new aggregate handler. Customer registration
// is enabled when store also implements AggregateCreator.
func NewAggregateHandler(store AggregateReader) *AggregateHandler {
	h := &AggregateHandler{store: store}
	if c, ok := store.(AggregateCreator); ok {
		h.creator = c
	}
	return h
}

// Create handles POST /v1/customers/{id}. Registering an existing customer
// leaves its total unchanged.
func (h *AggregateHandler) Create(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.creator == nil {
		writeError(w, http.StatusServiceUnavailable, "", "customer registration is not available", requestID)
		return
	}
	customerID := strings.TrimSpace(r.PathValue("id"))
	if customerID == "" {
		writeError(w, http.StatusBadRequest, rerrors.CodeInvalidRequest, "customer id is required", requestID)
		return
	}

	if err := h.creator.Create(r.Context(), customerID); err != nil {
		writeErr(w, r, err)
		return
	}
	agg, err := h.store.Get(r.Context(), customerID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	agg.CustomerID = customerID
	writeJSON(w, http.StatusCreated, agg)
}

// GetTotal handles GET /v1/customers/{id}/total. A customer without a record
// reads as 0.00 at sequence 0.
func (h *AggregateHandler) GetTotal(w http.ResponseWriter, r *http.Request) {
	customerID := strings.TrimSpace(r.PathValue("id"))
	if customerID == "" {
		writeError(w, http.StatusBadRequest, rerrors.CodeInvalidRequest, "customer id is required", GetRequestID(r.Context()))
		return
	}

	agg, err := h.store.Get(r.Context(), customerID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	agg.CustomerID = customerID
	writeJSON(w, http.StatusOK, agg)
}

// DiscrepanciesResponse lists recent audit discrepancies, newest first.
type DiscrepanciesResponse struct {
	Discrepancies []types.Discrepancy `json:"discrepancies"`
}

// ListDiscrepancies handles GET /v1/discrepancies[?limit=N].
func (h *AggregateHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}

	ds, err := h.store.ListDiscrepancies(r.Context(), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if ds == nil {
		ds = []types.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, DiscrepanciesResponse{Discrepancies: ds})
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, rerrors.CodeInvalidRequest, "limit must be a positive integer", GetRequestID(r.Context()))
		return 0, false
	}
	return n, true
}
