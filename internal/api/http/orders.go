package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/pkg/types"
)

// PlaceOrderRequest is the body of POST /v1/orders.
type PlaceOrderRequest struct {
	OrderID    string            `json:"order_id"`
	CustomerID string            `json:"customer_id"`
	Amount     types.Amount      `json:"amount"`
	Status     types.OrderStatus `json:"status"`
}

// UpdateOrderRequest is the body of PUT /v1/orders/{id}. Omitted fields are
// left unchanged.
type UpdateOrderRequest struct {
	Amount *types.Amount      `json:"amount,omitempty"`
	Status *types.OrderStatus `json:"status,omitempty"`
}

// MutationResponse returns the committed mutation.
type MutationResponse struct {
	Mutation  types.MutationEvent `json:"mutation"`
	RequestID string              `json:"request_id"`
}

// OrderHandler writes order facts to the ledger. The aggregate follows
// asynchronously through the maintainers.
type OrderHandler struct {
	ledger ledger.Writer
}

// NewOrderHandler creates a new order handler.
func NewOrderHandler(l ledger.Writer) *OrderHandler {
	return &OrderHandler{ledger: l}
}

// Place handles POST /v1/orders.
func (h *OrderHandler) Place(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, rerrors.CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.Status == "" {
		req.Status = types.StatusPending
	}

	ev, err := h.ledger.PlaceOrder(r.Context(), types.OrderFact{
		OrderID:    req.OrderID,
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		Status:     req.Status,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, MutationResponse{Mutation: ev, RequestID: requestID})
}

// Update handles PUT /v1/orders/{id}.
func (h *OrderHandler) Update(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req UpdateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, rerrors.CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	ev, err := h.ledger.UpdateOrder(r.Context(), r.PathValue("id"), ledger.OrderChange{
		Amount: req.Amount,
		Status: req.Status,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MutationResponse{Mutation: ev, RequestID: requestID})
}

// Delete handles DELETE /v1/orders/{id}.
func (h *OrderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ev, err := h.ledger.DeleteOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MutationResponse{Mutation: ev, RequestID: GetRequestID(r.Context())})
}

// Get handles GET /v1/orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	order, err := h.ledger.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
