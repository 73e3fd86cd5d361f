/*
handlers.go - HTTP API handlers for the commitment engine

PURPOSE:
  Exposes the commitment engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Customers:
    GET    /api/customers                           List customer ids
    GET    /api/customers/{customerID}              Full commitment chain
    POST   /api/customers/{customerID}/commitments  Create a new version
    GET    /api/customers/{customerID}/active       Usable commitment, if any

  Commitments:
    POST   /api/commitments/active                  Bulk active lookup
    GET    /api/commitments/{id}                    One version
    POST   /api/commitments/{id}/purchases          Add a purchase
    DELETE /api/commitments/{id}/purchases/{purchaseID}
                                                    Remove through history

ERROR HANDLING:
  Errors are returned as JSON with a stable code:
  - 400: invalid discount, amount, customer or body
  - 404: commitment, purchase or customer not found
  - 409: inactive commitment, removal from active, duplicate purchase,
         concurrent modification
  - 500: persistence errors (details are logged, not returned)

SECURITY NOTE:
  No authentication. Callers are trusted internal services.
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/commitment-engine/commitment"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// CodeInvalidRequest is returned for bodies that cannot be decoded.
const CodeInvalidRequest = "invalid_request"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *commitment.Engine

	// Verifier, when set, exposes /api/admin/verify.
	Verifier *VerificationScheduler

	logger *zap.Logger
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *commitment.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, logger: logger}
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Engine.CustomerIDs(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := CustomerIDsResponse{CustomerIDs: make([]string, len(ids))}
	for i, id := range ids {
		out.CustomerIDs[i] = string(id)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCustomer returns every commitment version of the customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := commitment.CustomerID(chi.URLParam(r, "customerID"))

	chain, err := h.Engine.Chain(r.Context(), customerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := CustomerDTO{CustomerID: string(customerID), Commitments: make([]CommitmentDTO, len(chain))}
	for i, v := range chain {
		out.Commitments[i] = toCommitmentDTO(v)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateCommitment creates a new version, withdrawing the current one.
func (h *Handler) CreateCommitment(w http.ResponseWriter, r *http.Request) {
	var req CreateCommitmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := h.Engine.CreateCommitment(r.Context(), commitment.CreateInput{
		CustomerID:      commitment.CustomerID(chi.URLParam(r, "customerID")),
		TargetAmount:    req.TargetAmount,
		DiscountPercent: req.DiscountPercent,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	// A freshly created version is active by construction.
	writeJSON(w, http.StatusCreated, toCommitmentDTO(commitment.View{Commitment: c, IsActive: true}))
}

func (h *Handler) GetActiveCommitment(w http.ResponseWriter, r *http.Request) {
	customerID := commitment.CustomerID(chi.URLParam(r, "customerID"))

	v, ok, err := h.Engine.ActiveCommitment(r.Context(), customerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ActiveCommitmentResponse{HasActiveCommitment: ok}
	if ok {
		dto := toCommitmentDTO(v)
		resp.ActiveCommitment = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// COMMITMENT ENDPOINTS
// =============================================================================

// BulkActive returns the usable commitments of the listed customers.
// Customers without one are left out.
func (h *Handler) BulkActive(w http.ResponseWriter, r *http.Request) {
	var req BulkActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ids := make([]commitment.CustomerID, len(req.CustomerIDs))
	for i, id := range req.CustomerIDs {
		ids[i] = commitment.CustomerID(id)
	}
	views, err := h.Engine.ActiveCommitments(r.Context(), ids)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := make([]CommitmentDTO, len(views))
	for i, v := range views {
		out[i] = toCommitmentDTO(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.GetCommitment(r.Context(), commitment.CommitmentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommitmentDTO(v))
}

func (h *Handler) AddPurchase(w http.ResponseWriter, r *http.Request) {
	var req AddPurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.Engine.AddPurchase(r.Context(), commitment.CommitmentID(chi.URLParam(r, "id")), req.toInput())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(entry))
}

// RemovePurchase removes a purchase through a withdrawn commitment and
// returns that commitment after the cascade.
func (h *Handler) RemovePurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := commitment.CommitmentID(chi.URLParam(r, "id"))
	purchaseID := commitment.PurchaseID(chi.URLParam(r, "purchaseID"))

	touched, err := h.Engine.RemovePurchase(ctx, purchaseID, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	v, err := h.Engine.GetCommitment(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("X-Versions-Updated", fmt.Sprint(touched))
	writeJSON(w, http.StatusOK, toCommitmentDTO(v))
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case commitment.IsClientError(err):
		return http.StatusBadRequest
	case commitment.IsNotFound(err):
		return http.StatusNotFound
	case commitment.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: commitment.Code(err)}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		resp.Error = "Internal error"
		var perr *commitment.PersistenceError
		if errors.As(err, &perr) {
			resp.Details = perr.Op
		}
	}
	writeJSON(w, status, resp)
}
