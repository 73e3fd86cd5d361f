/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  commitment package's model.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

AMOUNTS:
  Every amount is a decimal.Decimal, which encodes as a JSON string
  ("1500.50"). Requests accept both strings and bare numbers.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/commitment"
)

// =============================================================================
// RESPONSES
// =============================================================================

// CommitmentDTO represents one commitment version.
type CommitmentDTO struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	TargetAmount    decimal.Decimal `json:"target_amount"`
	DiscountPercent int             `json:"discount_percent"`
	ValidFrom       time.Time       `json:"valid_from"`
	ValidTo         time.Time       `json:"valid_to"`
	Status          string          `json:"status"`
	IsActive        bool            `json:"is_active"`
	PredecessorID   string          `json:"predecessor_id,omitempty"`
	Balance         decimal.Decimal `json:"balance"`
	PurchaseLog     []PurchaseDTO   `json:"purchase_log"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PurchaseDTO represents a purchase log entry.
type PurchaseDTO struct {
	ID              string          `json:"id"`
	Amount          decimal.Decimal `json:"amount"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	AppliedDiscount int             `json:"applied_discount"`
	Removed         bool            `json:"removed"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CustomerDTO is a customer's full chain, oldest version first.
type CustomerDTO struct {
	CustomerID  string          `json:"customer_id"`
	Commitments []CommitmentDTO `json:"commitments"`
}

type CustomerIDsResponse struct {
	CustomerIDs []string `json:"customer_ids"`
}

// ActiveCommitmentResponse answers "does this customer have a usable
// commitment right now".
type ActiveCommitmentResponse struct {
	HasActiveCommitment bool           `json:"has_active_commitment"`
	ActiveCommitment    *CommitmentDTO `json:"active_commitment,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateCommitmentRequest struct {
	TargetAmount    decimal.Decimal `json:"target_amount"`
	DiscountPercent int             `json:"discount_percent"`
	CreatedBy       string          `json:"created_by,omitempty"`
}

// AddPurchaseRequest records a purchase. PurchaseID is optional; NetAmount
// defaults to Amount and AppliedDiscount to the commitment's discount.
type AddPurchaseRequest struct {
	PurchaseID      string           `json:"purchase_id,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	NetAmount       *decimal.Decimal `json:"net_amount,omitempty"`
	AppliedDiscount *int             `json:"applied_discount,omitempty"`
}

type BulkActiveRequest struct {
	CustomerIDs []string `json:"customer_ids"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toCommitmentDTO(v commitment.View) CommitmentDTO {
	log := make([]PurchaseDTO, len(v.PurchaseLog))
	for i, e := range v.PurchaseLog {
		log[i] = toPurchaseDTO(e)
	}
	return CommitmentDTO{
		ID:              string(v.ID),
		CustomerID:      string(v.CustomerID),
		TargetAmount:    v.TargetAmount,
		DiscountPercent: v.DiscountPercent,
		ValidFrom:       v.ValidFrom,
		ValidTo:         v.ValidTo,
		Status:          string(v.Status),
		IsActive:        v.IsActive,
		PredecessorID:   string(v.PredecessorID),
		Balance:         v.Balance,
		PurchaseLog:     log,
		CreatedBy:       v.CreatedBy,
		CreatedAt:       v.CreatedAt,
	}
}

func toPurchaseDTO(e commitment.PurchaseEntry) PurchaseDTO {
	return PurchaseDTO{
		ID:              string(e.ID),
		Amount:          e.Amount,
		NetAmount:       e.NetAmount,
		AppliedDiscount: e.AppliedDiscount,
		Removed:         e.Removed,
		CreatedAt:       e.CreatedAt,
	}
}

func (req AddPurchaseRequest) toInput() commitment.PurchaseInput {
	net := req.Amount
	if req.NetAmount != nil {
		net = *req.NetAmount
	}
	return commitment.PurchaseInput{
		ID:              commitment.PurchaseID(req.PurchaseID),
		Amount:          req.Amount,
		NetAmount:       net,
		AppliedDiscount: req.AppliedDiscount,
	}
}
