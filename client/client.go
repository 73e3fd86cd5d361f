/*
client.go - Go client for the commitment HTTP API

PURPOSE:
  Typed access to the server for other services and for commitmentctl.
  Errors returned by the server come back as *APIError, which matches the
  commitment package sentinels with errors.Is:

    _, err := c.AddPurchase(ctx, id, req)
    if errors.Is(err, commitment.ErrInactiveCommitment) { ... }

USAGE:
  c := client.New("http://localhost:8080", client.WithTimeout(5*time.Second))
  v, err := c.CreateCommitment(ctx, "cust-1", api.CreateCommitmentRequest{...})
*/
package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/commitment-engine/api"
	"github.com/warp/commitment-engine/commitment"
)

// =============================================================================
// ERRORS
// =============================================================================

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("commitment api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("commitment api: status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

// Unwrap exposes the sentinel named by Code, if the code is known.
func (e *APIError) Unwrap() error {
	return commitment.ErrorForCode(e.Code)
}

// =============================================================================
// CLIENT
// =============================================================================

type Client struct {
	http *resty.Client
}

type Option func(*resty.Client)

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

func New(baseURL string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}
}

func (c *Client) request(ctx context.Context, result any) *resty.Request {
	r := c.http.R().SetContext(ctx).SetError(&api.ErrorResponse{})
	if result != nil {
		r.SetResult(result)
	}
	return r
}

// check turns a transport error or a non-2xx response into an error.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("commitment api: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if e, ok := resp.Error().(*api.ErrorResponse); ok && e.Error != "" {
		apiErr.Code = e.Code
		apiErr.Message = e.Error
		if d, ok := e.Details.(string); ok && d != "" {
			apiErr.Message += ": " + d
		}
	} else {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	return apiErr
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (c *Client) CustomerIDs(ctx context.Context) ([]string, error) {
	var out api.CustomerIDsResponse
	if err := check(c.request(ctx, &out).Get("/api/customers")); err != nil {
		return nil, err
	}
	return out.CustomerIDs, nil
}

// Chain returns every commitment version of the customer, oldest first.
func (c *Client) Chain(ctx context.Context, customerID string) (api.CustomerDTO, error) {
	var out api.CustomerDTO
	err := check(c.request(ctx, &out).
		SetPathParam("customerID", customerID).
		Get("/api/customers/{customerID}"))
	return out, err
}

func (c *Client) CreateCommitment(ctx context.Context, customerID string, req api.CreateCommitmentRequest) (api.CommitmentDTO, error) {
	var out api.CommitmentDTO
	err := check(c.request(ctx, &out).
		SetPathParam("customerID", customerID).
		SetBody(req).
		Post("/api/customers/{customerID}/commitments"))
	return out, err
}

// ActiveCommitment returns the usable commitment, ok false when there is none.
func (c *Client) ActiveCommitment(ctx context.Context, customerID string) (api.CommitmentDTO, bool, error) {
	var out api.ActiveCommitmentResponse
	err := check(c.request(ctx, &out).
		SetPathParam("customerID", customerID).
		Get("/api/customers/{customerID}/active"))
	if err != nil || !out.HasActiveCommitment || out.ActiveCommitment == nil {
		return api.CommitmentDTO{}, false, err
	}
	return *out.ActiveCommitment, true, nil
}

// =============================================================================
// COMMITMENTS
// =============================================================================

func (c *Client) ActiveCommitments(ctx context.Context, customerIDs []string) ([]api.CommitmentDTO, error) {
	var out []api.CommitmentDTO
	err := check(c.request(ctx, &out).
		SetBody(api.BulkActiveRequest{CustomerIDs: customerIDs}).
		Post("/api/commitments/active"))
	return out, err
}

func (c *Client) GetCommitment(ctx context.Context, id string) (api.CommitmentDTO, error) {
	var out api.CommitmentDTO
	err := check(c.request(ctx, &out).
		SetPathParam("id", id).
		Get("/api/commitments/{id}"))
	return out, err
}

func (c *Client) AddPurchase(ctx context.Context, commitmentID string, req api.AddPurchaseRequest) (api.PurchaseDTO, error) {
	var out api.PurchaseDTO
	err := check(c.request(ctx, &out).
		SetPathParam("id", commitmentID).
		SetBody(req).
		Post("/api/commitments/{id}/purchases"))
	return out, err
}

// RemovePurchase removes a purchase through a withdrawn commitment. It
// returns that commitment after the cascade and the number of versions
// changed.
func (c *Client) RemovePurchase(ctx context.Context, commitmentID, purchaseID string) (api.CommitmentDTO, int, error) {
	var out api.CommitmentDTO
	resp, err := c.request(ctx, &out).
		SetPathParams(map[string]string{"id": commitmentID, "purchaseID": purchaseID}).
		Delete("/api/commitments/{id}/purchases/{purchaseID}")
	if err := check(resp, err); err != nil {
		return api.CommitmentDTO{}, 0, err
	}
	touched, _ := strconv.Atoi(resp.Header().Get("X-Versions-Updated"))
	return out, touched, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Verify asks the server to run an integrity check now.
func (c *Client) Verify(ctx context.Context) (api.VerificationRun, error) {
	var out api.VerificationRun
	err := check(c.request(ctx, &out).Post("/api/admin/verify"))
	return out, err
}

// LastVerification returns the server's most recent integrity check.
func (c *Client) LastVerification(ctx context.Context) (api.VerificationRun, error) {
	var out api.VerificationRun
	err := check(c.request(ctx, &out).Get("/api/admin/verify"))
	return out, err
}
