/**
 * @description
 * This package provides a client for the external execution API, the system
 * that actually moves funds for confirmed payment intents and owns the wallet
 * ledger. It encapsulates the authenticated HTTP requests, request body
 * construction, and response parsing.
 *
 * Amounts cross the wire as decimal strings to avoid any float rounding in
 * transit.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Arbitrary-precision amounts.
 */
package executionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/agentrails/spendguard-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Client is a client for the execution API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new execution API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// executionRequest is the payload for executing a confirmed intent.
type executionRequest struct {
	IntentID  string            `json:"intent_id"`
	WalletID  string            `json:"wallet_id"`
	Recipient string            `json:"recipient"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Purpose   string            `json:"purpose,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// executionResponse is the expected response from the execution endpoint.
type executionResponse struct {
	Data struct {
		ReferenceID string    `json:"reference_id"`
		Status      string    `json:"status"`
		Fee         string    `json:"fee,omitempty"`
		ExecutedAt  time.Time `json:"executed_at"`
	} `json:"data"`
}

// balanceResponse is the expected response from the balance endpoint.
type balanceResponse struct {
	Data struct {
		WalletID      string `json:"wallet_id"`
		LedgerBalance string `json:"ledger_balance"`
		Currency      string `json:"currency"`
	} `json:"data"`
}

// ErrorResponse represents an error from the execution API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("execution api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown execution api error"
}

// Execute submits a confirmed intent for fund movement and returns the
// execution reference.
func (c *Client) Execute(ctx context.Context, intent *domain.PaymentIntent) (*domain.ExecutionResult, error) {
	payload := executionRequest{
		IntentID:  intent.ID.String(),
		WalletID:  intent.WalletID,
		Recipient: intent.Recipient,
		Amount:    intent.Amount.String(),
		Currency:  intent.Currency,
		Purpose:   intent.Purpose,
		Metadata:  intent.Metadata,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/executions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create execution request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-execution-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute execution request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("execute", intent.ID.String(), resp.StatusCode, bodyBytes)
	}

	var successResp executionResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode execution response: %w", err)
	}

	executedAt := successResp.Data.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	fee := decimal.Zero
	if successResp.Data.Fee != "" {
		if fee, err = decimal.NewFromString(successResp.Data.Fee); err != nil {
			return nil, fmt.Errorf("unparsable execution fee %q: %w", successResp.Data.Fee, err)
		}
	}
	return &domain.ExecutionResult{
		IntentID:    intent.ID,
		ReferenceID: successResp.Data.ReferenceID,
		Status:      successResp.Data.Status,
		Fee:         fee,
		ExecutedAt:  executedAt,
	}, nil
}

// LedgerBalance fetches the wallet's ledger balance from the execution API.
func (c *Client) LedgerBalance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	url := c.BaseURL + "/api/v1/wallets/" + walletID + "/balance"

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create balance request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-execution-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to execute balance request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, c.decodeError("ledger_balance", walletID, resp.StatusCode, bodyBytes)
	}

	var balanceResp balanceResponse
	if err := json.Unmarshal(bodyBytes, &balanceResp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode balance response: %w", err)
	}

	balance, err := decimal.NewFromString(balanceResp.Data.LedgerBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparsable ledger balance %q: %w", balanceResp.Data.LedgerBalance, err)
	}
	return balance, nil
}

func (c *Client) decodeError(op, subject string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		log.Printf("level=warn component=execution_client op=%s subject=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, subject, status)
		return fmt.Errorf("failed to decode error response (status %d)", status)
	}
	log.Printf("level=warn component=execution_client op=%s subject=%s status=%d title=%q detail=%q", op, subject, status, firstErrorTitle(errResp), firstErrorDetail(errResp))
	return &errResp
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
