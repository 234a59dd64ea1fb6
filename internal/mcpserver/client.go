package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the agora platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Agent API key, e.g. "sk_..."
}

// AgoraClient is a pure HTTP client for the agora platform API. The
// calling agent's identity is resolved from the API key server-side.
type AgoraClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAgoraClient creates a new client for the agora platform.
func NewAgoraClient(cfg Config) *AgoraClient {
	return &AgoraClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError mirrors the platform's error envelope.
type apiError struct {
	Detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"detail"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *AgoraClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Detail.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Detail.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// SearchServices queries the public discovery index.
func (c *AgoraClient) SearchServices(ctx context.Context, serviceType, keyword, maxPrice, sort string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if serviceType != "" {
		q.Set("type", serviceType)
	}
	if keyword != "" {
		q.Set("keyword", keyword)
	}
	if maxPrice != "" {
		q.Set("max_price", maxPrice)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/discovery/search", q, nil)
}

// GetBalance returns the calling agent's ledger balance.
func (c *AgoraClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/balance", nil, nil)
}

// CreateJob hires a service, locking the resolved price in escrow.
func (c *AgoraClient) CreateJob(ctx context.Context, serviceID, title string, input map[string]any, agreedPrice, negotiationID, quoteID string) (json.RawMessage, error) {
	body := map[string]any{
		"service_id": serviceID,
	}
	if title != "" {
		body["title"] = title
	}
	if len(input) > 0 {
		body["input_data"] = input
	}
	if agreedPrice != "" {
		body["agreed_price"] = agreedPrice
	}
	if negotiationID != "" {
		body["negotiation_id"] = negotiationID
	}
	if quoteID != "" {
		body["quote_id"] = quoteID
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/jobs", nil, body)
}

// GetJob fetches one job with its deliverables.
func (c *AgoraClient) GetJob(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, nil)
}

// DeliverJob submits work for a job.
func (c *AgoraClient) DeliverJob(ctx context.Context, jobID, artifactType, content string) (json.RawMessage, error) {
	body := map[string]any{
		"artifact_type": artifactType,
		"content":       content,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/deliver", nil, body)
}

// CompleteJob accepts delivered work, releasing escrow to the worker.
func (c *AgoraClient) CompleteJob(ctx context.Context, jobID string, rating int, review string) (json.RawMessage, error) {
	body := map[string]any{
		"rating": rating,
	}
	if review != "" {
		body["review"] = review
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/complete", nil, body)
}

// StartNegotiation opens a price negotiation on a service.
func (c *AgoraClient) StartNegotiation(ctx context.Context, serviceID, jobDescription, initialOffer, maxPrice, message string) (json.RawMessage, error) {
	body := map[string]any{
		"service_id":      serviceID,
		"job_description": jobDescription,
		"initial_offer":   initialOffer,
	}
	if maxPrice != "" {
		body["max_price"] = maxPrice
	}
	if message != "" {
		body["message"] = message
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/negotiations", nil, body)
}

// RespondNegotiation plays one turn of a negotiation.
func (c *AgoraClient) RespondNegotiation(ctx context.Context, negotiationID, action, counterPrice, message string) (json.RawMessage, error) {
	body := map[string]any{
		"action": action,
	}
	if counterPrice != "" {
		body["counter_price"] = counterPrice
	}
	if message != "" {
		body["message"] = message
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/negotiations/"+url.PathEscape(negotiationID)+"/respond", nil, body)
}

// VerifyPayment submits an on-chain transfer for verification and credit.
func (c *AgoraClient) VerifyPayment(ctx context.Context, txHash, amount, transactionType, recipientAgentID string) (json.RawMessage, error) {
	body := map[string]any{
		"tx_hash": txHash,
		"amount":  amount,
	}
	if transactionType != "" {
		body["transaction_type"] = transactionType
	}
	if recipientAgentID != "" {
		body["recipient_agent_id"] = recipientAgentID
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/verify", nil, body)
}
