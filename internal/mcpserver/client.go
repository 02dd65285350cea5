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

// Config holds the configuration for connecting to the churn risk API.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	APIKey    string // Optional; sent as a bearer token when set
	CompanyID string // Default company used when a tool call omits company_id
}

// Client is a pure HTTP client for the churn risk API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
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

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
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
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func companyPath(companyID string) string {
	return "/v1/companies/" + url.PathEscape(companyID)
}

// CalculateChurnRisk scores one customer and persists the result.
func (c *Client) CalculateChurnRisk(ctx context.Context, companyID, customerID string) (json.RawMessage, error) {
	path := companyPath(companyID) + "/customers/" + url.PathEscape(customerID) + "/churn-risk"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// GetCustomerIntent returns the latest stored score for a customer.
func (c *Client) GetCustomerIntent(ctx context.Context, companyID, customerID string) (json.RawMessage, error) {
	path := companyPath(companyID) + "/customers/" + url.PathEscape(customerID) + "/intent"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// BatchCalculateChurnRisk scores many customers of one company.
func (c *Client) BatchCalculateChurnRisk(ctx context.Context, companyID string, customerIDs []string) (json.RawMessage, error) {
	body := map[string]any{
		"customerIds": customerIDs,
	}
	return c.doRequest(ctx, http.MethodPost, companyPath(companyID)+"/churn-risk/batch", nil, body)
}

// GetHighRiskCustomers lists stored high-risk scores, optionally filtered.
func (c *Client) GetHighRiskCustomers(ctx context.Context, companyID, riskLevel, urgency string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if riskLevel != "" {
		q.Set("riskLevel", riskLevel)
	}
	if urgency != "" {
		q.Set("urgency", urgency)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, companyPath(companyID)+"/churn-risk/high-risk", q, nil)
}
