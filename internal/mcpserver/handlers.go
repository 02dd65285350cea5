package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client         *Client
	defaultCompany string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client, defaultCompany string) *Handlers {
	return &Handlers{client: client, defaultCompany: defaultCompany}
}

func (h *Handlers) company(req mcp.CallToolRequest) string {
	if v := strings.TrimSpace(req.GetString("company_id", "")); v != "" {
		return v
	}
	return h.defaultCompany
}

// HandleCalculateChurnRisk recomputes and stores one customer's score.
func (h *Handlers) HandleCalculateChurnRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	companyID := h.company(req)
	if companyID == "" {
		return mcp.NewToolResultError("company_id is required"), nil
	}
	customerID := req.GetString("customer_id", "")
	if customerID == "" {
		return mcp.NewToolResultError("customer_id is required"), nil
	}

	raw, err := h.client.CalculateChurnRisk(ctx, companyID, customerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to calculate churn risk: %v", err)), nil
	}

	var resp struct {
		Score map[string]any `json:"score"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Score == nil {
		return mcp.NewToolResultError("Failed to parse churn risk response"), nil
	}
	return mcp.NewToolResultText(formatScore(resp.Score)), nil
}

// HandleGetCustomerIntent reads the stored score without recomputing.
func (h *Handlers) HandleGetCustomerIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	companyID := h.company(req)
	if companyID == "" {
		return mcp.NewToolResultError("company_id is required"), nil
	}
	customerID := req.GetString("customer_id", "")
	if customerID == "" {
		return mcp.NewToolResultError("customer_id is required"), nil
	}

	raw, err := h.client.GetCustomerIntent(ctx, companyID, customerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get customer intent: %v", err)), nil
	}

	var resp struct {
		Intent map[string]any `json:"intent"`
		Stale  bool           `json:"stale"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Intent == nil {
		return mcp.NewToolResultError("Failed to parse intent response"), nil
	}

	text := formatScore(resp.Intent)
	if resp.Stale {
		text += "\nThis score has expired. Call calculate_churn_risk for a fresh one.\n"
	}
	return mcp.NewToolResultText(text), nil
}

// HandleBatchCalculateChurnRisk scores a list of customers.
func (h *Handlers) HandleBatchCalculateChurnRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	companyID := h.company(req)
	if companyID == "" {
		return mcp.NewToolResultError("company_id is required"), nil
	}
	ids := stringSlice(req.GetArguments()["customer_ids"])
	if len(ids) == 0 {
		return mcp.NewToolResultError("customer_ids must be a non-empty list"), nil
	}

	raw, err := h.client.BatchCalculateChurnRisk(ctx, companyID, ids)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Batch scoring failed: %v", err)), nil
	}

	text, err := formatBatch(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse batch response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetHighRiskCustomers lists at-risk customers for a company.
func (h *Handlers) HandleGetHighRiskCustomers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	companyID := h.company(req)
	if companyID == "" {
		return mcp.NewToolResultError("company_id is required"), nil
	}
	riskLevel := req.GetString("risk_level", "")
	urgency := req.GetString("urgency", "")
	limit := req.GetInt("limit", 0)
	if limit < 0 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}

	raw, err := h.client.GetHighRiskCustomers(ctx, companyID, riskLevel, urgency, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list high-risk customers: %v", err)), nil
	}

	text, err := formatHighRisk(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse high-risk response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatScore(m map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Churn Risk:\n")
	if v := getString(m, "customerId"); v != "" {
		fmt.Fprintf(&sb, "  Customer: %s\n", v)
	}
	if v, ok := getFloat(m, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.0f/100\n", v)
	}
	if v := getString(m, "riskLevel"); v != "" {
		fmt.Fprintf(&sb, "  Risk Level: %s\n", v)
	}
	if v, ok := getFloat(m, "confidence"); ok {
		fmt.Fprintf(&sb, "  Confidence: %.0f%%\n", v*100)
	}
	if v := getString(m, "urgency"); v != "" {
		fmt.Fprintf(&sb, "  Urgency: %s\n", v)
	}
	if v := getString(m, "recommendedAction"); v != "" {
		fmt.Fprintf(&sb, "  Recommended Action: %s\n", v)
	}
	if factors := stringSlice(m["primaryFactors"]); len(factors) > 0 {
		fmt.Fprintf(&sb, "  Primary Factors: %s\n", strings.Join(factors, ", "))
	}

	if signals, ok := m["signals"].([]any); ok && len(signals) > 0 {
		sb.WriteString("  Signals:\n")
		for _, s := range signals {
			sig, ok := s.(map[string]any)
			if !ok {
				continue
			}
			weight, _ := getFloat(sig, "weight")
			fmt.Fprintf(&sb, "    - %s (weight %.2f): %s\n",
				getString(sig, "type"), weight, getString(sig, "description"))
		}
	}
	if v := getString(m, "expiresAt"); v != "" {
		fmt.Fprintf(&sb, "  Expires: %s\n", v)
	}
	return sb.String()
}

func formatBatch(raw json.RawMessage) (string, error) {
	var resp struct {
		Scores   map[string]map[string]any `json:"scores"`
		Failures []struct {
			CustomerID string `json:"customerId"`
			Code       string `json:"code"`
			Error      string `json:"error"`
		} `json:"failures"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	ids := make([]string, 0, len(resp.Scores))
	for id := range resp.Scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scored %d customer(s), %d failed.\n", len(resp.Scores), len(resp.Failures))
	if len(ids) > 0 {
		sb.WriteString("\n")
	}
	for _, id := range ids {
		s := resp.Scores[id]
		score, _ := getFloat(s, "score")
		fmt.Fprintf(&sb, "  %s: %.0f %s (%s)\n", id, score, getString(s, "riskLevel"), getString(s, "recommendedAction"))
	}
	if len(resp.Failures) > 0 {
		sb.WriteString("\nFailures:\n")
		for _, f := range resp.Failures {
			fmt.Fprintf(&sb, "  %s: %s (%s)\n", f.CustomerID, f.Code, f.Error)
		}
	}
	return sb.String(), nil
}

func formatHighRisk(raw json.RawMessage) (string, error) {
	var resp struct {
		Customers []map[string]any `json:"customers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Customers) == 0 {
		return "No high-risk customers found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d high-risk customer(s):\n\n", len(resp.Customers))
	for i, c := range resp.Customers {
		score, _ := getFloat(c, "score")
		fmt.Fprintf(&sb, "%d. %s: %.0f %s, urgency %s\n", i+1,
			getString(c, "customerId"), score, getString(c, "riskLevel"), getString(c, "urgency"))
		if action := getString(c, "recommendedAction"); action != "" {
			fmt.Fprintf(&sb, "   Action: %s\n", action)
		}
	}
	return sb.String(), nil
}

// stringSlice accepts a decoded JSON array or a comma separated string.
func stringSlice(v any) []string {
	var out []string
	switch vals := v.(type) {
	case []any:
		for _, item := range vals {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range vals {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(vals, ",") {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
