package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the churn risk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCalculateChurnRisk = mcp.NewTool("calculate_churn_risk",
	mcp.WithDescription(
		"Compute a fresh churn risk score for one customer. "+
			"Returns a 0-100 score, risk level, the signals that fired, and a recommended retention action. "+
			"The result is stored and reused by get_customer_intent for 24 hours."),
	mcp.WithString("customer_id",
		mcp.Required(),
		mcp.Description("The customer's identifier within the company")),
	mcp.WithString("company_id",
		mcp.Description("Company (tenant) identifier. Defaults to the configured company.")),
)

var ToolGetCustomerIntent = mcp.NewTool("get_customer_intent",
	mcp.WithDescription(
		"Read the most recently stored churn risk score for a customer without recomputing it. "+
			"Reports whether the stored score is stale. Use calculate_churn_risk to refresh it."),
	mcp.WithString("customer_id",
		mcp.Required(),
		mcp.Description("The customer's identifier within the company")),
	mcp.WithString("company_id",
		mcp.Description("Company (tenant) identifier. Defaults to the configured company.")),
)

var ToolBatchCalculateChurnRisk = mcp.NewTool("batch_calculate_churn_risk",
	mcp.WithDescription(
		"Score many customers of one company in a single call. "+
			"Customers that fail are reported individually and do not stop the rest."),
	mcp.WithArray("customer_ids",
		mcp.Required(),
		mcp.Description("Customer identifiers to score (duplicates are scored once)"),
		mcp.WithStringItems()),
	mcp.WithString("company_id",
		mcp.Description("Company (tenant) identifier. Defaults to the configured company.")),
)

var ToolGetHighRiskCustomers = mcp.NewTool("get_high_risk_customers",
	mcp.WithDescription(
		"List stored churn scores for customers at HIGH or CRITICAL risk, highest score first. "+
			"Optionally narrow by a single risk level or urgency."),
	mcp.WithString("company_id",
		mcp.Description("Company (tenant) identifier. Defaults to the configured company.")),
	mcp.WithString("risk_level",
		mcp.Description("Only return this risk level"),
		mcp.Enum("LOW", "MEDIUM", "HIGH", "CRITICAL")),
	mcp.WithString("urgency",
		mcp.Description("Only return this urgency"),
		mcp.Enum("IMMEDIATE", "WITHIN_24H", "WITHIN_7D", "MONITORING")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of customers to return (default 50)")),
)
