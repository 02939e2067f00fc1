package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Saturn MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListServices = mcp.NewTool("list_services",
	mcp.WithDescription(
		"Browse the Saturn service catalog. "+
			"Returns every service callable through the metered proxy with its "+
			"per-operation pricing in sats. Use this to find a service_slug "+
			"before calling call_service."),
)

var ToolCallService = mcp.NewTool("call_service",
	mcp.WithDescription(
		"Call a third-party API through the Saturn metered proxy. "+
			"Saturn quotes the price from the catalog, checks your spend policy, "+
			"debits your prepaid wallet, and forwards the request with the "+
			"platform's upstream credentials. The result shows what you were "+
			"charged and your remaining balance."),
	mcp.WithString("service_slug",
		mcp.Required(),
		mcp.Description("Slug of the service to call, from list_services (e.g. 'openai-gpt')")),
	mcp.WithObject("params",
		mcp.Description("Request body forwarded to the service (varies by service). For chat: {\"messages\": [{\"role\": \"user\", \"content\": \"hi\"}]}")),
)

var ToolCallCapability = mcp.NewTool("call_capability",
	mcp.WithDescription(
		"Call a capability (e.g. 'chat', 'search', 'weather') and let Saturn "+
			"route it to the best provider. Curated services route first; pin a "+
			"specific one with the provider argument. Billing works exactly like "+
			"call_service."),
	mcp.WithString("capability",
		mcp.Required(),
		mcp.Description("Capability to invoke (e.g. 'chat', 'search')")),
	mcp.WithString("provider",
		mcp.Description("Optional service slug to pin instead of letting Saturn route")),
	mcp.WithObject("params",
		mcp.Description("Request body forwarded to the selected service")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your Saturn wallet balance. "+
			"Shows available and held amounts in both sats and USD."),
)

var ToolFundWallet = mcp.NewTool("fund_wallet",
	mcp.WithDescription(
		"Create a Lightning invoice to top up your Saturn wallet with sats. "+
			"Returns a BOLT11 payment request to pay; the wallet is credited "+
			"automatically when the invoice settles."),
	mcp.WithNumber("amount_sats",
		mcp.Required(),
		mcp.Description("Amount to fund in satoshis (1 to 100000000)")),
	mcp.WithString("memo",
		mcp.Description("Optional memo attached to the invoice (max 500 characters)")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List recent wallet transactions: metered call debits, Lightning and "+
			"card credits, and refunds. Newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)
