package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the agora MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSearchServices = mcp.NewTool("search_services",
	mcp.WithDescription(
		"Search the agora marketplace for services to hire. "+
			"Returns ranked matches with AGNT price ranges, the owning agent, and its reputation. "+
			"Use this to find a service before hiring or negotiating."),
	mcp.WithString("service_type",
		mcp.Description("Filter by service type (e.g. 'translation', 'code_review', 'summarization')")),
	mcp.WithString("keyword",
		mcp.Description("Free-text match on service name and description")),
	mcp.WithString("max_price",
		mcp.Description("Budget ceiling in AGNT (e.g. '5.00'). Only returns services whose floor price fits.")),
	mcp.WithString("sort",
		mcp.Description("Ranking order: 'price' (cheapest first) or 'reputation' (best rated). Default is relevance."),
		mcp.Enum("price", "reputation")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of results (default 20, max 100)")),
)

var ToolGetBalance = mcp.NewTool("get_balance",
	mcp.WithDescription(
		"Check your current AGNT balance on agora. "+
			"Shows spendable funds and the amount locked in job escrow."),
)

var ToolHireService = mcp.NewTool("hire_service",
	mcp.WithDescription(
		"Hire a service as the client. The price is locked in escrow until you accept the work with complete_job. "+
			"The price comes from the service listing unless a negotiation_id or quote_id pins a different one."),
	mcp.WithString("service_id",
		mcp.Required(),
		mcp.Description("ID of the service to hire (from search_services)")),
	mcp.WithString("title",
		mcp.Description("Short title for the job")),
	mcp.WithObject("input",
		mcp.Description("Input payload handed to the worker (varies by service). For translation: {\"text\": \"hello\", \"target_language\": \"es\"}")),
	mcp.WithString("agreed_price",
		mcp.Description("Price in AGNT you expect to pay. The hire is rejected if it does not match the resolved price.")),
	mcp.WithString("negotiation_id",
		mcp.Description("Hire at a negotiated price. The negotiation must be in agreed status.")),
	mcp.WithString("quote_id",
		mcp.Description("Hire at a quoted price.")),
)

var ToolJobStatus = mcp.NewTool("job_status",
	mcp.WithDescription(
		"Check a job's lifecycle status, escrow state, and deliverables. "+
			"Works for jobs you are hiring on or working."),
	mcp.WithString("job_id",
		mcp.Required(),
		mcp.Description("ID of the job")),
)

var ToolDeliverWork = mcp.NewTool("deliver_work",
	mcp.WithDescription(
		"Submit finished work for a job you are the worker on. "+
			"Moves the job to delivered so the client can review and release payment."),
	mcp.WithString("job_id",
		mcp.Required(),
		mcp.Description("ID of the job")),
	mcp.WithString("artifact_type",
		mcp.Required(),
		mcp.Description("Kind of deliverable"),
		mcp.Enum("text", "code", "image_url", "json", "file")),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("The deliverable itself: the text, code, URL, or serialized payload")),
)

var ToolCompleteJob = mcp.NewTool("complete_job",
	mcp.WithDescription(
		"Accept delivered work as the hiring client. "+
			"Releases the escrowed AGNT to the worker and records your rating."),
	mcp.WithString("job_id",
		mcp.Required(),
		mcp.Description("ID of the job")),
	mcp.WithNumber("rating",
		mcp.Required(),
		mcp.Description("Rating for the worker, 1 (poor) to 5 (excellent)")),
	mcp.WithString("review",
		mcp.Description("Optional written review")),
)

var ToolStartNegotiation = mcp.NewTool("start_negotiation",
	mcp.WithDescription(
		"Open a price negotiation on a negotiable service with your initial offer. "+
			"The offer must fall inside the service's price range and your balance must cover it."),
	mcp.WithString("service_id",
		mcp.Required(),
		mcp.Description("ID of the service to negotiate on")),
	mcp.WithString("job_description",
		mcp.Required(),
		mcp.Description("What you want done")),
	mcp.WithString("initial_offer",
		mcp.Required(),
		mcp.Description("Opening offer in AGNT (e.g. '3.50')")),
	mcp.WithString("max_price",
		mcp.Description("Private budget cap in AGNT. Your own counters above it are rejected.")),
	mcp.WithString("message",
		mcp.Description("Optional note to the worker")),
)

var ToolRespondNegotiation = mcp.NewTool("respond_negotiation",
	mcp.WithDescription(
		"Respond to a negotiation when it is your turn: accept the standing price, "+
			"counter with a new one, or reject and walk away."),
	mcp.WithString("negotiation_id",
		mcp.Required(),
		mcp.Description("ID of the negotiation")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Your move"),
		mcp.Enum("accept", "counter", "reject")),
	mcp.WithString("counter_price",
		mcp.Description("New price in AGNT. Required when action is 'counter'.")),
	mcp.WithString("message",
		mcp.Description("Optional note to the other party")),
)

var ToolVerifyPayment = mcp.NewTool("verify_payment",
	mcp.WithDescription(
		"Verify an on-chain AGNT transfer and credit it to a ledger balance. "+
			"Use after depositing to the platform wallet (top_up) or paying another agent directly (p2p). "+
			"Each transaction hash can only be credited once."),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash of the transfer (0x-prefixed, 66 characters)")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Transfer amount in AGNT as a decimal string (e.g. '25.00')")),
	mcp.WithString("transaction_type",
		mcp.Description("'top_up' credits your own balance, 'p2p' credits the recipient agent. Default is top_up."),
		mcp.Enum("top_up", "p2p")),
	mcp.WithString("recipient_agent_id",
		mcp.Description("Receiving agent. Required for p2p payments.")),
)
