package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers implements the MCP tool handlers, all sharing one platform client.
type Handlers struct {
	client *AgoraClient
}

// NewHandlers creates the handler set.
func NewHandlers(client *AgoraClient) *Handlers {
	return &Handlers{client: client}
}

// HandleSearchServices implements the search_services tool.
func (h *Handlers) HandleSearchServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SearchServices(ctx,
		req.GetString("service_type", ""),
		req.GetString("keyword", ""),
		req.GetString("max_price", ""),
		req.GetString("sort", ""),
		req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Search failed: %v", err)), nil
	}

	text, err := formatSearchResults(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse search results: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetBalance implements the get_balance tool.
func (h *Handlers) HandleGetBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Balance lookup failed: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleHireService implements the hire_service tool.
func (h *Handlers) HandleHireService(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		return mcp.NewToolResultError("service_id is required"), nil
	}

	var input map[string]any
	if v, ok := req.GetArguments()["input"].(map[string]any); ok {
		input = v
	}

	raw, err := h.client.CreateJob(ctx, serviceID,
		req.GetString("title", ""),
		input,
		req.GetString("agreed_price", ""),
		req.GetString("negotiation_id", ""),
		req.GetString("quote_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Hire failed: %v", err)), nil
	}

	job, err := parseJob(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse job: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Hired. Job %s created with %s AGNT locked in escrow.\n", job.ID, job.Price)
	fmt.Fprintf(&sb, "Worker: %s\n", job.WorkerAgentID)
	fmt.Fprintf(&sb, "Status: %s\n", job.Status)
	sb.WriteString("\nThe worker starts and delivers next. Track progress with job_status; ")
	sb.WriteString("accept the result with complete_job to release payment.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleJobStatus implements the job_status tool.
func (h *Handlers) HandleJobStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id is required"), nil
	}

	raw, err := h.client.GetJob(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Job lookup failed: %v", err)), nil
	}

	job, err := parseJob(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse job: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJob(job)), nil
}

// HandleDeliverWork implements the deliver_work tool.
func (h *Handlers) HandleDeliverWork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	artifactType := req.GetString("artifact_type", "")
	if artifactType == "" {
		return mcp.NewToolResultError("artifact_type is required"), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}

	raw, err := h.client.DeliverJob(ctx, jobID, artifactType, content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Delivery failed: %v", err)), nil
	}

	var resp struct {
		JobID   string `json:"job_id"`
		Status  string `json:"status"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse delivery response: %v", err)), nil
	}

	text := fmt.Sprintf("Delivered version %d for job %s. Status: %s.\n"+
		"The client reviews next: complete_job releases your payment, or they may request a revision.",
		resp.Version, resp.JobID, resp.Status)
	return mcp.NewToolResultText(text), nil
}

// HandleCompleteJob implements the complete_job tool.
func (h *Handlers) HandleCompleteJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	rating := req.GetInt("rating", 0)
	if rating < 1 || rating > 5 {
		return mcp.NewToolResultError("rating must be between 1 and 5"), nil
	}

	raw, err := h.client.CompleteJob(ctx, jobID, rating, req.GetString("review", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Completion failed: %v", err)), nil
	}

	var resp struct {
		JobID  string `json:"job_id"`
		Payout string `json:"payout"`
		Rating int    `json:"rating"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse completion response: %v", err)), nil
	}

	text := fmt.Sprintf("Job %s completed. %s AGNT released to the worker. Rating recorded: %d/5.",
		resp.JobID, resp.Payout, resp.Rating)
	return mcp.NewToolResultText(text), nil
}

// HandleStartNegotiation implements the start_negotiation tool.
func (h *Handlers) HandleStartNegotiation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		return mcp.NewToolResultError("service_id is required"), nil
	}
	jobDescription := req.GetString("job_description", "")
	if jobDescription == "" {
		return mcp.NewToolResultError("job_description is required"), nil
	}
	initialOffer := req.GetString("initial_offer", "")
	if initialOffer == "" {
		return mcp.NewToolResultError("initial_offer is required"), nil
	}

	raw, err := h.client.StartNegotiation(ctx, serviceID, jobDescription, initialOffer,
		req.GetString("max_price", ""),
		req.GetString("message", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start negotiation: %v", err)), nil
	}

	n, err := parseNegotiation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse negotiation: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Negotiation %s opened at %s AGNT.\n", n.ID, n.CurrentPrice)
	fmt.Fprintf(&sb, "Service price range: %s to %s AGNT\n", n.ServiceMinPrice, n.ServiceMaxPrice)
	fmt.Fprintf(&sb, "Rounds used: %d of %d, expires %s\n", n.RoundCount, n.MaxRounds, n.ExpiresAt)
	sb.WriteString("\nWaiting for the worker to accept, counter, or reject.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRespondNegotiation implements the respond_negotiation tool.
func (h *Handlers) HandleRespondNegotiation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	negotiationID := req.GetString("negotiation_id", "")
	if negotiationID == "" {
		return mcp.NewToolResultError("negotiation_id is required"), nil
	}
	action := req.GetString("action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}
	counterPrice := req.GetString("counter_price", "")
	if action == "counter" && counterPrice == "" {
		return mcp.NewToolResultError("counter_price is required when action is counter"), nil
	}

	raw, err := h.client.RespondNegotiation(ctx, negotiationID, action, counterPrice,
		req.GetString("message", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Negotiation response failed: %v", err)), nil
	}

	n, err := parseNegotiation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse negotiation: %v", err)), nil
	}
	return mcp.NewToolResultText(formatNegotiationOutcome(n)), nil
}

// HandleVerifyPayment implements the verify_payment tool.
func (h *Handlers) HandleVerifyPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("tx_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("tx_hash is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	transactionType := req.GetString("transaction_type", "")
	recipient := req.GetString("recipient_agent_id", "")
	if transactionType == "p2p" && recipient == "" {
		return mcp.NewToolResultError("recipient_agent_id is required for p2p payments"), nil
	}

	raw, err := h.client.VerifyPayment(ctx, txHash, amount, transactionType, recipient)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	var resp struct {
		Amount          string `json:"amount"`
		CreditedAgentID string `json:"credited_agent_id"`
		TxHash          string `json:"tx_hash"`
		NewBalance      string `json:"new_balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment verified: %s AGNT credited to %s.\n", resp.Amount, resp.CreditedAgentID)
	fmt.Fprintf(&sb, "Transaction: %s", resp.TxHash)
	if resp.NewBalance != "" {
		fmt.Fprintf(&sb, "\nNew balance: %s AGNT", resp.NewBalance)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Parsing ---

// searchResult is the slice of a discovery hit the tool output needs.
type searchResult struct {
	ServiceID        string  `json:"service_id"`
	ServiceName      string  `json:"service_name"`
	ServiceType      string  `json:"service_type"`
	Description      string  `json:"description"`
	MinPrice         string  `json:"min_price"`
	MaxPrice         string  `json:"max_price"`
	AllowNegotiation bool    `json:"allow_negotiation"`
	AgentID          string  `json:"agent_id"`
	AgentName        string  `json:"agent_name"`
	Reputation       float64 `json:"reputation_score"`
	JobsCompleted    int64   `json:"jobs_completed"`
	MatchReason      string  `json:"match_reason"`
}

func parseSearchResults(raw json.RawMessage) ([]searchResult, error) {
	var resp struct {
		Results []searchResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed search response: %w", err)
	}
	return resp.Results, nil
}

type jobInfo struct {
	ID            string        `json:"id"`
	ServiceID     string        `json:"service_id"`
	ClientAgentID string        `json:"client_agent_id"`
	WorkerAgentID string        `json:"worker_agent_id"`
	Title         string        `json:"title"`
	Price         string        `json:"price"`
	Status        string        `json:"status"`
	EscrowStatus  string        `json:"escrow_status"`
	Rating        int           `json:"rating"`
	Deliverables  []deliverable `json:"deliverables"`
}

type deliverable struct {
	ArtifactType string `json:"artifact_type"`
	Content      string `json:"content"`
	Version      int    `json:"version"`
}

func parseJob(raw json.RawMessage) (*jobInfo, error) {
	var resp struct {
		Job *jobInfo `json:"job"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed job response: %w", err)
	}
	if resp.Job == nil || resp.Job.ID == "" {
		return nil, fmt.Errorf("no job in response")
	}
	return resp.Job, nil
}

type negotiationInfo struct {
	ID              string `json:"id"`
	ServiceID       string `json:"service_id"`
	Status          string `json:"status"`
	CurrentPrice    string `json:"current_price"`
	CurrentProposer string `json:"current_proposer"`
	ServiceMinPrice string `json:"service_min_price"`
	ServiceMaxPrice string `json:"service_max_price"`
	RoundCount      int    `json:"round_count"`
	MaxRounds       int    `json:"max_rounds"`
	ExpiresAt       string `json:"expires_at"`
}

func parseNegotiation(raw json.RawMessage) (*negotiationInfo, error) {
	var resp struct {
		Negotiation *negotiationInfo `json:"negotiation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed negotiation response: %w", err)
	}
	if resp.Negotiation == nil || resp.Negotiation.ID == "" {
		return nil, fmt.Errorf("no negotiation in response")
	}
	return resp.Negotiation, nil
}

// --- Formatting ---

func formatSearchResults(raw json.RawMessage) (string, error) {
	results, err := parseSearchResults(raw)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No services found. Try a broader search: drop max_price or the service_type filter.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d service(s):\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "\n%d. %s (%s)\n", i+1, r.ServiceName, r.ServiceType)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		price := r.MinPrice + " AGNT"
		if r.MaxPrice != r.MinPrice {
			price = r.MinPrice + " to " + r.MaxPrice + " AGNT"
		}
		if r.AllowNegotiation {
			price += ", negotiable"
		}
		fmt.Fprintf(&sb, "   Price: %s\n", price)
		fmt.Fprintf(&sb, "   Agent: %s, reputation %.1f/5, %d jobs completed\n",
			r.AgentName, r.Reputation, r.JobsCompleted)
		fmt.Fprintf(&sb, "   service_id: %s\n", r.ServiceID)
		if r.MatchReason != "" {
			fmt.Fprintf(&sb, "   Match: %s\n", r.MatchReason)
		}
	}
	sb.WriteString("\nHire with hire_service, or open a price negotiation with start_negotiation where negotiable.")
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var b struct {
		AgentID   string `json:"agent_id"`
		Available string `json:"available"`
		Escrow    string `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", fmt.Errorf("malformed balance response: %w", err)
	}
	if b.Available == "" {
		return "", fmt.Errorf("no balance in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Available: %s AGNT", b.Available)
	if !isZeroAmount(b.Escrow) {
		fmt.Fprintf(&sb, "\nIn escrow: %s AGNT", b.Escrow)
	}
	if b.AgentID != "" {
		fmt.Fprintf(&sb, "\nAgent: %s", b.AgentID)
	}
	return sb.String(), nil
}

func formatJob(job *jobInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s\n", job.ID)
	if job.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", job.Title)
	}
	fmt.Fprintf(&sb, "Status: %s\n", job.Status)
	fmt.Fprintf(&sb, "Price: %s AGNT (escrow %s)\n", job.Price, job.EscrowStatus)
	fmt.Fprintf(&sb, "Client: %s\n", job.ClientAgentID)
	fmt.Fprintf(&sb, "Worker: %s\n", job.WorkerAgentID)
	if job.Rating > 0 {
		fmt.Fprintf(&sb, "Rating: %d/5\n", job.Rating)
	}
	if n := len(job.Deliverables); n > 0 {
		latest := job.Deliverables[n-1]
		fmt.Fprintf(&sb, "Deliverables: %d, latest is v%d (%s)\n", n, latest.Version, latest.ArtifactType)
		fmt.Fprintf(&sb, "\nLatest deliverable:\n%s\n", truncate(latest.Content, 2000))
	}
	if hint := nextStep(job.Status); hint != "" {
		fmt.Fprintf(&sb, "\n%s", hint)
	}
	return sb.String()
}

// nextStep tells the model what usually happens next for a job status.
func nextStep(status string) string {
	switch status {
	case "pending":
		return "Waiting for the worker to start."
	case "in_progress":
		return "The worker is on it and submits results with deliver_work."
	case "delivered":
		return "Work is in. The client accepts it with complete_job or requests a revision."
	case "revision_requested":
		return "The client asked for changes; the worker delivers again."
	case "completed":
		return "Done. Payment has been released to the worker."
	case "cancelled", "failed":
		return "Closed. Escrow has been refunded to the client."
	}
	return ""
}

// formatNegotiationOutcome renders the state after a turn. The proposer
// is whoever made the standing offer, so the other side moves next.
func formatNegotiationOutcome(n *negotiationInfo) string {
	switch n.Status {
	case "agreed":
		return fmt.Sprintf("Deal agreed at %s AGNT.\nHire now with hire_service: service_id=%s, negotiation_id=%s.",
			n.CurrentPrice, n.ServiceID, n.ID)
	case "rejected":
		return fmt.Sprintf("Negotiation %s rejected. No deal.", n.ID)
	case "expired":
		return fmt.Sprintf("Negotiation %s has expired. Start a fresh one if you still want the service.", n.ID)
	default:
		return fmt.Sprintf("Countered at %s AGNT (round %d of %d).\nWaiting for the %s to respond.",
			n.CurrentPrice, n.RoundCount, n.MaxRounds, otherParty(n.CurrentProposer))
	}
}

func otherParty(proposer string) string {
	if proposer == "client" {
		return "worker"
	}
	return "client"
}

// isZeroAmount reports whether a decimal amount string is zero, empty,
// or unreadable. Used to hide noise lines in balance output.
func isZeroAmount(s string) bool {
	v, err := strconv.ParseFloat(s, 64)
	return err != nil || v == 0
}

// truncate cuts s for display, marking the cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "\n... (truncated)"
}
