package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/airlock/internal/airlock"
	"github.com/kalambet/airlock/internal/workflow"
)

const pendingResourceLimit = 100

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *workflow.Service
}

// NewMCPServer creates an MCP server exposing the airlock to AI producers.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"airlock",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("airlock: submit generated content for human review, track its status and respond to reviewer feedback."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("submit_for_review",
			mcp.WithDescription("Submit a piece of generated content for human review."),
			mcp.WithString("content_type", mcp.Description("One of training_validation, creative_asset, ideation, design, campaign, document, report"), mcp.Required()),
			mcp.WithString("source_service", mcp.Description("Name of the producing service"), mcp.Required()),
			mcp.WithString("source_id", mcp.Description("Producer-side identifier of the content"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Short title shown to reviewers"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Content as a JSON object"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Longer description for reviewers")),
			mcp.WithString("metadata", mcp.Description("Optional metadata as a JSON object")),
			mcp.WithString("priority", mcp.Description("low, medium, high or urgent (default medium)")),
			mcp.WithString("assigned_reviewer_id", mcp.Description("Reviewer to assign")),
			mcp.WithString("agent_id", mcp.Description("Identifier of the submitting agent")),
		),
		mcpSubmitForReview(deps),
	)

	s.AddTool(
		mcp.NewTool("get_review_status",
			mcp.WithDescription("Return the current review state of an item."),
			mcp.WithString("item_id", mcp.Description("Item identifier"), mcp.Required()),
		),
		mcpGetReviewStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_feedback",
			mcp.WithDescription("List structured reviewer feedback for an item, newest first."),
			mcp.WithString("item_id", mcp.Description("Item identifier"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 50)")),
		),
		mcpListFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("post_message",
			mcp.WithDescription("Post a chat message to the reviewers of an item."),
			mcp.WithString("item_id", mcp.Description("Item identifier"), mcp.Required()),
			mcp.WithString("agent_id", mcp.Description("Identifier of the posting agent"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
			mcp.WithString("agent_name", mcp.Description("Display name of the agent")),
			mcp.WithString("message_type", mcp.Description("text (default) or suggestion")),
		),
		mcpPostMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("create_revision",
			mcp.WithDescription("Replace an item's content with a revised version and move it to in_revision."),
			mcp.WithString("item_id", mcp.Description("Item identifier"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Revised content as a JSON object"), mcp.Required()),
			mcp.WithString("agent_id", mcp.Description("Identifier of the revising agent"), mcp.Required()),
			mcp.WithString("changes_summary", mcp.Description("What changed and why")),
		),
		mcpCreateRevision(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"airlock://pending",
			"Pending Reviews",
			mcp.WithResourceDescription("Items currently waiting for review (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpSubmitForReview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		in := airlock.NewItem{
			ContentType:        airlock.ContentType(req.GetString("content_type", "")),
			SourceService:      req.GetString("source_service", ""),
			SourceID:           req.GetString("source_id", ""),
			Title:              req.GetString("title", ""),
			Description:        req.GetString("description", ""),
			Content:            json.RawMessage(content),
			Priority:           airlock.Priority(req.GetString("priority", "")),
			AssignedReviewerID: req.GetString("assigned_reviewer_id", ""),
			CreatedByAgentID:   req.GetString("agent_id", ""),
		}
		if meta := req.GetString("metadata", ""); meta != "" {
			in.Metadata = json.RawMessage(meta)
		}
		if !json.Valid(in.Content) || (in.Metadata != nil && !json.Valid(in.Metadata)) {
			return mcpError("content and metadata must be valid JSON objects"), nil
		}

		it, err := deps.Service.CreateItem(ctx, in)
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Submitted item %s for review (status %s)", it.ID, it.Status)), nil
	}
}

func mcpGetReviewStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}
		it, err := deps.Service.GetItem(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		type reviewStatus struct {
			ID              string         `json:"id"`
			Title           string         `json:"title"`
			Status          airlock.Status `json:"status"`
			ApprovedBy      string         `json:"approved_by,omitempty"`
			RejectedBy      string         `json:"rejected_by,omitempty"`
			RejectionReason string         `json:"rejection_reason,omitempty"`
			RevisionCount   int            `json:"revision_count"`
			UpdatedAt       string         `json:"updated_at"`
		}
		b, err := json.Marshal(reviewStatus{
			ID:              it.ID,
			Title:           it.Title,
			Status:          it.Status,
			ApprovedBy:      it.ApprovedBy,
			RejectedBy:      it.RejectedBy,
			RejectionReason: it.RejectionReason,
			RevisionCount:   it.RevisionCount,
			UpdatedAt:       it.UpdatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}
		limit := req.GetInt("limit", defaultPageSize)
		if limit <= 0 {
			limit = defaultPageSize
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}

		fbs, err := deps.Service.ListFeedback(ctx, id, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("list feedback failed: %v", err)), nil
		}
		if len(fbs) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(fbs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal feedback: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPostMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		msg, err := deps.Service.AppendMessage(ctx, id, airlock.NewMessage{
			SenderType:  airlock.ParticipantAgent,
			SenderID:    agentID,
			SenderName:  req.GetString("agent_name", ""),
			MessageType: airlock.MessageType(req.GetString("message_type", "")),
			Content:     content,
		}, "")
		if err != nil {
			return mcpError(fmt.Sprintf("post failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Posted message %s", msg.ID)), nil
	}
}

func mcpCreateRevision(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		if !json.Valid([]byte(content)) {
			return mcpError("content must be a valid JSON object"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}

		rev, err := deps.Service.CreateRevision(ctx, id, airlock.NewRevision{
			Content:        json.RawMessage(content),
			ChangesSummary: req.GetString("changes_summary", ""),
			CreatedBy:      agentID,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("revision failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created revision %d for item %s", rev.RevisionNumber, id)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Service.ListItems(ctx, airlock.ItemFilter{
			Status: airlock.StatusPendingReview,
			Limit:  pendingResourceLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list pending items: %w", err)
		}

		type pendingSummary struct {
			ID          string              `json:"id"`
			Title       string              `json:"title"`
			ContentType airlock.ContentType `json:"content_type"`
			Priority    airlock.Priority    `json:"priority"`
			Reviewer    string              `json:"assigned_reviewer_id,omitempty"`
			CreatedAt   string              `json:"created_at"`
		}

		summaries := make([]pendingSummary, len(items))
		for i, it := range items {
			title := it.Title
			if utf8.RuneCountInString(title) > 200 {
				runes := []rune(title)
				title = string(runes[:200]) + "..."
			}
			summaries[i] = pendingSummary{
				ID:          it.ID,
				Title:       title,
				ContentType: it.ContentType,
				Priority:    it.Priority,
				Reviewer:    it.AssignedReviewerID,
				CreatedAt:   it.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending items: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
