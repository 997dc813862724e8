package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/airlock/internal/airlock"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := setupAppHandler(t)
	return MCPDeps{Service: env.svc}, env
}

func submitArgs() map[string]interface{} {
	return map[string]interface{}{
		"content_type":   "campaign",
		"source_service": "campaign-agent",
		"source_id":      "c-42",
		"title":          "Spring launch",
		"content":        `{"channels":["email","social"]}`,
		"agent_id":       "agent-7",
	}
}

func submitItem(t *testing.T, deps MCPDeps) airlock.Item {
	t.Helper()
	result, err := mcpSubmitForReview(deps)(context.Background(), makeCallToolRequest("submit_for_review", submitArgs()))
	if err != nil {
		t.Fatalf("submit_for_review: %v", err)
	}
	if result.IsError {
		t.Fatalf("submit_for_review error: %s", toolText(t, result))
	}
	items, err := deps.Service.ListItems(context.Background(), airlock.ItemFilter{SourceService: "campaign-agent"})
	if err != nil || len(items) == 0 {
		t.Fatalf("submitted item not listed: %v", err)
	}
	return items[0]
}

func TestMCPTool_SubmitForReview(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	it := submitItem(t, deps)
	if it.Status != airlock.StatusPendingReview || it.CreatedByAgentID != "agent-7" {
		t.Errorf("submitted item = %+v", it)
	}
	if string(it.Content) != `{"channels":["email","social"]}` {
		t.Errorf("content = %s", it.Content)
	}
}

func TestMCPTool_SubmitForReview_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSubmitForReview(deps)

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing content", func(a map[string]interface{}) { delete(a, "content") }},
		{"content not json", func(a map[string]interface{}) { a["content"] = "not json" }},
		{"content not object", func(a map[string]interface{}) { a["content"] = "[1]" }},
		{"unknown content type", func(a map[string]interface{}) { a["content_type"] = "poem" }},
		{"missing title", func(a map[string]interface{}) { delete(a, "title") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := submitArgs()
			tt.mutate(args)
			result, err := handler(context.Background(), makeCallToolRequest("submit_for_review", args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Errorf("expected tool error, got %q", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_GetReviewStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	it := submitItem(t, deps)

	if _, err := deps.Service.Reject(context.Background(), it.ID, "rev-1", "wrong audience", ""); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	result, err := mcpGetReviewStatus(deps)(context.Background(), makeCallToolRequest("get_review_status", map[string]interface{}{"item_id": it.ID}))
	if err != nil || result.IsError {
		t.Fatalf("get_review_status failed: %v", err)
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("status is not JSON: %v", err)
	}
	if status["status"] != "rejected" || status["rejection_reason"] != "wrong audience" {
		t.Errorf("status = %v", status)
	}

	result, _ = mcpGetReviewStatus(deps)(context.Background(), makeCallToolRequest("get_review_status", map[string]interface{}{"item_id": "missing"}))
	if !result.IsError {
		t.Error("expected error for unknown item")
	}
}

func TestMCPTool_ListFeedback(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	it := submitItem(t, deps)
	handler := mcpListFeedback(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_feedback", map[string]interface{}{"item_id": it.ID}))
	if err != nil || result.IsError {
		t.Fatalf("list_feedback failed: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("empty feedback = %q, want []", text)
	}

	_, err = deps.Service.AppendFeedback(context.Background(), it.ID, airlock.NewFeedback{
		FeedbackType: airlock.FeedbackImprovement,
		FeedbackData: json.RawMessage(`{"note":"add a deadline"}`),
		ProvidedBy:   "rev-1",
	}, airlock.ParticipantHuman, "")
	if err != nil {
		t.Fatalf("AppendFeedback: %v", err)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_feedback", map[string]interface{}{"item_id": it.ID, "limit": float64(10)}))
	var fbs []airlock.Feedback
	if err := json.Unmarshal([]byte(toolText(t, result)), &fbs); err != nil {
		t.Fatalf("feedback is not JSON: %v", err)
	}
	if len(fbs) != 1 || fbs[0].FeedbackType != airlock.FeedbackImprovement {
		t.Errorf("feedback = %+v", fbs)
	}
}

func TestMCPTool_PostMessage(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	it := submitItem(t, deps)

	result, err := mcpPostMessage(deps)(context.Background(), makeCallToolRequest("post_message", map[string]interface{}{
		"item_id":    it.ID,
		"agent_id":   "agent-7",
		"agent_name": "Campaign Bot",
		"content":    "I can shorten the copy if needed.",
	}))
	if err != nil || result.IsError {
		t.Fatalf("post_message failed: %v %v", err, result)
	}
	if !strings.HasPrefix(toolText(t, result), "Posted message ") {
		t.Errorf("result = %q", toolText(t, result))
	}

	msgs, err := deps.Service.ListMessages(context.Background(), it.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.SenderType != airlock.ParticipantAgent || last.SenderName != "Campaign Bot" {
		t.Errorf("posted message = %+v", last)
	}

	result, _ = mcpPostMessage(deps)(context.Background(), makeCallToolRequest("post_message", map[string]interface{}{
		"item_id": it.ID, "agent_id": "agent-7",
	}))
	if !result.IsError {
		t.Error("expected error when content is missing")
	}
}

func TestMCPTool_CreateRevision(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	it := submitItem(t, deps)
	handler := mcpCreateRevision(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_revision", map[string]interface{}{
		"item_id":         it.ID,
		"content":         `{"channels":["email"]}`,
		"agent_id":        "agent-7",
		"changes_summary": "dropped social",
	}))
	if err != nil || result.IsError {
		t.Fatalf("create_revision failed: %v", err)
	}
	if text := toolText(t, result); !strings.Contains(text, "revision 1") {
		t.Errorf("result = %q", text)
	}

	got, _ := deps.Service.GetItem(context.Background(), it.ID)
	if got.Status != airlock.StatusInRevision {
		t.Errorf("status = %q, want in_revision", got.Status)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("create_revision", map[string]interface{}{
		"item_id": it.ID, "content": "{broken", "agent_id": "agent-7",
	}))
	if !result.IsError {
		t.Error("expected error for invalid JSON content")
	}
}

func TestMCPResource_Pending(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	pending := submitItem(t, deps)

	args := submitArgs()
	args["source_service"] = "other-agent"
	mcpSubmitForReview(deps)(context.Background(), makeCallToolRequest("submit_for_review", args))
	others, _ := deps.Service.ListItems(context.Background(), airlock.ItemFilter{SourceService: "other-agent"})
	if _, err := deps.Service.Approve(context.Background(), others[0].ID, "rev-1", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	contents, err := mcpResourcePending(deps)(context.Background(), makeReadResourceRequest("airlock://pending"))
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var summaries []map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("resource is not JSON: %v", err)
	}
	if len(summaries) != 1 || summaries[0]["id"] != pending.ID {
		t.Errorf("pending = %v", summaries)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
