package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/airlock/internal/airlock"
	"github.com/kalambet/airlock/internal/config"
)

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func itemPath(id string, parts ...string) string {
	p := apiPrefix + "/items/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func pageQuery(cmd *cobra.Command) string {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func addPageFlags(cmd *cobra.Command) {
	cmd.Flags().Int("limit", 0, "maximum number of results")
	cmd.Flags().Int("offset", 0, "number of results to skip")
}

// --- items ---

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List and review airlock items",
}

// listFilterParams maps `items list` flags to query parameters.
var listFilterParams = map[string]string{
	"status":         "status",
	"priority":       "priority",
	"content-type":   "content_type",
	"source-service": "source_service",
	"reviewer":       "assigned_reviewer",
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items awaiting or past review",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for flag, key := range listFilterParams {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				q.Set(key, v)
			}
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if offset, _ := cmd.Flags().GetInt("offset"); offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}

		path := apiPrefix + "/items"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var items []airlock.Item
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decoding items: %w", err)
		}
		printItemTable(os.Stdout, items)
		return nil
	},
}

func printItemTable(w io.Writer, items []airlock.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No items found.")
		return
	}
	for _, it := range items {
		title := it.Title
		if r := []rune(title); len(r) > 50 {
			title = string(r[:47]) + "..."
		}
		fmt.Fprintf(w, "%s  %-24s %-8s %s\n",
			it.ID,
			colorize(statusColor(string(it.Status)), string(it.Status)),
			it.Priority,
			title,
		)
	}
}

var itemsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodGet, itemPath(args[0]), nil)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var it airlock.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return fmt.Errorf("decoding item: %w", err)
		}
		printItem(os.Stdout, it)
		return nil
	},
}

func printItem(w io.Writer, it airlock.Item) {
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", colorize(colorBold, label+":"), value)
		}
	}
	field("ID", it.ID)
	field("Title", it.Title)
	field("Status", colorize(statusColor(string(it.Status)), string(it.Status)))
	field("Priority", string(it.Priority))
	field("Content type", string(it.ContentType))
	field("Source", it.SourceService+"/"+it.SourceID)
	field("Created by", it.CreatedByAgentID)
	field("Reviewer", it.AssignedReviewerID)
	field("Approved by", it.ApprovedBy)
	field("Rejected by", it.RejectedBy)
	field("Reason", it.RejectionReason)
	field("Revisions", strconv.Itoa(it.RevisionCount))
	field("Updated", it.UpdatedAt.Format("2006-01-02 15:04:05"))
	if it.Description != "" {
		fmt.Fprintf(w, "\n%s\n", it.Description)
	}
}

// decideCmd builds approve/reject/request-changes, which share one shape:
// POST a reviewer decision and report the new status.
func decideCmd(use, short, action, verb string, build func(cmd *cobra.Command) (map[string]any, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reviewer, _ := cmd.Flags().GetString("reviewer")
			if reviewer == "" {
				return fmt.Errorf("--reviewer is required")
			}
			body, err := build(cmd)
			if err != nil {
				return err
			}
			body["reviewer_id"] = reviewer

			client, err := newAPIClient()
			if err != nil {
				return err
			}
			raw, err := client.fetch(cmdContext(cmd), http.MethodPost, itemPath(args[0], action), body)
			if err != nil {
				return err
			}
			if done, err := emit(raw); done {
				return err
			}

			var it airlock.Item
			if err := json.Unmarshal(raw, &it); err != nil {
				return fmt.Errorf("decoding item: %w", err)
			}
			printSuccess("%s item %s (status %s)", verb, it.ID, it.Status)
			return nil
		},
	}
	c.Flags().String("reviewer", "", "reviewer id")
	return c
}

var itemsApproveCmd = decideCmd("approve", "Approve an item", "approve", "Approved",
	func(cmd *cobra.Command) (map[string]any, error) {
		comments, _ := cmd.Flags().GetString("comments")
		return map[string]any{"comments": comments}, nil
	})

var itemsRejectCmd = decideCmd("reject", "Reject an item", "reject", "Rejected",
	func(cmd *cobra.Command) (map[string]any, error) {
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return nil, fmt.Errorf("--reason is required")
		}
		comments, _ := cmd.Flags().GetString("comments")
		return map[string]any{"reason": reason, "comments": comments}, nil
	})

var itemsRequestChangesCmd = decideCmd("request-changes", "Send an item back for revision", "request-changes", "Requested changes on",
	func(cmd *cobra.Command) (map[string]any, error) {
		reason, _ := cmd.Flags().GetString("reason")
		changes, _ := cmd.Flags().GetStringSlice("change")
		return map[string]any{"reason": reason, "required_changes": changes}, nil
	})

var itemsSubmitCmd = &cobra.Command{
	Use:   "submit <id>",
	Short: "Put a rejected or revised item back in the review queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		if by == "" {
			return fmt.Errorf("--by is required")
		}
		comments, _ := cmd.Flags().GetString("comments")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodPost, itemPath(args[0], "submit"),
			map[string]any{"submitted_by": by, "comments": comments})
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var it airlock.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return fmt.Errorf("decoding item: %w", err)
		}
		printSuccess("Resubmitted item %s (status %s)", it.ID, it.Status)
		return nil
	},
}

var itemsRevisionsCmd = &cobra.Command{
	Use:   "revisions <id>",
	Short: "List an item's revisions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodGet, itemPath(args[0], "revisions"), nil)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var revs []airlock.Revision
		if err := json.Unmarshal(raw, &revs); err != nil {
			return fmt.Errorf("decoding revisions: %w", err)
		}
		if len(revs) == 0 {
			fmt.Println("No revisions.")
			return nil
		}
		for _, r := range revs {
			fmt.Printf("#%-3d %s  %-16s %s\n", r.RevisionNumber, r.CreatedAt.Format("2006-01-02 15:04"), r.CreatedBy, r.ChangesSummary)
		}
		return nil
	},
}

var itemsAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show an item's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodGet, itemPath(args[0], "audit")+pageQuery(cmd), nil)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var events []airlock.AuditEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			return fmt.Errorf("decoding audit trail: %w", err)
		}
		for _, ev := range events {
			fmt.Printf("%s  %-32s %s:%s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.EventType, ev.ActorType, ev.ActorID)
		}
		return nil
	},
}

func init() {
	itemsListCmd.Flags().String("status", "", "filter by status")
	itemsListCmd.Flags().String("priority", "", "filter by priority")
	itemsListCmd.Flags().String("content-type", "", "filter by content type")
	itemsListCmd.Flags().String("source-service", "", "filter by producing service")
	itemsListCmd.Flags().String("reviewer", "", "filter by assigned reviewer")
	addPageFlags(itemsListCmd)
	addPageFlags(itemsAuditCmd)

	itemsApproveCmd.Flags().String("comments", "", "optional comments")
	itemsRejectCmd.Flags().String("reason", "", "rejection reason")
	itemsRejectCmd.Flags().String("comments", "", "optional comments")
	itemsRequestChangesCmd.Flags().String("reason", "", "why changes are needed")
	itemsRequestChangesCmd.Flags().StringSlice("change", nil, "a required change (repeatable)")
	itemsSubmitCmd.Flags().String("by", "", "who is resubmitting the item")
	itemsSubmitCmd.Flags().String("comments", "", "optional comments")

	itemsCmd.AddCommand(itemsListCmd)
	itemsCmd.AddCommand(itemsShowCmd)
	itemsCmd.AddCommand(itemsApproveCmd)
	itemsCmd.AddCommand(itemsRejectCmd)
	itemsCmd.AddCommand(itemsRequestChangesCmd)
	itemsCmd.AddCommand(itemsSubmitCmd)
	itemsCmd.AddCommand(itemsRevisionsCmd)
	itemsCmd.AddCommand(itemsAuditCmd)
}

// --- messages ---

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read or post chat messages on an item",
}

var messagesListCmd = &cobra.Command{
	Use:   "list <item-id>",
	Short: "List chat messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodGet, itemPath(args[0], "messages")+pageQuery(cmd), nil)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var msgs []airlock.ChatMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return fmt.Errorf("decoding messages: %w", err)
		}
		printMessages(os.Stdout, msgs)
		return nil
	},
}

func printMessages(w io.Writer, msgs []airlock.ChatMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		color := colorCyan
		if m.SenderType == airlock.ParticipantSystem {
			color = colorYellow
		}
		fmt.Fprintf(w, "%s %s [%s] %s\n",
			m.CreatedAt.Format("15:04:05"),
			colorize(color, sender),
			m.MessageType,
			m.Content,
		)
	}
}

var messagesSendCmd = &cobra.Command{
	Use:   "send <item-id> <text>",
	Short: "Post a chat message as a reviewer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		name, _ := cmd.Flags().GetString("name")
		senderType, _ := cmd.Flags().GetString("sender-type")

		body := map[string]any{
			"sender_type":  senderType,
			"sender_id":    user,
			"sender_name":  name,
			"message_type": string(airlock.MessageText),
			"content":      args[1],
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodPost, itemPath(args[0], "messages"), body)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var msg airlock.ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		printSuccess("Posted message %s", msg.ID)
		return nil
	},
}

func init() {
	addPageFlags(messagesListCmd)
	messagesSendCmd.Flags().String("user", "", "sender id")
	messagesSendCmd.Flags().String("name", "", "sender display name")
	messagesSendCmd.Flags().String("sender-type", string(airlock.ParticipantHuman), "human, agent or system")

	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesSendCmd)
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Read or record structured feedback on an item",
}

var feedbackListCmd = &cobra.Command{
	Use:   "list <item-id>",
	Short: "List feedback, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodGet, itemPath(args[0], "feedback")+pageQuery(cmd), nil)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var fbs []airlock.Feedback
		if err := json.Unmarshal(raw, &fbs); err != nil {
			return fmt.Errorf("decoding feedback: %w", err)
		}
		if len(fbs) == 0 {
			fmt.Println("No feedback.")
			return nil
		}
		for _, fb := range fbs {
			fmt.Printf("%s  %-12s %-8s %s %s\n",
				fb.CreatedAt.Format("2006-01-02 15:04"),
				fb.FeedbackType,
				fb.Severity,
				fb.ProvidedBy,
				string(fb.FeedbackData),
			)
		}
		return nil
	},
}

var feedbackAddCmd = &cobra.Command{
	Use:   "add <item-id>",
	Short: "Record feedback on an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		typ, _ := cmd.Flags().GetString("type")
		severity, _ := cmd.Flags().GetString("severity")
		data, _ := cmd.Flags().GetString("data")
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("--data must be valid JSON")
		}

		body := map[string]any{
			"feedback_type": typ,
			"feedback_data": json.RawMessage(data),
			"provided_by":   user,
			"severity":      severity,
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodPost, itemPath(args[0], "feedback"), body)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var fb airlock.Feedback
		if err := json.Unmarshal(raw, &fb); err != nil {
			return fmt.Errorf("decoding feedback: %w", err)
		}
		printSuccess("Recorded %s feedback %s", fb.FeedbackType, fb.ID)
		return nil
	},
}

func init() {
	addPageFlags(feedbackListCmd)
	feedbackAddCmd.Flags().String("user", "", "reviewer id")
	feedbackAddCmd.Flags().String("type", string(airlock.FeedbackComment), "feedback type")
	feedbackAddCmd.Flags().String("severity", string(airlock.SeverityMedium), "low, medium, high or critical")
	feedbackAddCmd.Flags().String("data", "{}", "feedback payload as JSON")

	feedbackCmd.AddCommand(feedbackListCmd)
	feedbackCmd.AddCommand(feedbackAddCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dashboard counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := apiPrefix + "/dashboard/stats"
		if reviewer, _ := cmd.Flags().GetString("reviewer"); reviewer != "" {
			path += "?reviewer_id=" + url.QueryEscape(reviewer)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		raw, err := client.fetch(cmdContext(cmd), http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if done, err := emit(raw); done {
			return err
		}

		var stats airlock.DashboardStats
		if err := json.Unmarshal(raw, &stats); err != nil {
			return fmt.Errorf("decoding stats: %w", err)
		}
		printCounts(os.Stdout, "By status", stats.ByStatus)
		printCounts(os.Stdout, "By priority", stats.ByPriority)
		printCounts(os.Stdout, "By content type", stats.ByContentType)
		fmt.Printf("%s %d\n", colorize(colorBold, "Overdue:"), stats.OverdueCount)
		return nil
	},
}

func printCounts(w io.Writer, label string, counts map[string]int) {
	fmt.Fprintln(w, colorize(colorBold, label+":"))
	if len(counts) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
}

func init() {
	statsCmd.Flags().String("reviewer", "", "count only items assigned to this reviewer")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		if outputFormat != "" {
			raw, err := json.Marshal(keys)
			if err != nil {
				return err
			}
			return writeStructured(os.Stdout, outputFormat, raw)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
