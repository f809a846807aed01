package mcp

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/perpsim/internal/storage"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// maxListedEvents caps the events printed by perpsim_run_detail.
const maxListedEvents = 20

// RegisterTools registers all simulator tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	s.AddTool(gomcp.NewTool("perpsim_status",
		gomcp.WithDescription("Get the current simulator run: workflow kind, market, phase, events sent and failures."),
	), statusHandler(client))

	s.AddTool(gomcp.NewTool("perpsim_health",
		gomcp.WithDescription("Quick health check for the simulator. Checks ledger RPC and exchange gateway connectivity."),
	), healthHandler(client))

	s.AddTool(gomcp.NewTool("perpsim_runs",
		gomcp.WithDescription("List recorded workflow runs, newest first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	), runsHandler(client))

	s.AddTool(gomcp.NewTool("perpsim_run_detail",
		gomcp.WithDescription("Get a workflow run by ID with its market snapshots and user events."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), runDetailHandler(client))

	s.AddTool(gomcp.NewTool("perpsim_delete_run",
		gomcp.WithDescription("Delete a run with its events and snapshots. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	), deleteRunHandler(client))
}

func statusHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var st types.StatusResponse
		if err := client.GetJSON(ctx, "/v1/status", &st); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Simulator unreachable: %v\n\nIs `perpsim serve` running?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(st)), nil
	}
}

func healthHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var ready types.ReadyResponse
		if err := client.GetJSON(ctx, "/ready", &ready); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Simulator unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(ready)), nil
	}
}

func runsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)

		var runs storage.PaginatedRuns
		if err := client.GetJSON(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset), &runs); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(runs)), nil
	}
}

func runDetailHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		base := "/v1/runs/" + url.PathEscape(id)

		var run storage.Run
		if err := client.GetJSON(ctx, base, &run); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		var snaps []storage.Snapshot
		if err := client.GetJSON(ctx, base+"/snapshots", &snaps); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run snapshots failed: %v", err)), nil
		}
		var events storage.PaginatedEvents
		if err := client.GetJSON(ctx, fmt.Sprintf("%s/events?limit=%d", base, maxListedEvents), &events); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run events failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(run, snaps, events)), nil
	}
}

func deleteRunHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	}
}

func formatStatus(st types.StatusResponse) string {
	market := "-"
	if st.Market != nil {
		market = fmt.Sprintf("%d", *st.Market)
	}
	lines := joinLines(
		section("Simulator Status"),
		kv("Status", st.Status),
		kv("Run", orDash(st.RunID)),
		kv("Workflow", orDash(string(st.Kind))),
		kv("Market", market),
		kv("Phase", orDash(string(st.Phase))),
		kv("Elapsed", formatElapsed(st.ElapsedMs)),
		kv("Events", formatNumber(st.Events)),
		kv("Failures", formatNumber(st.Failures)),
	)
	if st.Message != "" {
		lines += "\n" + kv("Message", st.Message)
	}
	if st.LastEvent != "" {
		lines += "\n" + kv("Last Event", st.LastEvent)
	}
	if st.Error != "" {
		lines += "\n" + kv("Error", st.Error)
	}
	return lines
}

func formatHealth(ready types.ReadyResponse) string {
	state := "READY"
	if !ready.Ready {
		state = "NOT READY"
	}
	lines := section("Simulator Health: " + state)
	if ready.Slot > 0 {
		lines += "\n" + kv("Slot", formatNumber(ready.Slot))
	}
	for _, c := range ready.Checks {
		line := fmt.Sprintf("  %-15s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatRuns(runs storage.PaginatedRuns) string {
	var b strings.Builder
	b.WriteString(joinLines(
		section("Runs"),
		kv("Total Runs", formatNumber(runs.Total)),
	))
	b.WriteString("\n\n")
	if len(runs.Runs) == 0 {
		b.WriteString("No runs found.")
		return b.String()
	}
	for _, run := range runs.Runs {
		fmt.Fprintf(&b, "### %s\n", run.ID)
		b.WriteString(formatRunSummary(run))
		b.WriteString("\n\n")
	}
	return b.String()
}

func formatRunSummary(run storage.Run) string {
	market := "-"
	if run.Market != nil {
		market = fmt.Sprintf("%d", *run.Market)
	}
	ended := "-"
	if run.EndedAt != nil {
		ended = formatTime(*run.EndedAt)
	}
	lines := joinLines(
		kv("Workflow", run.Kind),
		kv("Market", market),
		kv("Status", run.Status),
		kv("Started", formatTime(run.StartedAt)),
		kv("Ended", ended),
	)
	if run.Error != "" {
		lines += "\n" + kv("Error", run.Error)
	}
	return lines
}

func formatRunDetail(run storage.Run, snaps []storage.Snapshot, events storage.PaginatedEvents) string {
	var b strings.Builder
	b.WriteString(section("Run: " + run.ID))
	b.WriteString("\n")
	b.WriteString(formatRunSummary(run))
	if len(run.Summary) > 0 {
		b.WriteString("\n" + kv("Summary", string(run.Summary)))
	}

	b.WriteString("\n\n" + section("Snapshots") + "\n")
	if len(snaps) == 0 {
		b.WriteString("No snapshots recorded.")
	}
	for _, s := range snaps {
		fmt.Fprintf(&b, "  %-8s %-15s market=%d\n", s.Phase, s.Kind, s.MarketIndex)
	}

	b.WriteString("\n\n" + joinLines(section("Events"), kv("Total", formatNumber(events.Total))) + "\n")
	for i, ev := range events.Events {
		status := "ok"
		if ev.Error != "" {
			status = "failed: " + ev.Error
		}
		fmt.Fprintf(&b, "  [%d] %-24s slot=%d cu=%d %s\n", i, ev.Name, ev.Slot, ev.ComputeUnits, status)
	}
	if events.Total > len(events.Events) {
		fmt.Fprintf(&b, "  ... and %d more\n", events.Total-len(events.Events))
	}
	return b.String()
}
