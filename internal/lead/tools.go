package lead

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/teambridge/internal/history"
)

// NewServer builds the lead's MCP server with the team tools registered.
func NewServer(d *Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"team-bridge-lead",
		version,
		server.WithInstructions(instructionsText(d.Team)),
	)
	registerTeamStatus(s, d)
	registerSendMessage(s, d)
	registerBroadcast(s, d)
	registerCreateTask(s, d)
	registerRouteTasks(s, d)
	registerUsageReport(s, d)
	registerShutdownWorker(s, d)
	if d.Worktrees != nil {
		registerMergeWorker(s, d)
	}
	if d.History != nil {
		registerTeamActivity(s, d)
	}
	return s
}

func instructionsText(team string) string {
	return fmt.Sprintf("You are the lead for team %q. Use team_status to see members, "+
		"create_task and route_tasks to hand out work, send_message and broadcast to "+
		"communicate, and usage_report to review spend. Workers pick up tasks on their "+
		"own; do not poll more than once every few seconds.", team)
}

// jsonResult renders any value as an indented-JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func registerTeamStatus(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("team_status",
			mcp.WithDescription("List all team members with backend, model, liveness status, and current task."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			members, err := d.TeamStatus()
			if err != nil {
				return nil, err
			}
			if len(members) == 0 {
				return mcp.NewToolResultText("No members registered"), nil
			}
			return jsonResult(members)
		},
	)
}

func registerSendMessage(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to one team member. Bridge-managed workers receive it in their inbox before the next task."),
			mcp.WithString("worker", mcp.Required(), mcp.Description("Member name")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message content")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			worker, _ := args["worker"].(string)
			content, _ := args["content"].(string)
			if worker == "" || content == "" {
				return nil, fmt.Errorf("worker and content are required")
			}
			res, err := d.SendMessage(worker, content)
			if err != nil {
				return nil, err
			}
			if !res.Delivered {
				return mcp.NewToolResultText(res.Hint), nil
			}
			d.Logger.Printf("Lead: message queued for %s", worker)
			return mcp.NewToolResultText(fmt.Sprintf("Message queued for %s", worker)), nil
		},
	)
}

func registerBroadcast(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("broadcast",
			mcp.WithDescription("Send a message to every bridge-managed team member."),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message content")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			content, _ := req.GetArguments()["content"].(string)
			if content == "" {
				return nil, fmt.Errorf("content is required")
			}
			delivered, native, err := d.Broadcast(content)
			if err != nil {
				return nil, err
			}
			msg := fmt.Sprintf("Delivered to %d member(s)", len(delivered))
			if len(native) > 0 {
				msg += fmt.Sprintf("; use the native send path for: %s", strings.Join(native, ", "))
			}
			return mcp.NewToolResultText(msg), nil
		},
	)
}

func registerCreateTask(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a task. Leave owner empty and run route_tasks to assign it by capability."),
			mcp.WithString("subject", mcp.Required(), mcp.Description("Short task summary")),
			mcp.WithString("description", mcp.Description("Full task description")),
			mcp.WithString("owner", mcp.Description("Worker to assign directly (optional)")),
			mcp.WithString("blocked_by", mcp.Description("Comma-separated task ids that must complete first")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			subject, _ := args["subject"].(string)
			description, _ := args["description"].(string)
			owner, _ := args["owner"].(string)
			var blockedBy []string
			if raw, _ := args["blocked_by"].(string); raw != "" {
				for _, id := range strings.Split(raw, ",") {
					if id = strings.TrimSpace(id); id != "" {
						blockedBy = append(blockedBy, id)
					}
				}
			}
			t, err := d.CreateTask(subject, description, owner, blockedBy)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Task %s created", t.ID)), nil
		},
	)
}

func registerRouteTasks(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("route_tasks",
			mcp.WithDescription("Assign every unowned pending task to the best-fitting live worker."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			decisions, err := d.RouteUnassigned()
			if err != nil {
				return nil, err
			}
			if len(decisions) == 0 {
				return mcp.NewToolResultText("Nothing to route"), nil
			}
			return jsonResult(decisions)
		},
	)
}

func registerUsageReport(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("usage_report",
			mcp.WithDescription("Per-worker usage totals: tasks completed, wall clock, prompt and response sizes."),
			mcp.WithBoolean("full", mcp.Description("Render the full markdown team report instead of totals")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if full, _ := req.GetArguments()["full"].(bool); full {
				report, err := d.TeamReport()
				if err != nil {
					return nil, err
				}
				return mcp.NewToolResultText(report), nil
			}
			totals, err := d.UsageReport()
			if err != nil {
				return nil, err
			}
			if len(totals) == 0 {
				return mcp.NewToolResultText("No usage recorded"), nil
			}
			return jsonResult(totals)
		},
	)
}

func registerShutdownWorker(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("shutdown_worker",
			mcp.WithDescription("Ask a worker's bridge to shut down cleanly. With drain=true the worker finishes its current task first."),
			mcp.WithString("worker", mcp.Required(), mcp.Description("Worker name")),
			mcp.WithString("reason", mcp.Description("Reason recorded with the request")),
			mcp.WithBoolean("drain", mcp.Description("Finish in-flight work before exiting (default: false)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			worker, _ := args["worker"].(string)
			if worker == "" {
				return nil, fmt.Errorf("worker is required")
			}
			reason, _ := args["reason"].(string)
			drain, _ := args["drain"].(bool)

			var requestID string
			var err error
			if drain {
				requestID, err = d.DrainWorker(worker, reason)
			} else {
				requestID, err = d.ShutdownWorker(worker, reason)
			}
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Request %s sent to %s; watch the outbox for the acknowledgement", requestID, worker)), nil
		},
	)
}

func registerMergeWorker(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("merge_worker",
			mcp.WithDescription("Merge a worker's branch into the base branch. Without a worker, merges all branches in order and stops at the first failure."),
			mcp.WithString("worker", mcp.Description("Worker whose branch to merge (optional)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			worker, _ := req.GetArguments()["worker"].(string)
			if worker != "" {
				res, err := d.MergeWorker(worker)
				if err != nil {
					return nil, err
				}
				return jsonResult(res)
			}
			results, err := d.MergeAll()
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return mcp.NewToolResultText("No worker branches to merge"), nil
			}
			return jsonResult(results)
		},
	)
}

func registerTeamActivity(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("team_activity",
			mcp.WithDescription("Query the team's activity timeline, newest first."),
			mcp.WithString("event_type", mcp.Description("Filter by event type (e.g. task_completed)")),
			mcp.WithString("worker", mcp.Description("Filter by worker name")),
			mcp.WithString("since", mcp.Description("RFC3339 lower bound")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries (default: 100)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			f := history.Filter{}
			f.EventType, _ = args["event_type"].(string)
			f.Worker, _ = args["worker"].(string)
			f.Since, _ = args["since"].(string)
			if v, ok := args["limit"].(float64); ok {
				f.Limit = int(v)
			}
			entries, err := d.Activity(f)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				return mcp.NewToolResultText("No activity"), nil
			}
			return jsonResult(entries)
		},
	)
}
