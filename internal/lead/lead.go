// Package lead is the driver side of a team: an MCP server over stdio
// exposing team operations, plus an outbox watcher that surfaces worker
// results as they land.
package lead

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/history"
	"github.com/jaakkos/teambridge/internal/mailbox"
	"github.com/jaakkos/teambridge/internal/registry"
	"github.com/jaakkos/teambridge/internal/task"
	"github.com/jaakkos/teambridge/internal/team"
	"github.com/jaakkos/teambridge/internal/usage"
	"github.com/jaakkos/teambridge/internal/worktree"
)

// Deps carries everything the lead operates on. Worktrees and History
// are optional; the tools that need them are skipped when nil.
type Deps struct {
	Team       string
	BaseBranch string
	Tasks      *task.Store
	Mail       *mailbox.Store
	View       *team.View
	Registry   *registry.Registry
	Audit      *audit.Log
	Usage      *usage.Tracker
	Worktrees  *worktree.Coordinator
	History    *history.Index
	Logger     *log.Logger
}

// TeamStatus returns the unified member list.
func (d *Deps) TeamStatus() ([]team.MemberView, error) {
	return d.View.GetTeamMembers(d.Team)
}

// SendMessage routes content to one member's inbox, or reports the
// native path for members the bridge does not manage.
func (d *Deps) SendMessage(worker, content string) (*team.RouteResult, error) {
	members, err := d.View.GetTeamMembers(d.Team)
	if err != nil {
		return nil, err
	}
	return team.RouteMessage(d.Mail, members, d.Team, worker, content)
}

// Broadcast fans content out to every bridge-managed member.
func (d *Deps) Broadcast(content string) (delivered, native []string, err error) {
	members, err := d.View.GetTeamMembers(d.Team)
	if err != nil {
		return nil, nil, err
	}
	return team.BroadcastToTeam(d.Mail, members, d.Team, content)
}

// CreateTask writes a new pending task with the next free numeric id.
func (d *Deps) CreateTask(subject, description, owner string, blockedBy []string) (*task.Task, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("subject is required")
	}
	ids, err := d.Tasks.ListTaskIds(d.Team)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, id := range ids {
		if n, err := strconv.Atoi(id); err == nil && n >= next {
			next = n + 1
		}
	}
	t := &task.Task{
		ID:          strconv.Itoa(next),
		Subject:     subject,
		Description: description,
		Status:      task.StatusPending,
		Owner:       owner,
		BlockedBy:   blockedBy,
	}
	if err := d.Tasks.WriteTask(d.Team, t); err != nil {
		return nil, err
	}
	d.Logger.Printf("Lead: created task %s (%s)", t.ID, subject)
	return t, nil
}

// RouteUnassigned assigns ownerless pending tasks to members by
// capability fit and applies the decisions to the task files. Required
// capabilities are read from each task's requiredCapabilities metadata.
func (d *Deps) RouteUnassigned() ([]team.RoutingDecision, error) {
	members, err := d.View.GetTeamMembers(d.Team)
	if err != nil {
		return nil, err
	}
	ids, err := d.Tasks.ListTaskIds(d.Team)
	if err != nil {
		return nil, err
	}

	var unassigned []string
	required := map[string][]string{}
	for _, id := range ids {
		t, err := d.Tasks.ReadTask(d.Team, id)
		if err != nil || t == nil {
			continue
		}
		if t.Status != task.StatusPending || t.Owner != "" {
			continue
		}
		unassigned = append(unassigned, t.ID)
		required[t.ID] = requiredCapabilities(t)
	}

	decisions := team.RouteTasks(members, unassigned, required, d.View.Capabilities)
	for _, dec := range decisions {
		if _, err := d.Tasks.UpdateTask(d.Team, dec.TaskID, map[string]any{"owner": dec.AssignedTo}, true); err != nil {
			return decisions, fmt.Errorf("assign task %s: %w", dec.TaskID, err)
		}
		d.Logger.Printf("Lead: routed task %s to %s (%s)", dec.TaskID, dec.AssignedTo, dec.Reason)
	}
	return decisions, nil
}

func requiredCapabilities(t *task.Task) []string {
	raw, ok := t.Metadata["requiredCapabilities"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// UsageReport aggregates per-worker usage totals.
func (d *Deps) UsageReport() ([]usage.WorkerTotals, error) {
	return d.Usage.GenerateUsageReport(d.Team)
}

// TeamReport renders the full markdown team report.
func (d *Deps) TeamReport() (string, error) {
	return usage.GenerateTeamReport(d.Team, d.Tasks, d.Audit, d.Usage)
}

// ShutdownWorker drops a shutdown flag for one worker and returns the
// request id the worker will acknowledge with.
func (d *Deps) ShutdownWorker(worker, reason string) (string, error) {
	requestID := uuid.NewString()
	err := d.Mail.WriteShutdownSignal(d.Team, worker, mailbox.Signal{
		RequestID: requestID,
		Reason:    reason,
	})
	if err != nil {
		return "", err
	}
	d.Logger.Printf("Lead: shutdown requested for %s (request %s)", worker, requestID)
	return requestID, nil
}

// DrainWorker drops a drain flag for one worker.
func (d *Deps) DrainWorker(worker, reason string) (string, error) {
	requestID := uuid.NewString()
	err := d.Mail.WriteDrainSignal(d.Team, worker, mailbox.Signal{
		RequestID: requestID,
		Reason:    reason,
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// MergeWorker merges one worker's branch into the base branch.
func (d *Deps) MergeWorker(worker string) (*worktree.MergeResult, error) {
	if d.Worktrees == nil {
		return nil, fmt.Errorf("worktree coordination is not configured")
	}
	return d.Worktrees.MergeWorkerBranch(d.Team, worker, d.BaseBranch)
}

// MergeAll merges every worker branch in order, stopping at the first
// failure.
func (d *Deps) MergeAll() ([]worktree.MergeResult, error) {
	if d.Worktrees == nil {
		return nil, fmt.Errorf("worktree coordination is not configured")
	}
	return d.Worktrees.MergeAllWorkerBranches(d.Team, d.BaseBranch)
}

// Activity ingests any new audit lines and queries the timeline index.
func (d *Deps) Activity(f history.Filter) ([]history.Entry, error) {
	if d.History == nil {
		return nil, fmt.Errorf("activity index is not configured")
	}
	if _, err := d.History.Ingest(d.Team, d.Audit); err != nil {
		d.Logger.Printf("Lead: activity ingest: %v", err)
	}
	return d.History.Query(d.Team, f)
}

// DrainOutboxes reads every worker's new outbox messages and returns
// them keyed by worker, sorted for stable iteration.
func (d *Deps) DrainOutboxes() (map[string][]mailbox.OutboxMessage, error) {
	members, err := d.Registry.ListMcpWorkers(d.Team)
	if err != nil {
		return nil, err
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	out := map[string][]mailbox.OutboxMessage{}
	for _, m := range members {
		msgs, err := d.Mail.ReadNewOutboxMessages(d.Team, m.Name)
		if err != nil {
			d.Logger.Printf("Lead: drain outbox for %s: %v", m.Name, err)
			continue
		}
		if len(msgs) > 0 {
			out[m.Name] = msgs
		}
	}
	return out, nil
}
