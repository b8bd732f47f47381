package usage

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/pathsafe"
	"github.com/jaakkos/teambridge/internal/task"
)

// timelineEntries caps the Activity Timeline section.
const timelineEntries = 50

// GenerateTeamReport renders the team's markdown report from the task
// store, the audit trail, and the usage log.
func GenerateTeamReport(team string, tasks *task.Store, log *audit.Log, tracker *Tracker) (string, error) {
	ids, err := tasks.ListTaskIds(team)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	var records []*task.Task
	completed, failed, pending := 0, 0, 0
	for _, id := range ids {
		rec, err := tasks.ReadTask(team, id)
		if err != nil || rec == nil {
			continue
		}
		records = append(records, rec)
		switch {
		case rec.Status == task.StatusCompleted && rec.Metadata["permanentlyFailed"] == true:
			failed++
		case rec.Status == task.StatusCompleted:
			completed++
		default:
			pending++
		}
	}

	totals, err := tracker.GenerateUsageReport(team)
	if err != nil {
		return "", fmt.Errorf("usage report: %w", err)
	}
	activity, err := ReadActivityLog(log, team, ActivityFilter{})
	if err != nil {
		return "", fmt.Errorf("activity log: %w", err)
	}
	if len(activity) > timelineEntries {
		activity = activity[len(activity)-timelineEntries:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Team Report: %s\n\n", team)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Tasks: %d total, %d completed, %d failed, %d pending or running\n",
		len(records), completed, failed, pending)
	fmt.Fprintf(&b, "- Workers with recorded usage: %d\n\n", len(totals))

	b.WriteString("## Task Results\n\n")
	if len(records) == 0 {
		b.WriteString("No tasks recorded.\n\n")
	} else {
		b.WriteString("| Task | Subject | Status | Owner | Claimed By |\n")
		b.WriteString("|------|---------|--------|-------|------------|\n")
		for _, rec := range records {
			status := rec.Status
			if rec.Metadata["permanentlyFailed"] == true {
				status = "permanently failed"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				rec.ID, sanitizeCell(rec.Subject), status, rec.Owner, rec.ClaimedBy)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Worker Performance\n\n")
	if len(totals) == 0 {
		b.WriteString("No usage recorded.\n\n")
	} else {
		b.WriteString("| Worker | Tasks | Wall Clock (ms) | Prompt Bytes | Response Bytes |\n")
		b.WriteString("|--------|-------|-----------------|--------------|----------------|\n")
		for _, wt := range totals {
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d |\n",
				wt.WorkerName, wt.Tasks, wt.WallClockMs, wt.PromptChars, wt.ResponseChars)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Activity Timeline\n\n")
	if len(activity) == 0 {
		b.WriteString("No activity recorded.\n\n")
	} else {
		for _, entry := range activity {
			line := fmt.Sprintf("- `%s` [%s] %s: %s", entry.Timestamp, entry.Category, entry.Actor, entry.Action)
			if entry.Target != "" {
				line += " (task " + entry.Target + ")"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Usage Totals\n\n")
	var wallClock, promptBytes, responseBytes int64
	taskCount := 0
	for _, wt := range totals {
		wallClock += wt.WallClockMs
		promptBytes += wt.PromptChars
		responseBytes += wt.ResponseChars
		taskCount += wt.Tasks
	}
	fmt.Fprintf(&b, "- Task executions: %d\n", taskCount)
	fmt.Fprintf(&b, "- Wall clock: %d ms\n", wallClock)
	fmt.Fprintf(&b, "- Prompt bytes: %d\n", promptBytes)
	fmt.Fprintf(&b, "- Response bytes: %d\n\n", responseBytes)

	fmt.Fprintf(&b, "Generated at %s\n", time.Now().UTC().Format(time.RFC3339))
	return b.String(), nil
}

// sanitizeCell keeps task text from breaking the markdown table.
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

// SaveTeamReport writes the report under reportsDir (normally
// <project>/.omc/reports) and returns the file path.
func SaveTeamReport(reportsDir, team, report string) (string, error) {
	name, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	stamp := strings.NewReplacer(":", "-", "T", "-", "Z", "").
		Replace(time.Now().UTC().Format(time.RFC3339))
	path := filepath.Join(reportsDir, fmt.Sprintf("team-%s-%s.md", name, stamp))
	if err := pathsafe.WriteFileWithMode(path, []byte(report), pathsafe.FileMode); err != nil {
		return "", err
	}
	return path, nil
}
