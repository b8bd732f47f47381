// Package usage tracks per-task resource consumption (wall clock and byte
// counts, never tokens) and renders team reports from the usage log, the
// task store, and the audit trail.
package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/pathsafe"
)

// Record is one task's usage line.
type Record struct {
	TaskID        string `json:"taskId"`
	WorkerName    string `json:"workerName"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	StartedAt     string `json:"startedAt"`
	CompletedAt   string `json:"completedAt"`
	WallClockMs   int64  `json:"wallClockMs"`
	PromptChars   int64  `json:"promptChars"`
	ResponseChars int64  `json:"responseChars"`
}

// WorkerTotals aggregates one worker's records.
type WorkerTotals struct {
	WorkerName    string `json:"workerName"`
	Tasks         int    `json:"tasks"`
	WallClockMs   int64  `json:"wallClockMs"`
	PromptChars   int64  `json:"promptChars"`
	ResponseChars int64  `json:"responseChars"`
}

// Tracker appends and aggregates usage lines under LogsDir (normally
// <project>/.omc/logs).
type Tracker struct {
	LogsDir string
}

// NewTracker returns a tracker over the given logs directory.
func NewTracker(logsDir string) *Tracker {
	return &Tracker{LogsDir: logsDir}
}

func (t *Tracker) path(team string) (string, error) {
	name, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	return filepath.Join(t.LogsDir, "team-usage-"+name+".jsonl"), nil
}

// RecordTaskUsage appends one usage line.
func (t *Tracker) RecordTaskUsage(team string, r Record) error {
	path, err := t.path(team)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return pathsafe.AppendFileWithMode(path, append(data, '\n'), pathsafe.FileMode)
}

// MeasureCharCounts returns the byte sizes of the prompt and output files,
// zero for anything missing.
func MeasureCharCounts(promptPath, outputPath string) (int64, int64) {
	return fileSize(promptPath), fileSize(outputPath)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ReadRecords returns every parseable usage line for a team.
func (t *Tracker) ReadRecords(team string) ([]Record, error) {
	path, err := t.path(team)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}

// GenerateUsageReport aggregates records into per-worker totals, sorted
// by worker name.
func (t *Tracker) GenerateUsageReport(team string) ([]WorkerTotals, error) {
	records, err := t.ReadRecords(team)
	if err != nil {
		return nil, err
	}
	byWorker := map[string]*WorkerTotals{}
	for _, r := range records {
		wt := byWorker[r.WorkerName]
		if wt == nil {
			wt = &WorkerTotals{WorkerName: r.WorkerName}
			byWorker[r.WorkerName] = wt
		}
		wt.Tasks++
		wt.WallClockMs += r.WallClockMs
		wt.PromptChars += r.PromptChars
		wt.ResponseChars += r.ResponseChars
	}
	out := make([]WorkerTotals, 0, len(byWorker))
	for _, wt := range byWorker {
		out = append(out, *wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerName < out[j].WorkerName })
	return out, nil
}

// Activity categories.
const (
	CategoryTask      = "task"
	CategoryFile      = "file"
	CategoryMessage   = "message"
	CategoryLifecycle = "lifecycle"
	CategoryError     = "error"
)

// ActivityEntry is the report-facing projection of an audit event.
type ActivityEntry struct {
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Category  string         `json:"category"`
}

// eventCategories is the fixed mapping from audit event kinds to
// activity categories.
var eventCategories = map[string]string{
	audit.EventTaskClaimed:           CategoryTask,
	audit.EventTaskStarted:           CategoryTask,
	audit.EventTaskCompleted:         CategoryTask,
	audit.EventTaskFailed:            CategoryTask,
	audit.EventTaskPermanentlyFailed: CategoryError,
	audit.EventCliTimeout:            CategoryError,
	audit.EventCliError:              CategoryError,
	audit.EventWorkerQuarantined:     CategoryError,
	audit.EventPermissionViolation:   CategoryFile,
	audit.EventPermissionAudit:       CategoryFile,
	audit.EventWorkerIdle:            CategoryMessage,
	audit.EventInboxRotated:          CategoryMessage,
	audit.EventOutboxRotated:         CategoryMessage,
	audit.EventBridgeStart:           CategoryLifecycle,
	audit.EventBridgeShutdown:        CategoryLifecycle,
	audit.EventCliSpawned:            CategoryLifecycle,
	audit.EventShutdownReceived:      CategoryLifecycle,
	audit.EventShutdownAck:           CategoryLifecycle,
}

// ActivityFilter narrows ReadActivityLog. Zero values mean no constraint.
type ActivityFilter struct {
	Category string
	Actor    string
	Since    time.Time
	Limit    int
}

// ReadActivityLog projects the audit trail into activity entries.
func ReadActivityLog(log *audit.Log, team string, f ActivityFilter) ([]ActivityEntry, error) {
	events, err := log.Read(team, audit.Filter{WorkerName: f.Actor, Since: f.Since})
	if err != nil {
		return nil, err
	}
	var out []ActivityEntry
	for _, ev := range events {
		entry := toActivityEntry(ev)
		if f.Category != "" && entry.Category != f.Category {
			continue
		}
		out = append(out, entry)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func toActivityEntry(ev audit.Event) ActivityEntry {
	category, ok := eventCategories[ev.EventType]
	if !ok {
		category = CategoryLifecycle
	}
	return ActivityEntry{
		Timestamp: ev.Timestamp,
		Actor:     ev.WorkerName,
		Action:    ev.EventType,
		Target:    ev.TaskID,
		Details:   ev.Details,
		Category:  category,
	}
}
