// Package audit is the append-only JSONL event trail per team. Appends
// never surface errors to callers: an unwritable audit log must not take
// a worker down with it.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/teambridge/internal/pathsafe"
)

// DefaultMaxSize is the rotation threshold in bytes.
const DefaultMaxSize = 5 << 20

// Event kinds. The set is closed; readers may filter on these strings.
const (
	EventBridgeStart           = "bridge_start"
	EventBridgeShutdown        = "bridge_shutdown"
	EventTaskClaimed           = "task_claimed"
	EventTaskStarted           = "task_started"
	EventTaskCompleted         = "task_completed"
	EventTaskFailed            = "task_failed"
	EventTaskPermanentlyFailed = "task_permanently_failed"
	EventWorkerQuarantined     = "worker_quarantined"
	EventWorkerIdle            = "worker_idle"
	EventInboxRotated          = "inbox_rotated"
	EventOutboxRotated         = "outbox_rotated"
	EventCliSpawned            = "cli_spawned"
	EventCliTimeout            = "cli_timeout"
	EventCliError              = "cli_error"
	EventShutdownReceived      = "shutdown_received"
	EventShutdownAck           = "shutdown_ack"
	EventPermissionViolation   = "permission_violation"
	EventPermissionAudit       = "permission_audit"
)

// Event is one audit line.
type Event struct {
	Timestamp  string         `json:"timestamp"`
	EventType  string         `json:"eventType"`
	TeamName   string         `json:"teamName"`
	WorkerName string         `json:"workerName"`
	TaskID     string         `json:"taskId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Filter narrows ReadLog results. Zero values mean no constraint.
type Filter struct {
	EventType  string
	WorkerName string
	Since      time.Time
	Limit      int
}

// Log appends to and reads one team's audit trail under LogsDir
// (normally <project>/.omc/logs).
type Log struct {
	LogsDir string
	Logger  *log.Logger
}

// New returns an audit log over the given logs directory.
func New(logsDir string, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Log{LogsDir: logsDir, Logger: logger}
}

func (l *Log) path(team string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.LogsDir, "team-bridge-"+t+".jsonl"), nil
}

// FilePath returns the JSONL path for a team's trail, for readers that
// need raw byte offsets rather than parsed events.
func (l *Log) FilePath(team string) (string, error) {
	return l.path(team)
}

// Append writes one event line. Failures are logged and swallowed.
func (l *Log) Append(team string, ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if ev.TeamName == "" {
		ev.TeamName = team
	}
	path, err := l.path(team)
	if err != nil {
		l.Logger.Printf("warn: audit path for %q: %v", team, err)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		l.Logger.Printf("warn: audit marshal: %v", err)
		return
	}
	if err := pathsafe.AppendFileWithMode(path, append(data, '\n'), pathsafe.FileMode); err != nil {
		l.Logger.Printf("warn: audit append: %v", err)
	}
}

// Read streams events matching the filter, newest-last, stopping as soon
// as Limit events have been accepted. Malformed lines are skipped.
func (l *Log) Read(team string, f Filter) ([]Event, error) {
	path, err := l.path(team)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.WorkerName != "" && ev.WorkerName != f.WorkerName {
			continue
		}
		if !f.Since.IsZero() {
			ts, err := time.Parse(time.RFC3339, ev.Timestamp)
			if err != nil || ts.Before(f.Since) {
				continue
			}
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, scanner.Err()
}

// Rotate keeps the most recent half of lines once the file exceeds
// maxSize. The temp file is created with O_EXCL so a symlink planted at
// the temp path cannot redirect the write.
func (l *Log) Rotate(team string, maxSize int64) (bool, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	path, err := l.path(team)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Size() <= maxSize {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	keep := lines[len(lines)/2:]
	var buf bytes.Buffer
	for _, line := range keep {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := pathsafe.TempPath(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, pathsafe.FileMode)
	if err != nil {
		return false, err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	return true, nil
}
