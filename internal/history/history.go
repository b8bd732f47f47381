// Package history maintains a sqlite index over the audit JSONL trails
// so timeline queries stay bounded as the logs grow. The JSONL files
// remain the source of truth; the index is rebuilt from them whenever it
// falls out of step (rotation, deletion, corruption).
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/pathsafe"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	worker TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_team_time ON events(team, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_team_type ON events(team, event_type);

CREATE TABLE IF NOT EXISTS ingest_meta (
	team TEXT PRIMARY KEY,
	bytes_ingested INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Entry is one indexed audit event.
type Entry struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"eventType"`
	Worker    string `json:"worker,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Filter narrows a timeline query. Zero values mean no constraint;
// Limit defaults to 100.
type Filter struct {
	EventType string
	Worker    string
	TaskID    string
	Since     string // RFC3339 lower bound, inclusive
	Limit     int
}

// Index wraps the sqlite database holding the mirrored events.
type Index struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the history database at dbPath.
func Open(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), pathsafe.DirMode); err != nil {
		return nil, fmt.Errorf("create history db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

// Ingest pulls new audit lines for a team into the index and returns the
// number of events added. The byte offset of the last complete line is
// persisted per team; a shrunken source file (rotation) drops the team's
// rows and re-ingests from the start.
func (x *Index) Ingest(team string, log *audit.Log) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	path, err := log.FilePath(team)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	offset := x.readOffset(team)
	if info.Size() < offset {
		if err := x.resetTeam(team); err != nil {
			return 0, err
		}
		offset = 0
	}
	if info.Size() == offset {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return 0, err
	}
	data := make([]byte, info.Size()-offset)
	n, err := f.Read(data)
	if err != nil && n == 0 {
		return 0, err
	}
	data = data[:n]

	// Only complete lines are ingested; a partial tail waits for the
	// writer to finish it.
	lastNL := strings.LastIndexByte(string(data), '\n')
	if lastNL < 0 {
		return 0, nil
	}
	chunk := data[:lastNL+1]

	tx, err := x.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	added := 0
	for _, line := range strings.Split(strings.TrimRight(string(chunk), "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev audit.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		details := ""
		if len(ev.Details) > 0 {
			if enc, err := json.Marshal(ev.Details); err == nil {
				details = string(enc)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO events (team, timestamp, event_type, worker, task_id, details) VALUES (?, ?, ?, ?, ?, ?)`,
			team, ev.Timestamp, ev.EventType, ev.WorkerName, ev.TaskID, details,
		); err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
		added++
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO ingest_meta (team, bytes_ingested, updated_at) VALUES (?, ?, ?)`,
		team, offset+int64(lastNL+1), now,
	); err != nil {
		return 0, fmt.Errorf("upsert ingest_meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// Query returns the newest matching entries, newest first.
func (x *Index) Query(team string, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	where := []string{"team = ?"}
	args := []any{team}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Worker != "" {
		where = append(where, "worker = ?")
		args = append(args, f.Worker)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Since != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since)
	}
	args = append(args, f.Limit)

	x.mu.Lock()
	defer x.mu.Unlock()

	rows, err := x.db.Query(`
		SELECT timestamp, event_type, worker, task_id, details
		FROM events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.EventType, &e.Worker, &e.TaskID, &e.Details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns per-event-type totals for a team.
func (x *Index) Counts(team string) (map[string]int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rows, err := x.db.Query(
		`SELECT event_type, COUNT(*) FROM events WHERE team = ? GROUP BY event_type`, team)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		out[kind] = count
	}
	return out, rows.Err()
}

func (x *Index) readOffset(team string) int64 {
	var offset int64
	err := x.db.QueryRow(`SELECT bytes_ingested FROM ingest_meta WHERE team = ?`, team).Scan(&offset)
	if err != nil {
		return 0
	}
	return offset
}

func (x *Index) resetTeam(team string) error {
	if _, err := x.db.Exec(`DELETE FROM events WHERE team = ?`, team); err != nil {
		return fmt.Errorf("reset events: %w", err)
	}
	if _, err := x.db.Exec(`DELETE FROM ingest_meta WHERE team = ?`, team); err != nil {
		return fmt.Errorf("reset ingest_meta: %w", err)
	}
	return nil
}
