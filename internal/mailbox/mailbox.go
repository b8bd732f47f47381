// Package mailbox implements the per-worker JSONL channels between lead
// and workers: an inbox (lead → worker), an outbox (worker → lead), and
// file-flag shutdown/drain signals. Reads advance a persisted byte cursor
// so partial trailing lines are never consumed, and rotation keeps the
// most recent half of each channel.
package mailbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/teambridge/internal/pathsafe"
)

// MaxReadBytes caps a single cursor read.
const MaxReadBytes = 10 << 20

// DefaultInboxMaxBytes is the inbox rotation threshold.
const DefaultInboxMaxBytes = 10 << 20

// Inbox message types.
const (
	InboxTypeMessage = "message"
	InboxTypeContext = "context"
)

// Outbox message types.
const (
	OutboxTaskComplete = "task_complete"
	OutboxTaskFailed   = "task_failed"
	OutboxIdle         = "idle"
	OutboxShutdownAck  = "shutdown_ack"
	OutboxDrainAck     = "drain_ack"
	OutboxHeartbeat    = "heartbeat"
	OutboxError        = "error"
)

// InboxMessage travels lead → worker.
type InboxMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// OutboxMessage travels worker → lead.
type OutboxMessage struct {
	Type      string `json:"type"`
	TaskID    string `json:"taskId,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Signal is the payload of a shutdown or drain flag file.
type Signal struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// cursor is the persisted read offset for one side of a channel.
type cursor struct {
	BytesRead int64 `json:"bytesRead"`
}

// Store manages the channels for all workers of all teams under Root
// (normally ~/.claude/teams).
type Store struct {
	Root string
}

// NewStore returns a mailbox store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) channelPath(team, worker, kind, suffix string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	w, err := pathsafe.SanitizeName(worker)
	if err != nil {
		return "", err
	}
	p := filepath.Join(s.Root, t, kind, w+suffix)
	if _, err := pathsafe.ValidateResolvedPath(p, s.Root); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Store) inboxPath(team, worker string) (string, error) {
	return s.channelPath(team, worker, "inbox", ".jsonl")
}

func (s *Store) inboxCursorPath(team, worker string) (string, error) {
	return s.channelPath(team, worker, "inbox", ".offset")
}

func (s *Store) outboxPath(team, worker string) (string, error) {
	return s.channelPath(team, worker, "outbox", ".jsonl")
}

func (s *Store) outboxCursorPath(team, worker string) (string, error) {
	return s.channelPath(team, worker, "outbox", ".offset")
}

// OutboxDir returns the outbox directory for a team (for watchers).
func (s *Store) OutboxDir(team string) (string, error) {
	t, err := pathsafe.SanitizeName(team)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, t, "outbox"), nil
}

// AppendInbox appends one message line to the worker's inbox.
func (s *Store) AppendInbox(team, worker string, msg InboxMessage) error {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	path, err := s.inboxPath(team, worker)
	if err != nil {
		return err
	}
	return appendLine(path, msg)
}

// AppendOutbox appends one message line to the worker's outbox.
func (s *Store) AppendOutbox(team, worker string, msg OutboxMessage) error {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	path, err := s.outboxPath(team, worker)
	if err != nil {
		return err
	}
	return appendLine(path, msg)
}

func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return pathsafe.AppendFileWithMode(path, append(data, '\n'), pathsafe.FileMode)
}

// ReadNewInboxMessages returns inbox messages appended since the last
// cursored read and advances the cursor.
func (s *Store) ReadNewInboxMessages(team, worker string) ([]InboxMessage, error) {
	path, err := s.inboxPath(team, worker)
	if err != nil {
		return nil, err
	}
	cpath, err := s.inboxCursorPath(team, worker)
	if err != nil {
		return nil, err
	}
	var out []InboxMessage
	err = readNewLines(path, cpath, func(line []byte) error {
		var m InboxMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// ReadNewOutboxMessages returns outbox messages appended since the last
// cursored read and advances the cursor.
func (s *Store) ReadNewOutboxMessages(team, worker string) ([]OutboxMessage, error) {
	path, err := s.outboxPath(team, worker)
	if err != nil {
		return nil, err
	}
	cpath, err := s.outboxCursorPath(team, worker)
	if err != nil {
		return nil, err
	}
	var out []OutboxMessage
	err = readNewLines(path, cpath, func(line []byte) error {
		var m OutboxMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// readNewLines reads complete lines after the cursor, calling parse for
// each. Parsing stops at the first malformed line without advancing past
// it, so corruption never swallows later data. The cursor advances by
// exactly the bytes of the parsed lines plus their newlines.
func readNewLines(path, cursorPath string, parse func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	cur := readCursor(cursorPath)
	if size < cur {
		// File was truncated or rotated under us: restart from the head.
		cur = 0
	}
	if size == cur {
		return nil
	}
	toRead := size - cur
	if toRead > MaxReadBytes {
		toRead = MaxReadBytes
	}
	buf := make([]byte, toRead)
	n, err := f.ReadAt(buf, cur)
	if err != nil && n == 0 {
		return err
	}
	buf = buf[:n]

	// Discard any trailing partial line; the next read picks it up once
	// its newline lands.
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return writeCursor(cursorPath, cur)
	}
	span := buf[:last+1]

	consumed := int64(0)
	for len(span) > 0 {
		nl := bytes.IndexByte(span, '\n')
		line := span[:nl]
		lineLen := int64(nl + 1)
		span = span[nl+1:]

		trimmed := bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(trimmed)) == 0 {
			consumed += lineLen
			continue
		}
		if err := parse(trimmed); err != nil {
			// Stop at the malformed line; do not advance past it.
			break
		}
		consumed += lineLen
	}
	return writeCursor(cursorPath, cur+consumed)
}

func readCursor(path string) int64 {
	var c cursor
	if err := pathsafe.ReadJSON(path, &c); err != nil || c.BytesRead < 0 {
		return 0
	}
	return c.BytesRead
}

func writeCursor(path string, offset int64) error {
	return pathsafe.AtomicWriteJSON(path, cursor{BytesRead: offset})
}

// ReadAllInboxMessages reads every parseable inbox line without touching
// the cursor. Diagnostics only.
func (s *Store) ReadAllInboxMessages(team, worker string) ([]InboxMessage, error) {
	path, err := s.inboxPath(team, worker)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []InboxMessage
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m InboxMessage
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ClearInbox truncates the inbox and resets its cursor. The two writes are
// not atomic together; a cursor past the truncated size simply resets on
// the next read.
func (s *Store) ClearInbox(team, worker string) error {
	path, err := s.inboxPath(team, worker)
	if err != nil {
		return err
	}
	cpath, err := s.inboxCursorPath(team, worker)
	if err != nil {
		return err
	}
	if err := pathsafe.AtomicWriteFile(path, nil); err != nil {
		return err
	}
	return writeCursor(cpath, 0)
}

// RotateOutboxIfNeeded keeps the most recent floor(maxLines/2) outbox
// lines when the file exceeds maxLines. Returns true when rotation ran.
func (s *Store) RotateOutboxIfNeeded(team, worker string, maxLines int) (bool, error) {
	if maxLines <= 0 {
		return false, nil
	}
	path, err := s.outboxPath(team, worker)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	lines := splitLines(data)
	if len(lines) <= maxLines {
		return false, nil
	}
	keep := lines[len(lines)-maxLines/2:]
	if err := pathsafe.AtomicWriteFile(path, joinLines(keep)); err != nil {
		return false, err
	}
	return true, nil
}

// RotateInboxIfNeeded keeps the most recent half of inbox lines when the
// file exceeds maxBytes, and resets the read cursor: rotated content no
// longer corresponds to recorded offsets.
func (s *Store) RotateInboxIfNeeded(team, worker string, maxBytes int64) (bool, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultInboxMaxBytes
	}
	path, err := s.inboxPath(team, worker)
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
	if info.Size() <= maxBytes {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	lines := splitLines(data)
	keep := lines[len(lines)/2:]
	if err := pathsafe.AtomicWriteFile(path, joinLines(keep)); err != nil {
		return false, err
	}
	cpath, err := s.inboxCursorPath(team, worker)
	if err != nil {
		return false, err
	}
	return true, writeCursor(cpath, 0)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

func joinLines(lines [][]byte) []byte {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (s *Store) signalPath(team, worker, suffix string) (string, error) {
	return s.channelPath(team, worker, "signals", suffix)
}

// WriteShutdownSignal drops the shutdown flag for a worker.
func (s *Store) WriteShutdownSignal(team, worker string, sig Signal) error {
	return s.writeSignal(team, worker, ".shutdown", sig)
}

// WriteDrainSignal drops the drain flag for a worker.
func (s *Store) WriteDrainSignal(team, worker string, sig Signal) error {
	return s.writeSignal(team, worker, ".drain", sig)
}

func (s *Store) writeSignal(team, worker, suffix string, sig Signal) error {
	if sig.Timestamp == "" {
		sig.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	path, err := s.signalPath(team, worker, suffix)
	if err != nil {
		return err
	}
	return pathsafe.AtomicWriteJSON(path, sig)
}

// CheckShutdownSignal returns the shutdown payload, or nil when no flag
// is present.
func (s *Store) CheckShutdownSignal(team, worker string) (*Signal, error) {
	return s.checkSignal(team, worker, ".shutdown")
}

// CheckDrainSignal returns the drain payload, or nil when absent.
func (s *Store) CheckDrainSignal(team, worker string) (*Signal, error) {
	return s.checkSignal(team, worker, ".drain")
}

func (s *Store) checkSignal(team, worker, suffix string) (*Signal, error) {
	path, err := s.signalPath(team, worker, suffix)
	if err != nil {
		return nil, err
	}
	var sig Signal
	if err := pathsafe.ReadJSON(path, &sig); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &sig, nil
}

// DeleteShutdownSignal consumes the shutdown flag.
func (s *Store) DeleteShutdownSignal(team, worker string) error {
	return s.deleteSignal(team, worker, ".shutdown")
}

// DeleteDrainSignal consumes the drain flag.
func (s *Store) DeleteDrainSignal(team, worker string) error {
	return s.deleteSignal(team, worker, ".drain")
}

func (s *Store) deleteSignal(team, worker, suffix string) error {
	path, err := s.signalPath(team, worker, suffix)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
