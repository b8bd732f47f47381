package bridge

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/heartbeat"
	"github.com/jaakkos/teambridge/internal/mailbox"
	"github.com/jaakkos/teambridge/internal/pathsafe"
	"github.com/jaakkos/teambridge/internal/perms"
	"github.com/jaakkos/teambridge/internal/registry"
	"github.com/jaakkos/teambridge/internal/task"
	"github.com/jaakkos/teambridge/internal/tmux"
	"github.com/jaakkos/teambridge/internal/usage"
)

// summaryBytes caps the task_complete summary taken from the output file.
const summaryBytes = 500

// Bridge is one worker's daemon. All cross-worker coordination goes
// through the stores; the bridge itself holds only loop-local state.
type Bridge struct {
	Config     *Config
	Tasks      *task.Store
	Mail       *mailbox.Store
	Heartbeats *heartbeat.Store
	Registry   *registry.Registry
	Audit      *audit.Log
	Usage      *usage.Tracker
	Sessions   *tmux.Host
	Logger     *log.Logger

	// ProjectDir anchors the .omc prompt/output directories.
	ProjectDir string

	consecutiveErrors   int
	idleAnnounced       bool
	quarantineAnnounced bool

	// Seams for tests; nil means the real implementations.
	execCLI   func(dir string, argv []string, prompt string, timeout time.Duration) ([]byte, []byte, error)
	postClaim func()
}

// Run registers the worker and drives the poll loop until a shutdown or
// drain signal ends it. Loop-body faults are counted and absorbed.
func (b *Bridge) Run() error {
	cfg := b.Config
	sessionName := tmux.SessionName(cfg.TeamName, cfg.WorkerName)
	member := registry.NewMember(cfg.TeamName, cfg.WorkerName, cfg.Provider, cfg.Model, sessionName, cfg.WorkingDirectory)
	if err := b.Registry.RegisterMcpWorker(cfg.TeamName, member); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventBridgeStart, WorkerName: cfg.WorkerName,
		Details: map[string]any{"provider": cfg.Provider},
	})

	for {
		exit := b.RunOnce()
		if exit {
			return nil
		}
		time.Sleep(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
	}
}

// RunOnce executes one loop body and reports whether the daemon should
// exit. Everything but the shutdown paths is wrapped so a transient
// fault increments the error counter instead of killing the process.
func (b *Bridge) RunOnce() (exit bool) {
	cfg := b.Config

	if sig := b.checkSignal(b.Mail.CheckShutdownSignal); sig != nil {
		b.performShutdown(sig.RequestID)
		return true
	}
	if sig := b.checkSignal(b.Mail.CheckDrainSignal); sig != nil {
		_ = b.Mail.DeleteDrainSignal(cfg.TeamName, cfg.WorkerName)
		b.performShutdown(sig.RequestID)
		return true
	}

	if b.consecutiveErrors >= cfg.MaxConsecutiveErrors {
		b.enterQuarantine()
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			b.Logger.Printf("bridge: loop panic absorbed: %v", r)
			b.consecutiveErrors++
		}
	}()
	exit, err := b.pollOnce()
	if err != nil {
		b.Logger.Printf("bridge: %v", err)
		b.consecutiveErrors++
	}
	return exit
}

// checkSignal reads a signal file, treating read errors as absence.
func (b *Bridge) checkSignal(read func(team, worker string) (*mailbox.Signal, error)) *mailbox.Signal {
	sig, err := read(b.Config.TeamName, b.Config.WorkerName)
	if err != nil {
		b.Logger.Printf("bridge: signal read: %v", err)
		return nil
	}
	return sig
}

// enterQuarantine announces once, then keeps heartbeating without
// pulling tasks. Only a shutdown or drain signal gets the worker out.
func (b *Bridge) enterQuarantine() {
	cfg := b.Config
	if !b.quarantineAnnounced {
		b.quarantineAnnounced = true
		msg := fmt.Sprintf("worker quarantined after %d consecutive errors", b.consecutiveErrors)
		b.appendOutbox(mailbox.OutboxMessage{Type: mailbox.OutboxError, Error: msg})
		b.Audit.Append(cfg.TeamName, audit.Event{
			EventType: audit.EventWorkerQuarantined, WorkerName: cfg.WorkerName,
			Details: map[string]any{"consecutiveErrors": b.consecutiveErrors},
		})
	}
	if err := b.Heartbeats.Write(cfg.TeamName, cfg.WorkerName, cfg.Provider, heartbeat.StateQuarantined, "", b.consecutiveErrors); err != nil {
		b.Logger.Printf("bridge: quarantine heartbeat: %v", err)
	}
}

// pollOnce is the claim-execute-report body: heartbeat, inbox, claim,
// prompt, spawn, permission audit, outcome, rotation. The exit result is
// set when a late shutdown signal ended the daemon mid-body.
func (b *Bridge) pollOnce() (exit bool, err error) {
	cfg := b.Config

	if err := b.Heartbeats.Write(cfg.TeamName, cfg.WorkerName, cfg.Provider, heartbeat.StatePolling, "", b.consecutiveErrors); err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}

	inbox, err := b.Mail.ReadNewInboxMessages(cfg.TeamName, cfg.WorkerName)
	if err != nil {
		return false, fmt.Errorf("inbox: %w", err)
	}

	claimed, err := b.Tasks.FindNextTask(cfg.TeamName, cfg.WorkerName)
	if err != nil {
		return false, fmt.Errorf("find next task: %w", err)
	}
	if claimed == nil {
		if !b.idleAnnounced {
			b.idleAnnounced = true
			b.appendOutbox(mailbox.OutboxMessage{Type: mailbox.OutboxIdle})
			b.Audit.Append(cfg.TeamName, audit.Event{
				EventType: audit.EventWorkerIdle, WorkerName: cfg.WorkerName,
			})
		}
		return false, b.rotate()
	}
	b.idleAnnounced = false

	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventTaskClaimed, WorkerName: cfg.WorkerName, TaskID: claimed.ID,
	})
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventTaskStarted, WorkerName: cfg.WorkerName, TaskID: claimed.ID,
	})
	if err := b.Heartbeats.Write(cfg.TeamName, cfg.WorkerName, cfg.Provider, heartbeat.StateExecuting, claimed.ID, b.consecutiveErrors); err != nil {
		b.Logger.Printf("bridge: executing heartbeat: %v", err)
	}

	if b.postClaim != nil {
		b.postClaim()
	}

	// Pre-spawn shutdown re-check: a signal that landed between claim and
	// spawn reverts the claim instead of orphaning an in-flight CLI.
	if sig := b.checkSignal(b.Mail.CheckShutdownSignal); sig != nil {
		b.revertClaim(claimed.ID)
		b.performShutdown(sig.RequestID)
		return true, nil
	}

	b.executeTask(claimed, inbox)
	return false, b.rotate()
}

// revertClaim flips a just-claimed task back to pending.
func (b *Bridge) revertClaim(taskID string) {
	patch := map[string]any{
		"status": task.StatusPending, "claimedBy": "", "claimedAt": 0, "claimPid": 0,
	}
	if _, err := b.Tasks.UpdateTask(b.Config.TeamName, taskID, patch, true); err != nil {
		b.Logger.Printf("bridge: revert claim %s: %v", taskID, err)
	}
}

// executeTask runs the CLI for one claimed task and settles the outcome.
func (b *Bridge) executeTask(claimed *task.Task, inbox []mailbox.InboxMessage) {
	cfg := b.Config
	prompt := BuildPrompt(cfg, claimed, inbox)

	millis := time.Now().UnixMilli()
	promptPath := filepath.Join(b.ProjectDir, ".omc", "prompts",
		fmt.Sprintf("team-%s-task-%s-%d.md", cfg.TeamName, claimed.ID, millis))
	outputPath := filepath.Join(b.ProjectDir, ".omc", "outputs",
		fmt.Sprintf("team-%s-task-%s-%d.txt", cfg.TeamName, claimed.ID, millis))
	if err := pathsafe.WriteFileWithMode(promptPath, []byte(prompt), pathsafe.FileMode); err != nil {
		b.Logger.Printf("bridge: write prompt: %v", err)
	}

	var before map[string]bool
	if cfg.PermissionEnforcement != EnforcementOff {
		snap, err := snapshotChangedFiles(cfg.WorkingDirectory)
		if err != nil {
			b.Logger.Printf("bridge: pre-exec snapshot: %v", err)
		}
		before = snap
	}

	run := b.execCLI
	if run == nil {
		run = RunCLI
	}
	argv := BuildArgv(cfg.Provider, cfg.Model)
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventCliSpawned, WorkerName: cfg.WorkerName, TaskID: claimed.ID,
		Details: map[string]any{"argv0": argv[0]},
	})
	startedAt := time.Now()
	stdout, stderr, err := run(cfg.WorkingDirectory, argv, prompt, time.Duration(cfg.TaskTimeoutMs)*time.Millisecond)
	completedAt := time.Now()
	if err != nil {
		kind := audit.EventCliError
		if errors.Is(err, ErrCliTimeout) {
			kind = audit.EventCliTimeout
		}
		b.Audit.Append(cfg.TeamName, audit.Event{
			EventType: kind, WorkerName: cfg.WorkerName, TaskID: claimed.ID,
			Details: map[string]any{"error": err.Error(), "stderr": string(truncateTail(stderr, 1000))},
		})
		b.failTask(claimed.ID, err.Error())
		return
	}

	response := ExtractResponse(cfg.Provider, stdout)
	if err := pathsafe.WriteFileWithMode(outputPath, []byte(response), pathsafe.FileMode); err != nil {
		b.Logger.Printf("bridge: write output: %v", err)
	}

	var auditNote string
	if cfg.PermissionEnforcement != EnforcementOff {
		after, err := snapshotChangedFiles(cfg.WorkingDirectory)
		if err != nil {
			b.Logger.Printf("bridge: post-exec snapshot: %v", err)
		}
		changed := diffSnapshots(before, after)
		violations := perms.FindPermissionViolations(changed, cfg.Permissions, cfg.WorkingDirectory)
		if len(violations) > 0 {
			if cfg.PermissionEnforcement == EnforcementEnforce {
				b.permanentPermissionFailure(claimed.ID, violations)
				return
			}
			b.Audit.Append(cfg.TeamName, audit.Event{
				EventType: audit.EventPermissionAudit, WorkerName: cfg.WorkerName, TaskID: claimed.ID,
				Details: map[string]any{"violations": violationDetails(violations)},
			})
			auditNote = fmt.Sprintf("\npermission audit: %d path(s) outside policy", len(violations))
		}
	}

	b.completeTask(claimed.ID, promptPath, outputPath, auditNote, startedAt, completedAt)
}

// permanentPermissionFailure fails a task under enforce mode. This is a
// policy outcome, so consecutiveErrors stays untouched.
func (b *Bridge) permanentPermissionFailure(taskID string, violations []perms.Violation) {
	cfg := b.Config
	patch := map[string]any{
		"status": task.StatusCompleted,
		"metadata": b.mergedMetadata(taskID, map[string]any{
			"permanentlyFailed":    true,
			"permissionViolations": violationDetails(violations),
		}),
	}
	if _, err := b.Tasks.UpdateTask(cfg.TeamName, taskID, patch, true); err != nil {
		b.Logger.Printf("bridge: permission failure update %s: %v", taskID, err)
	}
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventPermissionViolation, WorkerName: cfg.WorkerName, TaskID: taskID,
		Details: map[string]any{"violations": violationDetails(violations)},
	})
	b.appendOutbox(mailbox.OutboxMessage{
		Type: mailbox.OutboxError, TaskID: taskID,
		Error: fmt.Sprintf("task %s failed permission enforcement (%d violation(s))", taskID, len(violations)),
	})
}

// mergedMetadata folds extra keys into the task's existing metadata so a
// patch does not erase what other writers recorded.
func (b *Bridge) mergedMetadata(taskID string, extra map[string]any) map[string]any {
	merged := map[string]any{}
	if t, _ := b.Tasks.ReadTask(b.Config.TeamName, taskID); t != nil {
		for k, v := range t.Metadata {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func violationDetails(violations []perms.Violation) []map[string]any {
	out := make([]map[string]any, 0, len(violations))
	for _, v := range violations {
		out = append(out, map[string]any{"path": v.Path, "reason": v.Reason})
	}
	return out
}

// completeTask settles the success path: task record, audit, usage,
// outbox summary.
func (b *Bridge) completeTask(taskID, promptPath, outputPath, auditNote string, startedAt, completedAt time.Time) {
	cfg := b.Config
	if _, err := b.Tasks.UpdateTask(cfg.TeamName, taskID, map[string]any{"status": task.StatusCompleted}, true); err != nil {
		b.Logger.Printf("bridge: complete %s: %v", taskID, err)
	}
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventTaskCompleted, WorkerName: cfg.WorkerName, TaskID: taskID,
	})
	b.consecutiveErrors = 0
	_ = b.Tasks.ClearTaskFailure(cfg.TeamName, taskID)

	promptChars, responseChars := usage.MeasureCharCounts(promptPath, outputPath)
	if err := b.Usage.RecordTaskUsage(cfg.TeamName, usage.Record{
		TaskID:        taskID,
		WorkerName:    cfg.WorkerName,
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		StartedAt:     startedAt.UTC().Format(time.RFC3339),
		CompletedAt:   completedAt.UTC().Format(time.RFC3339),
		WallClockMs:   completedAt.Sub(startedAt).Milliseconds(),
		PromptChars:   promptChars,
		ResponseChars: responseChars,
	}); err != nil {
		b.Logger.Printf("bridge: usage record: %v", err)
	}

	b.appendOutbox(mailbox.OutboxMessage{
		Type: mailbox.OutboxTaskComplete, TaskID: taskID,
		Summary: outputSummary(outputPath) + auditNote,
	})
}

// failTask settles a runtime failure: retry bookkeeping decides between
// another round and a permanent failure.
func (b *Bridge) failTask(taskID, cause string) {
	cfg := b.Config
	b.consecutiveErrors++
	attempts, err := b.Tasks.WriteTaskFailure(cfg.TeamName, taskID, cause)
	if err != nil {
		b.Logger.Printf("bridge: record failure %s: %v", taskID, err)
	}
	if attempts > cfg.MaxRetries {
		patch := map[string]any{
			"status": task.StatusCompleted,
			"metadata": b.mergedMetadata(taskID, map[string]any{
				"permanentlyFailed": true,
				"failedAttempts":    attempts,
				"lastError":         cause,
			}),
		}
		if _, err := b.Tasks.UpdateTask(cfg.TeamName, taskID, patch, true); err != nil {
			b.Logger.Printf("bridge: permanent fail %s: %v", taskID, err)
		}
		b.Audit.Append(cfg.TeamName, audit.Event{
			EventType: audit.EventTaskPermanentlyFailed, WorkerName: cfg.WorkerName, TaskID: taskID,
			Details: map[string]any{"attempts": attempts},
		})
		b.appendOutbox(mailbox.OutboxMessage{
			Type: mailbox.OutboxError, TaskID: taskID,
			Error: fmt.Sprintf("task %s permanently failed after %d attempts: %s", taskID, attempts, cause),
		})
		return
	}

	b.revertClaim(taskID)
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventTaskFailed, WorkerName: cfg.WorkerName, TaskID: taskID,
		Details: map[string]any{"attempt": attempts, "error": cause},
	})
	b.appendOutbox(mailbox.OutboxMessage{
		Type: mailbox.OutboxTaskFailed, TaskID: taskID, Error: cause,
	})
}

// rotate applies both channel rotations and audits the ones that ran.
func (b *Bridge) rotate() error {
	cfg := b.Config
	rotated, err := b.Mail.RotateOutboxIfNeeded(cfg.TeamName, cfg.WorkerName, cfg.OutboxMaxLines)
	if err != nil {
		return fmt.Errorf("rotate outbox: %w", err)
	}
	if rotated {
		b.Audit.Append(cfg.TeamName, audit.Event{
			EventType: audit.EventOutboxRotated, WorkerName: cfg.WorkerName,
		})
	}
	rotated, err = b.Mail.RotateInboxIfNeeded(cfg.TeamName, cfg.WorkerName, mailbox.DefaultInboxMaxBytes)
	if err != nil {
		return fmt.Errorf("rotate inbox: %w", err)
	}
	if rotated {
		b.Audit.Append(cfg.TeamName, audit.Event{
			EventType: audit.EventInboxRotated, WorkerName: cfg.WorkerName,
		})
	}
	return nil
}

// performShutdown runs the full exit sequence for a shutdown or drain
// signal. Every step is best-effort; the daemon exits regardless.
func (b *Bridge) performShutdown(requestID string) {
	cfg := b.Config
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventShutdownReceived, WorkerName: cfg.WorkerName,
		Details: map[string]any{"requestId": requestID},
	})
	b.appendOutbox(mailbox.OutboxMessage{Type: mailbox.OutboxShutdownAck, RequestID: requestID})
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventShutdownAck, WorkerName: cfg.WorkerName,
		Details: map[string]any{"requestId": requestID},
	})
	if err := b.Registry.UnregisterMcpWorker(cfg.TeamName, cfg.WorkerName); err != nil {
		b.Logger.Printf("bridge: unregister: %v", err)
	}
	if err := b.Heartbeats.Delete(cfg.TeamName, cfg.WorkerName); err != nil {
		b.Logger.Printf("bridge: delete heartbeat: %v", err)
	}
	if err := b.Mail.DeleteShutdownSignal(cfg.TeamName, cfg.WorkerName); err != nil {
		b.Logger.Printf("bridge: delete signal: %v", err)
	}
	b.Audit.Append(cfg.TeamName, audit.Event{
		EventType: audit.EventBridgeShutdown, WorkerName: cfg.WorkerName,
	})
	if b.Sessions != nil {
		if err := b.Sessions.KillSession(cfg.TeamName, cfg.WorkerName); err != nil {
			b.Logger.Printf("bridge: kill session: %v", err)
		}
	}
}

func (b *Bridge) appendOutbox(msg mailbox.OutboxMessage) {
	if err := b.Mail.AppendOutbox(b.Config.TeamName, b.Config.WorkerName, msg); err != nil {
		b.Logger.Printf("bridge: outbox append: %v", err)
	}
}

// outputSummary returns the first bytes of the output file, newline
// terminated, for the task_complete message.
func outputSummary(outputPath string) string {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return ""
	}
	summary := truncateBytes(string(data), summaryBytes)
	if len(summary) > 0 && summary[len(summary)-1] != '\n' {
		summary += "\n"
	}
	return summary
}

// truncateTail keeps the last max bytes of noisy diagnostics.
func truncateTail(data []byte, max int) []byte {
	if len(data) <= max {
		return data
	}
	return data[len(data)-max:]
}
