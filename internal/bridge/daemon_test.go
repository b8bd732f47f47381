package bridge

import (
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/heartbeat"
	"github.com/jaakkos/teambridge/internal/mailbox"
	"github.com/jaakkos/teambridge/internal/perms"
	"github.com/jaakkos/teambridge/internal/registry"
	"github.com/jaakkos/teambridge/internal/task"
	"github.com/jaakkos/teambridge/internal/usage"
)

func newTestBridge(t *testing.T, mutate func(*Config)) *Bridge {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	teamsRoot := t.TempDir()
	logsDir := t.TempDir()

	cfg := &Config{
		TeamName:              "alpha",
		WorkerName:            "w1",
		Provider:              ProviderClaude,
		WorkingDirectory:      t.TempDir(),
		PollIntervalMs:        10,
		TaskTimeoutMs:         5000,
		MaxConsecutiveErrors:  3,
		OutboxMaxLines:        500,
		MaxRetries:            DefaultMaxRetries,
		PermissionEnforcement: EnforcementOff,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return &Bridge{
		Config:     cfg,
		Tasks:      task.NewStore(t.TempDir()),
		Mail:       mailbox.NewStore(teamsRoot),
		Heartbeats: heartbeat.NewStore(teamsRoot),
		Registry:   registry.New(teamsRoot, t.TempDir(), logger),
		Audit:      audit.New(logsDir, logger),
		Usage:      usage.NewTracker(logsDir),
		Logger:     logger,
		ProjectDir: t.TempDir(),
	}
}

func seedTask(t *testing.T, b *Bridge, id string) {
	t.Helper()
	err := b.Tasks.WriteTask(b.Config.TeamName, &task.Task{
		ID: id, Subject: "do a thing", Description: "the details",
		Status: task.StatusPending, Owner: b.Config.WorkerName,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func readOutbox(t *testing.T, b *Bridge) []mailbox.OutboxMessage {
	t.Helper()
	msgs, err := b.Mail.ReadNewOutboxMessages(b.Config.TeamName, b.Config.WorkerName)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func claudeStream(result string) []byte {
	return []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}` +
		"\n" + `{"type":"result","result":"` + result + `"}` + "\n")
}

func TestRunOnceCompletesTask(t *testing.T) {
	b := newTestBridge(t, nil)
	seedTask(t, b, "1")
	b.execCLI = func(dir string, argv []string, prompt string, timeout time.Duration) ([]byte, []byte, error) {
		if argv[0] != "claude" {
			t.Errorf("argv = %v", argv)
		}
		if !strings.Contains(prompt, "<TASK_SUBJECT>do a thing</TASK_SUBJECT>") {
			t.Error("prompt missing subject section")
		}
		return claudeStream("edited two files"), nil, nil
	}

	if exit := b.RunOnce(); exit {
		t.Fatal("unexpected exit")
	}

	got, err := b.Tasks.ReadTask("alpha", "1")
	if err != nil || got == nil {
		t.Fatalf("read task: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %q", got.Status)
	}

	msgs := readOutbox(t, b)
	if len(msgs) != 1 || msgs[0].Type != mailbox.OutboxTaskComplete {
		t.Fatalf("outbox = %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].Summary, "edited two files") {
		t.Errorf("summary = %q", msgs[0].Summary)
	}

	records, err := b.Usage.ReadRecords("alpha")
	if err != nil || len(records) != 1 || records[0].TaskID != "1" {
		t.Fatalf("usage records = %+v err = %v", records, err)
	}

	prompts, _ := os.ReadDir(filepath.Join(b.ProjectDir, ".omc", "prompts"))
	if len(prompts) != 1 {
		t.Errorf("prompt files = %d", len(prompts))
	}

	events, err := b.Audit.Read("alpha", audit.Filter{EventType: audit.EventTaskCompleted})
	if err != nil || len(events) != 1 {
		t.Errorf("task_completed events = %d err = %v", len(events), err)
	}
}

// Three failures with maxRetries 2 end in a permanent
// failure carrying the attempt count.
func TestRetryExhaustionIsPermanent(t *testing.T) {
	b := newTestBridge(t, func(c *Config) { c.MaxRetries = 2 })
	seedTask(t, b, "7")
	calls := 0
	b.execCLI = func(dir string, argv []string, prompt string, timeout time.Duration) ([]byte, []byte, error) {
		calls++
		return nil, []byte("boom"), errors.New("exit status 1")
	}

	for i := 0; i < 3; i++ {
		if exit := b.RunOnce(); exit {
			t.Fatalf("iteration %d: unexpected exit", i)
		}
	}
	if calls != 3 {
		t.Fatalf("cli calls = %d, want 3", calls)
	}

	got, err := b.Tasks.ReadTask("alpha", "7")
	if err != nil || got == nil {
		t.Fatalf("read task: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if got.Metadata["permanentlyFailed"] != true {
		t.Errorf("permanentlyFailed = %v", got.Metadata["permanentlyFailed"])
	}
	if n, ok := got.Metadata["failedAttempts"].(float64); !ok || n != 3 {
		t.Errorf("failedAttempts = %v", got.Metadata["failedAttempts"])
	}

	msgs := readOutbox(t, b)
	var failed, errs int
	for _, m := range msgs {
		switch m.Type {
		case mailbox.OutboxTaskFailed:
			failed++
		case mailbox.OutboxError:
			errs++
		}
	}
	if failed != 2 || errs != 1 {
		t.Errorf("outbox failed=%d errs=%d: %+v", failed, errs, msgs)
	}

	events, err := b.Audit.Read("alpha", audit.Filter{EventType: audit.EventTaskPermanentlyFailed})
	if err != nil || len(events) != 1 {
		t.Errorf("permanently_failed events = %d err = %v", len(events), err)
	}
}

// A shutdown signal arriving between claim and spawn
// reverts the claim and runs the full shutdown sequence.
func TestShutdownBetweenClaimAndSpawn(t *testing.T) {
	b := newTestBridge(t, nil)
	seedTask(t, b, "3")
	member := registry.NewMember("alpha", "w1", "claude", "", "sess", b.Config.WorkingDirectory)
	if err := b.Registry.RegisterMcpWorker("alpha", member); err != nil {
		t.Fatal(err)
	}
	b.execCLI = func(dir string, argv []string, prompt string, timeout time.Duration) ([]byte, []byte, error) {
		t.Error("cli spawned despite pending shutdown")
		return nil, nil, nil
	}
	b.postClaim = func() {
		err := b.Mail.WriteShutdownSignal("alpha", "w1", mailbox.Signal{RequestID: "req-9"})
		if err != nil {
			t.Fatal(err)
		}
	}

	if exit := b.RunOnce(); !exit {
		t.Fatal("expected exit")
	}

	got, err := b.Tasks.ReadTask("alpha", "3")
	if err != nil || got == nil {
		t.Fatalf("read task: %v", err)
	}
	if got.Status != task.StatusPending || got.ClaimedBy != "" {
		t.Errorf("task = %+v, want reverted to pending", got)
	}

	var acked bool
	for _, m := range readOutbox(t, b) {
		if m.Type == mailbox.OutboxShutdownAck && m.RequestID == "req-9" {
			acked = true
		}
	}
	if !acked {
		t.Error("shutdown_ack missing from outbox")
	}

	if hb, _ := b.Heartbeats.Read("alpha", "w1"); hb != nil {
		t.Errorf("heartbeat survived shutdown: %+v", hb)
	}
	if sig, _ := b.Mail.CheckShutdownSignal("alpha", "w1"); sig != nil {
		t.Error("shutdown signal not consumed")
	}
	members, err := b.Registry.ListMcpWorkers("alpha")
	if err != nil || len(members) != 0 {
		t.Errorf("members after shutdown = %+v err = %v", members, err)
	}
}

func TestIdleAnnouncedOncePerIdleRun(t *testing.T) {
	b := newTestBridge(t, nil)
	for i := 0; i < 3; i++ {
		if exit := b.RunOnce(); exit {
			t.Fatal("unexpected exit")
		}
	}
	msgs := readOutbox(t, b)
	if len(msgs) != 1 || msgs[0].Type != mailbox.OutboxIdle {
		t.Fatalf("outbox = %+v, want single idle", msgs)
	}

	// A completed task resets the debounce.
	seedTask(t, b, "1")
	b.execCLI = func(dir string, argv []string, prompt string, timeout time.Duration) ([]byte, []byte, error) {
		return claudeStream("done"), nil, nil
	}
	b.RunOnce()
	b.RunOnce()
	var idles int
	for _, m := range readOutbox(t, b) {
		if m.Type == mailbox.OutboxIdle {
			idles++
		}
	}
	if idles != 1 {
		t.Errorf("idle messages after reset = %d, want 1", idles)
	}
}

func TestQuarantineAfterConsecutiveErrors(t *testing.T) {
	b := newTestBridge(t, func(c *Config) { c.MaxConsecutiveErrors = 2 })
	seedTask(t, b, "1")
	b.execCLI = func(dir string, argv []string, prompt string, timeout time.Duration) ([]byte, []byte, error) {
		return nil, nil, errors.New("exit status 1")
	}
	b.RunOnce()
	b.RunOnce()

	// Threshold reached: the next two iterations quarantine without
	// touching the (still pending) task.
	b.RunOnce()
	b.RunOnce()

	got, _ := b.Tasks.ReadTask("alpha", "1")
	if got == nil || got.Status != task.StatusPending {
		t.Fatalf("task = %+v, want still pending", got)
	}
	hb, _ := b.Heartbeats.Read("alpha", "w1")
	if hb == nil || hb.Status != heartbeat.StateQuarantined || hb.Provider != "claude" || hb.ConsecutiveErrors != 2 {
		t.Fatalf("heartbeat = %+v", hb)
	}
	events, err := b.Audit.Read("alpha", audit.Filter{EventType: audit.EventWorkerQuarantined})
	if err != nil || len(events) != 1 {
		t.Errorf("quarantined events = %d err = %v", len(events), err)
	}

	// Shutdown still gets through.
	if err := b.Mail.WriteShutdownSignal("alpha", "w1", mailbox.Signal{RequestID: "r"}); err != nil {
		t.Fatal(err)
	}
	if exit := b.RunOnce(); !exit {
		t.Error("quarantined worker ignored shutdown")
	}
}

// Enforce mode fails the task without
// counting toward quarantine.
func TestEnforceModeFailsViolatingTask(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	b := newTestBridge(t, func(c *Config) {
		c.PermissionEnforcement = EnforcementEnforce
		c.Permissions = &perms.WorkerPermissions{AllowedPaths: []string{"src/**"}}
	})
	workdir := b.Config.WorkingDirectory
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = workdir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v\n%s", err, out)
	}
	seedTask(t, b, "1")
	b.execCLI = func(dir string, argv []string, prompt string, timeout time.Duration) ([]byte, []byte, error) {
		// Simulate the CLI writing outside its allowed paths.
		if err := os.WriteFile(filepath.Join(workdir, "stray.txt"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		return claudeStream("done"), nil, nil
	}

	b.RunOnce()

	got, _ := b.Tasks.ReadTask("alpha", "1")
	if got == nil || got.Status != task.StatusCompleted {
		t.Fatalf("task = %+v", got)
	}
	if got.Metadata["permanentlyFailed"] != true {
		t.Errorf("permanentlyFailed = %v", got.Metadata["permanentlyFailed"])
	}
	if got.Metadata["permissionViolations"] == nil {
		t.Error("permissionViolations metadata missing")
	}
	if b.consecutiveErrors != 0 {
		t.Errorf("consecutiveErrors = %d, want 0", b.consecutiveErrors)
	}
	events, err := b.Audit.Read("alpha", audit.Filter{EventType: audit.EventPermissionViolation})
	if err != nil || len(events) != 1 {
		t.Errorf("violation events = %d err = %v", len(events), err)
	}
}
