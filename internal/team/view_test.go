package team

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/teambridge/internal/heartbeat"
	"github.com/jaakkos/teambridge/internal/registry"
)

func testView(t *testing.T) (*View, *registry.Registry, *heartbeat.Store) {
	t.Helper()
	root := t.TempDir()
	reg := registry.New(filepath.Join(root, "teams"), filepath.Join(root, "state"), log.New(os.Stderr, "", 0))
	hb := heartbeat.NewStore(filepath.Join(root, "heartbeats"))
	return &View{Registry: reg, Heartbeats: hb, MaxHeartbeatAgeMs: 60_000}, reg, hb
}

func TestGetTeamMembers_StatusProjection(t *testing.T) {
	v, reg, hb := testView(t)

	for _, w := range []string{"w1", "w2", "w3", "w4"} {
		if err := reg.RegisterMcpWorker("T", registry.NewMember("T", w, "claude", "m", "s", "/cwd")); err != nil {
			t.Fatal(err)
		}
	}
	if err := hb.Write("T", "w1", "claude", heartbeat.StateExecuting, "task-9", 0); err != nil {
		t.Fatal(err)
	}
	if err := hb.Write("T", "w2", "claude", heartbeat.StatePolling, "", 0); err != nil {
		t.Fatal(err)
	}
	if err := hb.Write("T", "w3", "claude", heartbeat.StateQuarantined, "", 3); err != nil {
		t.Fatal(err)
	}
	// w4 has no heartbeat at all: unknown.

	members, err := v.GetTeamMembers("T")
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]MemberView{}
	for _, m := range members {
		byName[m.Name] = m
	}
	if byName["w1"].Status != StatusActive || byName["w1"].CurrentTask != "task-9" {
		t.Errorf("w1 = %+v", byName["w1"])
	}
	if byName["w2"].Status != StatusIdle {
		t.Errorf("w2 = %+v", byName["w2"])
	}
	if byName["w3"].Status != StatusQuarantined {
		t.Errorf("w3 = %+v", byName["w3"])
	}
	if byName["w4"].Status != StatusUnknown {
		t.Errorf("w4 = %+v", byName["w4"])
	}
}

func TestGetTeamMembers_StaleHeartbeatIsDead(t *testing.T) {
	v, reg, hb := testView(t)
	if err := reg.RegisterMcpWorker("T", registry.NewMember("T", "w1", "claude", "m", "s", "/cwd")); err != nil {
		t.Fatal(err)
	}
	if err := hb.Write("T", "w1", "claude", heartbeat.StateExecuting, "t1", 0); err != nil {
		t.Fatal(err)
	}

	v.MaxHeartbeatAgeMs = 1
	time.Sleep(5 * time.Millisecond)

	members, err := v.GetTeamMembers("T")
	if err != nil || len(members) != 1 {
		t.Fatalf("members = %+v, %v", members, err)
	}
	if members[0].Status != StatusDead {
		t.Errorf("stale worker status = %s", members[0].Status)
	}
}

func TestGetTeamMembers_NativeRowsFromCanonical(t *testing.T) {
	v, reg, _ := testView(t)

	// Canonical config with a native member and a tmux row that must be
	// skipped (it would double-count the shadow entry).
	dir := filepath.Join(reg.TeamsRoot, "T")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	canonical := `{"members":[{"name":"lead","backendType":"in-process","model":"opus"},{"name":"w1","backendType":"tmux"}]}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(canonical), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterMcpWorker("T", registry.NewMember("T", "w1", "claude", "m", "s", "/cwd")); err != nil {
		t.Fatal(err)
	}

	members, err := v.GetTeamMembers("T")
	if err != nil || len(members) != 2 {
		t.Fatalf("members = %+v, %v", members, err)
	}
	byName := map[string]MemberView{}
	for _, m := range members {
		byName[m.Name] = m
	}
	if byName["lead"].Backend != "claude-native" || byName["lead"].Status != StatusUnknown {
		t.Errorf("lead = %+v", byName["lead"])
	}
	if byName["w1"].Backend != "mcp-claude" {
		t.Errorf("w1 = %+v", byName["w1"])
	}
}
