package registry

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	teams := filepath.Join(root, "teams")
	state := filepath.Join(root, "state")
	return New(teams, state, log.New(os.Stderr, "", 0))
}

func TestGetRegistrationStrategy(t *testing.T) {
	r := testRegistry(t)

	// No probe file at all: shadow.
	if got := r.GetRegistrationStrategy(); got != StrategyShadow {
		t.Errorf("no probe: strategy = %s", got)
	}

	for result, want := range map[string]string{
		ProbePass:    StrategyCanonical,
		ProbeFail:    StrategyShadow,
		ProbePartial: StrategyShadow,
	} {
		if err := r.WriteProbeResult(result, "1.0"); err != nil {
			t.Fatal(err)
		}
		if got := r.GetRegistrationStrategy(); got != want {
			t.Errorf("probe %s: strategy = %s, want %s", result, got, want)
		}
	}
}

func TestRegister_ShadowOnlyWithoutPassProbe(t *testing.T) {
	r := testRegistry(t)
	if err := r.WriteProbeResult(ProbeFail, "1.0"); err != nil {
		t.Fatal(err)
	}

	m := NewMember("T", "w1", "claude", "opus", "omc-team_T_w1", "/work")
	if err := r.RegisterMcpWorker("T", m); err != nil {
		t.Fatal(err)
	}

	got, err := r.ListMcpWorkers("T")
	if err != nil || len(got) != 1 {
		t.Fatalf("list = %+v, %v", got, err)
	}
	if got[0].AgentID != "w1@T" || got[0].BackendType != BackendTmux || got[0].AgentType != "mcp-claude" {
		t.Errorf("member = %+v", got[0])
	}

	// Canonical file must not exist.
	if _, err := os.Stat(filepath.Join(r.TeamsRoot, "T", "config.json")); !os.IsNotExist(err) {
		t.Error("canonical config written despite failing probe")
	}
}

func TestRegister_CanonicalPreservesForeignContent(t *testing.T) {
	r := testRegistry(t)
	if err := r.WriteProbeResult(ProbePass, "1.0"); err != nil {
		t.Fatal(err)
	}

	// Pre-existing canonical config with a foreign member and extra keys.
	dir := filepath.Join(r.TeamsRoot, "T")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	seed := `{"schemaVersion":3,"lead":"boss","members":[{"name":"native","kind":"host-agent"}]}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewMember("T", "w1", "codex", "gpt", "omc-team_T_w1", "/work")
	if err := r.RegisterMcpWorker("T", m); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		t.Fatal(err)
	}
	if string(top["schemaVersion"]) != "3" || string(top["lead"]) != `"boss"` {
		t.Errorf("foreign top-level keys lost: %s", data)
	}
	var rows []map[string]any
	if err := json.Unmarshal(top["members"], &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("members = %v", rows)
	}
	if rows[0]["name"] != "native" || rows[0]["kind"] != "host-agent" {
		t.Errorf("foreign row altered: %v", rows[0])
	}

	// Re-registration replaces, never duplicates.
	if err := r.RegisterMcpWorker("T", m); err != nil {
		t.Fatal(err)
	}
	_, rawRows, err := readCanonicalFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rawRows) != 2 {
		t.Errorf("re-registration duplicated: %d rows", len(rawRows))
	}
}

func TestUnregister_BothBacks(t *testing.T) {
	r := testRegistry(t)
	if err := r.WriteProbeResult(ProbePass, "1.0"); err != nil {
		t.Fatal(err)
	}
	m := NewMember("T", "w1", "claude", "opus", "s", "/w")
	if err := r.RegisterMcpWorker("T", m); err != nil {
		t.Fatal(err)
	}

	if err := r.UnregisterMcpWorker("T", "w1"); err != nil {
		t.Fatal(err)
	}
	got, err := r.ListMcpWorkers("T")
	if err != nil || len(got) != 0 {
		t.Fatalf("after unregister: %+v, %v", got, err)
	}

	// Unregistering a never-registered worker is a no-op.
	if err := r.UnregisterMcpWorker("T", "ghost"); err != nil {
		t.Fatal(err)
	}
}

func TestList_ShadowWinsOnCollision(t *testing.T) {
	r := testRegistry(t)

	// Canonical carries w1 with one cwd.
	dir := filepath.Join(r.TeamsRoot, "T")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	canonical := `{"members":[{"agentId":"w1@T","name":"w1","backendType":"tmux","cwd":"/old"},{"agentId":"w2@T","name":"w2","backendType":"tmux","cwd":"/two"}]}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(canonical), 0o600); err != nil {
		t.Fatal(err)
	}

	// Shadow carries w1 with a newer cwd.
	m := NewMember("T", "w1", "claude", "opus", "s", "/new")
	if err := r.RegisterMcpWorker("T", m); err != nil {
		t.Fatal(err)
	}

	got, err := r.ListMcpWorkers("T")
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]Member{}
	for _, w := range got {
		byName[w.Name] = w
	}
	if len(got) != 2 {
		t.Fatalf("list = %+v", got)
	}
	if byName["w1"].Cwd != "/new" {
		t.Errorf("shadow did not win: %+v", byName["w1"])
	}
	if byName["w2"].Cwd != "/two" {
		t.Errorf("canonical-only member missing: %+v", byName["w2"])
	}
}

func TestList_TeamIsolation(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterMcpWorker("A", NewMember("A", "w1", "claude", "m", "s", "/a")); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterMcpWorker("B", NewMember("B", "w1", "claude", "m", "s", "/b")); err != nil {
		t.Fatal(err)
	}

	got, err := r.ListMcpWorkers("A")
	if err != nil || len(got) != 1 || got[0].Cwd != "/a" {
		t.Fatalf("team A list = %+v, %v", got, err)
	}
}

func TestIsMcpWorker(t *testing.T) {
	if !IsMcpWorker(Member{BackendType: BackendTmux}) {
		t.Error("tmux member not recognized")
	}
	if IsMcpWorker(Member{BackendType: "in-process"}) {
		t.Error("foreign member recognized")
	}
}
