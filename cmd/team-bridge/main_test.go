package main

import (
	"os"
	"path/filepath"
	"testing"
)

// Heartbeats are project state: two projects sharing a team name must
// not read each other's liveness records, so the root lives under the
// project's .omc/state tree, not the user-global teams root.
func TestResolvePathsScoping(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	p := resolvePaths()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if p.heartbeatRoot != filepath.Join(wd, ".omc", "state", "team-bridge") {
		t.Errorf("heartbeatRoot = %s", p.heartbeatRoot)
	}
	if p.stateDir != filepath.Join(wd, ".omc", "state") {
		t.Errorf("stateDir = %s", p.stateDir)
	}
	if p.teamsRoot != filepath.Join(p.home, ".claude", "teams") {
		t.Errorf("teamsRoot = %s", p.teamsRoot)
	}
	if p.tasksRoot != filepath.Join(p.home, ".claude", "tasks") {
		t.Errorf("tasksRoot = %s", p.tasksRoot)
	}
}
