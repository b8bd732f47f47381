package team

import (
	"github.com/jaakkos/teambridge/internal/heartbeat"
	"github.com/jaakkos/teambridge/internal/registry"
)

// Member statuses in the unified view.
const (
	StatusActive      = "active"
	StatusIdle        = "idle"
	StatusDead        = "dead"
	StatusQuarantined = "quarantined"
	StatusUnknown     = "unknown"
)

// MemberView is one row of the unified team view.
type MemberView struct {
	Name         string   `json:"name"`
	Backend      string   `json:"backend"` // "claude-native" or the mcp agent type
	Model        string   `json:"model,omitempty"`
	Status       string   `json:"status"`
	CurrentTask  string   `json:"currentTask,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Cwd          string   `json:"cwd,omitempty"`
}

// View merges both registries with heartbeat liveness.
type View struct {
	Registry   *registry.Registry
	Heartbeats *heartbeat.Store
	// MaxHeartbeatAgeMs bounds liveness; zero uses the store default.
	MaxHeartbeatAgeMs int64
	// Capabilities maps worker name to configured capabilities.
	Capabilities map[string][]string
}

// GetTeamMembers returns the unified member list: canonical rows that are
// not bridge-managed (native agents, status unknown) plus every shadow
// row with its heartbeat-projected status.
func (v *View) GetTeamMembers(team string) ([]MemberView, error) {
	shadow, err := v.Registry.ShadowMembers(team)
	if err != nil {
		return nil, err
	}
	var out []MemberView
	for _, m := range v.Registry.CanonicalMembers(team) {
		if registry.IsMcpWorker(m) {
			// Bridge-managed rows surface through the shadow registry.
			continue
		}
		out = append(out, MemberView{
			Name:         m.Name,
			Backend:      "claude-native",
			Model:        m.Model,
			Status:       StatusUnknown,
			Capabilities: v.Capabilities[m.Name],
			Cwd:          m.Cwd,
		})
	}
	for _, m := range shadow {
		status, taskID := v.projectStatus(team, m.Name)
		out = append(out, MemberView{
			Name:         m.Name,
			Backend:      m.AgentType,
			Model:        m.Model,
			Status:       status,
			CurrentTask:  taskID,
			Capabilities: v.Capabilities[m.Name],
			Cwd:          m.Cwd,
		})
	}
	return out, nil
}

// projectStatus maps a worker's heartbeat onto the view enum.
func (v *View) projectStatus(team, worker string) (string, string) {
	hb, err := v.Heartbeats.Read(team, worker)
	if err != nil || hb == nil {
		return StatusUnknown, ""
	}
	alive, err := v.Heartbeats.IsWorkerAlive(team, worker, v.MaxHeartbeatAgeMs)
	if err != nil || !alive {
		return StatusDead, hb.CurrentTaskID
	}
	switch hb.Status {
	case heartbeat.StateExecuting:
		return StatusActive, hb.CurrentTaskID
	case heartbeat.StatePolling:
		return StatusIdle, hb.CurrentTaskID
	case heartbeat.StateQuarantined:
		return StatusQuarantined, hb.CurrentTaskID
	}
	return StatusUnknown, hb.CurrentTaskID
}
