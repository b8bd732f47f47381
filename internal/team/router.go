package team

import (
	"fmt"
	"strings"

	"github.com/jaakkos/teambridge/internal/mailbox"
)

// ScoreWorkerFitness scores one worker against a required capability set:
// 1.0 per capability held, 0.5 when the worker only has the "general"
// wildcard, averaged over the requirements. No requirements means a
// perfect fit.
func ScoreWorkerFitness(capabilities, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	has := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		has[c] = true
	}
	sum := 0.0
	for _, req := range required {
		switch {
		case has[req]:
			sum += 1.0
		case has["general"]:
			sum += 0.5
		}
	}
	return sum / float64(len(required))
}

// RoutingDecision assigns one task to one worker.
type RoutingDecision struct {
	TaskID     string  `json:"taskId"`
	AssignedTo string  `json:"assignedTo"`
	Backend    string  `json:"backend"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// RouteTasks assigns unassigned tasks to live members. Candidates need
// fitness above zero; the score discounts tentative load and rewards
// idleness, and ties keep the members' insertion order.
func RouteTasks(members []MemberView, unassigned []string, requiredByTask map[string][]string, capabilities map[string][]string) []RoutingDecision {
	var eligible []MemberView
	for _, m := range members {
		if m.Status == StatusDead || m.Status == StatusQuarantined {
			continue
		}
		eligible = append(eligible, m)
	}

	load := make(map[string]float64, len(eligible))
	var out []RoutingDecision
	for _, taskID := range unassigned {
		required := requiredByTask[taskID]
		best := -1
		bestScore := 0.0
		bestFitness := 0.0
		for i, m := range eligible {
			fitness := ScoreWorkerFitness(capabilities[m.Name], required)
			if fitness <= 0 {
				continue
			}
			score := fitness - 0.2*load[m.Name]
			if m.Status == StatusIdle {
				score += 0.1
			}
			score = clamp01(score)
			if best < 0 || score > bestScore {
				best, bestScore, bestFitness = i, score, fitness
			}
		}
		if best < 0 {
			continue
		}
		chosen := eligible[best]
		load[chosen.Name]++
		out = append(out, RoutingDecision{
			TaskID:     taskID,
			AssignedTo: chosen.Name,
			Backend:    chosen.Backend,
			Reason:     fmt.Sprintf("fitness %.2f, load %.0f, status %s", bestFitness, load[chosen.Name]-1, chosen.Status),
			Confidence: bestScore,
		})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RouteResult reports how a message reached (or should reach) a recipient.
type RouteResult struct {
	Recipient string `json:"recipient"`
	// Delivered is true when the message landed in an inbox; false means
	// the caller must use the native send path.
	Delivered bool   `json:"delivered"`
	Hint      string `json:"hint,omitempty"`
}

// RouteMessage delivers content to one member: bridge-managed recipients
// get an inbox line, native ones get a hint back to the caller.
func RouteMessage(mb *mailbox.Store, members []MemberView, team, recipient, content string) (*RouteResult, error) {
	var target *MemberView
	for i := range members {
		if members[i].Name == recipient {
			target = &members[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("no member %q in team %s", recipient, team)
	}
	if !strings.HasPrefix(target.Backend, "mcp-") {
		return &RouteResult{Recipient: recipient, Delivered: false,
			Hint: "use the native send operation for " + target.Backend}, nil
	}
	err := mb.AppendInbox(team, recipient, mailbox.InboxMessage{
		Type:    mailbox.InboxTypeMessage,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	return &RouteResult{Recipient: recipient, Delivered: true}, nil
}

// BroadcastToTeam fans content out to every bridge-managed member and
// returns the native members for the caller to handle.
func BroadcastToTeam(mb *mailbox.Store, members []MemberView, team, content string) (delivered, native []string, err error) {
	for _, m := range members {
		if !strings.HasPrefix(m.Backend, "mcp-") {
			native = append(native, m.Name)
			continue
		}
		if err := mb.AppendInbox(team, m.Name, mailbox.InboxMessage{
			Type:    mailbox.InboxTypeMessage,
			Content: content,
		}); err != nil {
			return delivered, native, fmt.Errorf("broadcast to %s: %w", m.Name, err)
		}
		delivered = append(delivered, m.Name)
	}
	return delivered, native, nil
}
