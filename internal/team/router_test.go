package team

import (
	"testing"

	"github.com/jaakkos/teambridge/internal/mailbox"
)

func TestScoreWorkerFitness(t *testing.T) {
	cases := []struct {
		caps, required []string
		want           float64
	}{
		{nil, nil, 1.0},
		{[]string{"code-edit"}, nil, 1.0},
		{[]string{"code-edit"}, []string{"code-edit"}, 1.0},
		{[]string{"general"}, []string{"code-edit"}, 0.5},
		{[]string{"docs"}, []string{"code-edit"}, 0.0},
		{[]string{"code-edit", "general"}, []string{"code-edit", "review"}, 0.75},
		{nil, []string{"code-edit"}, 0.0},
	}
	for _, c := range cases {
		if got := ScoreWorkerFitness(c.caps, c.required); got != c.want {
			t.Errorf("ScoreWorkerFitness(%v, %v) = %v, want %v", c.caps, c.required, got, c.want)
		}
	}
}

func TestRouteTasks(t *testing.T) {
	members := []MemberView{
		{Name: "w1", Backend: "mcp-claude", Status: StatusIdle},
		{Name: "w2", Backend: "mcp-codex", Status: StatusActive},
		{Name: "dead", Backend: "mcp-claude", Status: StatusDead},
		{Name: "sick", Backend: "mcp-claude", Status: StatusQuarantined},
	}
	caps := map[string][]string{
		"w1": {"code-edit"},
		"w2": {"general"},
	}

	// Dead and quarantined workers never receive tasks; the idle bonus
	// prefers w1, and accumulated load pushes later tasks to w2.
	decisions := RouteTasks(members, []string{"1", "2", "3"}, map[string][]string{
		"1": {"code-edit"},
		"2": {"code-edit"},
		"3": {"code-edit"},
	}, caps)

	if len(decisions) != 3 {
		t.Fatalf("decisions = %+v", decisions)
	}
	if decisions[0].AssignedTo != "w1" || decisions[0].Confidence != 1.0 {
		t.Errorf("decision 0 = %+v", decisions[0])
	}
	for _, d := range decisions {
		if d.AssignedTo == "dead" || d.AssignedTo == "sick" {
			t.Errorf("task routed to unavailable worker: %+v", d)
		}
	}
	// Task 2: w1 at load 1 scores 1.0-0.2+0.1=0.9, w2 scores 0.5 → w1 again.
	if decisions[1].AssignedTo != "w1" || decisions[1].Confidence != 0.9 {
		t.Errorf("decision 1 = %+v", decisions[1])
	}
}

func TestRouteTasks_NoEligibleWorker(t *testing.T) {
	members := []MemberView{{Name: "w1", Backend: "mcp-claude", Status: StatusIdle}}
	caps := map[string][]string{"w1": {"docs"}}

	decisions := RouteTasks(members, []string{"1"}, map[string][]string{"1": {"code-edit"}}, caps)
	if len(decisions) != 0 {
		t.Errorf("zero-fitness worker received a task: %+v", decisions)
	}
}

func TestRouteTasks_InsertionOrderTieBreak(t *testing.T) {
	members := []MemberView{
		{Name: "first", Backend: "mcp-claude", Status: StatusActive},
		{Name: "second", Backend: "mcp-claude", Status: StatusActive},
	}
	caps := map[string][]string{"first": {"general"}, "second": {"general"}}

	decisions := RouteTasks(members, []string{"1"}, nil, caps)
	if len(decisions) != 1 || decisions[0].AssignedTo != "first" {
		t.Errorf("tie break = %+v", decisions)
	}
}

func TestRouteMessage(t *testing.T) {
	mb := mailbox.NewStore(t.TempDir())
	members := []MemberView{
		{Name: "w1", Backend: "mcp-claude", Status: StatusIdle},
		{Name: "native", Backend: "claude-native", Status: StatusUnknown},
	}

	res, err := RouteMessage(mb, members, "T", "w1", "hello")
	if err != nil || !res.Delivered {
		t.Fatalf("route to mcp: %+v, %v", res, err)
	}
	msgs, err := mb.ReadNewInboxMessages("T", "w1")
	if err != nil || len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("inbox = %+v, %v", msgs, err)
	}

	res, err = RouteMessage(mb, members, "T", "native", "hello")
	if err != nil || res.Delivered || res.Hint == "" {
		t.Fatalf("route to native: %+v, %v", res, err)
	}

	if _, err := RouteMessage(mb, members, "T", "ghost", "hello"); err == nil {
		t.Error("expected unknown-recipient error")
	}
}

func TestBroadcastToTeam(t *testing.T) {
	mb := mailbox.NewStore(t.TempDir())
	members := []MemberView{
		{Name: "w1", Backend: "mcp-claude"},
		{Name: "w2", Backend: "mcp-codex"},
		{Name: "native", Backend: "claude-native"},
	}

	delivered, native, err := BroadcastToTeam(mb, members, "T", "all hands")
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 2 || len(native) != 1 || native[0] != "native" {
		t.Fatalf("delivered=%v native=%v", delivered, native)
	}
	for _, w := range delivered {
		msgs, err := mb.ReadNewInboxMessages("T", w)
		if err != nil || len(msgs) != 1 {
			t.Errorf("%s inbox = %+v, %v", w, msgs, err)
		}
	}
}
