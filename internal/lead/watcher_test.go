package lead

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaakkos/teambridge/internal/audit"
	"github.com/jaakkos/teambridge/internal/history"
	"github.com/jaakkos/teambridge/internal/mailbox"
)

type collector struct {
	mu   sync.Mutex
	got  []mailbox.OutboxMessage
	from []string
}

func (c *collector) handle(worker string, msg mailbox.OutboxMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
	c.from = append(c.from, worker)
}

func TestWatcherDrainDeliversNewMessages(t *testing.T) {
	d, hbs := newDeps(t)
	addWorker(t, d, hbs, "w1", "claude")
	var c collector
	w := NewWatcher(d, c.handle)

	err := d.Mail.AppendOutbox("alpha", "w1", mailbox.OutboxMessage{
		Type: mailbox.OutboxTaskComplete, TaskID: "1", Summary: "done",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = d.Mail.AppendOutbox("alpha", "w1", mailbox.OutboxMessage{
		Type: mailbox.OutboxIdle,
	})
	if err != nil {
		t.Fatal(err)
	}

	w.DrainOnce()
	if len(c.got) != 2 || c.from[0] != "w1" || c.got[0].TaskID != "1" {
		t.Fatalf("collected = %+v from %v", c.got, c.from)
	}

	// Draining again yields nothing new.
	w.DrainOnce()
	if len(c.got) != 2 {
		t.Fatalf("re-drain collected = %d, want 2", len(c.got))
	}

	err = d.Mail.AppendOutbox("alpha", "w1", mailbox.OutboxMessage{
		Type: mailbox.OutboxTaskFailed, TaskID: "2", Error: "boom",
	})
	if err != nil {
		t.Fatal(err)
	}
	w.DrainOnce()
	if len(c.got) != 3 || c.got[2].Error != "boom" {
		t.Fatalf("collected = %+v", c.got)
	}
}

func TestWatcherDrainFeedsHistoryIndex(t *testing.T) {
	d, hbs := newDeps(t)
	addWorker(t, d, hbs, "w1", "claude")
	x, err := history.Open(filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { x.Close() })
	d.History = x

	d.Audit.Append("alpha", audit.Event{EventType: audit.EventTaskCompleted, WorkerName: "w1", TaskID: "1"})

	var c collector
	NewWatcher(d, c.handle).DrainOnce()

	entries, err := x.Query("alpha", history.Filter{})
	if err != nil || len(entries) != 1 || entries[0].EventType != audit.EventTaskCompleted {
		t.Fatalf("entries = %+v err = %v", entries, err)
	}
}
