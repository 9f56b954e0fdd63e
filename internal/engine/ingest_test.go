package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zulandar/signalbox/internal/dedup"
	"github.com/zulandar/signalbox/internal/mattermost"
)

func fingerprintOf(in Inbound) string {
	return dedup.Fingerprint(in.Text, in.ChannelID, in.PostID)
}

func TestIngest_Ignored(t *testing.T) {
	h := newHarness(t, offHours, func(o *Opts) { o.Trigger = "#support" })
	ctx := context.Background()

	tests := []struct {
		name string
		in   Inbound
	}{
		{"empty text", Inbound{Text: "  ", ChannelID: "mm", PostID: "p1", SenderID: "u1"}},
		{"missing channel", Inbound{Text: "help #support", PostID: "p1", SenderID: "u1"}},
		{"bot author", Inbound{Text: "help #support", ChannelID: "mm", PostID: "p1", SenderID: "mm-bot"}},
		{"no trigger", Inbound{Text: "just chatting", ChannelID: "mm", PostID: "p1", SenderID: "u1"}},
		{"relayed reply", Inbound{Text: textStaffReply + "done #support", ChannelID: "mm", PostID: "p1", SenderID: "u2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := h.engine.Ingest(ctx, tt.in)
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if outcome != OutcomeIgnored {
				t.Errorf("outcome = %v, want ignored", outcome)
			}
		})
	}
	if h.engine.QueueLen() != 0 {
		t.Errorf("queue len = %d, want 0", h.engine.QueueLen())
	}
}

func TestIngest_QueuesOnceOutOfHours(t *testing.T) {
	h := newHarness(t, offHours, nil)
	ctx := context.Background()
	in := inbound("Printer is on fire")

	outcome, err := h.engine.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Fatalf("outcome = %v, want queued", outcome)
	}
	for i := 0; i < 3; i++ {
		if outcome, _ := h.engine.Ingest(ctx, in); outcome != OutcomeDuplicate {
			t.Errorf("repeat %d outcome = %v, want duplicate", i, outcome)
		}
	}
	if h.engine.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1", h.engine.QueueLen())
	}

	msg := h.message(t, in)
	if !msg.Processed {
		t.Error("message should be marked processed")
	}
	if msg.Responded {
		t.Error("message should not be responded")
	}
	if got := testutil.ToFloat64(h.metrics.Ingested); got != 1 {
		t.Errorf("ingested = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.Duplicates); got != 3 {
		t.Errorf("duplicates = %v, want 3", got)
	}
}

func TestIngest_DuplicateAfterRestart(t *testing.T) {
	h := newHarness(t, offHours, nil)
	ctx := context.Background()
	in := inbound("help")
	if _, err := h.engine.Ingest(ctx, in); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// A second engine over the same store has an empty in-memory set.
	restarted, err := New(Opts{
		Store:          h.store,
		Adapter:        h.adapter,
		Mattermost:     h.mm,
		Policy:         testPolicy(t),
		SupportChannel: supportChannel,
		ManagerChannel: managerChannel,
		Now:            h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(restarted.Shutdown)

	outcome, err := restarted.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome = %v, want duplicate", outcome)
	}
	if restarted.QueueLen() != 0 {
		t.Errorf("restarted queue len = %d, want 0", restarted.QueueLen())
	}
}

func TestIngest_DistinctPostsSameText(t *testing.T) {
	h := newHarness(t, offHours, nil)
	ctx := context.Background()

	a := Inbound{Text: "help", ChannelID: "mm", PostID: "p1", SenderID: "u1"}
	b := Inbound{Text: "help", ChannelID: "mm", PostID: "p2", SenderID: "u1"}
	for _, in := range []Inbound{a, b} {
		if outcome, err := h.engine.Ingest(ctx, in); err != nil || outcome != OutcomeQueued {
			t.Errorf("Ingest(%s) = %v, %v; want queued", in.PostID, outcome, err)
		}
	}
	if h.engine.QueueLen() != 2 {
		t.Errorf("queue len = %d, want 2", h.engine.QueueLen())
	}
}

func TestIngest_ConcurrentSamePost(t *testing.T) {
	h := newHarness(t, offHours, nil)
	ctx := context.Background()
	in := inbound("help")

	results := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		go func() {
			outcome, err := h.engine.Ingest(ctx, in)
			if err != nil {
				t.Errorf("Ingest: %v", err)
			}
			results <- outcome
		}()
	}
	queued := 0
	for i := 0; i < 8; i++ {
		if <-results == OutcomeQueued {
			queued++
		}
	}
	if queued != 1 {
		t.Errorf("queued %d times, want exactly 1", queued)
	}
}

func TestIngest_CancelledEnqueueCanBeRetried(t *testing.T) {
	h := newHarness(t, offHours, func(o *Opts) { o.QueueCapacity = 1 })
	ctx := context.Background()

	if outcome, err := h.engine.Ingest(ctx, inbound("first")); err != nil || outcome != OutcomeQueued {
		t.Fatalf("first Ingest = %v, %v; want queued", outcome, err)
	}

	second := Inbound{Text: "second", ChannelID: "mm-support", PostID: "p2", SenderID: "u1"}
	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := h.engine.Ingest(timeout, second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ingest on a full queue = %v, want deadline exceeded", err)
	}
	if msg := h.message(t, second); msg.Processed || msg.Relay {
		t.Errorf("request that never reached the queue is still claimed: %+v", msg)
	}

	if _, ok := h.engine.queue.Dequeue(ctx, time.Second); !ok {
		t.Fatal("first request should be queued")
	}
	outcome, err := h.engine.Ingest(ctx, second)
	if err != nil || outcome != OutcomeQueued {
		t.Fatalf("retried Ingest = %v, %v; want queued", outcome, err)
	}
	req, ok := h.engine.queue.Dequeue(ctx, time.Second)
	if !ok || req.PostID != "p2" {
		t.Errorf("dequeued %+v, %v; want the retried request", req, ok)
	}
	if got := testutil.ToFloat64(h.metrics.Queued); got != 2 {
		t.Errorf("queued metric = %v, want 2", got)
	}
}

func TestHandlePost(t *testing.T) {
	h := newHarness(t, offHours, nil)
	h.engine.HandlePost(context.Background(), mattermost.Post{
		ID: testPostID, ChannelID: "mm", UserID: "u1", Message: "help please",
	})
	if h.engine.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1", h.engine.QueueLen())
	}
}

func TestDeliver_SendFailure(t *testing.T) {
	h := newHarness(t, offHours, nil)
	ctx := context.Background()
	if _, err := h.engine.Ingest(ctx, inbound("help")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	req, _ := h.engine.queue.Dequeue(ctx, 0)

	h.adapter.SetSendError(errTest)
	h.engine.Deliver(ctx, req)

	if snap := h.engine.Snapshot(); len(snap) != 0 {
		t.Errorf("tracked %d items after a failed send, want 0", len(snap))
	}
	if got := testutil.ToFloat64(h.metrics.SendFailures.WithLabelValues("support")); got != 1 {
		t.Errorf("support send failures = %v, want 1", got)
	}
}

func TestDeliver_CachesSender(t *testing.T) {
	h := newHarness(t, offHours, nil)
	h.deliver(t, inbound("help"))

	u, err := h.store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Username != "ivan" || u.Position != "Accountant" {
		t.Errorf("cached user = %+v", u)
	}
}

func TestDeliver_UnknownSender(t *testing.T) {
	h := newHarness(t, offHours, nil)
	h.deliver(t, Inbound{Text: "help", ChannelID: "mm", PostID: "short", SenderID: "ghost"})

	msg, _, _ := h.adapter.LastSent()
	if len(msg.Buttons) != 2 {
		t.Errorf("buttons = %+v, want DM and toggle only", msg.Buttons)
	}
	if msg.Buttons[len(msg.Buttons)-1].Action != "take_work" {
		t.Error("toggle should be last")
	}
}

func TestDeliver_AwakeMentions(t *testing.T) {
	// Wednesday 13:30 UTC = 18:30 ekb (off), 16:30 msk (working).
	now := mustDate(2026, 3, 4, 13, 30)
	h := newHarness(t, now, nil)
	ctx := context.Background()

	link := func(id, chatID, tz string) {
		if _, err := h.store.UpsertUser(ctx, modelsUser(id, chatID, tz)); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
	link("e1", "CE", "екб")
	link("m1", "CM", "msk")
	link("n1", "CN", "")

	h.deliver(t, inbound("help"))
	msg, _, _ := h.adapter.LastSent()
	if !strings.Contains(msg.Text, textAttention+"<@CE>") {
		t.Errorf("notification should mention the off-hours ekb user: %q", msg.Text)
	}
	if strings.Contains(msg.Text, "<@CM>") || strings.Contains(msg.Text, "<@CN>") {
		t.Errorf("notification should not mention working or zoneless users: %q", msg.Text)
	}
}
