package chat

import (
	"context"
	"errors"
	"testing"
)

// Compile-time check that MockAdapter implements Adapter.
var _ Adapter = (*MockAdapter)(nil)

func TestMessageRef_KeyRoundTrip(t *testing.T) {
	ref := MessageRef{ChannelID: "C123", MessageID: "1700000000.000100"}
	if ref.Key() != "C123:1700000000.000100" {
		t.Errorf("Key = %q", ref.Key())
	}
	got, err := ParseRef(ref.Key())
	if err != nil || got != ref {
		t.Errorf("ParseRef = %+v, %v", got, err)
	}
}

func TestParseRef_Invalid(t *testing.T) {
	for _, in := range []string{"", "nocolon", ":m", "c:"} {
		if _, err := ParseRef(in); err == nil {
			t.Errorf("ParseRef(%q) expected error", in)
		}
	}
}

func TestMessageRef_IsZero(t *testing.T) {
	if !(MessageRef{}).IsZero() {
		t.Error("zero ref should be zero")
	}
	if (MessageRef{ChannelID: "c"}).IsZero() {
		t.Error("ref with channel should not be zero")
	}
}

func TestMockAdapter_Lifecycle(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if _, err := m.Listen(ctx); err == nil {
		t.Error("Listen before Connect should fail")
	}
	if _, err := m.Send(ctx, OutboundMessage{ChannelID: "c"}); err == nil {
		t.Error("Send before Connect should fail")
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	ch, err := m.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m.Simulate(ButtonPress{Action: ActionTakeWork, UserID: "u1"})
	evt := <-ch
	bp, ok := evt.(ButtonPress)
	if !ok || bp.Action != ActionTakeWork {
		t.Errorf("event = %#v", evt)
	}

	m.Simulate(TextMessage{Text: "hi"})
	if tm := (<-ch).(TextMessage); tm.Timestamp.IsZero() {
		t.Error("Simulate should stamp text messages")
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	if err := m.Close(); err != nil {
		t.Error("second Close should be a no-op")
	}
	if err := m.Connect(ctx); err == nil {
		t.Error("Connect after Close should fail")
	}
}

func TestMockAdapter_Recording(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()
	m.Connect(ctx)

	r1, _ := m.Send(ctx, OutboundMessage{ChannelID: "support", Text: "one"})
	r2, _ := m.Send(ctx, OutboundMessage{ChannelID: "manager", Text: "two"})
	if r1 == r2 {
		t.Error("refs should be unique")
	}
	if m.SentCount() != 2 || len(m.SentTo("support")) != 1 {
		t.Errorf("SentCount = %d, SentTo(support) = %d", m.SentCount(), len(m.SentTo("support")))
	}
	if msg, ref, ok := m.LastSent(); !ok || msg.Text != "two" || ref != r2 {
		t.Errorf("LastSent = %+v, %+v, %v", msg, ref, ok)
	}
	if m.RefOf(0) != r1 {
		t.Errorf("RefOf(0) = %+v", m.RefOf(0))
	}

	m.EditButtons(ctx, r1, "edited", []Button{{Text: "x", Action: ActionTakeWork}})
	m.Answer(ctx, "cb1", "done")
	if e := m.Edits(); len(e) != 1 || e[0].Ref != r1 || e[0].Text != "edited" {
		t.Errorf("Edits = %+v", e)
	}
	if a := m.Answers(); len(a) != 1 || a[0].CallbackID != "cb1" {
		t.Errorf("Answers = %+v", a)
	}

	m.SetSendError(errors.New("down"))
	if _, err := m.Send(ctx, OutboundMessage{ChannelID: "c"}); err == nil {
		t.Error("expected injected send error")
	}
}

func TestMockAdapter_Formatting(t *testing.T) {
	m := NewMockAdapter()
	if m.Mention("U1") != "<@U1>" {
		t.Errorf("Mention = %q", m.Mention("U1"))
	}
	if m.Link("https://x", "X") != "X (https://x)" {
		t.Errorf("Link = %q", m.Link("https://x", "X"))
	}
	m.SetBotUserID("B2")
	if m.BotUserID() != "B2" {
		t.Errorf("BotUserID = %q", m.BotUserID())
	}
}
