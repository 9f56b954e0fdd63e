package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/signalbox/internal/chat"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	postErr   error
	updated   []postedMessage
	ephemeral []postedMessage
	users     map[string]*slackapi.User
	tsCounter int
}

type postedMessage struct {
	channelID string
	target    string // ts for updates, user for ephemerals
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.tsCounter++
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, fmt.Sprintf("1700000000.%06d", m.tsCounter), nil
}

func (m *mockSlackClient) UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, postedMessage{channelID: channelID, target: timestamp, options: options})
	return channelID, timestamp, "", nil
}

func (m *mockSlackClient) PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ephemeral = append(m.ephemeral, postedMessage{channelID: channelID, target: userID, options: options})
	return "1700000000.999999", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) lastPosted() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted[len(m.posted)-1]
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events  chan socketmode.Event
	acked   []socketmode.Request
	mu      sync.Mutex
	done    chan struct{}
	runErrs []error
	runs    int
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	m.mu.Lock()
	m.runs++
	if len(m.runErrs) > 0 {
		err := m.runErrs[0]
		m.runErrs = m.runErrs[1:]
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		close(socket.done)
		a.Close()
	})
	return a, client, socket
}

func listen(t *testing.T, a *Adapter) <-chan chat.Event {
	t.Helper()
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ch
}

func next(t *testing.T, ch <-chan chat.Event) chat.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func messageEvent(ev *slackevents.MessageEvent, envelope string) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: envelope},
	}
}

func applied(t *testing.T, opts []slackapi.MsgOption) map[string]string {
	t.Helper()
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C1", "https://slack.com/api/", opts...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	out := make(map[string]string)
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

// --- New / Connect ---

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-test"}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-test"}); err == nil {
		t.Error("expected error for missing app token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb", AppToken: "xapp"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConnect_Success(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("bot user ID = %q, want U_BOT_123", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second connect should be a no-op: %v", err)
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid token")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("error = %v, want auth test error", err)
	}
}

func TestConnect_AfterClose(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected error for closed adapter")
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("expected error for not connected")
	}
}

// --- Inbound events ---

func TestListen_TextMessage(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{Profile: slackapi.UserProfile{DisplayName: "alice"}}
	ch := listen(t, a)

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "C1", Text: "hello", TimeStamp: "1700000000.000001",
	}, "env-1")

	tm, ok := next(t, ch).(chat.TextMessage)
	if !ok {
		t.Fatal("expected TextMessage")
	}
	if tm.Ref != (chat.MessageRef{ChannelID: "C1", MessageID: "1700000000.000001"}) {
		t.Errorf("Ref = %+v", tm.Ref)
	}
	if tm.UserID != "U_ALICE" || tm.UserName != "alice" || tm.Text != "hello" {
		t.Errorf("message = %+v", tm)
	}
	if tm.ReplyTo != nil {
		t.Errorf("top-level message has ReplyTo %+v", tm.ReplyTo)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_ThreadReplySetsReplyTo(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch := listen(t, a)

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U_BOB", Channel: "C1", Text: "done", TimeStamp: "1700000005.000001", ThreadTimeStamp: "1700000000.000042",
	}, "env-1")

	tm := next(t, ch).(chat.TextMessage)
	if tm.ReplyTo == nil || tm.ReplyTo.Key() != "C1:1700000000.000042" {
		t.Errorf("ReplyTo = %+v", tm.ReplyTo)
	}
}

func TestListen_FiltersSelfBotAndSubtypes(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch := listen(t, a)

	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_BOT_123", Channel: "C1", Text: "self", TimeStamp: "1.1"}, "e1")
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_X", BotID: "B1", Channel: "C1", Text: "bot", TimeStamp: "1.2"}, "e2")
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_X", SubType: "message_changed", Channel: "C1", Text: "edit", TimeStamp: "1.3"}, "e3")
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_X", Channel: "C1", Text: "real", TimeStamp: "1.4"}, "e4")

	if tm := next(t, ch).(chat.TextMessage); tm.Text != "real" {
		t.Errorf("first delivered = %q, want real", tm.Text)
	}
}

func TestListen_ButtonPress(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch := listen(t, a)

	cb := slackapi.InteractionCallback{
		Type: slackapi.InteractionTypeBlockActions,
		User: slackapi.User{ID: "U_ALICE", Name: "alice"},
		ActionCallback: slackapi.ActionCallbacks{BlockActions: []*slackapi.BlockAction{
			{ActionID: "link_0"},
			{ActionID: chat.ActionTakeWork, Value: chat.ActionTakeWork},
		}},
	}
	cb.Channel.ID = "C1"
	cb.Message.Timestamp = "1700000000.000007"

	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    cb,
		Request: &socketmode.Request{EnvelopeID: "env-btn"},
	}

	bp, ok := next(t, ch).(chat.ButtonPress)
	if !ok {
		t.Fatal("expected ButtonPress")
	}
	if bp.Action != chat.ActionTakeWork || bp.UserID != "U_ALICE" || bp.UserName != "alice" {
		t.Errorf("press = %+v", bp)
	}
	if bp.Ref.Key() != "C1:1700000000.000007" || bp.CallbackID != "env-btn" {
		t.Errorf("press ref/callback = %+v", bp)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_SlashCommandAndAnswer(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	ch := listen(t, a)

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeSlashCommand,
		Data: slackapi.SlashCommand{
			Command: "/specialist", Text: "  now ", ChannelID: "C9", UserID: "U_BOB", UserName: "bob",
		},
		Request: &socketmode.Request{EnvelopeID: "env-cmd"},
	}

	sc, ok := next(t, ch).(chat.SlashCommand)
	if !ok {
		t.Fatal("expected SlashCommand")
	}
	if sc.Name != "specialist" || sc.Args != "now" || sc.ChannelID != "C9" || sc.CallbackID != "env-cmd" {
		t.Errorf("command = %+v", sc)
	}

	if err := a.Answer(context.Background(), "env-cmd", "Try Jane"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(client.ephemeral) != 1 || client.ephemeral[0].channelID != "C9" || client.ephemeral[0].target != "U_BOB" {
		t.Fatalf("ephemeral = %+v", client.ephemeral)
	}
	// Answer is consumed once.
	a.Answer(context.Background(), "env-cmd", "again")
	if len(client.ephemeral) != 1 {
		t.Errorf("ephemeral count = %d, want 1", len(client.ephemeral))
	}
}

func TestAnswer_EmptyTextPostsNothing(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	a.remember("cb", "C1", "U1")
	if err := a.Answer(context.Background(), "cb", ""); err != nil {
		t.Fatal(err)
	}
	if len(client.ephemeral) != 0 {
		t.Errorf("ephemeral = %+v", client.ephemeral)
	}
}

// --- Outbound ---

func TestSend_ReturnsRefAndThreads(t *testing.T) {
	a, client, _ := newTestAdapter(t)

	ref, err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref.ChannelID != "C1" || ref.MessageID != "1700000000.000001" {
		t.Errorf("ref = %+v", ref)
	}

	_, err = a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", Text: "Reminder #1", ReplyTo: &ref})
	if err != nil {
		t.Fatal(err)
	}
	vals := applied(t, client.lastPosted().options)
	if vals["thread_ts"] != ref.MessageID {
		t.Errorf("thread_ts = %q, want %q", vals["thread_ts"], ref.MessageID)
	}
}

func TestSend_Buttons(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	_, err := a.Send(context.Background(), chat.OutboundMessage{
		ChannelID: "C1",
		Text:      "New request",
		Buttons: []chat.Button{
			{Text: "Open in Mattermost", URL: "https://mm.example.com/kontur/pl/x"},
			{Text: "Take", Action: chat.ActionTakeWork},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	vals := applied(t, client.lastPosted().options)
	blocks := vals["blocks"]
	for _, want := range []string{`"type":"actions"`, `"url":"https://mm.example.com/kontur/pl/x"`, `"action_id":"take_work"`, `"style":"primary"`} {
		if !strings.Contains(blocks, want) {
			t.Errorf("blocks missing %s: %s", want, blocks)
		}
	}
	if vals["text"] != "New request" {
		t.Errorf("fallback text = %q", vals["text"])
	}
}

func TestSend_Errors(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if _, err := a.Send(context.Background(), chat.OutboundMessage{Text: "x"}); err == nil {
		t.Error("expected error for missing channel")
	}
	client.postErr = fmt.Errorf("channel_not_found")
	if _, err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil || !strings.Contains(err.Error(), "post message") {
		t.Errorf("error = %v", err)
	}

	b, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := b.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1"}); err == nil {
		t.Error("expected not connected error")
	}
}

func TestEditButtons(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ref := chat.MessageRef{ChannelID: "C1", MessageID: "1700000000.000003"}
	err := a.EditButtons(context.Background(), ref, "taken", []chat.Button{{Text: "Taken by alice", Action: chat.ActionTakeWork}})
	if err != nil {
		t.Fatal(err)
	}
	if len(client.updated) != 1 || client.updated[0].channelID != "C1" || client.updated[0].target != ref.MessageID {
		t.Errorf("updated = %+v", client.updated)
	}
}

func TestFormatting(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if got := a.Mention("U1"); got != "<@U1>" {
		t.Errorf("Mention = %q", got)
	}
	if got := a.Link("https://x.test", "X"); got != "<https://x.test|X>" {
		t.Errorf("Link = %q", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	a.Connect(context.Background())
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	// Emitting after close is dropped rather than panicking.
	a.emit(chat.TextMessage{Text: "late"})
}

// --- Helpers ---

func TestParseSlackTimestamp(t *testing.T) {
	ts := parseSlackTimestamp("1700000000.250000")
	if ts.Unix() != 1700000000 || ts.Nanosecond() != 250000000 {
		t.Errorf("parsed = %v", ts)
	}
	if !parseSlackTimestamp("").IsZero() {
		t.Error("empty timestamp should be zero")
	}
	if !parseSlackTimestamp("garbage").IsZero() {
		t.Error("invalid timestamp should be zero")
	}
}

func TestResolveUserName(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{Profile: slackapi.UserProfile{DisplayName: "disp"}, RealName: "Real"}
	client.users["U2"] = &slackapi.User{RealName: "Real Two"}
	client.users["U3"] = &slackapi.User{Name: "handle"}

	tests := map[string]string{"U1": "disp", "U2": "Real Two", "U3": "handle", "U404": "U404", "": ""}
	for id, want := range tests {
		if got := a.resolveUserName(id); got != want {
			t.Errorf("resolveUserName(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("fatal")
	})
	if err == nil || calls != 1 {
		t.Errorf("non-rate-limit error retried: calls = %d", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Minute}
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunWithReconnect_RetriesThenStops(t *testing.T) {
	socket := newMockSocketClient()
	socket.runErrs = []error{fmt.Errorf("drop"), fmt.Errorf("drop")}
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 2 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(socket.done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect did not return")
	}
	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.runs != 3 {
		t.Errorf("runs = %d, want 3", socket.runs)
	}
}
