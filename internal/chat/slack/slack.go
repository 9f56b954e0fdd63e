// Package slack implements the chat Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/signalbox/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxPendingAnswers bounds callbacks awaiting Answer.
	maxPendingAnswers = 1000
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// answerTarget is where an Answer text is delivered for a callback.
type answerTarget struct {
	channelID string
	userID    string
}

// Adapter implements chat.Adapter for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan chat.Event
	done         chan struct{}
	emitMu       sync.RWMutex // held for reading while sending on inbound
	pending      map[string]answerTarget
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan chat.Event, 100),
		done:         make(chan struct{}),
		pending:      make(map[string]answerTarget),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates and prepares the Socket Mode connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the event stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send posts a message, as a thread reply when ReplyTo is set.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) (chat.MessageRef, error) {
	if err := a.ready(); err != nil {
		return chat.MessageRef{}, err
	}
	if msg.ChannelID == "" {
		return chat.MessageRef{}, fmt.Errorf("slack: no channel specified")
	}

	options := buildMessageOptions(msg.Text, msg.Buttons)
	if msg.ReplyTo != nil {
		options = append(options, slackapi.MsgOptionTS(msg.ReplyTo.MessageID))
	}

	var channel, ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		channel, ts, postErr = a.client.PostMessage(msg.ChannelID, options...)
		return postErr
	})
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("slack: post message: %w", err)
	}
	if channel == "" {
		channel = msg.ChannelID
	}
	return chat.MessageRef{ChannelID: channel, MessageID: ts}, nil
}

// EditButtons rewrites a message's text and buttons with chat.update.
func (a *Adapter) EditButtons(ctx context.Context, ref chat.MessageRef, text string, buttons []chat.Button) error {
	if err := a.ready(); err != nil {
		return err
	}
	options := buildMessageOptions(text, buttons)
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updErr := a.client.UpdateMessage(ref.ChannelID, ref.MessageID, options...)
		return updErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// Answer shows text to the user behind a callback as an ephemeral message.
// The socket request itself was acknowledged on receipt.
func (a *Adapter) Answer(ctx context.Context, callbackID, text string) error {
	a.mu.Lock()
	target, ok := a.pending[callbackID]
	delete(a.pending, callbackID)
	a.mu.Unlock()

	if !ok || text == "" {
		return nil
	}
	err := retryOnRateLimit(ctx, func() error {
		_, ephErr := a.client.PostEphemeral(target.channelID, target.userID, slackapi.MsgOptionText(text, false))
		return ephErr
	})
	if err != nil {
		return fmt.Errorf("slack: answer: %w", err)
	}
	return nil
}

// Mention renders a Slack user mention.
func (a *Adapter) Mention(userID string) string {
	return "<@" + userID + ">"
}

// Link renders a Slack mrkdwn link.
func (a *Adapter) Link(url, label string) string {
	return "<" + url + "|" + label + ">"
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.done)
	a.mu.Unlock()

	a.emitMu.Lock()
	close(a.inbound)
	a.emitMu.Unlock()
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Warn().Err(err).Int("attempt", attempt+1).Int("max", a.maxReconnect).Dur("wait", wait).
			Msg("slack: socket mode disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Error().Int("attempts", a.maxReconnect).Msg("slack: socket mode reconnection attempts exhausted")
}

// pumpEvents reads Socket Mode events and converts them to chat events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleInteraction(requestID(evt), cb)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slackapi.SlashCommand)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleSlashCommand(requestID(evt), cmd)

	case socketmode.EventTypeConnecting:
		log.Debug().Msg("slack: connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		log.Info().Msg("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Warn().Interface("data", evt.Data).Msg("slack: connection error")

	case socketmode.EventTypeDisconnect:
		log.Info().Msg("slack: server requested disconnect, will reconnect")
	}
}

func (a *Adapter) ack(evt socketmode.Event) {
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
}

func requestID(evt socketmode.Event) string {
	if evt.Request != nil {
		return evt.Request.EnvelopeID
	}
	return ""
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ev)
	}
}

// handleMessage converts a Slack message event to a TextMessage.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	tm := chat.TextMessage{
		Ref:       chat.MessageRef{ChannelID: ev.Channel, MessageID: ev.TimeStamp},
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		tm.ReplyTo = &chat.MessageRef{ChannelID: ev.Channel, MessageID: ev.ThreadTimeStamp}
	}
	a.emit(tm)
}

// handleInteraction converts block_actions button clicks to ButtonPress.
func (a *Adapter) handleInteraction(callbackID string, cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	channelID := cb.Channel.ID
	if channelID == "" {
		channelID = cb.Container.ChannelID
	}
	messageTS := cb.Message.Timestamp
	if messageTS == "" {
		messageTS = cb.Container.MessageTs
	}

	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.ActionID == "" {
			continue
		}
		// Link buttons also fire block_actions; only callbacks matter.
		if action.ActionID != chat.ActionTakeWork && action.ActionID != chat.ActionIntroduce {
			continue
		}
		a.remember(callbackID, channelID, cb.User.ID)
		a.emit(chat.ButtonPress{
			Ref:        chat.MessageRef{ChannelID: channelID, MessageID: messageTS},
			CallbackID: callbackID,
			Action:     action.ActionID,
			UserID:     cb.User.ID,
			UserName:   cb.User.Name,
		})
	}
}

// handleSlashCommand converts a slash command to a SlashCommand event.
func (a *Adapter) handleSlashCommand(callbackID string, cmd slackapi.SlashCommand) {
	a.remember(callbackID, cmd.ChannelID, cmd.UserID)
	a.emit(chat.SlashCommand{
		ChannelID:  cmd.ChannelID,
		CallbackID: callbackID,
		Name:       strings.TrimPrefix(cmd.Command, "/"),
		Args:       strings.TrimSpace(cmd.Text),
		UserID:     cmd.UserID,
		UserName:   cmd.UserName,
	})
}

func (a *Adapter) remember(callbackID, channelID, userID string) {
	if callbackID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= maxPendingAnswers {
		for k := range a.pending {
			delete(a.pending, k)
			break
		}
	}
	a.pending[callbackID] = answerTarget{channelID: channelID, userID: userID}
}

func (a *Adapter) emit(evt chat.Event) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.inbound <- evt:
	case <-a.done:
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return user.Name
}

// buildMessageOptions renders text as a mrkdwn section followed by an
// actions block holding the buttons.
func buildMessageOptions(text string, buttons []chat.Button) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if len(buttons) == 0 {
		return options
	}

	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil),
	}
	var elements []slackapi.BlockElement
	for i, b := range buttons {
		label := slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Text, false, false)
		actionID := b.Action
		if actionID == "" {
			actionID = fmt.Sprintf("link_%d", i)
		}
		btn := slackapi.NewButtonBlockElement(actionID, b.Action, label)
		if b.URL != "" {
			btn.URL = b.URL
		} else {
			btn.Style = slackapi.StylePrimary
		}
		elements = append(elements, btn)
	}
	blocks = append(blocks, slackapi.NewActionBlock("signalbox_actions", elements...))
	return append(options, slackapi.MsgOptionBlocks(blocks...))
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	us, _ := strconv.ParseInt((frac + "000000")[:6], 10, 64)
	return time.Unix(s, us*int64(time.Microsecond))
}
