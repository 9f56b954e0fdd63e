// Package discord implements the chat Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxPendingInteractions bounds interactions awaiting Answer.
	maxPendingInteractions = 1000
)

// Commands lists the slash commands registered with Discord on Ready.
var Commands = []*discordgo.ApplicationCommand{
	{Name: "start", Description: "Link your account to the support relay"},
	{Name: "help", Description: "Show what the bot can do"},
	{Name: "info", Description: "Show the relay's schedule and your profile"},
	{Name: "specialist", Description: "Suggest a random implementation specialist"},
}

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	return r.s.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements chat.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess        session
	botToken    string
	guildID     string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan chat.Event
	done        chan struct{}
	emitMu      sync.RWMutex
	pending     map[string]*discordgo.Interaction
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	GuildID  string // guild for slash command registration; empty registers globally
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		guildID:     opts.GuildID,
		inbound:     make(chan chat.Event, 100),
		done:        make(chan struct{}),
		pending:     make(map[string]*discordgo.Interaction),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Ready fires on every (re)connect: capture the bot ID and (re)register
	// slash commands.
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.handleReady(r)
	}))
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Warn().Msg("discord: gateway disconnected, discordgo will auto-reconnect")
	}))
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Info().Msg("discord: gateway session resumed")
	}))

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen registers message and interaction handlers and returns the event
// stream. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	}))
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		a.handleInteraction(i)
	}))

	return a.inbound, nil
}

// Send delivers a message, as a reply when ReplyTo is set.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) (chat.MessageRef, error) {
	if err := a.ready(); err != nil {
		return chat.MessageRef{}, err
	}
	if msg.ChannelID == "" {
		return chat.MessageRef{}, fmt.Errorf("discord: no channel specified")
	}

	data := &discordgo.MessageSend{
		Content:    msg.Text,
		Components: buildComponents(msg.Buttons),
	}
	if msg.ReplyTo != nil {
		data.Reference = &discordgo.MessageReference{
			MessageID: msg.ReplyTo.MessageID,
			ChannelID: msg.ReplyTo.ChannelID,
		}
	}

	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.sess.ChannelMessageSendComplex(msg.ChannelID, data)
		return sendErr
	})
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("discord: send message: %w", err)
	}
	channelID := sent.ChannelID
	if channelID == "" {
		channelID = msg.ChannelID
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: sent.ID}, nil
}

// EditButtons rewrites a message's content and components.
func (a *Adapter) EditButtons(ctx context.Context, ref chat.MessageRef, text string, buttons []chat.Button) error {
	if err := a.ready(); err != nil {
		return err
	}
	components := buildComponents(buttons)
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID).SetContent(text)
	edit.Components = &components

	err := a.retryOnRateLimit(ctx, func() error {
		_, editErr := a.sess.ChannelMessageEditComplex(edit)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// Answer responds to a pending interaction. Without text a component press
// is deferred silently; with text the user sees an ephemeral reply.
func (a *Adapter) Answer(ctx context.Context, callbackID, text string) error {
	a.mu.Lock()
	interaction, ok := a.pending[callbackID]
	delete(a.pending, callbackID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	resp := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	if text != "" || interaction.Type == discordgo.InteractionApplicationCommand {
		if text == "" {
			text = "OK"
		}
		resp = &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: text,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		}
	}

	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.InteractionRespond(interaction, resp)
	})
	if err != nil {
		return fmt.Errorf("discord: answer interaction: %w", err)
	}
	return nil
}

// Mention renders a Discord user mention.
func (a *Adapter) Mention(userID string) string {
	return "<@" + userID + ">"
}

// Link renders a Discord markdown link.
func (a *Adapter) Link(url, label string) string {
	return "[" + label + "](" + url + ")"
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	close(a.done)
	sess := a.sess
	a.mu.Unlock()

	a.emitMu.Lock()
	close(a.inbound)
	a.emitMu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

func (a *Adapter) handleReady(r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	a.SetBotUserID(r.User.ID)
	log.Info().Str("user", r.User.Username).Str("id", r.User.ID).Msg("discord: connected")

	appID := r.User.ID
	if r.Application != nil && r.Application.ID != "" {
		appID = r.Application.ID
	}
	if _, err := a.sess.ApplicationCommandBulkOverwrite(appID, a.guildID, Commands); err != nil {
		log.Error().Err(err).Msg("discord: register slash commands")
	}
}

// handleMessage converts a Discord message event to a TextMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == a.BotUserID() || m.Author.Bot {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	tm := chat.TextMessage{
		Ref:       chat.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID},
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		tm.ReplyTo = &chat.MessageRef{ChannelID: channelID, MessageID: ref.MessageID}
	}
	a.emit(tm)
}

// handleInteraction converts button clicks and slash commands to events.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil {
		return
	}
	user := interactionUser(i.Interaction)
	if user == nil {
		return
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		if data.CustomID != chat.ActionTakeWork && data.CustomID != chat.ActionIntroduce {
			return
		}
		ref := chat.MessageRef{ChannelID: i.ChannelID}
		if i.Message != nil {
			ref.MessageID = i.Message.ID
			if i.Message.ChannelID != "" {
				ref.ChannelID = i.Message.ChannelID
			}
		}
		a.remember(i.Interaction)
		a.emit(chat.ButtonPress{
			Ref:        ref,
			CallbackID: i.ID,
			Action:     data.CustomID,
			UserID:     user.ID,
			UserName:   user.Username,
		})

	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		var args []string
		for _, opt := range data.Options {
			if opt.Type == discordgo.ApplicationCommandOptionString {
				args = append(args, opt.StringValue())
			}
		}
		a.remember(i.Interaction)
		a.emit(chat.SlashCommand{
			ChannelID:  i.ChannelID,
			CallbackID: i.ID,
			Name:       data.Name,
			Args:       strings.TrimSpace(strings.Join(args, " ")),
			UserID:     user.ID,
			UserName:   user.Username,
		})
	}
}

// interactionUser returns the invoking user: Member.User in guilds, User in DMs.
func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func (a *Adapter) remember(i *discordgo.Interaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= maxPendingInteractions {
		for k := range a.pending {
			delete(a.pending, k)
			break
		}
	}
	a.pending[i.ID] = i
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

// buildComponents lays the buttons out in a single ActionsRow.
func buildComponents(buttons []chat.Button) []discordgo.MessageComponent {
	if len(buttons) == 0 {
		return nil
	}
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		if b.URL != "" {
			row.Components = append(row.Components, discordgo.Button{
				Label: b.Text,
				Style: discordgo.LinkButton,
				URL:   b.URL,
			})
			continue
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.Text,
			Style:    discordgo.PrimaryButton,
			CustomID: b.Action,
		})
	}
	return []discordgo.MessageComponent{row}
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Warn().Int("attempt", attempt+1).Int("max", maxRetries).Dur("wait", wait).
			Msg("discord: rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
