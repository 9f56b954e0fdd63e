package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/mattermost"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

// Step is where a user is in the account-linking conversation.
type Step int

const (
	StepNone Step = iota
	StepAwaitingEmail
	StepAwaitingTimeZone
)

func (s Step) String() string {
	switch s {
	case StepAwaitingEmail:
		return "awaiting_email"
	case StepAwaitingTimeZone:
		return "awaiting_timezone"
	}
	return "none"
}

// conversation is a user's linking state, keyed by chat user ID.
type conversation struct {
	step      Step
	channelID string
}

// ConversationStep returns the linking step of a chat user.
func (e *Engine) ConversationStep(chatID string) Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conversations[chatID]; ok {
		return c.step
	}
	return StepNone
}

func (e *Engine) setStep(chatID, channelID string, step Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if step == StepNone {
		delete(e.conversations, chatID)
		return
	}
	e.conversations[chatID] = &conversation{step: step, channelID: channelID}
}

// startLinking greets the user and asks for their email unless the chat
// account is already linked, in which case only a missing time zone is
// asked for.
func (e *Engine) startLinking(ctx context.Context, channelID, chatID, handle string) {
	e.reply(ctx, channelID, textWelcome)

	u, err := e.store.GetUserByChatID(ctx, chatID)
	if err == nil && u.Email != "" {
		tz := u.TimeZone
		if tz == "" {
			tz = "-"
		}
		e.reply(ctx, channelID, fmt.Sprintf(textAlreadyLinked, u.DisplayName(), u.Email, tz))
		if u.TimeZone == "" {
			e.promptTimeZone(ctx, channelID, chatID)
		} else {
			e.setStep(chatID, channelID, StepNone)
		}
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("user", chatID).Msg("engine: look up chat user")
	}

	e.setStep(chatID, channelID, StepAwaitingEmail)
	e.reply(ctx, channelID, fmt.Sprintf(textEmailPrompt, e.emailDomain))
}

// continueLinking feeds a chat message to the sender's linking
// conversation. Messages from users with no conversation are ignored.
func (e *Engine) continueLinking(ctx context.Context, msg chat.TextMessage) {
	e.mu.Lock()
	c, ok := e.conversations[msg.UserID]
	var step Step
	if ok {
		step = c.step
	}
	e.mu.Unlock()

	switch step {
	case StepAwaitingEmail:
		e.handleEmailReply(ctx, msg)
	case StepAwaitingTimeZone:
		e.handleTimeZoneReply(ctx, msg)
	}
}

// handleEmailReply validates the email and links the chat account to the
// matching user: an existing store row, else the Mattermost account with
// that email, else a new placeholder row.
func (e *Engine) handleEmailReply(ctx context.Context, msg chat.TextMessage) {
	channelID := msg.Ref.ChannelID
	email := strings.ToLower(strings.TrimSpace(msg.Text))
	if !e.emailPattern.MatchString(email) {
		e.reply(ctx, channelID, fmt.Sprintf(textEmailInvalid, e.emailDomain))
		return
	}

	logger := log.With().Str("user", msg.UserID).Logger()
	user, err := e.linkByEmail(ctx, email, msg.UserID, msg.UserName)
	if err != nil {
		logger.Error().Err(err).Msg("engine: link chat account")
		e.reply(ctx, channelID, textEmailError)
		return
	}

	if user.ExternalID != placeholderID(msg.UserID) {
		e.reply(ctx, channelID, fmt.Sprintf(textEmailLinked, user.DisplayName(), user.Email))
	} else {
		e.reply(ctx, channelID, fmt.Sprintf(textEmailSaved, user.Email))
	}
	logger.Info().Str("external_id", user.ExternalID).Msg("engine: chat account linked")
	e.promptTimeZone(ctx, channelID, msg.UserID)
}

func (e *Engine) linkByEmail(ctx context.Context, email, chatID, handle string) (*models.User, error) {
	existing, err := e.store.GetUserByEmail(ctx, email)
	if err == nil {
		if err := e.store.LinkChatAccount(ctx, existing.ExternalID, chatID, handle); err != nil {
			return nil, err
		}
		return e.store.GetUser(ctx, existing.ExternalID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	mmUser, err := e.mm.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if _, err := e.store.UpsertUser(ctx, &models.User{
			ExternalID: mmUser.ID,
			Username:   mmUser.Username,
			FirstName:  mmUser.FirstName,
			LastName:   mmUser.LastName,
			Position:   mmUser.Position,
			Email:      email,
		}); err != nil {
			return nil, err
		}
		if err := e.store.LinkChatAccount(ctx, mmUser.ID, chatID, handle); err != nil {
			return nil, err
		}
		return e.store.GetUser(ctx, mmUser.ID)
	case !errors.Is(err, mattermost.ErrNotFound):
		log.Warn().Err(err).Msg("engine: mattermost user by email")
	}

	if _, err := e.store.UpsertUser(ctx, &models.User{
		ExternalID: placeholderID(chatID),
		Email:      email,
		ChatHandle: handle,
	}); err != nil {
		return nil, err
	}
	if err := e.store.LinkChatAccount(ctx, placeholderID(chatID), chatID, handle); err != nil {
		return nil, err
	}
	return e.store.GetUser(ctx, placeholderID(chatID))
}

// placeholderID is the external ID of a chat user with no Mattermost account.
func placeholderID(chatID string) string {
	return "chat:" + chatID
}

func (e *Engine) promptTimeZone(ctx context.Context, channelID, chatID string) {
	e.setStep(chatID, channelID, StepAwaitingTimeZone)
	e.reply(ctx, channelID, fmt.Sprintf(textZonePrompt, zoneChoices(e.zoneNames())))
}

// handleTimeZoneReply stores the reply verbatim once it names a known zone.
func (e *Engine) handleTimeZoneReply(ctx context.Context, msg chat.TextMessage) {
	channelID := msg.Ref.ChannelID
	tz := strings.TrimSpace(msg.Text)
	if _, ok := e.policy.MatchZone(tz); !ok {
		e.reply(ctx, channelID, fmt.Sprintf(textZoneInvalid, zoneChoices(e.zoneNames())))
		return
	}
	if err := e.store.SetTimeZone(ctx, msg.UserID, tz); err != nil {
		log.Error().Err(err).Str("user", msg.UserID).Msg("engine: save time zone")
		e.reply(ctx, channelID, textZoneError)
		return
	}
	e.setStep(msg.UserID, channelID, StepNone)
	e.reply(ctx, channelID, fmt.Sprintf(textZoneSaved, tz))
}

func (e *Engine) zoneNames() []string {
	names := make([]string, 0, len(e.policy.Zones))
	for _, z := range e.policy.Zones {
		name := z.Name
		if len(z.Aliases) > 0 {
			name = z.Aliases[0]
		}
		names = append(names, name)
	}
	return names
}
