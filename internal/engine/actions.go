package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/metrics"
)

func (e *Engine) handleButton(ctx context.Context, press chat.ButtonPress) {
	switch press.Action {
	case chat.ActionTakeWork:
		e.toggleTake(ctx, press)
	case chat.ActionIntroduce:
		e.answer(ctx, press.CallbackID, "")
		e.startLinking(ctx, press.Ref.ChannelID, press.UserID, press.UserName)
	default:
		e.answer(ctx, press.CallbackID, "")
	}
}

// toggleTake flips a notification between open and taken. Each press
// flips exactly once; only the open→taken flip creates a Task, and a
// release retires it.
func (e *Engine) toggleTake(ctx context.Context, press chat.ButtonPress) {
	key := press.Ref.Key()
	now := e.now()
	name := e.chatUserName(ctx, press.UserID, press.UserName)

	e.mu.Lock()
	it, ok := e.items[key]
	if !ok {
		e.mu.Unlock()
		e.answer(ctx, press.CallbackID, textUnknownItem)
		return
	}
	if it.state.Terminal() {
		e.mu.Unlock()
		e.answer(ctx, press.CallbackID, textClosedAnswer)
		return
	}

	taking := it.state == StateOpen
	var take int
	var releasedTask uint
	if taking {
		it.state = StateTaken
		it.assignee = press.UserID
		it.assigneeName = name
		it.takes++
		take = it.takes
		it.cancelReminder()
	} else {
		releasedTask = it.taskID
		it.state = StateOpen
		it.assignee = ""
		it.assigneeName = ""
		it.taskID = 0
		it.reopened = true
		it.countSince = now
		e.startReminderLocked(it)
	}
	req, ref, text := it.req, it.ref, it.text
	buttons := withToggle(it.links, it.assigneeName)
	e.mu.Unlock()

	logger := log.With().Str("item", key).Str("user", press.UserID).Logger()
	if taking {
		e.metrics.Takes.Inc()
		e.answer(ctx, press.CallbackID, textTakenAnswer)

		if _, err := e.store.UpdateResponse(ctx, req.Fingerprint, fmt.Sprintf(textTakenBy, name), press.UserID, now); err != nil {
			logger.Error().Err(err).Msg("engine: record take")
		}
		if req.MessageID != 0 {
			e.recordTask(ctx, it, take, req.MessageID, press.UserID, now)
		}
		ack := textTaken
		if linked := e.linkedName(ctx, press.UserID); linked != "" {
			ack = fmt.Sprintf(textTakenBy, linked)
		}
		e.relayToMattermost(ctx, req, ack)
		logger.Info().Msg("engine: request taken")
	} else {
		e.metrics.Releases.Inc()
		e.answer(ctx, press.CallbackID, textReleasedAns)
		if releasedTask != 0 {
			if _, err := e.store.ReleaseTask(ctx, releasedTask, now); err != nil {
				logger.Error().Err(err).Msg("engine: release task")
			}
		}
		e.relayToMattermost(ctx, req, textReleased)
		logger.Info().Msg("engine: request released")
	}

	if err := e.adapter.EditButtons(ctx, ref, text, buttons); err != nil {
		logger.Error().Err(err).Msg("engine: edit buttons")
	}
}

// recordTask creates the Task for a take. The item may have moved on while
// the row was written: a reply completes the task, a release retires it.
func (e *Engine) recordTask(ctx context.Context, it *item, take int, messageID uint, assignee string, at time.Time) {
	task, err := e.store.CreateTask(ctx, messageID, assignee, at)
	if err != nil {
		log.Error().Err(err).Str("item", it.key).Msg("engine: create task")
		return
	}

	e.mu.Lock()
	current := it.takes == take && it.state == StateTaken
	if current {
		it.taskID = task.ID
	}
	resolved := it.state == StateResolved
	e.mu.Unlock()

	switch {
	case current:
	case resolved:
		if _, err := e.store.CompleteTasks(ctx, messageID, e.now()); err != nil {
			log.Error().Err(err).Str("item", it.key).Msg("engine: complete tasks")
		}
	default:
		if _, err := e.store.ReleaseTask(ctx, task.ID, e.now()); err != nil {
			log.Error().Err(err).Str("item", it.key).Msg("engine: release task")
		}
	}
}

// handleText routes a chat message: replies to tracked notifications are
// relayed back to Mattermost; otherwise the sender's linking conversation,
// if any, consumes it.
func (e *Engine) handleText(ctx context.Context, msg chat.TextMessage) {
	if msg.UserID == "" || msg.UserID == e.adapter.BotUserID() {
		return
	}
	if msg.ReplyTo != nil && e.captureReply(ctx, msg) {
		return
	}
	e.continueLinking(ctx, msg)
}

// captureReply relays a reply to a tracked notification. It works in every
// state so late replies are still relayed and recorded.
func (e *Engine) captureReply(ctx context.Context, msg chat.TextMessage) bool {
	key := msg.ReplyTo.Key()
	now := e.now()
	text := strings.TrimSpace(msg.Text)

	e.mu.Lock()
	it, ok := e.items[key]
	if !ok {
		e.mu.Unlock()
		return false
	}
	req := it.req
	// Every live notification of the request is answered, including the
	// other side of an escalation.
	for _, other := range e.items {
		if other.req.Fingerprint == req.Fingerprint && !other.state.Terminal() {
			other.close(StateResolved, now)
		}
	}
	e.mu.Unlock()

	logger := log.With().Str("item", key).Str("user", msg.UserID).Logger()
	e.metrics.RepliesCaptured.Inc()

	e.relayToMattermost(ctx, req, textStaffReply+text)
	if _, err := e.store.UpdateResponse(ctx, req.Fingerprint, text, msg.UserID, now); err != nil {
		logger.Error().Err(err).Msg("engine: record reply")
	}
	if req.MessageID != 0 {
		if _, err := e.store.CompleteTasks(ctx, req.MessageID, now); err != nil {
			logger.Error().Err(err).Msg("engine: complete tasks")
		}
	}

	ref := msg.Ref
	if _, err := e.adapter.Send(ctx, chat.OutboundMessage{
		ChannelID: msg.Ref.ChannelID,
		ReplyTo:   &ref,
		Text:      textReplySent,
	}); err != nil {
		logger.Error().Err(err).Msg("engine: acknowledge reply")
		e.metrics.SendFailed(metrics.TargetThread)
	}
	logger.Info().Msg("engine: reply relayed to mattermost")
	return true
}

// chatUserName prefers the linked profile name over the chat display name.
func (e *Engine) chatUserName(ctx context.Context, chatID, fallback string) string {
	if name := e.linkedName(ctx, chatID); name != "" {
		return name
	}
	if fallback != "" {
		return fallback
	}
	return chatID
}

// linkedName returns the display name of the user linked to chatID, or "".
func (e *Engine) linkedName(ctx context.Context, chatID string) string {
	u, err := e.store.GetUserByChatID(ctx, chatID)
	if err != nil {
		return ""
	}
	if name := u.DisplayName(); name != "" {
		return name
	}
	return u.Email
}

func (e *Engine) answer(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := e.adapter.Answer(ctx, callbackID, text); err != nil {
		log.Warn().Err(err).Str("callback", callbackID).Msg("engine: answer callback")
	}
}

func (e *Engine) reply(ctx context.Context, channelID, text string, buttons ...chat.Button) {
	if _, err := e.adapter.Send(ctx, chat.OutboundMessage{ChannelID: channelID, Text: text, Buttons: buttons}); err != nil {
		log.Error().Err(err).Str("channel", channelID).Msg("engine: send reply")
		e.metrics.SendFailed(metrics.TargetThread)
	}
}
