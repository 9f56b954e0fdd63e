package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
)

// Deliver posts the notification for req to the support channel and starts
// tracking it. Send failures are logged and the request is dropped until
// the next start. Requests already notified are skipped.
func (e *Engine) Deliver(ctx context.Context, req Request) {
	if msg, err := e.store.GetMessage(ctx, req.Fingerprint); err == nil && msg.NotifiedAt != nil {
		log.Debug().Str("post", req.PostID).Msg("engine: already notified")
		return
	}

	from := e.lookupSender(ctx, req.SenderID)
	text := e.formatNotification(textNewRequest, req, from, e.awakeMentions(ctx))
	links := e.linkButtons(req, from)

	ref, err := e.adapter.Send(ctx, chat.OutboundMessage{
		ChannelID: e.supportChannel,
		Text:      text,
		Buttons:   withToggle(links, ""),
	})
	if err != nil {
		log.Error().Err(err).Str("post", req.PostID).Msg("engine: send notification")
		e.metrics.SendFailed(metrics.TargetSupport)
		return
	}
	e.metrics.NotificationsSent.Inc()
	if err := e.store.MarkNotified(ctx, req.Fingerprint, e.now()); err != nil {
		log.Error().Err(err).Str("post", req.PostID).Msg("engine: mark notified")
	}

	e.register(ref, req, text, links, false, time.Time{})
	log.Info().Str("item", ref.Key()).Str("post", req.PostID).Msg("engine: notification sent")
}

// resume delivers requests accepted for relay that were still queued when
// the previous process stopped.
func (e *Engine) resume(ctx context.Context) {
	msgs, err := e.store.UndeliveredMessages(ctx, 0)
	if err != nil {
		log.Error().Err(err).Msg("engine: load undelivered requests")
		return
	}
	if len(msgs) == 0 {
		return
	}
	log.Info().Int("count", len(msgs)).Msg("engine: resuming undelivered requests")
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		e.dedup.ShouldProcess(m.Fingerprint)
		e.Deliver(ctx, Request{
			MessageID:   m.ID,
			Fingerprint: m.Fingerprint,
			Text:        m.Text,
			ChannelID:   m.ChannelID,
			PostID:      m.PostID,
			SenderID:    m.SenderID,
			ReceivedAt:  m.CreatedAt,
		})
	}
}

// register tracks a sent notification and starts its tasks. Escalation
// items get reminders but no deadline.
func (e *Engine) register(ref chat.MessageRef, req Request, text string, links []chat.Button, escalation bool, countSince time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	it := &item{
		key:        ref.Key(),
		ref:        ref,
		req:        req,
		state:      StateOpen,
		escalation: escalation,
		countSince: countSince,
		text:       text,
		links:      links,
		created:    e.now(),
	}
	e.items[it.key] = it
	e.metrics.PendingItems.Set(float64(len(e.items)))

	if e.stopping {
		return
	}
	e.startReminderLocked(it)
	if !escalation {
		ctx, cancel := context.WithCancel(context.Background())
		it.stopDeadline = cancel
		e.wg.Add(1)
		go e.runDeadline(ctx, it.key)
	}
}

// lookupSender resolves the request author from the store, falling back to
// Mattermost and caching the profile.
func (e *Engine) lookupSender(ctx context.Context, senderID string) sender {
	if senderID == "" {
		return sender{}
	}
	if u, err := e.store.GetUser(ctx, senderID); err == nil && u.Username != "" {
		return senderFromUser(u)
	}

	mmUser, err := e.mm.GetUser(ctx, senderID)
	if err != nil {
		log.Warn().Err(err).Str("user", senderID).Msg("engine: fetch mattermost user")
		return sender{username: senderID}
	}
	stored, err := e.store.UpsertUser(ctx, &models.User{
		ExternalID: mmUser.ID,
		Username:   mmUser.Username,
		FirstName:  mmUser.FirstName,
		LastName:   mmUser.LastName,
		Position:   mmUser.Position,
		Email:      mmUser.Email,
	})
	if err != nil {
		log.Warn().Err(err).Str("user", senderID).Msg("engine: cache mattermost user")
		return sender{username: mmUser.Username, firstName: mmUser.FirstName, lastName: mmUser.LastName, position: mmUser.Position}
	}
	return senderFromUser(stored)
}

// awakeMentions mentions every linked user whose declared zone is
// currently outside working hours.
func (e *Engine) awakeMentions(ctx context.Context) []string {
	users, err := e.store.LinkedUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("engine: list linked users")
		return nil
	}
	now := e.now()
	var mentions []string
	for _, u := range users {
		if u.TimeZone == "" {
			continue
		}
		zone, ok := e.policy.MatchZone(u.TimeZone)
		if !ok {
			continue
		}
		if !e.policy.ZoneWorking(zone, now) {
			mentions = append(mentions, e.adapter.Mention(u.ChatID))
		}
	}
	return mentions
}

// answered reports whether the store holds a response that counts for an
// item whose responses are only valid from countSince on.
func (e *Engine) answered(ctx context.Context, fingerprint string, countSince time.Time) bool {
	msg, err := e.store.GetMessage(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("engine: check response")
		}
		return false
	}
	if !msg.Responded || msg.RespondedAt == nil {
		return false
	}
	return !msg.RespondedAt.Before(countSince)
}

// escalate posts the request to the manager channel and tracks the
// escalation as its own item. The caller has already marked the original
// item escalated.
func (e *Engine) escalate(ctx context.Context, origKey string, req Request, countSince time.Time) {
	from := e.lookupSender(ctx, req.SenderID)
	text := e.formatNotification(textNoResponse, req, from, nil)
	links := e.linkButtons(req, from)

	ref, err := e.adapter.Send(ctx, chat.OutboundMessage{
		ChannelID: e.managerChannel,
		Text:      text,
		Buttons:   withToggle(links, ""),
	})
	if err != nil {
		log.Error().Err(err).Str("item", origKey).Msg("engine: send escalation")
		e.metrics.SendFailed(metrics.TargetManager)
		return
	}
	e.metrics.Escalations.Inc()
	e.register(ref, req, text, links, true, countSince)
	log.Warn().Str("item", origKey).Str("escalation", ref.Key()).Msg("engine: escalated to managers")
}

// relayToMattermost posts text into the request's Mattermost thread.
func (e *Engine) relayToMattermost(ctx context.Context, req Request, text string) bool {
	if _, err := e.mm.CreatePost(ctx, req.ChannelID, text, req.PostID); err != nil {
		log.Error().Err(err).Str("post", req.PostID).Msg("engine: relay to mattermost")
		e.metrics.SendFailed(metrics.TargetMattermost)
		return false
	}
	return true
}
