package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/dedup"
	"github.com/zulandar/signalbox/internal/mattermost"
	"github.com/zulandar/signalbox/internal/models"
)

// Inbound is a post received from Mattermost by the poller or the webhook.
type Inbound struct {
	Text      string
	ChannelID string
	PostID    string
	SenderID  string
}

// Outcome reports what Ingest did with a post.
type Outcome int

const (
	OutcomeQueued       Outcome = iota // out of hours: queued for notification
	OutcomeWorkingHours                // in hours: recorded, not relayed
	OutcomeDuplicate                   // already seen
	OutcomeIgnored                     // bot post, empty, or missing the trigger
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeWorkingHours:
		return "working_hours"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}

// Ingest runs one post through fingerprinting, the store, the working
// window gate and the relay queue. Enqueue blocks while the queue is full.
func (e *Engine) Ingest(ctx context.Context, in Inbound) (Outcome, error) {
	if !e.accepts(in) {
		return OutcomeIgnored, nil
	}

	fp := dedup.Fingerprint(in.Text, in.ChannelID, in.PostID)
	logger := log.With().Str("fingerprint", fp[:12]).Str("post", in.PostID).Logger()

	// A restart forgets the in-memory set; the store still knows.
	if processed, err := e.store.IsProcessed(ctx, fp); err != nil {
		return 0, fmt.Errorf("engine: ingest: %w", err)
	} else if processed {
		e.dedup.ShouldProcess(fp)
		e.metrics.Duplicates.Inc()
		return OutcomeDuplicate, nil
	}

	now := e.now()
	msg := &models.Message{
		Fingerprint: fp,
		Text:        in.Text,
		ChannelID:   in.ChannelID,
		PostID:      in.PostID,
		SenderID:    in.SenderID,
		CreatedAt:   now,
	}
	if _, err := e.store.AddMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("engine: ingest: %w", err)
	}

	if !e.dedup.ShouldProcess(fp) {
		e.metrics.Duplicates.Inc()
		return OutcomeDuplicate, nil
	}

	working := e.policy.IsWorkingTime(now)
	flipped, err := e.store.MarkProcessed(ctx, fp, !working)
	if err != nil {
		e.dedup.Forget(fp)
		return 0, fmt.Errorf("engine: ingest: %w", err)
	}
	if !flipped {
		e.metrics.Duplicates.Inc()
		return OutcomeDuplicate, nil
	}

	if working {
		e.metrics.Ingested.Inc()
		logger.Debug().Msg("engine: inside working hours, not relayed")
		e.metrics.SkippedWorkingHours.Inc()
		return OutcomeWorkingHours, nil
	}

	req := Request{
		MessageID:   msg.ID,
		Fingerprint: fp,
		Text:        in.Text,
		ChannelID:   in.ChannelID,
		PostID:      in.PostID,
		SenderID:    in.SenderID,
		ReceivedAt:  now,
	}
	if err := e.queue.Enqueue(ctx, req); err != nil {
		e.unclaim(ctx, fp)
		return 0, fmt.Errorf("engine: ingest: %w", err)
	}
	e.metrics.Ingested.Inc()
	e.metrics.Queued.Inc()
	logger.Info().Int("queue", e.queue.Len()).Msg("engine: request queued")
	return OutcomeQueued, nil
}

// unclaim undoes the processed mark of a request that never reached the
// queue, so the next delivery of the same post is accepted.
func (e *Engine) unclaim(ctx context.Context, fp string) {
	if err := e.store.UnmarkProcessed(context.WithoutCancel(ctx), fp); err != nil {
		log.Error().Err(err).Str("fingerprint", fp[:12]).Msg("engine: unmark processed")
	}
	e.dedup.Forget(fp)
}

// HandlePost adapts Ingest to the poller callback.
func (e *Engine) HandlePost(ctx context.Context, p mattermost.Post) {
	outcome, err := e.Ingest(ctx, Inbound{
		Text:      p.Message,
		ChannelID: p.ChannelID,
		PostID:    p.ID,
		SenderID:  p.UserID,
	})
	if err != nil {
		log.Error().Err(err).Str("post", p.ID).Msg("engine: ingest post")
		return
	}
	log.Debug().Str("post", p.ID).Stringer("outcome", outcome).Msg("engine: post ingested")
}

func (e *Engine) accepts(in Inbound) bool {
	text := strings.TrimSpace(in.Text)
	if text == "" || in.ChannelID == "" {
		return false
	}
	if e.mattermostBot != "" && in.SenderID == e.mattermostBot {
		return false
	}
	// Our own relayed replies come back through the channel.
	if strings.HasPrefix(text, textStaffReply) {
		return false
	}
	if e.trigger != "" && !strings.Contains(text, e.trigger) {
		return false
	}
	return true
}
