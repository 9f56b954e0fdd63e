package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/metrics"
)

// startReminderLocked replaces the item's reminder task with a fresh one.
// Callers hold e.mu.
func (e *Engine) startReminderLocked(it *item) {
	it.cancelReminder()
	if e.stopping {
		return
	}
	it.generation++
	it.reminders = 0
	ctx, cancel := context.WithCancel(context.Background())
	it.stopReminder = cancel
	e.wg.Add(1)
	go e.runReminders(ctx, it.key, it.generation)
}

// sleep waits for d or until ctx is cancelled. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runReminders posts numbered reminders under an open notification every
// reminder interval, up to the configured maximum. It stops as soon as the
// item leaves the open state, a counting response appears in the store, or
// working time begins.
func (e *Engine) runReminders(ctx context.Context, key string, generation int) {
	defer e.wg.Done()

	for {
		if !sleep(ctx, e.reminderInterval) {
			return
		}

		e.mu.Lock()
		it, ok := e.items[key]
		if !ok || it.state != StateOpen || it.generation != generation {
			e.mu.Unlock()
			return
		}
		fingerprint, countSince := it.req.Fingerprint, it.countSince
		e.mu.Unlock()

		if e.policy.IsWorkingTime(e.now()) {
			log.Debug().Str("item", key).Msg("engine: working time started, reminders stopped")
			return
		}
		if e.answered(ctx, fingerprint, countSince) {
			return
		}

		e.mu.Lock()
		it, ok = e.items[key]
		if !ok || it.state != StateOpen || it.generation != generation {
			e.mu.Unlock()
			return
		}
		it.reminders++
		n, ref := it.reminders, it.ref
		e.mu.Unlock()

		_, err := e.adapter.Send(ctx, chat.OutboundMessage{
			ChannelID: ref.ChannelID,
			ReplyTo:   &ref,
			Text:      fmt.Sprintf(textReminder, n),
		})
		if err != nil {
			log.Error().Err(err).Str("item", key).Int("reminder", n).Msg("engine: send reminder")
			e.metrics.SendFailed(metrics.TargetThread)
		} else {
			e.metrics.RemindersSent.Inc()
		}

		if n >= e.maxReminders {
			return
		}
	}
}

// runDeadline escalates the item if it is still open without a counting
// response when the response deadline passes.
func (e *Engine) runDeadline(ctx context.Context, key string) {
	defer e.wg.Done()

	if !sleep(ctx, e.responseDeadline) {
		return
	}

	e.mu.Lock()
	it, ok := e.items[key]
	if !ok || it.state != StateOpen {
		e.mu.Unlock()
		return
	}
	fingerprint, countSince := it.req.Fingerprint, it.countSince
	e.mu.Unlock()

	if e.answered(ctx, fingerprint, countSince) {
		return
	}

	e.mu.Lock()
	it, ok = e.items[key]
	if !ok || it.state != StateOpen {
		e.mu.Unlock()
		return
	}
	it.close(StateEscalated, e.now())
	req := it.req
	e.mu.Unlock()

	// close cancelled ctx along with the item's other tasks.
	e.escalate(context.Background(), key, req, countSince)
}
