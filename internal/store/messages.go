package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddMessage inserts m unless a row with the same fingerprint exists.
// It reports whether a new row was written; a duplicate is not an error.
// On success m.ID refers to the stored row either way.
func (s *Store) AddMessage(ctx context.Context, m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(m)
	if result.Error != nil {
		return false, fmt.Errorf("store: add message: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	var existing models.Message
	if err := s.conn(ctx).Where("fingerprint = ?", m.Fingerprint).First(&existing).Error; err != nil {
		return false, fmt.Errorf("store: add message: %w", notFound(err))
	}
	*m = existing
	return false, nil
}

// GetMessage returns the message with the given fingerprint.
func (s *Store) GetMessage(ctx context.Context, fingerprint string) (*models.Message, error) {
	var m models.Message
	if err := s.conn(ctx).Where("fingerprint = ?", fingerprint).First(&m).Error; err != nil {
		return nil, fmt.Errorf("store: get message %s: %w", fingerprint, notFound(err))
	}
	return &m, nil
}

// IsProcessed reports whether the message has already been relayed or
// deliberately skipped. Unknown fingerprints are not processed.
func (s *Store) IsProcessed(ctx context.Context, fingerprint string) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&models.Message{}).
		Where("fingerprint = ? AND processed = ?", fingerprint, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: is processed: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed flips processed from false to true, recording whether the
// request is to be relayed to chat. It reports whether this call performed
// the flip, so concurrent callers see exactly one true.
func (s *Store) MarkProcessed(ctx context.Context, fingerprint string, relay bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.conn(ctx).Model(&models.Message{}).
		Where("fingerprint = ? AND processed = ?", fingerprint, false).
		Updates(map[string]interface{}{"processed": true, "relay": relay})
	if result.Error != nil {
		return false, fmt.Errorf("store: mark processed: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UnmarkProcessed reverts MarkProcessed for a request that could not be
// queued, so a later delivery of the same post is accepted again.
func (s *Store) UnmarkProcessed(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.conn(ctx).Model(&models.Message{}).
		Where("fingerprint = ? AND notified_at IS NULL", fingerprint).
		Updates(map[string]interface{}{"processed": false, "relay": false})
	if result.Error != nil {
		return fmt.Errorf("store: unmark processed: %w", result.Error)
	}
	return nil
}

// MarkNotified records when the chat notification for the message was sent.
// Only the first call has an effect.
func (s *Store) MarkNotified(ctx context.Context, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.conn(ctx).Model(&models.Message{}).
		Where("fingerprint = ? AND notified_at IS NULL", fingerprint).
		Update("notified_at", at)
	if result.Error != nil {
		return fmt.Errorf("store: mark notified: %w", result.Error)
	}
	return nil
}

// UpdateResponse records a staff response. The first call sets responded,
// the responder and the timestamp; later calls only replace the response
// text. It reports whether this call was the first.
func (s *Store) UpdateResponse(ctx context.Context, fingerprint, text, responderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := false
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("fingerprint = ? AND responded = ?", fingerprint, false).
			Updates(map[string]interface{}{
				"responded":     true,
				"responder_id":  responderID,
				"responded_at":  at,
				"response_text": text,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			first = true
			return nil
		}

		result = tx.Model(&models.Message{}).
			Where("fingerprint = ?", fingerprint).
			Update("response_text", text)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: update response: %w", err)
	}
	return first, nil
}

// PendingMessages returns processed messages that have no response yet,
// oldest first.
func (s *Store) PendingMessages(ctx context.Context, limit int) ([]models.Message, error) {
	var msgs []models.Message
	q := s.conn(ctx).Where("processed = ? AND responded = ?", true, false).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: pending messages: %w", err)
	}
	return msgs, nil
}

// UndeliveredMessages returns requests accepted for relay whose
// notification was never sent and that nobody has answered, oldest first.
// These are requests that were still queued when the process stopped.
func (s *Store) UndeliveredMessages(ctx context.Context, limit int) ([]models.Message, error) {
	var msgs []models.Message
	q := s.conn(ctx).
		Where("processed = ? AND relay = ? AND responded = ? AND notified_at IS NULL", true, true, false).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: undelivered messages: %w", err)
	}
	return msgs, nil
}
