package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// UpsertUser inserts u or merges it into the row with the same ExternalID.
// Empty incoming fields never erase stored values. The stored row is
// returned.
func (s *Store) UpsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	if u.ExternalID == "" {
		return nil, fmt.Errorf("store: upsert user: external id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var existing models.User
	err := s.conn(ctx).Where("external_id = ?", u.ExternalID).First(&existing).Error
	if err != nil {
		if notFound(err) != ErrNotFound {
			return nil, fmt.Errorf("store: upsert user %s: %w", u.ExternalID, err)
		}
		created := *u
		created.Email = strings.ToLower(created.Email)
		if created.LastSeen.IsZero() {
			created.LastSeen = now
		}
		if err := s.conn(ctx).Create(&created).Error; err != nil {
			return nil, fmt.Errorf("store: upsert user %s: %w", u.ExternalID, err)
		}
		return &created, nil
	}

	updates := map[string]interface{}{"last_seen": now}
	merge := func(col, v string) {
		if v != "" {
			updates[col] = v
		}
	}
	merge("username", u.Username)
	merge("first_name", u.FirstName)
	merge("last_name", u.LastName)
	merge("position", u.Position)
	merge("email", strings.ToLower(u.Email))
	merge("chat_id", u.ChatID)
	merge("chat_handle", u.ChatHandle)
	merge("time_zone", u.TimeZone)

	if err := s.conn(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("store: upsert user %s: %w", u.ExternalID, err)
	}
	if err := s.conn(ctx).First(&existing, existing.ID).Error; err != nil {
		return nil, fmt.Errorf("store: upsert user %s: %w", u.ExternalID, err)
	}
	return &existing, nil
}

// GetUser returns the user with the given Mattermost ID.
func (s *Store) GetUser(ctx context.Context, externalID string) (*models.User, error) {
	var u models.User
	if err := s.conn(ctx).Where("external_id = ?", externalID).First(&u).Error; err != nil {
		return nil, fmt.Errorf("store: get user %s: %w", externalID, notFound(err))
	}
	return &u, nil
}

// GetUserByChatID returns the user linked to the given chat account.
func (s *Store) GetUserByChatID(ctx context.Context, chatID string) (*models.User, error) {
	var u models.User
	if err := s.conn(ctx).Where("chat_id = ?", chatID).Order("id ASC").First(&u).Error; err != nil {
		return nil, fmt.Errorf("store: get user by chat id %s: %w", chatID, notFound(err))
	}
	return &u, nil
}

// GetUserByEmail looks a user up by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.conn(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Order("id ASC").First(&u).Error
	if err != nil {
		return nil, fmt.Errorf("store: get user by email: %w", notFound(err))
	}
	return &u, nil
}

// LinkChatAccount attaches a chat account to an existing user. Any other
// user previously linked to the same chat account is unlinked so a chat ID
// resolves to at most one user.
func (s *Store) LinkChatAccount(ctx context.Context, externalID, chatID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.conn(ctx)
	if err := db.Model(&models.User{}).
		Where("chat_id = ? AND external_id <> ?", chatID, externalID).
		Updates(map[string]interface{}{"chat_id": "", "chat_handle": ""}).Error; err != nil {
		return fmt.Errorf("store: link chat account: %w", err)
	}

	updates := map[string]interface{}{"chat_id": chatID, "last_seen": time.Now()}
	if handle != "" {
		updates["chat_handle"] = handle
	}
	result := db.Model(&models.User{}).Where("external_id = ?", externalID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: link chat account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: link chat account %s: %w", externalID, ErrNotFound)
	}
	return nil
}

// SetTimeZone stores the time zone exactly as the user declared it.
func (s *Store) SetTimeZone(ctx context.Context, chatID, tz string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.conn(ctx).Model(&models.User{}).Where("chat_id = ?", chatID).Update("time_zone", tz)
	if result.Error != nil {
		return fmt.Errorf("store: set time zone: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: set time zone for %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// LinkedUsers returns every user with a chat account, ordered by ID.
func (s *Store) LinkedUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.conn(ctx).Where("chat_id <> ?", "").Order("id ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: linked users: %w", err)
	}
	return users, nil
}

// ListUsers returns all known users, ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.conn(ctx).Order("id ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

// RandomUserByPosition picks one user holding the given position.
func (s *Store) RandomUserByPosition(ctx context.Context, position string) (*models.User, error) {
	var users []models.User
	if err := s.conn(ctx).Where("position = ?", position).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: random user by position: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("store: random user by position %q: %w", position, ErrNotFound)
	}
	u := users[rand.IntN(len(users))]
	return &u, nil
}
