package models

import "time"

// User is a person known to signalbox. ExternalID is the Mattermost user ID;
// ChatID/ChatHandle identify the linked account on the team chat platform.
// TimeZone is stored exactly as the user typed it.
type User struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ExternalID string `gorm:"size:64;not null;uniqueIndex"`
	Username   string `gorm:"size:128"`
	FirstName  string `gorm:"size:128"`
	LastName   string `gorm:"size:128"`
	Position   string `gorm:"size:256;index"`
	Email      string `gorm:"size:256;index"`
	ChatID     string `gorm:"size:64;index"`
	ChatHandle string `gorm:"size:128"`
	TimeZone   string `gorm:"size:64"`
	LastSeen   time.Time
	CreatedAt  time.Time
}

// DisplayName returns "First Last", falling back to the username.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Username
}

// Linked reports whether the user has a chat platform account attached.
func (u *User) Linked() bool {
	return u.ChatID != ""
}
