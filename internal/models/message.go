package models

import "time"

// Message is a support request relayed from the Mattermost channel. The
// fingerprint is unique; Processed and Responded each flip false→true once.
// Relay marks requests accepted for a chat notification; NotifiedAt is set
// once that notification was sent.
type Message struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Fingerprint  string `gorm:"size:64;not null;uniqueIndex"`
	Text         string `gorm:"type:text;not null"`
	ChannelID    string `gorm:"size:64;not null"`
	PostID       string `gorm:"size:64;not null;index"`
	SenderID     string `gorm:"size:64;not null"`
	Processed    bool   `gorm:"default:false"`
	Relay        bool   `gorm:"default:false;index"`
	NotifiedAt   *time.Time
	Responded    bool   `gorm:"default:false;index"`
	ResponseText string `gorm:"type:text"`
	ResponderID  string `gorm:"size:64"`
	RespondedAt  *time.Time
	CreatedAt    time.Time

	Tasks []Task `gorm:"foreignKey:MessageID"`
}
