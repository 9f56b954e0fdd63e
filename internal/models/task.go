package models

import "time"

// Task status values.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskReleased  = "released"
)

// Task records that a chat user took a support request into work.
// Rows are never deleted; only Status and CompletedAt change. A released
// task was handed back before the request was answered.
type Task struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	MessageID   uint   `gorm:"not null;index"`
	AssignedTo  string `gorm:"size:64;not null"`
	Status      string `gorm:"size:16;default:pending;index"`
	TakenAt     time.Time
	CompletedAt *time.Time

	Message Message `gorm:"foreignKey:MessageID"`
}
