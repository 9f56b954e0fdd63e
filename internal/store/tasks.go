package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// CreateTask records that assignee took the message into work.
func (s *Store) CreateTask(ctx context.Context, messageID uint, assignee string, at time.Time) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &models.Task{
		MessageID:  messageID,
		AssignedTo: assignee,
		Status:     models.TaskPending,
		TakenAt:    at,
	}
	if err := s.conn(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("store: create task: %w", err)
	}
	return task, nil
}

// CompleteTasks marks every pending task for the message completed and
// returns how many changed.
func (s *Store) CompleteTasks(ctx context.Context, messageID uint, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.conn(ctx).Model(&models.Task{}).
		Where("message_id = ? AND status = ?", messageID, models.TaskPending).
		Updates(map[string]interface{}{
			"status":       models.TaskCompleted,
			"completed_at": at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("store: complete tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ReleaseTask marks a pending task released. It reports whether the task
// was still pending.
func (s *Store) ReleaseTask(ctx context.Context, taskID uint, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.conn(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", taskID, models.TaskPending).
		Updates(map[string]interface{}{
			"status":       models.TaskReleased,
			"completed_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: release task: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// TasksForMessage returns every task for the message, oldest first.
func (s *Store) TasksForMessage(ctx context.Context, messageID uint) ([]models.Task, error) {
	var tasks []models.Task
	if err := s.conn(ctx).Where("message_id = ?", messageID).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("store: tasks for message: %w", err)
	}
	return tasks, nil
}
