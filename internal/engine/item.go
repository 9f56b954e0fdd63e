package engine

import (
	"context"
	"sort"
	"time"

	"github.com/zulandar/signalbox/internal/chat"
)

// State is the lifecycle state of a tracked notification.
type State int

const (
	StateOpen      State = iota // reminders active
	StateTaken                  // someone took it; reminders paused
	StateResolved               // a reply was relayed back (terminal)
	StateEscalated              // deadline passed without a response (terminal)
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTaken:
		return "taken"
	case StateResolved:
		return "resolved"
	case StateEscalated:
		return "escalated"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateEscalated
}

// Request is a support request accepted for relay.
type Request struct {
	MessageID   uint
	Fingerprint string
	Text        string
	ChannelID   string
	PostID      string
	SenderID    string
	ReceivedAt  time.Time
}

// item is one notification on the chat platform. All fields are guarded
// by Engine.mu.
type item struct {
	key        string
	ref        chat.MessageRef
	req        Request
	state      State
	escalation bool
	reopened   bool

	// Store responses recorded before countSince belong to an earlier
	// take that was released and no longer count as an answer.
	countSince time.Time

	assignee     string
	assigneeName string
	takes        int  // bumped on every take
	taskID       uint // Task row of the current take, once created
	reminders    int
	generation   int // bumped whenever the reminder task is replaced

	text    string // notification body, kept for button edits
	links   []chat.Button
	created time.Time
	closed  time.Time

	stopReminder context.CancelFunc
	stopDeadline context.CancelFunc
}

func (it *item) cancelReminder() {
	if it.stopReminder != nil {
		it.stopReminder()
		it.stopReminder = nil
	}
}

func (it *item) cancelDeadline() {
	if it.stopDeadline != nil {
		it.stopDeadline()
		it.stopDeadline = nil
	}
}

// close moves the item to a terminal state and cancels its tasks.
func (it *item) close(state State, at time.Time) {
	it.state = state
	it.closed = at
	it.cancelReminder()
	it.cancelDeadline()
}

// ItemSnapshot is a read-only view of a tracked notification.
type ItemSnapshot struct {
	Key         string     `json:"key"`
	State       string     `json:"state"`
	Escalation  bool       `json:"escalation"`
	Reopened    bool       `json:"reopened"`
	Assignee    string     `json:"assignee,omitempty"`
	Reminders   int        `json:"reminders"`
	Fingerprint string     `json:"fingerprint"`
	PostID      string     `json:"post_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Snapshot returns every tracked notification, oldest first.
func (e *Engine) Snapshot() []ItemSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ItemSnapshot, 0, len(e.items))
	for _, it := range e.items {
		s := ItemSnapshot{
			Key:         it.key,
			State:       it.state.String(),
			Escalation:  it.escalation,
			Reopened:    it.reopened,
			Assignee:    it.assignee,
			Reminders:   it.reminders,
			Fingerprint: it.req.Fingerprint,
			PostID:      it.req.PostID,
			CreatedAt:   it.created,
		}
		if !it.closed.IsZero() {
			closed := it.closed
			s.ClosedAt = &closed
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ItemState returns the state of the notification behind ref.
func (e *Engine) ItemState(ref chat.MessageRef) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[ref.Key()]
	if !ok {
		return 0, false
	}
	return it.state, true
}

// Sweep evicts terminal items older than the retention window, then trims
// the map to the configured capacity, oldest terminal items first.
func (e *Engine) Sweep() int {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, it := range e.items {
		if it.state.Terminal() && now.Sub(it.closed) >= e.retention {
			delete(e.items, key)
			removed++
		}
	}

	if over := len(e.items) - e.maxPending; over > 0 {
		victims := make([]*item, 0, len(e.items))
		for _, it := range e.items {
			victims = append(victims, it)
		}
		sort.Slice(victims, func(i, j int) bool {
			a, b := victims[i], victims[j]
			if a.state.Terminal() != b.state.Terminal() {
				return a.state.Terminal()
			}
			return a.created.Before(b.created)
		})
		for _, it := range victims[:over] {
			it.cancelReminder()
			it.cancelDeadline()
			delete(e.items, it.key)
			removed++
		}
	}

	e.metrics.PendingItems.Set(float64(len(e.items)))
	return removed
}
