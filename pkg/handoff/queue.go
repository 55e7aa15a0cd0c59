package handoff

import (
	"slices"
	"sync"
	"time"

	"github.com/teslashibe/go-voicedesk/pkg/failure"
)

// Ticket is a caller waiting for a human agent.
type Ticket struct {
	SessionID  string       `json:"session_id"`
	ClientID   string       `json:"client_id"`
	Priority   float64      `json:"priority"`
	RetryCount int          `json:"retry_count"`
	LastError  failure.Kind `json:"last_error,omitempty"`
	Transcript []string     `json:"transcript,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Queue orders waiting callers by priority, highest first. Ties keep
// arrival order.
type Queue struct {
	mu      sync.Mutex
	tickets []Ticket
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue adds t and returns its 1-based position. A ticket already queued
// for the same session is replaced.
func (q *Queue) Enqueue(t Ticket) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(t.SessionID)
	i, _ := slices.BinarySearchFunc(q.tickets, t, func(a, b Ticket) int {
		// Equal priorities sort after existing entries.
		if a.Priority >= b.Priority {
			return -1
		}
		return 1
	})
	q.tickets = slices.Insert(q.tickets, i, t)
	return i + 1
}

// Position returns the 1-based position of sessionID, or 0.
func (q *Queue) Position(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(sessionID) + 1
}

// Dequeue removes and returns the highest-priority ticket.
func (q *Queue) Dequeue() (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tickets) == 0 {
		return Ticket{}, false
	}
	t := q.tickets[0]
	q.tickets = slices.Delete(q.tickets, 0, 1)
	return t, true
}

// Remove drops the ticket for sessionID.
func (q *Queue) Remove(sessionID string) (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(sessionID)
	if i < 0 {
		return Ticket{}, false
	}
	t := q.tickets[i]
	q.tickets = slices.Delete(q.tickets, i, i+1)
	return t, true
}

// List returns the queued tickets in priority order.
func (q *Queue) List() []Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.tickets)
}

// Len returns the number of waiting callers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}

func (q *Queue) removeLocked(sessionID string) {
	if i := q.indexLocked(sessionID); i >= 0 {
		q.tickets = slices.Delete(q.tickets, i, i+1)
	}
}

func (q *Queue) indexLocked(sessionID string) int {
	return slices.IndexFunc(q.tickets, func(t Ticket) bool { return t.SessionID == sessionID })
}
