package cmdbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrDeadLetterNotFound is returned by DLQ lookups for unknown ids.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is a command that exhausted its retries (or failed
// permanently during execution) together with enough context to replay it.
type DeadLetter struct {
	ID          string          `json:"id"`
	CommandID   string          `json:"command_id,omitempty"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	// Attempts is the total number of execution attempts made.
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DLQ stores dead letters for inspection, replay and discard.
type DLQ interface {
	Enqueue(ctx context.Context, letter *DeadLetter) error
	// List returns letters in enqueue order, up to limit (0 = no limit).
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Get(ctx context.Context, id string) (*DeadLetter, error)
	Discard(ctx context.Context, id string) error
}

// InMemoryDLQ is a DLQ for tests and development.
type InMemoryDLQ struct {
	mu      sync.Mutex
	letters []*DeadLetter
}

func NewInMemoryDLQ() *InMemoryDLQ { return &InMemoryDLQ{} }

func (q *InMemoryDLQ) Enqueue(_ context.Context, letter *DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.letters = append(q.letters, letter)
	return nil
}

func (q *InMemoryDLQ) List(_ context.Context, limit int) ([]*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.letters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*DeadLetter, n)
	copy(out, q.letters[:n])
	return out, nil
}

func (q *InMemoryDLQ) Get(_ context.Context, id string) (*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.letters {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, ErrDeadLetterNotFound
}

func (q *InMemoryDLQ) Discard(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for n, l := range q.letters {
		if l.ID == id {
			q.letters = append(q.letters[:n], q.letters[n+1:]...)
			return nil
		}
	}
	return ErrDeadLetterNotFound
}

var _ DLQ = (*InMemoryDLQ)(nil)
