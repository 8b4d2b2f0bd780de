// Package session persists conversations so interactive sessions can be
// listed and resumed across process restarts.
package session

import (
	"context"
	"time"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// Record is one stored session.
type Record struct {
	ID          string
	Model       string
	AuthType    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PromptCount int
}

// Summary is the listing projection.
type Summary struct {
	ID          string
	Model       string
	UpdatedAt   time.Time
	PromptCount int
	FirstPrompt string
}

// Store is the persistence interface the CLI uses.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Touch(ctx context.Context, id string, promptCount int) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]Summary, error)

	AddMessage(ctx context.Context, sessionID string, msg llm.Message) error
	Messages(ctx context.Context, sessionID string) ([]llm.Message, error)

	Close() error
}

// NoopStore drops everything; used when persistence is disabled.
type NoopStore struct{}

func (NoopStore) Create(context.Context, *Record) error          { return nil }
func (NoopStore) Get(context.Context, string) (*Record, error)   { return nil, ErrNotFound }
func (NoopStore) Touch(context.Context, string, int) error       { return nil }
func (NoopStore) Delete(context.Context, string) error           { return nil }
func (NoopStore) List(context.Context, int) ([]Summary, error)   { return nil, nil }
func (NoopStore) AddMessage(context.Context, string, llm.Message) error { return nil }
func (NoopStore) Messages(context.Context, string) ([]llm.Message, error) {
	return nil, nil
}
func (NoopStore) Close() error { return nil }
