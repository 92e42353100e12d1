package store

import (
	"context"
	"encoding/json"
	"time"

	"tellerq/dispatch-service/internal/models"
)

type IssueTicketInput struct {
	CreatedAt time.Time
}

type ClaimNextInput struct {
	CounterID string
	CalledAt  time.Time
}

type CounterActionInput struct {
	CounterID  string
	OccurredAt time.Time
}

type CreateCounterInput struct {
	Name          string
	DisplayNumber int
}

type UpdateCounterInput struct {
	CounterID     string
	Name          *string
	DisplayNumber *int
	IsActive      *bool
}

type UpdateSettingInput struct {
	DailyTicketLimit       *int
	StartNumber            *int
	ResetDaily             *bool
	AllowSimultaneousCalls *bool
	DisplayVideoURL        *string
}

// DispatchStore is the durable-store boundary for the dispatch engine and
// the admin surface. Every mutation runs as a single transaction and
// records a matching outbox event before commit.
type DispatchStore interface {
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, error)
	ClaimNext(ctx context.Context, input ClaimNextInput) (models.Ticket, models.Counter, error)
	StartServing(ctx context.Context, input CounterActionInput) (models.Ticket, models.Counter, error)
	Complete(ctx context.Context, input CounterActionInput) (models.Ticket, models.Counter, error)
	Skip(ctx context.Context, input CounterActionInput) (models.Ticket, models.Counter, error)
	Recall(ctx context.Context, input CounterActionInput) (models.Ticket, models.Counter, error)
	ResetAll(ctx context.Context, occurredAt time.Time) error

	ListTickets(ctx context.Context, day time.Time) ([]models.Ticket, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	CreateCounter(ctx context.Context, input CreateCounterInput) (models.Counter, error)
	UpdateCounter(ctx context.Context, input UpdateCounterInput) (models.Counter, error)
	DeleteCounter(ctx context.Context, counterID string) error

	GetSetting(ctx context.Context) (models.Setting, error)
	UpdateSetting(ctx context.Context, input UpdateSettingInput) (models.Setting, error)

	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
