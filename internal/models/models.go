package models

import "time"

type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	Number      int        `json:"number"`
	Status      string     `json:"status"`
	CounterID   *string    `json:"counter_id,omitempty"`
	IssueDate   time.Time  `json:"issue_date"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting   = "WAITING"
	StatusCalled    = "CALLED"
	StatusServing   = "SERVING"
	StatusCompleted = "COMPLETED"
	StatusSkipped   = "SKIPPED"
)

type Counter struct {
	CounterID     string  `json:"counter_id"`
	Name          string  `json:"name"`
	DisplayNumber int     `json:"display_number"`
	IsActive      bool    `json:"is_active"`
	CurrentTicket *Ticket `json:"current_ticket,omitempty"`
}

// Setting is a singleton row keyed by id "default", created on first read.
type Setting struct {
	ID                     string `json:"id"`
	DailyTicketLimit       int    `json:"daily_ticket_limit"`
	StartNumber            int    `json:"start_number"`
	ResetDaily             bool   `json:"reset_daily"`
	AllowSimultaneousCalls bool   `json:"allow_simultaneous_calls"`
	DisplayVideoURL        string `json:"display_video_url"`
}

const SettingID = "default"

const (
	DefaultDailyTicketLimit = 100
	DefaultStartNumber      = 1
	DefaultVideoURL         = "https://www.youtube.com/embed/jAQvxW2l-Pg"
)

// ServiceDay truncates a timestamp to the calendar day tickets are scoped to.
func ServiceDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
