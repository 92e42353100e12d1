package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"hash/crc32"
	"strings"
	"time"

	"tellerq/dispatch-service/internal/models"
	"tellerq/dispatch-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Advisory lock keys scoping the two read-modify-write critical sections.
// Every process that dispatches against the same database derives the same
// keys, so claims serialize across processes, not just goroutines.
var (
	dispatchLockID = int64(crc32.ChecksumIEEE([]byte("next-ticket-dispatch")))
	issueLockID    = int64(crc32.ChecksumIEEE([]byte("ticket-issue")))
)

const ticketColumns = "ticket_id, number, status, counter_id, issue_date, created_at, called_at, served_at, completed_at"

type Store struct {
	pool          *pgxpool.Pool
	claimTimeout  time.Duration
	claimMaxTries uint
}

type Options struct {
	ClaimTimeout  time.Duration
	ClaimMaxTries int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.ClaimTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tries := options.ClaimMaxTries
	if tries <= 0 {
		tries = 3
	}
	return &Store{
		pool:          pool,
		claimTimeout:  timeout,
		claimMaxTries: uint(tries),
	}
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := models.ServiceDay(createdAt)

	operation := func() (models.Ticket, error) {
		ticket, err := s.issueTicketOnce(ctx, day, createdAt)
		if err != nil && !isSerializationFailure(err) {
			return models.Ticket{}, backoff.Permanent(err)
		}
		return ticket, err
	}
	ticket, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.claimMaxTries),
	)
	if err != nil {
		if isSerializationFailure(err) {
			return models.Ticket{}, store.ErrDispatchUnavailable
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) issueTicketOnce(ctx context.Context, day, createdAt time.Time) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, issueLockID); err != nil {
		return models.Ticket{}, err
	}

	setting, err := getSetting(ctx, tx)
	if err != nil {
		return models.Ticket{}, err
	}

	var count int
	row := tx.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE issue_date = $1`, day)
	if err = row.Scan(&count); err != nil {
		return models.Ticket{}, err
	}
	if count >= setting.DailyTicketLimit {
		err = store.ErrCapacityExceeded
		return models.Ticket{}, err
	}

	var next int
	row = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(number) + 1, $2)
		FROM tickets
		WHERE issue_date = $1
	`, day, setting.StartNumber)
	if err = row.Scan(&next); err != nil {
		return models.Ticket{}, err
	}

	var ticket models.Ticket
	row = tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, number, status, issue_date, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+ticketColumns,
		uuid.NewString(), next, models.StatusWaiting, day, createdAt)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "TICKET_ISSUED", ticketPayload(ticket), createdAt); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// ClaimNext assigns the lowest-numbered eligible waiting ticket of the
// current service day to the requesting counter. The read-pick-write runs
// under an advisory transaction lock inside a serializable transaction, so
// two concurrent claims can never both receive the same ticket; the loser
// gets the next number or ErrNoTicket. Serialization conflicts are retried
// a bounded number of times before surfacing ErrDispatchUnavailable.
func (s *Store) ClaimNext(ctx context.Context, input store.ClaimNextInput) (models.Ticket, models.Counter, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, s.claimTimeout)
	defer cancel()

	type claimed struct {
		ticket  models.Ticket
		counter models.Counter
	}
	operation := func() (claimed, error) {
		ticket, counter, err := s.claimNextOnce(ctx, input.CounterID, calledAt)
		if err != nil && !isSerializationFailure(err) {
			return claimed{}, backoff.Permanent(err)
		}
		return claimed{ticket: ticket, counter: counter}, err
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.claimMaxTries),
	)
	if err != nil {
		if isSerializationFailure(err) || errors.Is(err, context.DeadlineExceeded) {
			return models.Ticket{}, models.Counter{}, store.ErrDispatchUnavailable
		}
		return models.Ticket{}, models.Counter{}, err
	}
	return result.ticket, result.counter, nil
}

func (s *Store) claimNextOnce(ctx context.Context, counterID string, calledAt time.Time) (models.Ticket, models.Counter, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, dispatchLockID); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	counter, err := getCounterRow(ctx, tx, counterID)
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}
	if !counter.IsActive {
		err = store.ErrCounterInactive
		return models.Ticket{}, models.Counter{}, err
	}

	var busy bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tickets
			WHERE counter_id = $1 AND status IN ($2, $3)
		)
	`, counterID, models.StatusCalled, models.StatusServing)
	if err = row.Scan(&busy); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}
	if busy {
		err = store.ErrCounterBusy
		return models.Ticket{}, models.Counter{}, err
	}

	setting, err := getSetting(ctx, tx)
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	// Unless simultaneous calls are allowed, a ticket already attached to
	// some counter is not eligible.
	eligibility := ""
	if !setting.AllowSimultaneousCalls {
		eligibility = "AND counter_id IS NULL"
	}

	day := models.ServiceDay(calledAt)
	query := `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE issue_date = $1 AND status IN (` + statusList(store.AllowedFrom(store.ActionClaimNext)) + `) ` + eligibility + `
			ORDER BY number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = $2,
			counter_id = $3,
			called_at = $4
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING ` + qualifyTicketColumns("tickets")
	row = tx.QueryRow(ctx, query, day, models.StatusCalled, counterID, calledAt)
	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoTicket
		}
		return models.Ticket{}, models.Counter{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "TICKET_CALLED", calledPayload(ticket, counter), calledAt); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	counter.CurrentTicket = &ticket
	return ticket, counter, nil
}

func (s *Store) StartServing(ctx context.Context, input store.CounterActionInput) (models.Ticket, models.Counter, error) {
	return s.updateCurrentTicket(ctx, input, currentTicketUpdate{
		fromStatuses: store.AllowedFrom(store.ActionServe),
		toStatus:     models.StatusServing,
		stampColumn:  "served_at",
		eventType:    "TICKET_SERVING",
		notFoundErr:  store.ErrInvalidState,
	})
}

func (s *Store) Complete(ctx context.Context, input store.CounterActionInput) (models.Ticket, models.Counter, error) {
	return s.updateCurrentTicket(ctx, input, currentTicketUpdate{
		fromStatuses: store.AllowedFrom(store.ActionComplete),
		toStatus:     models.StatusCompleted,
		stampColumn:  "completed_at",
		clearCounter: true,
		eventType:    "TICKET_COMPLETED",
		notFoundErr:  store.ErrNothingToComplete,
	})
}

func (s *Store) Skip(ctx context.Context, input store.CounterActionInput) (models.Ticket, models.Counter, error) {
	return s.updateCurrentTicket(ctx, input, currentTicketUpdate{
		fromStatuses: store.AllowedFrom(store.ActionSkip),
		toStatus:     models.StatusSkipped,
		clearCounter: true,
		eventType:    "TICKET_SKIPPED",
		notFoundErr:  store.ErrNothingToComplete,
	})
}

type currentTicketUpdate struct {
	fromStatuses []string
	toStatus     string
	stampColumn  string
	clearCounter bool
	eventType    string
	notFoundErr  error
}

func (s *Store) updateCurrentTicket(ctx context.Context, input store.CounterActionInput, spec currentTicketUpdate) (models.Ticket, models.Counter, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counter, err := getCounterRow(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	assignments := ""
	args := []interface{}{input.CounterID, spec.toStatus}
	if spec.stampColumn != "" {
		assignments += ", " + spec.stampColumn + " = $3"
		args = append(args, occurredAt)
	}
	if spec.clearCounter {
		assignments += ", counter_id = NULL"
	}

	query := `
		UPDATE tickets
		SET status = $2` + assignments + `
		WHERE ticket_id = (
			SELECT ticket_id FROM tickets
			WHERE counter_id = $1 AND status IN (` + statusList(spec.fromStatuses) + `)
			ORDER BY called_at DESC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING ` + ticketColumns
	row := tx.QueryRow(ctx, query, args...)
	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = spec.notFoundErr
		}
		return models.Ticket{}, models.Counter{}, err
	}

	if err = insertOutboxEvent(ctx, tx, spec.eventType, calledPayload(ticket, counter), occurredAt); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	if !spec.clearCounter {
		counter.CurrentTicket = &ticket
	}
	return ticket, counter, nil
}

// Recall re-announces the counter's current ticket. It never mutates the
// ticket; the outbox row is the only write.
func (s *Store) Recall(ctx context.Context, input store.CounterActionInput) (models.Ticket, models.Counter, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counter, err := getCounterRow(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND status IN (`+statusList(store.AllowedFrom(store.ActionRecall))+`)
		ORDER BY called_at DESC
		LIMIT 1
	`, input.CounterID)
	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNothingToRecall
		}
		return models.Ticket{}, models.Counter{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "TICKET_RECALLED", calledPayload(ticket, counter), occurredAt); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, models.Counter{}, err
	}

	counter.CurrentTicket = &ticket
	return ticket, counter, nil
}

// ResetAll removes every ticket of the current service day and releases
// any counter still holding a ticket from an earlier day.
func (s *Store) ResetAll(ctx context.Context, occurredAt time.Time) error {
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	day := models.ServiceDay(occurredAt)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM tickets WHERE issue_date = $1`, day); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = $1, counter_id = NULL
		WHERE status IN (`+statusList(store.AllowedFrom(store.ActionReset))+`)
	`, models.StatusSkipped); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"issue_date": day,
		"reset_at":   occurredAt,
	}
	if err = insertOutboxEvent(ctx, tx, "QUEUE_RESET", payload, occurredAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) ListTickets(ctx context.Context, day time.Time) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE issue_date = $1
		ORDER BY number ASC
	`, models.ServiceDay(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

const counterWithTicketQuery = `
	SELECT c.counter_id, c.name, c.display_number, c.is_active,
		t.ticket_id, t.number, t.status, t.counter_id, t.issue_date, t.created_at, t.called_at, t.served_at, t.completed_at
	FROM counters c
	LEFT JOIN LATERAL (
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE counter_id = c.counter_id AND status IN ('CALLED', 'SERVING')
		ORDER BY called_at DESC
		LIMIT 1
	) t ON TRUE
`

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, counterWithTicketQuery+` ORDER BY c.display_number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounterWithTicket(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, counterWithTicketQuery+` WHERE c.counter_id = $1`, counterID)
	counter, err := scanCounterWithTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) CreateCounter(ctx context.Context, input store.CreateCounterInput) (models.Counter, error) {
	var counter models.Counter
	row := s.pool.QueryRow(ctx, `
		INSERT INTO counters (counter_id, name, display_number, is_active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING counter_id, name, display_number, is_active
	`, uuid.NewString(), input.Name, input.DisplayNumber)
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.DisplayNumber, &counter.IsActive); err != nil {
		if isUniqueViolation(err) {
			return models.Counter{}, store.ErrCounterNumberTaken
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) UpdateCounter(ctx context.Context, input store.UpdateCounterInput) (models.Counter, error) {
	var counter models.Counter
	row := s.pool.QueryRow(ctx, `
		UPDATE counters
		SET name = COALESCE($2, name),
			display_number = COALESCE($3, display_number),
			is_active = COALESCE($4, is_active)
		WHERE counter_id = $1
		RETURNING counter_id, name, display_number, is_active
	`, input.CounterID, input.Name, input.DisplayNumber, input.IsActive)
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.DisplayNumber, &counter.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		if isUniqueViolation(err) {
			return models.Counter{}, store.ErrCounterNumberTaken
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) DeleteCounter(ctx context.Context, counterID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var busy bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tickets
			WHERE counter_id = $1 AND status IN ($2, $3)
		)
	`, counterID, models.StatusCalled, models.StatusServing)
	if err = row.Scan(&busy); err != nil {
		return err
	}
	if busy {
		err = store.ErrCounterBusy
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM counters WHERE counter_id = $1`, counterID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrCounterNotFound
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetSetting(ctx context.Context) (models.Setting, error) {
	return getSetting(ctx, s.pool)
}

func (s *Store) UpdateSetting(ctx context.Context, input store.UpdateSettingInput) (models.Setting, error) {
	if _, err := getSetting(ctx, s.pool); err != nil {
		return models.Setting{}, err
	}

	var setting models.Setting
	row := s.pool.QueryRow(ctx, `
		UPDATE settings
		SET daily_ticket_limit = COALESCE($2, daily_ticket_limit),
			start_number = COALESCE($3, start_number),
			reset_daily = COALESCE($4, reset_daily),
			allow_simultaneous_calls = COALESCE($5, allow_simultaneous_calls),
			display_video_url = COALESCE($6, display_video_url)
		WHERE id = $1
		RETURNING id, daily_ticket_limit, start_number, reset_daily, allow_simultaneous_calls, display_video_url
	`, models.SettingID, input.DailyTicketLimit, input.StartNumber, input.ResetDaily, input.AllowSimultaneousCalls, input.DisplayVideoURL)
	if err := row.Scan(&setting.ID, &setting.DailyTicketLimit, &setting.StartNumber, &setting.ResetDaily, &setting.AllowSimultaneousCalls, &setting.DisplayVideoURL); err != nil {
		return models.Setting{}, err
	}
	return setting, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// getSetting reads the singleton settings row, creating it with defaults
// when missing.
func getSetting(ctx context.Context, q queryRower) (models.Setting, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO settings (id, daily_ticket_limit, start_number, reset_daily, allow_simultaneous_calls, display_video_url)
		VALUES ($1, $2, $3, TRUE, FALSE, $4)
		ON CONFLICT (id) DO NOTHING
	`, models.SettingID, models.DefaultDailyTicketLimit, models.DefaultStartNumber, models.DefaultVideoURL)
	if err != nil {
		return models.Setting{}, err
	}

	var setting models.Setting
	row := q.QueryRow(ctx, `
		SELECT id, daily_ticket_limit, start_number, reset_daily, allow_simultaneous_calls, display_video_url
		FROM settings
		WHERE id = $1
	`, models.SettingID)
	if err := row.Scan(&setting.ID, &setting.DailyTicketLimit, &setting.StartNumber, &setting.ResetDaily, &setting.AllowSimultaneousCalls, &setting.DisplayVideoURL); err != nil {
		return models.Setting{}, err
	}
	return setting, nil
}

func getCounterRow(ctx context.Context, tx pgx.Tx, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := tx.QueryRow(ctx, `
		SELECT counter_id, name, display_number, is_active
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.DisplayNumber, &counter.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var counterIDNull sql.NullString
	var calledAtNull sql.NullTime
	var servedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.Number, &ticket.Status, &counterIDNull, &ticket.IssueDate, &ticket.CreatedAt, &calledAtNull, &servedAtNull, &completedAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServedAt = nullTimePtr(servedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	return ticket, nil
}

func scanCounterWithTicket(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var ticketIDNull sql.NullString
	var numberNull sql.NullInt64
	var statusNull sql.NullString
	var counterIDNull sql.NullString
	var issueDateNull sql.NullTime
	var createdAtNull sql.NullTime
	var calledAtNull sql.NullTime
	var servedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(
		&counter.CounterID, &counter.Name, &counter.DisplayNumber, &counter.IsActive,
		&ticketIDNull, &numberNull, &statusNull, &counterIDNull, &issueDateNull,
		&createdAtNull, &calledAtNull, &servedAtNull, &completedAtNull,
	); err != nil {
		return models.Counter{}, err
	}
	if ticketIDNull.Valid {
		ticket := models.Ticket{
			TicketID: ticketIDNull.String,
			Number:   int(numberNull.Int64),
			Status:   statusNull.String,
		}
		if issueDateNull.Valid {
			ticket.IssueDate = issueDateNull.Time
		}
		if createdAtNull.Valid {
			ticket.CreatedAt = createdAtNull.Time
		}
		ticket.CounterID = nullStringPtr(counterIDNull)
		ticket.CalledAt = nullTimePtr(calledAtNull)
		ticket.ServedAt = nullTimePtr(servedAtNull)
		ticket.CompletedAt = nullTimePtr(completedAtNull)
		counter.CurrentTicket = &ticket
	}
	return counter, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]interface{}, createdAt time.Time) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, createdAt)
	return err
}

func ticketPayload(ticket models.Ticket) map[string]interface{} {
	return map[string]interface{}{
		"ticket_id":  ticket.TicketID,
		"number":     ticket.Number,
		"status":     ticket.Status,
		"issue_date": ticket.IssueDate,
		"created_at": ticket.CreatedAt,
	}
}

func calledPayload(ticket models.Ticket, counter models.Counter) map[string]interface{} {
	payload := ticketPayload(ticket)
	payload["counter_id"] = counter.CounterID
	payload["counter_number"] = counter.DisplayNumber
	payload["called_at"] = ticket.CalledAt
	return payload
}

// statusList renders status constants as a quoted SQL IN-list. Inputs come
// from the transition table, never from callers.
func statusList(statuses []string) string {
	quoted := make([]string, len(statuses))
	for i, status := range statuses {
		quoted[i] = "'" + status + "'"
	}
	return strings.Join(quoted, ", ")
}

func qualifyTicketColumns(table string) string {
	return table + ".ticket_id, " + table + ".number, " + table + ".status, " +
		table + ".counter_id, " + table + ".issue_date, " + table + ".created_at, " +
		table + ".called_at, " + table + ".served_at, " + table + ".completed_at"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
