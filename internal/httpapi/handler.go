package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tellerq/dispatch-service/internal/bus"
	"tellerq/dispatch-service/internal/models"
	"tellerq/dispatch-service/internal/store"

	"github.com/google/uuid"
)

// ClientCounter reports how many realtime subscribers are connected. The
// gateway hub satisfies it.
type ClientCounter interface {
	Count() int
}

type Handler struct {
	store     store.DispatchStore
	bus       *bus.Bus
	clients   ClientCounter
	startedAt time.Time
}

type Options struct {
	Clients ClientCounter
}

type createCounterRequest struct {
	Name          string `json:"name"`
	DisplayNumber int    `json:"display_number"`
}

type updateCounterRequest struct {
	Name          *string `json:"name"`
	DisplayNumber *int    `json:"display_number"`
	IsActive      *bool   `json:"is_active"`
}

type updateSettingRequest struct {
	DailyTicketLimit       *int    `json:"daily_ticket_limit"`
	StartNumber            *int    `json:"start_number"`
	ResetDaily             *bool   `json:"reset_daily"`
	AllowSimultaneousCalls *bool   `json:"allow_simultaneous_calls"`
	DisplayVideoURL        *string `json:"display_video_url"`
}

type callResultResponse struct {
	Ticket  models.Ticket  `json:"ticket"`
	Counter models.Counter `json:"counter"`
}

type recallPayload struct {
	Ticket        models.Ticket `json:"ticket"`
	CounterID     string        `json:"counter_id"`
	CounterNumber int           `json:"counter_number"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(dispatchStore store.DispatchStore, eventBus *bus.Bus, options Options) *Handler {
	return &Handler{
		store:     dispatchStore,
		bus:       eventBus,
		clients:   options.Clients,
		startedAt: time.Now().UTC(),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterSubtree)
	mux.HandleFunc("/api/queues/reset", h.handleReset)
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/recall-events", h.handleRecallEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clients := 0
	if h.clients != nil {
		clients = h.clients.Count()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"clients_count":  clients,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleIssueTicket(w, r)
	case http.MethodGet:
		h.handleListTickets(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	ticket, err := h.store.IssueTicket(r.Context(), store.IssueTicketInput{CreatedAt: now})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.NewEvent(bus.TopicTicketUpdates, bus.KindTicketIssued, ticket.TicketID, ticket, now))
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if dateRaw := strings.TrimSpace(r.URL.Query().Get("date")); dateRaw != "" {
		parsed, err := time.Parse("2006-01-02", dateRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	tickets, err := h.store.ListTickets(r.Context(), day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		counters, err := h.store.ListCounters(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, counters)
	case http.MethodPost:
		var req createCounterRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" || req.DisplayNumber <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "name and a positive display_number are required")
			return
		}

		counter, err := h.store.CreateCounter(r.Context(), store.CreateCounterInput{
			Name:          req.Name,
			DisplayNumber: req.DisplayNumber,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}

		h.publishCounter(counter)
		writeJSON(w, http.StatusCreated, counter)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCounterSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	counterID := parts[0]
	if !isValidUUID(counterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	switch len(parts) {
	case 1:
		h.handleCounterByID(w, r, counterID)
	case 2:
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCounterAction(w, r, counterID, parts[1])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCounterByID(w http.ResponseWriter, r *http.Request, counterID string) {
	switch r.Method {
	case http.MethodGet:
		counter, err := h.store.GetCounter(r.Context(), counterID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, counter)
	case http.MethodPut:
		var req updateCounterRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if req.Name == nil && req.DisplayNumber == nil && req.IsActive == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "at least one of name, display_number, is_active is required")
			return
		}
		if req.DisplayNumber != nil && *req.DisplayNumber <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "display_number must be positive")
			return
		}

		counter, err := h.store.UpdateCounter(r.Context(), store.UpdateCounterInput{
			CounterID:     counterID,
			Name:          req.Name,
			DisplayNumber: req.DisplayNumber,
			IsActive:      req.IsActive,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}

		h.publishCounter(counter)
		writeJSON(w, http.StatusOK, counter)
	case http.MethodDelete:
		if err := h.store.DeleteCounter(r.Context(), counterID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		h.bus.Publish(bus.NewEvent(bus.TopicCounterUpdates, bus.KindCounterChanged, counterID, map[string]string{
			"counter_id": counterID,
			"change":     "deleted",
		}, time.Now().UTC()))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCounterAction(w http.ResponseWriter, r *http.Request, counterID, action string) {
	now := time.Now().UTC()

	var (
		ticket  models.Ticket
		counter models.Counter
		err     error
		kind    string
		topic   = bus.TopicTicketUpdates
	)

	switch action {
	case "next":
		ticket, counter, err = h.store.ClaimNext(r.Context(), store.ClaimNextInput{CounterID: counterID, CalledAt: now})
		kind = bus.KindTicketCalled
	case "serve":
		ticket, counter, err = h.store.StartServing(r.Context(), store.CounterActionInput{CounterID: counterID, OccurredAt: now})
		kind = bus.KindTicketServing
	case "complete":
		ticket, counter, err = h.store.Complete(r.Context(), store.CounterActionInput{CounterID: counterID, OccurredAt: now})
		kind = bus.KindTicketCompleted
	case "skip":
		ticket, counter, err = h.store.Skip(r.Context(), store.CounterActionInput{CounterID: counterID, OccurredAt: now})
		kind = bus.KindTicketSkipped
	case "recall":
		ticket, counter, err = h.store.Recall(r.Context(), store.CounterActionInput{CounterID: counterID, OccurredAt: now})
		kind = bus.KindTicketRecalled
		topic = bus.TopicRecallEvents
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	if kind == bus.KindTicketRecalled {
		h.bus.Publish(bus.NewEvent(topic, kind, ticket.TicketID, recallPayload{
			Ticket:        ticket,
			CounterID:     counter.CounterID,
			CounterNumber: counter.DisplayNumber,
		}, now))
	} else {
		h.bus.Publish(bus.NewEvent(topic, kind, ticket.TicketID, ticket, now))
		h.publishCounter(counter)
	}

	writeJSON(w, http.StatusOK, callResultResponse{Ticket: ticket, Counter: counter})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := time.Now().UTC()
	if err := h.store.ResetAll(r.Context(), now); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.NewEvent(bus.TopicTicketUpdates, bus.KindQueueReset, "queue", map[string]interface{}{
		"reset_at": now,
	}, now))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		setting, err := h.store.GetSetting(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, setting)
	case http.MethodPut:
		var req updateSettingRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if req.DailyTicketLimit != nil && *req.DailyTicketLimit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "daily_ticket_limit must be positive")
			return
		}
		if req.StartNumber != nil && *req.StartNumber <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "start_number must be positive")
			return
		}

		setting, err := h.store.UpdateSetting(r.Context(), store.UpdateSettingInput{
			DailyTicketLimit:       req.DailyTicketLimit,
			StartNumber:            req.StartNumber,
			ResetDaily:             req.ResetDaily,
			AllowSimultaneousCalls: req.AllowSimultaneousCalls,
			DisplayVideoURL:        req.DisplayVideoURL,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, setting)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var after time.Time
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleRecallEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	event, ok := h.bus.LastRecall()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) publishCounter(counter models.Counter) {
	h.bus.Publish(bus.NewEvent(bus.TopicCounterUpdates, bus.KindCounterChanged, counter.CounterID, counter, time.Now().UTC()))
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded", "daily ticket limit reached"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "queue_empty", "no tickets available"
	case errors.Is(err, store.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is not active"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already holds an active ticket"
	case errors.Is(err, store.ErrCounterNumberTaken):
		return http.StatusConflict, "counter_number_taken", "display number already in use"
	case errors.Is(err, store.ErrNothingToComplete):
		return http.StatusConflict, "nothing_to_complete", "counter has no ticket to complete"
	case errors.Is(err, store.ErrNothingToRecall):
		return http.StatusConflict, "nothing_to_recall", "counter has no ticket to recall"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrDispatchUnavailable):
		return http.StatusServiceUnavailable, "dispatch_unavailable", "dispatch contention, retry shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
