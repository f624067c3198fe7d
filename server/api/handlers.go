package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/tourmatch/core"
	"github.com/GoCodeAlone/tourmatch/ledger"
	"github.com/GoCodeAlone/tourmatch/market"
)

const maxBodyBytes = 1 << 20

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Core    *core.Core
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers all API routes on the given mux. Reads are public;
// submissions and task control go through protect, which must put the caller
// into the request context with ContextWithAgent.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.Handler) {
	mux.HandleFunc("GET /api/offers", h.listOffers)
	mux.HandleFunc("GET /api/offers/{id}", h.getOffer)
	mux.Handle("POST /api/offers", protect(h.submitOffer))
	mux.Handle("POST /api/offers/{id}/withdraw", protect(h.withdraw(market.KindOffer)))

	mux.HandleFunc("GET /api/requests", h.listRequests)
	mux.HandleFunc("GET /api/requests/{id}", h.getRequest)
	mux.Handle("POST /api/requests", protect(h.submitRequest))
	mux.Handle("POST /api/requests/{id}/withdraw", protect(h.withdraw(market.KindRequest)))

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/journal", h.taskJournal)
	mux.Handle("POST /api/tasks/{id}/accept", protect(h.acceptTask))
	mux.Handle("POST /api/tasks/{id}/reject", protect(h.rejectTask))
	mux.Handle("POST /api/tasks/{id}/cancel", protect(h.cancelTask))

	mux.HandleFunc("GET /api/assignments", h.listAssignments)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Error{Error: msg})
}

// StatusCode maps a domain error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrDuplicateID),
		errors.Is(err, market.ErrConflict),
		errors.Is(err, market.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, market.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, market.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
	}
	writeError(w, code, err.Error())
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: request body: %v", market.ErrInvalid, err)
	}
	return nil
}

func parseStatus(r *http.Request) (market.Status, error) {
	s := market.Status(r.URL.Query().Get("status"))
	switch s {
	case "", market.StatusOpen, market.StatusReserved, market.StatusConsumed, market.StatusExpired, market.StatusWithdrawn:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", market.ErrInvalid, s)
}

// --- Offer and request handlers ---

func (h *Handlers) submitOffer(w http.ResponseWriter, r *http.Request) {
	var body OfferSubmission
	if err := decode(w, r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.Core.SubmitOffer(AgentFrom(r.Context()), body.Offer())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Submitted{ID: id})
}

func (h *Handlers) submitRequest(w http.ResponseWriter, r *http.Request) {
	var body RequestSubmission
	if err := decode(w, r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.Core.SubmitRequest(AgentFrom(r.Context()), body.Request())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Submitted{ID: id})
}

func (h *Handlers) getOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.Core.Board.Offers.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Core.Board.Requests.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) listOffers(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Core.Board.Offers.List(status))
}

func (h *Handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Core.Board.Requests.List(status))
}

func (h *Handlers) withdraw(kind market.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		agent := AgentFrom(r.Context())
		if agent == "" {
			writeError(w, http.StatusUnauthorized, "withdraw needs an agent")
			return
		}
		if err := h.Core.Ledger.Withdraw(r.Context(), kind, id, agent); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.TaskFilter{
		State:     market.TaskState(q.Get("state")),
		Agent:     q.Get("owner"),
		OfferID:   q.Get("offer_id"),
		RequestID: q.Get("request_id"),
	}
	tasks := h.Core.Ledger.Tasks(filter)
	if tasks == nil {
		tasks = []*market.NegotiationTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Core.Ledger.Task(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) taskJournal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Core.Ledger.Task(id); err != nil {
		h.fail(w, r, err)
		return
	}
	recs, err := h.Core.Ledger.Journal().Records(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// involved loads the task named in the path and checks the caller owns one
// side of it.
func (h *Handlers) involved(w http.ResponseWriter, r *http.Request) (string, bool) {
	t, err := h.Core.Ledger.Task(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	if agent := AgentFrom(r.Context()); agent == "" || !t.Involves(agent) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("task %s does not involve %s", t.ID, agent))
		return "", false
	}
	return t.ID, true
}

func (h *Handlers) acceptTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.involved(w, r)
	if !ok {
		return
	}
	a, err := h.Core.Ledger.Accept(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) rejectTask(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.Core.Ledger.Reject)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.Core.Ledger.Cancel)
}

func (h *Handlers) resolve(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, reason string) error) {
	var body Reason
	if err := decode(w, r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}
	id, ok := h.involved(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id, body.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Core.Ledger.Task(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Assignments ---

func (h *Handlers) listAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since uint64
	if s := q.Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+s)
			return
		}
		since = n
	}
	limit := 100
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+l)
			return
		}
		limit = n
	}
	list, next := h.Core.Ledger.Assignments(since, limit)
	if list == nil {
		list = []market.Assignment{}
	}
	writeJSON(w, http.StatusOK, AssignmentPage{Assignments: list, Next: next})
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Status:   "ok",
		Version:  h.Version,
		Uptime:   time.Since(h.StartAt).Round(time.Second).String(),
		Offers:   h.Core.Board.Offers.Len(),
		Requests: h.Core.Board.Requests.Len(),
		Cursor:   h.Core.Bus.LastSeq(),
	})
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
