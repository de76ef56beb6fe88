// Package httpapi exposes the coordination core over HTTP: lock admission,
// cached ticket reads, and query-result resolution. It is the adapter the
// ticket service's request path talks to; ticket persistence stays behind the
// ticket.Store and QueryRunner seams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/cache"
	"pkt.systems/ticketd/internal/lock"
	"pkt.systems/ticketd/internal/ratelimit"
	"pkt.systems/ticketd/internal/ticket"
)

// AuditLog is the slice of the log producer the HTTP layer emits on. A nil
// AuditLog disables emission without branching at every call site.
type AuditLog interface {
	Audit(ctx context.Context, text string) error
	Error(ctx context.Context, text string) error
}

// QueryRunner evaluates a ticket list query against the source-of-truth
// store. The handler calls it only when the query's cached ID list is absent.
type QueryRunner interface {
	RunQuery(ctx context.Context, q ticket.Query) ([]string, error)
}

// Handler wires the HTTP endpoints to the lock manager and cache.
type Handler struct {
	locks   *lock.Manager
	cache   *cache.Cache
	store   ticket.Store
	queries QueryRunner
	audit   AuditLog
	limiter *ratelimit.Limiter
	logger  pslog.Logger
}

// Options carry the collaborators a Handler needs. Locks, Cache and Store are
// required; the rest degrade gracefully when nil.
type Options struct {
	Locks   *lock.Manager
	Cache   *cache.Cache
	Store   ticket.Store
	Queries QueryRunner
	Audit   AuditLog
	Limiter *ratelimit.Limiter
	Logger  pslog.Logger
}

// New constructs a Handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	return &Handler{
		locks:   opts.Locks,
		cache:   opts.Cache,
		store:   opts.Store,
		queries: opts.Queries,
		audit:   opts.Audit,
		limiter: opts.Limiter,
		logger:  opts.Logger.With("subsystem", "httpapi"),
	}
}

// Routes returns the handler's mux, wrapped by the rate limiter when one is
// configured.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tickets", h.listTickets)
	mux.HandleFunc("GET /tickets/{id}", h.getTicket)
	mux.HandleFunc("GET /tickets/{id}/lock", h.lockStatus)
	mux.HandleFunc("POST /tickets/{id}/lock", h.acquireLock)
	mux.HandleFunc("POST /tickets/{id}/lock/renew", h.renewLock)
	mux.HandleFunc("DELETE /tickets/{id}/lock", h.releaseLock)
	mux.HandleFunc("GET /healthz", h.health)
	if h.limiter == nil {
		return mux
	}
	return ratelimit.Middleware(h.limiter, mux)
}

type lockRequest struct {
	Principal string `json:"principal"`
	TTL       int64  `json:"ttlSeconds,omitempty"`
}

type lockResponse struct {
	Locked   bool      `json:"locked"`
	LockedBy string    `json:"lockedBy,omitempty"`
	LockedAt time.Time `json:"lockedAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) acquireLock(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("id")
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Principal == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("principal is required"))
		return
	}

	ctx := r.Context()
	holder, err := h.locks.Holder(ctx, ticketID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if holder != nil && holder.LockedBy != req.Principal {
		h.writeLocked(w, r, ticketID, *holder)
		return
	}

	ok, err := h.locks.Acquire(ctx, ticketID, req.Principal, time.Duration(req.TTL)*time.Second)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok && (holder == nil || holder.LockedBy != req.Principal) {
		// Lost the admission race; report the winner.
		current, herr := h.locks.Holder(ctx, ticketID)
		if herr == nil && current != nil {
			h.writeLocked(w, r, ticketID, *current)
			return
		}
		h.writeError(w, http.StatusInternalServerError, errors.New("lock state unreadable after contended acquire"))
		return
	}

	h.emitAudit(r, fmt.Sprintf("%s locked the ticket: %s", req.Principal, ticketID))
	h.writeJSON(w, http.StatusOK, lockResponse{Locked: true, LockedBy: req.Principal})
}

func (h *Handler) releaseLock(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("id")
	removed, err := h.locks.Release(r.Context(), ticketID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if removed {
		h.emitAudit(r, fmt.Sprintf("ticket unlocked: %s", ticketID))
	}
	h.writeJSON(w, http.StatusOK, lockResponse{Locked: false})
}

func (h *Handler) renewLock(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("id")
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Principal == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("principal is required"))
		return
	}
	renewed, err := h.locks.Renew(r.Context(), ticketID, req.Principal, time.Duration(req.TTL)*time.Second)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !renewed {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("ticket %s is not locked by %s", ticketID, req.Principal))
		return
	}
	h.writeJSON(w, http.StatusOK, lockResponse{Locked: true, LockedBy: req.Principal})
}

func (h *Handler) lockStatus(w http.ResponseWriter, r *http.Request) {
	holder, err := h.locks.Holder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if holder == nil {
		h.writeJSON(w, http.StatusOK, lockResponse{Locked: false})
		return
	}
	h.writeJSON(w, http.StatusOK, lockResponse{Locked: true, LockedBy: holder.LockedBy, LockedAt: holder.LockedAt})
}

func (h *Handler) getTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	t, err := h.cache.CachedTicket(ctx, id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if t == nil {
		t, err = h.store.GetByID(ctx, id)
		if errors.Is(err, ticket.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, fmt.Errorf("ticket %s not found", id))
			return
		}
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if cerr := h.cache.CacheTicket(ctx, id, t, 0); cerr != nil {
			h.logger.Warn("ticketd.httpapi.cache_write_failed", "ticket", id, "error", cerr)
		}
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) listTickets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := queryFromRequest(r)

	ids, err := h.cache.CachedQueryResult(ctx, q)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ids == nil {
		if h.queries == nil {
			h.writeError(w, http.StatusNotFound, errors.New("query result not cached"))
			return
		}
		ids, err = h.queries.RunQuery(ctx, q)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if _, cerr := h.cache.CacheQueryResult(ctx, q, ids, 0); cerr != nil {
			h.logger.Warn("ticketd.httpapi.cache_write_failed", "query", q.Hash(), "error", cerr)
		}
	}

	tickets, err := h.cache.ResolveTickets(ctx, ids)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tickets == nil {
		tickets = []*ticket.Ticket{}
	}
	h.writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryFromRequest(r *http.Request) ticket.Query {
	params := r.URL.Query()
	limit, _ := strconv.Atoi(params.Get("limit"))
	return ticket.Query{
		Principal:      params.Get("principal"),
		Limit:          limit,
		OrderBy:        params.Get("orderBy"),
		OrderDirection: params.Get("orderDirection"),
		Status:         params.Get("status"),
		Priority:       params.Get("priority"),
		StartAfter:     params.Get("startAfter"),
	}
}

// writeLocked maps lock contention to a client error so the caller surfaces
// "being edited" instead of retrying blindly.
func (h *Handler) writeLocked(w http.ResponseWriter, r *http.Request, ticketID string, holder lock.Record) {
	err := &lock.LockedError{TicketID: ticketID, Holder: holder}
	h.emitError(r, err.Error())
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("ticketd.httpapi.request_failed", "status", status, "error", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) emitAudit(r *http.Request, text string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Audit(r.Context(), text); err != nil {
		h.logger.Warn("ticketd.httpapi.audit_failed", "error", err)
	}
}

func (h *Handler) emitError(r *http.Request, text string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Error(r.Context(), text); err != nil {
		h.logger.Warn("ticketd.httpapi.audit_failed", "error", err)
	}
}
