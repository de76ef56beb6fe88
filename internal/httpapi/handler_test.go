package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/ticketd/internal/cache"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/httpapi"
	"pkt.systems/ticketd/internal/keyval"
	"pkt.systems/ticketd/internal/lock"
	"pkt.systems/ticketd/internal/ratelimit"
	"pkt.systems/ticketd/internal/ticket"
)

type auditRecorder struct {
	mu     sync.Mutex
	audits []string
	errs   []string
}

func (a *auditRecorder) Audit(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audits = append(a.audits, text)
	return nil
}

func (a *auditRecorder) Error(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, text)
	return nil
}

type staticQueries struct {
	ids  []string
	runs int
}

func (s *staticQueries) RunQuery(ctx context.Context, q ticket.Query) ([]string, error) {
	s.runs++
	return s.ids, nil
}

func newHandler(t *testing.T, clk clock.Clock) (*httpapi.Handler, *ticket.MemoryStore, *auditRecorder, *staticQueries) {
	t.Helper()
	kv := keyval.NewMemory(clk)
	store := ticket.NewMemoryStore()
	audit := &auditRecorder{}
	queries := &staticQueries{}
	h := httpapi.New(httpapi.Options{
		Locks:   lock.NewManager(kv, lock.Options{Clock: clk}),
		Cache:   cache.New(kv, store, cache.Options{}),
		Store:   store,
		Queries: queries,
		Audit:   audit,
	})
	return h, store, audit, queries
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "10.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLockRoundTrip(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h, _, audit, _ := newHandler(t, clk)
	mux := h.Routes()

	rec := do(t, mux, http.MethodPost, "/tickets/T1/lock", `{"principal":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, http.MethodGet, "/tickets/T1/lock", "")
	var status struct {
		Locked   bool   `json:"locked"`
		LockedBy string `json:"lockedBy"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.Locked || status.LockedBy != "alice" {
		t.Fatalf("lock status = %+v", status)
	}

	rec = do(t, mux, http.MethodDelete, "/tickets/T1/lock", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("release status = %d", rec.Code)
	}
	rec = do(t, mux, http.MethodGet, "/tickets/T1/lock", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Locked {
		t.Fatalf("ticket still locked after release")
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.audits) != 2 {
		t.Fatalf("audit entries = %v; want acquire + release", audit.audits)
	}
	if !strings.Contains(audit.audits[0], "alice locked the ticket: T1") {
		t.Fatalf("audit[0] = %q", audit.audits[0])
	}
}

func TestContendedLockRejectedWithClientError(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h, _, audit, _ := newHandler(t, clk)
	mux := h.Routes()

	do(t, mux, http.MethodPost, "/tickets/T1/lock", `{"principal":"alice"}`)
	rec := do(t, mux, http.MethodPost, "/tickets/T1/lock", `{"principal":"bob"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("contended acquire status = %d; want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "being edited by alice") {
		t.Fatalf("contended body = %s", rec.Body.String())
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.errs) != 1 {
		t.Fatalf("error log entries = %v; want 1", audit.errs)
	}
}

func TestMissingPrincipalRejected(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	h, _, _, _ := newHandler(t, clk)
	rec := do(t, h.Routes(), http.MethodPost, "/tickets/T1/lock", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestGetTicketFallsBackToStoreAndCaches(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h, store, _, _ := newHandler(t, clk)
	mux := h.Routes()
	store.Put(ticket.Ticket{ID: "T1", Title: "printer on fire", Author: "alice"})

	rec := do(t, mux, http.MethodGet, "/tickets/T1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var got ticket.Ticket
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "printer on fire" {
		t.Fatalf("ticket = %+v", got)
	}

	// Second read is served from the cache even after the document vanishes.
	store.Delete("T1")
	rec = do(t, mux, http.MethodGet, "/tickets/T1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cached read status = %d", rec.Code)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	h, _, _, _ := newHandler(t, clk)
	rec := do(t, h.Routes(), http.MethodGet, "/tickets/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", rec.Code)
	}
}

func TestListTicketsCachesQueryResult(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h, store, _, queries := newHandler(t, clk)
	mux := h.Routes()
	store.Put(ticket.Ticket{ID: "T1", Title: "one", Author: "alice"})
	store.Put(ticket.Ticket{ID: "T2", Title: "two", Author: "bob"})
	queries.ids = []string{"T2", "T1"}

	rec := do(t, mux, http.MethodGet, "/tickets?status=open&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var got []*ticket.Ticket
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "T2" || got[1].ID != "T1" {
		t.Fatalf("tickets = %+v; want cached order T2, T1", got)
	}
	if queries.runs != 1 {
		t.Fatalf("query runs = %d; want 1", queries.runs)
	}

	// Same parameters hit the cached ID list; the runner is not consulted.
	do(t, mux, http.MethodGet, "/tickets?status=open&limit=10", "")
	if queries.runs != 1 {
		t.Fatalf("query runs after cached read = %d; want 1", queries.runs)
	}

	// A different cursor is a different query.
	do(t, mux, http.MethodGet, "/tickets?status=open&limit=10&startAfter=T2", "")
	if queries.runs != 2 {
		t.Fatalf("query runs after cursor change = %d; want 2", queries.runs)
	}
}

func TestRoutesApplyRateLimit(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	kv := keyval.NewMemory(clk)
	store := ticket.NewMemoryStore()
	h := httpapi.New(httpapi.Options{
		Locks:   lock.NewManager(kv, lock.Options{Clock: clk}),
		Cache:   cache.New(kv, store, cache.Options{}),
		Store:   store,
		Limiter: ratelimit.New(ratelimit.Options{Clock: clk, Window: time.Minute, Max: 2}),
	})
	mux := h.Routes()

	do(t, mux, http.MethodGet, "/tickets/T1/lock", "")
	do(t, mux, http.MethodGet, "/tickets/T1/lock", "")
	rec := do(t, mux, http.MethodGet, "/tickets/T1/lock", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d; want 429", rec.Code)
	}
}
