package cache

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/keyval"
	"pkt.systems/ticketd/internal/ticket"
)

// countingStore wraps a MemoryStore and records which IDs were fetched.
type countingStore struct {
	*ticket.MemoryStore
	mu      sync.Mutex
	fetched [][]string
}

func (s *countingStore) GetByIDs(ctx context.Context, ids []string) ([]*ticket.Ticket, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, append([]string(nil), ids...))
	s.mu.Unlock()
	return s.MemoryStore.GetByIDs(ctx, ids)
}

func newTestCache(t *testing.T) (*Cache, *countingStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	kv := keyval.NewMemory(clk)
	store := &countingStore{MemoryStore: ticket.NewMemoryStore()}
	return New(kv, store, Options{}), store, clk
}

func mkTicket(id string) *ticket.Ticket {
	return &ticket.Ticket{
		ID:        id,
		Title:     "title " + id,
		Author:    "alice",
		Status:    "open",
		CreatedAt: time.Unix(1_600_000_000, 0).UTC(),
	}
}

func TestTicketRoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	want := mkTicket("t1")
	if err := c.CacheTicket(ctx, "t1", want, 0); err != nil {
		t.Fatal(err)
	}
	got, err := c.CachedTicket(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestCachedTicketMissIsNil(t *testing.T) {
	c, _, _ := newTestCache(t)
	got, err := c.CachedTicket(context.Background(), "absent")
	if err != nil || got != nil {
		t.Fatalf("miss = %+v, %v; want nil, nil", got, err)
	}
}

func TestRemoveTicket(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.CacheTicket(ctx, "t1", mkTicket("t1"), 0)
	if removed, _ := c.RemoveTicket(ctx, "t1"); !removed {
		t.Fatalf("expected removal of cached entry")
	}
	if removed, _ := c.RemoveTicket(ctx, "t1"); removed {
		t.Fatalf("second removal should be a no-op")
	}
	if got, _ := c.CachedTicket(ctx, "t1"); got != nil {
		t.Fatalf("entry still cached after removal")
	}
}

func TestQueryResultRoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	q := ticket.Query{Principal: "alice", Limit: 10, OrderBy: "CreatedAt", OrderDirection: "desc"}

	if _, err := c.CacheQueryResult(ctx, q, []string{"t1", "t2"}, 0); err != nil {
		t.Fatal(err)
	}
	ids, err := c.CachedQueryResult(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"t1", "t2"}) {
		t.Fatalf("ids = %v; want [t1 t2]", ids)
	}

	other := q
	other.StartAfter = "t2"
	ids, err = c.CachedQueryResult(ctx, other)
	if err != nil || ids != nil {
		t.Fatalf("distinct cursor tuple must miss, got %v, %v", ids, err)
	}
}

func TestResolveTicketsPreservesOrder(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		store.Put(*mkTicket(id))
	}
	// Only t1 is payload-cached; t3 and t2 must be hydrated.
	_ = c.CacheTicket(ctx, "t1", mkTicket("t1"), 0)

	got, err := c.ResolveTickets(ctx, []string{"t3", "t1", "t2"})
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, tk := range got {
		order = append(order, tk.ID)
	}
	if !reflect.DeepEqual(order, []string{"t3", "t1", "t2"}) {
		t.Fatalf("order = %v; want [t3 t1 t2]", order)
	}

	store.mu.Lock()
	fetched := store.fetched
	store.mu.Unlock()
	if len(fetched) != 1 || !reflect.DeepEqual(fetched[0], []string{"t3", "t2"}) {
		t.Fatalf("store fetches = %v; want one batch [t3 t2]", fetched)
	}

	// Hydrated entries are individually re-cached.
	if cached, _ := c.CachedTicket(ctx, "t2"); cached == nil {
		t.Fatalf("t2 should be cached after hydration")
	}
}

func TestResolveTicketsScenario(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()
	q := ticket.Query{Principal: "alice"}

	store.Put(*mkTicket("t2"))
	_ = c.CacheTicket(ctx, "t1", mkTicket("t1"), 0)
	if _, err := c.CacheQueryResult(ctx, q, []string{"t1", "t2"}, 86400*time.Second); err != nil {
		t.Fatal(err)
	}

	ids, err := c.CachedQueryResult(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.ResolveTickets(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "t1" || got[1].ID != "t2" {
		t.Fatalf("resolved = %v; want [t1 t2]", got)
	}
	if cached, _ := c.CachedTicket(ctx, "t2"); cached == nil {
		t.Fatalf("t2 should be re-cached by ResolveTickets")
	}
}

func TestResolveTicketsDropsVanishedIDs(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	store.Put(*mkTicket("t1"))
	got, err := c.ResolveTickets(ctx, []string{"t1", "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("resolved = %v; want only t1", got)
	}
}

func TestCachedQueryExpiresByTTL(t *testing.T) {
	c, _, clk := newTestCache(t)
	ctx := context.Background()
	q := ticket.Query{Principal: "alice"}

	if _, err := c.CacheQueryResult(ctx, q, []string{"t1"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)
	ids, err := c.CachedQueryResult(ctx, q)
	if err != nil || ids != nil {
		t.Fatalf("expired query entry should miss, got %v, %v", ids, err)
	}
}
