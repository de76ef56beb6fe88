package ticket

import "testing"

func TestQueryHashStable(t *testing.T) {
	q := Query{Principal: "alice", Limit: 10, OrderBy: "CreatedAt", OrderDirection: "desc"}
	if q.Hash() != q.Hash() {
		t.Fatalf("hash must be deterministic")
	}
}

func TestQueryHashDistinguishesCursor(t *testing.T) {
	base := Query{Principal: "alice", Limit: 10, OrderBy: "CreatedAt", OrderDirection: "desc"}
	paged := base
	paged.StartAfter = "ticket-42"
	if base.Hash() == paged.Hash() {
		t.Fatalf("queries differing only in StartAfter must hash differently")
	}
}

func TestQueryHashDistinguishesAdjacentFields(t *testing.T) {
	// Without field separators "ab"+"" and "a"+"b" would collide.
	a := Query{Status: "ab"}
	b := Query{Status: "a", Priority: "b"}
	if a.Hash() == b.Hash() {
		t.Fatalf("adjacent field values must not collide")
	}
}
