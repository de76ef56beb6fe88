// Package ticket holds the ticket domain model and the port to the
// source-of-truth document store. ticketd never owns ticket persistence; the
// Store interface is the seam the caching layer reconciles misses through.
package ticket

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store implementations when an ID has no document.
var ErrNotFound = errors.New("ticket not found")

// Ticket is the denormalized ticket document as cached and exchanged between
// services. The coordination core treats the payload as mostly opaque; only
// ID, Author, and Handler participate in routing decisions.
type Ticket struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author"`
	Handler     string    `json:"handler,omitempty"`
	HandlerID   string    `json:"handlerId,omitempty"`
	Type        string    `json:"type,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Deadline    time.Time `json:"deadline,omitempty"`
}

// Store is the read port to the source-of-truth document store. The cache
// calls it only on misses; store errors propagate to the caller unretried.
type Store interface {
	GetByID(ctx context.Context, id string) (*Ticket, error)
	// GetByIDs fetches the listed documents. IDs without a document are
	// skipped, not errors; the result order is unspecified.
	GetByIDs(ctx context.Context, ids []string) ([]*Ticket, error)
}
