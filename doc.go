// Package ticketd is the coordination core of a ticket-tracking platform:
// distributed per-ticket edit locks and read-through caching on a shared
// key-value store, an AMQP messaging substrate with reconnecting producers
// and consumers, and a fixed-window request limiter in front of the HTTP
// surface.
//
// Ticket persistence is out of scope; ticketd reconciles cache misses through
// the ticket.Store port and leaves query evaluation to its caller.
package ticketd
