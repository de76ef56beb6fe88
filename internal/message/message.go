// Package message defines the envelopes exchanged between services over the
// broker. Envelopes are immutable once serialized and are published with the
// persistence flag so the broker retains them across restarts until a
// consumer acknowledges them.
package message

import "time"

// Log levels routed on the topic exchange as log.<level>.<service>.
const (
	LogAudit   = "audit"
	LogError   = "error"
	LogMonitor = "monitor"
)

// Log is an audit/error/monitoring entry bound for the logging service.
type Log struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Service   string    `json:"service"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is fanned out to every subscriber of the addressed user.
type Notification struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Ticket    string    `json:"ticket,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Version announces a service's deployed version on startup.
type Version struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// User is the projection returned by the user service for lookup requests.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// UserLookupRequest asks the user service to resolve a set of user IDs. It
// travels on the users work queue with a reply-to queue and correlation ID.
type UserLookupRequest struct {
	UserIDs []string `json:"userIds"`
}

// UserLookupReply carries the resolved users back on the reply queue.
type UserLookupReply struct {
	Users []User `json:"users"`
}
