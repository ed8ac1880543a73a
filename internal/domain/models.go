// Package domain defines the data types shared by the API client, the
// command dispatcher, the poll loop, and the local store.
package domain

import "time"

// Status is the outcome reported to the server for a command.
type Status string

// Command status values understood by the server.
const (
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusInProgress Status = "IN_PROGRESS"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusDone, StatusFailed, StatusInProgress:
		return true
	}
	return false
}

// Well-known action names.
const (
	// ActionPing is a keep-alive command; it is never handled nor acknowledged.
	ActionPing = "PING"
	// ActionSetup installs or rotates credentials. It is the only action
	// accepted while the device has no credentials.
	ActionSetup = "SETUP"
)

// Command is a unit of work pushed by the server through the long poll.
type Command struct {
	UID    string
	Action string
	Params map[string]string
}

// Param returns the named parameter or "" when absent.
func (c Command) Param(name string) string {
	if c.Params == nil {
		return ""
	}
	return c.Params[name]
}

// CommandStatus is the report sent back for a command.
type CommandStatus struct {
	UID    string
	Status Status
	Data   string
}

// HistoryEntry is one row of the local command journal.
type HistoryEntry struct {
	UID        string
	Action     string
	Status     Status
	Data       string
	ReceivedAt time.Time
	UpdatedAt  *time.Time
}
