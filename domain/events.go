package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthEventKind defines the kind of auth backend event
type AuthEventKind string

const (
	EventSignedIn       AuthEventKind = "SIGNED_IN"
	EventSignedOut      AuthEventKind = "SIGNED_OUT"
	EventTokenRefreshed AuthEventKind = "TOKEN_REFRESHED"
	EventInitialSession AuthEventKind = "INITIAL_SESSION"
)

// AuthEvent is delivered by AuthClient.OnAuthStateChange
type AuthEvent struct {
	Kind    AuthEventKind `json:"event"`
	Session *Session      `json:"session,omitempty"`
}

// NewAuthEvent creates an auth event for the given session (nil for sign-out)
func NewAuthEvent(kind AuthEventKind, session *Session) AuthEvent {
	return AuthEvent{Kind: kind, Session: session}
}

// UserID returns the identity id carried by the event, or ""
func (e AuthEvent) UserID() string {
	if e.Session == nil {
		return ""
	}
	return e.Session.User.ID
}

// ChangeType is the row operation reported by the change feed
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeFilter scopes a change-feed subscription to one table and an optional
// column equality filter.
type ChangeFilter struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// String renders the filter in the backend's "column=eq.value" notation
func (f ChangeFilter) String() string {
	if f.Column == "" {
		return f.Table
	}
	return fmt.Sprintf("%s:%s=eq.%s", f.Table, f.Column, f.Value)
}

// Matches reports whether the event falls inside the filter
func (f ChangeFilter) Matches(e ChangeEvent) bool {
	if f.Table != e.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	rec := e.Record
	if e.Type == ChangeDelete && len(e.OldRecord) > 0 {
		rec = e.OldRecord
	}
	v, ok := rec[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// ChangeEvent represents a single row change
type ChangeEvent struct {
	Table     string         `json:"table"`
	Type      ChangeType     `json:"type"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
	Timestamp time.Time      `json:"commit_timestamp"`
}

// NewChangeEvent creates a change event with the timestamp populated
func NewChangeEvent(table string, kind ChangeType, record map[string]any) ChangeEvent {
	return ChangeEvent{
		Table:     table,
		Type:      kind,
		Record:    record,
		Timestamp: time.Now().UTC(),
	}
}

// WithOldRecord sets the previous row image
func (e ChangeEvent) WithOldRecord(old map[string]any) ChangeEvent {
	e.OldRecord = old
	return e
}

// ProfileRecord converts a profile into the row map carried by change events
func ProfileRecord(p *Profile) map[string]any {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{"id": p.ID}
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return map[string]any{"id": p.ID}
	}
	delete(rec, "__source")
	return rec
}
