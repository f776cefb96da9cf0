package model

import (
	"time"
)

// EventType represents the type of operational event.
type EventType string

const (
	EventTypeDeadLetter EventType = "dead_letter"
	EventTypeTakeover   EventType = "takeover"
)

// OperationalEvent is published when a message needs operator attention.
type OperationalEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrorResponse is the JSON body of every error returned over HTTP.
type ErrorResponse struct {
	Error string `json:"error"`
}
