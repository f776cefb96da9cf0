// Package model defines data structures for the inbound message core.
package model

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Channel names the messaging channel a message arrived on.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWebchat  Channel = "webchat"
)

// InboundMessage is one message received from a citizen.
type InboundMessage struct {
	ID             string            `json:"id"`
	Channel        Channel           `json:"channel"`
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Content        string            `json:"content"`
	ReceivedAt     time.Time         `json:"received_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every pipeline stage relies on.
func (m *InboundMessage) Validate() error {
	if m.UserID == "" {
		return errors.New("user_id is required")
	}
	if len(m.UserID) > 64 {
		return errors.New("user_id exceeds maximum length")
	}
	if m.Content == "" {
		return errors.New("content cannot be empty")
	}
	if len(m.Content) > 10000 {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(m.Content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ConversationKey returns the key batch windows are partitioned by.
func (m *InboundMessage) ConversationKey() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	return string(m.Channel) + ":" + m.UserID
}

// ReplySource records which pipeline stage produced a reply.
type ReplySource string

const (
	SourceLLM      ReplySource = "llm"
	SourceCache    ReplySource = "cache"
	SourceFallback ReplySource = "fallback"
	SourceDenied   ReplySource = "denied"
	SourceQueued   ReplySource = "queued"
	SourceBatched  ReplySource = "batched"
)

// Reply is what the pipeline hands back for one inbound message.
type Reply struct {
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Channel        Channel     `json:"channel"`
	Text           string      `json:"text,omitempty"`
	Source         ReplySource `json:"source"`
	// Suppress tells the caller to emit nothing to the end user.
	Suppress     bool            `json:"suppress,omitempty"`
	BatchedCount int             `json:"batched_count,omitempty"`
	Denial       *DenialNotice   `json:"denial,omitempty"`
	Fallback     *FallbackNotice `json:"fallback,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DenialNotice describes a policy denial.
type DenialNotice struct {
	Reason            string `json:"reason"`
	RetryAfterSec     int    `json:"retry_after,omitempty"`
	RemainingReports  int    `json:"remaining_reports"`
	CooldownRemaining int    `json:"cooldown_remaining,omitempty"`
}

// FallbackNotice describes a downstream dependency that was skipped or failed.
type FallbackNotice struct {
	Code          string `json:"code"`
	Dependency    string `json:"dependency"`
	RetryAfterSec int    `json:"retry_after,omitempty"`
}

// Delivered reports whether the pipeline already handed the reply to the
// channel sender. Other non-suppressed replies are left to the caller.
func (r *Reply) Delivered() bool {
	return r.Source == SourceLLM || r.Source == SourceCache
}
