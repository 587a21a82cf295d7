package models

import (
	"strings"
	"time"

	apperrors "sendqueue/internal/errors"
)

// Status is the delivery state of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusError:
		return true
	}
	return false
}

// Drainable reports whether an entry in this state is picked up by a drain.
func (s Status) Drainable() bool {
	return s == StatusPending || s == StatusError
}

// Draft is an outbound chat message that the backend has not accepted yet.
type Draft struct {
	ChatTarget string `json:"chatid"`
	Text       string `json:"text"`
	Photo      string `json:"photo,omitempty"`
	Position   string `json:"position,omitempty"`
}

// Validate checks that the draft names a chat and carries some content.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.ChatTarget) == "" {
		return apperrors.NewValidationError("chatid", "chatid required")
	}
	if strings.TrimSpace(d.Text) == "" && d.Photo == "" && d.Position == "" {
		return apperrors.NewValidationError("text", "text, photo or position required")
	}
	return nil
}

// QueuedMessage is a pending outbound chat message held by the offline queue.
// ID is local to the queue and unrelated to the id the backend assigns on
// delivery. CreatedAt is never sent to the backend.
type QueuedMessage struct {
	ID         string    `json:"id"`
	ChatTarget string    `json:"chatid"`
	Text       string    `json:"text"`
	Photo      string    `json:"photo,omitempty"`
	Position   string    `json:"position,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Draft returns the message content without the queue bookkeeping.
func (m QueuedMessage) Draft() Draft {
	return Draft{
		ChatTarget: m.ChatTarget,
		Text:       m.Text,
		Photo:      m.Photo,
		Position:   m.Position,
	}
}
