package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EventType tags the payload carried by an Envelope
type EventType string

const (
	SystemEventType EventType = "SYSTEM_EVENT"
	UserEventType   EventType = "USER_EVENT"
)

// Levels used by system events.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// ErrInvalidEnvelope is returned when an envelope does not match its schema
var ErrInvalidEnvelope = errors.New("invalid envelope")

// validate caches struct metadata; validator instances are safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// SystemEvent describes something that happened inside a component
type SystemEvent struct {
	Component string `json:"component" validate:"required"`
	Level     string `json:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	Message   string `json:"message" validate:"required"`
}

// UserEvent describes an action taken on behalf of a user
type UserEvent struct {
	UserID   string `json:"user_id" validate:"required"`
	Username string `json:"username,omitempty"`
	Action   string `json:"action" validate:"required"`
	Details  string `json:"details,omitempty"`
}

// Envelope is the message published on the event bus. Exactly one of
// System or User is set, matching Type.
type Envelope struct {
	ID        string            `json:"id" validate:"required,uuid"`
	Type      EventType         `json:"event_type" validate:"required,oneof=SYSTEM_EVENT USER_EVENT"`
	Timestamp time.Time         `json:"timestamp" validate:"required"`
	System    *SystemEvent      `json:"system,omitempty" validate:"required_if=Type SYSTEM_EVENT,excluded_unless=Type SYSTEM_EVENT"`
	User      *UserEvent        `json:"user,omitempty" validate:"required_if=Type USER_EVENT,excluded_unless=Type USER_EVENT"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewSystemEnvelope wraps a system event
func NewSystemEnvelope(component, level, message string) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      SystemEventType,
		Timestamp: time.Now().UTC(),
		System: &SystemEvent{
			Component: component,
			Level:     level,
			Message:   message,
		},
		Metadata: map[string]string{},
	}
}

// NewUserEnvelope wraps a user event
func NewUserEnvelope(userID, username, action, details string) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      UserEventType,
		Timestamp: time.Now().UTC(),
		User: &UserEvent{
			UserID:   userID,
			Username: username,
			Action:   action,
			Details:  details,
		},
		Metadata: map[string]string{},
	}
}

// Validate checks the envelope against its schema.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
