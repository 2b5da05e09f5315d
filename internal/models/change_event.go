package models

import (
	"fmt"
	"time"
)

// ChangeKind identifies the mutation that produced a ChangeEvent
type ChangeKind string

const (
	Added   ChangeKind = "ADDED"
	Updated ChangeKind = "UPDATED"
	Removed ChangeKind = "REMOVED"
)

// ChangeEvent represents a single mutation observed on a grid map
type ChangeEvent struct {
	Map       string         `json:"map"`
	Key       string         `json:"key"`
	Kind      ChangeKind     `json:"kind"`
	NewValue  Option[string] `json:"new_value"`
	OldValue  Option[string] `json:"old_value"`
	Member    string         `json:"member,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewAddedEvent builds the event for a key that did not exist before.
func NewAddedEvent(mapName, key, value string) ChangeEvent {
	return ChangeEvent{
		Map:       mapName,
		Key:       key,
		Kind:      Added,
		NewValue:  Some(value),
		OldValue:  None[string](),
		Timestamp: time.Now(),
	}
}

// NewUpdatedEvent builds the event for an overwritten key.
func NewUpdatedEvent(mapName, key, oldValue, newValue string) ChangeEvent {
	return ChangeEvent{
		Map:       mapName,
		Key:       key,
		Kind:      Updated,
		NewValue:  Some(newValue),
		OldValue:  Some(oldValue),
		Timestamp: time.Now(),
	}
}

// NewRemovedEvent builds the event for a deleted key.
func NewRemovedEvent(mapName, key, oldValue string) ChangeEvent {
	return ChangeEvent{
		Map:       mapName,
		Key:       key,
		Kind:      Removed,
		NewValue:  None[string](),
		OldValue:  Some(oldValue),
		Timestamp: time.Now(),
	}
}

// NewPutEvent picks Added or Updated depending on whether a previous value existed.
func NewPutEvent(mapName, key, value string, previous Option[string]) ChangeEvent {
	if old, ok := previous.Get(); ok {
		return NewUpdatedEvent(mapName, key, old, value)
	}
	return NewAddedEvent(mapName, key, value)
}

// Record is the normalized description of a mutation that gets forwarded
// to the relational sink and the event bus.
type Record struct {
	Map       string            `json:"map"`
	Key       string            `json:"key"`
	Kind      ChangeKind        `json:"kind"`
	OldValue  Option[string]    `json:"old_value"`
	NewValue  Option[string]    `json:"new_value"`
	Member    string            `json:"member,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewRecord normalizes a change event.
func NewRecord(ev ChangeEvent) *Record {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Record{
		Map:       ev.Map,
		Key:       ev.Key,
		Kind:      ev.Kind,
		OldValue:  ev.OldValue,
		NewValue:  ev.NewValue,
		Member:    ev.Member,
		Timestamp: ts,
		Metadata:  map[string]string{},
	}
}

// EventType returns the event_type column value for the record
func (r *Record) EventType() string {
	return "MAP_ENTRY_" + string(r.Kind)
}

// Details renders the record the way it is stored in the event_data column.
func (r *Record) Details() string {
	switch r.Kind {
	case Updated:
		return fmt.Sprintf("Key: %s, New: %s, Old: %s", r.Key, r.NewValue.OrElse(""), r.OldValue.OrElse(""))
	case Removed:
		return fmt.Sprintf("Key: %s, Value: %s", r.Key, r.OldValue.OrElse(""))
	default:
		return fmt.Sprintf("Key: %s, Value: %s", r.Key, r.NewValue.OrElse(""))
	}
}

// Summary is the short message published on the bus for this record
func (r *Record) Summary() string {
	switch r.Kind {
	case Updated:
		return "Entry updated - Key: " + r.Key
	case Removed:
		return "Entry removed - Key: " + r.Key
	default:
		return "Entry added - Key: " + r.Key
	}
}
