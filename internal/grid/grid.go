package grid

import (
	"context"
	"errors"
	"time"

	"gridsync/internal/models"
)

// ErrTransportUnavailable is returned when no grid could be started in any mode
var ErrTransportUnavailable = errors.New("grid transport unavailable")

// ErrClosed is returned by operations on a closed grid
var ErrClosed = errors.New("grid is closed")

// EntryListener receives mutation notifications for a map. Callbacks run on
// the grid's watcher goroutines, never on the goroutine doing the mutation.
type EntryListener interface {
	OnAdded(event models.ChangeEvent)
	OnUpdated(event models.ChangeEvent)
	OnRemoved(event models.ChangeEvent)
}

// Grid is a handle to a member of (or client to) a key/value cluster
type Grid interface {
	Name() string
	Mode() string
	Map(ctx context.Context, name string) (Map, error)
	Close() error
}

// Map is a named string-to-string map on the grid
type Map interface {
	Name() string
	// Put stores value and returns the previous value, if any.
	Put(ctx context.Context, key, value string) (models.Option[string], error)
	// PutWithTTL stores value; the entry expires after ttl.
	PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (models.Option[string], error)
	ContainsKey(ctx context.Context, key string) (bool, error)
	// KeySet returns the keys present in the map, sorted.
	KeySet(ctx context.Context) ([]string, error)
	// Replace stores value only if key is present and returns the value it
	// replaced.
	Replace(ctx context.Context, key, value string) (models.Option[string], error)
	// Remove deletes key and returns the value it held, if any.
	Remove(ctx context.Context, key string) (models.Option[string], error)
	Size(ctx context.Context) (int, error)
	// Clear drops every entry without per-entry notifications.
	Clear(ctx context.Context) error
	// AddEntryListener registers l; the returned func unregisters it.
	AddEntryListener(l EntryListener) (func(), error)
}

// dispatch routes an event to the matching listener callback.
func dispatch(l EntryListener, ev models.ChangeEvent) {
	switch ev.Kind {
	case models.Added:
		l.OnAdded(ev)
	case models.Updated:
		l.OnUpdated(ev)
	case models.Removed:
		l.OnRemoved(ev)
	}
}
