package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"
	"github.com/openvine/vinesync/config"
)

// Storage provides durable local storage for the engine: raw events through
// an embedded khatru relay backed by the eventstore SQLite backend, and
// reconciled collection blobs plus subscription cursors in side tables on
// the same database handle.
type Storage struct {
	relay   *khatru.Relay
	backend *sqlite3.SQLite3Backend
	db      *sqlx.DB
	config  *config.Cache
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Cache) (*Storage, error) {
	s := &Storage{
		config: cfg,
	}

	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Driver)
	}

	if err := s.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// initSQLite wires the eventstore SQLite backend into an embedded khatru relay
func (s *Storage) initSQLite(ctx context.Context) error {
	backend := &sqlite3.SQLite3Backend{
		DatabaseURL: s.config.SQLitePath,
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to init eventstore backend: %w", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)

	s.backend = backend
	s.relay = relay
	s.db = backend.DB
	return nil
}

// runMigrations creates the engine's side tables
func (s *Storage) runMigrations(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			name TEXT PRIMARY KEY,
			since INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create side table: %w", err)
		}
	}
	return nil
}

// Relay returns the underlying khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// StoreEvent stores a raw event in the local event cache
func (s *Storage) StoreEvent(ctx context.Context, event *nostr.Event) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	for _, handler := range s.relay.StoreEvent {
		if err := handler(ctx, event); err != nil {
			// Re-storing an already cached event is a no-op
			if errors.Is(err, eventstore.ErrDupEvent) {
				continue
			}
			return fmt.Errorf("failed to store event: %w", err)
		}
	}

	return nil
}

// EventExists checks if an event already exists in storage (for deduplication)
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	filter := nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	}

	events, err := s.QueryEvents(ctx, filter)
	if err != nil {
		return false, err
	}

	return len(events) > 0, nil
}

// QueryEvents queries cached raw events using a Nostr filter
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if s.relay == nil {
		return nil, fmt.Errorf("relay not initialized")
	}
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}

	return events, nil
}

// DeleteEvent deletes a cached raw event by ID
func (s *Storage) DeleteEvent(ctx context.Context, eventID string) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	// khatru's DeleteEvent handlers need the full event
	filter := nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	}

	events, err := s.QueryEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to query event before delete: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, events[0]); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}

	return nil
}

// PruneEventsBefore deletes cached raw events created strictly before the
// cutoff. Returns the number of events deleted.
func (s *Storage) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	// Until is inclusive, so step back one second to keep events created
	// exactly at the cutoff
	until := nostr.Timestamp(cutoff.Unix() - 1)
	filter := nostr.Filter{
		Until: &until,
		Limit: 5000,
	}

	deleted := 0
	for {
		events, err := s.QueryEvents(ctx, filter)
		if err != nil {
			return deleted, fmt.Errorf("failed to query old events: %w", err)
		}
		if len(events) == 0 {
			return deleted, nil
		}

		for _, event := range events {
			for _, handler := range s.relay.DeleteEvent {
				if err := handler(ctx, event); err != nil {
					return deleted, fmt.Errorf("failed to prune event: %w", err)
				}
			}
			deleted++
		}

		if len(events) < filter.Limit {
			return deleted, nil
		}
	}
}

// SaveCollection upserts one reconciled collection blob
func (s *Storage) SaveCollection(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save collection %s: %w", name, err)
	}
	return nil
}

// LoadCollection returns a collection blob, or nil if absent
func (s *Storage) LoadCollection(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM collections WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", name, err)
	}
	return data, nil
}

// DeleteCollection removes a collection blob
func (s *Storage) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

// ListCollections returns the names of all persisted collections
func (s *Storage) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT name FROM collections ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

// SaveCursor persists a named since-cursor
func (s *Storage) SaveCursor(ctx context.Context, name string, since int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (name, since, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET since = excluded.since, updated_at = excluded.updated_at`,
		name, since, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}

// GetCursor returns a named since-cursor, or 0 if none exists
func (s *Storage) GetCursor(ctx context.Context, name string) (int64, error) {
	var since int64
	err := s.db.GetContext(ctx, &since, `SELECT since FROM cursors WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor %s: %w", name, err)
	}
	return since, nil
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
