// Package sqlite provides a durable.Store backed by a SQLite database file.
// The background worker and the foreground console open the same file; WAL
// mode and a busy timeout let both processes read and write concurrently.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ggoodman/pushguard/durable"
	"github.com/ggoodman/pushguard/notification"
)

// Config controls the SQLite store.
type Config struct {
	// Path is the database file shared by every process.
	Path string
	// BusyTimeout bounds how long a connection waits on another writer.
	// Default: 5s.
	BusyTimeout time.Duration
	// Logger receives soft-fail diagnostics. Nil discards.
	Logger *slog.Logger
}

// Store implements durable.Store on SQLite.
type Store struct {
	db   *sqlx.DB
	path string
	log  *slog.Logger

	mu     sync.Mutex
	opened bool
}

// row mirrors the notifications table.
type row struct {
	ID        string         `db:"id"`
	Title     string         `db:"title"`
	Body      string         `db:"body"`
	Image     sql.NullString `db:"image"`
	Timestamp string         `db:"timestamp"`
	Read      bool           `db:"read"`
	Data      sql.NullString `db:"data"`
}

// New opens a connection pool onto the database file. The schema is not
// created until Open is called.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	dsn := "file:" + cfg.Path + "?" + q.Encode()

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite db: %v", durable.ErrOpen, err)
	}
	return &Store{db: db, path: cfg.Path, log: log}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Open implements durable.Store.Open.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	if err := s.runMigrations(ctx); err != nil {
		return fmt.Errorf("%w: %v", durable.ErrOpen, err)
	}
	s.opened = true
	return nil
}

// Add implements durable.Store.Add.
func (s *Store) Add(ctx context.Context, r notification.Record) error {
	var data sql.NullString
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("%w: encoding data for %q: %v", durable.ErrWrite, r.ID, err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	image := sql.NullString{String: r.Image, Valid: r.Image != ""}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, title, body, image, timestamp, read, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Title, r.Body, image, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Read, data,
	)
	if err != nil {
		return fmt.Errorf("%w: inserting %q: %v", durable.ErrWrite, r.ID, err)
	}
	return nil
}

// GetAll implements durable.Store.GetAll.
func (s *Store) GetAll(ctx context.Context) ([]notification.Record, error) {
	exists, err := s.tableExists(ctx, "notifications")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", durable.ErrUnavailable, err)
	}
	if !exists {
		s.log.DebugContext(ctx, "durable.getall.missing_schema", slog.String("path", s.path))
		return []notification.Record{}, nil
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, title, body, image, timestamp, read, data FROM notifications`); err != nil {
		return nil, fmt.Errorf("%w: selecting notifications: %v", durable.ErrUnavailable, err)
	}

	out := make([]notification.Record, 0, len(rows))
	for _, rw := range rows {
		rec, err := rw.record()
		if err != nil {
			s.log.WarnContext(ctx, "durable.getall.skip_row", slog.String("id", rw.ID), slog.String("err", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Clear implements durable.Store.Clear.
func (s *Store) Clear(ctx context.Context) error {
	exists, err := s.tableExists(ctx, "notifications")
	if err != nil {
		return fmt.Errorf("%w: %v", durable.ErrUnavailable, err)
	}
	if !exists {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications`); err != nil {
		return fmt.Errorf("%w: clearing notifications: %v", durable.ErrUnavailable, err)
	}
	return nil
}

// Close implements durable.Store.Close.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name)
	if err != nil {
		return false, fmt.Errorf("checking %s table: %w", name, err)
	}
	return n > 0, nil
}

func (rw row) record() (notification.Record, error) {
	ts, err := time.Parse(time.RFC3339Nano, rw.Timestamp)
	if err != nil {
		return notification.Record{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	rec := notification.Record{
		ID:        rw.ID,
		Title:     rw.Title,
		Body:      rw.Body,
		Image:     rw.Image.String,
		Timestamp: ts,
		Read:      rw.Read,
	}
	if rw.Data.Valid && rw.Data.String != "" {
		if err := json.Unmarshal([]byte(rw.Data.String), &rec.Data); err != nil {
			return notification.Record{}, fmt.Errorf("parsing data: %w", err)
		}
	}
	return rec, nil
}

var _ durable.Store = (*Store)(nil)
