package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"finch/internal/logging"
	"finch/internal/storage"
)

// MaxEntries bounds the history list.
const MaxEntries = 5

// Entry is one remembered server.
type Entry struct {
	URL        string    `json:"url"`
	LastUsedAt time.Time `json:"last_used_at"`
	ServerID   string    `json:"server_id,omitempty"`
	ServerName string    `json:"server_name,omitempty"`
}

// Tracker persists server history.
type Tracker struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker builds a tracker backed by db.
func NewTracker(db *storage.DB, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		db:     db,
		logger: logging.NewComponentLogger(logger, "history"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record moves url to the front of the history.
func (t *Tracker) Record(ctx context.Context, url string) error {
	return t.RecordServer(ctx, Entry{URL: url})
}

// RecordServer moves entry.URL to the front and stores the optional server
// identity alongside it. Older entries beyond MaxEntries are evicted.
func (t *Tracker) RecordServer(ctx context.Context, entry Entry) error {
	url := strings.TrimSpace(entry.URL)
	if url == "" {
		return errors.New("history: url is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted int64
	err := t.db.WithTx(ctx, func(tx *sql.Tx) error {
		stamp, err := t.nextStamp(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO server_history (url, server_id, server_name, last_used_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				last_used_at = excluded.last_used_at,
				server_id = COALESCE(excluded.server_id, server_history.server_id),
				server_name = COALESCE(excluded.server_name, server_history.server_name)`,
			url,
			storage.NullableString(entry.ServerID),
			storage.NullableString(entry.ServerName),
			storage.FormatTime(stamp),
		); err != nil {
			return fmt.Errorf("upsert history entry: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM server_history
			WHERE url NOT IN (
				SELECT url FROM server_history ORDER BY last_used_at DESC LIMIT ?
			)`, MaxEntries)
		if err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		evicted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	t.logger.Debug("server recorded in history",
		logging.String(logging.FieldServerURL, url),
		logging.Int64("evicted", evicted),
	)
	return nil
}

// List returns entries most-recent-first.
func (t *Tracker) List(ctx context.Context) ([]Entry, error) {
	rows, err := t.db.Query(ctx, `
		SELECT url, server_id, server_name, last_used_at
		FROM server_history
		ORDER BY last_used_at DESC
		LIMIT ?`, MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, MaxEntries)
	for rows.Next() {
		var (
			entry    Entry
			serverID sql.NullString
			name     sql.NullString
			rawTime  string
		)
		if err := rows.Scan(&entry.URL, &serverID, &name, &rawTime); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.ServerID = serverID.String
		entry.ServerName = name.String
		if entry.LastUsedAt, err = storage.ParseTime(rawTime); err != nil {
			return nil, fmt.Errorf("parse history timestamp: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// nextStamp returns the current time, nudged past the newest stored entry so
// ordering follows insertion even when the clock stalls or steps backwards.
func (t *Tracker) nextStamp(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	now := t.now().UTC()
	var latest sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT MAX(last_used_at) FROM server_history`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("read latest history timestamp: %w", err)
	}
	if !latest.Valid {
		return now, nil
	}
	prev, err := storage.ParseTime(latest.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse history timestamp: %w", err)
	}
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now, nil
}
