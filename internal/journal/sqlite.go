package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// writeTimeout bounds a single insert issued from HandleEvent.
	writeTimeout = 5 * time.Second
)

// SQLite stores lifecycle events in the lifecycle_events table.
type SQLite struct {
	db     *sql.DB
	logger device.Logger
	failed atomic.Int64
}

// NewSQLite creates a journal over an open, migrated database.
func NewSQLite(db *sql.DB, logger device.Logger) *SQLite {
	if logger == nil {
		logger = nopLogger{}
	}
	return &SQLite{db: db, logger: logger}
}

// Append inserts r. Records with a duplicate ID are ignored.
func (s *SQLite) Append(ctx context.Context, r Record) error {
	if r.ID == "" || r.Type == "" {
		return fmt.Errorf("journal record requires id and type")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO lifecycle_events
		 (id, type, node, parent, module, driver, confidence, cycle, state, error, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.Node, r.Parent, r.Module, r.Driver, r.Confidence,
		int64(r.Cycle), r.State, r.Error, r.Time.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting lifecycle event: %w", err)
	}
	return nil
}

// HandleEvent implements device.EventSink. It performs a blocking insert,
// so the manager should reach it through a device.AsyncSink.
func (s *SQLite) HandleEvent(ev device.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Append(ctx, FromEvent(ev)); err != nil {
		s.failed.Add(1)
		s.logger.Warn("journal write failed", "event", string(ev.Type), "node", ev.Node.String(), "error", err)
	}
}

// Failed returns the number of events HandleEvent could not store.
func (s *SQLite) Failed() int64 {
	return s.failed.Load()
}

// List returns matching records, newest first. Limit defaults to 50 and is
// capped at 500.
func (s *SQLite) List(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT id, type, node, parent, module, driver, confidence, cycle, state, error, occurred_at
		FROM lifecycle_events WHERE 1=1`
	var args []any
	if q.Node != "" {
		query += " AND node = ?"
		args = append(args, q.Node)
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, q.Since.UTC().UnixNano())
	}
	query += " ORDER BY occurred_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle events: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		var cycle, occurred int64
		if err := rows.Scan(&r.ID, &r.Type, &r.Node, &r.Parent, &r.Module, &r.Driver,
			&r.Confidence, &cycle, &r.State, &r.Error, &occurred); err != nil {
			return nil, fmt.Errorf("scanning lifecycle event: %w", err)
		}
		r.Cycle = uint64(cycle)
		r.Time = time.Unix(0, occurred).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lifecycle events: %w", err)
	}
	return records, nil
}

// Prune deletes records older than olderThan and reports how many went.
func (s *SQLite) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().Add(-olderThan).UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, "DELETE FROM lifecycle_events WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning lifecycle events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}
	return n, nil
}

// RunRetention prunes records older than retention every interval until
// ctx is cancelled.
func (s *SQLite) RunRetention(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx, retention)
			if err != nil {
				s.logger.Warn("journal prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("journal pruned", "deleted", n, "retention", retention.String())
			}
		}
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

var _ device.EventSink = (*SQLite)(nil)
