package accessory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	historyQueueSize    = 512
	historyWriteTimeout = 5 * time.Second
)

// HistoryEntry is one recorded state transition.
type HistoryEntry struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Previous  Value        `json:"previous"`
	State     Value        `json:"state"`
	Source    ChangeSource `json:"source"`
	CreatedAt time.Time    `json:"created_at"`
}

// SQLiteHistory stores state transitions in the state_history table.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a history repository over an open, migrated
// database.
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

// Record inserts one transition.
func (r *SQLiteHistory) Record(ctx context.Context, change StateChange) error {
	if change.Name == "" {
		return ErrNameRequired
	}
	previous, err := encodeState(change.Previous)
	if err != nil {
		return err
	}
	current, err := encodeState(change.Current)
	if err != nil {
		return err
	}
	if !current.Valid {
		current = sql.NullString{String: "null", Valid: true}
	}

	at := change.Time
	if at.IsZero() {
		at = time.Now()
	}
	source := change.Source
	if source == "" {
		source = SourcePoll
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO state_history (accessory, previous, state, source, created_at) VALUES (?, ?, ?, ?, ?)",
		change.Name,
		previous,
		current.String,
		string(source),
		at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// History returns the newest entries for name, newest first. limit defaults
// to 50 and is capped at 500.
func (r *SQLiteHistory) History(ctx context.Context, name string, t Type, limit int) ([]HistoryEntry, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, accessory, previous, state, source, created_at
		 FROM state_history
		 WHERE accessory = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e         HistoryEntry
			previous  sql.NullString
			state     string
			source    string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Name, &previous, &state, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		e.Source = ChangeSource(source)

		if previous.Valid {
			if e.Previous, err = decodeState(t, previous.String); err != nil {
				return nil, err
			}
		}
		if e.State, err = decodeState(t, state); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and returns how many went.
func (r *SQLiteHistory) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("accessory: prune age must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// HistoryRecorder is a StateObserver that writes changes to a SQLiteHistory
// from its own goroutine, so the platform loop never waits on the database.
// Changes arriving while the queue is full are dropped and counted.
type HistoryRecorder struct {
	repo   *SQLiteHistory
	logger Logger
	queue  chan StateChange

	mu      sync.Mutex
	dropped uint64
}

// NewHistoryRecorder creates a recorder. Call Run to start writing.
func NewHistoryRecorder(repo *SQLiteHistory, logger Logger) *HistoryRecorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &HistoryRecorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan StateChange, historyQueueSize),
	}
}

// StateChanged implements StateObserver.
func (h *HistoryRecorder) StateChanged(change StateChange) {
	select {
	case h.queue <- change:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// Dropped returns how many changes were discarded because the queue was full.
func (h *HistoryRecorder) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Run writes queued changes until ctx is cancelled, then flushes what is
// left.
func (h *HistoryRecorder) Run(ctx context.Context) {
	for {
		select {
		case change := <-h.queue:
			h.write(change)
		case <-ctx.Done():
			for {
				select {
				case change := <-h.queue:
					h.write(change)
				default:
					return
				}
			}
		}
	}
}

func (h *HistoryRecorder) write(change StateChange) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := h.repo.Record(ctx, change); err != nil {
		h.logger.Warn("recording state history failed", "device", change.Name, "error", err)
	}
}

// PruneEvery deletes history older than retention on every tick until ctx
// is cancelled.
func (r *SQLiteHistory) PruneEvery(ctx context.Context, interval, retention time.Duration, logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Prune(ctx, retention)
			if err != nil {
				logger.Warn("pruning state history failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("state history pruned", "deleted", n)
			}
		}
	}
}
