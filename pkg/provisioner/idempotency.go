package provisioner

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// IdemStore remembers processed webhook events for a TTL horizon. It is
// defense in depth: the Control Plane's idempotency records are the
// source of truth, this store just short-circuits obvious duplicates
// before any network call.
type IdemStore interface {
	// MarkProcessed records the event and reports whether it was new.
	MarkProcessed(ctx context.Context, eventType, orderID string) (first bool, err error)
	Close() error
}

// MemoryIdem is the in-process store used when no durable path is
// configured.
type MemoryIdem struct {
	ttl  time.Duration
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryIdem builds a memory store with the given TTL horizon.
func NewMemoryIdem(ttl time.Duration) *MemoryIdem {
	return &MemoryIdem{ttl: ttl, seen: map[string]time.Time{}, now: time.Now}
}

func (m *MemoryIdem) MarkProcessed(_ context.Context, eventType, orderID string) (bool, error) {
	key := eventType + ":" + orderID
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, at := range m.seen {
		if now.Sub(at) > m.ttl {
			delete(m.seen, k)
		}
	}
	if at, ok := m.seen[key]; ok && now.Sub(at) <= m.ttl {
		return false, nil
	}
	m.seen[key] = now
	return true, nil
}

func (m *MemoryIdem) Close() error { return nil }

// SQLiteIdem persists processed events so replica restarts don't
// reopen the duplicate window.
type SQLiteIdem struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

const sqliteIdemSchema = `
CREATE TABLE IF NOT EXISTS processed_events (
    event_type  TEXT NOT NULL,
    order_id    TEXT NOT NULL,
    processed_at INTEGER NOT NULL,
    PRIMARY KEY (event_type, order_id)
);
`

// NewSQLiteIdem opens (and migrates) the durable store at path.
func NewSQLiteIdem(path string, ttl time.Duration) (*SQLiteIdem, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	if _, err := db.Exec(sqliteIdemSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init idempotency schema: %w", err)
	}
	return &SQLiteIdem{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *SQLiteIdem) MarkProcessed(ctx context.Context, eventType, orderID string) (bool, error) {
	now := s.now()
	cutoff := now.Add(-s.ttl).Unix()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`, cutoff); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_type, order_id, processed_at)
		 VALUES (?, ?, ?) ON CONFLICT (event_type, order_id) DO NOTHING`,
		eventType, orderID, now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteIdem) Close() error { return s.db.Close() }
