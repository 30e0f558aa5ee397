// Package metering records per-run usage events for reporting. Recording
// is best effort: billing correctness never depends on a usage row.
package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gsvlabs/cmp/pkg/domain"
)

// Event is one settled run's usage report.
type Event struct {
	ID            string           `json:"id"`
	InstanceID    string           `json:"instance_id"`
	ReservationID string           `json:"reservation_id,omitempty"`
	Usage         map[string]int64 `json:"usage"`
	Credits       int64            `json:"credits"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Recorder persists usage events.
type Recorder interface {
	Record(ctx context.Context, e *Event) error
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]Event, error)
}

// MemoryRecorder keeps events in process for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *MemoryRecorder) ListByInstance(_ context.Context, instanceID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].InstanceID == instanceID {
			out = append(out, m.events[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// PostgresRecorder writes events to the usage_events table. It shares the
// pool of the main store.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder { return &PostgresRecorder{db: db} }

func (p *PostgresRecorder) Record(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	usage, err := json.Marshal(e.Usage)
	if err != nil {
		usage = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, instance_id, reservation_id, usage, credits, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.InstanceID, e.ReservationID, usage, e.Credits, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record usage event: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) ListByInstance(ctx context.Context, instanceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, instance_id, reservation_id, usage, credits, created_at
		 FROM usage_events WHERE instance_id = $1 ORDER BY created_at DESC LIMIT $2`,
		instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var usage []byte
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ReservationID, &usage, &e.Credits, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(usage, &e.Usage)
		out = append(out, e)
	}
	return out, rows.Err()
}
