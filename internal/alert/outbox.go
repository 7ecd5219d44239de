package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/netbro-agent/internal/infrastructure/database"
)

// Outbox durably mirrors undelivered alerts so they survive a restart.
type Outbox interface {
	Append(ctx context.Context, ev Event) error
	Remove(ctx context.Context, id uuid.UUID) error
	// Pending returns undelivered events in enqueue order.
	Pending(ctx context.Context) ([]Event, error)
}

// SQLiteOutbox stores alerts in the alert_outbox table.
type SQLiteOutbox struct {
	db *database.DB
}

// NewSQLiteOutbox wraps a migrated database.
func NewSQLiteOutbox(db *database.DB) *SQLiteOutbox {
	return &SQLiteOutbox{db: db}
}

// Append implements Outbox. Appending an event twice is a no-op.
func (o *SQLiteOutbox) Append(ctx context.Context, ev Event) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO alert_outbox (id, alert_type, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID.String(), string(ev.Type), string(ev.Payload),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("appending alert %s: %w", ev.ID, err)
	}
	return nil
}

// Remove implements Outbox.
func (o *SQLiteOutbox) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := o.db.ExecContext(ctx, "DELETE FROM alert_outbox WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("removing alert %s: %w", id, err)
	}
	return nil
}

// Pending implements Outbox.
func (o *SQLiteOutbox) Pending(ctx context.Context) ([]Event, error) {
	rows, err := o.db.QueryContext(ctx,
		"SELECT id, alert_type, payload, created_at FROM alert_outbox ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var id, typ, payload, created string
		if err := rows.Scan(&id, &typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		ev := Event{Type: Type(typ), Payload: []byte(payload)}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("outbox row id %q: %w", id, err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("outbox row %s timestamp: %w", id, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox: %w", err)
	}
	return events, nil
}
