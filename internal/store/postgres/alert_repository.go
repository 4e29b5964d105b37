package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fleetguard/internal/domain"
	"fleetguard/internal/store"
)

// Compile-time check that AlertRepository satisfies the interface.
var _ store.AlertRepository = (*AlertRepository)(nil)

const alertColumns = `
	id, device_id, driver_id, alert_type, priority, event_time, payload,
	status, escalation_level, escalated_at, escalated_to, acknowledged_at,
	resolved_at, closed_at, closing_notes, annotations, created_at, updated_at
`

// AlertRepository implements store.AlertRepository using PostgreSQL.
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates a new PostgreSQL-backed alert repository.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Insert stores a new alert together with the history it already carries,
// in one transaction. Inserting a known ID is a no-op, so replays after a
// restart never overwrite lifecycle state.
func (r *AlertRepository) Insert(ctx context.Context, alert *domain.Alert) error {
	payload, annotations, err := encodeJSON(alert)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING
	`

	err = pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query,
			alert.ID,
			alert.DeviceID,
			alert.DriverID,
			alert.AlertType,
			alert.Priority,
			alert.Timestamp,
			payload,
			alert.Status,
			alert.EscalationLevel,
			alert.EscalatedAt,
			nullableString(alert.EscalatedTo),
			alert.AcknowledgedAt,
			alert.ResolvedAt,
			alert.ClosedAt,
			nullableString(alert.ClosingNotes),
			annotations,
			alert.CreatedAt,
			alert.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return nil
		}
		for _, h := range alert.History {
			if err := appendHistory(ctx, tx, alert.ID, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// Update rewrites the lifecycle fields of an existing alert and appends
// entry, when given, in the same transaction.
func (r *AlertRepository) Update(ctx context.Context, alert *domain.Alert, entry *domain.HistoryEntry) error {
	_, annotations, err := encodeJSON(alert)
	if err != nil {
		return err
	}

	query := `
		UPDATE alerts SET
			status = $2,
			escalation_level = $3,
			escalated_at = $4,
			escalated_to = $5,
			acknowledged_at = $6,
			resolved_at = $7,
			closed_at = $8,
			closing_notes = $9,
			annotations = $10,
			updated_at = $11
		WHERE id = $1
	`

	err = pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query,
			alert.ID,
			alert.Status,
			alert.EscalationLevel,
			alert.EscalatedAt,
			nullableString(alert.EscalatedTo),
			alert.AcknowledgedAt,
			alert.ResolvedAt,
			alert.ClosedAt,
			nullableString(alert.ClosingNotes),
			annotations,
			alert.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return domain.ErrAlertNotFound
		}
		if entry != nil {
			return appendHistory(ctx, tx, alert.ID, *entry)
		}
		return nil
	})
	if errors.Is(err, domain.ErrAlertNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	return nil
}

// Get retrieves an alert by its event ID, including its history.
func (r *AlertRepository) Get(ctx context.Context, id string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	alert, err := scanAlert(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	history, err := r.History(ctx, id)
	if err != nil {
		return nil, err
	}
	alert.History = history

	return alert, nil
}

// Query retrieves alerts matching the filter criteria, newest event first.
// History is not loaded; use History for a single alert.
func (r *AlertRepository) Query(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	addCond := func(column string, value interface{}) {
		query += fmt.Sprintf(" AND %s $%d", column, argNum)
		args = append(args, value)
		argNum++
	}

	if filter.Status != "" {
		addCond("status =", filter.Status)
	}
	if filter.Priority != "" {
		addCond("priority =", filter.Priority)
	}
	if filter.DeviceID != "" {
		addCond("device_id =", filter.DeviceID)
	}
	if filter.DriverID != "" {
		addCond("driver_id =", filter.DriverID)
	}
	if filter.Type != "" {
		addCond("alert_type =", filter.Type)
	}
	if !filter.Since.IsZero() {
		addCond("event_time >=", filter.Since)
	}
	if !filter.Until.IsZero() {
		addCond("event_time <=", filter.Until)
	}

	query += " ORDER BY event_time DESC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// appendHistory stores one transition record inside tx.
func appendHistory(ctx context.Context, tx pgx.Tx, alertID string, entry domain.HistoryEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO alert_history (alert_id, from_status, to_status, at, actor)
		VALUES ($1, $2, $3, $4, $5)
	`, alertID, entry.From, entry.To, entry.At, entry.Actor)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History retrieves the ordered transition records for an alert.
func (r *AlertRepository) History(ctx context.Context, alertID string) ([]domain.HistoryEntry, error) {
	query := `
		SELECT from_status, to_status, at, actor
		FROM alert_history
		WHERE alert_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.pool.Query(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	history := []domain.HistoryEntry{}
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.From, &h.To, &h.At, &h.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return history, nil
}

// LoadAll retrieves every stored alert with its history.
func (r *AlertRepository) LoadAll(ctx context.Context) ([]*domain.Alert, error) {
	alerts, err := r.Query(ctx, domain.AlertFilter{})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Alert, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT alert_id, from_status, to_status, at, actor
		FROM alert_history
		ORDER BY alert_id, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var alertID string
		var h domain.HistoryEntry
		if err := rows.Scan(&alertID, &h.From, &h.To, &h.At, &h.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if a, ok := byID[alertID]; ok {
			a.History = append(a.History, h)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return alerts, nil
}

// scanAlert scans a single row into an Alert.
func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var alert domain.Alert
	var payload, annotations []byte
	var escalatedTo, closingNotes *string

	err := row.Scan(
		&alert.ID,
		&alert.DeviceID,
		&alert.DriverID,
		&alert.AlertType,
		&alert.Priority,
		&alert.Timestamp,
		&payload,
		&alert.Status,
		&alert.EscalationLevel,
		&alert.EscalatedAt,
		&escalatedTo,
		&alert.AcknowledgedAt,
		&alert.ResolvedAt,
		&alert.ClosedAt,
		&closingNotes,
		&annotations,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if escalatedTo != nil {
		alert.EscalatedTo = *escalatedTo
	}
	if closingNotes != nil {
		alert.ClosingNotes = *closingNotes
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &alert.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(annotations) > 0 {
		if err := json.Unmarshal(annotations, &alert.Annotations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
		}
	}
	alert.History = []domain.HistoryEntry{}

	return &alert, nil
}

// scanAlerts scans multiple rows into a slice of Alerts.
func scanAlerts(rows pgx.Rows) ([]*domain.Alert, error) {
	var alerts []*domain.Alert

	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}

// encodeJSON marshals the JSONB columns of an alert.
func encodeJSON(alert *domain.Alert) (payload, annotations []byte, err error) {
	if alert.Payload != nil {
		if payload, err = json.Marshal(alert.Payload); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}
	if len(alert.Annotations) > 0 {
		if annotations, err = json.Marshal(alert.Annotations); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal annotations: %w", err)
		}
	}
	return payload, annotations, nil
}

// nullableString returns nil if the string is empty, otherwise returns a pointer to it.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
