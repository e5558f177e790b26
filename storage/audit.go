package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetAuditRetention configures the automatic audit pruning horizon.
func (s *Store) SetAuditRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	s.auditRetention = retention
}

// LogAuditEvent inserts a structured audit event and applies retention pruning.
// It returns the stored row ID.
func (s *Store) LogAuditEvent(event AuditEvent) (int64, error) {
	if strings.TrimSpace(event.EventType) == "" {
		return 0, errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = AuditSeverityInfo
	}
	if err := validateAuditSeverity(event.Severity); err != nil {
		return 0, err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return 0, errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerID *string
	if event.PeerID != nil {
		trimmed := strings.TrimSpace(*event.PeerID)
		if trimmed != "" {
			peerID = &trimmed
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO audit_events (
			event_type,
			peer_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit event %q: %w", event.EventType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read audit event id: %w", err)
	}

	if s.auditRetention > 0 {
		cutoff := time.Now().Add(-s.auditRetention).UnixMilli()
		if _, err := s.PruneAuditEvents(cutoff); err != nil {
			return id, fmt.Errorf("prune audit events: %w", err)
		}
	}

	return id, nil
}

// GetAuditEvent loads one audit event by ID.
func (s *Store) GetAuditEvent(id int64) (*AuditEvent, error) {
	row := s.db.QueryRow(`SELECT
		id,
		event_type,
		peer_id,
		details,
		severity,
		timestamp
	FROM audit_events WHERE id = ?`, id)

	event, err := scanAuditEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %d: %w", id, err)
	}
	return event, nil
}

// GetAuditEvents returns recent audit events, newest first, with optional filtering.
func (s *Store) GetAuditEvents(filter AuditEventFilter) ([]AuditEvent, error) {
	if filter.Severity != "" {
		if err := validateAuditSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		peer_id,
		details,
		severity,
		timestamp
	FROM audit_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}

	return events, nil
}

// PruneAuditEvents removes audit events older than cutoffTimestamp.
func (s *Store) PruneAuditEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM audit_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for audit event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanAuditEvent(row scanner) (*AuditEvent, error) {
	var (
		event  AuditEvent
		peerID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.PeerID = stringPtr(peerID)
	return &event, nil
}
