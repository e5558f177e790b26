package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// AuditSeverityInfo marks routine lifecycle events.
	AuditSeverityInfo = "info"
	// AuditSeverityWarning marks recoverable failures.
	AuditSeverityWarning = "warning"
	// AuditSeverityCritical marks failures that need attention.
	AuditSeverityCritical = "critical"
)

// AuditEvent is one persisted session lifecycle record.
type AuditEvent struct {
	ID        int64   `json:"id"`
	EventType string  `json:"event_type"`
	PeerID    *string `json:"peer_id,omitempty"`
	Details   string  `json:"details"`
	Severity  string  `json:"severity"`
	Timestamp int64   `json:"timestamp"`
}

// AuditEventFilter narrows GetAuditEvents results.
type AuditEventFilter struct {
	EventType     string
	PeerID        string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateAuditSeverity(severity string) error {
	switch severity {
	case AuditSeverityInfo, AuditSeverityWarning, AuditSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid audit severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
