package storage

import (
	"errors"
	"testing"
	"time"
)

func TestLogAndQueryAuditEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	peerID := "peer-audit"

	mustLogAuditEvent(t, store, AuditEvent{
		EventType: "connection_transition",
		PeerID:    &peerID,
		Details:   `{"from":"discoverable","to":"connecting"}`,
		Timestamp: now - 1_000,
	})
	mustLogAuditEvent(t, store, AuditEvent{
		EventType: "connection_failed",
		PeerID:    &peerID,
		Details:   `{"reason":"failed"}`,
		Severity:  AuditSeverityWarning,
		Timestamp: now,
	})
	mustLogAuditEvent(t, store, AuditEvent{
		EventType: "scan_started",
		Timestamp: now - 2_000,
	})

	all, err := store.GetAuditEvents(AuditEventFilter{PeerID: peerID, Limit: 10})
	if err != nil {
		t.Fatalf("GetAuditEvents failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 peer audit events, got %d", len(all))
	}
	if all[0].EventType != "connection_failed" || all[1].EventType != "connection_transition" {
		t.Fatalf("expected newest first, got %q then %q", all[0].EventType, all[1].EventType)
	}
	if all[1].Severity != AuditSeverityInfo {
		t.Fatalf("expected default severity info, got %q", all[1].Severity)
	}

	warnings, err := store.GetAuditEvents(AuditEventFilter{Severity: AuditSeverityWarning})
	if err != nil {
		t.Fatalf("GetAuditEvents warning filter failed: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Details != `{"reason":"failed"}` {
		t.Fatalf("unexpected warning events: %+v", warnings)
	}

	scans, err := store.GetAuditEvents(AuditEventFilter{EventType: "scan_started"})
	if err != nil {
		t.Fatalf("GetAuditEvents type filter failed: %v", err)
	}
	if len(scans) != 1 || scans[0].PeerID != nil || scans[0].Details != "{}" {
		t.Fatalf("unexpected scan events: %+v", scans)
	}

	from := now - 1_500
	ranged, err := store.GetAuditEvents(AuditEventFilter{FromTimestamp: &from})
	if err != nil {
		t.Fatalf("GetAuditEvents range failed: %v", err)
	}
	if len(ranged) != 2 {
		t.Fatalf("expected 2 events in range, got %d", len(ranged))
	}

	paged, err := store.GetAuditEvents(AuditEventFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("GetAuditEvents paging failed: %v", err)
	}
	if len(paged) != 1 || paged[0].EventType != "connection_transition" {
		t.Fatalf("unexpected paged events: %+v", paged)
	}
}

func TestLogAuditEventValidation(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LogAuditEvent(AuditEvent{}); err == nil {
		t.Fatalf("expected missing event type to fail")
	}
	if _, err := store.LogAuditEvent(AuditEvent{EventType: "x", Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity to fail")
	}
	if _, err := store.LogAuditEvent(AuditEvent{EventType: "x", Details: "{not json"}); err == nil {
		t.Fatalf("expected invalid details to fail")
	}
	if _, err := store.GetAuditEvents(AuditEventFilter{Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity filter to fail")
	}
}

func TestGetAuditEventByID(t *testing.T) {
	store := newTestStore(t)

	blank := "   "
	id := mustLogAuditEvent(t, store, AuditEvent{EventType: "identity_renamed", PeerID: &blank})

	event, err := store.GetAuditEvent(id)
	if err != nil {
		t.Fatalf("GetAuditEvent failed: %v", err)
	}
	if event.EventType != "identity_renamed" || event.PeerID != nil {
		t.Fatalf("unexpected event: %+v", event)
	}

	if _, err := store.GetAuditEvent(id + 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetAuditRetention(time.Second)

	now := nowUnixMilli()
	mustLogAuditEvent(t, store, AuditEvent{EventType: "old_event", Timestamp: now - 10_000})
	mustLogAuditEvent(t, store, AuditEvent{EventType: "new_event", Timestamp: now})

	events, err := store.GetAuditEvents(AuditEventFilter{})
	if err != nil {
		t.Fatalf("GetAuditEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "new_event" {
		t.Fatalf("expected only new_event after pruning, got %+v", events)
	}

	if _, err := store.PruneAuditEvents(0); err == nil {
		t.Fatalf("expected zero cutoff to fail")
	}
	removed, err := store.PruneAuditEvents(now + 1)
	if err != nil {
		t.Fatalf("PruneAuditEvents failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
}
