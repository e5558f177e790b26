package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustLogAuditEvent(t *testing.T, store *Store, event AuditEvent) int64 {
	t.Helper()

	id, err := store.LogAuditEvent(event)
	if err != nil {
		t.Fatalf("log audit event %q: %v", event.EventType, err)
	}
	return id
}
