package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"peerconnect/connection"
	"peerconnect/discovery"
	"peerconnect/models"
	"peerconnect/registry"
	"peerconnect/storage"
)

type memoryAudit struct {
	mu     sync.Mutex
	events []storage.AuditEvent
}

func (a *memoryAudit) LogAuditEvent(event storage.AuditEvent) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return int64(len(a.events)), nil
}

func (a *memoryAudit) ofType(eventType string) []storage.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []storage.AuditEvent
	for _, event := range a.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

type switchableSource struct {
	mu       sync.Mutex
	observed []discovery.Observation
}

func (s *switchableSource) set(observed ...discovery.Observation) {
	s.mu.Lock()
	s.observed = observed
	s.mu.Unlock()
}

func (s *switchableSource) Scan(ctx context.Context) ([]discovery.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]discovery.Observation(nil), s.observed...), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(t *testing.T, source discovery.Source, clock *testClock) (*Session, *memoryAudit) {
	t.Helper()
	audit := &memoryAudit{}
	options := Options{
		Identity:         registry.Identity{ID: "self-device", Name: "Me"},
		Source:           source,
		RefreshInterval:  time.Hour,
		PeerStaleAfter:   10 * time.Second,
		PeerRemoveAfter:  30 * time.Second,
		ConnectDelay:     10 * time.Millisecond,
		MessageRetention: 5 * time.Minute,
		Audit:            audit,
		OnError:          func(err error) { t.Errorf("unexpected session error: %v", err) },
	}
	if clock != nil {
		options.Now = clock.Now
	}
	session, err := NewSession(options)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(session.Close)
	return session, audit
}

func twoPeers() []discovery.Observation {
	return []discovery.Observation{
		{ID: "peer-a", Name: "Alice", Status: models.PeerStatusOnline, IsRelay: true},
		{ID: "peer-b", Name: "Bob", Status: models.PeerStatusAway},
	}
}

func TestSessionScanConnectMessageDisconnect(t *testing.T) {
	source := &switchableSource{}
	source.set(twoPeers()...)
	session, audit := newTestSession(t, source, nil)

	events, cancel := session.Subscribe(256)
	defer cancel()

	if err := session.StartScanning(); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return len(session.Peers()) == 2 })

	for _, peer := range session.Peers() {
		if peer.Connection != connection.StateDiscoverable {
			t.Fatalf("expected %s discoverable, got %q", peer.ID, peer.Connection)
		}
	}

	if err := session.ConnectToPeer(context.Background(), "peer-a"); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}
	peer, err := session.Peer("peer-a")
	if err != nil {
		t.Fatalf("Peer failed: %v", err)
	}
	if peer.Connection != connection.StateConnected {
		t.Fatalf("expected connected, got %q", peer.Connection)
	}

	message, err := session.SendMessage("hello there")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if message.SenderID != "self-device" {
		t.Fatalf("expected sender to be local identity, got %q", message.SenderID)
	}
	if message.HopCount != 2 || len(message.DeliveredTo) != 1 || message.DeliveredTo[0] != "peer-a" {
		t.Fatalf("unexpected relay result: %+v", message)
	}
	if messages := session.Messages(); len(messages) != 1 || messages[0].ID != message.ID {
		t.Fatalf("expected message in local list, got %+v", messages)
	}

	if err := session.DisconnectFromPeer("peer-a"); err != nil {
		t.Fatalf("DisconnectFromPeer failed: %v", err)
	}
	peer, _ = session.Peer("peer-a")
	if peer.Connection != connection.StateDisconnected {
		t.Fatalf("expected disconnected, got %q", peer.Connection)
	}

	var states []connection.State
	deadline := time.After(time.Second)
	for len(states) < 3 {
		select {
		case event := <-events:
			if event.Type == EventConnection && event.Connection.PeerID == "peer-a" {
				states = append(states, event.Connection.To)
			}
		case <-deadline:
			t.Fatalf("expected three connection events, got %v", states)
		}
	}
	want := []connection.State{connection.StateConnecting, connection.StateConnected, connection.StateDisconnected}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("connection event %d: got %q want %q", i, states[i], want[i])
		}
	}

	sent := audit.ofType(AuditMessageSent)
	if len(sent) != 1 {
		t.Fatalf("expected one message audit event, got %d", len(sent))
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(sent[0].Details), &details); err != nil {
		t.Fatalf("decode audit details: %v", err)
	}
	if _, leaked := details["content"]; leaked {
		t.Fatalf("message content must not be audited: %v", details)
	}
	if details["length"] != float64(len("hello there")) {
		t.Fatalf("unexpected audited length: %v", details["length"])
	}
	if len(audit.ofType(AuditConnectionChanged)) != 3 {
		t.Fatalf("expected three connection audit events")
	}
	if len(audit.ofType(AuditScanStarted)) != 1 {
		t.Fatalf("expected one scan_started audit event")
	}
}

func TestSessionOfflinePeerForcesDisconnect(t *testing.T) {
	clock := &testClock{now: time.Unix(1_706_000_000, 0)}
	source := &switchableSource{}
	source.set(twoPeers()...)
	session, _ := newTestSession(t, source, clock)

	if err := session.StartScanning(); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return len(session.Peers()) == 2 })
	if err := session.ConnectToPeer(context.Background(), "peer-a"); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}

	source.set(twoPeers()[1])
	clock.Advance(11 * time.Second)
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peer, err := session.Peer("peer-a")
		return err == nil && peer.Status == models.PeerStatusOffline && peer.Connection == connection.StateDisconnected
	})

	if err := session.ConnectToPeer(context.Background(), "peer-a"); !errors.Is(err, connection.ErrPeerOffline) {
		t.Fatalf("expected ErrPeerOffline, got %v", err)
	}

	clock.Advance(20 * time.Second)
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		_, err := session.Peer("peer-a")
		return errors.Is(err, connection.ErrUnknownPeer)
	})
}

func TestSessionStopScanningKeepsPeers(t *testing.T) {
	source := &switchableSource{}
	source.set(twoPeers()...)
	session, audit := newTestSession(t, source, nil)

	if err := session.StartScanning(); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return len(session.Peers()) == 2 })

	if err := session.StopScanning(); err != nil {
		t.Fatalf("StopScanning failed: %v", err)
	}
	if err := session.StopScanning(); err != nil {
		t.Fatalf("second StopScanning failed: %v", err)
	}
	if session.Scanning() {
		t.Fatalf("expected scanning to stop")
	}
	if len(session.Peers()) != 2 {
		t.Fatalf("expected peers to be kept after stop")
	}
	if err := session.Refresh(context.Background()); !errors.Is(err, discovery.ErrNotScanning) {
		t.Fatalf("expected ErrNotScanning, got %v", err)
	}
	if len(audit.ofType(AuditScanStopped)) != 1 {
		t.Fatalf("expected one scan_stopped audit event")
	}
}

func TestSessionRejectsEmptyMessage(t *testing.T) {
	session, audit := newTestSession(t, &switchableSource{}, nil)
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := session.SendMessage("   "); err == nil {
		t.Fatalf("expected empty message to fail")
	}
	if len(session.Messages()) != 0 {
		t.Fatalf("expected no messages appended")
	}
	if len(audit.ofType(AuditMessageSent)) != 0 {
		t.Fatalf("expected no message audit")
	}
}

func TestSessionSetDisplayName(t *testing.T) {
	session, audit := newTestSession(t, &switchableSource{}, nil)
	events, cancel := session.Subscribe(8)
	defer cancel()

	identity, err := session.SetDisplayName("  Calm Otter ")
	if err != nil {
		t.Fatalf("SetDisplayName failed: %v", err)
	}
	if identity.Name != "Calm Otter" || session.Identity().Name != "Calm Otter" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if _, err := session.SetDisplayName(" "); !errors.Is(err, registry.ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}

	select {
	case event := <-events:
		if event.Type != EventIdentityUpdated || event.Identity.Name != "Calm Otter" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected identity event")
	}
	if len(audit.ofType(AuditIdentityRenamed)) != 1 {
		t.Fatalf("expected one rename audit event")
	}
}

func TestSessionCloseDiscardsState(t *testing.T) {
	source := &switchableSource{}
	source.set(twoPeers()...)
	session, _ := newTestSession(t, source, nil)

	events, cancel := session.Subscribe(256)
	defer cancel()

	if err := session.StartScanning(); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return len(session.Peers()) == 2 })
	if err := session.ConnectToPeer(context.Background(), "peer-b"); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}
	if _, err := session.SendMessage("bye"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	session.Close()
	session.Close()

	if session.Scanning() {
		t.Fatalf("expected scanning stopped")
	}
	if len(session.Peers()) != 0 || len(session.Messages()) != 0 {
		t.Fatalf("expected peers and messages discarded")
	}
	if err := session.StartScanning(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := session.SendMessage("late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	var sawClosed bool
	for event := range events {
		if event.Type == EventSessionClosed {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatalf("expected session_closed event before stream closed")
	}

	late, lateCancel := session.Subscribe(1)
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
}

func TestSubscribeRacingCloseAlwaysEndsStream(t *testing.T) {
	session, _ := newTestSession(t, &switchableSource{}, nil)
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const subscribers = 32
	streams := make(chan (<-chan Event), subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, _ := session.Subscribe(4)
			streams <- events
		}()
	}
	session.Close()
	wg.Wait()
	close(streams)

	for events := range streams {
		deadline := time.After(time.Second)
	drain:
		for {
			select {
			case _, ok := <-events:
				if !ok {
					break drain
				}
			case <-deadline:
				t.Fatalf("subscriber stream left open after Close")
			}
		}
	}

	session.subMu.Lock()
	leaked := len(session.subs)
	session.subMu.Unlock()
	if leaked != 0 {
		t.Fatalf("expected no registered subscribers after Close, got %d", leaked)
	}
}

func TestNewSessionValidatesOptions(t *testing.T) {
	if _, err := NewSession(Options{Identity: registry.Identity{ID: "x", Name: "x"}}); err == nil {
		t.Fatalf("expected missing source to fail")
	}
	if _, err := NewSession(Options{Source: &switchableSource{}}); err == nil {
		t.Fatalf("expected missing identity to fail")
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
