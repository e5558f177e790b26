// Package mesh ties the registry, discovery, connection and relay pieces into one
// session whose lifetime matches a mounted peer-connect view.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"peerconnect/connection"
	"peerconnect/discovery"
	"peerconnect/metrics"
	"peerconnect/models"
	"peerconnect/registry"
	"peerconnect/relay"
	"peerconnect/storage"
)

const defaultSubscriberBuffer = 64

var (
	// ErrSessionClosed indicates the session was closed and cannot be reused.
	ErrSessionClosed = errors.New("mesh: session closed")
)

// AuditLog persists lifecycle events. *storage.Store satisfies it.
type AuditLog interface {
	LogAuditEvent(event storage.AuditEvent) (int64, error)
}

// Options configures a session.
type Options struct {
	Identity registry.Identity
	Source   discovery.Source

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	PeerStaleAfter  time.Duration
	PeerRemoveAfter time.Duration

	ConnectDelay time.Duration
	FailureRate  float64
	Rand         *rand.Rand

	MaxHops          int
	MaxContentLength int
	MessageRetention time.Duration

	// Sign, when set, signs outgoing messages with the local identity key.
	Sign func(payload []byte) string

	Audit   AuditLog
	Now     func() time.Time
	OnError func(error)
}

type subscriber struct {
	ch chan Event
}

// Session owns one peer-connect view lifetime.
type Session struct {
	options Options

	registry    *registry.Registry
	scanner     *discovery.Scanner
	connections *connection.Manager
	relay       *relay.Relay

	lifeMu  sync.Mutex
	started bool
	closed  bool
	pumpWG  sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	// Set by Close under subMu; later subscribers get a closed channel.
	subsClosed bool
}

// NewSession wires the session components. Call Start to begin the lifecycle.
func NewSession(options Options) (*Session, error) {
	if options.Source == nil {
		return nil, errors.New("discovery source is required")
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	reg, err := registry.New(options.Identity)
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}

	s := &Session{
		options:  options,
		registry: reg,
		subs:     make(map[int]*subscriber),
	}

	s.scanner, err = discovery.NewScanner(discovery.Config{
		SelfDeviceID:    reg.Identity().ID,
		Registry:        reg,
		Source:          discovery.SourceFunc(s.scan),
		RefreshInterval: options.RefreshInterval,
		ScanTimeout:     options.ScanTimeout,
		PeerStaleAfter:  options.PeerStaleAfter,
		PeerRemoveAfter: options.PeerRemoveAfter,
		Now:             options.Now,
		OnScanError:     s.handleScanError,
	})
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	s.connections, err = connection.NewManager(connection.Options{
		Peers:        reg,
		ConnectDelay: options.ConnectDelay,
		FailureRate:  options.FailureRate,
		Rand:         options.Rand,
		Now:          options.Now,
		OnTransition: s.handleTransition,
	})
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	s.relay, err = relay.New(relay.Options{
		Sender:           reg.Identity,
		Peers:            s.connectedPeers,
		MaxHops:          options.MaxHops,
		MaxContentLength: options.MaxContentLength,
		Retention:        options.MessageRetention,
		Now:              options.Now,
		Sign:             options.Sign,
		OnMessage:        s.handleMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}

	return s, nil
}

// Start mounts the session: the event pump and message retention sweep begin.
// Scanning is started separately with StartScanning.
func (s *Session) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	s.pumpWG.Add(1)
	go s.pumpDiscoveryEvents()
	s.relay.Start()

	identity := s.registry.Identity()
	s.audit(AuditSessionStarted, "", storage.AuditSeverityInfo, map[string]any{
		"device_id": identity.ID,
		"name":      identity.Name,
	})
	return nil
}

// Close unmounts the session. Scanning stops, attempts are aborted, and all peers and
// messages are discarded.
func (s *Session) Close() {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return
	}
	s.closed = true
	s.lifeMu.Unlock()

	s.scanner.Close()
	s.pumpWG.Wait()

	s.connections.Close()
	s.relay.Stop()
	s.relay.Clear()
	s.registry.Reset()
	metrics.PeersKnown.Set(0)
	metrics.PeersConnected.Set(0)

	s.audit(AuditSessionClosed, "", storage.AuditSeverityInfo, nil)
	s.publish(Event{Type: EventSessionClosed, At: s.options.Now()})

	s.subMu.Lock()
	s.subsClosed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
		metrics.StreamSubscribers.Dec()
	}
	s.subMu.Unlock()
}

// StartScanning begins the discovery ticker, starting the session if needed.
func (s *Session) StartScanning() error {
	if err := s.Start(); err != nil {
		return err
	}
	wasScanning := s.scanner.Scanning()
	if err := s.scanner.Start(); err != nil {
		return err
	}
	if !wasScanning {
		s.audit(AuditScanStarted, "", storage.AuditSeverityInfo, map[string]any{
			"interval_ms": s.scanner.Interval().Milliseconds(),
		})
		s.publish(Event{Type: EventScanStarted, At: s.options.Now()})
	}
	return nil
}

// StopScanning cancels the discovery ticker. Known peers stay in the registry.
func (s *Session) StopScanning() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if !s.scanner.Scanning() {
		return nil
	}
	s.scanner.Stop()
	s.audit(AuditScanStopped, "", storage.AuditSeverityInfo, nil)
	s.publish(Event{Type: EventScanStopped, At: s.options.Now()})
	return nil
}

// Scanning reports whether discovery is running.
func (s *Session) Scanning() bool {
	return s.scanner.Scanning()
}

// ScanInterval returns the discovery tick.
func (s *Session) ScanInterval() time.Duration {
	return s.scanner.Interval()
}

// Refresh runs one scan immediately.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.scanner.Refresh(ctx)
}

// Peers lists known peers with their connection state.
func (s *Session) Peers() []PeerView {
	peers := s.registry.List()
	out := make([]PeerView, 0, len(peers))
	for _, peer := range peers {
		out = append(out, s.view(peer))
	}
	return out
}

// Peer returns one peer with its connection state.
func (s *Session) Peer(peerID string) (PeerView, error) {
	peer, ok := s.registry.Get(peerID)
	if !ok {
		return PeerView{}, connection.ErrUnknownPeer
	}
	return s.view(peer), nil
}

// ConnectingPeer returns the peer holding the single in-flight attempt.
func (s *Session) ConnectingPeer() (string, bool) {
	return s.connections.Connecting()
}

// ConnectToPeer runs a simulated connection attempt and blocks until it settles.
func (s *Session) ConnectToPeer(ctx context.Context, peerID string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.connections.Connect(ctx, peerID)
}

// DisconnectFromPeer tears down a connection or in-flight attempt.
func (s *Session) DisconnectFromPeer(peerID string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.connections.Disconnect(peerID)
}

// SendMessage relays a message from the local identity to connected peers.
func (s *Session) SendMessage(content string) (models.Message, error) {
	if err := s.ensureOpen(); err != nil {
		return models.Message{}, err
	}
	return s.relay.Send(content)
}

// Messages returns the conversation in insertion order.
func (s *Session) Messages() []models.Message {
	return s.relay.Messages()
}

// Identity returns the local identity.
func (s *Session) Identity() registry.Identity {
	return s.registry.Identity()
}

// SetDisplayName renames the local identity.
func (s *Session) SetDisplayName(name string) (registry.Identity, error) {
	if err := s.ensureOpen(); err != nil {
		return registry.Identity{}, err
	}
	previous := s.registry.Identity()
	if err := s.registry.SetDisplayName(name); err != nil {
		return registry.Identity{}, err
	}
	identity := s.registry.Identity()
	if identity.Name != previous.Name {
		s.audit(AuditIdentityRenamed, "", storage.AuditSeverityInfo, map[string]any{
			"from": previous.Name,
			"to":   identity.Name,
		})
		s.publish(Event{Type: EventIdentityUpdated, At: s.options.Now(), Identity: &identity})
	}
	return identity, nil
}

// RecordAudit writes an audit event for collaborators outside the session, such as calls.
func (s *Session) RecordAudit(eventType, peerID string, details map[string]any) {
	s.audit(eventType, peerID, storage.AuditSeverityInfo, details)
}

// Subscribe returns a stream of session events and a function that cancels it.
// Events are dropped for subscribers that fall behind.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	s.subMu.Lock()
	if s.subsClosed {
		s.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	metrics.StreamSubscribers.Inc()
	s.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub.ch)
				metrics.StreamSubscribers.Dec()
			}
		})
	}
}

func (s *Session) ensureOpen() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) view(peer models.Peer) PeerView {
	return PeerView{Peer: peer, Connection: s.connections.State(peer.ID)}
}

func (s *Session) connectedPeers() []models.Peer {
	ids := s.connections.Connected()
	out := make([]models.Peer, 0, len(ids))
	for _, id := range ids {
		if peer, ok := s.registry.Get(id); ok {
			out = append(out, peer)
		}
	}
	return out
}

func (s *Session) scan(ctx context.Context) ([]discovery.Observation, error) {
	observed, err := s.options.Source.Scan(ctx)
	if err != nil {
		metrics.ScanTicks.WithLabelValues("error").Inc()
	} else {
		metrics.ScanTicks.WithLabelValues("ok").Inc()
	}
	return observed, err
}

func (s *Session) handleScanError(err error) {
	s.audit(AuditScanFailed, "", storage.AuditSeverityWarning, map[string]any{"error": err.Error()})
	s.reportError(fmt.Errorf("scan: %w", err))
}

func (s *Session) pumpDiscoveryEvents() {
	defer s.pumpWG.Done()

	for event := range s.scanner.Events() {
		metrics.DiscoveryEvents.WithLabelValues(string(event.Type)).Inc()
		metrics.PeersKnown.Set(float64(s.registry.Len()))

		var eventType EventType
		switch event.Type {
		case discovery.EventPeerOffline:
			s.connections.HandlePeerOffline(event.Peer.ID)
			eventType = EventPeerOffline
		case discovery.EventPeerRemoved:
			s.connections.HandlePeerRemoved(event.Peer.ID)
			eventType = EventPeerRemoved
		default:
			eventType = EventPeerUpserted
		}

		view := s.view(event.Peer)
		s.publish(Event{Type: eventType, At: event.At, Peer: &view})
	}
}

func (s *Session) handleTransition(transition connection.Transition) {
	metrics.ConnectionTransitions.WithLabelValues(string(transition.To), transition.Reason).Inc()
	metrics.PeersConnected.Set(float64(len(s.connections.Connected())))

	severity := storage.AuditSeverityInfo
	if transition.Reason == connection.ReasonFailed {
		severity = storage.AuditSeverityWarning
	}
	s.audit(AuditConnectionChanged, transition.PeerID, severity, map[string]any{
		"from":   transition.From,
		"to":     transition.To,
		"reason": transition.Reason,
	})

	s.publish(Event{
		Type: EventConnection,
		At:   transition.At,
		Connection: &ConnectionChange{
			PeerID: transition.PeerID,
			From:   transition.From,
			To:     transition.To,
			Reason: transition.Reason,
		},
	})
}

func (s *Session) handleMessage(message models.Message) {
	metrics.MessagesSent.Inc()
	metrics.MessageHops.Observe(float64(message.HopCount))

	// Content stays in memory; only its size is recorded.
	s.audit(AuditMessageSent, "", storage.AuditSeverityInfo, map[string]any{
		"message_id": message.ID,
		"length":     len([]rune(message.Content)),
		"recipients": len(message.DeliveredTo),
		"hop_count":  message.HopCount,
	})
	s.publish(Event{Type: EventMessage, At: message.Timestamp, Message: &message})
}

func (s *Session) audit(eventType, peerID, severity string, details map[string]any) {
	if s.options.Audit == nil {
		return
	}

	event := storage.AuditEvent{
		EventType: eventType,
		Severity:  severity,
		Timestamp: s.options.Now().UnixMilli(),
	}
	if peerID != "" {
		event.PeerID = &peerID
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			s.reportError(fmt.Errorf("encode audit details for %s: %w", eventType, err))
			return
		}
		event.Details = string(raw)
	}
	if _, err := s.options.Audit.LogAuditEvent(event); err != nil {
		s.reportError(fmt.Errorf("record audit event %s: %w", eventType, err))
	}
}

func (s *Session) publish(event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subs {
		select {
		case sub.ch <- event:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
}

func (s *Session) reportError(err error) {
	if err != nil && s.options.OnError != nil {
		s.options.OnError(err)
	}
}
