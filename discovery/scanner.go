package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"peerconnect/models"
	"peerconnect/registry"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its attributes change.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerOffline is emitted when a peer has not been seen for PeerStaleAfter.
	EventPeerOffline EventType = "peer_offline"
	// EventPeerRemoved is emitted when a peer has not been seen for PeerRemoveAfter.
	EventPeerRemoved EventType = "peer_removed"
)

const (
	// DefaultRefreshInterval is the simulated scan tick.
	DefaultRefreshInterval = 2 * time.Second
	// DefaultScanTimeout bounds each scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultStaleTicks is how many missed ticks mark a peer offline.
	DefaultStaleTicks = 5
	// DefaultRemoveTicks is how many missed ticks drop a peer entirely.
	DefaultRemoveTicks = 15
)

var (
	// ErrNotScanning indicates the scan loop is not running.
	ErrNotScanning = errors.New("discovery: scanner is not running")
	// ErrScannerClosed indicates the scanner was closed and cannot restart.
	ErrScannerClosed = errors.New("discovery: scanner is closed")
)

// EventType identifies registry updates produced by scanning.
type EventType string

// Event carries discovery updates for connection and API consumers.
type Event struct {
	Type EventType
	Peer models.Peer
	At   time.Time
}

// Config controls the scan loop.
type Config struct {
	SelfDeviceID string
	Registry     *registry.Registry
	Source       Source

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	PeerStaleAfter  time.Duration
	PeerRemoveAfter time.Duration

	Now         func() time.Time
	OnScanError func(error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = DefaultStaleTicks * out.RefreshInterval
	}
	if out.PeerRemoveAfter <= 0 {
		out.PeerRemoveAfter = DefaultRemoveTicks * out.RefreshInterval
	}
	if out.PeerRemoveAfter < out.PeerStaleAfter {
		out.PeerRemoveAfter = out.PeerStaleAfter
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	return nil
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner periodically applies Source sightings to the registry.
type Scanner struct {
	cfg Config

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	events    chan Event
	closeOnce sync.Once

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:             cfg,
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning. It is a no-op while already running.
func (s *Scanner) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.closed {
		return ErrScannerClosed
	}
	if s.cancel != nil {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	go s.loop(s.ctx, s.done)
	return nil
}

// Stop cancels background scanning and waits for the loop to exit.
func (s *Scanner) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.ctx, s.cancel, s.done = nil, nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops scanning permanently and closes the events channel.
func (s *Scanner) Close() {
	s.runMu.Lock()
	s.closed = true
	s.runMu.Unlock()

	s.Stop()
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// Scanning reports whether the loop is running.
func (s *Scanner) Scanning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// Events provides asynchronous discovery updates. Events are dropped when the buffer is full.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Interval returns the effective scan tick.
func (s *Scanner) Interval() time.Duration {
	return s.cfg.RefreshInterval
}

// Refresh triggers an immediate scan and waits for it to be applied.
func (s *Scanner) Refresh(ctx context.Context) error {
	s.runMu.Lock()
	loopCtx := s.ctx
	s.runMu.Unlock()
	if loopCtx == nil {
		return ErrNotScanning
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return ErrNotScanning
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return ErrNotScanning
	}
}

func (s *Scanner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Prime the peer list immediately.
	s.report(s.runScan(ctx, nil))

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report(s.runScan(ctx, nil))
		case req := <-s.refreshRequests:
			req.done <- s.runScan(ctx, req.ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(loopCtx, requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(loopCtx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	observed, err := s.cfg.Source.Scan(scanCtx)
	if loopCtx.Err() != nil {
		return nil
	}
	if err != nil && len(observed) == 0 {
		return err
	}

	s.apply(observed, s.cfg.Now())
	return err
}

func (s *Scanner) report(err error) {
	if err != nil && s.cfg.OnScanError != nil {
		s.cfg.OnScanError(err)
	}
}

func (s *Scanner) apply(observed []Observation, now time.Time) {
	reg := s.cfg.Registry
	seen := make(map[string]struct{}, len(observed))

	for _, obs := range observed {
		id := strings.TrimSpace(obs.ID)
		if id == "" || id == s.cfg.SelfDeviceID {
			continue
		}
		seen[id] = struct{}{}

		previous, existed := reg.Get(id)
		peer := models.Peer{
			ID:       id,
			Name:     strings.TrimSpace(obs.Name),
			Status:   obs.Status,
			Distance: obs.Distance,
			RSSI:     obs.RSSI,
			IsRelay:  obs.IsRelay,
			LastSeen: now,
		}
		if peer.Name == "" && existed {
			peer.Name = previous.Name
		}
		if !peer.Status.Valid() {
			peer.Status = models.PeerStatusOnline
		}
		if peer.Status == models.PeerStatusOffline && existed {
			peer.LastSeen = previous.LastSeen
		}

		stored, changed := reg.Upsert(peer)
		if !changed {
			continue
		}
		eventType := EventPeerUpserted
		if stored.Status == models.PeerStatusOffline && (!existed || previous.Status != models.PeerStatusOffline) {
			eventType = EventPeerOffline
		}
		s.emitEvent(Event{Type: eventType, Peer: stored, At: now})
	}

	for _, peer := range reg.List() {
		if _, ok := seen[peer.ID]; ok {
			continue
		}
		age := now.Sub(peer.LastSeen)
		switch {
		case age > s.cfg.PeerRemoveAfter:
			if removed, ok := reg.Remove(peer.ID); ok {
				s.emitEvent(Event{Type: EventPeerRemoved, Peer: removed, At: now})
			}
		case age > s.cfg.PeerStaleAfter && peer.Status != models.PeerStatusOffline:
			peer.Status = models.PeerStatusOffline
			if stored, changed := reg.Upsert(peer); changed {
				s.emitEvent(Event{Type: EventPeerOffline, Peer: stored, At: now})
			}
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}
