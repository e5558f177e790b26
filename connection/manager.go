package connection

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"peerconnect/models"
)

// State is the per-peer connection lifecycle state.
type State string

const (
	StateDiscoverable State = "discoverable"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// DefaultConnectDelay is the simulated handshake duration.
const DefaultConnectDelay = 1500 * time.Millisecond

// Transition reasons.
const (
	ReasonConnect     = "connect"
	ReasonHandshake   = "handshake"
	ReasonFailed      = "failed"
	ReasonCanceled    = "canceled"
	ReasonDisconnect  = "disconnect"
	ReasonPeerOffline = "peer_offline"
	ReasonPeerRemoved = "peer_removed"
	ReasonClosed      = "closed"
)

var (
	// ErrUnknownPeer indicates the peer is not in the registry.
	ErrUnknownPeer = errors.New("connection: unknown peer")
	// ErrPeerOffline indicates the peer is known but offline.
	ErrPeerOffline = errors.New("connection: peer is offline")
	// ErrAlreadyConnected indicates the peer is already connected.
	ErrAlreadyConnected = errors.New("connection: peer already connected")
	// ErrConnectInFlight indicates another connection attempt holds the slot.
	ErrConnectInFlight = errors.New("connection: another connection attempt is in progress")
	// ErrConnectFailed indicates the simulated handshake failed.
	ErrConnectFailed = errors.New("connection: handshake failed")
	// ErrConnectAborted indicates the attempt was torn down before completing.
	ErrConnectAborted = errors.New("connection: attempt aborted")
	// ErrNotConnected indicates there is nothing to disconnect.
	ErrNotConnected = errors.New("connection: peer is not connected")
	// ErrManagerClosed indicates the manager no longer accepts work.
	ErrManagerClosed = errors.New("connection: manager closed")
)

// PeerLookup resolves peers by ID. *registry.Registry satisfies it.
type PeerLookup interface {
	Get(id string) (models.Peer, bool)
}

// Transition describes one state change.
type Transition struct {
	PeerID string
	From   State
	To     State
	Reason string
	At     time.Time
}

// Options configures the connection manager.
type Options struct {
	Peers        PeerLookup
	ConnectDelay time.Duration
	// FailureRate is the probability (0..1) that a handshake fails.
	FailureRate float64
	Rand        *rand.Rand
	Now         func() time.Time

	OnTransition func(Transition)
}

type attempt struct {
	peerID string
	abort  chan struct{}
}

// Manager tracks connection state per peer. At most one attempt is in flight at a time.
type Manager struct {
	options Options

	mu      sync.Mutex
	states  map[string]State
	attempt *attempt
	closed  bool

	// Transitions recorded under mu, in order, awaiting delivery.
	pending []Transition

	// Serializes OnTransition delivery.
	notifyMu sync.Mutex
}

// NewManager creates a connection manager with defaults applied.
func NewManager(options Options) (*Manager, error) {
	if options.Peers == nil {
		return nil, errors.New("peer lookup is required")
	}
	if options.FailureRate < 0 || options.FailureRate > 1 {
		return nil, errors.New("failure rate must be within [0, 1]")
	}
	if options.ConnectDelay <= 0 {
		options.ConnectDelay = DefaultConnectDelay
	}
	if options.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		options.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Manager{
		options: options,
		states:  make(map[string]State),
	}, nil
}

// Connect runs one simulated connection attempt and blocks until it settles.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	peerID = strings.TrimSpace(peerID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	peer, ok := m.options.Peers.Get(peerID)
	if !ok {
		m.mu.Unlock()
		return ErrUnknownPeer
	}
	if !peer.Reachable() {
		m.mu.Unlock()
		return ErrPeerOffline
	}
	if m.stateLocked(peerID) == StateConnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if m.attempt != nil {
		m.mu.Unlock()
		return ErrConnectInFlight
	}

	current := &attempt{peerID: peerID, abort: make(chan struct{})}
	m.attempt = current
	m.setStateLocked(peerID, StateConnecting, ReasonConnect)
	m.mu.Unlock()
	m.flushTransitions()

	timer := time.NewTimer(m.options.ConnectDelay)
	defer timer.Stop()

	select {
	case <-current.abort:
		return ErrConnectAborted
	case <-ctx.Done():
		m.mu.Lock()
		if m.attempt != current {
			m.mu.Unlock()
			return ErrConnectAborted
		}
		m.attempt = nil
		m.setStateLocked(peerID, StateDiscoverable, ReasonCanceled)
		m.mu.Unlock()
		m.flushTransitions()
		return ctx.Err()
	case <-timer.C:
	}

	m.mu.Lock()
	if m.attempt != current {
		m.mu.Unlock()
		return ErrConnectAborted
	}
	m.attempt = nil
	if m.options.FailureRate > 0 && m.options.Rand.Float64() < m.options.FailureRate {
		m.setStateLocked(peerID, StateDiscoverable, ReasonFailed)
		m.mu.Unlock()
		m.flushTransitions()
		return ErrConnectFailed
	}
	m.setStateLocked(peerID, StateConnected, ReasonHandshake)
	m.mu.Unlock()
	m.flushTransitions()
	return nil
}

// Disconnect tears down a connected peer or aborts its in-flight attempt.
func (m *Manager) Disconnect(peerID string) error {
	if !m.teardown(strings.TrimSpace(peerID), ReasonDisconnect, false) {
		return ErrNotConnected
	}
	return nil
}

// HandlePeerOffline forces a connected or connecting peer to disconnected.
func (m *Manager) HandlePeerOffline(peerID string) bool {
	return m.teardown(peerID, ReasonPeerOffline, false)
}

// HandlePeerRemoved tears down the peer and forgets its state.
func (m *Manager) HandlePeerRemoved(peerID string) bool {
	return m.teardown(peerID, ReasonPeerRemoved, true)
}

func (m *Manager) teardown(peerID, reason string, forget bool) bool {
	m.mu.Lock()
	var transition *Transition
	switch m.stateLocked(peerID) {
	case StateConnecting:
		if m.attempt != nil && m.attempt.peerID == peerID {
			close(m.attempt.abort)
			m.attempt = nil
		}
		transition = m.setStateLocked(peerID, StateDisconnected, reason)
	case StateConnected:
		transition = m.setStateLocked(peerID, StateDisconnected, reason)
	}
	if forget {
		delete(m.states, peerID)
	}
	m.mu.Unlock()

	m.flushTransitions()
	return transition != nil
}

// State returns the peer's connection state. Untracked peers are discoverable.
func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(peerID)
}

// Connecting returns the peer holding the in-flight attempt, if any.
func (m *Manager) Connecting() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt == nil {
		return "", false
	}
	return m.attempt.peerID, true
}

// Connected returns connected peer IDs in sorted order.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.states))
	for id, state := range m.states {
		if state == StateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot copies all tracked states.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.states))
	for id, state := range m.states {
		out[id] = state
	}
	return out
}

// Close aborts any in-flight attempt and drops all state. Further Connect calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	if m.attempt != nil {
		close(m.attempt.abort)
		m.setStateLocked(m.attempt.peerID, StateDisconnected, ReasonClosed)
		m.attempt = nil
	}
	ids := make([]string, 0, len(m.states))
	for id, state := range m.states {
		if state == StateConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.setStateLocked(id, StateDisconnected, ReasonClosed)
	}
	m.states = make(map[string]State)
	m.mu.Unlock()

	m.flushTransitions()
}

func (m *Manager) stateLocked(peerID string) State {
	if state, ok := m.states[peerID]; ok {
		return state
	}
	return StateDiscoverable
}

func (m *Manager) setStateLocked(peerID string, to State, reason string) *Transition {
	from := m.stateLocked(peerID)
	if from == to {
		return nil
	}
	if to == StateDiscoverable {
		delete(m.states, peerID)
	} else {
		m.states[peerID] = to
	}
	transition := &Transition{
		PeerID: peerID,
		From:   from,
		To:     to,
		Reason: reason,
		At:     m.options.Now(),
	}
	if m.options.OnTransition != nil {
		m.pending = append(m.pending, *transition)
	}
	return transition
}

// flushTransitions delivers queued transitions in the order they were applied.
// mu is never held while OnTransition runs, so callbacks may read manager state.
func (m *Manager) flushTransitions() {
	if m.options.OnTransition == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for {
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, transition := range batch {
			m.options.OnTransition(transition)
		}
	}
}
