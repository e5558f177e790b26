package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the call lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrCallActive indicates a call is already connecting or connected.
	ErrCallActive = errors.New("call: call already active")
	// ErrNotInCall indicates the operation needs an active call.
	ErrNotInCall = errors.New("call: no active call")
	// ErrCallEnded indicates the call was ended while it was still connecting.
	ErrCallEnded = errors.New("call: call ended before connecting")
)

// Provider carries the actual audio/video session. Implementations live outside this module.
type Provider interface {
	Start(ctx context.Context) error
	End(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
}

// NopProvider accepts every request without doing anything.
type NopProvider struct{}

func (NopProvider) Start(context.Context) error { return nil }

func (NopProvider) End(context.Context) error { return nil }

func (NopProvider) SetMuted(context.Context, bool) error { return nil }

// Summary describes one finished call.
type Summary struct {
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Err       error
}

// Options configures a call session.
type Options struct {
	Provider Provider
	OnEnd    func(Summary)
	Now      func() time.Time
}

// Snapshot is a consistent view of the session.
type Snapshot struct {
	Status    Status    `json:"status"`
	Muted     bool      `json:"muted"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Session tracks one call at a time. A session may be started again after it ends.
type Session struct {
	options Options

	mu        sync.Mutex
	status    Status
	muted     bool
	startedAt time.Time
	// Bumped on every Start so a late provider result can tell it was superseded.
	generation uint64
	endOnce    *sync.Once
}

// NewSession creates an idle call session.
func NewSession(options Options) *Session {
	if options.Provider == nil {
		options.Provider = NopProvider{}
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Session{
		options: options,
		status:  StatusIdle,
	}
}

// Start connects a new call.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.mu.Unlock()
		return ErrCallActive
	}
	s.generation++
	generation := s.generation
	s.status = StatusConnecting
	s.muted = false
	s.startedAt = s.options.Now()
	s.endOnce = &sync.Once{}
	s.mu.Unlock()

	err := s.options.Provider.Start(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation || s.status != StatusConnecting {
		return ErrCallEnded
	}
	if err != nil {
		s.status = StatusDisconnected
		return fmt.Errorf("start call: %w", err)
	}
	s.status = StatusConnected
	return nil
}

// ToggleMute flips the microphone state and returns the new value.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusConnected {
		return s.muted, ErrNotInCall
	}
	next := !s.muted
	if err := s.options.Provider.SetMuted(ctx, next); err != nil {
		return s.muted, fmt.Errorf("set muted: %w", err)
	}
	s.muted = next
	return s.muted, nil
}

// End hangs up. The session is left disconnected even when the provider fails,
// and OnEnd runs exactly once per started call.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusConnecting && s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNotInCall
	}
	s.status = StatusDisconnected
	s.muted = false
	startedAt := s.startedAt
	once := s.endOnce
	s.mu.Unlock()

	err := s.options.Provider.End(ctx)
	if err != nil {
		err = fmt.Errorf("end call: %w", err)
	}

	if once != nil && s.options.OnEnd != nil {
		once.Do(func() {
			endedAt := s.options.Now()
			s.options.OnEnd(Summary{
				StartedAt: startedAt,
				EndedAt:   endedAt,
				Duration:  endedAt.Sub(startedAt),
				Err:       err,
			})
		})
	}
	return err
}

// Status returns the current call state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Muted reports whether the microphone is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// IsConnected reports whether a call is connected.
func (s *Session) IsConnected() bool {
	return s.Status() == StatusConnected
}

// Snapshot returns status, mute and start time together.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{Status: s.status, Muted: s.muted}
	if s.status == StatusConnecting || s.status == StatusConnected {
		out.StartedAt = s.startedAt
	}
	return out
}
