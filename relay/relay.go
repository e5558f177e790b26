package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"peerconnect/models"
	"peerconnect/registry"
)

const (
	// DefaultMaxHops caps the simulated hop count.
	DefaultMaxHops = 7
	// DefaultMaxContentLength is the maximum message length in characters.
	DefaultMaxContentLength = 4096
	// DefaultRetention is how long a message stays in the conversation.
	DefaultRetention = 5 * time.Minute

	minSweepInterval = time.Second
)

var (
	// ErrEmptyMessage indicates the content was blank after trimming.
	ErrEmptyMessage = errors.New("relay: message is empty")
	// ErrMessageTooLong indicates the content exceeds MaxContentLength.
	ErrMessageTooLong = errors.New("relay: message is too long")
)

// ConnectedPeers returns the peers a message is delivered to.
type ConnectedPeers func() []models.Peer

// Options configures the message relay.
type Options struct {
	Sender func() registry.Identity
	Peers  ConnectedPeers

	MaxHops          int
	MaxContentLength int

	// Retention of zero disables expiry; negative selects DefaultRetention.
	Retention time.Duration

	Now   func() time.Time
	NewID func() string

	// Sign, when set, signs each message's SigningPayload.
	Sign      func(payload []byte) string
	OnMessage func(models.Message)
}

// Relay holds the ephemeral conversation and simulates hop-by-hop delivery.
type Relay struct {
	options Options

	mu       sync.RWMutex
	messages []models.Message

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// New creates a relay with defaults applied.
func New(options Options) (*Relay, error) {
	if options.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if options.Peers == nil {
		options.Peers = func() []models.Peer { return nil }
	}
	if options.MaxHops <= 0 {
		options.MaxHops = DefaultMaxHops
	}
	if options.MaxContentLength <= 0 {
		options.MaxContentLength = DefaultMaxContentLength
	}
	if options.Retention < 0 {
		options.Retention = DefaultRetention
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}
	return &Relay{options: options}, nil
}

// Send appends a message from the local identity and delivers it to connected peers.
func (r *Relay) Send(content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if length := utf8.RuneCountInString(content); length > r.options.MaxContentLength {
		return models.Message{}, fmt.Errorf("%w: %d > %d characters", ErrMessageTooLong, length, r.options.MaxContentLength)
	}

	sender := r.options.Sender()
	peers := r.options.Peers()

	relays := 0
	delivered := make([]string, 0, len(peers))
	for _, peer := range peers {
		delivered = append(delivered, peer.ID)
		if peer.IsRelay {
			relays++
		}
	}
	hops := 1 + relays
	if hops > r.options.MaxHops {
		hops = r.options.MaxHops
	}

	now := r.options.Now()
	message := models.Message{
		ID:          r.options.NewID(),
		SenderID:    sender.ID,
		SenderName:  sender.Name,
		Content:     content,
		Timestamp:   now,
		HopCount:    hops,
		TTL:         r.options.MaxHops - hops,
		DeliveredTo: delivered,
	}
	if r.options.Retention > 0 {
		message.ExpiresAt = now.Add(r.options.Retention)
	}
	if r.options.Sign != nil {
		message.Signature = r.options.Sign(message.SigningPayload())
	}

	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()

	if r.options.OnMessage != nil {
		r.options.OnMessage(cloneMessage(message))
	}
	return cloneMessage(message), nil
}

// Messages returns the conversation in insertion order.
func (r *Relay) Messages() []models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Message, len(r.messages))
	for i, message := range r.messages {
		out[i] = cloneMessage(message)
	}
	return out
}

// Len returns the number of retained messages.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Prune drops messages that expired at or before now and returns how many were removed.
func (r *Relay) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.messages[:0]
	for _, message := range r.messages {
		if !message.ExpiresAt.IsZero() && !message.ExpiresAt.After(now) {
			continue
		}
		kept = append(kept, message)
	}
	removed := len(r.messages) - len(kept)
	clear(r.messages[len(kept):])
	r.messages = kept
	return removed
}

// Clear drops the whole conversation.
func (r *Relay) Clear() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}

// Start runs the retention sweep in the background. It is a no-op when retention is disabled
// or the sweep is already running.
func (r *Relay) Start() {
	if r.options.Retention <= 0 {
		return
	}

	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepStop != nil {
		return
	}

	interval := r.options.Retention / 10
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	stop := make(chan struct{})
	r.sweepStop = stop

	r.sweepWG.Add(1)
	go func() {
		defer r.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Prune(r.options.Now())
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the retention sweep and waits for it to exit.
func (r *Relay) Stop() {
	r.sweepMu.Lock()
	stop := r.sweepStop
	r.sweepStop = nil
	r.sweepMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	r.sweepWG.Wait()
}

func cloneMessage(message models.Message) models.Message {
	message.DeliveredTo = append([]string(nil), message.DeliveredTo...)
	return message
}
