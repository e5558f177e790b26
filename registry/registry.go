// Package registry holds the in-memory roster of nearby peers and the local identity.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"peerconnect/models"
)

var (
	// ErrEmptyName indicates a blank display name.
	ErrEmptyName = errors.New("registry: display name is required")
	// ErrEmptyID indicates a blank identity or peer ID.
	ErrEmptyID = errors.New("registry: id is required")
)

// Identity is the local user as seen by peers.
type Identity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Registry stores simulated peer records keyed by ID.
type Registry struct {
	mu       sync.RWMutex
	identity Identity
	peers    map[string]models.Peer
}

// New creates an empty registry for the given local identity.
func New(identity Identity) (*Registry, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	identity.Name = strings.TrimSpace(identity.Name)
	if identity.ID == "" {
		return nil, ErrEmptyID
	}
	if identity.Name == "" {
		return nil, ErrEmptyName
	}

	return &Registry{
		identity: identity,
		peers:    make(map[string]models.Peer),
	}, nil
}

// Identity returns the local identity.
func (r *Registry) Identity() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// SetDisplayName renames the local identity.
func (r *Registry) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	r.identity.Name = name
	r.mu.Unlock()
	return nil
}

// Upsert inserts or replaces a peer and reports whether the stored record changed.
// Records for the local identity are ignored.
func (r *Registry) Upsert(peer models.Peer) (models.Peer, bool) {
	peer.ID = strings.TrimSpace(peer.ID)
	if peer.ID == "" {
		return models.Peer{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if peer.ID == r.identity.ID {
		return models.Peer{}, false
	}
	if peer.Name == "" {
		peer.Name = peer.ID
	}
	if !peer.Status.Valid() {
		peer.Status = models.PeerStatusOnline
	}

	old, exists := r.peers[peer.ID]
	r.peers[peer.ID] = peer
	return peer, !exists || !peersEqual(old, peer)
}

// Get returns one peer by ID.
func (r *Registry) Get(id string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// Remove deletes a peer and returns the removed record.
func (r *Registry) Remove(id string) (models.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	return peer, ok
}

// List returns a snapshot sorted by name, then ID.
func (r *Registry) List() []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Reset drops every peer record, keeping the identity.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.peers = make(map[string]models.Peer)
	r.mu.Unlock()
}

func peersEqual(a, b models.Peer) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Status == b.Status &&
		a.Distance == b.Distance &&
		a.RSSI == b.RSSI &&
		a.IsRelay == b.IsRelay &&
		a.LastSeen.Equal(b.LastSeen)
}
