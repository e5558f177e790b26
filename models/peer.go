package models

import "time"

// PeerStatus is the presence a simulated device reports about itself.
type PeerStatus string

const (
	PeerStatusOnline  PeerStatus = "online"
	PeerStatusBusy    PeerStatus = "busy"
	PeerStatusAway    PeerStatus = "away"
	PeerStatusOffline PeerStatus = "offline"
)

// Valid reports whether s is one of the known presence values.
func (s PeerStatus) Valid() bool {
	switch s {
	case PeerStatusOnline, PeerStatusBusy, PeerStatusAway, PeerStatusOffline:
		return true
	default:
		return false
	}
}

// Peer represents a nearby device in the simulated mesh.
type Peer struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Status   PeerStatus `json:"status"`
	Distance float64    `json:"distance"`
	RSSI     int        `json:"rssi"`
	IsRelay  bool       `json:"is_relay"`
	LastSeen time.Time  `json:"last_seen"`
}

// Reachable reports whether the peer can accept a connection attempt.
func (p Peer) Reachable() bool {
	return p.Status != PeerStatusOffline
}
