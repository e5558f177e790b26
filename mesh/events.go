package mesh

import (
	"time"

	"peerconnect/connection"
	"peerconnect/models"
	"peerconnect/registry"
)

// EventType names a session event on the subscriber stream.
type EventType string

const (
	EventPeerUpserted    EventType = "peer_upserted"
	EventPeerOffline     EventType = "peer_offline"
	EventPeerRemoved     EventType = "peer_removed"
	EventConnection      EventType = "connection"
	EventMessage         EventType = "message"
	EventScanStarted     EventType = "scan_started"
	EventScanStopped     EventType = "scan_stopped"
	EventIdentityUpdated EventType = "identity_updated"
	EventSessionClosed   EventType = "session_closed"
)

// Audit event types written to the AuditLog.
const (
	AuditSessionStarted    = "session_started"
	AuditSessionClosed     = "session_closed"
	AuditScanStarted       = "scan_started"
	AuditScanStopped       = "scan_stopped"
	AuditScanFailed        = "scan_failed"
	AuditConnectionChanged = "connection_transition"
	AuditMessageSent       = "message_sent"
	AuditIdentityRenamed   = "identity_renamed"
	AuditCallStarted       = "call_started"
	AuditCallEnded         = "call_ended"
)

// PeerView is a registry record joined with its connection state.
type PeerView struct {
	models.Peer
	Connection connection.State `json:"connection"`
}

// ConnectionChange mirrors connection.Transition for the event stream.
type ConnectionChange struct {
	PeerID string           `json:"peer_id"`
	From   connection.State `json:"from"`
	To     connection.State `json:"to"`
	Reason string           `json:"reason"`
}

// Event is one entry on the subscriber stream. Only the field matching Type is set.
type Event struct {
	Type       EventType          `json:"type"`
	At         time.Time          `json:"at"`
	Peer       *PeerView          `json:"peer,omitempty"`
	Connection *ConnectionChange  `json:"connection,omitempty"`
	Message    *models.Message    `json:"message,omitempty"`
	Identity   *registry.Identity `json:"identity,omitempty"`
}
