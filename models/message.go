package models

import (
	"strconv"
	"strings"
	"time"
)

// Message is an in-memory chat entry fanned out to connected peers.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	HopCount    int       `json:"hop_count"`
	TTL         int       `json:"ttl"`
	DeliveredTo []string  `json:"delivered_to"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	// Signature is the sender's base64 Ed25519 signature over SigningPayload.
	Signature string `json:"signature,omitempty"`
}

// SigningPayload is the byte sequence covered by Signature.
func (m Message) SigningPayload() []byte {
	var b strings.Builder
	b.WriteString(m.ID)
	b.WriteByte('\n')
	b.WriteString(m.SenderID)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(m.Timestamp.UnixNano(), 10))
	b.WriteByte('\n')
	b.WriteString(m.Content)
	return []byte(b.String())
}
