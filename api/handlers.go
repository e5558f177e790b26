package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"peerconnect/call"
	"peerconnect/crypto"
	"peerconnect/mesh"
	"peerconnect/models"
	"peerconnect/storage"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
	healthTimeout     = 3 * time.Second
)

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	logger    zerolog.Logger
	mesh      Mesh
	call      Call
	audit     AuditReader
	health    Pinger
	publicKey string
	origins   []string
	now       func() time.Time
}

// NewHandler creates a Handler from router options.
func NewHandler(options Options) *Handler {
	return &Handler{
		logger:    options.Logger,
		mesh:      options.Mesh,
		call:      options.Call,
		audit:     options.Audit,
		health:    options.Health,
		publicKey: options.PublicKey,
		origins:   options.AllowedOrigins,
		now:       time.Now,
	}
}

// Check is one health check result.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health reports whether the audit database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true
	if h.health != nil {
		start := time.Now()
		if err := h.health.Ping(ctx); err != nil {
			checks["database"] = Check{Status: "fail", Message: "ping failed"}
			healthy = false
		} else {
			checks["database"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["database"] = Check{Status: "pass", Message: "not configured"}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

type identityResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Fingerprint        string `json:"fingerprint,omitempty"`
	FingerprintDisplay string `json:"fingerprint_display,omitempty"`
	PublicKey          string `json:"public_key,omitempty"`
}

func (h *Handler) identityBody() identityResponse {
	identity := h.mesh.Identity()
	return identityResponse{
		ID:                 identity.ID,
		Name:               identity.Name,
		Fingerprint:        identity.Fingerprint,
		FingerprintDisplay: crypto.FormatFingerprint(identity.Fingerprint),
		PublicKey:          h.publicKey,
	}
}

// GetIdentity returns the local identity.
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.identityBody())
}

type updateIdentityRequest struct {
	Name string `json:"name"`
}

// UpdateIdentity renames the local user.
func (h *Handler) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
	var req updateIdentityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := h.mesh.SetDisplayName(req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.identityBody())
}

type scanResponse struct {
	Scanning   bool   `json:"scanning"`
	IntervalMS int64  `json:"interval_ms"`
	PeerCount  int    `json:"peer_count"`
	Connecting string `json:"connecting,omitempty"`
}

func (h *Handler) scanBody() scanResponse {
	connecting, _ := h.mesh.ConnectingPeer()
	return scanResponse{
		Scanning:   h.mesh.Scanning(),
		IntervalMS: h.mesh.ScanInterval().Milliseconds(),
		PeerCount:  len(h.mesh.Peers()),
		Connecting: connecting,
	}
}

// ScanStatus reports whether discovery is running.
func (h *Handler) ScanStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scanBody())
}

// StartScan begins periodic discovery.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	if err := h.mesh.StartScanning(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.scanBody())
}

// StopScan cancels periodic discovery. Known peers are kept.
func (h *Handler) StopScan(w http.ResponseWriter, r *http.Request) {
	if err := h.mesh.StopScanning(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.scanBody())
}

// RefreshScan runs one scan immediately.
func (h *Handler) RefreshScan(w http.ResponseWriter, r *http.Request) {
	if err := h.mesh.Refresh(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.scanBody())
}

type peerResponse struct {
	mesh.PeerView
	LastSeenAgo string `json:"last_seen_ago"`
}

func (h *Handler) peerBody(view mesh.PeerView) peerResponse {
	return peerResponse{
		PeerView:    view,
		LastSeenAgo: humanize.RelTime(view.LastSeen, h.now(), "ago", "from now"),
	}
}

// ListPeers returns known peers with connection state.
func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	views := h.mesh.Peers()
	out := make([]peerResponse, 0, len(views))
	for _, view := range views {
		out = append(out, h.peerBody(view))
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": out})
}

// GetPeer returns one peer.
func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	view, err := h.mesh.Peer(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.peerBody(view))
}

// ConnectPeer runs a connection attempt and responds once it settles.
func (h *Handler) ConnectPeer(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "id")
	if err := h.mesh.ConnectToPeer(r.Context(), peerID); err != nil {
		writeDomainError(w, err)
		return
	}
	h.writePeer(w, peerID)
}

// DisconnectPeer tears down a connection or an in-flight attempt.
func (h *Handler) DisconnectPeer(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "id")
	if err := h.mesh.DisconnectFromPeer(peerID); err != nil {
		writeDomainError(w, err)
		return
	}
	h.writePeer(w, peerID)
}

func (h *Handler) writePeer(w http.ResponseWriter, peerID string) {
	view, err := h.mesh.Peer(peerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.peerBody(view))
}

// ListMessages returns the conversation in send order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages := h.mesh.Messages()
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage relays a message to connected peers.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	message, err := h.mesh.SendMessage(req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

// CallStatus returns the call state.
func (h *Handler) CallStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.call.Snapshot())
}

// StartCall begins a call and responds once it is connected.
func (h *Handler) StartCall(w http.ResponseWriter, r *http.Request) {
	if err := h.call.Start(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	h.mesh.RecordAudit(mesh.AuditCallStarted, "", nil)
	writeJSON(w, http.StatusOK, h.call.Snapshot())
}

// ToggleMute flips the microphone state.
func (h *Handler) ToggleMute(w http.ResponseWriter, r *http.Request) {
	if _, err := h.call.ToggleMute(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.call.Snapshot())
}

// EndCall hangs up. Provider failures are logged; the call is ended regardless.
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	if err := h.call.End(r.Context()); err != nil {
		if errors.Is(err, call.ErrNotInCall) {
			writeDomainError(w, err)
			return
		}
		h.logger.Warn().Err(err).Msg("call provider failed to end cleanly")
	}
	writeJSON(w, http.StatusOK, h.call.Snapshot())
}

// ListAudit returns recent audit events, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []storage.AuditEvent{}})
		return
	}

	query := r.URL.Query()
	filter := storage.AuditEventFilter{
		EventType: strings.TrimSpace(query.Get("event_type")),
		PeerID:    strings.TrimSpace(query.Get("peer_id")),
		Severity:  strings.TrimSpace(query.Get("severity")),
		Limit:     defaultAuditLimit,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxAuditLimit)
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		from := since.UnixMilli()
		filter.FromTimestamp = &from
	}

	events, err := h.audit.GetAuditEvents(filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("list audit events")
		writeError(w, http.StatusInternalServerError, "failed to load audit events")
		return
	}
	if events == nil {
		events = []storage.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
