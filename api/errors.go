package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"peerconnect/call"
	"peerconnect/connection"
	"peerconnect/discovery"
	"peerconnect/mesh"
	"peerconnect/registry"
	"peerconnect/relay"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, connection.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, connection.ErrAlreadyConnected),
		errors.Is(err, connection.ErrConnectInFlight),
		errors.Is(err, connection.ErrNotConnected),
		errors.Is(err, connection.ErrPeerOffline),
		errors.Is(err, connection.ErrConnectAborted),
		errors.Is(err, discovery.ErrNotScanning),
		errors.Is(err, call.ErrCallActive),
		errors.Is(err, call.ErrNotInCall),
		errors.Is(err, call.ErrCallEnded):
		return http.StatusConflict
	case errors.Is(err, relay.ErrEmptyMessage),
		errors.Is(err, relay.ErrMessageTooLong),
		errors.Is(err, registry.ErrEmptyName):
		return http.StatusBadRequest
	case errors.Is(err, connection.ErrConnectFailed):
		return http.StatusBadGateway
	case errors.Is(err, mesh.ErrSessionClosed),
		errors.Is(err, connection.ErrManagerClosed),
		errors.Is(err, discovery.ErrScannerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}
