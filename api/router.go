// Package api exposes a peer-connect session over HTTP and a WebSocket event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"peerconnect/call"
	"peerconnect/mesh"
	"peerconnect/models"
	"peerconnect/registry"
	"peerconnect/storage"
)

const maxRequestBody = 16 * 1024

// Mesh is the session surface the API drives. *mesh.Session satisfies it.
type Mesh interface {
	StartScanning() error
	StopScanning() error
	Scanning() bool
	ScanInterval() time.Duration
	Refresh(ctx context.Context) error
	Peers() []mesh.PeerView
	Peer(peerID string) (mesh.PeerView, error)
	ConnectingPeer() (string, bool)
	ConnectToPeer(ctx context.Context, peerID string) error
	DisconnectFromPeer(peerID string) error
	SendMessage(content string) (models.Message, error)
	Messages() []models.Message
	Identity() registry.Identity
	SetDisplayName(name string) (registry.Identity, error)
	RecordAudit(eventType, peerID string, details map[string]any)
	Subscribe(buffer int) (<-chan mesh.Event, func())
}

// Call is the call surface. *call.Session satisfies it.
type Call interface {
	Start(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	End(ctx context.Context) error
	Snapshot() call.Snapshot
}

// AuditReader lists persisted audit events. *storage.Store satisfies it.
type AuditReader interface {
	GetAuditEvents(filter storage.AuditEventFilter) ([]storage.AuditEvent, error)
}

// Pinger reports backing store health. *storage.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	Logger zerolog.Logger
	Mesh   Mesh
	Call   Call
	Audit  AuditReader
	Health Pinger

	PublicKey      string
	AllowedOrigins []string

	MessagesPerMinute int
	MessageBurst      int
}

// NewRouter creates and configures the HTTP router.
func NewRouter(options Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(options.Logger))
	r.Use(chimw.Recoverer)

	origins := options.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := NewHandler(options)
	limiter := NewRateLimiter(options.MessagesPerMinute, options.MessageBurst)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/events", h.Events)

	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(maxRequestBody))

		r.Get("/identity", h.GetIdentity)
		r.Put("/identity", h.UpdateIdentity)

		r.Get("/scan", h.ScanStatus)
		r.Post("/scan/start", h.StartScan)
		r.Post("/scan/stop", h.StopScan)
		r.Post("/scan/refresh", h.RefreshScan)

		r.Get("/peers", h.ListPeers)
		r.Get("/peers/{id}", h.GetPeer)
		r.Post("/peers/{id}/connect", h.ConnectPeer)
		r.Post("/peers/{id}/disconnect", h.DisconnectPeer)

		r.Get("/messages", h.ListMessages)
		r.With(limiter.Middleware("messages")).Post("/messages", h.SendMessage)

		r.Get("/call", h.CallStatus)
		r.Post("/call/start", h.StartCall)
		r.Post("/call/mute", h.ToggleMute)
		r.Post("/call/end", h.EndCall)

		r.Get("/audit", h.ListAudit)
	})

	return r
}

// MaxBodySize limits request body size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
