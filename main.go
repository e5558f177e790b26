package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"peerconnect/api"
	"peerconnect/call"
	"peerconnect/config"
	"peerconnect/crypto"
	"peerconnect/discovery"
	"peerconnect/logging"
	"peerconnect/mesh"
	"peerconnect/metrics"
	"peerconnect/registry"
	"peerconnect/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	logFile := cfg.LogFile
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(dataDir, "logs", logFile)
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   logFile,
	})
	if err != nil {
		log.Fatalf("startup failed while configuring logging: %v", err)
	}

	err = run(logger, cfg, cfgPath)
	if err != nil {
		logger.Error().Err(err).Msg("peerconnect stopped with error")
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(logger zerolog.Logger, cfg *config.Config, cfgPath string) error {
	dataDir := filepath.Dir(cfgPath)

	keys, err := crypto.EnsureKeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return fmt.Errorf("prepare identity key: %w", err)
	}
	if fingerprint := keys.Fingerprint(); cfg.KeyFingerprint != fingerprint {
		if err := persistFingerprint(cfgPath, fingerprint); err != nil {
			return err
		}
		cfg.KeyFingerprint = fingerprint
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("database close error")
		}
	}()
	store.SetAuditRetention(cfg.AuditRetention.Duration)

	logger.Info().
		Str("device_id", cfg.DeviceID).
		Str("device_name", cfg.DeviceName).
		Str("fingerprint", crypto.FormatFingerprint(cfg.KeyFingerprint)).
		Str("config", cfgPath).
		Str("database", dbPath).
		Str("discovery", cfg.DiscoveryMode).
		Msg("peerconnect starting")

	source, err := buildSource(cfg)
	if err != nil {
		return err
	}

	if cfg.UsesMDNSDiscovery() {
		port, _ := cfg.ListenPort()
		broadcaster, err := discovery.StartBroadcaster(discovery.MDNSConfig{
			SelfDeviceID:   cfg.DeviceID,
			DeviceName:     cfg.DeviceName,
			ListeningPort:  port,
			KeyFingerprint: cfg.KeyFingerprint,
		})
		if err != nil {
			// Browsing still works without advertising ourselves.
			logger.Warn().Err(err).Msg("mDNS broadcast unavailable")
		} else {
			defer broadcaster.Stop()
		}
	}

	session, err := mesh.NewSession(mesh.Options{
		Identity: registry.Identity{
			ID:          cfg.DeviceID,
			Name:        cfg.DeviceName,
			Fingerprint: cfg.KeyFingerprint,
		},
		Source:           source,
		RefreshInterval:  cfg.ScanInterval.Duration,
		ScanTimeout:      cfg.ScanTimeout.Duration,
		PeerStaleAfter:   cfg.PeerStaleAfter.Duration,
		PeerRemoveAfter:  cfg.PeerRemoveAfter.Duration,
		ConnectDelay:     cfg.ConnectDelay.Duration,
		FailureRate:      cfg.ConnectFailureRate,
		MaxHops:          cfg.MaxHops,
		MaxContentLength: cfg.MaxMessageLength,
		MessageRetention: cfg.EffectiveMessageRetention(),
		Sign:             keys.Sign,
		Audit:            store,
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("session error")
		},
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	calls := call.NewSession(call.Options{
		OnEnd: func(summary call.Summary) {
			metrics.CallsEnded.Inc()
			metrics.CallDuration.Observe(summary.Duration.Seconds())
			details := map[string]any{"duration_ms": summary.Duration.Milliseconds()}
			if summary.Err != nil {
				details["error"] = summary.Err.Error()
			}
			session.RecordAudit(mesh.AuditCallEnded, "", details)
		},
	})

	if err := session.Start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.Close()
	if cfg.ScansOnStart() {
		if err := session.StartScanning(); err != nil {
			return fmt.Errorf("start scanning: %w", err)
		}
	}

	router := api.NewRouter(api.Options{
		Logger:            logger,
		Mesh:              session,
		Call:              calls,
		Audit:             store,
		Health:            store,
		PublicKey:         keys.PublicKeyBase64(),
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		MessagesPerMinute: cfg.MessagesPerMinute,
		MessageBurst:      cfg.MessageBurst,
	})
	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.ListenAddress).Msg("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve HTTP: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if calls.IsConnected() {
		if err := calls.End(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("call did not end cleanly")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	logger.Info().Msg("peerconnect stopped")
	return nil
}

// buildSource selects the discovery backends named by discovery_mode.
func buildSource(cfg *config.Config) (discovery.Source, error) {
	var sources discovery.MultiSource

	if cfg.UsesSimulatedDiscovery() {
		simulated := discovery.SimulatedConfig{}
		if cfg.RosterPath != "" {
			roster, err := discovery.LoadRoster(cfg.RosterPath)
			if err != nil {
				return nil, err
			}
			simulated.Roster = roster
		}
		sources = append(sources, discovery.NewSimulatedSource(simulated))
	}

	if cfg.UsesMDNSDiscovery() {
		mdns, err := discovery.NewMDNSSource(discovery.MDNSConfig{SelfDeviceID: cfg.DeviceID})
		if err != nil {
			return nil, err
		}
		sources = append(sources, mdns)
	}

	if len(sources) == 1 {
		return sources[0], nil
	}
	return sources, nil
}

// persistFingerprint writes the key fingerprint without saving environment overrides.
func persistFingerprint(cfgPath, fingerprint string) error {
	onDisk, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	onDisk.KeyFingerprint = fingerprint
	if err := config.Save(cfgPath, onDisk); err != nil {
		return fmt.Errorf("persist key fingerprint: %w", err)
	}
	return nil
}
