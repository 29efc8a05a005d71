package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"backupxfer/auth"
	"backupxfer/crypto"
	"backupxfer/discovery"
	"backupxfer/metrics"
	"backupxfer/models"
	"backupxfer/network"
	"backupxfer/storage"
)

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	listen := fs.String("listen", "", "listen address (overrides server.listen_address)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	rt, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	cfg := rt.cfg
	logger := rt.logger

	store, err := rt.openStore()
	if err != nil {
		return err
	}
	defer rt.closeStore(store)

	gate, tokens, err := rt.openGate(store)
	if err != nil {
		return err
	}

	if cfg.Server.BootstrapClientID != "" {
		created, err := gate.EnsureClient(ctx, cfg.Server.BootstrapClientID, cfg.Server.BootstrapSecret, []string{models.PermissionTransferWrite})
		if err != nil {
			return fmt.Errorf("seed bootstrap client: %w", err)
		}
		if created {
			logger.Warn().Str("client_id", cfg.Server.BootstrapClientID).Msg("bootstrap client provisioned; rotate its secret")
		}
	}

	cert, fingerprint, err := crypto.EnsureServerCertificate(cfg.CertificatePath(), cfg.CertificateKeyPath(), cfg.Server.CertificateHosts)
	if err != nil {
		return err
	}

	receiver, err := network.NewReceiver(gate, store, network.ReceiverOptions{
		IncomingDir:       cfg.IncomingDir(),
		TLSConfig:         crypto.ServerTLSConfig(cert),
		ConnectionTimeout: cfg.Server.ConnectionTimeout,
		FrameTimeout:      cfg.Server.FrameTimeout,
		MaxChunkSize:      cfg.Server.MaxChunkSize,
		Audit:             store,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	address := cfg.Server.ListenAddress
	if *listen != "" {
		address = *listen
	}
	server, err := network.Listen(address, receiver)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error().Err(err).Msg("listener close failed")
		}
	}()
	go logServerErrors(server.Errors(), logger)

	fmt.Printf("Receiver ID:     %s\n", cfg.Server.ReceiverID)
	fmt.Printf("Listening:       %s\n", server.Addr())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Data Directory:  %s\n", cfg.DataDir)
	fmt.Printf("Incoming:        %s\n", cfg.IncomingDir())

	if cfg.Server.Advertise {
		port := 0
		if tcp, ok := server.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		advertiser, err := discovery.Advertise(discovery.Config{
			ReceiverID:    cfg.Server.ReceiverID,
			InstanceName:  cfg.Server.InstanceName,
			ListeningPort: port,
			Fingerprint:   fingerprint,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("discovery advertisement failed")
		} else {
			defer advertiser.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	if cfg.Server.MetricsAddress != "" {
		stopMetrics := serveMetrics(cfg.Server.MetricsAddress, logger)
		defer stopMetrics()
		fmt.Printf("Metrics:         http://%s/metrics\n", cfg.Server.MetricsAddress)
	}

	maintenance := &maintainer{
		store:              store,
		tokens:             tokens,
		gate:               gate,
		staleAfter:         cfg.Server.StaleAfter,
		completedRetention: cfg.Server.CompletedRetention,
		logger:             logger.With().Str("component", "maintenance").Logger(),
	}
	go maintenance.run(ctx, cfg.Server.MaintenanceInterval)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

func logServerErrors(errs <-chan error, logger zerolog.Logger) {
	for err := range errs {
		logger.Warn().Err(err).Msg("connection error")
	}
}

func serveMetrics(address string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", address).Msg("metrics server stopped")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// maintainer runs the receiver's periodic housekeeping.
type maintainer struct {
	store              *storage.Store
	tokens             *auth.TokenManager
	gate               *auth.Gate
	staleAfter         time.Duration
	completedRetention time.Duration
	logger             zerolog.Logger
}

func (m *maintainer) run(ctx context.Context, interval time.Duration) {
	m.once(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.once(ctx)
		}
	}
}

func (m *maintainer) once(ctx context.Context) {
	stale, err := m.store.CleanupStale(ctx, m.staleAfter, m.completedRetention)
	if err != nil {
		m.logger.Error().Err(err).Msg("stale transfer cleanup failed")
	}
	for _, token := range stale {
		if token.TempPath == "" {
			continue
		}
		if err := os.Remove(token.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn().Err(err).Str("transfer_id", token.TransferID).Msg("remove partial file failed")
		}
	}

	swept, err := m.tokens.SweepExpired(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("token sweep failed")
	}
	unlocked := m.gate.SweepLockouts()

	pruned, err := m.store.PruneAuditEvents(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("audit prune failed")
	}
	if err := m.store.Checkpoint(); err != nil {
		m.logger.Warn().Err(err).Msg("wal checkpoint failed")
	}

	m.logger.Debug().
		Int("stale_transfers", len(stale)).
		Int64("expired_tokens", swept).
		Int("lockouts_cleared", unlocked).
		Int64("audit_pruned", pruned).
		Msg("maintenance pass finished")
}
