package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/synochain/synochain/internal/alert"
	"github.com/synochain/synochain/internal/api"
	"github.com/synochain/synochain/internal/ledger"
	"github.com/synochain/synochain/internal/storage"
	"github.com/synochain/synochain/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger := newLogger(cfg.Log, os.Stderr)
		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(ctx, storage.Backend(cfg.Storage.Backend), cfg.Storage.StorageLocation())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		ledgerCfg := cfg.LedgerOptions(logger)
		setAlertHooks(ledgerCfg, alerts, logger)

		l, err := ledger.Open(ctx, store, ledgerCfg)
		if err != nil {
			return err
		}

		if recoveryErr := l.RecoveryErr(); recoveryErr != nil {
			location := cfg.Storage.Path
			if cfg.Storage.Backend == string(storage.BackendPostgres) {
				location = "postgres"
			}
			if alertErr := alerts.SendRecoveryAlert(location, recoveryErr); alertErr != nil {
				logger.Warn("Failed to send recovery alert", "err", alertErr)
			}
		}

		logger.Info("Ledger ready",
			"blocks", l.Len(),
			"difficulty", l.Difficulty(),
			"storage", cfg.Storage.Backend,
		)

		auditor := verify.NewAuditor(l, cfg.Verify.IntervalDuration(), logger)
		auditor.SetAlerter(alerts)
		auditor.SetSnapshotVerifier(verify.NewStateIntegrityVerifier(l, store))
		auditor.Start(ctx)
		defer auditor.Stop()

		flushInterval := cfg.Ledger.FlushIntervalDuration()
		flusherDone := make(chan struct{})
		if !cfg.Ledger.FlushOnAnchor && flushInterval > 0 {
			logger.Info("Periodic flushing enabled", "interval", flushInterval)
			go func() {
				defer close(flusherDone)
				l.RunFlusher(ctx, flushInterval)
			}()
		} else {
			close(flusherDone)
		}

		server := api.NewServer(l, api.Options{
			Addr:          cfg.Server.Addr,
			FlushOnAnchor: cfg.Ledger.FlushOnAnchor,
			StrictCID:     cfg.Server.StrictCID,
		}, logger)
		server.SetAuditor(auditor)

		runErr := server.Run(ctx)
		stop()
		<-flusherDone

		logger.Info("Shutting down ledger")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := l.Close(shutdownCtx); err != nil {
			logger.Error("Ledger shutdown failed", "err", err)
		}

		if runErr != nil {
			return fmt.Errorf("http server failed: %w", runErr)
		}
		logger.Info("Synochain stopped")
		return nil
	},
}

// setAlertHooks forwards ledger failures that need an operator to alerts.
func setAlertHooks(cfg *ledger.Config, alerts *alert.Manager, logger *slog.Logger) {
	cfg.OnSealAborted = func(index uint64, difficulty int, err error) {
		// Client disconnects cancel the seal; only deadlines and attempt limits are alerted.
		if errors.Is(err, context.Canceled) {
			return
		}
		if alertErr := alerts.SendSealAbortedAlert(index, difficulty, err); alertErr != nil {
			logger.Warn("Failed to send seal aborted alert", "err", alertErr)
		}
	}

	cfg.OnPersistFailed = func(blocks int, err error) {
		msg := fmt.Sprintf("Could not save %d blocks: %v. Blocks sealed since the last save are held in memory only.", blocks, err)
		if alertErr := alerts.SendSystemAlert("Snapshot persistence failed", msg, "warning"); alertErr != nil {
			logger.Warn("Failed to send persistence alert", "err", alertErr)
		}
	}
}
