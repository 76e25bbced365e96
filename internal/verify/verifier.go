package verify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/synochain/synochain/internal/ledger"
)

// Chain is the part of the ledger the auditor reads.
type Chain interface {
	Verify() error
	Len() int
}

type Alerter interface {
	SendIntegrityAlert(blockIndex uint64, reason string) error
}

type Result struct {
	Valid     bool      `json:"valid"`
	Blocks    int       `json:"blocks"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Auditor re-validates the whole chain at startup and on a fixed interval.
// An alert is sent when the chain goes from valid to invalid, not on every failed check.
type Auditor struct {
	chain    Chain
	snapshot *StateIntegrityVerifier
	alerter  Alerter
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last *Result

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAuditor(chain Chain, interval time.Duration, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		chain:    chain,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (a *Auditor) SetAlerter(alerter Alerter) {
	a.alerter = alerter
}

// SetSnapshotVerifier adds a comparison of the stored snapshot to every check.
func (a *Auditor) SetSnapshotVerifier(v *StateIntegrityVerifier) {
	a.snapshot = v
}

func (a *Auditor) Start(ctx context.Context) {
	a.logger.Info("Running startup chain verification")
	a.VerifyNow(ctx)

	if a.interval <= 0 {
		return
	}

	a.wg.Add(1)
	go a.runPeriodicVerification(ctx)
}

func (a *Auditor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
}

func (a *Auditor) runPeriodicVerification(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.VerifyNow(ctx)
		}
	}
}

// VerifyNow validates the chain once and records the result.
func (a *Auditor) VerifyNow(ctx context.Context) Result {
	err := a.chain.Verify()
	if err == nil && a.snapshot != nil {
		err = a.snapshot.Compare(ctx)
		// Unreadable storage is not evidence of tampering.
		if err != nil && !ledger.IsIntegrityError(err) {
			a.logger.Warn("Skipping snapshot comparison", "err", err)
			err = nil
		}
	}
	result := Result{
		Valid:     err == nil,
		Blocks:    a.chain.Len(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	a.mu.Lock()
	wasValid := a.last == nil || a.last.Valid
	a.last = &result
	a.mu.Unlock()

	if result.Valid {
		a.logger.Debug("Chain verified", "blocks", result.Blocks)
		return result
	}

	a.logger.Error("Chain verification failed", "blocks", result.Blocks, "err", err)

	if wasValid && a.alerter != nil {
		var index uint64
		reason := err.Error()
		if ie := ledger.AsIntegrityError(err); ie != nil {
			index, reason = ie.Index, ie.Reason
		}
		if alertErr := a.alerter.SendIntegrityAlert(index, reason); alertErr != nil {
			a.logger.Warn("Failed to send integrity alert", "err", alertErr)
		}
	}

	return result
}

// LastResult returns the most recent verification, or nil before the first one.
func (a *Auditor) LastResult() *Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return nil
	}
	r := *a.last
	return &r
}
