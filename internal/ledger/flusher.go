package ledger

import (
	"context"
	"errors"
	"time"
)

// RunFlusher seals pending commitments every interval until ctx is done.
// Ticks with nothing pending are skipped.
func (l *Ledger) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(l.Pending()) == 0 {
				continue
			}
			block, err := l.Flush(ctx)
			switch {
			case err == nil:
				l.logger.Info("Periodic flush sealed block", "index", block.Index, "commitments", len(block.Commitments))
			case errors.Is(err, ErrPersist):
				l.logger.Warn("Periodic flush sealed block but could not persist it", "index", block.Index)
			case errors.Is(err, ErrNothingPending):
			default:
				l.logger.Error("Periodic flush failed", "err", err)
			}
		}
	}
}
