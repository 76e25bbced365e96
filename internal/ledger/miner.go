package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sealJob struct {
	id          string
	ctx         context.Context
	block       *Block
	difficulty  int
	maxAttempts uint64
	done        chan error
}

// Miner runs proof-of-work on a dedicated goroutine so that callers only wait
// on a channel and can give up through their context.
type Miner struct {
	logger *slog.Logger
	jobs   chan *sealJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewMiner(logger *slog.Logger) *Miner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Miner{
		logger: logger,
		jobs:   make(chan *sealJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Miner) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop aborts any seal in progress and waits for the worker to exit.
func (m *Miner) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func (m *Miner) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case job := <-m.jobs:
			m.seal(job)
		}
	}
}

func (m *Miner) seal(job *sealJob) {
	ctx, cancel := context.WithCancel(job.ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	log := m.logger.With("job", job.id, "index", job.block.Index, "difficulty", job.difficulty)
	log.Debug("Sealing block", "commitments", len(job.block.Commitments))

	start := time.Now()
	err := job.block.Seal(ctx, job.difficulty, job.maxAttempts)
	if err != nil {
		log.Warn("Sealing aborted", "nonce", job.block.Nonce, "elapsed", time.Since(start), "err", err)
	} else {
		log.Info("Block sealed", "hash", job.block.Hash, "nonce", job.block.Nonce, "elapsed", time.Since(start))
	}

	job.done <- err
}

// Seal blocks until block is sealed, ctx ends, or the miner stops.
func (m *Miner) Seal(ctx context.Context, block *Block, difficulty int, maxAttempts uint64) error {
	job := &sealJob{
		id:          uuid.NewString(),
		ctx:         ctx,
		block:       block,
		difficulty:  difficulty,
		maxAttempts: maxAttempts,
		done:        make(chan error, 1),
	}

	select {
	case m.jobs <- job:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSealAborted, ctx.Err())
	case <-m.ctx.Done():
		return ErrMinerStopped
	}

	return <-job.done
}
