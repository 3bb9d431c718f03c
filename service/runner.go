package service

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"matchcore/domain/funding"
	"matchcore/domain/tx"
	"matchcore/infra/wal"
	"matchcore/snapshot"
)

// Source delivers ordered batches. A batch is redelivered until Commit
// is called after it. NextBatch returns io.EOF when the source is
// exhausted.
type Source interface {
	NextBatch(ctx context.Context) (tx.Batch, error)
	Commit(ctx context.Context) error
}

// Verifier decodes and verifies raw transactions. Failed entries are nil.
type Verifier interface {
	Filter(ctx context.Context, raws [][]byte) ([]tx.Tx, error)
}

// Journal is the write-ahead log of admitted batches.
type Journal interface {
	Append(r *wal.Record) error
	TruncateBefore(seq uint64) error
}

// Outbox durably queues withdrawals for the signers.
type Outbox interface {
	Put(ws []funding.Withdrawal) (int, error)
}

// Notifier receives pair updates after each batch. Notify must not block.
type Notifier interface {
	Notify(u PairUpdate)
}

type RunnerConfig struct {
	// SnapshotEvery is the number of arrival indexes between snapshots.
	// Zero disables snapshots.
	SnapshotEvery uint64
}

// Runner is the batch loop around the engine: journal, verify, apply,
// queue withdrawals, notify, commit. Only Journal, Verifier and Source
// are required.
type Runner struct {
	cfg      RunnerConfig
	engine   *Engine
	src      Source
	verifier Verifier
	journal  Journal
	outbox   Outbox
	notifier Notifier
	store    snapshot.Store
	log      zerolog.Logger
	metrics  *Metrics

	lastSnap uint64
	saves    chan snapshotJob
}

type RunnerDeps struct {
	Source   Source
	Verifier Verifier
	Journal  Journal
	Outbox   Outbox
	Notifier Notifier
	Store    snapshot.Store
	Logger   zerolog.Logger
	Metrics  *Metrics
}

func NewRunner(cfg RunnerConfig, e *Engine, deps RunnerDeps) *Runner {
	m := deps.Metrics
	if m == nil {
		m = NopMetrics()
	}
	r := &Runner{
		cfg:      cfg,
		engine:   e,
		src:      deps.Source,
		verifier: deps.Verifier,
		journal:  deps.Journal,
		outbox:   deps.Outbox,
		notifier: deps.Notifier,
		store:    deps.Store,
		log:      deps.Logger.With().Str("module", "runner").Logger(),
		metrics:  m,
	}
	if idx, ok := e.LastIndex(); ok {
		r.lastSnap = idx
	}
	return r
}

// Run consumes batches until ctx is cancelled or the source is
// exhausted. A snapshot that is still queued when the loop ends is
// saved before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.saves = make(chan snapshotJob, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.saveLoop()
		return nil
	})
	g.Go(func() error {
		defer close(r.saves)
		return r.loop(gctx)
	})

	err := g.Wait()
	r.saves = nil
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		b, err := r.src.NextBatch(ctx)
		if errors.Is(err, io.EOF) {
			r.log.Info().Msg("source exhausted")
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "next batch")
		}
		if err := r.Step(ctx, b); err != nil {
			return err
		}
		if err := r.src.Commit(ctx); err != nil {
			return errors.Wrap(err, "commit")
		}
	}
}

// Step runs one batch through the pipeline. It must only be called from
// the goroutine that owns the engine's write path.
func (r *Runner) Step(ctx context.Context, b tx.Batch) error {
	if last, ok := r.engine.LastIndex(); ok && b.LastIndex <= last {
		r.metrics.BatchesSkipped.Add(1)
		r.log.Debug().Uint64("index", b.LastIndex).Uint64("applied", last).Msg("redelivered batch dropped")
		return nil
	}

	// 1️⃣ Journal the batch before anything observes it
	frame, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	if err := r.journal.Append(wal.NewRecord(wal.RecordBatch, b.LastIndex, frame)); err != nil {
		return errors.Wrapf(err, "journal batch %d", b.LastIndex)
	}

	// 2️⃣ Verify in parallel, no state touched
	txs, err := r.verifier.Filter(ctx, b.Txs)
	if err != nil {
		return err
	}
	dropped := 0
	for i, t := range txs {
		if t == nil && b.Txs[i] != nil {
			dropped++
		}
	}
	if dropped > 0 {
		r.metrics.VerifyFailures.Add(float64(dropped))
	}

	// 3️⃣ Execute deterministic domain logic
	rep := r.engine.Apply(b.LastIndex, txs)
	if rep.Replayed {
		return nil
	}

	// 4️⃣ Hand off side effects
	if r.outbox != nil && len(rep.Withdrawals) > 0 {
		if _, err := r.outbox.Put(rep.Withdrawals); err != nil {
			return errors.Wrapf(err, "outbox batch %d", b.LastIndex)
		}
	}
	if r.notifier != nil {
		for _, u := range rep.Updates {
			r.notifier.Notify(u)
		}
	}

	r.maybeSnapshot(b.LastIndex)
	return nil
}
