package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"matchcore/domain/tx"
	"matchcore/infra/wal"
)

/*
ReplayFromWAL re-applies journaled batches on top of the restored state.

IMPORTANT:
- This MUST run after Restore and before accepting traffic
- Batches at or below the restored index are skipped
- Signatures are verified again; the journal holds raw batches
- Withdrawals are put to the outbox again (Put is idempotent), so a
  crash between apply and outbox write loses nothing
*/
func ReplayFromWAL(
	ctx context.Context,
	dir string,
	e *Engine,
	v Verifier,
	out Outbox,
	log zerolog.Logger,
) (applied int, err error) {
	lastSeq, err := wal.Replay(dir, func(rec *wal.Record) error {
		if rec.Type != wal.RecordBatch {
			return nil
		}
		if last, ok := e.LastIndex(); ok && rec.Seq <= last {
			return nil
		}

		var b tx.Batch
		if err := b.UnmarshalBinary(rec.Data); err != nil {
			return errors.Wrapf(err, "batch %d", rec.Seq)
		}
		if b.LastIndex != rec.Seq {
			return errors.Newf("batch %d journaled under seq %d", b.LastIndex, rec.Seq)
		}

		txs, err := v.Filter(ctx, b.Txs)
		if err != nil {
			return err
		}
		rep := e.Apply(b.LastIndex, txs)
		if rep.Replayed {
			return nil
		}
		applied++

		if out != nil && len(rep.Withdrawals) > 0 {
			if _, err := out.Put(rep.Withdrawals); err != nil {
				return errors.Wrapf(err, "outbox batch %d", b.LastIndex)
			}
		}
		return nil
	})
	if err != nil {
		return applied, errors.Wrap(err, "wal replay")
	}

	log.Info().
		Int("batches", applied).
		Uint64("last_seq", lastSeq).
		Msg("WAL replay completed")
	return applied, nil
}
