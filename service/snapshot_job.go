package service

import "matchcore/snapshot"

type snapshotJob struct {
	index uint64
	blob  []byte
}

// maybeSnapshot serializes the engine once SnapshotEvery indexes have
// been applied since the last snapshot. Serialization happens here on
// the writer; the store write does not.
func (r *Runner) maybeSnapshot(index uint64) {
	if r.store == nil || r.cfg.SnapshotEvery == 0 || index-r.lastSnap < r.cfg.SnapshotEvery {
		return
	}
	r.lastSnap = index

	st := r.engine.State()
	job := snapshotJob{index: st.Index, blob: snapshot.Encode(st)}
	if r.saves == nil {
		r.save(job)
		return
	}

	// latest wins: replace a job the saver has not picked up yet
	select {
	case r.saves <- job:
	default:
		select {
		case old := <-r.saves:
			r.log.Debug().Uint64("index", old.index).Msg("snapshot superseded")
		default:
		}
		r.saves <- job
	}
}

func (r *Runner) saveLoop() {
	for job := range r.saves {
		r.save(job)
	}
}

// save writes the snapshot and drops journal segments it covers.
func (r *Runner) save(job snapshotJob) {
	if err := r.store.Save(job.index, job.blob); err != nil {
		r.log.Error().Err(err).Uint64("index", job.index).Msg("snapshot save failed")
		return
	}
	r.metrics.SnapshotsSaved.Add(1)
	r.metrics.SnapshotBytes.Observe(float64(len(job.blob)))

	if err := r.journal.TruncateBefore(job.index); err != nil {
		r.log.Warn().Err(err).Uint64("index", job.index).Msg("journal truncation failed")
	}
	r.log.Info().Uint64("index", job.index).Int("bytes", len(job.blob)).Msg("snapshot saved")
}
