package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"market/infra/logging"
)

// CursorReader reports how far each log consumer has progressed.
type CursorReader interface {
	All(ctx context.Context) (map[string]uint64, error)
}

// SnapshotJob periodically saves a snapshot and truncates the log up to
// the snapshot, never past an entry a registered consumer still needs.
type SnapshotJob struct {
	engine    *Engine
	interval  time.Duration
	cursors   CursorReader
	consumers []string
	logger    *zap.Logger

	last uint64
}

// NewSnapshotJob returns a job. cursors may be nil when no consumer tails
// the log.
func NewSnapshotJob(e *Engine, interval time.Duration, cursors CursorReader, consumers ...string) *SnapshotJob {
	return &SnapshotJob{
		engine:    e,
		interval:  interval,
		cursors:   cursors,
		consumers: consumers,
		logger:    logging.Component(e.logger, "snapshot-job"),
	}
}

func (j *SnapshotJob) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn("snapshot cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce snapshots if the sequence moved and returns the sequence the log
// was truncated through (0 when nothing was truncated).
func (j *SnapshotJob) RunOnce(ctx context.Context) (uint64, error) {
	if cur := j.engine.CurrentSequence(); cur == 0 || cur == j.last {
		return 0, nil
	}
	st, err := j.engine.SaveSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	j.last = st.Seq

	through, err := j.truncatePoint(ctx, st.Seq)
	if err != nil || through == 0 {
		return 0, err
	}
	if err := j.engine.log.TruncateBefore(through); err != nil {
		return 0, err
	}
	j.logger.Debug("log truncated", zap.Uint64("through", through))
	return through, nil
}

func (j *SnapshotJob) truncatePoint(ctx context.Context, seq uint64) (uint64, error) {
	if j.cursors == nil || len(j.consumers) == 0 {
		return seq, nil
	}
	all, err := j.cursors.All(ctx)
	if err != nil {
		return 0, err
	}
	for _, name := range j.consumers {
		seq = min(seq, all[name])
	}
	return seq, nil
}
