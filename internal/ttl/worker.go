package ttl

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/autodelete/internal/store"
	"github.com/xiy/autodelete/pkg/types"
)

// Sweeper removes and returns every expired record, oldest first.
type Sweeper interface {
	Sweep(ctx context.Context) ([]types.Record, error)
}

// Sink receives one deletion request per swept record. Delete must not
// block on the remote side; failures are the sink's concern.
type Sink interface {
	Delete(ctx context.Context, originID, recordID int64)
}

// Start runs a sweep every interval until ctx is cancelled, handing swept
// records to sink. A failed sweep stops the worker and is returned. sweepLog
// may be nil.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, sweeper Sweeper, sink Sink, sweepLog store.SweepLogger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := runOnce(ctx, logger, sweeper, sink, sweepLog); err != nil {
				return err
			}
		}
	}
}

func runOnce(ctx context.Context, logger *log.Logger, sweeper Sweeper, sink Sink, sweepLog store.SweepLogger) error {
	// A sweep that has started commits even if shutdown begins meanwhile,
	// otherwise removed records would never reach the sink.
	sweepCtx := context.WithoutCancel(ctx)

	id := uuid.NewString()
	started := time.Now()
	recs, err := sweeper.Sweep(sweepCtx)
	entry := types.SweepLog{
		ID:         id,
		Removed:    len(recs),
		Success:    err == nil,
		DurationMS: time.Since(started).Milliseconds(),
		CreatedAt:  started.UTC(),
	}
	if err != nil {
		entry.ErrorText = err.Error()
	}
	if sweepLog != nil {
		if logErr := sweepLog.InsertSweepLog(sweepCtx, entry); logErr != nil {
			logger.Warn("failed to record sweep", "sweep_id", id, "error", logErr)
		}
	}
	if err != nil {
		return fmt.Errorf("sweep %s: %w", id, err)
	}

	for _, rec := range recs {
		sink.Delete(sweepCtx, rec.OriginID, rec.RecordID)
	}
	if len(recs) > 0 {
		logger.Info("swept expired records", "sweep_id", id, "count", len(recs), "duration_ms", entry.DurationMS)
	}
	return nil
}
