package ingest

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/xiy/autodelete/pkg/types"
)

// Source yields inbound events. Poll may block and may return an empty batch.
type Source interface {
	Poll(ctx context.Context) ([]types.Event, error)
}

// Tracker stores eligible events.
type Tracker interface {
	Track(ctx context.Context, ev types.Event) (bool, error)
}

// Run feeds events from src to tracker until ctx is cancelled, then returns
// nil. A source or tracker failure stops the loop and is returned.
func Run(ctx context.Context, logger *log.Logger, src Source, tracker Tracker) error {
	logger.Info("ingest loop started")
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := src.Poll(ctx)
		if len(events) > 0 {
			logger.Debug("received events", "count", len(events))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll events: %w", err)
		}

		for _, ev := range events {
			// Events already received are stored even if shutdown has begun.
			if _, err := tracker.Track(context.WithoutCancel(ctx), ev); err != nil {
				return err
			}
		}
	}
}
