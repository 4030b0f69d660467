package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/xiy/autodelete/pkg/types"
)

// ErrClosed is returned by writes on a closed store.
var ErrClosed = errors.New("store is closed")

// Stats summarizes the live record set for dashboards.
type Stats struct {
	Pending int64
	Expired int64
	// Oldest and Newest are Unix seconds; zero when the store is empty.
	Oldest int64
	Newest int64
}

// Store is the durable, expiry-ordered record index. Insert and
// SweepExpired never run concurrently against the same Store.
type Store interface {
	// Insert persists rec before returning. A record whose (origin, id)
	// pair is already live is not stored twice; the live one is returned.
	Insert(ctx context.Context, rec types.Record) (types.Record, error)
	// SweepExpired removes and returns every record with
	// created_at + lifetime <= now, oldest first. On error nothing is removed.
	SweepExpired(ctx context.Context, now time.Time, lifetime time.Duration) ([]types.Record, error)
	Stats(ctx context.Context, now time.Time, lifetime time.Duration) (Stats, error)
	// Oldest lists up to limit live records, oldest first.
	Oldest(ctx context.Context, limit int) ([]types.Record, error)
	Close() error
}

// SweepLogger stores per-sweep audit rows.
type SweepLogger interface {
	InsertSweepLog(ctx context.Context, rec types.SweepLog) error
	RecentSweepLogs(ctx context.Context, limit int) ([]types.SweepLog, error)
}

func sortOldestFirst(recs []types.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].Seq < recs[j].Seq
	})
}
