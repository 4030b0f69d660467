package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/autodelete/internal/config"
	"github.com/xiy/autodelete/internal/metrics"
	"github.com/xiy/autodelete/internal/store"
	"github.com/xiy/autodelete/pkg/types"
)

// Service decides which events are tracked and expires tracked records.
// It is the only writer of the record store.
type Service struct {
	store    store.Store
	lifetime time.Duration
	logger   *log.Logger
	metrics  *metrics.Prometheus
	now      func() time.Time

	mu         sync.RWMutex
	exclusions [][]uint16
}

// NewService constructs a tracker over st.
func NewService(st store.Store, cfg config.Config, logger *log.Logger, m *metrics.Prometheus) *Service {
	s := &Service{
		store:    st,
		lifetime: cfg.MessageLifetime,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	s.SetExclusions(cfg.NodeleteHashtags)
	return s
}

// SetExclusions replaces the exclusion hashtags. Safe for concurrent use.
func (s *Service) SetExclusions(tags []string) {
	encoded := EncodeMarkers(tags)
	s.mu.Lock()
	s.exclusions = encoded
	s.mu.Unlock()
}

// Track stores ev if it is eligible. An error means a well-formed eligible
// event could not be persisted.
func (s *Service) Track(ctx context.Context, ev types.Event) (bool, error) {
	s.mu.RLock()
	exclusions := s.exclusions
	s.mu.RUnlock()

	if !Eligible(ev, exclusions) {
		s.metrics.ObserveEvent(false)
		s.logger.Debug("event not tracked", "kind", ev.Kind, "origin_id", ev.OriginID, "record_id", ev.RecordID)
		return false, nil
	}

	rec, err := s.store.Insert(ctx, ev.Record())
	if err != nil {
		return false, fmt.Errorf("track record %d/%d: %w", ev.OriginID, ev.RecordID, err)
	}
	s.metrics.ObserveEvent(true)
	s.logger.Debug("record tracked", "origin_id", rec.OriginID, "record_id", rec.RecordID, "seq", rec.Seq,
		"expires_at", rec.ExpiresAt(s.lifetime).UTC())
	return true, nil
}

// Sweep removes and returns every record older than the lifetime.
func (s *Service) Sweep(ctx context.Context) ([]types.Record, error) {
	started := time.Now()
	recs, err := s.store.SweepExpired(ctx, s.now(), s.lifetime)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveSweep(len(recs), time.Since(started))
	return recs, nil
}
