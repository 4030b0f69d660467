package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/xiy/autodelete/pkg/types"
)

const maxRedisSweepLogs = 100

// insertScript adds a member unless it is already live.
// KEYS: records zset, seq counter, seq hash. ARGV: member, created_at.
// Returns {inserted, seq, created_at}.
var insertScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score then
  local seq = redis.call('HGET', KEYS[3], ARGV[1]) or '0'
  return {0, tonumber(seq), tonumber(score)}
end
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], seq)
return {1, seq, tonumber(ARGV[2])}
`)

// sweepScript pops every member scored at or below the threshold.
// KEYS: records zset, seq hash. ARGV: threshold.
// Returns a flat list of {member, score, seq} triples.
var sweepScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES')
if #members == 0 then
  return {}
end
local out = {}
for i = 1, #members, 2 do
  local seq = redis.call('HGET', KEYS[2], members[i]) or '0'
  table.insert(out, members[i])
  table.insert(out, members[i + 1])
  table.insert(out, seq)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i = 1, #members, 2 do
  redis.call('HDEL', KEYS[2], members[i])
end
return out
`)

// RedisStore keeps records in a sorted set scored by created_at. Insert and
// sweep are Lua scripts, so each runs atomically on the server.
type RedisStore struct {
	mu     sync.Mutex
	rdb    *redis.Client
	logger *log.Logger
	closed bool

	recordsKey string
	seqKey     string
	seqsKey    string
	sweepsKey  string
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, prefix string, logger *log.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb, prefix, logger), nil
}

// NewRedis wraps an existing client. Keys are namespaced by prefix.
func NewRedis(rdb *redis.Client, prefix string, logger *log.Logger) *RedisStore {
	if prefix == "" {
		prefix = "autodelete"
	}
	return &RedisStore{
		rdb:        rdb,
		logger:     logger,
		recordsKey: prefix + ":records",
		seqKey:     prefix + ":seq",
		seqsKey:    prefix + ":seqs",
		sweepsKey:  prefix + ":sweeps",
	}
}

func (s *RedisStore) Insert(ctx context.Context, rec types.Record) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rec, ErrClosed
	}

	member := memberKey(rec.OriginID, rec.RecordID)
	vals, err := insertScript.Run(ctx, s.rdb,
		[]string{s.recordsKey, s.seqKey, s.seqsKey},
		member, rec.CreatedAt,
	).Int64Slice()
	if err != nil {
		return rec, fmt.Errorf("insert record: %w", err)
	}
	if len(vals) != 3 {
		return rec, fmt.Errorf("insert record: unexpected reply %v", vals)
	}
	if vals[0] == 0 {
		s.logger.Debug("record already live", "origin_id", rec.OriginID, "record_id", rec.RecordID, "seq", vals[1])
	}
	rec.Seq = vals[1]
	rec.CreatedAt = vals[2]
	return rec, nil
}

func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time, lifetime time.Duration) ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	threshold := strconv.FormatInt(types.Threshold(now, lifetime), 10)
	vals, err := sweepScript.Run(ctx, s.rdb, []string{s.recordsKey, s.seqsKey}, threshold).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("sweep records: %w", err)
	}
	if len(vals)%3 != 0 {
		return nil, fmt.Errorf("sweep records: unexpected reply length %d", len(vals))
	}

	// Members are already removed; a decode failure is logged, not returned,
	// so the rest of the batch still reaches the caller.
	out := make([]types.Record, 0, len(vals)/3)
	for i := 0; i < len(vals); i += 3 {
		rec, err := decodeMember(vals[i], vals[i+1], vals[i+2])
		if err != nil {
			s.logger.Error("dropping undecodable swept member", "member", vals[i], "error", err)
			continue
		}
		out = append(out, rec)
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context, now time.Time, lifetime time.Duration) (Stats, error) {
	var st Stats
	pending, err := s.rdb.ZCard(ctx, s.recordsKey).Result()
	if err != nil {
		return st, fmt.Errorf("record stats: %w", err)
	}
	st.Pending = pending
	if pending == 0 {
		return st, nil
	}

	threshold := strconv.FormatInt(types.Threshold(now, lifetime), 10)
	if st.Expired, err = s.rdb.ZCount(ctx, s.recordsKey, "-inf", threshold).Result(); err != nil {
		return st, fmt.Errorf("expired stats: %w", err)
	}
	first, err := s.rdb.ZRangeWithScores(ctx, s.recordsKey, 0, 0).Result()
	if err != nil {
		return st, fmt.Errorf("oldest stats: %w", err)
	}
	last, err := s.rdb.ZRangeWithScores(ctx, s.recordsKey, -1, -1).Result()
	if err != nil {
		return st, fmt.Errorf("newest stats: %w", err)
	}
	if len(first) > 0 {
		st.Oldest = int64(first[0].Score)
	}
	if len(last) > 0 {
		st.Newest = int64(last[0].Score)
	}
	return st, nil
}

func (s *RedisStore) Oldest(ctx context.Context, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	zs, err := s.rdb.ZRangeWithScores(ctx, s.recordsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list oldest records: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	members := make([]string, 0, len(zs))
	for _, z := range zs {
		members = append(members, fmt.Sprint(z.Member))
	}
	seqs, err := s.rdb.HMGet(ctx, s.seqsKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("list oldest seqs: %w", err)
	}

	out := make([]types.Record, 0, len(zs))
	for i, z := range zs {
		seq := "0"
		if v, ok := seqs[i].(string); ok {
			seq = v
		}
		rec, err := decodeMember(members[i], strconv.FormatFloat(z.Score, 'f', 0, 64), seq)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// InsertSweepLog prepends a sweep summary to a capped list.
func (s *RedisStore) InsertSweepLog(ctx context.Context, rec types.SweepLog) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal sweep log: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.sweepsKey, b)
	pipe.LTrim(ctx, s.sweepsKey, 0, maxRedisSweepLogs-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert sweep log: %w", err)
	}
	return nil
}

// RecentSweepLogs returns the most recent sweeps, newest first.
func (s *RedisStore) RecentSweepLogs(ctx context.Context, limit int) ([]types.SweepLog, error) {
	if limit <= 0 {
		limit = 20
	}
	raw, err := s.rdb.LRange(ctx, s.sweepsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sweep logs: %w", err)
	}
	items := make([]types.SweepLog, 0, len(raw))
	for _, r := range raw {
		var row types.SweepLog
		if err := json.Unmarshal([]byte(r), &row); err != nil {
			continue
		}
		items = append(items, row)
	}
	return items, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rdb.Close()
}

func memberKey(originID, recordID int64) string {
	return strconv.FormatInt(originID, 10) + ":" + strconv.FormatInt(recordID, 10)
}

func decodeMember(member, score, seq string) (types.Record, error) {
	origin, record, ok := strings.Cut(member, ":")
	if !ok {
		return types.Record{}, fmt.Errorf("malformed member %q", member)
	}
	var (
		rec types.Record
		err error
	)
	if rec.OriginID, err = strconv.ParseInt(origin, 10, 64); err != nil {
		return rec, fmt.Errorf("parse origin of %q: %w", member, err)
	}
	if rec.RecordID, err = strconv.ParseInt(record, 10, 64); err != nil {
		return rec, fmt.Errorf("parse record of %q: %w", member, err)
	}
	created, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return rec, fmt.Errorf("parse score of %q: %w", member, err)
	}
	rec.CreatedAt = int64(created)
	rec.Seq, _ = strconv.ParseInt(seq, 10, 64)
	return rec, nil
}
