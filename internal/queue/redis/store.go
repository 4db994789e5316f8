// Package redis keeps the URL feed and the retry delay store in Redis so a
// restarted crawler picks up pending retries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// DefaultPrefix namespaces the keys used by Store.
const DefaultPrefix = "streamcrawler"

const releaseBatch = 500

// releaseScript moves due members of the delay set onto the tail of the feed
// list in one atomic step so concurrent sweepers never release a task twice.
var releaseScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('RPUSH', KEYS[2], member)
end
return #due
`)

// Store implements crawler.Feed and crawler.DelayStore on a Redis list and
// sorted set. Sorted set scores are release times in unix milliseconds.
type Store struct {
	client   goredis.UniversalClient
	feedKey  string
	delayKey string
	clock    crawler.Clock
	logger   *zap.Logger
}

// New builds a Store. An empty prefix uses DefaultPrefix.
func New(client goredis.UniversalClient, prefix string, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis store requires a client")
	}
	if clock == nil {
		return nil, errors.New("redis store requires a clock")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:   client,
		feedKey:  prefix + ":feed",
		delayKey: prefix + ":delay",
		clock:    clock,
		logger:   logger.Named("redis_queue"),
	}, nil
}

// Push appends a ready task to the feed.
func (s *Store) Push(ctx context.Context, task crawler.CrawlTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := s.client.RPush(ctx, s.feedKey, payload).Err(); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Next implements crawler.Feed.
func (s *Store) Next(ctx context.Context) (crawler.CrawlTask, bool, error) {
	raw, err := s.client.LPop(ctx, s.feedKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.CrawlTask{}, false, nil
	}
	if err != nil {
		return crawler.CrawlTask{}, false, fmt.Errorf("pop task: %w", err)
	}
	var task crawler.CrawlTask
	if err := json.Unmarshal(raw, &task); err != nil {
		s.logger.Warn("dropping undecodable task", zap.ByteString("payload", raw), zap.Error(err))
		return crawler.CrawlTask{Degenerate: true}, true, nil
	}
	return task, true, nil
}

// Add implements crawler.DelayStore.
func (s *Store) Add(ctx context.Context, task crawler.CrawlTask, releaseAt time.Time) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	z := goredis.Z{Score: float64(releaseAt.UnixMilli()), Member: string(payload)}
	if err := s.client.ZAdd(ctx, s.delayKey, z).Err(); err != nil {
		return fmt.Errorf("delay task: %w", err)
	}
	return nil
}

// Len returns the number of ready tasks.
func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.feedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("feed length: %w", err)
	}
	return int(n), nil
}

// Pending returns the number of delayed tasks.
func (s *Store) Pending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.delayKey).Result()
	if err != nil {
		return 0, fmt.Errorf("delay size: %w", err)
	}
	return int(n), nil
}

// ReleaseDue moves tasks whose release time is not after now into the feed.
func (s *Store) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	var total int
	for {
		n, err := releaseScript.Run(ctx, s.client,
			[]string{s.delayKey, s.feedKey},
			strconv.FormatInt(now.UnixMilli(), 10), releaseBatch,
		).Int()
		if err != nil {
			return total, fmt.Errorf("release due tasks: %w", err)
		}
		total += n
		if n < releaseBatch {
			return total, nil
		}
	}
}

// RunReleaser sweeps due tasks every interval until ctx is done.
func (s *Store) RunReleaser(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReleaseDue(ctx, s.clock.Now())
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("release sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				s.logger.Debug("released delayed tasks", zap.Int("count", n))
			}
		}
	}
}
