package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/pkg/utils"
)

const minCacheableLength = 10

// Responses containing one of these are failure messages and never cached.
var failureMarkers = []string{
	"experiencing technical difficulties",
	"i'm still learning about this product",
	"please try again in a moment",
}

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[?!.]`)
)

// Normalize lowercases a query, strips ?!. and collapses whitespace.
// Normalize(Normalize(q)) == Normalize(q).
func Normalize(query string) string {
	q := strings.ToLower(query)
	q = punctuationRe.ReplaceAllString(q, "")
	q = whitespaceRe.ReplaceAllString(q, " ")
	return strings.TrimSpace(q)
}

func Fingerprint(query string) string {
	return utils.HashString(Normalize(query))
}

type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Response    string    `json:"response"`
	CachedAt    time.Time `json:"cached_at"`
	TTLSeconds  int       `json:"ttl"`
}

func (e CacheEntry) expired(now time.Time) bool {
	return now.After(e.CachedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

type CacheStats struct {
	CachedQueries int   `json:"cached_queries"`
	Hits          int64 `json:"hits"`
}

// ResponseCache is a cache-aside store of answers keyed by widget and
// normalized query. Redis failures degrade to misses and no-ops.
type ResponseCache struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewResponseCache(client *Client, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	return &ResponseCache{client: client, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock replaces the time source; used by tests.
func (rc *ResponseCache) WithClock(now func() time.Time) *ResponseCache {
	rc.now = now
	return rc
}

func widgetPrefix(widgetID string) string {
	return fmt.Sprintf("cache:widget:%s:", widgetID)
}

func responseKey(widgetID, fingerprint string) string {
	return widgetPrefix(widgetID) + "query:" + fingerprint
}

func hitsKey(widgetID string) string {
	return fmt.Sprintf("cache_stats:widget:%s:hits", widgetID)
}

func (rc *ResponseCache) Get(ctx context.Context, widgetID, query string) (string, bool) {
	fp := Fingerprint(query)
	key := responseKey(widgetID, fp)
	rdb := rc.client.Redis()

	data, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}
	if err != nil {
		rc.logger.Warn("Response cache read failed", zap.String("widget_id", widgetID), zap.Error(err))
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return "", false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		rc.logger.Warn("Dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		rdb.Del(ctx, key)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}

	if entry.expired(rc.now()) {
		rdb.Del(ctx, key)
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		return "", false
	}

	if err := rdb.Incr(ctx, hitsKey(widgetID)).Err(); err != nil {
		rc.logger.Debug("Failed to count cache hit", zap.Error(err))
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	rc.logger.Debug("Response cache hit", zap.String("widget_id", widgetID), zap.String("fingerprint", fp))
	return entry.Response, true
}

// Cacheable reports whether a response may be stored.
func Cacheable(response string) bool {
	trimmed := strings.TrimSpace(response)
	if len(trimmed) < minCacheableLength {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// Put stores a response. It returns whether the entry was written.
func (rc *ResponseCache) Put(ctx context.Context, widgetID, query, response string) bool {
	if !Cacheable(response) {
		return false
	}

	fp := Fingerprint(query)
	entry := CacheEntry{
		Fingerprint: fp,
		Response:    response,
		CachedAt:    rc.now().UTC(),
		TTLSeconds:  int(rc.ttl / time.Second),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		rc.logger.Warn("Failed to marshal cache entry", zap.Error(err))
		return false
	}

	if err := rc.client.Redis().Set(ctx, responseKey(widgetID, fp), data, rc.ttl).Err(); err != nil {
		rc.logger.Warn("Response cache write failed", zap.String("widget_id", widgetID), zap.Error(err))
		return false
	}
	return true
}

// Invalidate drops every cached response of a widget.
func (rc *ResponseCache) Invalidate(ctx context.Context, widgetID string) error {
	n, err := rc.client.deleteByPattern(ctx, widgetPrefix(widgetID)+"*")
	if err != nil {
		rc.logger.Warn("Response cache invalidation failed", zap.String("widget_id", widgetID), zap.Error(err))
		return err
	}
	rc.logger.Info("Response cache invalidated", zap.String("widget_id", widgetID), zap.Int("keys", n))
	return nil
}

func (rc *ResponseCache) Stats(ctx context.Context, widgetID string) CacheStats {
	var stats CacheStats

	n, err := rc.client.countByPattern(ctx, widgetPrefix(widgetID)+"query:*")
	if err != nil {
		rc.logger.Warn("Failed to count cached queries", zap.Error(err))
	}
	stats.CachedQueries = n

	hits, err := rc.client.Redis().Get(ctx, hitsKey(widgetID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		rc.logger.Warn("Failed to read cache hits", zap.Error(err))
	}
	stats.Hits = hits
	return stats
}
