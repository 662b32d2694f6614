package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/observability"
)

// PricePoint is the point-in-time spot lookup served by price sources.
type PricePoint interface {
	SpotOpenPriceAt(ctx context.Context, coin string, tsMs int64) (float64, error)
}

// PriceBackend is the full price surface the cache wraps.
type PriceBackend interface {
	bucket.PriceSource
	PricePoint
}

// CachedPriceSource layers an in-process map and an optional Redis
// cache over a price backend. Historical candles never change, so
// entries are safe to reuse across runs; Redis lets concurrent workers
// share them. Cache failures degrade to the backend.
type CachedPriceSource struct {
	backend PriceBackend
	rdb     *redis.Client
	ttl     time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	series map[string]map[int64]float64
	points map[string]float64
}

// NewCachedPriceSource wraps backend. rdb may be nil to run with the
// in-process layer only.
func NewCachedPriceSource(backend PriceBackend, rdb *redis.Client, ttl time.Duration, log zerolog.Logger, metrics *observability.Metrics) *CachedPriceSource {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedPriceSource{
		backend: backend,
		rdb:     rdb,
		ttl:     ttl,
		log:     log,
		metrics: metrics,
		series:  make(map[string]map[int64]float64),
		points:  make(map[string]float64),
	}
}

// OpenPrices implements bucket.PriceSource.
func (c *CachedPriceSource) OpenPrices(ctx context.Context, market bucket.Market, coin string, iv bucket.Interval, startMs, endMs int64) (map[int64]float64, error) {
	key := fmt.Sprintf("nav:candles:%s:%s:%s:%d:%d", market, coin, iv.Name, startMs, endMs)

	c.mu.RLock()
	cached, ok := c.series[key]
	c.mu.RUnlock()
	if ok {
		c.record("memory", true)
		return cached, nil
	}
	c.record("memory", false)

	if series, ok := c.redisGetSeries(ctx, key); ok {
		c.mu.Lock()
		c.series[key] = series
		c.mu.Unlock()
		return series, nil
	}

	series, err := c.backend.OpenPrices(ctx, market, coin, iv, startMs, endMs)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.series[key] = series
	c.mu.Unlock()
	c.redisSet(ctx, key, series)
	return series, nil
}

// SpotOpenPriceAt implements PricePoint.
func (c *CachedPriceSource) SpotOpenPriceAt(ctx context.Context, coin string, tsMs int64) (float64, error) {
	key := fmt.Sprintf("nav:spotprice:%s:%d", coin, tsMs)

	c.mu.RLock()
	price, ok := c.points[key]
	c.mu.RUnlock()
	if ok {
		c.record("memory", true)
		return price, nil
	}
	c.record("memory", false)

	if price, ok := c.redisGetPoint(ctx, key); ok {
		c.mu.Lock()
		c.points[key] = price
		c.mu.Unlock()
		return price, nil
	}

	price, err := c.backend.SpotOpenPriceAt(ctx, coin, tsMs)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.points[key] = price
	c.mu.Unlock()
	c.redisSet(ctx, key, price)
	return price, nil
}

func (c *CachedPriceSource) redisGetSeries(ctx context.Context, key string) (map[int64]float64, bool) {
	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("key", key).Msg("redis read failed")
		}
		c.record("redis", false)
		return nil, false
	}
	var series map[int64]float64
	if err := json.Unmarshal(data, &series); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("discarding malformed cache entry")
		c.record("redis", false)
		return nil, false
	}
	c.record("redis", true)
	return series, true
}

func (c *CachedPriceSource) redisGetPoint(ctx context.Context, key string) (float64, bool) {
	if c.rdb == nil {
		return 0, false
	}
	price, err := c.rdb.Get(ctx, key).Float64()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("key", key).Msg("redis read failed")
		}
		c.record("redis", false)
		return 0, false
	}
	c.record("redis", true)
	return price, true
}

func (c *CachedPriceSource) redisSet(ctx context.Context, key string, value any) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis write failed")
	}
}

func (c *CachedPriceSource) record(layer string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.PriceCacheHits.WithLabelValues(layer).Inc()
	} else {
		c.metrics.PriceCacheMisses.WithLabelValues(layer).Inc()
	}
}
