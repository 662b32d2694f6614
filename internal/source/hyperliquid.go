package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/observability"
)

// DefaultInfoURL is the public Hyperliquid info endpoint.
const DefaultInfoURL = "https://api.hyperliquid.xyz/info"

// maxCandlesPerRequest is the upstream cap on candles returned by one
// candleSnapshot call. Longer ranges are fetched in windows.
const maxCandlesPerRequest = 5000

// candleIntervals are the supported candle widths in ascending order,
// used when locating a price near an arbitrary timestamp.
var candleIntervals = []struct {
	name   string
	millis int64
}{
	{"1m", 60_000},
	{"3m", 180_000},
	{"5m", 300_000},
	{"15m", 900_000},
	{"30m", 1_800_000},
	{"1h", 3_600_000},
	{"2h", 7_200_000},
	{"4h", 14_400_000},
	{"8h", 28_800_000},
	{"12h", 43_200_000},
	{"1d", 86_400_000},
	{"3d", 259_200_000},
}

// PriceClient reads candles and spot metadata from the Hyperliquid info
// endpoint. It serves both bulk open-price series for bucket boundaries
// and point-in-time spot prices for valuing token transfers, and
// resolves "@N" spot pair ids to token names.
type PriceClient struct {
	infoURL string
	httpc   *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	spotNames map[string]string // "@N" pair id -> token name
	spotPairs map[string]string // token name -> candle pair id
}

// NewPriceClient builds a price client against infoURL, falling back to
// the public endpoint when empty.
func NewPriceClient(infoURL string, timeout time.Duration, log zerolog.Logger, metrics *observability.Metrics) *PriceClient {
	if infoURL == "" {
		infoURL = DefaultInfoURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PriceClient{
		infoURL: infoURL,
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
		metrics: metrics,
	}
}

type candleWire struct {
	T    int64  `json:"t"`
	Open string `json:"o"`
}

// OpenPrices implements bucket.PriceSource: open prices for coin at the
// given interval, keyed by candle start time.
func (c *PriceClient) OpenPrices(ctx context.Context, market bucket.Market, coin string, iv bucket.Interval, startMs, endMs int64) (map[int64]float64, error) {
	candleCoin, err := c.candleCoin(ctx, market, coin)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64)
	window := maxCandlesPerRequest * iv.Millis
	for cur := startMs; cur < endMs; cur += window {
		chunkEnd := cur + window
		if chunkEnd > endMs {
			chunkEnd = endMs
		}
		candles, err := c.candleSnapshot(ctx, candleCoin, iv.Name, cur, chunkEnd)
		if err != nil {
			return nil, err
		}
		for _, cd := range candles {
			open, err := strconv.ParseFloat(cd.Open, 64)
			if err != nil {
				return nil, fmt.Errorf("parse candle open %q: %w", cd.Open, err)
			}
			out[cd.T] = open
		}
	}
	return out, nil
}

// SpotOpenPriceAt implements the spot price lookup used to value token
// transfers: the open of the latest candle at or before tsMs. The
// candle width starts at the finest interval whose window still
// reaches back to tsMs and widens until a candle is found.
func (c *PriceClient) SpotOpenPriceAt(ctx context.Context, coin string, tsMs int64) (float64, error) {
	candleCoin, err := c.candleCoin(ctx, bucket.MarketSpot, coin)
	if err != nil {
		return 0, err
	}
	age := time.Now().UnixMilli() - tsMs
	startIdx := 0
	for i, iv := range candleIntervals {
		if maxCandlesPerRequest*iv.millis >= age {
			startIdx = i
			break
		}
		startIdx = i
	}
	for _, iv := range candleIntervals[startIdx:] {
		candles, err := c.candleSnapshot(ctx, candleCoin, iv.name, tsMs-2*iv.millis, tsMs+iv.millis)
		if err != nil {
			return 0, err
		}
		var best *candleWire
		for i := range candles {
			if candles[i].T <= tsMs && (best == nil || candles[i].T > best.T) {
				best = &candles[i]
			}
		}
		if best != nil {
			open, err := strconv.ParseFloat(best.Open, 64)
			if err != nil {
				return 0, fmt.Errorf("parse candle open %q: %w", best.Open, err)
			}
			return open, nil
		}
	}
	return 0, fmt.Errorf("no spot candle at or before %d for %s", tsMs, coin)
}

// ResolveSpotToken implements SpotNameResolver.
func (c *PriceClient) ResolveSpotToken(ctx context.Context, id string) string {
	if err := c.ensureSpotMeta(ctx); err != nil {
		c.log.Warn().Err(err).Str("id", id).Msg("spot metadata unavailable, keeping pair id")
		return id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.spotNames[id]; ok {
		return name
	}
	return id
}

// candleCoin maps a token name to the identifier the candle API expects.
// Perp candles use the coin name directly. Spot candles use the pair id
// from spot metadata, with "<coin>/USDC" as the fallback.
func (c *PriceClient) candleCoin(ctx context.Context, market bucket.Market, coin string) (string, error) {
	if market == bucket.MarketPerp {
		return coin, nil
	}
	if len(coin) > 0 && coin[0] == '@' {
		return coin, nil
	}
	if err := c.ensureSpotMeta(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pair, ok := c.spotPairs[coin]; ok {
		return pair, nil
	}
	return coin + "/USDC", nil
}

type spotMetaWire struct {
	Tokens []struct {
		Name  string `json:"name"`
		Index int    `json:"index"`
	} `json:"tokens"`
	Universe []struct {
		Name   string `json:"name"`
		Index  int    `json:"index"`
		Tokens []int  `json:"tokens"`
	} `json:"universe"`
}

// ensureSpotMeta loads the spot pair tables once. Pair ids in trade data
// are universe indexes; the pair's first token is the non-USDC leg.
func (c *PriceClient) ensureSpotMeta(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.spotNames != nil
	c.mu.Unlock()
	if loaded {
		return nil
	}

	var meta spotMetaWire
	if err := c.info(ctx, "spotMeta", map[string]any{"type": "spotMeta"}, &meta); err != nil {
		return fmt.Errorf("fetch spot metadata: %w", err)
	}

	tokenNames := make(map[int]string, len(meta.Tokens))
	for _, t := range meta.Tokens {
		if t.Name != "" {
			tokenNames[t.Index] = t.Name
		}
	}
	names := make(map[string]string, len(meta.Universe))
	pairs := make(map[string]string, len(meta.Universe))
	for _, pair := range meta.Universe {
		if len(pair.Tokens) == 0 {
			continue
		}
		name, ok := tokenNames[pair.Tokens[0]]
		if !ok {
			continue
		}
		names[fmt.Sprintf("@%d", pair.Index)] = name
		if _, dup := pairs[name]; !dup {
			pairs[name] = pair.Name
		}
	}

	c.mu.Lock()
	c.spotNames = names
	c.spotPairs = pairs
	c.mu.Unlock()
	c.log.Info().Int("pairs", len(names)).Msg("loaded spot pair metadata")
	return nil
}

func (c *PriceClient) candleSnapshot(ctx context.Context, coin, interval string, startMs, endMs int64) ([]candleWire, error) {
	payload := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      coin,
			"interval":  interval,
			"startTime": startMs,
			"endTime":   endMs,
		},
	}
	var candles []candleWire
	if err := c.info(ctx, "candleSnapshot", payload, &candles); err != nil {
		return nil, fmt.Errorf("fetch candles for %s %s: %w", coin, interval, err)
	}
	return candles, nil
}

// info posts one request to the info endpoint. Rate limits and
// transport failures back off and retry; other HTTP errors fail fast.
func (c *PriceClient) info(ctx context.Context, kind string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		started := time.Now()
		status, data, err := c.doOnce(ctx, body)
		if c.metrics != nil {
			c.metrics.PriceFetches.WithLabelValues(kind).Inc()
			c.metrics.PriceFetchDur.Observe(time.Since(started).Seconds())
		}
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Str("kind", kind).Int("attempt", attempt+1).Msg("info request failed")
			continue
		}
		if status == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("info endpoint rate limited (HTTP 429)")
			c.log.Warn().Str("kind", kind).Int("attempt", attempt+1).Msg("info endpoint rate limited")
			continue
		}
		if status != http.StatusOK {
			return fmt.Errorf("info endpoint returned HTTP %d: %s", status, truncate(data, 500))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode info response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("info request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *PriceClient) doOnce(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.infoURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}
