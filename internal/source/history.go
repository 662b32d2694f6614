package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"NavCurve/internal/event"
	"NavCurve/internal/observability"
	"NavCurve/internal/snapshot"
)

const (
	tradesPath    = "/api/v1/trades/query"
	fundingPath   = "/api/v1/ledger/funding"
	ledgerPath    = "/api/v1/ledger/query"
	snapshotsPath = "/api/v1/snapshots/query"

	tradePageSize    = 100000
	snapshotPageSize = 100
)

// SpotNameResolver maps spot pair ids like "@142" to token names like
// "UBTC". Unknown ids resolve to themselves.
type SpotNameResolver interface {
	ResolveSpotToken(ctx context.Context, id string) string
}

// HistoryClient fetches an account's raw activity from the history API:
// fills, funding payments, non-funding ledger updates and account
// snapshots. All endpoints are JSON-over-POST; the trades and snapshots
// endpoints paginate and return column-oriented payloads.
type HistoryClient struct {
	baseURL  string
	httpc    *http.Client
	resolver SpotNameResolver
	log      zerolog.Logger
	metrics  *observability.Metrics
}

// NewHistoryClient builds a history client for baseURL. resolver may be
// nil when spot pair ids never need resolving (tests).
func NewHistoryClient(baseURL string, timeout time.Duration, resolver SpotNameResolver, log zerolog.Logger, metrics *observability.Metrics) *HistoryClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HistoryClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		httpc:    &http.Client{Timeout: timeout},
		resolver: resolver,
		log:      log,
		metrics:  metrics,
	}
}

// Trades fetches every fill for address, oldest page first.
func (c *HistoryClient) Trades(ctx context.Context, address string) ([]event.TradeFill, error) {
	var all []event.TradeFill
	page := 1
	for {
		payload := map[string]any{
			"address":   address,
			"range":     "All",
			"page":      page,
			"page_size": tradePageSize,
		}
		var resp struct {
			Data columnar `json:"data"`
		}
		if err := c.post(ctx, tradesPath, payload, &resp); err != nil {
			return nil, fmt.Errorf("fetch trades page %d: %w", page, err)
		}
		rows, err := resp.Data.rows()
		if err != nil {
			return nil, fmt.Errorf("decode trades page %d: %w", page, err)
		}
		for _, raw := range rows {
			var w tradeWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, fmt.Errorf("decode trade record: %w", err)
			}
			all = append(all, c.toTradeFill(ctx, w))
		}
		if len(rows) < tradePageSize {
			return all, nil
		}
		page++
	}
}

func (c *HistoryClient) toTradeFill(ctx context.Context, w tradeWire) event.TradeFill {
	coin := w.Coin
	if strings.HasPrefix(coin, "@") && c.resolver != nil {
		coin = c.resolver.ResolveSpotToken(ctx, coin)
	}
	coin = strings.TrimSuffix(coin, "/USDC")

	perp := true
	switch {
	case event.IsPerpDir(w.Dir):
	case event.IsSpotDir(w.Dir):
		perp = false
	default:
		c.log.Warn().
			Str("dir", w.Dir).
			Str("coin", coin).
			Int64("ts", int64(w.Time)).
			Msg("unrecognized fill direction, treating as perp")
	}

	return event.TradeFill{
		TimeMs:        int64(w.Time),
		Coin:          coin,
		Side:          w.Side,
		Dir:           w.Dir,
		Size:          float64(w.Sz),
		Price:         float64(w.Px),
		Fee:           float64(w.Fee),
		FeeToken:      w.FeeToken,
		Closed:        float64(w.ClosedPnl),
		StartPosition: float64(w.StartPosition),
		Perp:          perp,
	}
}

// Funding fetches every funding payment for address.
func (c *HistoryClient) Funding(ctx context.Context, address string) ([]event.FundingPayment, error) {
	payload := map[string]any{
		"address": address,
		"range":   "all",
	}
	var resp struct {
		Records []fundingWire `json:"records"`
	}
	if err := c.post(ctx, fundingPath, payload, &resp); err != nil {
		return nil, fmt.Errorf("fetch funding: %w", err)
	}
	out := make([]event.FundingPayment, 0, len(resp.Records))
	for _, w := range resp.Records {
		out = append(out, event.FundingPayment{
			TimeMs:      int64(w.Time),
			Coin:        w.Coin,
			Usdc:        float64(w.Usdc),
			Szi:         float64(w.Szi),
			FundingRate: float64(w.FundingRate),
		})
	}
	return out, nil
}

// Ledger fetches every non-funding ledger update for address.
func (c *HistoryClient) Ledger(ctx context.Context, address string) ([]event.LedgerUpdate, error) {
	payload := map[string]any{
		"address":         address,
		"range":           "all",
		"include_funding": false,
		"limit":           tradePageSize,
	}
	var resp struct {
		Records []ledgerWire `json:"ledger_records"`
	}
	if err := c.post(ctx, ledgerPath, payload, &resp); err != nil {
		return nil, fmt.Errorf("fetch ledger: %w", err)
	}
	out := make([]event.LedgerUpdate, 0, len(resp.Records))
	for _, w := range resp.Records {
		subtype, ok := event.ParseLedgerSubtype(w.Delta.Type)
		if !ok {
			c.log.Warn().
				Str("type", w.Delta.Type).
				Str("hash", w.Hash).
				Msg("unrecognized ledger update type")
		}
		out = append(out, event.LedgerUpdate{
			TimeMs:  int64(w.Time),
			Hash:    w.Hash,
			Subtype: subtype,
			Delta: event.LedgerDelta{
				Usdc:            float64(w.Delta.Usdc),
				Fee:             float64(w.Delta.Fee),
				Amount:          float64(w.Delta.Amount),
				UsdcValue:       float64(w.Delta.UsdcValue),
				NetWithdrawnUsd: float64(w.Delta.NetWithdrawnUsd),
				Token:           w.Delta.Token,
				User:            w.Delta.User,
				Destination:     w.Delta.Destination,
				SourceDex:       w.Delta.SourceDex,
				DestinationDex:  w.Delta.DestinationDex,
				ToPerp:          w.Delta.ToPerp,
			},
		})
	}
	return out, nil
}

// Snapshots fetches the account snapshot history: every page of summary
// rows plus the perp position and spot balance detail rows keyed by the
// same timestamps.
func (c *HistoryClient) Snapshots(ctx context.Context, address string) ([]snapshot.SummaryRow, []snapshot.PositionRow, []snapshot.BalanceRow, error) {
	var (
		summaries []snapshot.SummaryRow
		positions []snapshot.PositionRow
		balances  []snapshot.BalanceRow
	)
	page := 1
	for {
		payload := map[string]any{
			"address":         address,
			"include_details": true,
			"range":           "All",
			"page":            page,
			"page_size":       snapshotPageSize,
		}
		var resp struct {
			Data struct {
				AccountSummary columnar `json:"account_summary"`
				Positions      columnar `json:"positions"`
				SpotBalances   columnar `json:"spot_balances"`
			} `json:"data"`
		}
		if err := c.post(ctx, snapshotsPath, payload, &resp); err != nil {
			return nil, nil, nil, fmt.Errorf("fetch snapshots page %d: %w", page, err)
		}

		summaryRows, err := resp.Data.AccountSummary.rows()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("decode snapshot summaries: %w", err)
		}
		for _, raw := range summaryRows {
			var w summaryWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, nil, nil, fmt.Errorf("decode snapshot summary: %w", err)
			}
			summaries = append(summaries, snapshot.SummaryRow{SnapshotTime: w.SnapshotTime})
		}

		positionRows, err := resp.Data.Positions.rows()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("decode snapshot positions: %w", err)
		}
		for _, raw := range positionRows {
			var w positionWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, nil, nil, fmt.Errorf("decode snapshot position: %w", err)
			}
			positions = append(positions, snapshot.PositionRow{
				SnapshotTime: w.SnapshotTime,
				Coin:         w.Coin,
				Size:         float64(w.Size),
			})
		}

		balanceRows, err := resp.Data.SpotBalances.rows()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("decode snapshot balances: %w", err)
		}
		for _, raw := range balanceRows {
			var w balanceWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, nil, nil, fmt.Errorf("decode snapshot balance: %w", err)
			}
			balances = append(balances, snapshot.BalanceRow{
				SnapshotTime: w.SnapshotTime,
				Coin:         w.Coin,
				TotalAmount:  float64(w.TotalAmount),
			})
		}

		if len(summaryRows) < snapshotPageSize {
			return summaries, positions, balances, nil
		}
		page++
	}
}

// post sends a JSON request and decodes the JSON response into out.
// Rate limits, server errors and transport failures are retried with
// exponential backoff before giving up.
func (c *HistoryClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	endpoint := pathLabel(path)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.SourceRetries.WithLabelValues(endpoint).Inc()
			}
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		started := time.Now()
		status, data, err := c.doOnce(ctx, path, body)
		if c.metrics != nil {
			c.metrics.SourceRequestDur.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
			c.metrics.SourceRequests.WithLabelValues(endpoint, statusLabel(status, err)).Inc()
		}
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt+1).Msg("history request failed")
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("history API returned HTTP %d", status)
			c.log.Warn().Int("status", status).Str("endpoint", endpoint).Int("attempt", attempt+1).Msg("history request rejected")
			continue
		}
		if status != http.StatusOK {
			return fmt.Errorf("history API returned HTTP %d: %s", status, truncate(data, 500))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("history request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *HistoryClient) doOnce(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
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

func pathLabel(path string) string {
	return strings.TrimPrefix(path, "/api/v1/")
}

func statusLabel(status int, err error) string {
	if err != nil {
		return "error"
	}
	return fmt.Sprintf("%d", status)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n])
}
