package source_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"NavCurve/internal/event"
	"NavCurve/internal/source"
)

func newClient(t *testing.T, srv *httptest.Server) *source.HistoryClient {
	t.Helper()
	return source.NewHistoryClient(srv.URL, 5*time.Second, nil, zerolog.Nop(), nil)
}

type fakeResolver struct{ names map[string]string }

func (r *fakeResolver) ResolveSpotToken(_ context.Context, id string) string {
	if name, ok := r.names[id]; ok {
		return name
	}
	return id
}

// ============================================================================
// Test: Trades
// ============================================================================

func TestTrades_DecodesColumnarPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/trades/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req["address"] != "0xabc" {
			t.Errorf("address = %v", req["address"])
		}
		fmt.Fprint(w, `{"data":{
			"columns":["time","coin","side","dir","px","sz","fee","fee_token","closed_pnl","start_position","hash"],
			"data":[
				[1700000000000,"BTC","B","Open Long","60000.5","0.1","1.2","USDC","0","0","0xaa"],
				[1700000001000,"HYPE/USDC","B","Buy",25,4,"0.05","HYPE","0","0","0xbb"]
			]
		}}`)
	}))
	defer srv.Close()

	fills, err := newClient(t, srv).Trades(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}

	btc := fills[0]
	if !btc.Perp || btc.Coin != "BTC" || btc.Price != 60000.5 || btc.Size != 0.1 || btc.Fee != 1.2 {
		t.Errorf("perp fill = %+v", btc)
	}
	if btc.TimeMs != 1700000000000 {
		t.Errorf("time = %d", btc.TimeMs)
	}

	spot := fills[1]
	if spot.Perp || spot.Coin != "HYPE" || spot.FeeToken != "HYPE" {
		t.Errorf("spot fill = %+v", spot)
	}
	if spot.Price != 25 || spot.Size != 4 {
		t.Errorf("spot price/size = %v/%v", spot.Price, spot.Size)
	}
}

func TestTrades_ResolvesSpotPairIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{
			"columns":["time","coin","side","dir","px","sz","fee","fee_token","closed_pnl","start_position","hash"],
			"data":[[1700000000000,"@142","A","Sell","1.1","10","0","USDC","0","0","0xaa"]]
		}}`)
	}))
	defer srv.Close()

	resolver := &fakeResolver{names: map[string]string{"@142": "UBTC/USDC"}}
	c := source.NewHistoryClient(srv.URL, time.Second, resolver, zerolog.Nop(), nil)
	fills, err := c.Trades(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if fills[0].Coin != "UBTC" {
		t.Errorf("coin = %q, want UBTC", fills[0].Coin)
	}
	if fills[0].Perp {
		t.Error("Sell fill should be spot")
	}
}

func TestTrades_DropsMisalignedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{
			"columns":["time","coin","side","dir","px","sz","fee","fee_token","closed_pnl","start_position","hash"],
			"data":[
				[1700000000000,"BTC"],
				[1700000001000,"ETH","B","Open Long","3000","1","0","USDC","0","0","0xcc"]
			]
		}}`)
	}))
	defer srv.Close()

	fills, err := newClient(t, srv).Trades(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 || fills[0].Coin != "ETH" {
		t.Errorf("fills = %+v", fills)
	}
}

// ============================================================================
// Test: Funding and Ledger
// ============================================================================

func TestFunding_DecodesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ledger/funding" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"records":[
			{"time":"2025-08-17 05:00:00+0000","coin":"BTC","usdc":"-0.42","szi":"1.5","funding_rate":"0.0000125"}
		]}`)
	}))
	defer srv.Close()

	payments, err := newClient(t, srv).Funding(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 1 {
		t.Fatalf("got %d payments, want 1", len(payments))
	}
	p := payments[0]
	if p.Coin != "BTC" || p.Usdc != -0.42 || p.Szi != 1.5 {
		t.Errorf("payment = %+v", p)
	}
	want := time.Date(2025, 8, 17, 5, 0, 0, 0, time.UTC).UnixMilli()
	if p.TimeMs != want {
		t.Errorf("time = %d, want %d", p.TimeMs, want)
	}
}

func TestLedger_ParsesSubtypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ledger_records":[
			{"time":1700000000000,"hash":"0x1","delta":{"type":"deposit","usdc":"500"}},
			{"time":1700000001000,"hash":"0x2","delta":{"type":"withdraw","usdc":"200","fee":"1"}},
			{"time":1700000002000,"hash":"0x3","delta":{"type":"somethingNew","usdc":"0"}}
		]}`)
	}))
	defer srv.Close()

	records, err := newClient(t, srv).Ledger(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Subtype != event.LedgerDeposit || records[0].Delta.Usdc != 500 {
		t.Errorf("deposit = %+v", records[0])
	}
	if records[1].Subtype != event.LedgerWithdraw || records[1].Delta.Fee != 1 {
		t.Errorf("withdraw = %+v", records[1])
	}
	if records[2].Subtype != event.LedgerUnknown {
		t.Errorf("unrecognized type should map to LedgerUnknown, got %v", records[2].Subtype)
	}
}

// ============================================================================
// Test: Snapshots
// ============================================================================

func TestSnapshots_PaginatesUntilShortPage(t *testing.T) {
	var pages atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		page := int(req["page"].(float64))
		pages.Add(1)

		n := 100
		if page == 2 {
			n = 1
		}
		summaries := make([][]any, 0, n)
		for i := 0; i < n; i++ {
			ts := fmt.Sprintf("2025-08-%02d %02d:00:00+0000", page, i%24)
			summaries = append(summaries, []any{ts})
		}
		resp := map[string]any{"data": map[string]any{
			"account_summary": map[string]any{"columns": []string{"snapshot_time"}, "data": summaries},
			"positions": map[string]any{
				"columns": []string{"snapshot_time", "coin", "size"},
				"data":    [][]any{{"2025-08-01 00:00:00+0000", "BTC", "1.5"}},
			},
			"spot_balances": map[string]any{
				"columns": []string{"snapshot_time", "coin", "total_amount"},
				"data":    [][]any{{"2025-08-01 00:00:00+0000", "USDC", "1000"}},
			},
		}}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatal(err)
		}
	}))
	defer srv.Close()

	summaries, positions, balances, err := newClient(t, srv).Snapshots(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if pages.Load() != 2 {
		t.Errorf("fetched %d pages, want 2", pages.Load())
	}
	if len(summaries) != 101 {
		t.Errorf("got %d summaries, want 101", len(summaries))
	}
	// detail rows repeat per page, the indexer groups them by timestamp
	if len(positions) != 2 || positions[0].Coin != "BTC" || positions[0].Size != 1.5 {
		t.Errorf("positions = %+v", positions)
	}
	if len(balances) != 2 || balances[0].TotalAmount != 1000 {
		t.Errorf("balances = %+v", balances)
	}
}

// ============================================================================
// Test: retries
// ============================================================================

func TestPost_RetriesRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for retry backoff")
	}
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"records":[]}`)
	}))
	defer srv.Close()

	payments, err := newClient(t, srv).Funding(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 0 {
		t.Errorf("payments = %+v", payments)
	}
	if calls.Load() != 2 {
		t.Errorf("made %d calls, want 2", calls.Load())
	}
}

func TestPost_ClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such account", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := newClient(t, srv).Funding(context.Background(), "0xabc"); err == nil {
		t.Fatal("expected error for HTTP 404")
	}
	if calls.Load() != 1 {
		t.Errorf("made %d calls, want 1 (no retry on 4xx)", calls.Load())
	}
}
