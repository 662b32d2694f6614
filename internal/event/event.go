package event

import "fmt"

// SettlementCoin is the currency all asset-change fields are denominated in.
const SettlementCoin = "USDC"

// Category discriminator for raw account-history records
type Category int32

const (
	CategoryUnknown Category = iota
	CategoryTrade
	CategoryFunding
	CategoryLedger
)

func (c Category) String() string {
	switch c {
	case CategoryTrade:
		return "trade"
	case CategoryFunding:
		return "funding"
	case CategoryLedger:
		return "ledger"
	default:
		return "unknown"
	}
}

// Event is the interface all account-history records implement.
// Ordering key is Time (ms since epoch); ties keep source order.
type Event interface {
	// Time returns the event timestamp in milliseconds since epoch
	Time() int64

	// Category returns the discriminator
	Category() Category

	// ClosedPnl returns the realized PnL recorded on the event itself
	// (non-zero only for closing trade fills)
	ClosedPnl() float64

	String() string
}

// TradeFill is one fill from the trades history. Spot pairs arrive as
// "COIN/USDC" and are stored with the suffix stripped.
type TradeFill struct {
	TimeMs int64
	Coin   string

	// Side is "B" (buy) or "A" (sell); anything else is rejected
	Side string

	// Dir is the exchange direction tag, e.g. "Open Long", "Close Short",
	// "Long > Short", "Buy", "Auto-Deleveraging"
	Dir string

	Size     float64
	Price    float64
	Fee      float64
	FeeToken string

	Closed        float64 // closedPnl on the fill
	StartPosition float64

	// Perp marks a perpetual fill (inferred from Dir vocabulary)
	Perp bool
}

func (t *TradeFill) Time() int64        { return t.TimeMs }
func (t *TradeFill) Category() Category { return CategoryTrade }
func (t *TradeFill) ClosedPnl() float64 { return t.Closed }

func (t *TradeFill) String() string {
	book := "spot"
	if t.Perp {
		book = "perp"
	}
	return fmt.Sprintf("trade[%s] %s %s %s sz=%v px=%v", book, t.Dir, t.Side, t.Coin, t.Size, t.Price)
}

// FundingPayment is one funding settlement from the funding history.
type FundingPayment struct {
	TimeMs int64
	Coin   string

	// Usdc is the signed funding amount credited to the perp account
	Usdc        float64
	Szi         float64
	FundingRate float64
}

func (f *FundingPayment) Time() int64        { return f.TimeMs }
func (f *FundingPayment) Category() Category { return CategoryFunding }
func (f *FundingPayment) ClosedPnl() float64 { return 0 }

func (f *FundingPayment) String() string {
	return fmt.Sprintf("funding %s usdc=%v", f.Coin, f.Usdc)
}

// LedgerUpdate is one non-trade ledger record (transfers, vault ops,
// deposits, withdrawals, airdrops, ...).
type LedgerUpdate struct {
	TimeMs  int64
	Hash    string
	Subtype LedgerSubtype
	Delta   LedgerDelta
}

// LedgerDelta holds the union of subtype-specific delta fields. Which
// fields are meaningful depends on Subtype.
type LedgerDelta struct {
	Usdc            float64
	Fee             float64
	Amount          float64
	UsdcValue       float64
	NetWithdrawnUsd float64

	Token       string
	User        string
	Destination string

	// SourceDex/DestinationDex are "" (perp book) or "spot" on send records
	SourceDex      string
	DestinationDex string

	ToPerp bool
}

func (l *LedgerUpdate) Time() int64        { return l.TimeMs }
func (l *LedgerUpdate) Category() Category { return CategoryLedger }
func (l *LedgerUpdate) ClosedPnl() float64 { return 0 }

func (l *LedgerUpdate) String() string {
	return fmt.Sprintf("ledger %s hash=%s", l.Subtype, l.Hash)
}
