package query

import "time"

// CurvePoint is one bucket of a stored net value curve.
type CurvePoint struct {
	Time             time.Time `json:"time"`
	SpotAccountValue float64   `json:"spot_account_value"`
	RealizedPnl      float64   `json:"realized_pnl"`
	VirtualPnl       float64   `json:"virtual_pnl"`
	PerpAccountValue float64   `json:"perp_account_value"`
	TotalAssets      float64   `json:"total_assets"`
	TotalShares      float64   `json:"total_shares"`
	NetValue         float64   `json:"net_value"`
	CumulativePnl    float64   `json:"cumulative_pnl"`
}

// CurveResponse is a curve slice plus its freshness watermark: the time
// the curve was last recomputed for this interval.
type CurveResponse struct {
	Address   string       `json:"address"`
	Interval  string       `json:"interval"`
	Points    []CurvePoint `json:"points"`
	UpdatedAt *time.Time   `json:"updated_at,omitempty"`
}

// UpdateRecord is the per-address refresh bookkeeping row.
type UpdateRecord struct {
	Address             string                `json:"address"`
	FirstTradeTimestamp *int64                `json:"first_trade_timestamp,omitempty"`
	UpdatedAt           map[string]*time.Time `json:"updated_at"`
}
