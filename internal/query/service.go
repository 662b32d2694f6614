package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"NavCurve/internal/bucket"
	"NavCurve/internal/persistence"
)

// Service provides read-only access to the stored net value curves.
// Every curve response carries the per-interval refresh watermark so
// callers can judge freshness.
type Service struct {
	db *sql.DB
}

// NewService wraps an open database handle.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Curve returns the points for address in [start, end], ascending.
// Zero start/end leave the corresponding bound open; limit caps the row
// count when positive.
func (s *Service) Curve(ctx context.Context, address string, iv bucket.Interval, start, end time.Time, limit int) (*CurveResponse, error) {
	query := fmt.Sprintf(`
		SELECT time, spot_account_value, realized_pnl, virtual_pnl,
		       perp_account_value, total_assets, total_shares, net_value, cumulative_pnl
		FROM %s
		WHERE address = $1`, persistence.TableName(iv))
	args := []any{address}
	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(" AND time >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(" AND time <= $%d", len(args))
	}
	query += " ORDER BY time ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query curve: %w", err)
	}
	defer rows.Close()

	var points []CurvePoint
	for rows.Next() {
		var p CurvePoint
		if err := rows.Scan(
			&p.Time, &p.SpotAccountValue, &p.RealizedPnl, &p.VirtualPnl,
			&p.PerpAccountValue, &p.TotalAssets, &p.TotalShares, &p.NetValue, &p.CumulativePnl,
		); err != nil {
			return nil, fmt.Errorf("scan curve row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	updatedAt, err := s.updatedAt(ctx, address, iv)
	if err != nil {
		return nil, err
	}
	return &CurveResponse{
		Address:   address,
		Interval:  iv.Name,
		Points:    points,
		UpdatedAt: updatedAt,
	}, nil
}

// Latest returns the newest point for address, or nil when the curve is
// empty.
func (s *Service) Latest(ctx context.Context, address string, iv bucket.Interval) (*CurvePoint, error) {
	query := fmt.Sprintf(`
		SELECT time, spot_account_value, realized_pnl, virtual_pnl,
		       perp_account_value, total_assets, total_shares, net_value, cumulative_pnl
		FROM %s
		WHERE address = $1
		ORDER BY time DESC
		LIMIT 1`, persistence.TableName(iv))

	var p CurvePoint
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&p.Time, &p.SpotAccountValue, &p.RealizedPnl, &p.VirtualPnl,
		&p.PerpAccountValue, &p.TotalAssets, &p.TotalShares, &p.NetValue, &p.CumulativePnl,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest point: %w", err)
	}
	return &p, nil
}

// Addresses lists every address with a stored curve at this interval.
func (s *Service) Addresses(ctx context.Context, iv bucket.Interval) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT address FROM %s ORDER BY address`, persistence.TableName(iv))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// Record returns the refresh bookkeeping row for address, or nil when
// the address has never been computed.
func (s *Service) Record(ctx context.Context, address string) (*UpdateRecord, error) {
	rec := UpdateRecord{
		Address:   address,
		UpdatedAt: make(map[string]*time.Time),
	}
	var firstTrade sql.NullInt64
	scanDest := []any{&firstTrade}
	cols := "first_trade_timestamp"
	times := make([]sql.NullTime, len(bucket.Supported()))
	for i, iv := range bucket.Supported() {
		cols += ", time_" + iv.Name
		scanDest = append(scanDest, &times[i])
	}

	query := fmt.Sprintf(`SELECT %s FROM net_value_update_records WHERE address = $1`, cols)
	err := s.db.QueryRowContext(ctx, query, address).Scan(scanDest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query update record: %w", err)
	}

	if firstTrade.Valid {
		rec.FirstTradeTimestamp = &firstTrade.Int64
	}
	for i, iv := range bucket.Supported() {
		if times[i].Valid {
			t := times[i].Time
			rec.UpdatedAt[iv.Name] = &t
		} else {
			rec.UpdatedAt[iv.Name] = nil
		}
	}
	return &rec, nil
}

func (s *Service) updatedAt(ctx context.Context, address string, iv bucket.Interval) (*time.Time, error) {
	var t sql.NullTime
	query := fmt.Sprintf(`SELECT time_%s FROM net_value_update_records WHERE address = $1`, iv.Name)
	err := s.db.QueryRowContext(ctx, query, address).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query watermark: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}
