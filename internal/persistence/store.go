package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/nav"
	"NavCurve/internal/observability"
)

// insertChunkSize bounds the rows per multi-row INSERT so the statement
// stays well under the placeholder limit.
const insertChunkSize = 500

// NavStore persists net value curves to TimescaleDB. Each interval has
// its own hypertable (net_value_1h, net_value_4h, ...) keyed by
// (address, time); writes are idempotent so reruns over overlapping
// ranges are safe.
type NavStore struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

// Open connects to the database and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewNavStore wraps an open database handle.
func NewNavStore(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *NavStore {
	return &NavStore{db: db, log: log, metrics: metrics}
}

// DB exposes the underlying handle for the query service.
func (s *NavStore) DB() *sql.DB { return s.db }

// TableName returns the hypertable holding curves of the given width.
func TableName(iv bucket.Interval) string {
	return "net_value_" + iv.Name
}

// SavePoints writes a curve for address. Rows already present for a
// boundary are left untouched.
func (s *NavStore) SavePoints(ctx context.Context, address string, iv bucket.Interval, points []nav.Point) error {
	if len(points) == 0 {
		return nil
	}
	started := time.Now()
	table := TableName(iv)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.countError()
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for offset := 0; offset < len(points); offset += insertChunkSize {
		chunk := points[offset:]
		if len(chunk) > insertChunkSize {
			chunk = chunk[:insertChunkSize]
		}
		if err := s.insertChunk(ctx, tx, table, address, chunk); err != nil {
			s.countError()
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.countError()
		return fmt.Errorf("commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RowsPersisted.WithLabelValues(iv.Name).Add(float64(len(points)))
		s.metrics.PersistBatchDur.Observe(time.Since(started).Seconds())
	}
	s.log.Info().
		Str("address", address).
		Str("interval", iv.Name).
		Int("rows", len(points)).
		Dur("took", time.Since(started)).
		Msg("persisted net value curve")
	return nil
}

func (s *NavStore) insertChunk(ctx context.Context, tx *sql.Tx, table, address string, points []nav.Point) error {
	const cols = 10
	query := fmt.Sprintf(`INSERT INTO %s
		(address, time, spot_account_value, realized_pnl, virtual_pnl,
		 perp_account_value, total_assets, total_shares, net_value, cumulative_pnl)
		VALUES `, table)

	values := make([]string, 0, len(points))
	args := make([]any, 0, len(points)*cols)
	for i, p := range points {
		base := i * cols
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			address, time.UnixMilli(p.TimeMs).UTC(),
			p.SpotAccountValue, p.RealizedPnl, p.VirtualPnl,
			p.PerpAccountValue, p.TotalAssets, p.TotalShares,
			p.NetValue, p.CumulativePnl,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (address, time) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LatestTime returns the newest persisted boundary for address, used to
// resume incremental runs. ok is false when no rows exist.
func (s *NavStore) LatestTime(ctx context.Context, address string, iv bucket.Interval) (int64, bool, error) {
	var latest sql.NullTime
	query := fmt.Sprintf(`SELECT MAX(time) FROM %s WHERE address = $1`, TableName(iv))
	if err := s.db.QueryRowContext(ctx, query, address).Scan(&latest); err != nil {
		return 0, false, fmt.Errorf("query latest time: %w", err)
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return latest.Time.UnixMilli(), true, nil
}

// RecordUpdate upserts the per-interval refresh watermark for address.
func (s *NavStore) RecordUpdate(ctx context.Context, address string, iv bucket.Interval, at time.Time) error {
	column := "time_" + iv.Name
	query := fmt.Sprintf(`INSERT INTO net_value_update_records (address, %s)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET %s = EXCLUDED.%s`,
		column, column, column)
	if _, err := s.db.ExecContext(ctx, query, address, at.UTC()); err != nil {
		s.countError()
		return fmt.Errorf("record update time: %w", err)
	}
	return nil
}

// RecordFirstTrade upserts the account's first fill timestamp.
func (s *NavStore) RecordFirstTrade(ctx context.Context, address string, tsMs int64) error {
	query := `INSERT INTO net_value_update_records (address, first_trade_timestamp)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET first_trade_timestamp = EXCLUDED.first_trade_timestamp`
	if _, err := s.db.ExecContext(ctx, query, address, tsMs); err != nil {
		s.countError()
		return fmt.Errorf("record first trade: %w", err)
	}
	return nil
}

func (s *NavStore) countError() {
	if s.metrics != nil {
		s.metrics.PersistErrors.Inc()
	}
}
