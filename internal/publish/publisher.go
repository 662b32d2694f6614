package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/nav"
	"NavCurve/internal/observability"
)

// Publisher pushes freshly computed curve points and run summaries to
// JetStream for downstream consumers. Publishing happens after the
// curve is persisted; failures are logged and counted but never fail a
// run, since consumers can read the store directly.
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

// PointMessage is one published curve point.
type PointMessage struct {
	Address          string    `json:"address"`
	Interval         string    `json:"interval"`
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

// RunMessage summarizes one completed reconstruction run.
type RunMessage struct {
	RunID       string    `json:"run_id"`
	Address     string    `json:"address"`
	Interval    string    `json:"interval"`
	Points      int       `json:"points"`
	Events      int       `json:"events"`
	FirstBucket time.Time `json:"first_bucket"`
	LastBucket  time.Time `json:"last_bucket"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewPublisher wires a publisher to a JetStream context. js may be nil
// to disable publishing entirely.
func NewPublisher(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{js: js, log: log, metrics: metrics}
}

// PublishPoints emits one message per curve point on
// nav.points.{interval}.{address}.
func (p *Publisher) PublishPoints(ctx context.Context, address string, iv bucket.Interval, points []nav.Point) {
	if p.js == nil {
		return
	}
	subject := fmt.Sprintf("nav.points.%s.%s", iv.Name, address)
	published := 0
	for _, pt := range points {
		msg := PointMessage{
			Address:          address,
			Interval:         iv.Name,
			Time:             time.UnixMilli(pt.TimeMs).UTC(),
			SpotAccountValue: pt.SpotAccountValue,
			RealizedPnl:      pt.RealizedPnl,
			VirtualPnl:       pt.VirtualPnl,
			PerpAccountValue: pt.PerpAccountValue,
			TotalAssets:      pt.TotalAssets,
			TotalShares:      pt.TotalShares,
			NetValue:         pt.NetValue,
			CumulativePnl:    pt.CumulativePnl,
		}
		if err := p.publish(ctx, subject, msg); err != nil {
			p.log.Warn().Err(err).Str("subject", subject).Int64("ts", pt.TimeMs).Msg("point publish failed")
			continue
		}
		published++
	}
	if p.metrics != nil {
		p.metrics.PointsPublished.Add(float64(published))
	}
}

// PublishRun emits a run summary on nav.runs.{address}.
func (p *Publisher) PublishRun(ctx context.Context, msg RunMessage) {
	if p.js == nil {
		return
	}
	subject := fmt.Sprintf("nav.runs.%s", msg.Address)
	if err := p.publish(ctx, subject, msg); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Str("run_id", msg.RunID).Msg("run publish failed")
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.Inc()
		}
		return err
	}
	return nil
}

// EnsureStream creates or updates the curve stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "NAV_CURVE",
		Subjects:  []string{"nav.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create curve stream: %w", err)
	}
	log.Info().Str("stream", "NAV_CURVE").Msg("ensured curve stream")
	return nil
}
