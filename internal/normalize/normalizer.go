package normalize

import (
	"NavCurve/internal/event"
	"NavCurve/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Fatal normalization errors. The engine aborts the run on any of these;
// guessing at an unrecognized record would corrupt the whole curve.
var (
	ErrInvalidSide          = errors.New("trade side must be 'B' or 'A'")
	ErrUnknownLedgerSubtype = errors.New("unknown ledger subtype")
	ErrUnmatchedSend        = errors.New("send record matches no known direction case")
	ErrUnsupportedSendToken = errors.New("perp-side send supports only the settlement currency")
)

// PriceLookup resolves a spot open price at a timestamp. Used only for
// share changes on airdrops and non-settlement reward claims.
type PriceLookup interface {
	SpotOpenPriceAt(ctx context.Context, coin string, tsMs int64) (float64, error)
}

// Normalizer maps one raw event to its Impact. Pure except for
// diagnostic logging and the occasional share-price lookup.
type Normalizer struct {
	account string
	prices  PriceLookup
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(account string, prices PriceLookup, log zerolog.Logger, metrics *observability.Metrics) *Normalizer {
	return &Normalizer{
		account: strings.ToLower(account),
		prices:  prices,
		log:     log,
		metrics: metrics,
	}
}

// Normalize produces the Impact of one event.
func (n *Normalizer) Normalize(ctx context.Context, ev event.Event) (event.Impact, error) {
	var (
		imp event.Impact
		err error
	)

	switch e := ev.(type) {
	case *event.TradeFill:
		if e.Perp {
			imp, err = n.perpTrade(e)
		} else {
			imp, err = n.spotTrade(e)
		}
	case *event.FundingPayment:
		imp = n.funding(e)
	case *event.LedgerUpdate:
		imp, err = n.ledger(ctx, e)
	default:
		return event.Impact{}, fmt.Errorf("unhandled event type %T", ev)
	}

	if err != nil {
		return event.Impact{}, err
	}
	if n.metrics != nil {
		n.metrics.EventsNormalized.WithLabelValues(ev.Category().String()).Inc()
	}
	return imp, nil
}

func (n *Normalizer) perpTrade(t *event.TradeFill) (event.Impact, error) {
	if t.Side != "B" && t.Side != "A" {
		return event.Impact{}, fmt.Errorf("%w: coin=%s side=%q", ErrInvalidSide, t.Coin, t.Side)
	}

	imp := event.NewImpact()
	imp.PerpPositionChanges[t.Coin] = event.PerpChange{
		Amount: t.Size,
		Price:  t.Price,
		Dir:    t.Dir,
		Side:   t.Side,
	}

	// Fees settle in USDC. Anything else cannot be booked against the
	// perp balance and is dropped, loudly.
	if t.FeeToken == event.SettlementCoin {
		imp.PerpAssetChange = -t.Fee
	} else {
		n.log.Warn().
			Str("coin", t.Coin).
			Str("fee_token", t.FeeToken).
			Float64("fee", t.Fee).
			Str("dir", t.Dir).
			Msg("perp fee token is not the settlement currency, fee dropped")
		if n.metrics != nil {
			n.metrics.DroppedFees.WithLabelValues(t.FeeToken).Inc()
		}
	}
	return imp, nil
}

func (n *Normalizer) spotTrade(t *event.TradeFill) (event.Impact, error) {
	if t.Side != "B" && t.Side != "A" {
		return event.Impact{}, fmt.Errorf("%w: coin=%s side=%q", ErrInvalidSide, t.Coin, t.Side)
	}

	var coinChange, usdcChange float64
	if t.Side == "B" {
		coinChange = t.Size
		usdcChange = -t.Size * t.Price
	} else {
		coinChange = -t.Size
		usdcChange = t.Size * t.Price
	}

	imp := event.NewImpact()
	switch {
	case t.FeeToken == event.SettlementCoin:
		imp.SpotPositionChanges[t.Coin] = coinChange
		imp.SpotPositionChanges[event.SettlementCoin] = usdcChange
		imp.SpotAssetChange = -t.Fee
	case t.FeeToken == t.Coin:
		// Fee paid in the traded coin folds into its position delta so the
		// position and asset books stay consistent.
		imp.SpotPositionChanges[t.Coin] = coinChange - t.Fee
		imp.SpotPositionChanges[event.SettlementCoin] = usdcChange
	default:
		imp.SpotPositionChanges[t.Coin] = coinChange
		imp.SpotPositionChanges[event.SettlementCoin] = usdcChange
		imp.SpotPositionChanges[t.FeeToken] = -t.Fee
	}
	return imp, nil
}

func (n *Normalizer) funding(f *event.FundingPayment) event.Impact {
	imp := event.NewImpact()
	imp.PerpAssetChange = f.Usdc
	return imp
}

func (n *Normalizer) ledger(ctx context.Context, l *event.LedgerUpdate) (event.Impact, error) {
	d := l.Delta

	switch l.Subtype {
	case event.LedgerDeposit:
		imp := event.NewImpact()
		imp.PerpAssetChange = d.Usdc
		imp.Share = event.ShareNumerator(d.Usdc)
		return imp, nil

	case event.LedgerWithdraw:
		imp := event.NewImpact()
		imp.PerpAssetChange = -(d.Usdc + d.Fee)
		imp.Share = event.ShareNumerator(-d.Usdc)
		return imp, nil

	case event.LedgerAccountClassTransfer:
		imp := event.NewImpact()
		if d.ToPerp {
			imp.PerpAssetChange = d.Usdc
			imp.SpotPositionChanges[event.SettlementCoin] = -d.Usdc
		} else {
			imp.PerpAssetChange = -d.Usdc
			imp.SpotPositionChanges[event.SettlementCoin] = d.Usdc
		}
		return imp, nil

	case event.LedgerSpotTransfer:
		imp := event.NewImpact()
		switch n.account {
		case strings.ToLower(d.User):
			imp.SpotPositionChanges[d.Token] = -d.Amount
			imp.SpotAssetChange = -d.Fee
			imp.Share = event.ShareNumerator(-(d.UsdcValue + d.Fee))
		case strings.ToLower(d.Destination):
			imp.SpotPositionChanges[d.Token] = d.Amount
			imp.Share = event.ShareNumerator(d.UsdcValue)
		}
		return imp, nil

	case event.LedgerInternalTransfer:
		imp := event.NewImpact()
		switch n.account {
		case strings.ToLower(d.User):
			imp.SpotPositionChanges[event.SettlementCoin] = -d.Usdc
			imp.SpotAssetChange = -d.Fee
			imp.Share = event.ShareNumerator(-(d.Usdc + d.Fee))
		case strings.ToLower(d.Destination):
			imp.SpotPositionChanges[event.SettlementCoin] = d.Usdc
			imp.Share = event.ShareNumerator(d.Usdc)
		}
		return imp, nil

	case event.LedgerSubAccountTransfer:
		imp := event.NewImpact()
		switch n.account {
		case strings.ToLower(d.User):
			imp.SpotPositionChanges[event.SettlementCoin] = -d.Usdc
			imp.Share = event.ShareNumerator(-d.Usdc)
		case strings.ToLower(d.Destination):
			imp.SpotPositionChanges[event.SettlementCoin] = d.Usdc
			imp.Share = event.ShareNumerator(d.Usdc)
		}
		return imp, nil

	case event.LedgerVaultCreate:
		// Seed funds plus creation fee both leave the spot book.
		total := d.Usdc + d.Fee
		imp := event.NewImpact()
		imp.SpotPositionChanges[event.SettlementCoin] = -total
		imp.Share = event.ShareNumerator(-total)
		return imp, nil

	case event.LedgerVaultDeposit:
		imp := event.NewImpact()
		imp.PerpAssetChange = -d.Usdc
		imp.Share = event.ShareNumerator(-d.Usdc)
		return imp, nil

	case event.LedgerVaultWithdraw:
		imp := event.NewImpact()
		imp.PerpAssetChange = d.NetWithdrawnUsd
		imp.Share = event.ShareNumerator(d.NetWithdrawnUsd)
		return imp, nil

	case event.LedgerVaultDistribution:
		imp := event.NewImpact()
		imp.PerpAssetChange = d.Usdc
		imp.Share = event.ShareNumerator(d.Usdc)
		return imp, nil

	case event.LedgerSpotGenesis:
		imp := event.NewImpact()
		imp.SpotPositionChanges[d.Token] = d.Amount
		imp.Share = n.shareFromSpotPrice(ctx, d.Token, d.Amount, l.TimeMs)
		return imp, nil

	case event.LedgerSend:
		return n.send(l)

	case event.LedgerRewardsClaim:
		imp := event.NewImpact()
		if d.Token == "" || d.Token == event.SettlementCoin {
			imp.SpotPositionChanges[event.SettlementCoin] = d.Amount
			imp.Share = event.ShareNumerator(d.Amount)
			return imp, nil
		}
		imp.SpotPositionChanges[d.Token] = d.Amount
		imp.Share = n.shareFromSpotPrice(ctx, d.Token, d.Amount, l.TimeMs)
		return imp, nil

	case event.LedgerAccountActivationGas:
		imp := event.NewImpact()
		imp.SpotPositionChanges[d.Token] = -d.Amount
		return imp, nil

	case event.LedgerCStakingTransfer, event.LedgerLiquidation, event.LedgerActivateDexAbstraction:
		// Staking moves tokens between available and staked state;
		// liquidation detail lives in the paired trade fill; dex
		// abstraction is an authorization record. No account impact.
		return event.NewImpact(), nil

	default:
		return event.Impact{}, fmt.Errorf("%w: %q (hash=%s)", ErrUnknownLedgerSubtype, l.Subtype, l.Hash)
	}
}

// send resolves the six directional cases of a generic send record by
// comparing user/destination/sourceDex/destinationDex against the
// account and the ""/"spot" book sentinels.
func (n *Normalizer) send(l *event.LedgerUpdate) (event.Impact, error) {
	d := l.Delta
	token := d.Token
	if token == "" {
		token = event.SettlementCoin
	}
	user := strings.ToLower(d.User)
	dest := strings.ToLower(d.Destination)

	fromSelf := user == n.account
	toSelf := dest == n.account

	imp := event.NewImpact()
	switch {
	// Same account, perp book to spot book.
	case fromSelf && toSelf && d.SourceDex == "" && d.DestinationDex == "spot":
		imp.SpotPositionChanges[event.SettlementCoin] = d.Amount
		imp.PerpAssetChange = -(d.Fee + d.Amount)

	// Same account, spot book to perp book.
	case fromSelf && toSelf && d.SourceDex == "spot" && d.DestinationDex == "":
		imp.SpotPositionChanges[event.SettlementCoin] = -d.Amount
		imp.PerpAssetChange = d.Amount
		imp.SpotAssetChange = -d.Fee

	// Perp book out to an external address or external dex.
	case fromSelf && d.SourceDex == "" &&
		(!toSelf || (d.DestinationDex != "" && d.DestinationDex != "spot")):
		if token != event.SettlementCoin {
			return event.Impact{}, fmt.Errorf("%w: token=%s hash=%s", ErrUnsupportedSendToken, token, l.Hash)
		}
		imp.PerpAssetChange = -(d.Amount + d.Fee)
		imp.Share = event.ShareNumerator(-(d.UsdcValue + d.Fee))

	// Spot book out to an external address or external dex.
	case fromSelf && d.SourceDex == "spot" &&
		(!toSelf || (d.DestinationDex != "" && d.DestinationDex != "spot")):
		imp.SpotPositionChanges[token] = -d.Amount
		imp.SpotAssetChange = -d.Fee
		imp.Share = event.ShareNumerator(-(d.UsdcValue + d.Fee))

	// External address or external dex in to the perp book.
	case toSelf && d.DestinationDex == "" &&
		(!fromSelf || (d.SourceDex != "" && d.SourceDex != "spot")):
		if token != event.SettlementCoin {
			return event.Impact{}, fmt.Errorf("%w: token=%s hash=%s", ErrUnsupportedSendToken, token, l.Hash)
		}
		imp.PerpAssetChange = d.Amount
		imp.Share = event.ShareNumerator(d.UsdcValue)

	// External address or external dex in to the spot book.
	case toSelf && d.DestinationDex == "spot" &&
		(!fromSelf || (d.SourceDex != "" && d.SourceDex != "spot")):
		imp.SpotPositionChanges[token] = d.Amount
		imp.Share = event.ShareNumerator(d.UsdcValue)

	default:
		return event.Impact{}, fmt.Errorf(
			"%w: user=%s destination=%s sourceDex=%q destinationDex=%q hash=%s",
			ErrUnmatchedSend, d.User, d.Destination, d.SourceDex, d.DestinationDex, l.Hash)
	}
	return imp, nil
}

// shareFromSpotPrice values a token amount at the event-time spot price.
// A failed lookup (new listing, no candles yet) degrades to zero shares.
func (n *Normalizer) shareFromSpotPrice(ctx context.Context, token string, amount float64, tsMs int64) event.ShareChange {
	if n.prices == nil {
		return event.NoShareChange()
	}
	price, err := n.prices.SpotOpenPriceAt(ctx, token, tsMs)
	if err != nil || price == 0 {
		n.log.Warn().
			Str("token", token).
			Int64("time_ms", tsMs).
			Err(err).
			Msg("spot price lookup failed, share change degraded to zero")
		if n.metrics != nil {
			n.metrics.ShareLookupFailures.Inc()
		}
		return event.NoShareChange()
	}
	return event.ShareNumerator(amount * price)
}
