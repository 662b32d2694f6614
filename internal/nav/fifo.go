package nav

import (
	"strings"

	"github.com/rs/zerolog"
)

const epsilon = 1e-10

// shortfallThreshold is the closed quantity below which an unmatched
// close is treated as rounding noise rather than a missing lot.
const shortfallThreshold = 0.01

// Lot is a single FIFO entry: the open price and the signed size.
// Positive amounts are long lots, negative amounts are short lots.
type Lot struct {
	Price  float64
	Amount float64
}

// Queue holds the open lots of one perp coin in fill order. Long and
// short lots can coexist transiently; matching always scans from the
// front and skips lots on the other side.
type Queue struct {
	lots []Lot
}

// Len reports the number of open lots.
func (q *Queue) Len() int { return len(q.lots) }

// Lots returns a copy of the open lots in fill order.
func (q *Queue) Lots() []Lot {
	out := make([]Lot, len(q.lots))
	copy(out, q.lots)
	return out
}

// NetLong sums the positive lot sizes.
func (q *Queue) NetLong() float64 {
	var total float64
	for _, l := range q.lots {
		if l.Amount > epsilon {
			total += l.Amount
		}
	}
	return total
}

// NetShort sums the absolute sizes of the negative lots.
func (q *Queue) NetShort() float64 {
	var total float64
	for _, l := range q.lots {
		if l.Amount < -epsilon {
			total += -l.Amount
		}
	}
	return total
}

// OpenLong appends a long lot. Opens never realize pnl.
func (q *Queue) OpenLong(amount, price float64) float64 {
	q.lots = append(q.lots, Lot{Price: price, Amount: amount})
	return 0
}

// OpenShort appends a short lot.
func (q *Queue) OpenShort(amount, price float64) float64 {
	q.lots = append(q.lots, Lot{Price: price, Amount: -amount})
	return 0
}

// CloseLong matches amount against long lots front to front and returns
// the realized pnl. Short lots in the queue are skipped. A leftover
// above shortfallThreshold means the close had no matching opens.
func (q *Queue) CloseLong(amount, price float64) (pnl, shortfall float64) {
	toClose := amount
	i := 0
	for toClose > epsilon && i < len(q.lots) {
		lot := q.lots[i]
		if lot.Amount <= epsilon {
			i++
			continue
		}
		if lot.Amount <= toClose {
			pnl += (price - lot.Price) * lot.Amount
			toClose -= lot.Amount
			q.lots = append(q.lots[:i], q.lots[i+1:]...)
		} else {
			pnl += (price - lot.Price) * toClose
			q.lots[i] = Lot{Price: lot.Price, Amount: lot.Amount - toClose}
			toClose = 0
		}
	}
	if toClose > epsilon && toClose >= shortfallThreshold {
		shortfall = toClose
	}
	return pnl, shortfall
}

// CloseShort matches amount against short lots front to front.
func (q *Queue) CloseShort(amount, price float64) (pnl, shortfall float64) {
	toClose := amount
	i := 0
	for toClose > epsilon && i < len(q.lots) {
		lot := q.lots[i]
		if lot.Amount >= -epsilon {
			i++
			continue
		}
		matched := min(-lot.Amount, toClose)
		pnl += (lot.Price - price) * matched
		if -lot.Amount <= toClose+epsilon {
			toClose -= -lot.Amount
			q.lots = append(q.lots[:i], q.lots[i+1:]...)
		} else {
			q.lots[i] = Lot{Price: lot.Price, Amount: lot.Amount + toClose}
			toClose = 0
		}
	}
	if toClose > epsilon && toClose >= shortfallThreshold {
		shortfall = toClose
	}
	return pnl, shortfall
}

// ShortToLong flips a short position into a long one: the existing short
// lots are closed FIFO, then the remainder opens a new long lot.
func (q *Queue) ShortToLong(amount, price float64) float64 {
	var pnl float64
	currentShort := q.NetShort()
	if currentShort > epsilon {
		toClose := min(currentShort, amount)
		closed := 0.0
		i := 0
		for closed < toClose-epsilon && i < len(q.lots) {
			lot := q.lots[i]
			if lot.Amount >= -epsilon {
				i++
				continue
			}
			matched := min(-lot.Amount, toClose-closed)
			pnl += (lot.Price - price) * matched
			closed += matched
			if -lot.Amount <= matched+epsilon {
				q.lots = append(q.lots[:i], q.lots[i+1:]...)
			} else {
				q.lots[i] = Lot{Price: lot.Price, Amount: lot.Amount + matched}
				i++
			}
		}
	}
	if remainder := amount - currentShort; remainder > epsilon {
		q.lots = append(q.lots, Lot{Price: price, Amount: remainder})
	}
	return pnl
}

// LongToShort flips a long position into a short one.
func (q *Queue) LongToShort(amount, price float64) float64 {
	var pnl float64
	currentLong := q.NetLong()
	if currentLong > epsilon {
		toClose := min(currentLong, amount)
		closed := 0.0
		i := 0
		for closed < toClose-epsilon && i < len(q.lots) {
			lot := q.lots[i]
			if lot.Amount <= epsilon {
				i++
				continue
			}
			matched := min(lot.Amount, toClose-closed)
			pnl += (price - lot.Price) * matched
			closed += matched
			if lot.Amount <= matched+epsilon {
				q.lots = append(q.lots[:i], q.lots[i+1:]...)
			} else {
				q.lots[i] = Lot{Price: lot.Price, Amount: lot.Amount - matched}
				i++
			}
		}
	}
	if remainder := amount - currentLong; remainder > epsilon {
		q.lots = append(q.lots, Lot{Price: price, Amount: -remainder})
	}
	return pnl
}

// AutoDeleverage closes against the side the fill was matched on. When
// the side is missing or invalid, the side is inferred from the first
// open lot. An empty queue realizes nothing.
func (q *Queue) AutoDeleverage(amount, price float64, side string, log *zerolog.Logger) (pnl, shortfall float64) {
	if len(q.lots) == 0 {
		if log != nil {
			log.Warn().Msg("auto-deleveraging on empty lot queue")
		}
		return 0, 0
	}
	switch side {
	case "B":
		return q.CloseShort(amount, price)
	case "A":
		return q.CloseLong(amount, price)
	case "":
	default:
		if log != nil {
			log.Warn().Str("side", side).Msg("auto-deleveraging with invalid side")
		}
	}
	for _, lot := range q.lots {
		if lot.Amount > epsilon {
			return q.CloseLong(amount, price)
		}
		if lot.Amount < -epsilon {
			return q.CloseShort(amount, price)
		}
	}
	if log != nil {
		log.Warn().Msg("auto-deleveraging could not infer position side")
	}
	return 0, 0
}

// Liquidate closes the side named in the liquidation direction string.
func (q *Queue) Liquidate(amount, price float64, dir string, log *zerolog.Logger) (pnl, shortfall float64) {
	switch {
	case strings.Contains(dir, "Long"):
		return q.CloseLong(amount, price)
	case strings.Contains(dir, "Short"):
		return q.CloseShort(amount, price)
	default:
		if log != nil {
			log.Warn().Str("dir", dir).Msg("unrecognized liquidation direction")
		}
		return 0, 0
	}
}

// Settle closes every open lot at the settlement price.
func (q *Queue) Settle(price float64) float64 {
	var pnl float64
	for len(q.lots) > 0 {
		lot := q.lots[0]
		q.lots = q.lots[1:]
		switch {
		case lot.Amount > epsilon:
			pnl += (price - lot.Price) * lot.Amount
		case lot.Amount < -epsilon:
			pnl += (lot.Price - price) * -lot.Amount
		}
	}
	return pnl
}

// UnrealizedAt marks every open lot against price. A non-positive price
// contributes nothing.
func (q *Queue) UnrealizedAt(price float64) float64 {
	if price <= 0 {
		return 0
	}
	var pnl float64
	for _, lot := range q.lots {
		switch {
		case lot.Amount > epsilon:
			pnl += (price - lot.Price) * lot.Amount
		case lot.Amount < -epsilon:
			pnl += (lot.Price - price) * -lot.Amount
		}
	}
	return pnl
}
