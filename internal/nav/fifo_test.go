package nav_test

import (
	"math"
	"testing"

	"NavCurve/internal/nav"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================================
// Test: Open and Close
// ============================================================================

func TestQueue_OpenLongRealizesNothing(t *testing.T) {
	q := &nav.Queue{}
	if pnl := q.OpenLong(2, 100); pnl != 0 {
		t.Errorf("open long realized %v, want 0", pnl)
	}
	if q.Len() != 1 {
		t.Errorf("queue has %d lots, want 1", q.Len())
	}
	if got := q.NetLong(); !almostEqual(got, 2) {
		t.Errorf("net long = %v, want 2", got)
	}
}

func TestQueue_CloseLongFullLot(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(2, 100)

	pnl, shortfall := q.CloseLong(2, 110)
	if !almostEqual(pnl, 20) {
		t.Errorf("pnl = %v, want 20", pnl)
	}
	if shortfall != 0 {
		t.Errorf("shortfall = %v, want 0", shortfall)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d lots after full close, want 0", q.Len())
	}
}

func TestQueue_CloseLongPartialLot(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(3, 100)

	pnl, _ := q.CloseLong(1, 130)
	if !almostEqual(pnl, 30) {
		t.Errorf("pnl = %v, want 30", pnl)
	}
	if got := q.NetLong(); !almostEqual(got, 2) {
		t.Errorf("remaining long = %v, want 2", got)
	}
	// The partial lot keeps its original open price.
	if lots := q.Lots(); lots[0].Price != 100 {
		t.Errorf("remaining lot price = %v, want 100", lots[0].Price)
	}
}

func TestQueue_CloseLongSpansLotsInFIFOOrder(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(1, 100)
	q.OpenLong(1, 200)

	pnl, _ := q.CloseLong(2, 250)
	// (250-100)*1 + (250-200)*1
	if !almostEqual(pnl, 200) {
		t.Errorf("pnl = %v, want 200", pnl)
	}
}

func TestQueue_CloseLongSkipsShortLots(t *testing.T) {
	q := &nav.Queue{}
	q.OpenShort(1, 100)
	q.OpenLong(1, 100)

	pnl, shortfall := q.CloseLong(1, 110)
	if !almostEqual(pnl, 10) {
		t.Errorf("pnl = %v, want 10", pnl)
	}
	if shortfall != 0 {
		t.Errorf("shortfall = %v, want 0", shortfall)
	}
	if got := q.NetShort(); !almostEqual(got, 1) {
		t.Errorf("short side should be untouched, net short = %v", got)
	}
}

func TestQueue_CloseShortRealizesInverted(t *testing.T) {
	q := &nav.Queue{}
	q.OpenShort(2, 100)

	pnl, _ := q.CloseShort(2, 90)
	if !almostEqual(pnl, 20) {
		t.Errorf("pnl = %v, want 20", pnl)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d lots, want 0", q.Len())
	}
}

func TestQueue_CloseShortPartial(t *testing.T) {
	q := &nav.Queue{}
	q.OpenShort(3, 100)

	pnl, _ := q.CloseShort(1, 110)
	if !almostEqual(pnl, -10) {
		t.Errorf("pnl = %v, want -10", pnl)
	}
	if got := q.NetShort(); !almostEqual(got, 2) {
		t.Errorf("remaining short = %v, want 2", got)
	}
}

// ============================================================================
// Test: Shortfall
// ============================================================================

func TestQueue_CloseLongShortfallAboveThreshold(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(1, 100)

	_, shortfall := q.CloseLong(1.5, 100)
	if !almostEqual(shortfall, 0.5) {
		t.Errorf("shortfall = %v, want 0.5", shortfall)
	}
}

func TestQueue_CloseLongShortfallBelowThresholdIgnored(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(1, 100)

	// Leftover 0.005 is rounding noise, not a reportable shortfall.
	_, shortfall := q.CloseLong(1.005, 100)
	if shortfall != 0 {
		t.Errorf("shortfall = %v, want 0", shortfall)
	}
}

func TestQueue_CloseOnEmptyQueue(t *testing.T) {
	q := &nav.Queue{}
	pnl, shortfall := q.CloseLong(2, 100)
	if pnl != 0 {
		t.Errorf("pnl = %v, want 0", pnl)
	}
	if !almostEqual(shortfall, 2) {
		t.Errorf("shortfall = %v, want 2", shortfall)
	}
}

// ============================================================================
// Test: Flips
// ============================================================================

func TestQueue_ShortToLongClosesThenOpens(t *testing.T) {
	q := &nav.Queue{}
	q.OpenShort(2, 100)

	// Flip 5: close the 2 short at 90, open 3 long.
	pnl := q.ShortToLong(5, 90)
	if !almostEqual(pnl, 20) {
		t.Errorf("pnl = %v, want 20", pnl)
	}
	if got := q.NetShort(); got != 0 {
		t.Errorf("net short = %v, want 0", got)
	}
	if got := q.NetLong(); !almostEqual(got, 3) {
		t.Errorf("net long = %v, want 3", got)
	}
	if lots := q.Lots(); lots[len(lots)-1].Price != 90 {
		t.Errorf("new long lot price = %v, want 90", lots[len(lots)-1].Price)
	}
}

func TestQueue_LongToShortClosesThenOpens(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(1, 100)

	pnl := q.LongToShort(3, 120)
	if !almostEqual(pnl, 20) {
		t.Errorf("pnl = %v, want 20", pnl)
	}
	if got := q.NetShort(); !almostEqual(got, 2) {
		t.Errorf("net short = %v, want 2", got)
	}
}

func TestQueue_ShortToLongWithNoShortJustOpens(t *testing.T) {
	q := &nav.Queue{}
	pnl := q.ShortToLong(2, 100)
	if pnl != 0 {
		t.Errorf("pnl = %v, want 0", pnl)
	}
	if got := q.NetLong(); !almostEqual(got, 2) {
		t.Errorf("net long = %v, want 2", got)
	}
}

// ============================================================================
// Test: Forced closures
// ============================================================================

func TestQueue_AutoDeleverageEmptyQueue(t *testing.T) {
	q := &nav.Queue{}
	pnl, shortfall := q.AutoDeleverage(1, 100, "B", nil)
	if pnl != 0 || shortfall != 0 {
		t.Errorf("adl on empty queue = (%v, %v), want (0, 0)", pnl, shortfall)
	}
}

func TestQueue_AutoDeleverageBySide(t *testing.T) {
	q := &nav.Queue{}
	q.OpenShort(1, 100)

	// Side B buys back the short.
	pnl, _ := q.AutoDeleverage(1, 90, "B", nil)
	if !almostEqual(pnl, 10) {
		t.Errorf("pnl = %v, want 10", pnl)
	}

	q2 := &nav.Queue{}
	q2.OpenLong(1, 100)
	pnl2, _ := q2.AutoDeleverage(1, 90, "A", nil)
	if !almostEqual(pnl2, -10) {
		t.Errorf("pnl = %v, want -10", pnl2)
	}
}

func TestQueue_AutoDeleverageInfersSideFromLots(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(1, 100)

	pnl, _ := q.AutoDeleverage(1, 110, "", nil)
	if !almostEqual(pnl, 10) {
		t.Errorf("pnl = %v, want 10", pnl)
	}

	q2 := &nav.Queue{}
	q2.OpenShort(1, 100)
	pnl2, _ := q2.AutoDeleverage(1, 110, "X", nil)
	if !almostEqual(pnl2, -10) {
		t.Errorf("pnl = %v, want -10", pnl2)
	}
}

func TestQueue_LiquidateByDirection(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(2, 100)
	pnl, _ := q.Liquidate(2, 80, "Liquidated Isolated Long", nil)
	if !almostEqual(pnl, -40) {
		t.Errorf("pnl = %v, want -40", pnl)
	}

	q2 := &nav.Queue{}
	q2.OpenShort(2, 100)
	pnl2, _ := q2.Liquidate(2, 120, "Liquidated Cross Short", nil)
	if !almostEqual(pnl2, -40) {
		t.Errorf("pnl = %v, want -40", pnl2)
	}
}

func TestQueue_LiquidateUnknownDirection(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(1, 100)
	pnl, shortfall := q.Liquidate(1, 90, "Liquidated Sideways", nil)
	if pnl != 0 || shortfall != 0 {
		t.Errorf("got (%v, %v), want (0, 0)", pnl, shortfall)
	}
	if q.Len() != 1 {
		t.Errorf("queue should be untouched, has %d lots", q.Len())
	}
}

func TestQueue_SettleClosesEverything(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(1, 100)
	q.OpenShort(2, 150)

	// (120-100)*1 + (150-120)*2
	pnl := q.Settle(120)
	if !almostEqual(pnl, 80) {
		t.Errorf("pnl = %v, want 80", pnl)
	}
	if q.Len() != 0 {
		t.Errorf("queue has %d lots after settle, want 0", q.Len())
	}
}

// ============================================================================
// Test: Marking
// ============================================================================

func TestQueue_UnrealizedAt(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(2, 100)
	q.OpenShort(1, 150)

	// (110-100)*2 + (150-110)*1
	if got := q.UnrealizedAt(110); !almostEqual(got, 60) {
		t.Errorf("unrealized = %v, want 60", got)
	}
}

func TestQueue_UnrealizedAtZeroPrice(t *testing.T) {
	q := &nav.Queue{}
	q.OpenLong(2, 100)
	if got := q.UnrealizedAt(0); got != 0 {
		t.Errorf("unrealized at price 0 = %v, want 0", got)
	}
}
