package event

// PerpChange records a perp fill verbatim so the accounting layer can
// classify the operation itself (not pre-netted).
type PerpChange struct {
	Amount float64
	Price  float64
	Dir    string
	Side   string
}

// ShareChange is a deferred share delta: either none, or a numerator to
// be divided by the previous bucket's net value once that is known.
type ShareChange struct {
	set       bool
	numerator float64
}

// NoShareChange returns the zero share delta.
func NoShareChange() ShareChange {
	return ShareChange{}
}

// ShareNumerator returns a share delta of numerator/net_value, resolved
// later against the previous bucket's net value.
func ShareNumerator(n float64) ShareChange {
	return ShareChange{set: true, numerator: n}
}

// Numerator returns the pending numerator and whether one is set.
func (s ShareChange) Numerator() (float64, bool) {
	return s.numerator, s.set
}

// Impact is the normalized effect of one event. Produced once per event,
// never mutated.
type Impact struct {
	// SpotPositionChanges maps coin to signed position delta on the spot book
	SpotPositionChanges map[string]float64

	// PerpPositionChanges maps coin to the verbatim perp fill detail
	PerpPositionChanges map[string]PerpChange

	// SpotAssetChange is the settlement-currency delta on the spot book
	// not already covered by a position change (fees, transfers)
	SpotAssetChange float64

	// PerpAssetChange is the settlement-currency delta on the perp book
	// (funding, deposits, fees)
	PerpAssetChange float64

	Share ShareChange
}

// NewImpact returns an Impact with allocated change maps.
func NewImpact() Impact {
	return Impact{
		SpotPositionChanges: make(map[string]float64),
		PerpPositionChanges: make(map[string]PerpChange),
	}
}
