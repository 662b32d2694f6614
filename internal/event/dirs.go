package event

import "strings"

// Exchange direction tags, used to tell perp fills from spot fills and to
// classify FIFO operations.

var perpDirs = map[string]struct{}{
	"Close Long":                {},
	"Close Short":               {},
	"Open Long":                 {},
	"Open Short":                {},
	"Auto-Deleveraging":         {},
	"Short > Long":              {},
	"Long > Short":              {},
	"Settlement":                {},
	"Liquidated Cross Short":    {},
	"Liquidated Cross Long":     {},
	"Liquidated Isolated Short": {},
	"Liquidated Isolated Long":  {},
}

var spotDirs = map[string]struct{}{
	"Buy":                  {},
	"Sell":                 {},
	"Spot Dust Conversion": {},
}

// IsPerpDir reports whether dir belongs to the perpetual vocabulary.
func IsPerpDir(dir string) bool {
	_, ok := perpDirs[dir]
	return ok
}

// IsSpotDir reports whether dir belongs to the spot vocabulary.
func IsSpotDir(dir string) bool {
	_, ok := spotDirs[dir]
	return ok
}

// IsLiquidationDir reports whether dir marks a forced liquidation fill.
func IsLiquidationDir(dir string) bool {
	return strings.Contains(dir, "Liquidated")
}

