package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"NavCurve/internal/snapshot"
)

// apiFloat decodes JSON numbers that upstream may serialize either as
// numbers or as quoted strings.
type apiFloat float64

func (f *apiFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = apiFloat(v)
	return nil
}

// apiTime decodes the timestamp shapes the history API emits: integer
// epoch milliseconds, "2006-01-02 15:04:05.000000+0000", or ISO 8601
// with a Z suffix.
type apiTime int64

func (t *apiTime) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("parse epoch timestamp: %w", err)
		}
		*t = apiTime(ms)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	ms, err := parseTimeString(s)
	if err != nil {
		return err
	}
	*t = apiTime(ms)
	return nil
}

func parseTimeString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if strings.Contains(s, "T") {
		clean := strings.TrimSuffix(s, "Z")
		for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
			if parsed, err := time.ParseInLocation(layout, clean, time.UTC); err == nil {
				return parsed.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("parse ISO timestamp %q", s)
	}
	return snapshot.ParseTime(s)
}

// columnar is the column-oriented payload shape used by the trades and
// snapshots endpoints: a column name list plus rows of aligned cells.
type columnar struct {
	Columns []string            `json:"columns"`
	Data    [][]json.RawMessage `json:"data"`
}

// rows re-keys each row by column name so it can be decoded into a wire
// struct. Rows whose width does not match the header are dropped.
func (c *columnar) rows() ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(c.Data))
	for _, row := range c.Data {
		if len(row) != len(c.Columns) {
			continue
		}
		obj := make(map[string]json.RawMessage, len(row))
		for i, cell := range row {
			obj[c.Columns[i]] = cell
		}
		encoded, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("re-encode columnar row: %w", err)
		}
		out = append(out, encoded)
	}
	return out, nil
}

type tradeWire struct {
	Time          apiTime  `json:"time"`
	Coin          string   `json:"coin"`
	Side          string   `json:"side"`
	Dir           string   `json:"dir"`
	Px            apiFloat `json:"px"`
	Sz            apiFloat `json:"sz"`
	Fee           apiFloat `json:"fee"`
	FeeToken      string   `json:"fee_token"`
	ClosedPnl     apiFloat `json:"closed_pnl"`
	StartPosition apiFloat `json:"start_position"`
	Hash          string   `json:"hash"`
}

type fundingWire struct {
	Time        apiTime  `json:"time"`
	Coin        string   `json:"coin"`
	Usdc        apiFloat `json:"usdc"`
	Szi         apiFloat `json:"szi"`
	FundingRate apiFloat `json:"funding_rate"`
}

type ledgerWire struct {
	Time  apiTime         `json:"time"`
	Hash  string          `json:"hash"`
	Delta ledgerDeltaWire `json:"delta"`
}

type ledgerDeltaWire struct {
	Type            string   `json:"type"`
	Usdc            apiFloat `json:"usdc"`
	Fee             apiFloat `json:"fee"`
	Amount          apiFloat `json:"amount"`
	UsdcValue       apiFloat `json:"usdcValue"`
	NetWithdrawnUsd apiFloat `json:"netWithdrawnUsd"`
	Token           string   `json:"token"`
	User            string   `json:"user"`
	Destination     string   `json:"destination"`
	SourceDex       string   `json:"sourceDex"`
	DestinationDex  string   `json:"destinationDex"`
	ToPerp          bool     `json:"toPerp"`
}

type summaryWire struct {
	SnapshotTime string `json:"snapshot_time"`
}

type positionWire struct {
	SnapshotTime string   `json:"snapshot_time"`
	Coin         string   `json:"coin"`
	Size         apiFloat `json:"size"`
}

type balanceWire struct {
	SnapshotTime string   `json:"snapshot_time"`
	Coin         string   `json:"coin"`
	TotalAmount  apiFloat `json:"total_amount"`
}
