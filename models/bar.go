package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLC quote bar delivered by the gateway.
type Bar struct {
	Time  time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// BarRecord is the logical output record handed to the sink: the bar tagged
// with the identity of the request that produced it. Timestamp is the
// session-local HHMMSS form with the configured shift already applied.
// Strike and CallOrPut are zero-valued for stock and forex records.
type BarRecord struct {
	Timestamp string
	Symbol    string
	Kind      SecKind
	Strike    float64
	CallOrPut Right
	BidOrAsk  Side
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
}

// SessionTimestamp formats a bar time as HHMMSS after shifting it by the
// configured number of hours. The shift compensates for the host timezone
// of the machine recording the data.
func SessionTimestamp(t time.Time, shiftHours int) string {
	return t.Add(-time.Duration(shiftHours) * time.Hour).Format("150405")
}
