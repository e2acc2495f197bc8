package models

import (
	"fmt"
	"strings"
	"time"
)

// SecKind identifies the security kind of an instrument, using the
// provider's designations.
type SecKind string

const (
	SecOption SecKind = "OPT"
	SecStock  SecKind = "STK"
	SecForex  SecKind = "CASH"
)

// Right is the option side of a contract.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Side selects the quote side of a historical query.
type Side string

const (
	SideAsk Side = "ASK"
	SideBid Side = "BID"
	// SideBidAsk requests midpoint-style bars and is only used for the
	// reference-price query.
	SideBidAsk Side = "BID_ASK"
)

// Flag returns the single-letter side marker used in output records:
// "S" for ask, "B" for bid.
func (s Side) Flag() string {
	if s == SideAsk {
		return "S"
	}
	return "B"
}

// Instrument identifies a tradable unit. Strike, Right and Expiry are only
// meaningful for options. Instruments are immutable once constructed.
type Instrument struct {
	Symbol   string
	Kind     SecKind
	Exchange string
	Currency string
	Strike   float64
	Right    Right
	Expiry   time.Time
}

// StockInstrument builds the single equity instrument for a symbol.
func StockInstrument(symbol string) Instrument {
	return Instrument{
		Symbol:   symbol,
		Kind:     SecStock,
		Exchange: "SMART",
		Currency: "USD",
	}
}

// ForexInstrument builds a currency-pair instrument from a "BASE.QUOTE"
// symbol such as "EUR.USD".
func ForexInstrument(symbol string) Instrument {
	base, quote := symbol, "USD"
	if i := strings.Index(symbol, "."); i >= 0 {
		base = symbol[:i]
		quote = symbol[i+1:]
	}
	return Instrument{
		Symbol:   strings.ToUpper(base),
		Kind:     SecForex,
		Exchange: "IDEALPRO",
		Currency: strings.ToUpper(quote),
	}
}

// OptionInstrument builds a fully specified option contract.
func OptionInstrument(underlying string, expiry time.Time, strike float64, right Right) Instrument {
	return Instrument{
		Symbol:   underlying,
		Kind:     SecOption,
		Exchange: "SMART",
		Currency: "USD",
		Strike:   strike,
		Right:    right,
		Expiry:   expiry,
	}
}

// AmbiguousOption builds the wildcard contract (strike 0, no right) used to
// discover every tradable strike and side for an expiry in one details
// query.
func AmbiguousOption(underlying string, expiry time.Time) Instrument {
	return Instrument{
		Symbol:   underlying,
		Kind:     SecOption,
		Exchange: "SMART",
		Currency: "USD",
		Expiry:   expiry,
	}
}

// Key returns a unique identifier for the instrument.
func (i Instrument) Key() string {
	if i.Kind == SecOption {
		return fmt.Sprintf("%s:%s:%s:%s%g", i.Symbol, i.Kind, i.Expiry.Format("20060102"), i.Right, i.Strike)
	}
	return fmt.Sprintf("%s:%s", i.Symbol, i.Kind)
}
