package gateway

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quoteflow/models"
)

// Provider status codes. Connectivity notices carry no payload and are
// harmless during historical backfill; CodeNoData means the queried
// contract has no bars for the requested span.
const (
	CodeMarketDataFarmConnected    = 2103
	CodeMarketDataFarmOK           = 2104
	CodeHistDataFarmConnected      = 2108
	CodeSecDefDataFarmConnected    = 2157
	CodeSecDefDataFarmOK           = 2158
	CodeNoData                     = 162
	CodeMarketDataNotSubscribed    = 165
)

// ConnectivityNotice reports whether code is a farm status notice rather
// than a request failure.
func ConnectivityNotice(code int) bool {
	switch code {
	case CodeMarketDataFarmConnected, CodeMarketDataFarmOK,
		CodeHistDataFarmConnected, CodeSecDefDataFarmConnected,
		CodeSecDefDataFarmOK:
		return true
	}
	return false
}

type EventKind int

const (
	EventBar EventKind = iota
	EventEndOfStream
	EventContractDetail
	EventContractDetailEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventBar:
		return "bar"
	case EventEndOfStream:
		return "end"
	case EventContractDetail:
		return "contract"
	case EventContractDetailEnd:
		return "contract_end"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one decoded message from the provider, keyed by the
// correlation id of the request that produced it.
type Event struct {
	Kind     EventKind
	ReqID    int64
	Bar      *models.Bar
	Contract *models.Instrument
	Code     int
	Message  string
}

// frame is the raw wire shape of a provider message.
type frame struct {
	Type     string           `json:"type"`
	ReqID    int64            `json:"req_id"`
	Bar      *barPayload      `json:"bar,omitempty"`
	Contract *contractPayload `json:"contract,omitempty"`
	Code     int              `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
}

type barPayload struct {
	Time  int64  `json:"time"`
	Open  string `json:"open"`
	High  string `json:"high"`
	Low   string `json:"low"`
	Close string `json:"close"`
}

type contractPayload struct {
	Symbol string  `json:"symbol"`
	Expiry string  `json:"expiry"`
	Strike float64 `json:"strike"`
	Right  string  `json:"right"`
}

func (f *frame) toEvent() (Event, error) {
	ev := Event{ReqID: f.ReqID, Code: f.Code, Message: f.Message}
	switch f.Type {
	case "bar":
		ev.Kind = EventBar
		bar, err := f.Bar.decode()
		if err != nil {
			return ev, err
		}
		ev.Bar = bar
	case "end":
		ev.Kind = EventEndOfStream
	case "contract":
		ev.Kind = EventContractDetail
		inst, err := f.Contract.decode()
		if err != nil {
			return ev, err
		}
		ev.Contract = inst
	case "contract_end":
		ev.Kind = EventContractDetailEnd
	case "error":
		ev.Kind = EventError
	default:
		return ev, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return ev, nil
}

func (p *barPayload) decode() (*models.Bar, error) {
	if p == nil {
		return nil, fmt.Errorf("bar frame without payload")
	}
	open, err := decimal.NewFromString(p.Open)
	if err != nil {
		return nil, fmt.Errorf("bar open: %w", err)
	}
	high, err := decimal.NewFromString(p.High)
	if err != nil {
		return nil, fmt.Errorf("bar high: %w", err)
	}
	low, err := decimal.NewFromString(p.Low)
	if err != nil {
		return nil, fmt.Errorf("bar low: %w", err)
	}
	cls, err := decimal.NewFromString(p.Close)
	if err != nil {
		return nil, fmt.Errorf("bar close: %w", err)
	}
	return &models.Bar{
		Time:  time.Unix(p.Time, 0).UTC(),
		Open:  open,
		High:  high,
		Low:   low,
		Close: cls,
	}, nil
}

func (p *contractPayload) decode() (*models.Instrument, error) {
	if p == nil {
		return nil, fmt.Errorf("contract frame without payload")
	}
	expiry, err := time.Parse("20060102", p.Expiry)
	if err != nil {
		return nil, fmt.Errorf("contract expiry: %w", err)
	}
	right := models.Right(p.Right)
	if right != models.RightCall && right != models.RightPut {
		return nil, fmt.Errorf("contract right %q", p.Right)
	}
	inst := models.OptionInstrument(p.Symbol, expiry, p.Strike, right)
	return &inst, nil
}
