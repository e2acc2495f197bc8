package models

import "time"

// FetchRequest holds all the information needed to issue one historical
// data request: the instrument, the start of the queried span, its length
// and the quote side. ReqID stays zero until the registry admits the
// request and assigns a correlation id.
type FetchRequest struct {
	Instrument  Instrument
	QueryTime   time.Time
	SpanMinutes int
	Side        Side
	ReqID       int64
}

// NewFetchRequest creates a request with an unassigned correlation id.
func NewFetchRequest(inst Instrument, queryTime time.Time, spanMinutes int, side Side) *FetchRequest {
	return &FetchRequest{
		Instrument:  inst,
		QueryTime:   queryTime,
		SpanMinutes: spanMinutes,
		Side:        side,
	}
}
