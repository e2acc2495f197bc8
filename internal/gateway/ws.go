package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// Conn is one websocket session with the quote gateway. Decoded provider
// messages arrive on Events(); the channel is closed when the read pump
// exits.
type Conn struct {
	config   config.GatewayConfig
	ws       *websocket.Conn
	events   chan Event
	clientID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // serializes writes to the socket
	log    *logger.Log
}

// Dial connects to the gateway and starts the read pump.
func Dial(ctx context.Context, cfg config.GatewayConfig) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		ReadBufferSize:   cfg.ReadBuffer,
	}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", cfg.URL, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		config:   cfg,
		ws:       ws,
		events:   make(chan Event, 1024),
		clientID: uuid.New().String(),
		ctx:      cctx,
		cancel:   cancel,
		log:      logger.GetLogger(),
	}

	c.log.WithComponent("gateway").WithFields(logger.Fields{
		"url":       cfg.URL,
		"client_id": c.clientID,
	}).Info("Connected to quote gateway")

	c.wg.Add(1)
	go c.readPump()
	return c, nil
}

// Events returns the stream of decoded provider messages.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Close tears down the session and waits for the read pump to exit.
func (c *Conn) Close() error {
	c.cancel()
	err := c.ws.Close()
	c.wg.Wait()
	return err
}

func (c *Conn) readPump() {
	defer c.wg.Done()
	defer close(c.events)
	log := c.log.WithComponent("gateway")

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.WithError(err).Error("Gateway read failed")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"raw": string(raw),
			}).Warn("Dropping undecodable gateway frame")
			continue
		}
		ev, err := f.toEvent()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"type":   f.Type,
				"req_id": f.ReqID,
			}).Warn("Dropping malformed gateway frame")
			continue
		}

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// request is the wire shape of an outbound query.
type request struct {
	Op       string `json:"op"`
	ClientID string `json:"client_id"`
	ReqID    int64  `json:"req_id"`

	Symbol   string  `json:"symbol,omitempty"`
	SecType  string  `json:"sec_type,omitempty"`
	Exchange string  `json:"exchange,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Expiry   string  `json:"expiry,omitempty"`
	Strike   float64 `json:"strike,omitempty"`
	Right    string  `json:"right,omitempty"`

	End         string `json:"end,omitempty"`
	SpanMinutes int    `json:"span_minutes,omitempty"`
	Side        string `json:"side,omitempty"`
}

func (c *Conn) send(req request) error {
	req.ClientID = c.clientID
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(req); err != nil {
		return fmt.Errorf("send %s req %d: %w", req.Op, req.ReqID, err)
	}
	return nil
}

func contractFields(req request, inst models.Instrument) request {
	req.Symbol = inst.Symbol
	req.SecType = string(inst.Kind)
	req.Exchange = inst.Exchange
	req.Currency = inst.Currency
	if inst.Kind == models.SecOption {
		if !inst.Expiry.IsZero() {
			req.Expiry = inst.Expiry.Format("20060102")
		}
		req.Strike = inst.Strike
		req.Right = string(inst.Right)
	}
	return req
}

// HistoricalQuery requests bid or ask bars for the span ending at end.
func (c *Conn) HistoricalQuery(id int64, inst models.Instrument, end time.Time, spanMinutes int, side models.Side) error {
	req := contractFields(request{Op: "historical", ReqID: id}, inst)
	req.End = end.Format("20060102 15:04:05")
	req.SpanMinutes = spanMinutes
	req.Side = string(side)
	return c.send(req)
}

// LiveSubscription starts a streaming bar subscription for inst.
func (c *Conn) LiveSubscription(id int64, inst models.Instrument) error {
	return c.send(contractFields(request{Op: "live", ReqID: id}, inst))
}

// CancelLiveSubscription stops a streaming subscription.
func (c *Conn) CancelLiveSubscription(id int64) error {
	return c.send(request{Op: "cancel_live", ReqID: id})
}

// ContractDetailsQuery asks for every listed contract matching the
// partially specified instrument.
func (c *Conn) ContractDetailsQuery(id int64, inst models.Instrument) error {
	return c.send(contractFields(request{Op: "contract_details", ReqID: id}, inst))
}
