package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// Publisher mirrors every output record onto a Kafka topic for live
// consumers. Publishing is best effort; the day file on disk stays the
// source of truth.
type Publisher struct {
	config  *appconfig.Config
	writer  *kafka.Writer
	records chan models.BarRecord

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewPublisher(cfg *appconfig.Config) (*Publisher, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	p := &Publisher{
		config: cfg,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Storage.Kafka.Brokers...),
			Topic:    cfg.Storage.Kafka.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		records: make(chan models.BarRecord, 1024),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
	return nil
}

func (p *Publisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	close(p.records)
	p.wg.Wait()
	p.writer.Close()
	p.log.WithComponent("publisher").Debug("kafka publisher stopped")
}

// Publish queues one record. A full queue drops the record rather than
// blocking the fetch loop.
func (p *Publisher) Publish(rec models.BarRecord) {
	select {
	case p.records <- rec:
	default:
		p.log.WithComponent("publisher").WithFields(logger.Fields{
			"symbol": rec.Symbol,
		}).Warn("publish queue full, record dropped")
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case rec, ok := <-p.records:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				p.log.WithComponent("publisher").WithError(err).Warn("failed to marshal record")
				continue
			}
			msg := kafka.Message{
				Key:   []byte(rec.Symbol),
				Value: data,
			}
			if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
				p.log.WithComponent("publisher").WithError(err).Warn("failed to publish record")
			}
		}
	}
}
