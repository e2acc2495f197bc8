package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	appconfig "quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// FileSink owns the output file for the day currently being fetched.
// Records buffer in the encoder and hit disk once on CloseDay; a day that
// aborts midway is dropped via AbandonDay, leaving no partial file behind
// to trip the skip-existing check on the next run.
type FileSink struct {
	config    *appconfig.Config
	archiver  *Archiver
	publisher *Publisher

	mu      sync.Mutex
	path    string
	enc     encoder
	records int
	log     *logger.Log
}

// NewFileSink builds a sink. archiver and publisher may be nil when S3
// archival or Kafka publishing is disabled.
func NewFileSink(cfg *appconfig.Config, archiver *Archiver, publisher *Publisher) *FileSink {
	return &FileSink{
		config:    cfg,
		archiver:  archiver,
		publisher: publisher,
		log:       logger.GetLogger(),
	}
}

// OpenDay starts a fresh day file at path.
func (s *FileSink) OpenDay(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc != nil {
		return fmt.Errorf("day file %s still open", s.path)
	}

	enc, err := newEncoder(s.config.Output.Format)
	if err != nil {
		return err
	}
	s.path = path
	s.enc = enc
	s.records = 0

	s.log.WithComponent("sink").WithFields(logger.Fields{
		"path":   path,
		"format": s.config.Output.Format,
	}).Info("day file opened")
	return nil
}

// Append buffers one record into the open day file.
func (s *FileSink) Append(rec models.BarRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("no day file open")
	}
	if err := s.enc.Append(rec); err != nil {
		return err
	}
	s.records++
	logger.IncrementRecordWritten(1)

	if s.publisher != nil {
		s.publisher.Publish(rec)
	}
	return nil
}

// CloseDay seals the day file to disk and hands it to the archiver. A day
// with zero records still produces a file, so reruns skip it.
func (s *FileSink) CloseDay() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("no day file open")
	}
	enc, path, records := s.enc, s.path, s.records
	s.enc = nil
	s.path = ""

	data, err := enc.Finish()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write day file: %w", err)
	}

	s.log.WithComponent("sink").WithFields(logger.Fields{
		"path":    path,
		"records": records,
		"bytes":   len(data),
	}).Info("day file written")

	if s.archiver != nil {
		s.archiver.Enqueue(path)
	}
	return nil
}

// AbandonDay discards the open day without touching disk. Safe to call
// when no day is open.
func (s *FileSink) AbandonDay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return
	}
	s.log.WithComponent("sink").WithFields(logger.Fields{
		"path":    s.path,
		"records": s.records,
	}).Warn("day file abandoned")
	s.enc = nil
	s.path = ""
	s.records = 0
}

// Records reports how many records the open day has buffered.
func (s *FileSink) Records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}
