package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "quoteflow/config"
	"quoteflow/logger"
)

// Archiver copies sealed day files to S3 in the background. Uploads queue
// so a slow link never stalls the fetch loop.
type Archiver struct {
	config   *appconfig.Config
	s3Client *s3.Client
	jobs     chan string

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	a := &Archiver{
		config:   cfg,
		s3Client: s3Client,
		jobs:     make(chan string, 64),
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 archiver initialized")
	return a, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.wg.Add(1)
	go a.worker()
	return nil
}

// Stop drains queued uploads before returning.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	close(a.jobs)
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

// Enqueue schedules one day file for upload.
func (a *Archiver) Enqueue(path string) {
	select {
	case a.jobs <- path:
	default:
		a.log.WithComponent("archiver").WithFields(logger.Fields{
			"path": path,
		}).Warn("upload queue full, day file not archived")
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case path, ok := <-a.jobs:
			if !ok {
				return
			}
			a.upload(path)
		}
	}
}

func (a *Archiver) upload(path string) {
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"path": path})

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Error("failed to read day file for upload")
		return
	}

	key := a.objectKey(path)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}

	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket, "s3_key": key}).
			Error("failed to upload day file")
		return
	}

	logger.IncrementUpload(int64(len(data)))
	log.WithFields(logger.Fields{
		"s3_key": key,
		"bytes":  len(data),
	}).Info("day file archived")
}

// objectKey mirrors the local layout under the configured prefix:
// prefix/ASSET_DIR/RawData-....
func (a *Archiver) objectKey(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	key := filepath.Join(a.config.Storage.S3.Prefix, dir, filepath.Base(path))
	return filepath.ToSlash(key)
}
