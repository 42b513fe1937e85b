package observability

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// S3Config contains configuration for archiving events to S3.
type S3Config struct {
	Enabled       bool          `yaml:"enabled"`
	BucketName    string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_access_key"`
	Endpoint      string        `yaml:"endpoint"` // custom endpoint, e.g. MinIO
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	// MaxQueue bounds buffered events; newer events are dropped beyond it.
	MaxQueue    int  `yaml:"max_queue"`
	Compression bool `yaml:"compression"`
}

// DefaultS3Config returns the archiver defaults.
func DefaultS3Config() S3Config {
	return S3Config{
		FlushInterval: 10 * time.Second,
		BatchSize:     100,
		MaxQueue:      10000,
		Compression:   true,
	}
}

func (c *S3Config) normalize() {
	d := DefaultS3Config()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxQueue < c.BatchSize {
		c.MaxQueue = max(d.MaxQueue, c.BatchSize)
	}
}

// ObjectPutter is the subset of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver is an Observer that batches events as JSON lines and uploads
// them under date-partitioned keys.
type S3Archiver struct {
	config S3Config
	client ObjectPutter
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	queue []Event

	flushCh chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	uploaded atomic.Int64
	dropped  atomic.Int64
}

// NewS3Archiver builds an S3 client from cfg and starts the flush loop.
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3ArchiverWithClient(cfg, s3.NewFromConfig(awsCfg, s3Opts...), logger), nil
}

// NewS3ArchiverWithClient starts an archiver uploading through client.
func NewS3ArchiverWithClient(cfg S3Config, client ObjectPutter, logger *slog.Logger) *S3Archiver {
	a := newS3Archiver(cfg, client, logger)
	a.wg.Add(1)
	go a.flushLoop()
	return a
}

func newS3Archiver(cfg S3Config, client ObjectPutter, logger *slog.Logger) *S3Archiver {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		config:  cfg,
		client:  client,
		logger:  logger,
		now:     time.Now,
		queue:   make([]Event, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// OnEvent implements Observer. It only appends to the in-memory batch.
func (a *S3Archiver) OnEvent(_ context.Context, e Event) {
	a.mu.Lock()
	if len(a.queue) >= a.config.MaxQueue {
		a.mu.Unlock()
		a.dropped.Add(1)
		return
	}
	a.queue = append(a.queue, e)
	full := len(a.queue) >= a.config.BatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

func (a *S3Archiver) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-a.flushCh:
		case <-a.stopCh:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.config.FlushInterval)
		if err := a.Flush(ctx); err != nil {
			a.logger.Warn("event archive upload failed", "error", err)
		}
		cancel()
	}
}

// Flush uploads everything queued so far as one object. On failure the
// batch is put back in front of newer events, within MaxQueue.
func (a *S3Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return nil
	}
	batch := a.queue
	a.queue = make([]Event, 0, a.config.BatchSize)
	a.mu.Unlock()

	body, err := a.encode(batch)
	if err != nil {
		return fmt.Errorf("s3: encode events: %w", err)
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.BucketName),
		Key:         aws.String(a.objectKey(a.now().UTC())),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	}
	if a.config.Compression {
		in.ContentEncoding = aws.String("gzip")
	}
	if _, err := a.client.PutObject(ctx, in); err != nil {
		a.requeue(batch)
		return fmt.Errorf("s3: upload events: %w", err)
	}
	a.uploaded.Add(int64(len(batch)))
	return nil
}

func (a *S3Archiver) requeue(batch []Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := append(batch, a.queue...)
	if over := len(merged) - a.config.MaxQueue; over > 0 {
		a.dropped.Add(int64(over))
		merged = merged[:a.config.MaxQueue]
	}
	a.queue = merged
}

func (a *S3Archiver) encode(batch []Event) ([]byte, error) {
	var buf bytes.Buffer
	var w io.Writer = &buf

	var gz *gzip.Writer
	if a.config.Compression {
		gz = gzip.NewWriter(&buf)
		w = gz
	}
	enc := json.NewEncoder(w)
	for i := range batch {
		if err := enc.Encode(batch[i]); err != nil {
			return nil, err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// objectKey formats prefix/year=YYYY/month=MM/day=DD/hour=HH/events_<ts>_<id>.jsonl[.gz].
func (a *S3Archiver) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())
	name := fmt.Sprintf("events_%d_%s.jsonl", t.UnixNano(), uuid.NewString()[:8])
	if a.config.Compression {
		name += ".gz"
	}
	return path.Join(a.config.PathPrefix, datePrefix, name)
}

// Uploaded returns how many events reached S3.
func (a *S3Archiver) Uploaded() int64 { return a.uploaded.Load() }

// Dropped returns how many events were discarded because the queue was full.
func (a *S3Archiver) Dropped() int64 { return a.dropped.Load() }

// Close stops the flush loop and uploads what is left.
func (a *S3Archiver) Close(ctx context.Context) error {
	a.stopped.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	return a.Flush(ctx)
}
