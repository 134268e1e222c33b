// Package s3 archives audit events to an S3-compatible bucket as JSON lines.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittogate/internal/logger"
	"github.com/marmos91/dittogate/pkg/audit"
)

// Client is the subset of *s3.Client used by the sink.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures a Sink.
type Config struct {
	Client    Client
	Bucket    string
	KeyPrefix string

	// BatchSize triggers an upload once this many events are buffered.
	// Default: 100.
	BatchSize int

	// FlushInterval uploads buffered events periodically. Zero disables the
	// timer; events are then only uploaded by size or on Close.
	FlushInterval time.Duration

	// MaxBuffered caps the events held while uploads fail or lag. The oldest
	// events are dropped beyond it. Default: 10 * BatchSize.
	MaxBuffered int

	// UploadTimeout bounds each background upload. Default: 30s.
	UploadTimeout time.Duration
}

// Sink buffers events and uploads each batch as one object under
// <prefix>/<yyyy>/<mm>/<dd>/<unix-nanos>.jsonl. Record never waits for S3;
// uploads run on a background goroutine.
type Sink struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	buffer  []audit.Event
	dropped int

	// uploadMu keeps batches in order between the loop and Flush callers.
	uploadMu sync.Mutex

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ audit.Sink = (*Sink)(nil)

// New creates a Sink and starts its upload loop.
func New(config Config) (*Sink, error) {
	if config.Client == nil {
		return nil, errors.New("s3 audit sink: client is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("s3 audit sink: bucket is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = 10 * config.BatchSize
	}
	if config.MaxBuffered < config.BatchSize {
		config.MaxBuffered = config.BatchSize
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}

	s := &Sink{
		config: config,
		now:    time.Now,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.uploadLoop()
	return s, nil
}

func (s *Sink) uploadLoop() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.config.FlushInterval > 0 {
		ticker := time.NewTicker(s.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			s.upload()
		case <-s.kick:
			s.upload()
		case <-s.stop:
			return
		}
	}
}

func (s *Sink) upload() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.UploadTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		logger.Warn("Audit: upload failed: %v", err)
	}
}

// Record buffers e and wakes the upload loop when a batch is full. When the
// buffer is at MaxBuffered the oldest event is dropped.
func (s *Sink) Record(_ context.Context, e audit.Event) {
	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	s.trimLocked()
	full := len(s.buffer) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Sink) trimLocked() {
	excess := len(s.buffer) - s.config.MaxBuffered
	if excess <= 0 {
		return
	}
	if s.dropped == 0 {
		logger.Warn("Audit: buffer full (%d events), dropping oldest events until uploads recover", s.config.MaxBuffered)
	}
	s.buffer = s.buffer[excess:]
	s.dropped += excess
}

// Flush uploads the buffered events. On failure the events are put back,
// within MaxBuffered, so the next flush retries them.
func (s *Sink) Flush(ctx context.Context) error {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
	}

	key := s.objectKey()
	_, err := s.config.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.trimLocked()
		s.mu.Unlock()
		return fmt.Errorf("put s3://%s/%s: %w", s.config.Bucket, key, err)
	}

	s.mu.Lock()
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	if dropped > 0 {
		logger.Warn("Audit: %d event(s) were dropped before uploads recovered", dropped)
	}

	logger.Debug("Audit: uploaded %d event(s) to s3://%s/%s", len(batch), s.config.Bucket, key)
	return nil
}

func (s *Sink) objectKey() string {
	now := s.now().UTC()
	name := fmt.Sprintf("%d.jsonl", now.UnixNano())
	return path.Join(s.config.KeyPrefix, now.Format("2006"), now.Format("01"), now.Format("02"), name)
}

// Close stops the upload loop and uploads what is left.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	return s.Flush(ctx)
}
