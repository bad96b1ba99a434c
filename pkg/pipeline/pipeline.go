// Package pipeline implements the batch-packing state machine.
//
// The pipeline consumes per-file upload requests from a work queue,
// streams each source object into an in-flight CAF container, and hands
// finished containers off to the blob service and catalog. Queue messages
// are acknowledged only after the container they landed in is durably
// uploaded and every catalog row for the batch has been issued.
//
// State machine of the in-flight container:
//
//	Idle -> Open            first message allocates a writer
//	Open -> Handoff         capacity hit, batch count hit, or inactivity
//	Handoff -> Idle         finalize, upload, index, ack (or nack all)
//
// Exactly one append runs at a time, enforced by an internal mutex
// regardless of the queue prefetch setting. While a handoff is in
// progress, newly delivered messages are nacked back to the broker
// rather than buffered.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caflabs/packd/internal/logger"
	"github.com/caflabs/packd/pkg/blobstore"
	"github.com/caflabs/packd/pkg/caf"
	"github.com/caflabs/packd/pkg/catalog"
	"github.com/caflabs/packd/pkg/objectstore"
)

// Defaults for finalization triggers.
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultBatchLimit        = 1000
)

// Catalog is the subset of the catalog store the pipeline needs.
type Catalog interface {
	Insert(ctx context.Context, taskID, filePath, containerName, workerID string) error
}

// Metrics receives pipeline observations. A nil Metrics is valid and
// records nothing.
type Metrics interface {
	MessageHandled(outcome string)
	MemberAppended(bytes int64, duration time.Duration)
	ContainerFinalized(trigger string, members int, payloadBytes int64)
	HandoffFailed(stage string)
}

// Config holds the pipeline knobs.
type Config struct {
	// MaxContainerSizeGB is the payload budget per container.
	MaxContainerSizeGB float64

	// InactivityTimeout finalizes whatever is pending when no successful
	// append has happened for this long.
	InactivityTimeout time.Duration

	// BatchLimit finalizes a container once this many messages are pending.
	BatchLimit int

	// CopyTimeout bounds a single source-stream copy.
	CopyTimeout time.Duration

	// TempDir is where in-flight containers are written.
	TempDir string

	// WorkerID is recorded on every catalog row this worker inserts.
	WorkerID string
}

func (c *Config) applyDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.CopyTimeout <= 0 {
		c.CopyTimeout = caf.DefaultCopyTimeout
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
}

// pendingMessage pairs a delivery with its parsed request. Acks are
// deferred until the container ships.
type pendingMessage struct {
	delivery Delivery
	request  UploadRequest
}

// Pipeline is the single-consumer, single-writer packing state machine.
type Pipeline struct {
	cfg     Config
	objects objectstore.Store
	blobs   blobstore.Store
	cat     Catalog
	metrics Metrics

	mu        sync.Mutex
	writer    *caf.Writer
	pending   []pendingMessage
	uploading bool
	timer     *time.Timer
}

// New creates a pipeline. The pipeline is idle until deliveries arrive
// via Handle.
func New(cfg Config, objects objectstore.Store, blobs blobstore.Store, cat Catalog, metrics Metrics) (*Pipeline, error) {
	cfg.applyDefaults()
	if cfg.MaxContainerSizeGB <= 0 || cfg.MaxContainerSizeGB > caf.MaxSizeGB {
		return nil, fmt.Errorf("container budget %.2f GB out of range (0, %d]", cfg.MaxContainerSizeGB, caf.MaxSizeGB)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &Pipeline{
		cfg:     cfg,
		objects: objects,
		blobs:   blobs,
		cat:     cat,
		metrics: metrics,
	}, nil
}

// Handle processes one queue delivery. It is safe to call concurrently;
// appends are serialized internally.
func (p *Pipeline) Handle(ctx context.Context, d Delivery) {
	req, err := ParseUploadRequest(d.Body())
	if err != nil {
		logger.Warn("rejecting malformed queue message", "error", err)
		p.nack(d)
		p.observe("invalid")
		return
	}

	p.mu.Lock()

	if p.uploading {
		// Handoff in progress: send the message back rather than buffer it.
		p.mu.Unlock()
		logger.Debug("handoff in progress, requeueing message",
			logger.KeyTaskID, req.TaskID, logger.KeyFilePath, req.FilePath)
		p.nack(d)
		p.observe("requeued_busy")
		return
	}
	defer p.mu.Unlock()

	p.appendLocked(ctx, d, req, true)
}

// appendLocked runs one append cycle with p.mu held. allowRollover guards
// against a second rollover for the same message.
func (p *Pipeline) appendLocked(ctx context.Context, d Delivery, req UploadRequest, allowRollover bool) {
	if p.writer == nil {
		if err := p.openWriterLocked(); err != nil {
			logger.Error("failed to open container writer", "error", err)
			p.nack(d)
			p.observe("nacked")
			return
		}
	}

	stream, length, err := p.objects.OpenStream(ctx, req.FilePath)
	if err != nil {
		logger.Error("failed to open source stream",
			logger.KeyTaskID, req.TaskID, logger.KeyFilePath, req.FilePath, "error", err)
		p.nack(d)
		p.observe("nacked")
		return
	}

	start := time.Now()
	ok, err := p.writer.AppendStream(ctx, req.MemberPath(), stream, length)
	_ = stream.Close()

	switch {
	case err != nil && (errors.Is(err, caf.ErrDuplicateMember) || errors.Is(err, caf.ErrEmptyMember)):
		// Rejected before any byte was written; the container is intact.
		logger.Warn("append rejected", logger.KeyMember, req.MemberPath(), "error", err)
		p.nack(d)
		p.observe("nacked")

	case err != nil:
		// Mid-copy failure: the payload region is partially written and
		// the whole container is poisoned.
		logger.Error("append failed, poisoning container",
			logger.KeyMember, req.MemberPath(), "error", err)
		p.discardContainerLocked()
		p.nack(d)
		p.observe("nacked")

	case !ok:
		// Budget exhausted. Finalize the predecessor, then redirect this
		// message into a fresh container. The source stream was opened
		// before the capacity check and must be re-obtained.
		logger.Info("container budget reached, rolling over",
			logger.KeyContainer, p.writer.Path(),
			"payload_bytes", p.writer.Size(),
			"declared_length", length,
		)
		if err := p.handoffLocked(ctx, "capacity"); err != nil {
			p.nack(d)
			p.observe("nacked")
			return
		}
		if !allowRollover {
			// A single message larger than the budget can never fit.
			logger.Error("message exceeds container budget, rejecting",
				logger.KeyMember, req.MemberPath(), "declared_length", length)
			p.nack(d)
			p.observe("nacked")
			return
		}
		p.appendLocked(ctx, d, req, false)

	default:
		p.pending = append(p.pending, pendingMessage{delivery: d, request: req})
		p.resetTimerLocked()
		if p.metrics != nil {
			p.metrics.MemberAppended(length, time.Since(start))
		}
		p.observe("appended")
		logger.Debug("message appended",
			logger.KeyMember, req.MemberPath(),
			"bytes", length,
			"pending", len(p.pending),
		)

		if len(p.pending) >= p.cfg.BatchLimit {
			if err := p.handoffLocked(ctx, "count"); err != nil {
				logger.Error("batch handoff failed", "trigger", "count", "error", err)
			}
		}
	}
}

// openWriterLocked allocates a fresh writer and starts the inactivity timer.
func (p *Pipeline) openWriterLocked() error {
	path := filepath.Join(p.cfg.TempDir, fmt.Sprintf("inflight_%d.caf", time.Now().UnixNano()))
	w, err := caf.NewWriter(path, p.cfg.MaxContainerSizeGB, caf.WithCopyTimeout(p.cfg.CopyTimeout))
	if err != nil {
		return err
	}
	p.writer = w
	p.resetTimerLocked()
	logger.Debug("opened in-flight container", logger.KeyContainer, path)
	return nil
}

// resetTimerLocked (re)arms the inactivity timer.
func (p *Pipeline) resetTimerLocked() {
	if p.cfg.InactivityTimeout <= 0 {
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.cfg.InactivityTimeout, p.onInactivity)
		return
	}
	p.timer.Reset(p.cfg.InactivityTimeout)
}

// stopTimerLocked disarms the inactivity timer.
func (p *Pipeline) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// onInactivity finalizes whatever is pending. It is a no-op when no
// writer is open or a handoff already runs.
func (p *Pipeline) onInactivity() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil || p.uploading {
		return
	}
	logger.Info("inactivity timeout, finalizing container",
		logger.KeyContainer, p.writer.Path(), "pending", len(p.pending))
	if err := p.handoffLocked(context.Background(), "inactivity"); err != nil {
		logger.Error("inactivity handoff failed", "error", err)
	}
}

// Flush finalizes any in-flight container immediately. Used by tests and
// during shutdown drain.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil || p.uploading {
		return nil
	}
	return p.handoffLocked(ctx, "flush")
}

// handoffLocked runs finalize -> upload -> index -> ack for the current
// container. Called with p.mu held; the mutex is released during network
// I/O while the uploading flag blocks new appends. On any failure the
// batch is nacked with requeue and the container file is deleted.
func (p *Pipeline) handoffLocked(ctx context.Context, trigger string) error {
	w := p.writer
	batch := p.pending
	p.writer = nil
	p.pending = nil
	p.stopTimerLocked()

	if w == nil {
		return nil
	}
	if len(batch) == 0 {
		// Nothing was ever appended; drop the empty container.
		_ = w.Cleanup()
		_ = os.Remove(w.Path())
		return nil
	}

	members := w.MemberCount()
	payloadBytes := w.Size()
	containerName := fmt.Sprintf("batch_%d.caf", time.Now().UnixMilli())

	p.uploading = true
	p.mu.Unlock()
	err := p.shipAndIndex(ctx, w, batch, containerName)
	p.mu.Lock()
	p.uploading = false

	if err != nil {
		p.nackBatch(batch)
		if p.metrics != nil {
			p.metrics.HandoffFailed(trigger)
		}
		return err
	}

	for _, m := range batch {
		if ackErr := m.delivery.Ack(); ackErr != nil {
			logger.Error("failed to ack message",
				logger.KeyTaskID, m.request.TaskID,
				logger.KeyFilePath, m.request.FilePath,
				"error", ackErr)
		}
	}

	if p.metrics != nil {
		p.metrics.ContainerFinalized(trigger, members, payloadBytes)
	}
	logger.Info("batch shipped",
		logger.KeyContainer, containerName,
		"trigger", trigger,
		"members", members,
		"payload_bytes", payloadBytes,
	)
	return nil
}

// shipAndIndex finalizes the container, uploads it and inserts the batch's
// catalog rows. Runs without holding p.mu.
func (p *Pipeline) shipAndIndex(ctx context.Context, w *caf.Writer, batch []pendingMessage, containerName string) error {
	localPath, err := w.Finalize()
	if err != nil {
		_ = w.Cleanup()
		_ = os.Remove(w.Path())
		return fmt.Errorf("failed to finalize container: %w", err)
	}
	// The local in-flight file is gone after handoff either way; retrieval
	// re-downloads from the blob service.
	defer func() { _ = os.Remove(localPath) }()

	if err := p.blobs.PutContainer(ctx, containerName, localPath); err != nil {
		return fmt.Errorf("failed to upload container %s: %w", containerName, err)
	}

	for _, m := range batch {
		err := p.cat.Insert(ctx, m.request.TaskID, m.request.FilePath, containerName, p.cfg.WorkerID)
		if errors.Is(err, catalog.ErrDuplicateRecord) {
			// Poison row from an earlier partially indexed batch; the
			// bytes are durable, so surface it and keep going.
			logger.Warn("duplicate catalog row on insert",
				logger.KeyTaskID, m.request.TaskID,
				logger.KeyFilePath, m.request.FilePath,
				logger.KeyContainer, containerName,
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to index batch: %w", err)
		}
	}
	return nil
}

// discardContainerLocked deletes a poisoned in-flight container and nacks
// every pending message.
func (p *Pipeline) discardContainerLocked() {
	if p.writer != nil {
		path := p.writer.Path()
		_ = p.writer.Cleanup()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove poisoned container", logger.KeyContainer, path, "error", err)
		}
		p.writer = nil
	}
	p.stopTimerLocked()
	batch := p.pending
	p.pending = nil
	p.nackBatch(batch)
}

// nackBatch requeues every message of a failed batch.
func (p *Pipeline) nackBatch(batch []pendingMessage) {
	for _, m := range batch {
		if err := m.delivery.Nack(true); err != nil {
			logger.Error("failed to nack message",
				logger.KeyTaskID, m.request.TaskID,
				logger.KeyFilePath, m.request.FilePath,
				"error", err)
		}
	}
}

// nack requeues a single delivery, logging failures.
func (p *Pipeline) nack(d Delivery) {
	if err := d.Nack(true); err != nil {
		logger.Error("failed to nack message", "error", err)
	}
}

func (p *Pipeline) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.MessageHandled(outcome)
	}
}
