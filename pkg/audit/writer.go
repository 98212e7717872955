package audit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregtusar/imbalance/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Backend persists audit rows.
type Backend interface {
	Write(ctx context.Context, row Row) error
	Close() error
}

const (
	defaultMaxTries     = 5
	defaultRetryInitial = 200 * time.Millisecond
	shutdownTimeout     = 10 * time.Second
)

// Writer drains enqueued rows to a backend one at a time, in enqueue order.
// Enqueue never blocks on the backend.
type Writer struct {
	backend Backend
	logger  *logrus.Logger

	maxTries     uint
	retryInitial time.Duration

	mu      sync.Mutex
	pending []Row
	closed  bool
	wake    chan struct{}
}

type WriterOption func(*Writer)

// WithRetry sets how many times a row write is attempted and the first delay
// between attempts.
func WithRetry(maxTries uint, initial time.Duration) WriterOption {
	return func(w *Writer) {
		w.maxTries = maxTries
		w.retryInitial = initial
	}
}

func NewWriter(backend Backend, logger *logrus.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		backend:      backend,
		logger:       logger,
		maxTries:     defaultMaxTries,
		retryInitial: defaultRetryInitial,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Enqueue(row Row) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.WithField("row", row.TSV()).Warn("Audit writer closed, dropping row")
		return
	}
	w.pending = append(w.pending, row)
	metrics.AuditQueueDepth.Set(float64(len(w.pending)))
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run writes rows until ctx is cancelled, then flushes what is still queued
// and closes the backend.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-w.wake:
			w.drain(ctx)
		}
	}
}

func (w *Writer) shutdown() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	w.drain(ctx)

	w.mu.Lock()
	if n := len(w.pending); n > 0 {
		w.logger.WithField("rows", n).Error("Audit flush timed out, rows lost")
	}
	w.mu.Unlock()

	return w.backend.Close()
}

func (w *Writer) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		row := w.pending[0]
		w.pending = w.pending[1:]
		metrics.AuditQueueDepth.Set(float64(len(w.pending)))
		w.mu.Unlock()

		if err := w.write(ctx, row); err != nil {
			if ctx.Err() != nil {
				// Shutdown interrupted the write; the final flush retries it.
				w.mu.Lock()
				w.pending = append([]Row{row}, w.pending...)
				w.mu.Unlock()
				return
			}
			w.logger.WithError(err).WithField("row", row.TSV()).Error("Failed to write audit row")
		}
	}
}

func (w *Writer) write(ctx context.Context, row Row) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryInitial

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.backend.Write(ctx, row)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(w.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.WithError(err).WithField("retry_in", next).Warn("Audit write failed, retrying")
		}),
	)
	return err
}
