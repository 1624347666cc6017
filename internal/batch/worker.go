package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"msgarchive/internal/domain"
	"msgarchive/internal/logging"
	"msgarchive/internal/metrics"
	"msgarchive/internal/storage"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 50 * time.Millisecond
)

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

// FlushResult summarises one flush. Err is set when the transaction could
// not be started or committed.
type FlushResult struct {
	Attempted int
	Inserted  int
	Failed    int
	Err       error
}

// Worker drains a Queue into a storage.Store. A batch is attempted once and
// then dropped whatever the outcome.
type Worker struct {
	queue    *Queue
	store    storage.Store
	interval time.Duration
	log      *logrus.Entry
	metrics  *metrics.Metrics

	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
	running atomic.Bool
	stopped atomic.Bool
}

// NewWorker builds a stopped worker. A nil store makes every flush discard
// its batch.
func NewWorker(store storage.Store, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	queue := NewQueue(cfg.BatchSize)
	queue.depth = cfg.Metrics.QueueDepth
	return &Worker{
		queue:    queue,
		store:    store,
		interval: cfg.FlushInterval,
		log:      logging.Component(cfg.Logger, "batch"),
		metrics:  cfg.Metrics,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *Worker) Start() {
	if w.stopped.Load() || !w.started.CompareAndSwap(false, true) {
		return
	}
	w.running.Store(true)
	w.log.WithFields(logrus.Fields{"batch_size": w.queue.Threshold(), "flush_interval": w.interval}).Info("flush worker started")
	go w.run()
}

// Stop refuses further entries, waits for the worker to flush what is left
// and returns once it has exited. Close the store only after Stop returns.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	w.running.Store(false)
	w.queue.Close()
	if !w.started.Load() {
		return
	}
	close(w.stopCh)
	<-w.done
	w.log.Info("flush worker stopped")
}

// Enqueue hands rec to the worker. It returns false when the worker is not
// running.
func (w *Worker) Enqueue(rec domain.Record) bool {
	if !w.running.Load() {
		return false
	}
	return w.queue.Push(rec)
}

func (w *Worker) Running() bool { return w.running.Load() }

func (w *Worker) Pending() int { return w.queue.Len() }

func (w *Worker) run() {
	defer close(w.done)
	for w.wait() {
		w.Flush(context.Background())
	}
	w.Flush(context.Background())
}

// wait blocks until the queue reaches the batch size, the flush interval
// elapses or Stop is called. It returns false on Stop.
func (w *Worker) wait() bool {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	for !w.queue.Ready() {
		select {
		case <-w.stopCh:
			return false
		case <-timer.C:
			return true
		case <-w.queue.Wake():
		}
	}
	select {
	case <-w.stopCh:
		return false
	default:
		return true
	}
}

// Flush writes everything queued in one transaction. Only the worker
// goroutine calls it while the worker runs.
func (w *Worker) Flush(ctx context.Context) FlushResult {
	batch := w.queue.Drain()
	res := FlushResult{Attempted: len(batch)}
	if len(batch) == 0 {
		return res
	}
	w.metrics.BatchRows.Observe(float64(len(batch)))

	if w.store == nil {
		res.Failed = len(batch)
		w.log.WithField("rows", len(batch)).Debug("no storage available, batch discarded")
		return res
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		res.Failed, res.Err = len(batch), err
		w.metrics.TxFailures.Inc()
		w.log.WithError(err).WithField("rows", len(batch)).Error("failed to begin batch transaction")
		return res
	}

	for _, rec := range batch {
		if err := tx.Insert(ctx, rec); err != nil {
			res.Failed++
			w.rowFailed(rec.ID, rec.Topic, err)
			continue
		}
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		var rowErrs storage.RowErrors
		if !errors.As(err, &rowErrs) {
			_ = tx.Rollback()
			res.Failed, res.Inserted, res.Err = len(batch), 0, err
			w.metrics.TxFailures.Inc()
			w.log.WithError(err).WithField("rows", len(batch)).Error("failed to commit batch transaction")
			return res
		}
		for id, rowErr := range rowErrs {
			w.rowFailed(id, "", rowErr)
		}
		res.Inserted -= len(rowErrs)
		res.Failed += len(rowErrs)
	}

	w.metrics.RowsInserted.Add(float64(res.Inserted))
	w.log.Debugf("Batch insert: %d/%d messages committed", res.Inserted, res.Attempted)
	return res
}

func (w *Worker) rowFailed(id, topic string, err error) {
	w.metrics.RowFailures.Inc()
	fields := logrus.Fields{"ulid": id}
	if topic != "" {
		fields["topic"] = topic
	}
	w.log.WithFields(fields).WithError(err).Warn("failed to insert message")
}
