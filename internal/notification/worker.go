// Package notification implements the status-propagation pipeline: it drains
// the inbound queue, runs each WorkItem through a Processor, publishes the
// resulting StatusReport, projects it into a Store and notifies observers.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phillus33/notification-status-worker/internal/config"
	"github.com/phillus33/notification-status-worker/internal/queue"
	"github.com/sirupsen/logrus"
)

const defaultTaskTimeout = 10 * time.Second

// Notifier receives every applied StatusReport. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, report StatusReport)
}

type NotifierFunc func(ctx context.Context, report StatusReport)

func (f NotifierFunc) Notify(ctx context.Context, report StatusReport) {
	f(ctx, report)
}

// Worker consumes the inbound queue and turns every delivery into exactly one
// StatusReport, or a nack when the unit cannot be completed.
type Worker struct {
	consumer     queue.Consumer
	publisher    queue.Publisher
	store        Store
	processor    Processor
	notifiers    []Notifier
	inboundQueue string
	statusQueue  string
	taskTimeout  time.Duration
	now          func() time.Time
	logger       logrus.FieldLogger

	mu       sync.Mutex
	running  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// WorkerConfig provides configuration options for the Worker.
type WorkerConfig struct {
	Consumer     queue.Consumer
	Publisher    queue.Publisher
	Store        Store
	Processor    Processor
	Notifiers    []Notifier
	InboundQueue string
	StatusQueue  string
	TaskTimeout  time.Duration
	Now          func() time.Time
	Logger       logrus.FieldLogger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Worker{
		consumer:     cfg.Consumer,
		publisher:    cfg.Publisher,
		store:        cfg.Store,
		processor:    cfg.Processor,
		notifiers:    cfg.Notifiers,
		inboundQueue: cfg.InboundQueue,
		statusQueue:  cfg.StatusQueue,
		taskTimeout:  cfg.TaskTimeout,
		now:          cfg.Now,
		logger:       cfg.Logger.WithField("module", "notification.worker"),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if w.consumer == nil || w.publisher == nil || w.store == nil || w.processor == nil {
		return errors.New("worker: consumer, publisher, store and processor are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.draining = false

	go w.run(ctx, w.done)
	return nil
}

// Stop cancels consumption and waits for the in-flight delivery to finish.
// A delivery already being processed runs to completion and is acked.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.draining = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.inflight.Wait()
}

// enter registers an in-flight delivery. It fails once Stop has begun.
func (w *Worker) enter() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining {
		return false
	}
	w.inflight.Add(1)
	return true
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.logger.WithField("queue", w.inboundQueue).Info("starting inbound consumer")

	err := w.consumer.Consume(ctx, w.inboundQueue, w.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.WithError(err).Error("inbound consumer stopped")
	}
}

// handle runs one delivery through Received -> Processing -> terminal.
// Any failure before the ack nacks without requeue, unless the worker is
// shutting down, in which case the delivery is requeued.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	if !w.enter() {
		_ = d.Nack(true)
		return
	}
	defer w.inflight.Done()

	// ctx is cancelled by Stop; the unit itself must not be.
	unit := context.WithoutCancel(ctx)
	log := w.logger.WithField("attempt", d.Attempt())

	item, err := DecodeWorkItem(d.Body())
	if err != nil {
		w.reject(ctx, log, d, "decode", string(d.Body()), fmt.Errorf("%w: %v", ErrProcessing, err))
		return
	}
	log = log.WithField("messageId", item.MessageID)
	log.Info("message received from inbound queue")

	if w.alreadyReported(unit, d, item) {
		if err := d.Ack(); err != nil {
			config.LogError(log, "notification.worker", "handle", "ack redelivery", nil, err)
		}
		log.Warn("redelivered message already has a terminal status; skipped")
		return
	}

	outcome, err := w.execute(unit, item)
	if err != nil {
		w.reject(ctx, log, d, "process", item.MessageID, err)
		return
	}

	report := StatusReport{
		MessageID:  item.MessageID,
		Outcome:    outcome,
		ReportedAt: Timestamp(w.now()),
	}

	// The status queue is written first: if it fails nothing has been
	// projected, so the store cannot claim a status the queue never carried.
	if err := w.publishStatus(unit, report); err != nil {
		w.reject(ctx, log, d, "publish status", report, err)
		return
	}
	if err := w.store.Set(unit, report); err != nil {
		w.reject(ctx, log, d, "store status", report, err)
		return
	}
	for _, n := range w.notifiers {
		n.Notify(unit, report)
	}

	if err := d.Ack(); err != nil {
		config.LogError(log, "notification.worker", "handle", "ack", report, err)
		return
	}
	log.WithField("outcome", outcome).Info("message processed")
}

// alreadyReported is the dedup rule for broker redelivery: a redelivered
// item whose id already has a terminal report is not processed again.
func (w *Worker) alreadyReported(ctx context.Context, d queue.Delivery, item WorkItem) bool {
	if d.Attempt() <= 1 {
		return false
	}
	existing, err := w.store.Get(ctx, item.MessageID)
	return err == nil && existing.Outcome.Terminal()
}

func (w *Worker) execute(ctx context.Context, item WorkItem) (Outcome, error) {
	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()

	outcome, err := w.processor.Process(taskCtx, item)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w after %s", ErrProcessing, ErrTaskTimeout, w.taskTimeout)
		}
		return "", fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	if !outcome.Terminal() {
		return "", fmt.Errorf("%w: %w %q", ErrProcessing, ErrNonTerminal, outcome)
	}
	return outcome, nil
}

func (w *Worker) publishStatus(ctx context.Context, report StatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	err = w.publisher.Publish(ctx, w.statusQueue, queue.Message{
		ID:   report.MessageID + ":" + FormatTimestamp(report.ReportedAt),
		Body: body,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		// Already on the status queue from an earlier attempt.
		err = nil
	}
	if err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"queue":     w.statusQueue,
		"messageId": report.MessageID,
		"outcome":   report.Outcome,
	}).Debug("status published")
	return nil
}

func (w *Worker) reject(ctx context.Context, log logrus.FieldLogger, d queue.Delivery, step string, data any, cause error) {
	config.LogError(log, "notification.worker", "handle", step, data, cause)
	// Failures seen during shutdown are redelivered.
	requeue := ctx.Err() != nil
	if err := d.Nack(requeue); err != nil {
		config.LogError(log, "notification.worker", "handle", "nack", data, err)
	}
}
