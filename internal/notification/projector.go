package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/phillus33/notification-status-worker/internal/config"
	"github.com/phillus33/notification-status-worker/internal/queue"
	"github.com/sirupsen/logrus"
)

type ProjectorConfig struct {
	Consumer    queue.Consumer
	Store       Store
	StatusQueue string
	Logger      logrus.FieldLogger
}

// Projector rebuilds the Store from the status queue. It replays the retained
// history on every subscription, so a lossy store recovers after a restart.
// Applying a report twice is harmless because Store.Set overwrites.
type Projector struct {
	consumer    queue.Consumer
	store       Store
	statusQueue string
	logger      logrus.FieldLogger

	mu      sync.Mutex
	applied int
}

func NewProjector(cfg ProjectorConfig) *Projector {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Projector{
		consumer:    cfg.Consumer,
		store:       cfg.Store,
		statusQueue: cfg.StatusQueue,
		logger:      cfg.Logger.WithField("module", "notification.projector"),
	}
}

// Run blocks until ctx is done.
func (p *Projector) Run(ctx context.Context) error {
	p.logger.WithField("queue", p.statusQueue).Info("starting status projector")
	err := p.consumer.Consume(ctx, p.statusQueue, p.apply, queue.Replay())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Projector) apply(ctx context.Context, d queue.Delivery) {
	report, err := DecodeStatusReport(d.Body())
	if err != nil {
		config.LogError(p.logger, "notification.projector", "apply", "decode", string(d.Body()), err)
		_ = d.Nack(false)
		return
	}
	if !report.Outcome.Terminal() {
		_ = d.Ack()
		return
	}

	// Never let an older replayed report overwrite a newer one.
	if current, err := p.store.Get(ctx, report.MessageID); err == nil && current.ReportedAt.After(report.ReportedAt) {
		_ = d.Ack()
		return
	}

	if err := p.store.Set(ctx, report); err != nil {
		config.LogError(p.logger, "notification.projector", "apply", "store status", report, err)
		_ = d.Nack(true)
		return
	}
	_ = d.Ack()

	p.mu.Lock()
	p.applied++
	p.mu.Unlock()
}

// Applied reports how many status reports have been written to the store.
func (p *Projector) Applied() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}
