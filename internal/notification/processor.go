package notification

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Processor performs the actual work for one WorkItem and yields a terminal
// Outcome. An error means the unit could not be processed at all.
type Processor interface {
	Process(ctx context.Context, item WorkItem) (Outcome, error)
}

type ProcessorFunc func(ctx context.Context, item WorkItem) (Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, item WorkItem) (Outcome, error) {
	return f(ctx, item)
}

type SimulatedConfig struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	FailureRate float64
	Seed        int64
	Logger      logrus.FieldLogger
}

// SimulatedProcessor stands in for real work: it sleeps for a uniformly
// drawn delay and fails with probability FailureRate.
type SimulatedProcessor struct {
	minDelay    time.Duration
	maxDelay    time.Duration
	failureRate float64
	logger      logrus.FieldLogger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedProcessor(cfg SimulatedConfig) *SimulatedProcessor {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &SimulatedProcessor{
		minDelay:    cfg.MinDelay,
		maxDelay:    cfg.MaxDelay,
		failureRate: cfg.FailureRate,
		logger:      cfg.Logger.WithField("module", "notification.processor"),
		rnd:         rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (p *SimulatedProcessor) draw() (time.Duration, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delay := p.minDelay
	if span := p.maxDelay - p.minDelay; span > 0 {
		delay += time.Duration(p.rnd.Int63n(int64(span) + 1))
	}
	return delay, p.rnd.Float64()
}

func (p *SimulatedProcessor) Process(ctx context.Context, item WorkItem) (Outcome, error) {
	delay, roll := p.draw()
	log := p.logger.WithField("messageId", item.MessageID)
	log.WithField("delay", delay.String()).Debug("processing message")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}

	if roll < p.failureRate {
		log.Warn("message processing failed")
		return OutcomeFailed, nil
	}
	log.Info("message processed successfully")
	return OutcomeSucceeded, nil
}
