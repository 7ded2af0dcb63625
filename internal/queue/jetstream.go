package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

// Topology names the two durable queues and declares them as JetStream
// streams. Declaring is idempotent.
type Topology struct {
	InboundQueue    string
	StatusQueue     string
	StatusRetention time.Duration
	DuplicateWindow time.Duration
}

func (t Topology) streams() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:       StreamName(t.InboundQueue),
			Subjects:   []string{t.InboundQueue},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			Duplicates: t.DuplicateWindow,
		},
		{
			Name:       StreamName(t.StatusQueue),
			Subjects:   []string{t.StatusQueue},
			Retention:  jetstream.LimitsPolicy,
			Storage:    jetstream.FileStorage,
			MaxAge:     t.StatusRetention,
			Duplicates: t.DuplicateWindow,
		},
	}
}

// Declare creates or updates both streams.
func (t Topology) Declare(ctx context.Context, js jetstream.JetStream) error {
	for _, cfg := range t.streams() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("declare stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

type JetStreamConfig struct {
	Manager       *Manager
	ConsumerName  string
	AckWait       time.Duration
	MaxAckPending int
	Logger        logrus.FieldLogger
}

// JetStream is a Broker backed by NATS JetStream through a Manager.
type JetStream struct {
	mgr           *Manager
	consumerName  string
	ackWait       time.Duration
	maxAckPending int
	logger        logrus.FieldLogger
}

func NewJetStream(cfg JetStreamConfig) *JetStream {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "notifier"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1
	}
	return &JetStream{
		mgr:           cfg.Manager,
		consumerName:  cfg.ConsumerName,
		ackWait:       cfg.AckWait,
		maxAckPending: cfg.MaxAckPending,
		logger:        cfg.Logger.WithField("module", "queue.jetstream"),
	}
}

func (b *JetStream) Connected() bool {
	return b.mgr.Connected()
}

// Publish stores msg persistently on queue. It fails with ErrNotConnected
// without touching the broker when no session is live.
func (b *JetStream) Publish(ctx context.Context, queue string, msg Message) error {
	sess, err := b.mgr.Acquire()
	if err != nil {
		return err
	}

	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}

	ack, err := sess.JS.Publish(ctx, queue, msg.Body, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if ack.Duplicate {
		return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}
	return nil
}

// Consume subscribes to queue and re-subscribes every time the session is
// replaced, until ctx is done.
func (b *JetStream) Consume(ctx context.Context, queue string, h Handler, opts ...ConsumeOption) error {
	o := applyConsumeOptions(opts)
	log := b.logger.WithField("queue", queue)

	// Stopping a ConsumeContext does not wait for a running callback.
	track := &inflight{}
	defer track.closeAndWait()
	tracked := func(ctx context.Context, d Delivery) {
		if !track.enter() {
			_ = d.Nack(true)
			return
		}
		defer track.leave()
		h(ctx, d)
	}

	for {
		sess, err := b.mgr.Wait(ctx)
		if err != nil {
			return err
		}

		cc, err := b.subscribe(ctx, sess, queue, tracked, o)
		if err != nil {
			log.WithError(err).Error("consumer subscription failed")
			if !sleepCtx(ctx, b.mgr.cfg.RetryDelay) {
				return ctx.Err()
			}
			continue
		}
		log.Info("consumer started")

		select {
		case <-ctx.Done():
			cc.Stop()
			return ctx.Err()
		case <-sess.Done():
			cc.Stop()
			log.Warn("consumer detached, waiting for broker")
		}
	}
}

func (b *JetStream) subscribe(ctx context.Context, sess *Session, queue string, h Handler, o consumeOptions) (jetstream.ConsumeContext, error) {
	stream := StreamName(queue)
	cfg := jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxAckPending: b.maxAckPending,
		FilterSubject: queue,
	}

	var (
		cons jetstream.Consumer
		err  error
	)
	if o.replay {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
		cfg.InactiveThreshold = time.Minute
		cons, err = sess.JS.CreateConsumer(ctx, stream, cfg)
	} else {
		cfg.Durable = o.durable
		if cfg.Durable == "" {
			cfg.Durable = b.consumerName + "_" + stream
		}
		cons, err = sess.JS.CreateOrUpdateConsumer(ctx, stream, cfg)
	}
	if err != nil {
		return nil, err
	}

	return cons.Consume(func(m jetstream.Msg) {
		h(ctx, &jsDelivery{msg: m})
	}, jetstream.PullMaxMessages(b.maxAckPending), jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrNoHeartbeat) || errors.Is(err, context.Canceled) {
			return
		}
		b.logger.WithError(err).WithField("queue", queue).Warn("consumer error")
	}))
}

// inflight counts running handler calls. Once closed it admits no more.
type inflight struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (f *inflight) enter() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	return true
}

func (f *inflight) leave() {
	f.wg.Done()
}

func (f *inflight) closeAndWait() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d *jsDelivery) Body() []byte {
	return d.msg.Data()
}

func (d *jsDelivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil || md == nil {
		return 1
	}
	return int(md.NumDelivered)
}

func (d *jsDelivery) Ack() error {
	return d.msg.Ack()
}

// Nack without requeue terminates the message so the broker never redelivers it.
func (d *jsDelivery) Nack(requeue bool) error {
	if requeue {
		return d.msg.Nak()
	}
	return d.msg.Term()
}
