// Package notify is the write side of the notification pipeline. It accepts
// a message, enqueues it durably on the inbound queue and returns a receipt
// without waiting for processing.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phillus33/notification-status-worker/internal/config"
	"github.com/phillus33/notification-status-worker/internal/notification"
	"github.com/phillus33/notification-status-worker/internal/queue"
	"github.com/sirupsen/logrus"
)

// Request is a submission as received from a client.
type Request struct {
	MessageID string `json:"mensagemId" validate:"required"`
	Content   string `json:"conteudoMensagem" validate:"required"`
}

// Receipt acknowledges that a message was enqueued, not processed.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

type SubmitterConfig struct {
	Publisher    queue.Publisher
	InboundQueue string
	Now          func() time.Time
	Logger       logrus.FieldLogger
}

// Submitter enqueues work items.
type Submitter struct {
	publisher queue.Publisher
	queue     string
	now       func() time.Time
	validate  *validator.Validate
	logger    logrus.FieldLogger
}

// NewSubmitter creates a new Submitter instance
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Submitter{
		publisher: cfg.Publisher,
		queue:     cfg.InboundQueue,
		now:       cfg.Now,
		validate:  validator.New(),
		logger:    cfg.Logger.WithField("module", "notify"),
	}
}

// Validate checks req and normalizes the message id.
func (s *Submitter) Validate(req *Request) error {
	req.MessageID = strings.TrimSpace(req.MessageID)
	if err := s.validate.Struct(req); err != nil {
		return notification.ErrFieldsRequired
	}
	if strings.TrimSpace(req.Content) == "" {
		return notification.ErrEmptyContent
	}
	return nil
}

// Submit enqueues one message. The returned error wraps
// notification.ErrFieldsRequired or notification.ErrEmptyContent for invalid
// input, queue.ErrNotConnected when the broker is down, queue.ErrDuplicate
// when the same id was enqueued inside the broker's duplicate window, and
// queue.ErrPublish when the broker refused the message.
func (s *Submitter) Submit(ctx context.Context, messageID, content string) (Receipt, error) {
	req := Request{MessageID: messageID, Content: content}
	if err := s.Validate(&req); err != nil {
		return Receipt{}, err
	}
	if !s.publisher.Connected() {
		return Receipt{}, queue.ErrNotConnected
	}

	item := notification.WorkItem{
		MessageID:   req.MessageID,
		Payload:     req.Content,
		SubmittedAt: notification.Timestamp(s.now()),
	}
	body, err := json.Marshal(item)
	if err != nil {
		return Receipt{}, err
	}

	log := s.logger.WithField("messageId", item.MessageID)
	err = s.publisher.Publish(ctx, s.queue, queue.Message{ID: item.MessageID, Body: body})
	if errors.Is(err, queue.ErrDuplicate) {
		log.Warn("duplicate submission rejected")
		return Receipt{}, fmt.Errorf("enqueue %s: %w", item.MessageID, err)
	}
	if err != nil {
		config.LogError(s.logger, "notify", "Submit", "publish", item, err)
		return Receipt{}, fmt.Errorf("enqueue %s: %w", item.MessageID, err)
	}
	log.WithField("queue", s.queue).Info("message enqueued")

	return Receipt{MessageID: item.MessageID, Timestamp: item.SubmittedAt}, nil
}
