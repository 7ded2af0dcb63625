package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

const defaultRetryDelay = 5 * time.Second

// Session is one live broker connection. Done is closed once the session is
// invalidated; holders must Acquire or Wait for a fresh one afterwards.
type Session struct {
	Conn *nats.Conn
	JS   jetstream.JetStream

	done chan struct{}
	once sync.Once
}

func newSession() *Session {
	return &Session{done: make(chan struct{})}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// ManagerConfig provides configuration options for the Manager.
type ManagerConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	RetryDelay    time.Duration
	// Setup runs on every new connection before the session is published,
	// typically to declare streams.
	Setup  func(ctx context.Context, js jetstream.JetStream) error
	Logger logrus.FieldLogger
}

// Manager owns the broker connection. Producers and consumers never hold the
// raw connection; they Acquire the current Session and drop it when it is done.
type Manager struct {
	cfg    ManagerConfig
	logger logrus.FieldLogger

	mu      sync.RWMutex
	session *Session
	ready   chan struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.WithField("module", "queue.manager"),
		ready:  make(chan struct{}),
	}
}

// Run connects and keeps reconnecting with a fixed delay until ctx is done.
// It is meant to run in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		sess, err := m.connect(ctx)
		if err != nil {
			m.logger.WithError(err).
				WithField("retryIn", m.cfg.RetryDelay.String()).
				Error("broker connection failed")
			if !sleepCtx(ctx, m.cfg.RetryDelay) {
				return
			}
			continue
		}

		m.set(sess)
		m.logger.WithField("url", m.cfg.URL).Info("broker connection established")

		select {
		case <-ctx.Done():
			m.Invalidate(sess)
			return
		case <-sess.Done():
			m.logger.Warn("broker connection lost")
		}

		if !sleepCtx(ctx, m.cfg.RetryDelay) {
			return
		}
	}
}

func (m *Manager) connect(ctx context.Context) (*Session, error) {
	sess := newSession()

	opts := []nats.Option{
		nats.MaxReconnects(m.cfg.MaxReconnects),
		nats.ReconnectWait(m.cfg.RetryDelay),
		nats.ClosedHandler(func(*nats.Conn) { m.Invalidate(sess) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				m.logger.WithError(err).Warn("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			m.logger.Info("broker reconnected")
		}),
	}
	if m.cfg.Name != "" {
		opts = append(opts, nats.Name(m.cfg.Name))
	}

	nc, err := nats.Connect(m.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream: %v", ErrConnection, err)
	}

	if m.cfg.Setup != nil {
		setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = m.cfg.Setup(setupCtx, js)
		cancel()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("%w: setup: %v", ErrConnection, err)
		}
	}

	sess.Conn = nc
	sess.JS = js
	return sess, nil
}

func (m *Manager) set(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	close(m.ready)
}

// Acquire returns the live session or ErrNotConnected.
func (m *Manager) Acquire() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || !m.session.Conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

// Wait blocks until a session exists or ctx is done.
func (m *Manager) Wait(ctx context.Context) (*Session, error) {
	for {
		m.mu.RLock()
		s, ready := m.session, m.ready
		m.mu.RUnlock()
		if s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Invalidate drops s if it is still current and closes its connection.
// Safe to call more than once.
func (m *Manager) Invalidate(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	if m.session == s {
		m.session = nil
		m.ready = make(chan struct{})
	}
	m.mu.Unlock()

	s.close()
	if s.Conn != nil && !s.Conn.IsClosed() {
		s.Conn.Close()
	}
}

func (m *Manager) Connected() bool {
	_, err := m.Acquire()
	return err == nil
}

// Close invalidates the current session, if any.
func (m *Manager) Close() {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()
	m.Invalidate(s)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
