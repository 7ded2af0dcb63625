package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phillus33/notification-status-worker/internal/queue"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const (
	inboundQueue = "test.inbound"
	statusQueue  = "test.status"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type mockStore struct {
	*MemoryStore
	setErr error
	sets   int
}

func (m *mockStore) Set(ctx context.Context, report StatusReport) error {
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	return m.MemoryStore.Set(ctx, report)
}

type fakeDelivery struct {
	body     []byte
	attempt  int
	acked    bool
	nacked   bool
	requeued bool
	onAck    func()
}

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Attempt() int { return d.attempt }

func (d *fakeDelivery) Ack() error {
	if d.onAck != nil {
		d.onAck()
	}
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.nacked = true
	d.requeued = requeue
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	reports []StatusReport
}

func (n *recordingNotifier) Notify(_ context.Context, r StatusReport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, r)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reports)
}

type countingProcessor struct {
	mu      sync.Mutex
	calls   int
	outcome Outcome
	err     error
}

func (p *countingProcessor) Process(ctx context.Context, _ WorkItem) (Outcome, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.outcome, p.err
}

type harness struct {
	worker   *Worker
	broker   *queue.Memory
	store    *mockStore
	notifier *recordingNotifier
}

func newHarness(t *testing.T, proc Processor) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{
		broker:   queue.NewMemory(),
		store:    &mockStore{MemoryStore: NewMemoryStore()},
		notifier: &recordingNotifier{},
	}
	h.worker = NewWorker(WorkerConfig{
		Consumer:     h.broker,
		Publisher:    h.broker,
		Store:        h.store,
		Processor:    proc,
		Notifiers:    []Notifier{h.notifier},
		InboundQueue: inboundQueue,
		StatusQueue:  statusQueue,
		TaskTimeout:  50 * time.Millisecond,
		Now:          func() time.Time { return fixedNow },
		Logger:       logger,
	})
	return h
}

func workItemBody(t *testing.T, id, content string) []byte {
	t.Helper()
	body, err := json.Marshal(WorkItem{MessageID: id, Payload: content, SubmittedAt: fixedNow})
	require.NoError(t, err)
	return body
}

func TestWorker_ProcessesAndReports(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeSucceeded, OutcomeFailed} {
		t.Run(string(outcome), func(t *testing.T) {
			h := newHarness(t, &countingProcessor{outcome: outcome})
			ctx := context.Background()

			d := &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 1}
			d.onAck = func() {
				// The projection must already hold the outcome when the ack goes out.
				got, err := h.store.Get(ctx, "m1")
				require.NoError(t, err)
				require.Equal(t, outcome, got.Outcome)
			}

			h.worker.handle(ctx, d)

			require.True(t, d.acked)
			require.False(t, d.nacked)

			got, err := h.store.Get(ctx, "m1")
			require.NoError(t, err)
			require.Equal(t, StatusReport{MessageID: "m1", Outcome: outcome, ReportedAt: fixedNow}, got)

			published := h.broker.Published(statusQueue)
			require.Len(t, published, 1)
			report, err := DecodeStatusReport(published[0].Body)
			require.NoError(t, err)
			require.Equal(t, got, report)

			require.Equal(t, 1, h.notifier.count())
		})
	}
}

func TestWorker_RejectsWithoutRequeue(t *testing.T) {
	blocking := ProcessorFunc(func(ctx context.Context, _ WorkItem) (Outcome, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	tests := []struct {
		name  string
		proc  Processor
		body  []byte
		setup func(h *harness)
	}{
		{
			name: "undecodable body",
			proc: &countingProcessor{outcome: OutcomeSucceeded},
			body: []byte("not json"),
		},
		{
			name: "missing message id",
			proc: &countingProcessor{outcome: OutcomeSucceeded},
			body: []byte(`{"conteudoMensagem":"x","timestamp":"2024-01-01T00:00:00.000Z"}`),
		},
		{
			name: "processor error",
			proc: &countingProcessor{err: errors.New("downstream unavailable")},
		},
		{
			name: "task timeout",
			proc: blocking,
		},
		{
			name: "non-terminal outcome",
			proc: &countingProcessor{outcome: OutcomePending},
		},
		{
			name: "status publish failure",
			proc: &countingProcessor{outcome: OutcomeSucceeded},
			setup: func(h *harness) {
				h.broker.FailPublish(statusQueue, errors.New("stream unavailable"))
			},
		},
		{
			name: "store failure",
			proc: &countingProcessor{outcome: OutcomeSucceeded},
			setup: func(h *harness) {
				h.store.setErr = errors.New("store down")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.proc)
			if tt.setup != nil {
				tt.setup(h)
			}
			body := tt.body
			if body == nil {
				body = workItemBody(t, "m1", "hello")
			}

			d := &fakeDelivery{body: body, attempt: 1}
			h.worker.handle(context.Background(), d)

			require.True(t, d.nacked)
			require.False(t, d.requeued)
			require.False(t, d.acked)

			_, err := h.store.MemoryStore.Get(context.Background(), "m1")
			require.ErrorIs(t, err, ErrStatusNotFound)
			require.Equal(t, 0, h.notifier.count())
		})
	}
}

func TestWorker_StatusPublishFailureLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, &countingProcessor{outcome: OutcomeSucceeded})
	h.broker.FailPublish(statusQueue, errors.New("stream unavailable"))

	h.worker.handle(context.Background(), &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 1})

	require.Equal(t, 0, h.store.sets)
	require.Empty(t, h.broker.Published(statusQueue))
}

func TestWorker_RedeliveryDedup(t *testing.T) {
	ctx := context.Background()

	t.Run("redelivery of reported item is acked without reprocessing", func(t *testing.T) {
		proc := &countingProcessor{outcome: OutcomeSucceeded}
		h := newHarness(t, proc)
		require.NoError(t, h.store.MemoryStore.Set(ctx, StatusReport{MessageID: "m1", Outcome: OutcomeFailed, ReportedAt: fixedNow}))

		d := &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 2}
		h.worker.handle(ctx, d)

		require.True(t, d.acked)
		require.Equal(t, 0, proc.calls)
		require.Empty(t, h.broker.Published(statusQueue))

		got, err := h.store.Get(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, got.Outcome)
	})

	t.Run("redelivery of unreported item is processed", func(t *testing.T) {
		proc := &countingProcessor{outcome: OutcomeSucceeded}
		h := newHarness(t, proc)

		d := &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 3}
		h.worker.handle(ctx, d)

		require.True(t, d.acked)
		require.Equal(t, 1, proc.calls)
		require.Len(t, h.broker.Published(statusQueue), 1)
	})

	t.Run("fresh resubmission overwrites", func(t *testing.T) {
		proc := &countingProcessor{outcome: OutcomeSucceeded}
		h := newHarness(t, proc)
		require.NoError(t, h.store.MemoryStore.Set(ctx, StatusReport{MessageID: "m1", Outcome: OutcomeFailed, ReportedAt: fixedNow}))

		h.worker.handle(ctx, &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 1})

		require.Equal(t, 1, proc.calls)
		got, err := h.store.Get(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, OutcomeSucceeded, got.Outcome)
	})
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t, &countingProcessor{outcome: OutcomeSucceeded})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, h.broker.Publish(ctx, inboundQueue, queue.Message{ID: id, Body: workItemBody(t, id, "hello")}))
	}

	require.NoError(t, h.worker.Start(ctx))
	require.NoError(t, h.worker.Start(ctx))

	require.Eventually(t, func() bool {
		return len(h.broker.Acked(inboundQueue)) == 2
	}, time.Second, 5*time.Millisecond)

	h.worker.Stop()
	h.worker.Stop()

	all, err := h.store.All(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]Outcome{"m1": OutcomeSucceeded, "m2": OutcomeSucceeded}, all)
	require.Len(t, h.broker.Published(statusQueue), 2)
}

func TestWorker_StopLetsInFlightFinish(t *testing.T) {
	started := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, _ WorkItem) (Outcome, error) {
		close(started)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return OutcomeSucceeded, nil
		}
	})
	h := newHarness(t, proc)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.broker.Publish(ctx, inboundQueue, queue.Message{ID: "m1", Body: workItemBody(t, "m1", "hello")}))
	require.NoError(t, h.worker.Start(ctx))

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("timeout waiting for processing to start")
	}
	h.worker.Stop()

	require.Len(t, h.broker.Acked(inboundQueue), 1)
	require.Empty(t, h.broker.Nacked(inboundQueue))
	require.Len(t, h.broker.Published(statusQueue), 1)
	got, err := h.store.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, got.Outcome)
}

func TestWorker_FailureDuringShutdownRequeues(t *testing.T) {
	h := newHarness(t, &countingProcessor{outcome: OutcomeSucceeded})
	h.store.setErr = errors.New("store down")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 1}
	h.worker.handle(ctx, d)

	require.True(t, d.nacked)
	require.True(t, d.requeued)
	require.False(t, d.acked)
}

// asyncConsumer runs the handler on its own goroutine and returns as soon as
// ctx is done, without waiting for it.
type asyncConsumer struct {
	delivery queue.Delivery
}

func (c *asyncConsumer) Consume(ctx context.Context, _ string, h queue.Handler, _ ...queue.ConsumeOption) error {
	go h(ctx, c.delivery)
	<-ctx.Done()
	return ctx.Err()
}

func TestWorker_StopWaitsForRunningHandler(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	proc := ProcessorFunc(func(context.Context, WorkItem) (Outcome, error) {
		close(started)
		<-release
		return OutcomeSucceeded, nil
	})
	h := newHarness(t, proc)
	d := &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 1}
	h.worker.consumer = &asyncConsumer{delivery: d}

	require.NoError(t, h.worker.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		h.worker.Stop()
		close(stopped)
	}()
	require.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 30*time.Millisecond, 5*time.Millisecond)

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}
	require.True(t, d.acked)
	require.False(t, d.nacked)
}

func TestWorker_HandleAfterStopRequeues(t *testing.T) {
	h := newHarness(t, &countingProcessor{outcome: OutcomeSucceeded})
	require.NoError(t, h.worker.Start(context.Background()))
	h.worker.Stop()

	d := &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 1}
	h.worker.handle(context.Background(), d)

	require.True(t, d.requeued)
	require.Empty(t, h.broker.Published(statusQueue))
}

func TestWorker_StatusAlreadyPublished(t *testing.T) {
	h := newHarness(t, &countingProcessor{outcome: OutcomeSucceeded})
	ctx := context.Background()
	// A previous attempt got the status onto the queue but died before the store write.
	require.NoError(t, h.broker.Publish(ctx, statusQueue, queue.Message{ID: "m1:" + FormatTimestamp(fixedNow)}))

	d := &fakeDelivery{body: workItemBody(t, "m1", "hello"), attempt: 2}
	h.worker.handle(ctx, d)

	require.True(t, d.acked)
	require.Len(t, h.broker.Published(statusQueue), 1)
	got, err := h.store.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, got.Outcome)
}

func TestWorker_StartRequiresDependencies(t *testing.T) {
	w := NewWorker(WorkerConfig{InboundQueue: inboundQueue})
	require.Error(t, w.Start(context.Background()))
}
