package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	memoryQueueCapacity = 1024
	memoryDupWindow     = 2 * time.Minute
)

// Memory is an in-process Broker. Messages live only as long as the process,
// so it is suited to development and tests.
type Memory struct {
	mu        sync.Mutex
	connected bool
	queues    map[string]chan *memoryEntry
	published map[string][]Message
	acked     map[string][]Message
	nacked    map[string][]Message
	failures  map[string]error
	seen      map[string]map[string]time.Time
	dupWindow time.Duration
	now       func() time.Time
}

type memoryEntry struct {
	msg     Message
	attempt int
}

func NewMemory() *Memory {
	return &Memory{
		connected: true,
		queues:    make(map[string]chan *memoryEntry),
		published: make(map[string][]Message),
		acked:     make(map[string][]Message),
		nacked:    make(map[string][]Message),
		failures:  make(map[string]error),
		seen:      make(map[string]map[string]time.Time),
		dupWindow: memoryDupWindow,
		now:       time.Now,
	}
}

func (b *Memory) queue(name string) chan *memoryEntry {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *memoryEntry, memoryQueueCapacity)
		b.queues[name] = q
	}
	return q
}

func (b *Memory) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected simulates losing or regaining the broker.
func (b *Memory) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// FailPublish makes every publish to queue fail with err until cleared with nil.
func (b *Memory) FailPublish(queue string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, queue)
		return
	}
	b.failures[queue] = err
}

// SetDuplicateWindow sets how long a message ID is remembered per queue.
// Zero disables duplicate detection.
func (b *Memory) SetDuplicateWindow(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dupWindow = d
}

// duplicate reports whether id was published to queue inside the window and
// records it otherwise.
func (b *Memory) duplicate(queue, id string) bool {
	if id == "" || b.dupWindow <= 0 {
		return false
	}
	now := b.now()
	ids, ok := b.seen[queue]
	if !ok {
		ids = make(map[string]time.Time)
		b.seen[queue] = ids
	}
	for k, at := range ids {
		if now.Sub(at) >= b.dupWindow {
			delete(ids, k)
		}
	}
	if _, ok := ids[id]; ok {
		return true
	}
	ids[id] = now
	return false
}

func (b *Memory) Publish(ctx context.Context, queue string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	if err := b.failures[queue]; err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if b.duplicate(queue, msg.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}

	body := append([]byte(nil), msg.Body...)
	msg = Message{ID: msg.ID, Body: body}

	select {
	case b.queue(queue) <- &memoryEntry{msg: msg, attempt: 1}:
	default:
		delete(b.seen[queue], msg.ID)
		return fmt.Errorf("%w: queue %s is full", ErrPublish, queue)
	}
	b.published[queue] = append(b.published[queue], msg)
	return nil
}

// Redeliver enqueues msg as if the broker were delivering it again after a
// lost acknowledgment.
func (b *Memory) Redeliver(queue string, msg Message, attempt int) {
	b.mu.Lock()
	q := b.queue(queue)
	b.mu.Unlock()
	q <- &memoryEntry{msg: msg, attempt: attempt}
}

// Consume ignores options: there is no retained history to replay.
func (b *Memory) Consume(ctx context.Context, queue string, h Handler, _ ...ConsumeOption) error {
	b.mu.Lock()
	q := b.queue(queue)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-q:
			h(ctx, &memoryDelivery{broker: b, queue: queue, entry: e})
		}
	}
}

func (b *Memory) Published(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published[queue]...)
}

func (b *Memory) Acked(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.acked[queue]...)
}

func (b *Memory) Nacked(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.nacked[queue]...)
}

// Pending reports messages waiting for a consumer on queue.
func (b *Memory) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue))
}

type memoryDelivery struct {
	broker *Memory
	queue  string
	entry  *memoryEntry

	once sync.Once
}

func (d *memoryDelivery) Body() []byte {
	return d.entry.msg.Body
}

func (d *memoryDelivery) Attempt() int {
	return d.entry.attempt
}

func (d *memoryDelivery) Ack() error {
	d.once.Do(func() {
		d.broker.mu.Lock()
		defer d.broker.mu.Unlock()
		d.broker.acked[d.queue] = append(d.broker.acked[d.queue], d.entry.msg)
	})
	return nil
}

func (d *memoryDelivery) Nack(requeue bool) error {
	d.once.Do(func() {
		d.broker.mu.Lock()
		defer d.broker.mu.Unlock()
		d.broker.nacked[d.queue] = append(d.broker.nacked[d.queue], d.entry.msg)
		if requeue {
			select {
			case d.broker.queue(d.queue) <- &memoryEntry{msg: d.entry.msg, attempt: d.entry.attempt + 1}:
			default:
			}
		}
	})
	return nil
}
