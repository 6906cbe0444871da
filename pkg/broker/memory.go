package broker

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	env      *envelope
	deadline time.Time
}

type memoryQueue struct {
	ready    []*envelope
	inflight map[string]*memoryEntry
}

// MemoryBroker is an in-process broker for development and tests.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]*memoryQueue
	visibility time.Duration
	notify     chan struct{}
	closed     bool
	now        func() time.Time
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	return &MemoryBroker{
		queues:     make(map[string]*memoryQueue),
		visibility: visibility,
		notify:     make(chan struct{}),
		now:        time.Now,
	}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{inflight: make(map[string]*memoryEntry)}
		b.queues[name] = q
	}
	return q
}

// broadcast wakes every blocked Receive. Callers hold b.mu.
func (b *MemoryBroker) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Publish appends msg to queue.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, msg Message) error {
	env, err := newEnvelope(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queue(queue)
	q.ready = append(q.ready, env)
	b.broadcast()
	return nil
}

// Receive blocks until a message is ready or ctx ends.
func (b *MemoryBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		now := b.now()
		q := b.queue(queue)
		b.reclaim(q, now)

		if len(q.ready) > 0 {
			env := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[env.ID] = &memoryEntry{env: env, deadline: now.Add(b.visibility)}
			b.mu.Unlock()
			return &Delivery{
				ID:         env.ID,
				Queue:      queue,
				Body:       env.Body,
				Attempt:    env.Attempt,
				ReceivedAt: now,
				receipt:    env,
			}, nil
		}

		wait := b.nextDeadline(q, now)
		notify := b.notify
		b.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-notify:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// reclaim moves in-flight entries past their deadline back to the ready list.
func (b *MemoryBroker) reclaim(q *memoryQueue, now time.Time) {
	for id, entry := range q.inflight {
		if now.After(entry.deadline) {
			delete(q.inflight, id)
			q.ready = append(q.ready, entry.env.retry())
		}
	}
}

func (b *MemoryBroker) nextDeadline(q *memoryQueue, now time.Time) time.Duration {
	var next time.Duration
	for _, entry := range q.inflight {
		d := entry.deadline.Sub(now) + time.Millisecond
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

// Ack removes the delivery.
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(d.Queue)
	if _, ok := q.inflight[d.ID]; !ok {
		return ErrUnknownDelivery
	}
	delete(q.inflight, d.ID)
	return nil
}

// Nack requeues the delivery at the back of its queue.
func (b *MemoryBroker) Nack(ctx context.Context, d *Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(d.Queue)
	entry, ok := q.inflight[d.ID]
	if !ok {
		return ErrUnknownDelivery
	}
	delete(q.inflight, d.ID)
	q.ready = append(q.ready, entry.env.retry())
	b.broadcast()
	return nil
}

// Len returns the number of ready and in-flight messages on queue.
func (b *MemoryBroker) Len(queue string) (ready, inflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return len(q.ready), len(q.inflight)
}

// Ping always succeeds on an open broker.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close wakes blocked receivers and rejects further use.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}
