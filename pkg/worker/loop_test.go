package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/engine"
)

// fakeBroker hands out queued deliveries and records how each was settled.
type fakeBroker struct {
	mu       sync.Mutex
	pending  chan *broker.Delivery
	acked    []string
	nacked   []string
	recvErr  error
	recvErrs int
}

func newFakeBroker(bodies ...[]byte) *fakeBroker {
	b := &fakeBroker{pending: make(chan *broker.Delivery, len(bodies)+1)}
	for i, body := range bodies {
		b.pending <- &broker.Delivery{ID: string(rune('a' + i)), Queue: broker.QueueActions, Body: body, Attempt: 1}
	}
	return b
}

func (b *fakeBroker) Publish(ctx context.Context, queue string, msg broker.Message) error {
	return nil
}

func (b *fakeBroker) Receive(ctx context.Context, queue string) (*broker.Delivery, error) {
	b.mu.Lock()
	if b.recvErrs > 0 {
		b.recvErrs--
		b.mu.Unlock()
		return nil, b.recvErr
	}
	b.mu.Unlock()

	select {
	case d := <-b.pending:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *fakeBroker) Ack(ctx context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, d.ID)
	return nil
}

func (b *fakeBroker) Nack(ctx context.Context, d *broker.Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked = append(b.nacked, d.ID)
	return nil
}

func (b *fakeBroker) Ping(ctx context.Context) error { return nil }
func (b *fakeBroker) Close() error                   { return nil }

func (b *fakeBroker) settled() (acked, nacked []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...), append([]string(nil), b.nacked...)
}

func body(t *testing.T, call broker.Call, id string) []byte {
	t.Helper()
	data, err := json.Marshal(broker.NewMessage(call, id))
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	return data
}

var fastLoop = LoopConfig{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond}

// runUntil runs l until cond holds or the deadline passes.
func runUntil(t *testing.T, l *Loop, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	return <-done
}

func TestLoopSettlesByHandlerResult(t *testing.T) {
	tests := []struct {
		name       string
		body       func(t *testing.T) []byte
		err        error
		wantAck    bool
		wantCalled bool
	}{
		{"success", func(t *testing.T) []byte { return body(t, broker.CallDispatchAction, "A1") }, nil, true, true},
		{"not found", func(t *testing.T) []byte { return body(t, broker.CallDispatchAction, "A1") }, engine.NewNotFoundError("action", "A1"), true, true},
		{"validation", func(t *testing.T) []byte { return body(t, broker.CallFireTrigger, "T1") }, engine.NewValidationError("bad", nil), true, true},
		{"malformed", func(t *testing.T) []byte { return []byte(`{"call":"reticulate"}`) }, nil, true, false},
		{"transient", func(t *testing.T) []byte { return body(t, broker.CallDispatchAction, "A1") }, errors.New("database is locked"), false, true},
		{"lock timeout", func(t *testing.T) []byte { return body(t, broker.CallDispatchAction, "A1") }, engine.NewLockTimeoutError(engine.MutexStartEngineTask, nil), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker(tt.body(t))
			var called int
			var mu sync.Mutex
			h := HandlerFunc(func(ctx context.Context, msg broker.Message) error {
				mu.Lock()
				called++
				mu.Unlock()
				return tt.err
			})
			l := NewLoop(broker.QueueActions, b, h, fastLoop, zerolog.Nop(), nil, nil)

			err := runUntil(t, l, func() bool {
				acked, nacked := b.settled()
				return len(acked)+len(nacked) > 0
			})
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}

			acked, nacked := b.settled()
			if tt.wantAck && (len(acked) != 1 || len(nacked) != 0) {
				t.Errorf("expected one ack, got acked=%v nacked=%v", acked, nacked)
			}
			if !tt.wantAck && (len(nacked) != 1 || len(acked) != 0) {
				t.Errorf("expected one nack, got acked=%v nacked=%v", acked, nacked)
			}
			mu.Lock()
			defer mu.Unlock()
			if tt.wantCalled != (called == 1) {
				t.Errorf("handler called %d times, wantCalled=%v", called, tt.wantCalled)
			}
		})
	}
}

func TestLoopSurvivesReceiveErrors(t *testing.T) {
	b := newFakeBroker(body(t, broker.CallDispatchAction, "A1"))
	b.recvErr = errors.New("connection reset")
	b.recvErrs = 3

	l := NewLoop(broker.QueueActions, b, HandlerFunc(func(ctx context.Context, msg broker.Message) error {
		return nil
	}), fastLoop, zerolog.Nop(), nil, nil)

	_ = runUntil(t, l, func() bool {
		acked, _ := b.settled()
		return len(acked) == 1
	})
}

func TestLoopStopsOnClosedBroker(t *testing.T) {
	b := newFakeBroker()
	b.recvErr = broker.ErrClosed
	b.recvErrs = 1

	l := NewLoop(broker.QueueActions, b, HandlerFunc(func(ctx context.Context, msg broker.Message) error {
		return nil
	}), fastLoop, zerolog.Nop(), nil, nil)

	if err := l.Run(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestLoopReturnsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLoop(broker.QueueActions, newFakeBroker(), HandlerFunc(func(ctx context.Context, msg broker.Message) error {
		t.Error("handler must not run after cancellation")
		return nil
	}), fastLoop, zerolog.Nop(), nil, nil)

	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ResultAck},
		{engine.NewNotFoundError("trigger", "T1"), ResultAck},
		{engine.NewValidationError("bad", nil), ResultDeadLetter},
		{engine.NewConflictError("stale", nil), ResultNack},
		{context.Canceled, ResultNack},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
