package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/engine"
	"github.com/openfroyo/conductor/pkg/telemetry"
)

func TestServiceRunsTriggerThroughDispatch(t *testing.T) {
	store := setupStore(t)
	b := broker.NewMemoryBroker(time.Minute)

	registry := engine.NewRegistry()
	if err := registry.Register("emr", "load_dataset", func(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
		if err := ectx.Progress(0.5); err != nil {
			return err
		}
		return ectx.Complete()
	}); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	svc, err := NewService(Options{
		Store:     store,
		Broker:    b,
		Registry:  registry,
		Loop:      fastLoop,
		Telemetry: &telemetry.Telemetry{Metrics: metrics},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	wf := seedWorkflow(t, store, engine.WorkflowActive, 3)
	tr := seedTrigger(t, store, engine.TriggerActive, wf.ID)
	if err := broker.Enqueue(context.Background(), b, broker.NewMessage(broker.CallFireTrigger, tr.ID)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, []string{broker.QueueTriggers, broker.QueueActions}) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		actions, err := store.ListActionsByTarget(context.Background(), wf.ID)
		if err != nil {
			t.Fatalf("failed to list actions: %v", err)
		}
		succeeded := 0
		for _, a := range actions {
			if a.Succeeded() {
				succeeded++
			}
		}
		if len(actions) == 3 && succeeded == 3 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("expected 3 succeeded actions, have %d of %d", succeeded, len(actions))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
	for _, q := range []string{broker.QueueTriggers, broker.QueueActions} {
		if ready, inflight := b.Len(q); ready != 0 || inflight != 0 {
			t.Errorf("queue %s not drained: ready=%d inflight=%d", q, ready, inflight)
		}
	}
}

func TestServiceRejectsUnknownQueue(t *testing.T) {
	svc, err := NewService(Options{
		Store:    setupStore(t),
		Broker:   broker.NewMemoryBroker(time.Minute),
		Registry: engine.NewRegistry(),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if err := svc.Run(context.Background(), []string{"bogus"}); !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := svc.Run(context.Background(), nil); err == nil {
		t.Error("expected error for empty queue list")
	}
}

func TestServiceHandleRoutesCalls(t *testing.T) {
	svc, err := NewService(Options{
		Store:    setupStore(t),
		Broker:   broker.NewMemoryBroker(time.Minute),
		Registry: engine.NewRegistry(),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	ctx := context.Background()

	for _, call := range broker.Calls {
		err := svc.Handle(ctx, broker.NewMessage(call, "missing"))
		if !engine.IsNotFound(err) {
			t.Errorf("%s: expected NotFound for missing subject, got %v", call, err)
		}
	}
	if err := svc.Handle(ctx, broker.Message{Call: "reticulate", SubjectID: "x"}); !engine.IsValidation(err) {
		t.Errorf("expected validation error for unknown call, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(Options{}); err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}
