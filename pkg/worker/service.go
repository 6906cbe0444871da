package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/engine"
	"github.com/openfroyo/conductor/pkg/telemetry"
)

// Options configures a Service.
type Options struct {
	// Store holds every record the worker reads and writes.
	Store engine.Store

	// Broker delivers messages and receives follow-up publishes.
	Broker broker.Broker

	// Registry maps engine operations to handlers.
	Registry *engine.Registry

	// Lister enumerates dataset elements for subscriptions.
	Lister ElementLister

	// Locker tunes mutex acquisition. Observe is set by the service.
	Locker engine.LockerConfig

	// Loop tunes every consumer loop.
	Loop LoopConfig

	// MutexTimeout bounds waits for GENERATE_SUBSCRIPTION.
	MutexTimeout time.Duration

	// Telemetry is optional; when nil only logging is performed.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger
}

// Service routes broker messages to the dispatcher, the trigger firer and
// the subscription generator.
type Service struct {
	opts       Options
	dispatcher *engine.Dispatcher
	locker     *engine.Locker
	generator  *Generator
	firer      *Firer
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     zerolog.Logger
}

// NewService wires a worker from opts.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("worker: broker is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("worker: registry is required")
	}
	if opts.Lister == nil {
		opts.Lister = DirectoryLister{}
	}

	s := &Service{opts: opts, logger: opts.Logger}
	if opts.Telemetry != nil {
		s.metrics = opts.Telemetry.Metrics
		s.tracer = opts.Telemetry.Tracer
	}

	lockerCfg := opts.Locker
	lockerCfg.Observe = func(name engine.MutexName, waited time.Duration, err error) {
		s.metrics.RecordMutexAcquire(string(name), waited, err)
	}
	s.locker = engine.NewLocker(opts.Store, lockerCfg, opts.Logger)

	s.dispatcher = engine.NewDispatcher(opts.Store, opts.Registry, s.locker, opts.Logger)
	s.dispatcher.OnDispatch(func(ctx context.Context, action *engine.Action, outcome engine.Outcome, elapsed time.Duration) {
		s.metrics.RecordDispatch(action.EngineName, string(action.Name), string(outcome), elapsed)
		telemetry.AnnotateDispatch(ctx, action.EngineName, string(action.Name), action.TargetID, string(outcome))
	})

	s.generator = NewGenerator(opts.Store, s.locker, opts.Lister, opts.MutexTimeout, opts.Logger)
	s.firer = NewFirer(opts.Store, opts.Broker, opts.Logger)
	return s, nil
}

// Dispatcher returns the action dispatcher.
func (s *Service) Dispatcher() *engine.Dispatcher { return s.dispatcher }

// Locker returns the mutex locker shared by handlers and the generator.
func (s *Service) Locker() *engine.Locker { return s.locker }

// Handle routes msg by its call.
func (s *Service) Handle(ctx context.Context, msg broker.Message) error {
	switch msg.Call {
	case broker.CallDispatchAction:
		return s.dispatch(ctx, msg.SubjectID)
	case broker.CallFireTrigger:
		return s.firer.Fire(ctx, msg.SubjectID, msg.Token)
	case broker.CallGenerateSubscription:
		return s.generator.Generate(ctx, msg.SubjectID)
	default:
		return engine.NewValidationError(fmt.Sprintf("unknown call %q", msg.Call), nil)
	}
}

func (s *Service) dispatch(ctx context.Context, actionID string) (err error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartDispatchSpan(ctx, actionID)
		defer func() {
			telemetry.RecordError(span, err, telemetry.AttrErrorCode.String(engine.ErrorCode(err)))
			span.End()
		}()
	}

	outcome, err := s.dispatcher.Dispatch(ctx, actionID)
	if err != nil {
		return err
	}
	s.logger.Debug().Str("action_id", actionID).Str("outcome", string(outcome)).Msg("dispatch finished")
	return nil
}

// Run consumes every queue in queues until ctx ends. It returns nil after a
// clean shutdown, or the errors of loops that stopped for another reason.
func (s *Service) Run(ctx context.Context, queues []string) error {
	if len(queues) == 0 {
		return errors.New("worker: no queues configured")
	}
	for _, q := range queues {
		if !validQueue(q) {
			return engine.NewValidationError(fmt.Sprintf("unknown queue %q", q), nil)
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, q := range queues {
		loop := NewLoop(q, s.opts.Broker, s, s.opts.Loop, s.logger, s.metrics, s.tracer)
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			err := loop.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("queue %s: %w", q, err))
			mu.Unlock()
		}(q)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func validQueue(q string) bool {
	for _, known := range broker.Queues {
		if q == known {
			return true
		}
	}
	return false
}
