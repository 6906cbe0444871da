package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/engine"
	"github.com/openfroyo/conductor/pkg/telemetry"
)

// Delivery results recorded in metrics and logs.
const (
	ResultAck        = "ack"
	ResultNack       = "nack"
	ResultDeadLetter = "dead_letter"
)

// Handler performs the work a message asks for.
type Handler interface {
	Handle(ctx context.Context, msg broker.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg broker.Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg broker.Message) error { return f(ctx, msg) }

// LoopConfig tunes a consumer loop.
type LoopConfig struct {
	// RetryInitial is the first pause after a nack or a broker error.
	RetryInitial time.Duration

	// RetryMax caps the pause.
	RetryMax time.Duration
}

// DefaultLoopConfig returns production defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{RetryInitial: 500 * time.Millisecond, RetryMax: 30 * time.Second}
}

// Loop consumes one queue: receive, decode, handle, then ack or nack.
type Loop struct {
	queue   string
	broker  broker.Broker
	handler Handler
	cfg     LoopConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	pause   *backoff.ExponentialBackOff
}

// NewLoop creates a consumer for queue. metrics and tracer may be nil.
func NewLoop(queue string, b broker.Broker, h Handler, cfg LoopConfig, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Loop {
	def := DefaultLoopConfig()
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = cfg.RetryInitial
	pause.MaxInterval = cfg.RetryMax
	pause.Reset()

	return &Loop{
		queue:   queue,
		broker:  b,
		handler: h,
		cfg:     cfg,
		logger:  logger.With().Str("component", "worker").Str("queue", queue).Logger(),
		metrics: metrics,
		tracer:  tracer,
		pause:   pause,
	}
}

// Run processes deliveries until ctx ends, then returns ctx.Err().
// A delivery already received when ctx ends is finished and settled
// before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Msg("worker loop started")
	defer l.logger.Info().Msg("worker loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := l.broker.Receive(ctx, l.queue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			l.logger.Error().Err(err).Msg("receive failed")
			if err := l.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		if result := l.process(ctx, d); result == ResultNack {
			if err := l.sleep(ctx); err != nil {
				return err
			}
		} else {
			l.pause.Reset()
		}
	}
}

// process handles one delivery and settles it. It returns the result.
func (l *Loop) process(ctx context.Context, d *broker.Delivery) string {
	timer := telemetry.NewTimer()
	l.metrics.DeliveryStarted(l.queue)

	log := l.logger.With().Str("delivery_id", d.ID).Int("attempt", d.Attempt).Logger()

	msg, err := d.Message()
	if err != nil {
		// Malformed messages can never succeed
		log.Error().Err(err).Bytes("body", d.Body).Msg("dead-lettering malformed message")
		l.settle(ctx, log, d, "unknown", ResultDeadLetter, timer)
		return ResultDeadLetter
	}
	log = log.With().Str("call", string(msg.Call)).Str("subject_id", msg.SubjectID).Logger()

	hctx := ctx
	var span trace.Span
	if l.tracer != nil {
		hctx, span = l.tracer.StartDeliverySpan(ctx, l.queue, string(msg.Call), msg.SubjectID, d.Attempt)
	}

	err = l.handler.Handle(hctx, msg)
	if span != nil {
		telemetry.RecordError(span, err,
			telemetry.AttrErrorClass.String(string(errorClass(err))),
			telemetry.AttrErrorCode.String(engine.ErrorCode(err)),
		)
		span.End()
	}
	result := classify(err)
	switch result {
	case ResultAck:
		if err != nil {
			log.Warn().Err(err).Msg("discarding message for missing record")
		} else {
			log.Debug().Msg("message handled")
		}
	case ResultDeadLetter:
		log.Error().Err(err).Msg("dead-lettering invalid message")
	default:
		log.Warn().Err(err).Msg("handler failed, message will be redelivered")
		l.metrics.RecordError(string(errorClass(err)), engine.ErrorCode(err))
	}

	l.settle(ctx, log, d, string(msg.Call), result, timer)
	return result
}

// classify maps a handler error to how the delivery is settled.
func classify(err error) string {
	switch {
	case err == nil:
		return ResultAck
	case engine.IsNotFound(err):
		return ResultAck
	case engine.IsValidation(err):
		return ResultDeadLetter
	default:
		return ResultNack
	}
}

func errorClass(err error) engine.ErrorClass {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee.Class
	}
	return engine.ErrorClassTransient
}

// settle acks or nacks d. It runs even when ctx has ended so a finished
// delivery is not redelivered.
func (l *Loop) settle(ctx context.Context, log zerolog.Logger, d *broker.Delivery, call, result string, timer *telemetry.Timer) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	if result == ResultNack {
		err = l.broker.Nack(sctx, d, "handler failed")
	} else {
		err = l.broker.Ack(sctx, d)
	}
	if err != nil {
		log.Error().Err(err).Str("result", result).Msg("failed to settle delivery")
	}
	l.metrics.RecordDelivery(l.queue, call, result, timer.Duration())
}

func (l *Loop) sleep(ctx context.Context) error {
	wait := l.pause.NextBackOff()
	if wait == backoff.Stop {
		wait = l.cfg.RetryMax
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
