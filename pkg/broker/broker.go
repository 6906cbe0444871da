package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/conductor/pkg/engine"
)

// Call names the operation a message asks a worker to perform.
type Call string

const (
	CallGenerateSubscription Call = "generate_subscription"
	CallFireTrigger          Call = "fire_trigger"
	CallDispatchAction       Call = "dispatch_action"
)

// Queue names.
const (
	QueueSubscriptions = "subscriptions"
	QueueTriggers      = "triggers"
	QueueActions       = "actions"
)

// Queues lists every queue a worker may consume.
var Queues = []string{QueueActions, QueueTriggers, QueueSubscriptions}

// Calls lists the known calls.
var Calls = []Call{CallGenerateSubscription, CallFireTrigger, CallDispatchAction}

// Valid reports whether c is a known call.
func (c Call) Valid() bool {
	return c.SubjectKey() != ""
}

// SubjectKey is the JSON key carrying the call's subject id.
func (c Call) SubjectKey() string {
	switch c {
	case CallGenerateSubscription:
		return "subscription_id"
	case CallFireTrigger:
		return "trigger_id"
	case CallDispatchAction:
		return "action_id"
	}
	return ""
}

// Queue is the queue the call is published to.
func (c Call) Queue() string {
	switch c {
	case CallGenerateSubscription:
		return QueueSubscriptions
	case CallFireTrigger:
		return QueueTriggers
	default:
		return QueueActions
	}
}

// Message is the payload a worker receives.
type Message struct {
	Call      Call
	SubjectID string

	// Token distinguishes separate publications of the same call and subject.
	Token string
}

// NewMessage creates a message with a fresh token.
func NewMessage(call Call, subjectID string) Message {
	return Message{Call: call, SubjectID: subjectID, Token: uuid.NewString()}
}

// Validate checks the call and subject.
func (m Message) Validate() error {
	if !m.Call.Valid() {
		return engine.NewValidationError(fmt.Sprintf("unknown call %q", m.Call), nil)
	}
	if m.SubjectID == "" {
		return engine.NewValidationError(fmt.Sprintf("message for %s is missing %s", m.Call, m.Call.SubjectKey()), nil)
	}
	return nil
}

// MarshalJSON encodes the subject under its call-specific key.
func (m Message) MarshalJSON() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := map[string]string{
		"call":              string(m.Call),
		m.Call.SubjectKey(): m.SubjectID,
	}
	if m.Token != "" {
		out["token"] = m.Token
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a message. Unknown calls and missing subjects are
// ValidationErrors.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return engine.NewValidationError("malformed message", err)
	}

	str := func(key string) (string, error) {
		v, ok := raw[key]
		if !ok {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", engine.NewValidationError(fmt.Sprintf("message field %q must be a string", key), err)
		}
		return s, nil
	}

	call, err := str("call")
	if err != nil {
		return err
	}
	msg := Message{Call: Call(call)}
	if !msg.Call.Valid() {
		return engine.NewValidationError(fmt.Sprintf("unknown call %q", call), nil)
	}
	if msg.SubjectID, err = str(msg.Call.SubjectKey()); err != nil {
		return err
	}
	if msg.Token, err = str("token"); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	*m = msg
	return nil
}

// Delivery is one received copy of a published message. A delivery that is
// neither acked nor nacked before the visibility timeout is delivered again.
type Delivery struct {
	// ID identifies this delivery for Ack and Nack.
	ID string

	Queue string
	Body  []byte

	// Attempt counts deliveries of the same publication, starting at 1.
	Attempt int

	ReceivedAt time.Time

	receipt interface{}
}

// Message decodes the delivery body.
func (d *Delivery) Message() (Message, error) {
	var m Message
	if err := json.Unmarshal(d.Body, &m); err != nil {
		if engine.IsValidation(err) {
			return Message{}, err
		}
		return Message{}, engine.NewValidationError("malformed message", err)
	}
	return m, nil
}

// Broker provides at-least-once delivery of messages to named queues.
type Broker interface {
	// Publish appends msg to queue.
	Publish(ctx context.Context, queue string, msg Message) error

	// Receive blocks until a delivery is available or ctx ends.
	Receive(ctx context.Context, queue string) (*Delivery, error)

	// Ack removes the delivery permanently.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the delivery to its queue for redelivery.
	Nack(ctx context.Context, d *Delivery, reason string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	Close() error
}

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")

	// ErrUnknownDelivery is returned when acking a delivery the broker no
	// longer tracks, typically because its visibility timeout lapsed.
	ErrUnknownDelivery = errors.New("unknown or expired delivery")
)

// Enqueue publishes msg to the queue its call belongs to.
func Enqueue(ctx context.Context, b Broker, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return b.Publish(ctx, msg.Call.Queue(), msg)
}

// Supported backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
)

// Config selects and configures a broker backend.
type Config struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory redis kafka"`

	// VisibilityTimeout is how long a delivery stays hidden before redelivery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	Redis RedisConfig `yaml:"redis"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// DefaultConfig returns an in-process broker configuration.
func DefaultConfig() Config {
	return Config{
		Backend:           BackendMemory,
		VisibilityTimeout: 30 * time.Minute,
		Redis:             RedisConfig{Addr: "localhost:6379", Prefix: "conductor"},
		Kafka:             KafkaConfig{GroupID: "conductor-workers", TopicPrefix: "conductor."},
	}
}

// New creates the backend named by cfg.Backend.
func New(cfg Config, logger zerolog.Logger) (Broker, error) {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryBroker(cfg.VisibilityTimeout), nil
	case BackendRedis:
		return NewRedisBroker(cfg.Redis, cfg.VisibilityTimeout, logger)
	case BackendKafka:
		return NewKafkaBroker(cfg.Kafka, logger)
	default:
		return nil, fmt.Errorf("unsupported broker backend: %s", cfg.Backend)
	}
}

// envelope wraps a message body with delivery bookkeeping on the wire.
type envelope struct {
	ID        string          `json:"id"`
	Attempt   int             `json:"attempt"`
	Published time.Time       `json:"published"`
	Body      json.RawMessage `json:"body"`
}

func newEnvelope(msg Message) (*envelope, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &envelope{ID: uuid.NewString(), Attempt: 1, Published: time.Now().UTC(), Body: body}, nil
}

// retry returns the envelope for the next delivery attempt.
func (e *envelope) retry() *envelope {
	next := *e
	next.ID = uuid.NewString()
	next.Attempt++
	return &next
}

func (e *envelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &e, nil
}
