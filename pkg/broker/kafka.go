package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaConfig configures the Kafka backend. Each queue maps to the topic
// TopicPrefix+queue, consumed by a consumer group per queue.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	GroupID     string   `yaml:"group_id"`
	TopicPrefix string   `yaml:"topic_prefix"`
	ClientID    string   `yaml:"client_id"`
}

// kafkaReceipt ties a delivery to the session that must mark it.
type kafkaReceipt struct {
	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage
	env     *envelope
}

// KafkaBroker publishes through a synchronous producer and consumes through
// consumer groups. Offsets are marked on Ack; Nack republishes a retry
// envelope and then marks the original. Unmarked messages are redelivered
// after a rebalance or restart.
type KafkaBroker struct {
	cfg      KafkaConfig
	saramaCf *sarama.Config
	client   sarama.Client
	producer sarama.SyncProducer
	logger   zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*kafkaConsumer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

// NewKafkaBroker connects to the cluster.
func NewKafkaBroker(cfg KafkaConfig, logger zerolog.Logger) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "conductor-workers"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "conductor"
	}

	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Version = sarama.V2_3_0_0
	sc.Metadata.RefreshFrequency = 1 * time.Minute
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = 1 * time.Second
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBroker{
		cfg:       cfg,
		saramaCf:  sc,
		client:    client,
		producer:  producer,
		logger:    logger.With().Str("component", "broker").Str("backend", BackendKafka).Logger(),
		consumers: make(map[string]*kafkaConsumer),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (b *KafkaBroker) topic(queue string) string {
	return b.cfg.TopicPrefix + queue
}

func (b *KafkaBroker) send(queue string, env *envelope, key string) error {
	raw, err := env.encode()
	if err != nil {
		return err
	}
	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.topic(queue),
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(raw),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.topic(queue), err)
	}
	return nil
}

// Publish sends msg keyed by its subject id, so one subject stays on one partition.
func (b *KafkaBroker) Publish(ctx context.Context, queue string, msg Message) error {
	env, err := newEnvelope(msg)
	if err != nil {
		return err
	}
	return b.send(queue, env, msg.SubjectID)
}

// Receive returns the next message claimed by this process's group member.
func (b *KafkaBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	c, err := b.consumer(queue)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.ctx.Done():
			return nil, ErrClosed
		case r := <-c.incoming:
			env, err := decodeEnvelope(r.message.Value)
			if err != nil {
				b.logger.Error().Err(err).
					Str("topic", r.message.Topic).
					Int64("offset", r.message.Offset).
					Msg("skipping malformed envelope")
				r.session.MarkMessage(r.message, "")
				continue
			}
			r.env = env
			return &Delivery{
				ID:         env.ID,
				Queue:      queue,
				Body:       env.Body,
				Attempt:    env.Attempt,
				ReceivedAt: time.Now(),
				receipt:    r,
			}, nil
		}
	}
}

// Ack marks the message's offset.
func (b *KafkaBroker) Ack(ctx context.Context, d *Delivery) error {
	r, ok := d.receipt.(*kafkaReceipt)
	if !ok {
		return ErrUnknownDelivery
	}
	if r.session.Context().Err() != nil {
		// The partition was revoked; the new owner will deliver it again
		return ErrUnknownDelivery
	}
	r.session.MarkMessage(r.message, "")
	return nil
}

// Nack republishes a retry envelope and marks the original.
func (b *KafkaBroker) Nack(ctx context.Context, d *Delivery, reason string) error {
	r, ok := d.receipt.(*kafkaReceipt)
	if !ok {
		return ErrUnknownDelivery
	}
	if err := b.send(d.Queue, r.env.retry(), string(r.message.Key)); err != nil {
		return err
	}
	r.session.MarkMessage(r.message, "")
	b.logger.Debug().Str("queue", d.Queue).Str("delivery_id", d.ID).Str("reason", reason).Msg("delivery republished")
	return nil
}

// Ping refreshes cluster metadata.
func (b *KafkaBroker) Ping(ctx context.Context) error {
	if err := b.client.RefreshMetadata(); err != nil {
		return fmt.Errorf("kafka metadata refresh failed: %w", err)
	}
	return nil
}

// Close stops consumers and closes the producer and client.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	consumers := b.consumers
	b.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.group.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type kafkaConsumer struct {
	group    sarama.ConsumerGroup
	incoming chan *kafkaReceipt
}

// consumer starts the group member for queue on first use.
func (b *KafkaBroker) consumer(queue string) (*kafkaConsumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if c, ok := b.consumers[queue]; ok {
		return c, nil
	}

	group, err := sarama.NewConsumerGroup(b.cfg.Brokers, b.cfg.GroupID+"."+queue, b.saramaCf)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group for %s: %w", queue, err)
	}
	c := &kafkaConsumer{group: group, incoming: make(chan *kafkaReceipt)}
	b.consumers[queue] = c

	topic := b.topic(queue)
	handler := &groupHandler{incoming: c.incoming, logger: b.logger}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			// Consume returns on every rebalance and must be called again
			if err := group.Consume(b.ctx, []string{topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				b.logger.Error().Err(err).Str("topic", topic).Msg("consumer group error")
				select {
				case <-b.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if b.ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		for err := range group.Errors() {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("consumer group reported error")
		}
	}()
	return c, nil
}

// groupHandler hands claimed messages to Receive one at a time.
type groupHandler struct {
	incoming chan<- *kafkaReceipt
	logger   zerolog.Logger
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Debug().Interface("claims", session.Claims()).Msg("consumer group session started")
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.logger.Debug().Msg("consumer group session ended")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.incoming <- &kafkaReceipt{session: session, message: msg}:
			case <-session.Context().Done():
				return nil
			}
		// Returning on session end avoids ErrRebalanceInProgress
		case <-session.Context().Done():
			return nil
		}
	}
}
