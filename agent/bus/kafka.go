package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures KafkaBridge.
type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers" json:"brokers"`
	TopicPrefix string        `yaml:"topic_prefix" json:"topic_prefix"`
	Topics      []Topic       `yaml:"topics" json:"topics"` // 为空时转发全部主题
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// MessageWriter is the subset of *kafka.Writer the bridge needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBridge forwards bus events to Kafka so services outside the process
// can observe workflow progress. Each bus topic maps to <prefix><topic>.
type KafkaBridge struct {
	bus    *Bus
	writer MessageWriter
	cfg    KafkaConfig
	subs   []*Subscription
	logger *zap.Logger
}

// NewKafkaWriter builds a synchronous writer; the topic is set per message.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaBridge creates a bridge. Call Start to begin forwarding.
func NewKafkaBridge(b *Bus, writer MessageWriter, cfg KafkaConfig, logger *zap.Logger) *KafkaBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &KafkaBridge{
		bus:    b,
		writer: writer,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "kafka_bridge")),
	}
}

// Start subscribes the bridge to the configured topics.
func (k *KafkaBridge) Start() {
	topics := k.cfg.Topics
	if len(topics) == 0 {
		topics = []Topic{TopicAll}
	}
	for _, t := range topics {
		k.subs = append(k.subs, k.bus.Subscribe(t, k.forward))
	}
	k.logger.Info("kafka bridge started", zap.Int("topics", len(topics)))
}

// KafkaTopic maps a bus topic to its Kafka topic name.
func (k *KafkaBridge) KafkaTopic(t Topic) string {
	return k.cfg.TopicPrefix + strings.ReplaceAll(string(t), "*", "all")
}

func (k *KafkaBridge) forward(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka bridge: marshal event %s: %w", ev.ID, err)
	}
	key := ev.ID
	if id := ev.Metadata["instance_id"]; id != "" {
		key = id
	}

	writeCtx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()
	msg := kafka.Message{
		Topic: k.KafkaTopic(ev.Topic),
		Key:   []byte(key),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "bus-topic", Value: []byte(ev.Topic)},
		},
	}
	if err := k.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("kafka bridge: write %s: %w", msg.Topic, err)
	}
	return nil
}

// Ping dials the configured brokers and succeeds on the first reachable one.
func (k *KafkaBridge) Ping(ctx context.Context) error {
	if len(k.cfg.Brokers) == 0 {
		return errors.New("kafka bridge: no brokers configured")
	}
	var errs []error
	for _, addr := range k.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("kafka bridge: %w", errors.Join(errs...))
}

// Stop unsubscribes and closes the writer.
func (k *KafkaBridge) Stop() error {
	for _, s := range k.subs {
		s.Unsubscribe()
	}
	k.subs = nil
	return k.writer.Close()
}
