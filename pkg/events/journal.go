package events

import (
	"context"
	"encoding/json"
	"time"

	"gotow/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Journal records committed events. Writes are best effort.
type Journal interface {
	Append(ctx context.Context, key string, event interface{}) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

type KafkaJournal struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaJournal builds an async writer keyed by request id, so events of
// one request land on one partition in commit order.
func NewKafkaJournal(config *KafkaConfig, log *logger.Logger) *KafkaJournal {
	j := &KafkaJournal{log: log}
	j.writer = &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   j.completion,
	}
	return j
}

func (j *KafkaJournal) Append(ctx context.Context, key string, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return j.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (j *KafkaJournal) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	j.log.WithError(err).WithField("messages", len(messages)).Warn("Failed to write journal events")
}

func (j *KafkaJournal) Close() error {
	if j.writer == nil {
		return nil
	}
	return j.writer.Close()
}

type nopJournal struct{}

// NewNopJournal discards every event; used when Kafka is disabled.
func NewNopJournal() Journal {
	return nopJournal{}
}

func (nopJournal) Append(context.Context, string, interface{}) error { return nil }
func (nopJournal) Close() error                                      { return nil }
