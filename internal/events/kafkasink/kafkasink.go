// Package kafkasink publishes lock events to a Kafka topic keyed by
// resource id, so events for one resource stay ordered on one partition.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"pkt.systems/editlock/api"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "editlock.locks"

// Config describes the Kafka producer.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Sink is a synchronous Kafka producer.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
}

// New dials the brokers.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkasink: at least one broker is required")
	}
	scfg := sarama.NewConfig()
	scfg.ClientID = cfg.ClientID
	if scfg.ClientID == "" {
		scfg.ClientID = "editlock"
	}
	scfg.Producer.Return.Successes = true
	scfg.Producer.RequiredAcks = sarama.WaitForLocal
	scfg.Producer.Retry.Max = 3
	scfg.Producer.Timeout = 5 * time.Second
	producer, err := sarama.NewSyncProducer(cfg.Brokers, scfg)
	if err != nil {
		return nil, fmt.Errorf("kafkasink: producer: %w", err)
	}
	return NewWithProducer(producer, cfg.Topic), nil
}

// NewWithProducer wraps an existing producer. Close closes it.
func NewWithProducer(producer sarama.SyncProducer, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Sink{producer: producer, topic: topic}
}

// Publish sends evt and waits for the broker acknowledgement.
func (s *Sink) Publish(ctx context.Context, evt api.LockEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kafkasink: encode: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.ResourceID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(evt.Type)},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafkasink: send: %w", err)
	}
	return nil
}

// Close closes the producer.
func (s *Sink) Close() error {
	return s.producer.Close()
}
