package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/indexops/bluegreen/pkg/log"
)

// KafkaSink mirrors migration events to a Kafka topic for the audit
// trail. It consumes a broker subscription; when no brokers are
// configured the engine simply never constructs one.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
	sub    Subscriber
	broker *Broker
	stopCh chan struct{}
}

// NewKafkaSink attaches a sink for the given brokers and topic.
func NewKafkaSink(b *Broker, brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaSink{
		writer: writer,
		topic:  topic,
		sub:    b.Subscribe(),
		broker: b,
		stopCh: make(chan struct{}),
	}
}

// Start begins forwarding events.
func (s *KafkaSink) Start() {
	go s.run()
}

// Stop detaches from the broker and closes the writer.
func (s *KafkaSink) Stop() error {
	close(s.stopCh)
	s.broker.Unsubscribe(s.sub)
	return s.writer.Close()
}

func (s *KafkaSink) run() {
	logger := log.WithComponent("kafka-sink")
	for {
		select {
		case event, ok := <-s.sub:
			if !ok {
				return
			}
			if err := s.publish(event); err != nil {
				logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to publish audit event")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *KafkaSink) publish(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.JobID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "job-id", Value: []byte(event.JobID)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.writer.WriteMessages(ctx, message)
}
