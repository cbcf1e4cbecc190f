package notify

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

// Kafka produces events to a topic keyed by host name.
type Kafka struct {
	producer *kafka.Producer
	topic    string
	logger   *log.Entry
}

func NewKafka(brokers, topic string, logger *log.Entry) (*Kafka, error) {
	if len(topic) == 0 {
		topic = "kvmfleet-events"
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
	})
	if err != nil {
		return nil, err
	}

	k := Kafka{
		producer: p,
		topic:    topic,
		logger:   logger.WithField("sink", "kafka"),
	}

	go k.drain()

	return &k, nil
}

func (k *Kafka) drain() {
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				k.logger.Warnf("Delivery failed: %s", ev.TopicPartition.Error)
			} else {
				k.logger.Debugf("Delivered event to %s", ev.TopicPartition)
			}
		case kafka.Error:
			k.logger.Warnf("Producer error: %s", ev)
		}
	}
}

func (k *Kafka) Name() string {
	return "kafka"
}

func (k *Kafka) Notify(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(ev.Host),
		Value: payload,
	}, nil)
}

// Close waits up to 5 seconds for outstanding messages.
func (k *Kafka) Close() error {
	k.producer.Flush(5000)
	k.producer.Close()

	return nil
}
