package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// KafkaSink emits each update as a JSON event keyed by revision, so all
// events of one commit land on the same partition in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic, clientID string) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Timeout = 10 * time.Second
	config.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka status: creating producer: %w", err)
	}
	return NewKafkaSinkFromProducer(producer, topic), nil
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

type kafkaEvent struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	SHA         string `json:"sha"`
	Branch      string `json:"branch,omitempty"`
	PullRequest int    `json:"pull_request,omitempty"`
	Scope       string `json:"scope"`
	State       State  `json:"state"`
	Description string `json:"description"`
	TimeMs      int64  `json:"time_ms"`
}

// SetStatus implements Sink.
func (s *KafkaSink) SetStatus(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(kafkaEvent{
		Owner:       u.Revision.Owner,
		Repo:        u.Revision.Repo,
		SHA:         u.Revision.SHA,
		Branch:      u.Revision.Branch,
		PullRequest: u.Revision.PullRequest,
		Scope:       u.Scope,
		State:       u.State,
		Description: u.Description,
		TimeMs:      u.Time.UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(u.Revision.Owner + "/" + u.Revision.Repo + "@" + u.Revision.SHA),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("kafka status: %w", err)
	}
	return nil
}

// Close closes the producer.
func (s *KafkaSink) Close() error { return s.producer.Close() }
