package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/kalambet/tasuke/internal/debounce"
	"github.com/kalambet/tasuke/internal/storage"
)

// KafkaConfig configures the Kafka source.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Kafka consumes JSON note drafts from a topic. Messages without a source
// note id are identified by their topic, partition and offset.
type Kafka struct {
	reader messageReader
	topic  string
	sink   Sink
	logger *slog.Logger
}

// NewKafka creates a consumer-group reader for cfg.Topic.
func NewKafka(cfg KafkaConfig, sink Sink) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka source needs brokers and a topic")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "tasuke"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafka(reader, cfg.Topic, sink), nil
}

func newKafka(r messageReader, topic string, sink Sink) *Kafka {
	return &Kafka{
		reader: r,
		topic:  topic,
		sink:   sink,
		logger: slog.Default().With("source", "kafka", "topic", topic),
	}
}

// Run reads messages until ctx is cancelled or the sink closes.
func (k *Kafka) Run(ctx context.Context) error {
	defer k.reader.Close()
	k.logger.Info("kafka consumer started")

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Warn("kafka read error", "error", err)
			continue
		}

		d, err := kafkaDraft(msg)
		if err != nil {
			k.logger.Warn("skipping kafka message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		if err := k.sink.Add(d); err != nil {
			if errors.Is(err, debounce.ErrClosed) {
				return nil
			}
			k.logger.Warn("dropping kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

func kafkaDraft(msg kafka.Message) (storage.NoteDraft, error) {
	var d storage.NoteDraft
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		return storage.NoteDraft{}, fmt.Errorf("decoding draft: %w", err)
	}
	if strings.TrimSpace(d.Source) == "" {
		d.Source = "kafka"
	}
	if d.SourceNoteID == "" {
		if len(msg.Key) > 0 {
			d.SourceNoteID = string(msg.Key)
		} else {
			d.SourceNoteID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		}
	}
	if d.Channel == "" {
		d.Channel = msg.Topic
	}
	return d, nil
}
