package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

// KafkaLog exposes an internal Kafka topic as one of the client's append-only
// logs: a company-side mirror of marketplace traffic that survives relay
// churn. The topic is single-partition; ordering inside it is incidental and
// nothing downstream relies on it.
type KafkaLog struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewKafkaLog(brokers, topic string, logger *zap.Logger) *KafkaLog {
	addrs := strings.Split(brokers, ",")
	return &KafkaLog{
		brokers: addrs,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(addrs...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger.With(zap.String("topic", topic)),
		done:   make(chan struct{}),
	}
}

func (k *KafkaLog) Name() string { return "kafka:" + k.topic }

func (k *KafkaLog) newReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
		MaxWait:   500 * time.Millisecond,
	})
}

// Subscribe replays the topic from the beginning, reports caught-up once the
// initial lag is drained, then keeps delivering live messages.
func (k *KafkaLog) Subscribe(ctx context.Context, f store.Filter) (*store.TransportSub, error) {
	reader := k.newReader()
	if err := reader.SetOffset(kafka.FirstOffset); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("kafka set offset: %w", err)
	}

	out := make(chan domain.Message, 64)
	caught := make(chan struct{})
	subDone := make(chan struct{})
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			close(subDone)
			_ = reader.Close()
		})
	}

	go func() {
		backlog, err := reader.ReadLag(ctx)
		if err != nil {
			k.logger.Warn("kafka lag read failed", zap.Error(err))
			backlog = 0
		}
		if backlog == 0 {
			close(caught)
		}
		var delivered int64
		var caughtClosed = backlog == 0
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if !caughtClosed {
					close(caught)
				}
				return
			}
			msg, err := decodeRecord(m.Value)
			if err != nil {
				k.logger.Debug("skipping undecodable record",
					zap.Int64("offset", m.Offset), zap.Error(err))
			} else {
				select {
				case out <- msg:
				case <-subDone:
					return
				case <-ctx.Done():
					return
				case <-k.done:
					return
				}
			}
			delivered++
			if !caughtClosed && delivered >= backlog {
				caughtClosed = true
				close(caught)
			}
		}
	}()

	return &store.TransportSub{Messages: out, CaughtUp: caught, Cancel: cancel}, nil
}

// Fetch replays the current backlog and stops.
func (k *KafkaLog) Fetch(ctx context.Context, f store.Filter) ([]domain.Message, error) {
	reader := k.newReader()
	defer reader.Close()
	if err := reader.SetOffset(kafka.FirstOffset); err != nil {
		return nil, fmt.Errorf("kafka set offset: %w", err)
	}
	backlog, err := reader.ReadLag(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka read lag: %w", err)
	}

	var out []domain.Message
	for read := int64(0); read < backlog; read++ {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			// deadline mid-replay: partial result, not an error
			return out, nil
		}
		msg, err := decodeRecord(m.Value)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Publish appends the signed message to the mirror topic, keyed by message
// id so compaction keeps exactly one copy.
func (k *KafkaLog) Publish(ctx context.Context, m domain.Message) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.ID),
		Value: value,
	})
}

func (k *KafkaLog) Close() error {
	var err error
	k.closeOnce.Do(func() {
		close(k.done)
		err = k.writer.Close()
	})
	return err
}

func decodeRecord(value []byte) (domain.Message, error) {
	var m domain.Message
	if err := json.Unmarshal(value, &m); err != nil {
		return domain.Message{}, err
	}
	if m.ID == "" {
		return domain.Message{}, fmt.Errorf("record without message id")
	}
	return m, nil
}
