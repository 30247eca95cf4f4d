// Package events publishes swap lifecycle events to Kafka.
package events

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/model"
)

// SwapEvent is one state change of one or more swap rows.
type SwapEvent struct {
	UserID     int64            `json:"user_id"`
	SwapIDs    []int64          `json:"swap_ids"`
	Status     model.SwapStatus `json:"status"`
	Signature  string           `json:"signature,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	InputMint  string           `json:"input_mint,omitempty"`
	OutputMint string           `json:"output_mint,omitempty"`
	InAmount   uint64           `json:"in_amount,string,omitempty"`
	At         time.Time        `json:"at"`
}

// Publisher emits swap events.
type Publisher interface {
	PublishSwap(ctx context.Context, ev SwapEvent) error
	Close() error
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) PublishSwap(context.Context, SwapEvent) error { return nil }
func (Nop) Close() error                                 { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by user id so one user's events stay ordered.
type KafkaPublisher struct {
	w   messageWriter
	log *zap.Logger
}

// NewKafkaPublisher builds a synchronous writer requiring all replicas to ack.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{w: w, log: log.Named("events")}
}

// PublishSwap serializes ev and writes it.
func (p *KafkaPublisher) PublishSwap(ctx context.Context, ev SwapEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.UserID, 10)),
		Value: data,
		Time:  ev.At,
	})
	if err != nil {
		p.log.Warn("publish swap event", zap.Error(err), zap.Int64("user_id", ev.UserID), zap.String("status", string(ev.Status)))
	}
	return err
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error { return p.w.Close() }
