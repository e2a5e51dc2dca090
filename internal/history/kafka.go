package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultPublishTimeout bounds one publish, retries included. Appends run on the request path.
const DefaultPublishTimeout = 2 * time.Second

// NewKafkaWriter creates a synchronous writer partitioned by message key (station name).
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: DefaultPublishTimeout,
		ReadTimeout:  DefaultPublishTimeout,
		MaxAttempts:  2,
	}
}

// ReadingEvent is the published message body.
type ReadingEvent struct {
	Station    string                `json:"station"`
	Reading    models.StationReading `json:"reading"`
	AppendedAt time.Time             `json:"appended_at"`
}

// PublishingStore appends to an inner Store, then publishes each reading. Publish failures are logged
// and counted but never fail the append.
type PublishingStore struct {
	Store
	writer  MessageWriter
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewPublishingStore wraps inner. A nil logger disables logging.
func NewPublishingStore(inner Store, writer MessageWriter, logger *zap.Logger) *PublishingStore {
	return &PublishingStore{Store: inner, writer: writer, logger: logger, now: time.Now, timeout: DefaultPublishTimeout}
}

func (p *PublishingStore) Append(ctx context.Context, readings []models.StationReading) error {
	if err := p.Store.Append(ctx, readings); err != nil {
		return err
	}
	if len(readings) == 0 {
		return nil
	}

	at := p.now().UTC()
	msgs := make([]kafka.Message, 0, len(readings))
	for _, r := range readings {
		value, err := json.Marshal(ReadingEvent{Station: r.StationName, Reading: r, AppendedAt: at})
		if err != nil {
			p.warn("encode reading event", r.StationName, err)
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.StationName), Value: value, Time: at})
	}
	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(pubCtx, msgs...); err != nil {
		observability.RecordPersistenceError("kafka", "publish")
		p.warn("publish readings", "", err)
	}
	return nil
}

// Close closes the writer and the inner store.
func (p *PublishingStore) Close() error {
	var result *multierror.Error
	if err := p.writer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close kafka writer: %w", err))
	}
	if err := p.Store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (p *PublishingStore) warn(msg, station string, err error) {
	if p.logger == nil {
		return
	}
	fields := []zap.Field{zap.Error(err)}
	if station != "" {
		fields = append(fields, zap.String("station", station))
	}
	p.logger.Warn(msg+" failed", fields...)
}
