package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/segmentio/kafka-go"
)

var (
	ErrWriterRequired  = errors.New("kafka writer is required")
	ErrBrokersRequired = errors.New("kafka brokers are required")
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(logger libLog.Logger) Option {
	return func(pub *Publisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

// WithTopic publishes every record to topic instead of a topic per kind.
func WithTopic(topic string) Option {
	return func(pub *Publisher) {
		pub.topic = strings.TrimSpace(topic)
	}
}

// WithTopicPrefix prefixes the per-kind topic, e.g. "billing." + kind.
func WithTopicPrefix(prefix string) Option {
	return func(pub *Publisher) {
		pub.topicPrefix = strings.TrimSpace(prefix)
	}
}

// Publisher implements outbox.Transport over a kafka-go writer.
type Publisher struct {
	writer      Writer
	logger      libLog.Logger
	topic       string
	topicPrefix string
}

var _ outbox.Transport = (*Publisher)(nil)

func NewPublisher(writer Writer, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	pub := &Publisher{writer: writer, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	return pub, nil
}

// NewWriter builds a synchronous writer that waits for all in-sync replicas
// and hashes keys to partitions.
func NewWriter(brokers []string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           10 * time.Millisecond,
	}, nil
}

// Publish writes one message and returns once the broker acknowledged it.
// Errors retrying cannot fix are wrapped with outbox.Permanent.
func (pub *Publisher) Publish(ctx context.Context, kind string, payload []byte) error {
	if pub == nil || nilcheck.Interface(pub.writer) {
		return ErrWriterRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	msg := kafka.Message{
		Topic: pub.topicFor(kind),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(kind)},
		},
	}

	if meta, ok := outbox.RecordFromContext(ctx); ok {
		id := meta.ID.String()
		msg.Key = []byte(id)
		msg.Headers = append(msg.Headers,
			kafka.Header{Key: HeaderEventID, Value: []byte(id)},
			kafka.Header{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(meta.RetryCount))},
		)
	}

	msg.Headers = InjectTraceHeaders(ctx, msg.Headers)

	if err := pub.writer.WriteMessages(ctx, msg); err != nil {
		err = fmt.Errorf("kafka write to %s: %w", msg.Topic, unwrapWriteErrors(err))
		if isPermanent(err) {
			return outbox.Permanent(err)
		}

		return err
	}

	return nil
}

// Close closes the writer.
func (pub *Publisher) Close() error {
	if pub == nil || nilcheck.Interface(pub.writer) {
		return nil
	}

	return pub.writer.Close()
}

func (pub *Publisher) topicFor(kind string) string {
	if pub.topic != "" {
		return pub.topic
	}

	return pub.topicPrefix + kind
}

// unwrapWriteErrors returns the single error inside a one-message batch.
func unwrapWriteErrors(err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) && len(writeErrs) == 1 && writeErrs[0] != nil {
		return writeErrs[0]
	}

	return err
}

func isPermanent(err error) bool {
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return true
	}

	return errors.Is(err, kafka.MessageSizeTooLarge) ||
		errors.Is(err, kafka.InvalidTopic) ||
		errors.Is(err, kafka.TopicAuthorizationFailed) ||
		errors.Is(err, kafka.InvalidMessage)
}

// Ping dials the first reachable broker.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return ErrBrokersRequired
	}

	dialer := kafka.Dialer{Timeout: 2 * time.Second}

	var errs []error

	for _, broker := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		_ = conn.Close()

		return nil
	}

	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}
