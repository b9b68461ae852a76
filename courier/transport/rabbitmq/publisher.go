package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	DefaultConfirmTimeout = 5 * time.Second
	DefaultContentType    = "application/json"

	// HeaderRetryCount carries the number of earlier failed attempts.
	HeaderRetryCount = "x-retry-count"

	confirmChannelBuffer = 256
)

// ConfirmableChannel is the subset of *amqp.Channel the publisher uses.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// ChannelProvider opens a replacement channel after the current one closed.
type ChannelProvider func() (ConfirmableChannel, error)

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(logger libLog.Logger) Option {
	return func(pub *Publisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

// WithExchange sets the exchange records are published to. Empty means the
// default exchange, where the routing key names the queue.
func WithExchange(exchange string) Option {
	return func(pub *Publisher) {
		pub.exchange = strings.TrimSpace(exchange)
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

func WithContentType(contentType string) Option {
	return func(pub *Publisher) {
		if strings.TrimSpace(contentType) != "" {
			pub.contentType = contentType
		}
	}
}

// WithMandatory asks the broker to return unroutable messages.
func WithMandatory(mandatory bool) Option {
	return func(pub *Publisher) {
		pub.mandatory = mandatory
	}
}

// WithChannelProvider lets the next Publish after a channel close open a
// new channel instead of failing with ErrPublisherClosed.
func WithChannelProvider(provider ChannelProvider) Option {
	return func(pub *Publisher) {
		pub.provider = provider
	}
}

// Publisher implements outbox.Transport over a confirm-mode channel.
// Publishes are serialized so confirms match without delivery-tag
// bookkeeping.
type Publisher struct {
	logger         libLog.Logger
	exchange       string
	contentType    string
	confirmTimeout time.Duration
	mandatory      bool
	provider       ChannelProvider

	publishMu sync.Mutex
	mu        sync.RWMutex
	ch        ConfirmableChannel
	confirms  chan amqp.Confirmation
	closedCh  chan struct{}
	closed    bool
	shutdown  bool
}

var _ outbox.Transport = (*Publisher)(nil)

// NewPublisher puts ch in confirm mode and returns a publisher over it.
func NewPublisher(ch ConfirmableChannel, opts ...Option) (*Publisher, error) {
	pub := &Publisher{
		logger:         libLog.NewNop(),
		contentType:    DefaultContentType,
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if err := pub.attach(ch); err != nil {
		return nil, err
	}

	return pub, nil
}

func (pub *Publisher) attach(ch ConfirmableChannel) error {
	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))
	closedCh := make(chan struct{})

	pub.mu.Lock()
	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = closedCh
	pub.closed = false
	pub.mu.Unlock()

	runtime.SafeGo(pub.logger, "rabbitmq.publisher_close_monitor", runtime.KeepRunning, func() {
		amqpErr, ok := <-closeNotify

		pub.mu.Lock()
		if pub.ch == ch {
			pub.closed = true
			pub.ch = nil
		}
		pub.mu.Unlock()

		close(closedCh)

		if ok && amqpErr != nil {
			pub.logger.Log(context.Background(), libLog.LevelWarn, "rabbitmq publisher channel closed",
				libLog.Int("code", amqpErr.Code),
				libLog.String("reason", amqpErr.Reason),
			)
		}
	})

	return nil
}

// Publish sends payload with kind as the routing key and waits for the
// broker confirm. A nack or confirm timeout is a retryable error.
func (pub *Publisher) Publish(ctx context.Context, kind string, payload []byte) error {
	if pub == nil {
		return ErrChannelRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	ch, confirms, closedCh, err := pub.current()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  pub.contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
		Headers:      amqp.Table{},
	}

	if meta, ok := outbox.RecordFromContext(ctx); ok {
		msg.MessageId = meta.ID.String()
		msg.Type = meta.Kind
		msg.Headers[HeaderRetryCount] = int32(meta.RetryCount)
	}

	for key, value := range libOpentelemetry.InjectQueueTraceContext(ctx) {
		msg.Headers[key] = value
	}

	if err := ch.PublishWithContext(ctx, pub.exchange, kind, pub.mandatory, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err = waitForConfirm(ctx, confirms, closedCh, pub.confirmTimeout)
	if errors.Is(err, ErrConfirmTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A late confirm would be matched with the next publish.
		pub.invalidate(ch)
	}

	return err
}

func (pub *Publisher) current() (ConfirmableChannel, chan amqp.Confirmation, chan struct{}, error) {
	pub.mu.RLock()
	ch, confirms, closedCh := pub.ch, pub.confirms, pub.closedCh
	closed, shutdown := pub.closed || pub.ch == nil, pub.shutdown
	pub.mu.RUnlock()

	if !closed {
		return ch, confirms, closedCh, nil
	}

	if shutdown || pub.provider == nil {
		return nil, nil, nil, ErrPublisherClosed
	}

	replacement, err := pub.provider()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: reopen channel: %w", ErrPublisherClosed, err)
	}

	if err := pub.attach(replacement); err != nil {
		return nil, nil, nil, err
	}

	pub.logger.Log(context.Background(), libLog.LevelInfo, "rabbitmq publisher channel reopened")

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.ch, pub.confirms, pub.closedCh, nil
}

func (pub *Publisher) invalidate(ch ConfirmableChannel) {
	pub.mu.Lock()
	if pub.ch == ch {
		pub.closed = true
		pub.ch = nil
	}
	pub.mu.Unlock()

	_ = ch.Close()
}

// Close closes the channel. Publish fails with ErrPublisherClosed afterwards.
func (pub *Publisher) Close() error {
	if pub == nil {
		return nil
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	ch := pub.ch
	pub.ch = nil
	pub.mu.Unlock()

	if nilcheck.Interface(ch) {
		return nil
	}

	if err := ch.Close(); err != nil {
		return fmt.Errorf("closing publisher channel: %w", err)
	}

	return nil
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-closedCh:
		return ErrPublisherClosed
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}
