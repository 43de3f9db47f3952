// Package bus owns the process-wide connection to the message bus.
//
// A Transport is created once at startup with Connect, handed to the
// components that publish or subscribe, and released with Close during
// shutdown. Delivery is NATS core: at-most-once, no acknowledgement, no replay.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eddisonso.com/edd-events/internal/metrics"
)

const tracerName = "eddisonso.com/edd-events/internal/bus"

var errMalformed = errors.New("payload is not valid UTF-8 JSON")

// Conn is the subset of *nats.Conn used by the transport.
type Conn interface {
	Publish(subject string, data []byte) error
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
	Drain() error
	IsClosed() bool
	Close()
}

// Message is a decoded inbound message handed to a Handler.
type Message struct {
	Subject    string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Handler processes one message. A returned error is logged and the message
// is dropped; it never stops the subscription.
type Handler func(ctx context.Context, msg Message) error

type options struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	name          string
	bufferSize    int
	reconnectWait time.Duration
	drainPoll     time.Duration
}

// Option configures a Transport.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithName sets the connection name reported to the server.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithBufferSize sets the per-subject delivery channel capacity. Messages
// arriving while the channel is full are dropped by the client as a slow
// consumer.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

func WithReconnectWait(d time.Duration) Option {
	return func(o *options) { o.reconnectWait = d }
}

func defaultOptions() options {
	return options{
		logger:        slog.Default(),
		name:          "edd-events",
		bufferSize:    256,
		reconnectWait: 2 * time.Second,
		drainPoll:     10 * time.Millisecond,
	}
}

type subscription struct {
	subject string
	handler Handler
	ch      chan *nats.Msg
}

// Transport wraps a single bus connection. The zero value is usable and
// behaves as a transport that was never connected.
type Transport struct {
	opts   options
	tracer trace.Tracer

	mu   sync.Mutex
	conn Conn
	subs []*subscription

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Connect dials the bus at url. The first dial is not retried: an unreachable
// bus returns a *ConnectionError. Once connected the client reconnects
// indefinitely.
func Connect(url string, opts ...Option) (*Transport, error) {
	o := defaultOptions()
	for _, f := range opts {
		f(&o)
	}
	logger := o.logger

	nc, err := nats.Connect(url,
		nats.Name(o.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(o.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "error", err, "subject", subject)
		}),
	)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}

	logger.Info("connected to NATS", "url", nc.ConnectedUrl(), "name", o.name)
	return New(nc, opts...), nil
}

// New wraps an already established connection.
func New(c Conn, opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(&o)
	}
	return &Transport{
		opts:   o,
		tracer: otel.Tracer(tracerName),
		conn:   c,
		stop:   make(chan struct{}),
	}
}

func (t *Transport) logger() *slog.Logger {
	if t.opts.logger == nil {
		return slog.Default()
	}
	return t.opts.logger
}

func (t *Transport) trace() trace.Tracer {
	if t.tracer == nil {
		return otel.Tracer(tracerName)
	}
	return t.tracer
}

func (t *Transport) current() Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Connected reports whether publish and subscribe are currently accepted.
func (t *Transport) Connected() bool {
	return t.current() != nil
}

// Publish JSON-encodes v and sends it on subject without waiting for any
// receiver. Failures are logged and counted, never returned.
func (t *Transport) Publish(ctx context.Context, subject string, v any) {
	if err := t.TryPublish(ctx, subject, v); err != nil {
		t.logger().Error("publish failed", "subject", subject, "error", err)
	}
}

// TryPublish is Publish for callers that want to observe the local failure.
func (t *Transport) TryPublish(ctx context.Context, subject string, v any) (err error) {
	_, span := t.trace().Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publish %s: panic: %v", subject, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		t.opts.metrics.Published(subject, err)
		span.End()
	}()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}

	c := t.current()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	t.logger().Debug("published message", "subject", subject, "bytes", len(data))
	return nil
}

// Subscribe registers handler for subject. Messages for the subject are
// delivered by a dedicated goroutine, one at a time, in arrival order.
func (t *Transport) Subscribe(subject string, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	ch := make(chan *nats.Msg, t.opts.bufferSize)
	if _, err := t.conn.ChanSubscribe(subject, ch); err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &subscription{subject: subject, handler: handler, ch: ch}
	t.subs = append(t.subs, sub)

	t.wg.Add(1)
	go t.dispatch(sub)

	t.logger().Info("subscribed", "subject", subject)
	return nil
}

func (t *Transport) dispatch(sub *subscription) {
	defer t.wg.Done()
	for {
		select {
		case m := <-sub.ch:
			t.deliver(sub, m)
		case <-t.stop:
			// Deliver whatever the drain left in the channel, then exit.
			for {
				select {
				case m := <-sub.ch:
					t.deliver(sub, m)
				default:
					return
				}
			}
		}
	}
}

func (t *Transport) deliver(sub *subscription, m *nats.Msg) {
	logger := t.logger()
	start := time.Now()
	t.opts.metrics.Received(m.Subject)

	ctx, span := t.trace().Start(context.Background(), m.Subject+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", m.Subject),
			attribute.Int("messaging.message.body.size", len(m.Data)),
		),
	)
	defer span.End()
	defer t.opts.metrics.ObserveHandler(sub.subject, start)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "subject", m.Subject, "panic", r)
			span.SetStatus(codes.Error, "handler panic")
			t.opts.metrics.Dropped(m.Subject, "panic")
		}
	}()

	if !utf8.Valid(m.Data) || !json.Valid(m.Data) {
		err := &DecodeError{Subject: m.Subject, Err: errMalformed}
		logger.Warn("dropping malformed message", "subject", m.Subject, "error", err, "bytes", len(m.Data))
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		t.opts.metrics.Dropped(m.Subject, "decode")
		return
	}

	msg := Message{Subject: m.Subject, Data: json.RawMessage(m.Data), ReceivedAt: start}
	if err := sub.handler(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if IsDecodeError(err) {
			logger.Warn("dropping malformed message", "subject", m.Subject, "error", err)
			t.opts.metrics.Dropped(m.Subject, "decode")
			return
		}
		logger.Error("handle message failed", "subject", m.Subject, "error", err)
		t.opts.metrics.Dropped(m.Subject, "handler")
	}
}

// Close drains the connection: subscriptions stop receiving, buffered
// messages are delivered, pending publishes are flushed, and Close returns
// once every dispatch goroutine has finished its last handler call. ctx
// bounds the whole operation.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}

	logger := t.logger()
	if err := c.Drain(); err != nil {
		logger.Warn("NATS drain failed, closing", "error", err)
		c.Close()
	}

	poll := t.opts.drainPoll
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !c.IsClosed() {
		select {
		case <-ctx.Done():
			c.Close()
			logger.Warn("NATS drain timed out", "error", ctx.Err())
		case <-ticker.C:
		}
	}

	t.stopOnce.Do(func() {
		if t.stop != nil {
			close(t.stop)
		}
	})

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("disconnected from NATS")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for handlers: %w", ctx.Err())
	}
}
