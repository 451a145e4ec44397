// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/omnitask/internal/logger"
	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

const (
	streamName      = "OMNITASK"
	headerRequestID = "X-Request-ID"
	dlqSuffix       = ".dlq"
)

// Options tune delivery. Zero values take the defaults below.
type Options struct {
	// Concurrency bounds how many messages one Subscribe handles at once.
	Concurrency int
	// AckWait is how long the server waits for an ack before redelivering.
	// Long-running handlers are kept alive with in-progress signals.
	AckWait time.Duration
	// MaxDeliver is the number of delivery attempts before a message is
	// moved to <subject>.dlq.
	MaxDeliver int
}

func (o *Options) withDefaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if o.MaxDeliver < 1 {
		o.MaxDeliver = 5
	}
}

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options

	mu       sync.Mutex
	stops    []func()
	inflight sync.WaitGroup
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, opts Options) (*Queue, error) {
	opts.withDefaults()

	nc, err := nats.Connect(url, nats.Name("omnitask"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Work-queue retention: each task message is removed once acked.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"tasks.>"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js, opts: opts}, nil
}

// JetStream exposes the underlying context for KV buckets.
func (q *Queue) JetStream() jetstream.JetStream { return q.js }

// KeyValue creates or opens a KV bucket whose entries expire after ttl.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Publish validates data against the subject's schema and sends it. The
// request ID on ctx travels in a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a durable consumer for subject, shared by every
// process that subscribes to the same subject. At most opts.Concurrency
// handlers run at once; a failed handler's message is redelivered with
// backoff until MaxDeliver, then moved to the dead-letter subject.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.AckWait,
		MaxDeliver:    q.opts.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	sem := semaphore.NewWeighted(int64(q.opts.Concurrency))
	// Handlers outlive the subscribing call and finish during Drain;
	// only waiting for a free slot is cancelled on stop.
	handlerCtx := context.WithoutCancel(ctx)
	acquireCtx, cancel := context.WithCancel(handlerCtx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		// Blocking here applies backpressure to the consumer.
		if err := sem.Acquire(acquireCtx, 1); err != nil {
			_ = msg.Nak()
			return
		}
		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			defer sem.Release(1)
			q.handle(handlerCtx, msg, handler)
		}()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	stop := func() {
		cons.Stop()
		cancel()
	}
	q.mu.Lock()
	q.stops = append(q.stops, stop)
	q.mu.Unlock()
	return stop, nil
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	subject := msg.Subject()
	if id := msg.Headers().Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		slog.ErrorContext(ctx, "invalid message, moving to dlq", "subject", subject, "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	stopProgress := q.keepAlive(msg)
	err := handler(ctx, subject, msg.Data())
	stopProgress()

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.ErrorContext(ctx, "nats ack failed", "error", ackErr)
		}
		return
	}

	delivered := uint64(1)
	if md, mdErr := msg.Metadata(); mdErr == nil {
		delivered = md.NumDelivered
	}
	if delivered >= uint64(q.opts.MaxDeliver) {
		slog.ErrorContext(ctx, "message handler failed, retries exhausted", "subject", subject, "deliveries", delivered, "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	slog.WarnContext(ctx, "message handler failed, will retry", "subject", subject, "deliveries", delivered, "error", err)
	if nakErr := msg.NakWithDelay(backoff(delivered)); nakErr != nil {
		slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
	}
}

// keepAlive signals in-progress at half the ack wait until the returned
// function is called.
func (q *Queue) keepAlive(msg jetstream.Msg) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(q.opts.AckWait / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() { close(done) }
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := &nats.Msg{Subject: msg.Subject() + dlqSuffix, Data: msg.Data(), Header: msg.Headers()}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.ErrorContext(ctx, "dlq publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	// Term stops redelivery of the original.
	if err := msg.Term(); err != nil {
		slog.ErrorContext(ctx, "nats term failed", "error", err)
	}
}

func backoff(delivered uint64) time.Duration {
	d := time.Second << min(delivered, 6)
	return min(d, time.Minute)
}

func durableName(subject string) string {
	return "omnitask-" + strings.NewReplacer(".", "-", "*", "all", ">", "rest").Replace(subject)
}

// Drain stops all consumers, waits for in-flight handlers, then drains the
// connection.
func (q *Queue) Drain() error {
	q.mu.Lock()
	stops := q.stops
	q.stops = nil
	q.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	q.inflight.Wait()

	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
