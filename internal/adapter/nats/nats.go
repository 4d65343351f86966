// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/StageForge/internal/logger"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
)

const (
	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"

	// maxRetries is the number of redeliveries before a message is parked
	// on the dead-letter subject.
	maxRetries = 3

	dlqSuffix = ".dlq"
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// Connect establishes a connection to NATS and ensures the JetStream stream
// exists and captures the pipeline subjects.
func Connect(ctx context.Context, url, stream string) (*Queue, error) {
	nc, err := nats.Connect(url, nats.Name("stageforge"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{"pipeline.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream}, nil
}

// Publish validates data against the subject's schema and sends it. The
// request ID in ctx travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
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

// Subscribe registers handler on subject through a durable consumer.
// Invalid payloads go straight to the dead-letter subject; handler errors
// are retried up to maxRetries times.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxRetries + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

// SubscribeAll delivers every new message on subject to this process through
// an ordered ephemeral consumer, so each instance sees each message. Handler
// errors are logged and not retried.
func (q *Queue) SubscribeAll(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.OrderedConsumer(ctx, q.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats ordered consumer: %w", err)
	}
	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		hctx := context.Background()
		if id := msg.Headers().Get(headerRequestID); id != "" {
			hctx = logger.WithRequestID(hctx, id)
		}
		if err := handler(hctx, msg.Subject(), msg.Data()); err != nil {
			slog.Warn("broadcast handler failed", "subject", msg.Subject(), "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	hctx := context.Background()
	if id := msg.Headers().Get(headerRequestID); id != "" {
		hctx = logger.WithRequestID(hctx, id)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.Warn("rejecting invalid message", "subject", msg.Subject(), "error", err)
		q.deadLetter(hctx, msg, err)
		return
	}

	if err := handler(hctx, msg.Subject(), msg.Data()); err != nil {
		retries := retryCount(msg)
		slog.Error("message handler failed", "subject", msg.Subject(), "retries", retries, "error", err)
		if retries >= maxRetries {
			q.deadLetter(hctx, msg, err)
			return
		}
		if nakErr := msg.NakWithDelay(time.Duration(retries+1) * time.Second); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

// deadLetter republishes msg on <subject>.dlq and terminates the original.
func (q *Queue) deadLetter(ctx context.Context, msg jetstream.Msg, cause error) {
	dlq := &nats.Msg{Subject: msg.Subject() + dlqSuffix, Data: msg.Data(), Header: nats.Header{}}
	dlq.Header.Set("Error", cause.Error())
	if id := logger.RequestID(ctx); id != "" {
		dlq.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("nats dead-letter publish failed", "subject", dlq.Subject, "error", err)
	}
	if err := msg.Term(); err != nil {
		slog.Error("nats term failed", "error", err)
	}
}

// retryCount reads the redelivery count, preferring an explicit header.
func retryCount(msg jetstream.Msg) int {
	if v := msg.Headers().Get(headerRetryCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	meta, err := msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 0
	}
	return int(meta.NumDelivered) - 1
}

func durableName(subject string) string {
	b := []byte("stageforge-" + subject)
	for i, c := range b {
		if c == '.' || c == '*' || c == '>' {
			b[i] = '_'
		}
	}
	return string(b)
}

// KeyValue opens or creates a JetStream KV bucket whose entries expire after ttl.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain stops new deliveries and waits for in-flight handlers.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
