package kafkachan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/nerrad567/dispatchd/internal/dispatch"
	"github.com/nerrad567/dispatchd/internal/infrastructure/config"
)

// Defaults applied when config leaves a field empty.
const (
	DefaultConsumerGroup = "dispatchd"
	DefaultReplyBuffer   = 1024

	// deviceHeader carries the target device id alongside the key.
	deviceHeader = "device_id"
)

var (
	// ErrNoBrokers is returned when no broker addresses are configured.
	ErrNoBrokers = errors.New("kafka: no brokers configured")

	// ErrWriteFailed wraps a failed command write.
	ErrWriteFailed = errors.New("kafka: write failed")

	// ErrReadFailing is reported by HealthCheck while reply reads keep failing.
	ErrReadFailing = errors.New("kafka: reply reads failing")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Options configures a Channel.
type Options struct {
	ReplyBuffer int
	// ReadRetry spaces out reads after a reader error. Only its intervals
	// are used; reads are retried until Run's context ends.
	ReadRetry dispatch.RetryPolicy
	Logger    dispatch.Logger
}

// Channel sends commands and surfaces replies over Kafka topics.
//
// Replies flow only while Run is active.
type Channel struct {
	writer    messageWriter
	reader    messageReader
	logger    dispatch.Logger
	readRetry dispatch.RetryPolicy
	replies   chan dispatch.Reply
	readErr   atomic.Pointer[error]
}

// New creates a writer for the command topic and a consumer-group reader
// for the reply topic. No connection is made until the first write or read.
func New(cfg config.KafkaConfig, opts Options) (*Channel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = DefaultConsumerGroup
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.CommandTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.ReplyTopic,
		GroupID:  group,
		MaxWait:  500 * time.Millisecond,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c := newChannel(writer, reader, opts)
	c.logger.Info("kafka channel ready",
		"brokers", strings.Join(cfg.Brokers, ","),
		"command_topic", cfg.CommandTopic,
		"reply_topic", cfg.ReplyTopic,
		"group", group,
	)
	return c, nil
}

func newChannel(w messageWriter, r messageReader, opts Options) *Channel {
	if opts.ReplyBuffer <= 0 {
		opts.ReplyBuffer = DefaultReplyBuffer
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.ReadRetry == (dispatch.RetryPolicy{}) {
		opts.ReadRetry = dispatch.DefaultRetryPolicy
	}
	return &Channel{
		writer:    w,
		reader:    r,
		logger:    opts.Logger,
		readRetry: opts.ReadRetry,
		replies:   make(chan dispatch.Reply, opts.ReplyBuffer),
	}
}

// Send writes one message per target in a single batch. When the broker
// rejects some messages, their devices are returned in a *dispatch.SendError.
func (c *Channel) Send(ctx context.Context, cmd dispatch.Command, targets []string) error {
	payload, err := dispatch.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	msgs := make([]kafka.Message, len(targets))
	for i, device := range targets {
		msgs[i] = kafka.Message{
			Key:     []byte(device),
			Value:   payload,
			Headers: []kafka.Header{{Key: deviceHeader, Value: []byte(device)}},
		}
	}

	err = c.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		c.logger.Debug("command written", "request_id", cmd.RequestID, "targets", len(targets))
		return nil
	}

	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) && len(werrs) == len(targets) {
		var failed []string
		var last error
		for i, e := range werrs {
			if e != nil {
				failed = append(failed, targets[i])
				last = e
			}
		}
		if len(failed) > 0 {
			c.logger.Warn("command write failed for some devices",
				"request_id", cmd.RequestID, "failed", len(failed), "targets", len(targets), "error", last)
			return &dispatch.SendError{Devices: failed, Err: fmt.Errorf("%w: %w", ErrWriteFailed, last)}
		}
	}
	return fmt.Errorf("%w: %w", ErrWriteFailed, err)
}

// Replies returns the stream of decoded replies. It is closed when Run returns.
func (c *Channel) Replies() <-chan dispatch.Reply {
	return c.replies
}

// Run reads replies until ctx is done or the reader is closed, then closes
// the reply stream. Other read errors are retried with exponential backoff
// and reported by HealthCheck until a read succeeds. Offsets are committed
// by the consumer group as messages are read.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.replies)

	bo := c.readBackOff()
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("reading replies: %w", err)
			}
			c.readErr.Store(&err)
			wait := bo.NextBackOff()
			c.logger.Error("kafka reply read failed, retrying", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if c.readErr.Swap(nil) != nil {
			c.logger.Info("kafka reply reads recovered")
			bo.Reset()
		}

		reply := dispatch.DecodeReply(msg.Value, string(msg.Key), receivedAt(msg))
		select {
		case c.replies <- reply:
		case <-ctx.Done():
			return nil
		}
	}
}

// HealthCheck reports the last read error while reply reads are failing.
func (c *Channel) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kafka health check: %w", err)
	}
	if p := c.readErr.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrReadFailing, *p)
	}
	return nil
}

func (c *Channel) readBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if c.readRetry.InitialInterval > 0 {
		bo.InitialInterval = c.readRetry.InitialInterval
	}
	if c.readRetry.MaxInterval > 0 {
		bo.MaxInterval = c.readRetry.MaxInterval
	}
	return bo
}

// Close shuts down the writer and reader.
func (c *Channel) Close() error {
	return errors.Join(c.writer.Close(), c.reader.Close())
}

func receivedAt(msg kafka.Message) time.Time {
	if msg.Time.IsZero() {
		return time.Now()
	}
	return msg.Time
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
