package mqttchan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/dispatchd/internal/dispatch"
	"github.com/nerrad567/dispatchd/internal/infrastructure/mqtt"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultReplyBuffer = 1024
	maxParallelPublish = 16
)

// ErrInvalidDevice is reported for device ids that cannot form a topic segment.
var ErrInvalidDevice = errors.New("device id is not a valid topic segment")

// Broker is the subset of *mqtt.Client the channel uses.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
}

// Options configures a Channel.
type Options struct {
	QoS         byte
	ReplyBuffer int
	Logger      dispatch.Logger
}

// Channel sends commands and surfaces replies over an MQTT broker.
//
// Thread Safety: Send is safe for concurrent use.
type Channel struct {
	broker  Broker
	topics  mqtt.Topics
	qos     byte
	logger  dispatch.Logger
	replies chan dispatch.Reply
	done    chan struct{}

	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

// New subscribes to device replies and returns a ready channel.
//
// Returns:
//   - *Channel: Channel ready to Send; Replies fills as devices answer
//   - error: if the reply subscription fails
func New(broker Broker, opts Options) (*Channel, error) {
	if opts.ReplyBuffer <= 0 {
		opts.ReplyBuffer = DefaultReplyBuffer
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	c := &Channel{
		broker:  broker,
		topics:  broker.Topics(),
		qos:     opts.QoS,
		logger:  opts.Logger,
		replies: make(chan dispatch.Reply, opts.ReplyBuffer),
		done:    make(chan struct{}),
	}

	if err := broker.Subscribe(c.topics.AllDeviceReplies(), c.qos, c.handleReply); err != nil {
		return nil, fmt.Errorf("subscribing to device replies: %w", err)
	}
	return c, nil
}

// Send publishes cmd to every target's command topic.
// Devices that could not be reached are returned in a *dispatch.SendError.
func (c *Channel) Send(ctx context.Context, cmd dispatch.Command, targets []string) error {
	payload, err := dispatch.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		failed  []string
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPublish)
	for _, device := range targets {
		g.Go(func() error {
			var err error
			if !mqtt.ValidDeviceSegment(device) {
				err = fmt.Errorf("%w: %q", ErrInvalidDevice, device)
			} else {
				err = c.broker.Publish(gctx, c.topics.DeviceCommand(device), payload, c.qos, false)
			}
			if err != nil {
				mu.Lock()
				failed = append(failed, device)
				lastErr = err
				mu.Unlock()
			}
			// Keep going: one unreachable device must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	if len(failed) > 0 {
		c.logger.Warn("command publish failed for some devices",
			"request_id", cmd.RequestID, "failed", len(failed), "targets", len(targets), "error", lastErr)
		return &dispatch.SendError{Devices: failed, Err: lastErr}
	}
	c.logger.Debug("command published", "request_id", cmd.RequestID, "targets", len(targets))
	return nil
}

// Replies returns the stream of decoded replies. It is closed by Close.
func (c *Channel) Replies() <-chan dispatch.Reply {
	return c.replies
}

// Close stops reply delivery and unsubscribes from the broker.
func (c *Channel) Close() error {
	c.stopOnce.Do(func() { close(c.done) })

	// Handlers hold the read lock while delivering; done releases them.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.replies)
	c.mu.Unlock()

	err := c.broker.Unsubscribe(c.topics.AllDeviceReplies())
	if err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		return fmt.Errorf("unsubscribing from device replies: %w", err)
	}
	return nil
}

// handleReply runs on the MQTT delivery goroutine. It blocks while the
// reply queue is full so replies are never dropped.
func (c *Channel) handleReply(topic string, payload []byte) error {
	device, _ := c.topics.DeviceFromReply(topic)
	reply := dispatch.DecodeReply(payload, device, time.Now())

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}

	select {
	case c.replies <- reply:
		return nil
	case <-c.done:
		return nil
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
