// Package messaging publishes job resolution events to NATS JetStream.
package messaging

import (
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/config"
	"batchclassify/internal/port/outbound"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsConnectionTimeout = 5 * time.Second
	streamMaxAge          = 7 * 24 * time.Hour
)

// jetStream is the subset of nats.JetStreamContext the publisher uses.
type jetStream interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSEventPublisher implements outbound.EventPublisher on JetStream.
type NATSEventPublisher struct {
	config config.NATSConfig
	conn   *nats.Conn
	js     jetStream
	mu     sync.RWMutex
}

var _ outbound.EventPublisher = (*NATSEventPublisher)(nil)

// NewNATSEventPublisher validates the configuration. Call Connect before publishing.
func NewNATSEventPublisher(cfg config.NATSConfig) (*NATSEventPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	if !strings.HasPrefix(cfg.URL, "nats://") && !strings.HasPrefix(cfg.URL, "tls://") {
		return nil, errors.New("invalid NATS URL scheme")
	}
	if cfg.MaxReconnects < 0 {
		return nil, errors.New("max reconnects cannot be negative")
	}
	if cfg.ReconnectWait < 0 {
		return nil, errors.New("reconnect wait cannot be negative")
	}
	if cfg.Subject == "" {
		cfg.Subject = "batchclassify.jobs.resolved"
	}
	if cfg.Stream == "" {
		cfg.Stream = "BATCHCLASSIFY"
	}
	return &NATSEventPublisher{config: cfg}, nil
}

// Connect establishes the connection and makes sure the stream exists.
func (n *NATSEventPublisher) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("batchclassify"),
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(natsConnectionTimeout),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slogger.InfoNoCtx("NATS reconnected", slogger.Field("url", c.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slogger.WarnNoCtx("NATS disconnected", slogger.Field("error", err.Error()))
			}
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	n.mu.Lock()
	n.conn = conn
	n.js = js
	n.mu.Unlock()

	if err := n.EnsureStream(ctx); err != nil {
		n.Close()
		return err
	}

	slogger.Info(ctx, "Connected to NATS", slogger.Fields2("url", n.config.URL, "stream", n.config.Stream))
	return nil
}

// Close closes the connection. Events are published synchronously so there
// is nothing to drain.
func (n *NATSEventPublisher) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.js = nil
}

// EnsureStream creates the stream if it doesn't exist.
func (n *NATSEventPublisher) EnsureStream(ctx context.Context) error {
	js := n.jetStream()
	if js == nil {
		return errors.New("not connected to NATS server")
	}

	streamConfig := &nats.StreamConfig{
		Name:      n.config.Stream,
		Subjects:  []string{n.config.Subject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    streamMaxAge,
		Replicas:  1,
	}

	if _, err := js.AddStream(streamConfig, nats.Context(ctx)); err != nil {
		if _, infoErr := js.StreamInfo(n.config.Stream, nats.Context(ctx)); infoErr == nil {
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", n.config.Stream, err)
	}
	return nil
}

// PublishJobResolved publishes one event and waits for the stream ack. The
// message id deduplicates repeats of the same resolution.
func (n *NATSEventPublisher) PublishJobResolved(ctx context.Context, event outbound.JobResolvedEvent) error {
	js := n.jetStream()
	if js == nil {
		return errors.New("not connected to NATS server")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID := fmt.Sprintf("%s:%s:%s", event.GroupID, event.JobID, event.Outcome)
	ack, err := js.Publish(n.config.Subject, data, nats.Context(ctx), nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish job resolved event: %w", err)
	}

	slogger.Debug(ctx, "Job resolved event published", slogger.Fields3(
		"job_id", event.JobID,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
	))
	return nil
}

func (n *NATSEventPublisher) jetStream() jetStream {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.js
}
