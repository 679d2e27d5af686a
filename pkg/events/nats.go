package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/logging"
)

// NATSBus publishes each event as JSON on <prefix>.<event name>,
// e.g. knowledge.node.created.
type NATSBus struct {
	conn      *nats.Conn
	prefix    string
	onFailure FailureFunc
	logger    *zap.Logger
}

var _ Bus = (*NATSBus)(nil)

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("ekaya-knowledge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", logging.SanitizeConnectionString(c.ConnectedUrl())))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NewNATSBus publishes on conn. onFailure may be nil.
func NewNATSBus(conn *nats.Conn, prefix string, onFailure FailureFunc, logger *zap.Logger) *NATSBus {
	return &NATSBus{
		conn:      conn,
		prefix:    prefix,
		onFailure: onFailure,
		logger:    logger.Named("events"),
	}
}

// Subject returns the subject an event name is published on.
func (b *NATSBus) Subject(name string) string {
	return b.prefix + "." + name
}

func (b *NATSBus) Emit(ctx context.Context, name string, payload any) {
	if err := b.publish(ctx, name, payload); err != nil {
		b.logger.Warn("Failed to publish event",
			zap.String("event", name),
			zap.Error(err))
		if b.onFailure != nil {
			b.onFailure(name, err)
		}
	}
}

func (b *NATSBus) publish(ctx context.Context, name string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return b.conn.Publish(b.Subject(name), data)
}
