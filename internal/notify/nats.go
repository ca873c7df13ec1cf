package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var (
	errMissingServers = errors.New("notify: nats servers are required")
	errMissingSubject = errors.New("notify: nats subject is required")
)

// NATSNotifierConfig configures the NATS-backed notifier.
type NATSNotifierConfig struct {
	Servers       []string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	Logger        *zap.Logger
}

// NATSNotifier publishes response events onto a NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSNotifier connects to NATS and returns the notifier.
func NewNATSNotifier(cfg NATSNotifierConfig) (*NATSNotifier, error) {
	if len(cfg.Servers) == 0 {
		return nil, errMissingServers
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		return nil, errMissingSubject
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(strings.Join(cfg.Servers, ","),
		nats.Name(cfg.Name),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	return &NATSNotifier{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Publish serializes the event and publishes it on the configured subject.
func (n *NATSNotifier) Publish(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, body); err != nil {
		n.logger.Warn("notification publish failed",
			zap.String("reason", event.Reason),
			zap.String("flare_id", event.FlareID),
			zap.Error(err))
		return err
	}
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
