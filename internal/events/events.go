// Package events publishes one audit event per executed operation to
// the RMM backend over NATS. Publishing is outbound only: the broker
// never subscribes, so control stays confined to the local socket.
// Events are best-effort; the broker keeps working when no NATS server
// is reachable.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// Config holds the publisher's connection settings.
type Config struct {
	Servers  string // comma-separated NATS server URLs
	NKeySeed string // NKey seed for authentication (starts with SU)
	Subject  string // subject events are published to
}

// MessageEnvelope wraps published events with type information, the
// same envelope the rest of the RMM fleet uses.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// OperationEvent is the payload of a "hal_operation" event.
type OperationEvent struct {
	Host       string `json:"host"`
	Op         string `json:"op"`
	Detail     string `json:"detail,omitempty"`
	Outcome    string `json:"outcome"`
	Errno      int32  `json:"errno,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Publisher maintains the NATS connection and publishes audit events.
type Publisher struct {
	config Config
	logger *slog.Logger
	host   string

	mu sync.RWMutex
	nc *nats.Conn
}

// NewPublisher creates a publisher; call Connect before use.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	host, _ := os.Hostname()
	return &Publisher{config: cfg, logger: logger, host: host}
}

// Connect establishes the NATS connection with NKey authentication and
// unlimited reconnects. Events published while disconnected are
// buffered by the client and flushed on reconnect.
func (p *Publisher) Connect() error {
	kp, err := nkeys.FromSeed([]byte(p.config.NKeySeed))
	if err != nil {
		return fmt.Errorf("invalid nkey seed: %w", err)
	}
	pubKey, err := kp.PublicKey()
	if err != nil {
		return fmt.Errorf("failed to get public key: %w", err)
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("rmm-hald-%s", p.host)),
		nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(1 * 1024 * 1024),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				p.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			p.logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(p.config.Servers, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	p.mu.Lock()
	p.nc = nc
	p.mu.Unlock()

	p.logger.Info("audit event publishing enabled",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("subject", p.config.Subject),
	)
	return nil
}

// RecordOperation implements the broker's audit sink. Events are
// fire-and-forget; a publish failure is logged and the event dropped.
func (p *Publisher) RecordOperation(op, detail, outcome string, errno int32, duration time.Duration) {
	p.mu.RLock()
	nc := p.nc
	p.mu.RUnlock()
	if nc == nil {
		return
	}

	data, err := encodeEvent(p.host, op, detail, outcome, errno, duration, time.Now())
	if err != nil {
		p.logger.Error("audit event marshal failed", "op", op, "error", err)
		return
	}
	if err := nc.Publish(p.config.Subject, data); err != nil {
		p.logger.Warn("audit event publish failed", "op", op, "error", err)
	}
}

func encodeEvent(host, op, detail, outcome string, errno int32, duration time.Duration, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(OperationEvent{
		Host:       host,
		Op:         op,
		Detail:     detail,
		Outcome:    outcome,
		Errno:      errno,
		DurationMs: duration.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(MessageEnvelope{
		Type:      "hal_operation",
		Payload:   payload,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

// Shutdown implements the shutdown coordinator interface. Drain lets
// the client flush anything still buffered before the connection goes
// away.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc = nil
	return err
}
