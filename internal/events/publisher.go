// Package events publishes payment lifecycle events to NATS so that
// downstream consumers (notification, analytics) can react without
// polling the payment API.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/models"
)

const (
	SubjectPaymentSettled = "payment.settled"
	SubjectPaymentExpired = "payment.expired"
)

// PaymentSettledEvent is published once per committed settlement
type PaymentSettledEvent struct {
	PaymentID     uuid.UUID       `json:"payment_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	PlanID        string          `json:"plan_id"`
	Network       models.Network  `json:"network"`
	Token         string          `json:"token"`
	USDValue      decimal.Decimal `json:"usd_value"`
	CreditsAdded  int64           `json:"credits_added"`
	SettledAt     time.Time       `json:"settled_at"`
}

// PaymentExpiredEvent is published when a pending request passes its window
type PaymentExpiredEvent struct {
	PaymentID uuid.UUID      `json:"payment_id"`
	UserID    string         `json:"user_id"`
	Network   models.Network `json:"network"`
	ExpiredAt time.Time      `json:"expired_at"`
}

// Publisher emits payment lifecycle events. Publishing is best-effort:
// a failed publish never rolls back a settlement.
type Publisher interface {
	PublishSettled(event *PaymentSettledEvent)
	PublishExpired(event *PaymentExpiredEvent)
}

// Connect establishes a NATS connection with reconnect handling suitable
// for a long-running service
func Connect(natsAddress string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(
		natsAddress,
		nats.Name("credits-payment-service"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(50),
		nats.ReconnectWait(time.Second*5),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsAddress, err)
	}
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// NATSPublisher publishes events over a NATS connection
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher wraps an established NATS connection
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, logger: logger}
}

// PublishSettled implements Publisher
func (p *NATSPublisher) PublishSettled(event *PaymentSettledEvent) {
	p.publish(SubjectPaymentSettled, event, event.PaymentID)
}

// PublishExpired implements Publisher
func (p *NATSPublisher) PublishExpired(event *PaymentExpiredEvent) {
	p.publish(SubjectPaymentExpired, event, event.PaymentID)
}

func (p *NATSPublisher) publish(subject string, event interface{}, paymentID uuid.UUID) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal payment event",
			zap.String("subject", subject),
			zap.String("payment_id", paymentID.String()),
			zap.Error(err),
		)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish payment event",
			zap.String("subject", subject),
			zap.String("payment_id", paymentID.String()),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("Payment event published",
		zap.String("subject", subject),
		zap.String("payment_id", paymentID.String()),
	)
}

// NoopPublisher discards events. Used when NATS is not configured and in tests.
type NoopPublisher struct{}

func (NoopPublisher) PublishSettled(*PaymentSettledEvent) {}
func (NoopPublisher) PublishExpired(*PaymentExpiredEvent) {}
