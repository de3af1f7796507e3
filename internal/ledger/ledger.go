// Package ledger owns the payment request lifecycle: opening payment
// windows, gating transaction hash submissions, and expiring stale
// requests. Settlement of verified transfers lives in the settlement
// package; this package never touches balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/store"
)

// DefaultExpiryWindow is how long a payment request stays open for a
// transaction hash submission
const DefaultExpiryWindow = 30 * time.Minute

// NetworkConfig holds the receiving wallet and token for one chain
type NetworkConfig struct {
	WalletAddress string
	Token         string
}

// Config represents the ledger configuration
type Config struct {
	ExpiryWindow time.Duration
	Networks     map[models.Network]NetworkConfig
}

// Ledger manages payment request records
type Ledger struct {
	store        store.PaymentStore
	networks     map[models.Network]NetworkConfig
	expiryWindow time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// New creates a ledger over the given store. Every configured network
// must carry a receiving address and token; a half-configured chain is
// rejected here rather than surfacing as a broken payment later.
func New(cfg *Config, paymentStore store.PaymentStore, logger *zap.Logger) (*Ledger, error) {
	for network, nc := range cfg.Networks {
		if !network.IsValid() {
			return nil, fmt.Errorf("unknown network %q in configuration", network)
		}
		if strings.TrimSpace(nc.WalletAddress) == "" || strings.TrimSpace(nc.Token) == "" {
			return nil, fmt.Errorf("network %s: %w", network, models.ErrNetworkNotConfigured)
		}
	}

	expiryWindow := cfg.ExpiryWindow
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}

	return &Ledger{
		store:        paymentStore,
		networks:     cfg.Networks,
		expiryWindow: expiryWindow,
		now:          time.Now,
		logger:       logger,
	}, nil
}

// WithClock overrides the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreateRequest opens a payment window for a user and plan on the given
// network. The returned record carries the receiving wallet, the plan's
// USD price, and a memo the payer should attach on chain.
func (l *Ledger) CreateRequest(ctx context.Context, userID, planID string, network models.Network) (*models.PaymentRequest, error) {
	if !network.IsValid() {
		return nil, models.NewPaymentError(models.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("Network %q is not supported", network), models.ErrUnsupportedNetwork)
	}

	nc, ok := l.networks[network]
	if !ok {
		return nil, models.NewPaymentError(models.ErrCodeConfigError,
			fmt.Sprintf("Network %s has no configured receiving address", network), models.ErrNetworkNotConfigured)
	}

	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, models.ErrPlanNotFound) {
			return nil, models.NewPaymentError(models.ErrCodePlanNotFound,
				fmt.Sprintf("Plan %q not found", planID), err)
		}
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	if !plan.IsActive {
		return nil, models.NewPaymentError(models.ErrCodePlanInactive,
			fmt.Sprintf("Plan %q is not active", planID), models.ErrPlanInactive)
	}

	now := l.now().UTC()
	payment := &models.PaymentRequest{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        plan.ID,
		Network:       network,
		Token:         nc.Token,
		AmountUSD:     plan.PriceUSD,
		WalletAddress: nc.WalletAddress,
		Status:        models.PaymentStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(l.expiryWindow),
	}
	payment.Memo = buildMemo(userID, payment.ID)

	if err := l.store.CreatePaymentRequest(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to persist payment request: %w", err)
	}

	l.logger.Info("Payment window opened",
		zap.String("payment_id", payment.ID.String()),
		zap.String("user_id", userID),
		zap.String("plan_id", plan.ID),
		zap.String("network", string(network)),
		zap.Time("expires_at", payment.ExpiresAt),
	)
	return payment, nil
}

// SubmitTransaction attaches an on-chain hash to a payment request and
// moves it to processing. It enforces ownership, idempotent resubmission
// of an already-confirmed payment, cross-account hash replay, and the
// expiry window. Expiry gates submission only; a request that reached
// processing before its window closed is never expired afterwards.
func (l *Ledger) SubmitTransaction(ctx context.Context, userID string, paymentID uuid.UUID, txnHash string) (*models.PaymentRequest, error) {
	payment, err := l.store.GetPaymentRequest(ctx, paymentID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return nil, models.NewPaymentNotFoundError(paymentID.String())
		}
		return nil, fmt.Errorf("failed to load payment request: %w", err)
	}

	if payment.UserID != userID {
		return nil, models.NewForbiddenError(paymentID.String())
	}

	switch payment.Status {
	case models.PaymentStatusConfirmed:
		// Resubmission of a settled payment is reported as already
		// processed; the caller replays the prior outcome.
		return payment, models.ErrAlreadyProcessed
	case models.PaymentStatusFailed:
		return nil, models.NewPaymentError(models.ErrCodeVerificationFailed,
			"Payment request already failed, open a new one", models.ErrVerificationFailed)
	case models.PaymentStatusExpired:
		return nil, models.NewPaymentExpiredError(paymentID.String())
	}

	// Reject the hash if some other confirmed payment already holds it
	if existing, err := l.store.GetConfirmedPaymentByTxnHash(ctx, txnHash); err == nil && existing.ID != paymentID {
		l.logger.Warn("Transaction hash already bound to another confirmed payment",
			zap.String("payment_id", paymentID.String()),
			zap.String("existing_payment_id", existing.ID.String()),
			zap.String("txn_hash", txnHash),
		)
		return nil, models.NewDuplicateHashError(txnHash)
	} else if err != nil && !errors.Is(err, models.ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to check transaction hash: %w", err)
	}

	if payment.Status == models.PaymentStatusPending && payment.IsExpired(l.now()) {
		if err := l.store.MarkPaymentExpired(ctx, paymentID); err != nil {
			l.logger.Error("Failed to mark payment expired",
				zap.String("payment_id", paymentID.String()), zap.Error(err))
		}
		return nil, models.NewPaymentExpiredError(paymentID.String())
	}

	if err := l.store.MarkPaymentProcessing(ctx, paymentID, txnHash); err != nil {
		return nil, fmt.Errorf("failed to mark payment processing: %w", err)
	}
	payment.Status = models.PaymentStatusProcessing
	payment.TxnHash = &txnHash
	return payment, nil
}

// GetRequest loads a payment request and lazily expires a pending record
// whose window has passed, so status reads never show a stale pending.
func (l *Ledger) GetRequest(ctx context.Context, userID string, paymentID uuid.UUID) (*models.PaymentRequest, error) {
	payment, err := l.store.GetPaymentRequest(ctx, paymentID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return nil, models.NewPaymentNotFoundError(paymentID.String())
		}
		return nil, fmt.Errorf("failed to load payment request: %w", err)
	}
	if payment.UserID != userID {
		return nil, models.NewForbiddenError(paymentID.String())
	}

	if payment.Status == models.PaymentStatusPending && payment.IsExpired(l.now()) {
		if err := l.store.MarkPaymentExpired(ctx, paymentID); err == nil {
			payment.Status = models.PaymentStatusExpired
		}
	}
	return payment, nil
}

// ListRequests returns a page of the user's payment requests
func (l *Ledger) ListRequests(ctx context.Context, userID string, limit, offset int) ([]*models.PaymentRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListPaymentRequests(ctx, userID, limit, offset)
}

// MarkFailed moves a payment request to failed with a reason
func (l *Ledger) MarkFailed(ctx context.Context, paymentID uuid.UUID, reason string) error {
	return l.store.MarkPaymentFailed(ctx, paymentID, reason)
}

// SweepExpired transitions every pending request past its window to
// expired and returns the swept records
func (l *Ledger) SweepExpired(ctx context.Context) ([]*models.PaymentRequest, error) {
	swept, err := l.store.SweepExpiredPayments(ctx, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired payments: %w", err)
	}
	if len(swept) > 0 {
		l.logger.Info("Expired stale payment requests", zap.Int("count", len(swept)))
	}
	return swept, nil
}

// buildMemo derives the short reference the payer is asked to attach to
// the on-chain transfer
func buildMemo(userID string, paymentID uuid.UUID) string {
	shortUser := userID
	if len(shortUser) > 8 {
		shortUser = shortUser[:8]
	}
	shortPayment := strings.ReplaceAll(paymentID.String(), "-", "")[:12]
	return fmt.Sprintf("credits-%s-%s", shortUser, shortPayment)
}
