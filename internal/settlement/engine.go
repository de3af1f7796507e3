// Package settlement converts verified on-chain transfers into credited
// ledger transactions. It owns the money math: token amount to USD via
// the rate cache, USD to whole credits, and the atomic commit of the
// ledger record plus the balance increment.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/chain"
	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/store"
)

// RateSource supplies USD rates for settlement. *rates.Cache is the
// production implementation.
type RateSource interface {
	GetRate(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Config represents the credit pricing configuration
type Config struct {
	// USDPerCredit is the price of one credit in USD, e.g. "0.45"
	USDPerCredit decimal.Decimal
}

// Outcome is the result of settling one verified transfer
type Outcome struct {
	TransactionID    uuid.UUID
	QuotaAdded       int64
	AvailableCredits int64
	USDValue         decimal.Decimal
	AlreadyProcessed bool
}

// Engine settles verified transfers exactly once per transaction hash
type Engine struct {
	store        store.PaymentStore
	rates        RateSource
	usdPerCredit decimal.Decimal
	now          func() time.Time
	logger       *zap.Logger
}

// NewEngine creates a settlement engine. The credit price must be positive.
func NewEngine(cfg *Config, paymentStore store.PaymentStore, rates RateSource, logger *zap.Logger) (*Engine, error) {
	if !cfg.USDPerCredit.IsPositive() {
		return nil, fmt.Errorf("usd per credit must be positive, got %s", cfg.USDPerCredit)
	}
	return &Engine{
		store:        paymentStore,
		rates:        rates,
		usdPerCredit: cfg.USDPerCredit,
		now:          time.Now,
		logger:       logger,
	}, nil
}

// WithClock overrides the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreditsFor computes how many whole credits a USD value buys. Partial
// credits are never granted; the remainder is forfeited by design of the
// integer credit model.
func (e *Engine) CreditsFor(usdValue decimal.Decimal) int64 {
	return usdValue.Div(e.usdPerCredit).IntPart()
}

// Settle converts a verified transfer into credits for the payment's
// owner. The hash-level duplicate check runs before any money math, and
// the store's unique index backstops it against races: losing the race
// is reported the same way as arriving second.
func (e *Engine) Settle(ctx context.Context, payment *models.PaymentRequest, result *chain.VerificationResult) (*Outcome, error) {
	if payment.TxnHash == nil {
		return nil, fmt.Errorf("payment %s has no transaction hash", payment.ID)
	}
	txnHash := *payment.TxnHash

	if prior, err := e.priorOutcome(ctx, payment, txnHash); err != nil {
		if errors.Is(err, models.ErrDuplicateTransactionHash) {
			e.failPayment(ctx, payment.ID, fmt.Sprintf("transaction hash %s already settled another payment", txnHash))
		}
		return nil, err
	} else if prior != nil {
		e.logger.Info("Transaction hash already settled, replaying outcome",
			zap.String("payment_id", payment.ID.String()),
			zap.String("txn_hash", txnHash),
			zap.String("transaction_id", prior.TransactionID.String()),
		)
		return prior, nil
	}

	rate, err := e.rates.GetRate(ctx, payment.Token)
	if err != nil {
		return nil, err
	}

	usdValue := result.Amount.Mul(rate)
	credits := e.CreditsFor(usdValue)
	if credits <= 0 {
		e.failPayment(ctx, payment.ID, fmt.Sprintf(
			"received %s %s (%s USD) buys zero credits", result.Amount, payment.Token, usdValue.StringFixed(2)))
		return nil, models.NewInsufficientAmountError(usdValue.StringFixed(2), e.usdPerCredit.String())
	}

	now := e.now().UTC()
	payment.VerifiedAmount = &result.Amount
	payment.VerifiedSender = &result.FromAddress
	payment.ConfirmationCount = &result.Confirmations
	payment.ConfirmedAt = &now

	network := payment.Network
	token := payment.Token
	txn := &models.LedgerTransaction{
		ID:            uuid.New(),
		UserID:        payment.UserID,
		PaymentID:     &payment.ID,
		AmountCents:   usdValue.Mul(decimal.New(100, 0)).IntPart(),
		Currency:      "USD",
		QuotaAdded:    credits,
		Status:        models.LedgerTransactionStatusSucceeded,
		PaymentMethod: models.PaymentMethodCrypto,
		Description: fmt.Sprintf("Crypto payment: %s %s on %s for plan %s",
			result.Amount, token, network, payment.PlanID),
		CryptoTxnHash: &txnHash,
		CryptoNetwork: &network,
		CryptoToken:   &token,
		CreatedAt:     now,
	}

	user, err := e.store.SettleCryptoPayment(ctx, payment, txn)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateTransactionHash) {
			// Lost a settlement race on the same hash
			prior, perr := e.priorOutcome(ctx, payment, txnHash)
			if perr == nil && prior != nil {
				return prior, nil
			}
			if errors.Is(perr, models.ErrDuplicateTransactionHash) {
				e.failPayment(ctx, payment.ID, fmt.Sprintf("transaction hash %s already settled another payment", txnHash))
			}
			return nil, models.NewDuplicateHashError(txnHash)
		}
		return nil, fmt.Errorf("failed to settle payment %s: %w", payment.ID, err)
	}

	e.logger.Info("Settlement committed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.String("user_id", payment.UserID),
		zap.String("usd_value", usdValue.StringFixed(2)),
		zap.Int64("credits_added", credits),
		zap.Int64("available_credits", user.AvailableCredits),
	)

	return &Outcome{
		TransactionID:    txn.ID,
		QuotaAdded:       credits,
		AvailableCredits: user.AvailableCredits,
		USDValue:         usdValue,
	}, nil
}

// Replay returns the outcome of an earlier settlement of the payment's
// hash, for idempotent resubmissions of an already-confirmed payment
func (e *Engine) Replay(ctx context.Context, payment *models.PaymentRequest) (*Outcome, error) {
	if payment.TxnHash == nil {
		return nil, models.ErrTransactionNotFound
	}
	outcome, err := e.priorOutcome(ctx, payment, *payment.TxnHash)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, models.ErrTransactionNotFound
	}
	return outcome, nil
}

// priorOutcome replays the outcome of an earlier settlement of the same
// hash, if one exists. Replay is strictly per payment: a prior ledger
// record that belongs to a different payment is a double spend and
// returns a duplicate-hash error rather than the other payment's outcome.
func (e *Engine) priorOutcome(ctx context.Context, payment *models.PaymentRequest, txnHash string) (*Outcome, error) {
	txn, err := e.store.GetLedgerTransactionByTxnHash(ctx, txnHash)
	if err != nil {
		if errors.Is(err, models.ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check prior settlement: %w", err)
	}

	if txn.PaymentID == nil || *txn.PaymentID != payment.ID {
		e.logger.Warn("Transaction hash already settled a different payment",
			zap.String("payment_id", payment.ID.String()),
			zap.String("user_id", payment.UserID),
			zap.String("txn_hash", txnHash),
			zap.String("settled_transaction_id", txn.ID.String()),
		)
		return nil, models.NewDuplicateHashError(txnHash)
	}

	outcome := &Outcome{
		TransactionID:    txn.ID,
		QuotaAdded:       txn.QuotaAdded,
		USDValue:         decimal.New(txn.AmountCents, -2),
		AlreadyProcessed: true,
	}
	if user, err := e.store.GetUser(ctx, txn.UserID); err == nil {
		outcome.AvailableCredits = user.AvailableCredits
	}
	return outcome, nil
}

// failPayment marks the request failed, logging rather than propagating
// a marking error so the caller still sees the settlement failure
func (e *Engine) failPayment(ctx context.Context, paymentID uuid.UUID, reason string) {
	if err := e.store.MarkPaymentFailed(ctx, paymentID, reason); err != nil {
		e.logger.Error("Failed to mark payment failed",
			zap.String("payment_id", paymentID.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
