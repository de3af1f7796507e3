// Package service orchestrates the crypto payment flow: opening payment
// windows, verifying submitted transactions against the chain, and
// handing verified transfers to the settlement engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/chain"
	"github.com/tablesight/credits-backend/internal/events"
	"github.com/tablesight/credits-backend/internal/ledger"
	"github.com/tablesight/credits-backend/internal/metrics"
	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/settlement"
)

const (
	// DefaultVerifyTimeout bounds one end-to-end chain verification
	DefaultVerifyTimeout = 45 * time.Second

	// DefaultSweepInterval is how often stale pending requests are expired
	DefaultSweepInterval = 5 * time.Minute
)

// Config represents the orchestration configuration
type Config struct {
	VerifyTimeout time.Duration
	SweepInterval time.Duration
}

// PaymentService coordinates the ledger, the chain verifiers, and the
// settlement engine. Verification runs synchronously in the caller's
// request; concurrent submissions of the same hash are serialized by the
// settlement engine's uniqueness guarantee, not by locking here.
type PaymentService struct {
	ledger        *ledger.Ledger
	verifiers     *chain.Registry
	engine        *settlement.Engine
	publisher     events.Publisher
	verifyTimeout time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger
}

// NewPaymentService creates the orchestrator
func NewPaymentService(cfg *Config, paymentLedger *ledger.Ledger, verifiers *chain.Registry, engine *settlement.Engine, publisher events.Publisher, logger *zap.Logger) *PaymentService {
	verifyTimeout := cfg.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = DefaultVerifyTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &PaymentService{
		ledger:        paymentLedger,
		verifiers:     verifiers,
		engine:        engine,
		publisher:     publisher,
		verifyTimeout: verifyTimeout,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// CreateCryptoPayment opens a payment window and returns the details the
// client needs to make the transfer
func (s *PaymentService) CreateCryptoPayment(ctx context.Context, req *models.CreateCryptoPaymentRequest) (*models.CreateCryptoPaymentResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, models.NewValidationError("user_id", "user_id is required")
	}
	if strings.TrimSpace(req.PlanID) == "" {
		return nil, models.NewValidationError("plan_id", "plan_id is required")
	}

	payment, err := s.ledger.CreateRequest(ctx, req.UserID, req.PlanID, req.Network)
	if err != nil {
		return nil, err
	}

	return &models.CreateCryptoPaymentResponse{
		PaymentID:     payment.ID,
		WalletAddress: payment.WalletAddress,
		Amount:        payment.AmountUSD,
		Token:         payment.Token,
		Network:       payment.Network,
		Memo:          payment.Memo,
		ExpiresAt:     payment.ExpiresAt,
	}, nil
}

// VerifyCryptoTransaction verifies a submitted transaction hash against
// the chain and settles it into credits. Resubmitting an already-settled
// payment replays the original outcome rather than erroring.
func (s *PaymentService) VerifyCryptoTransaction(ctx context.Context, req *models.VerifyCryptoTransactionRequest) (*models.VerifyCryptoTransactionResponse, error) {
	txnHash := strings.TrimSpace(req.TxnHash)
	if txnHash == "" {
		return nil, models.NewValidationError("txn_hash", "txn_hash is required")
	}
	paymentID, err := uuid.Parse(req.PaymentID)
	if err != nil {
		return nil, models.NewValidationError("payment_id", "payment_id must be a valid UUID")
	}

	payment, err := s.ledger.SubmitTransaction(ctx, req.UserID, paymentID, txnHash)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyProcessed) {
			return s.replaySettlement(ctx, payment)
		}
		return nil, err
	}

	result, err := s.verify(ctx, payment, txnHash)
	if err != nil {
		return nil, err
	}

	outcome, err := s.engine.Settle(ctx, payment, result)
	if err != nil {
		return nil, err
	}

	if !outcome.AlreadyProcessed {
		metrics.SettlementsTotal.WithLabelValues(string(payment.Network)).Inc()
		metrics.CreditsGrantedTotal.Add(float64(outcome.QuotaAdded))
		s.publisher.PublishSettled(&events.PaymentSettledEvent{
			PaymentID:     payment.ID,
			TransactionID: outcome.TransactionID,
			UserID:        payment.UserID,
			PlanID:        payment.PlanID,
			Network:       payment.Network,
			Token:         payment.Token,
			USDValue:      outcome.USDValue,
			CreditsAdded:  outcome.QuotaAdded,
			SettledAt:     time.Now().UTC(),
		})
	}

	return &models.VerifyCryptoTransactionResponse{
		Verified:          true,
		QuotaAdded:        outcome.QuotaAdded,
		NewAvailableUsage: outcome.AvailableCredits,
		TransactionID:     outcome.TransactionID,
		Amount:            result.Amount,
		ConfirmationCount: result.Confirmations,
		AlreadyProcessed:  outcome.AlreadyProcessed,
	}, nil
}

// verify runs the network's verifier under a bounded timeout and maps
// the three failure shapes: upstream trouble leaves the payment in
// processing for a retry, a retryable chain condition does the same, and
// a permanent rejection marks the payment failed.
func (s *PaymentService) verify(ctx context.Context, payment *models.PaymentRequest, txnHash string) (*chain.VerificationResult, error) {
	verifier, err := s.verifiers.ForNetwork(payment.Network)
	if err != nil {
		return nil, models.NewPaymentError(models.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("No verifier for network %s", payment.Network), err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	start := time.Now()
	result, err := verifier.Verify(verifyCtx, txnHash, payment.WalletAddress, payment.Memo)
	metrics.VerificationDuration.WithLabelValues(string(payment.Network)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.VerificationsTotal.WithLabelValues(string(payment.Network), "error").Inc()
		s.logger.Error("Chain verification errored",
			zap.String("payment_id", payment.ID.String()),
			zap.String("network", string(payment.Network)),
			zap.String("txn_hash", txnHash),
			zap.Error(err),
		)
		return nil, models.NewUpstreamUnavailableError(string(payment.Network), err)
	}

	if !result.Verified {
		if result.Retryable {
			metrics.VerificationsTotal.WithLabelValues(string(payment.Network), "retryable").Inc()
			return nil, models.NewVerificationFailedError(result.FailureReason, true)
		}
		metrics.VerificationsTotal.WithLabelValues(string(payment.Network), "failed").Inc()
		if markErr := s.ledger.MarkFailed(ctx, payment.ID, result.FailureReason); markErr != nil {
			s.logger.Error("Failed to mark payment failed",
				zap.String("payment_id", payment.ID.String()), zap.Error(markErr))
		}
		return nil, models.NewVerificationFailedError(result.FailureReason, false)
	}

	metrics.VerificationsTotal.WithLabelValues(string(payment.Network), "verified").Inc()
	return result, nil
}

// replaySettlement rebuilds the response for a payment that was already
// confirmed and settled
func (s *PaymentService) replaySettlement(ctx context.Context, payment *models.PaymentRequest) (*models.VerifyCryptoTransactionResponse, error) {
	if payment.TxnHash == nil {
		return nil, models.NewPaymentError(models.ErrCodeAlreadyProcessed,
			"Payment already processed", models.ErrAlreadyProcessed)
	}
	outcome, err := s.engine.Replay(ctx, payment)
	if err != nil {
		return nil, fmt.Errorf("failed to replay settlement for payment %s: %w", payment.ID, err)
	}

	resp := &models.VerifyCryptoTransactionResponse{
		Verified:          true,
		QuotaAdded:        outcome.QuotaAdded,
		NewAvailableUsage: outcome.AvailableCredits,
		TransactionID:     outcome.TransactionID,
		AlreadyProcessed:  true,
	}
	if payment.VerifiedAmount != nil {
		resp.Amount = *payment.VerifiedAmount
	}
	if payment.ConfirmationCount != nil {
		resp.ConfirmationCount = *payment.ConfirmationCount
	}
	return resp, nil
}

// GetCryptoPaymentStatus reports the payment's lifecycle state, lazily
// expiring stale pending requests on read
func (s *PaymentService) GetCryptoPaymentStatus(ctx context.Context, userID string, paymentID uuid.UUID) (*models.CryptoPaymentStatusResponse, error) {
	payment, err := s.ledger.GetRequest(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	return &models.CryptoPaymentStatusResponse{
		PaymentID:       payment.ID,
		Status:          payment.Status,
		ConfirmedAt:     payment.ConfirmedAt,
		TransactionHash: payment.TxnHash,
		ErrorMessage:    payment.ErrorMessage,
		ExpiresAt:       payment.ExpiresAt,
		IsExpired:       payment.Status == models.PaymentStatusExpired,
	}, nil
}

// ListCryptoPayments returns a page of the user's payment requests
func (s *PaymentService) ListCryptoPayments(ctx context.Context, userID string, limit, offset int) ([]*models.PaymentRequest, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.NewValidationError("user_id", "user_id is required")
	}
	return s.ledger.ListRequests(ctx, userID, limit, offset)
}

// RunExpirySweeper periodically expires stale pending requests until the
// context is cancelled. Intended to run as a goroutine from main.
func (s *PaymentService) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.logger.Info("Expiry sweeper started", zap.Duration("interval", s.sweepInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *PaymentService) sweepOnce(ctx context.Context) {
	swept, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err))
		return
	}
	for _, payment := range swept {
		metrics.PaymentsExpiredTotal.Inc()
		s.publisher.PublishExpired(&events.PaymentExpiredEvent{
			PaymentID: payment.ID,
			UserID:    payment.UserID,
			Network:   payment.Network,
			ExpiredAt: time.Now().UTC(),
		})
	}
}
