package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/chain"
	"github.com/tablesight/credits-backend/internal/ledger"
	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/service"
	"github.com/tablesight/credits-backend/internal/settlement"
	"github.com/tablesight/credits-backend/internal/store"
)

type fakeVerifier struct {
	network models.Network
	result  *chain.VerificationResult
	err     error
	calls   int
}

func (f *fakeVerifier) Network() models.Network { return f.network }

func (f *fakeVerifier) Verify(ctx context.Context, txnHash, expectedAddress, memo string) (*chain.VerificationResult, error) {
	f.calls++
	return f.result, f.err
}

type staticRates map[string]decimal.Decimal

func (r staticRates) GetRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	rate, ok := r[asset]
	if !ok {
		return decimal.Zero, models.NewRateUnavailableError(asset, errors.New("no rate"))
	}
	return rate, nil
}

type fixture struct {
	service  *service.PaymentService
	store    *store.MemoryStore
	verifier *fakeVerifier
}

func newFixture(t *testing.T, verifier *fakeVerifier) *fixture {
	t.Helper()
	memStore := store.NewMemoryStore()
	memStore.PutUser(&models.UserAccount{ID: "user-1"})
	memStore.PutPlan(&models.Plan{
		ID: "starter", Name: "Starter", PriceUSD: decimal.NewFromInt(10), QuotaAmount: 22, IsActive: true,
	})

	logger := zap.NewNop()
	paymentLedger, err := ledger.New(&ledger.Config{
		ExpiryWindow: 30 * time.Minute,
		Networks: map[models.Network]ledger.NetworkConfig{
			models.NetworkBEP20: {WalletAddress: "0xwallet", Token: "USDT"},
			models.NetworkSOL:   {WalletAddress: "solwallet", Token: "SOL"},
		},
	}, memStore, logger)
	if err != nil {
		t.Fatalf("ledger.New failed: %v", err)
	}

	engine, err := settlement.NewEngine(&settlement.Config{
		USDPerCredit: decimal.RequireFromString("0.45"),
	}, memStore, staticRates{
		"USDT": decimal.NewFromInt(1),
		"SOL":  decimal.NewFromInt(20),
	}, logger)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	svc := service.NewPaymentService(&service.Config{},
		paymentLedger, chain.NewRegistry(verifier), engine, nil, logger)

	return &fixture{service: svc, store: memStore, verifier: verifier}
}

func (f *fixture) createPayment(t *testing.T, network models.Network) *models.CreateCryptoPaymentResponse {
	t.Helper()
	resp, err := f.service.CreateCryptoPayment(context.Background(), &models.CreateCryptoPaymentRequest{
		UserID:  "user-1",
		PlanID:  "starter",
		Network: network,
	})
	if err != nil {
		t.Fatalf("CreateCryptoPayment failed: %v", err)
	}
	return resp
}

func TestVerifyCryptoTransactionEndToEnd(t *testing.T) {
	verifier := &fakeVerifier{
		network: models.NetworkBEP20,
		result: &chain.VerificationResult{
			Verified:      true,
			Amount:        decimal.NewFromInt(10),
			FromAddress:   "0xsender",
			Confirmations: 5,
		},
	}
	f := newFixture(t, verifier)
	payment := f.createPayment(t, models.NetworkBEP20)

	resp, err := f.service.VerifyCryptoTransaction(context.Background(), &models.VerifyCryptoTransactionRequest{
		UserID:    "user-1",
		PaymentID: payment.PaymentID.String(),
		TxnHash:   "0xhash",
	})
	if err != nil {
		t.Fatalf("VerifyCryptoTransaction failed: %v", err)
	}
	if !resp.Verified {
		t.Error("Expected verified response")
	}
	if resp.QuotaAdded != 22 {
		t.Errorf("Expected 22 credits for 10 USDT at 0.45/credit, got %d", resp.QuotaAdded)
	}
	if resp.NewAvailableUsage != 22 {
		t.Errorf("Expected balance 22, got %d", resp.NewAvailableUsage)
	}
	if resp.ConfirmationCount != 5 {
		t.Errorf("Expected 5 confirmations, got %d", resp.ConfirmationCount)
	}
	if resp.AlreadyProcessed {
		t.Error("First verification must not be already processed")
	}
}

func TestVerifyCryptoTransactionIdempotentResubmission(t *testing.T) {
	verifier := &fakeVerifier{
		network: models.NetworkBEP20,
		result: &chain.VerificationResult{
			Verified: true,
			Amount:   decimal.NewFromInt(10),
		},
	}
	f := newFixture(t, verifier)
	payment := f.createPayment(t, models.NetworkBEP20)

	req := &models.VerifyCryptoTransactionRequest{
		UserID:    "user-1",
		PaymentID: payment.PaymentID.String(),
		TxnHash:   "0xhash",
	}
	first, err := f.service.VerifyCryptoTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("First verification failed: %v", err)
	}

	second, err := f.service.VerifyCryptoTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("Resubmission failed: %v", err)
	}
	if !second.AlreadyProcessed {
		t.Error("Resubmission must report already processed")
	}
	if second.TransactionID != first.TransactionID {
		t.Error("Resubmission must return the original transaction ID")
	}
	if f.verifier.calls != 1 {
		t.Errorf("Chain must not be re-queried on resubmission, got %d calls", f.verifier.calls)
	}

	user, _ := f.store.GetUser(context.Background(), "user-1")
	if user.AvailableCredits != 22 {
		t.Errorf("Credits must be granted exactly once, got %d", user.AvailableCredits)
	}
}

func TestVerifyCryptoTransactionPermanentFailureMarksFailed(t *testing.T) {
	verifier := &fakeVerifier{
		network: models.NetworkBEP20,
		result: &chain.VerificationResult{
			Verified:      false,
			FailureReason: "transfer recipient does not match expected address",
		},
	}
	f := newFixture(t, verifier)
	payment := f.createPayment(t, models.NetworkBEP20)

	_, err := f.service.VerifyCryptoTransaction(context.Background(), &models.VerifyCryptoTransactionRequest{
		UserID:    "user-1",
		PaymentID: payment.PaymentID.String(),
		TxnHash:   "0xhash",
	})
	if !errors.Is(err, models.ErrVerificationFailed) {
		t.Fatalf("Expected ErrVerificationFailed, got %v", err)
	}

	status, statusErr := f.service.GetCryptoPaymentStatus(context.Background(), "user-1", payment.PaymentID)
	if statusErr != nil {
		t.Fatalf("GetCryptoPaymentStatus failed: %v", statusErr)
	}
	if status.Status != models.PaymentStatusFailed {
		t.Errorf("Expected payment failed, got %s", status.Status)
	}
}

func TestVerifyCryptoTransactionRetryableLeavesProcessing(t *testing.T) {
	verifier := &fakeVerifier{
		network: models.NetworkBEP20,
		result: &chain.VerificationResult{
			Verified:      false,
			FailureReason: "transaction needs more confirmations: 2 of 3",
			Retryable:     true,
		},
	}
	f := newFixture(t, verifier)
	payment := f.createPayment(t, models.NetworkBEP20)

	_, err := f.service.VerifyCryptoTransaction(context.Background(), &models.VerifyCryptoTransactionRequest{
		UserID:    "user-1",
		PaymentID: payment.PaymentID.String(),
		TxnHash:   "0xhash",
	})
	if !errors.Is(err, models.ErrVerificationFailed) {
		t.Fatalf("Expected ErrVerificationFailed, got %v", err)
	}

	status, _ := f.service.GetCryptoPaymentStatus(context.Background(), "user-1", payment.PaymentID)
	if status.Status != models.PaymentStatusProcessing {
		t.Errorf("Retryable failure must leave the payment in processing, got %s", status.Status)
	}
}

func TestVerifyCryptoTransactionUpstreamErrorLeavesProcessing(t *testing.T) {
	verifier := &fakeVerifier{
		network: models.NetworkBEP20,
		err:     errors.New("rpc connection refused"),
	}
	f := newFixture(t, verifier)
	payment := f.createPayment(t, models.NetworkBEP20)

	_, err := f.service.VerifyCryptoTransaction(context.Background(), &models.VerifyCryptoTransactionRequest{
		UserID:    "user-1",
		PaymentID: payment.PaymentID.String(),
		TxnHash:   "0xhash",
	})
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("Expected ErrUpstreamUnavailable, got %v", err)
	}

	status, _ := f.service.GetCryptoPaymentStatus(context.Background(), "user-1", payment.PaymentID)
	if status.Status != models.PaymentStatusProcessing {
		t.Errorf("Upstream failure must leave the payment in processing, got %s", status.Status)
	}
}

func TestVerifyCryptoTransactionInsufficientAmount(t *testing.T) {
	verifier := &fakeVerifier{
		network: models.NetworkSOL,
		result: &chain.VerificationResult{
			Verified: true,
			Amount:   decimal.NewFromFloat(0.01), // $0.20 at $20/SOL
		},
	}
	f := newFixture(t, verifier)
	payment := f.createPayment(t, models.NetworkSOL)

	_, err := f.service.VerifyCryptoTransaction(context.Background(), &models.VerifyCryptoTransactionRequest{
		UserID:    "user-1",
		PaymentID: payment.PaymentID.String(),
		TxnHash:   "sig1",
	})
	if !errors.Is(err, models.ErrInsufficientAmount) {
		t.Fatalf("Expected ErrInsufficientAmount, got %v", err)
	}

	status, _ := f.service.GetCryptoPaymentStatus(context.Background(), "user-1", payment.PaymentID)
	if status.Status != models.PaymentStatusFailed {
		t.Errorf("Expected payment failed, got %s", status.Status)
	}
}

func TestVerifyCryptoTransactionValidation(t *testing.T) {
	f := newFixture(t, &fakeVerifier{network: models.NetworkBEP20})

	if _, err := f.service.VerifyCryptoTransaction(context.Background(), &models.VerifyCryptoTransactionRequest{
		UserID: "user-1", PaymentID: "not-a-uuid", TxnHash: "0xhash",
	}); err == nil {
		t.Error("Expected validation error for malformed payment ID")
	}

	if _, err := f.service.VerifyCryptoTransaction(context.Background(), &models.VerifyCryptoTransactionRequest{
		UserID: "user-1", PaymentID: "0f2e1d3c-0000-0000-0000-000000000000", TxnHash: "  ",
	}); err == nil {
		t.Error("Expected validation error for blank hash")
	}
}
