package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tablesight/credits-backend/internal/models"
	"github.com/tablesight/credits-backend/internal/store"
)

func newProcessingPayment(userID, txnHash string) *models.PaymentRequest {
	now := time.Now().UTC()
	return &models.PaymentRequest{
		ID:            uuid.New(),
		UserID:        userID,
		PlanID:        "starter",
		Network:       models.NetworkBEP20,
		Token:         "USDT",
		AmountUSD:     decimal.NewFromInt(10),
		WalletAddress: "0xwallet",
		Status:        models.PaymentStatusProcessing,
		TxnHash:       &txnHash,
		CreatedAt:     now,
		ExpiresAt:     now.Add(30 * time.Minute),
	}
}

func ledgerTxnFor(payment *models.PaymentRequest) *models.LedgerTransaction {
	network := payment.Network
	token := payment.Token
	return &models.LedgerTransaction{
		ID:            uuid.New(),
		UserID:        payment.UserID,
		PaymentID:     &payment.ID,
		AmountCents:   1000,
		Currency:      "USD",
		QuotaAdded:    22,
		Status:        models.LedgerTransactionStatusSucceeded,
		PaymentMethod: models.PaymentMethodCrypto,
		Description:   "test settlement",
		CryptoTxnHash: payment.TxnHash,
		CryptoNetwork: &network,
		CryptoToken:   &token,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestSettleCryptoPaymentRejectsDuplicateHash(t *testing.T) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()
	memStore.PutUser(&models.UserAccount{ID: "user-1"})

	first := newProcessingPayment("user-1", "0xhash")
	if err := memStore.CreatePaymentRequest(ctx, first); err != nil {
		t.Fatalf("CreatePaymentRequest failed: %v", err)
	}
	user, err := memStore.SettleCryptoPayment(ctx, first, ledgerTxnFor(first))
	if err != nil {
		t.Fatalf("First settlement failed: %v", err)
	}
	if user.AvailableCredits != 22 {
		t.Errorf("Expected 22 credits, got %d", user.AvailableCredits)
	}

	second := newProcessingPayment("user-1", "0xhash")
	if err := memStore.CreatePaymentRequest(ctx, second); err != nil {
		t.Fatalf("CreatePaymentRequest failed: %v", err)
	}
	_, err = memStore.SettleCryptoPayment(ctx, second, ledgerTxnFor(second))
	if !errors.Is(err, models.ErrDuplicateTransactionHash) {
		t.Fatalf("Expected ErrDuplicateTransactionHash, got %v", err)
	}

	// Balance unchanged after the rejected settlement
	user, _ = memStore.GetUser(ctx, "user-1")
	if user.AvailableCredits != 22 {
		t.Errorf("Expected credits unchanged at 22, got %d", user.AvailableCredits)
	}
}

func TestMarkPaymentTransitionsGuardTerminalStates(t *testing.T) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()
	memStore.PutUser(&models.UserAccount{ID: "user-1"})

	payment := newProcessingPayment("user-1", "0xhash")
	if err := memStore.CreatePaymentRequest(ctx, payment); err != nil {
		t.Fatalf("CreatePaymentRequest failed: %v", err)
	}
	if _, err := memStore.SettleCryptoPayment(ctx, payment, ledgerTxnFor(payment)); err != nil {
		t.Fatalf("Settlement failed: %v", err)
	}

	// A confirmed record is immutable
	if err := memStore.MarkPaymentFailed(ctx, payment.ID, "late failure"); err == nil {
		t.Error("Expected failure marking a confirmed payment failed")
	}
	if err := memStore.MarkPaymentExpired(ctx, payment.ID); err == nil {
		t.Error("Expected failure expiring a confirmed payment")
	}

	stored, _ := memStore.GetPaymentRequest(ctx, payment.ID)
	if stored.Status != models.PaymentStatusConfirmed {
		t.Errorf("Expected confirmed, got %s", stored.Status)
	}
}

func TestGetConfirmedPaymentByTxnHash(t *testing.T) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()
	memStore.PutUser(&models.UserAccount{ID: "user-1"})

	payment := newProcessingPayment("user-1", "0xhash")
	if err := memStore.CreatePaymentRequest(ctx, payment); err != nil {
		t.Fatalf("CreatePaymentRequest failed: %v", err)
	}

	// Not confirmed yet
	if _, err := memStore.GetConfirmedPaymentByTxnHash(ctx, "0xhash"); !errors.Is(err, models.ErrPaymentNotFound) {
		t.Errorf("Expected not found before confirmation, got %v", err)
	}

	if _, err := memStore.SettleCryptoPayment(ctx, payment, ledgerTxnFor(payment)); err != nil {
		t.Fatalf("Settlement failed: %v", err)
	}

	found, err := memStore.GetConfirmedPaymentByTxnHash(ctx, "0xhash")
	if err != nil {
		t.Fatalf("GetConfirmedPaymentByTxnHash failed: %v", err)
	}
	if found.ID != payment.ID {
		t.Error("Expected the settled payment to be returned")
	}
}

func TestListPaymentRequestsOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		payment := newProcessingPayment("user-1", "")
		payment.TxnHash = nil
		payment.Status = models.PaymentStatusPending
		payment.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := memStore.CreatePaymentRequest(ctx, payment); err != nil {
			t.Fatalf("CreatePaymentRequest failed: %v", err)
		}
		ids = append(ids, payment.ID)
	}

	page, err := memStore.ListPaymentRequests(ctx, "user-1", 2, 0)
	if err != nil {
		t.Fatalf("ListPaymentRequests failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(page))
	}
	if page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Error("Expected newest-first ordering")
	}

	rest, err := memStore.ListPaymentRequests(ctx, "user-1", 2, 2)
	if err != nil {
		t.Fatalf("ListPaymentRequests failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[0] {
		t.Error("Expected the oldest request on the second page")
	}
}
