package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tablesight/credits-backend/internal/models"
)

// PaymentStore is the persistence boundary of the crypto payment subsystem.
// PostgresStore is the production implementation; MemoryStore backs tests.
type PaymentStore interface {
	// Payment request lifecycle
	CreatePaymentRequest(ctx context.Context, payment *models.PaymentRequest) error
	GetPaymentRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error)
	ListPaymentRequests(ctx context.Context, userID string, limit, offset int) ([]*models.PaymentRequest, error)
	GetConfirmedPaymentByTxnHash(ctx context.Context, txnHash string) (*models.PaymentRequest, error)
	MarkPaymentProcessing(ctx context.Context, id uuid.UUID, txnHash string) error
	MarkPaymentFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	MarkPaymentExpired(ctx context.Context, id uuid.UUID) error
	SweepExpiredPayments(ctx context.Context, now time.Time) ([]*models.PaymentRequest, error)

	// Settlement. SettleCryptoPayment commits the ledger record, the user
	// credit and spend increments, and the confirmed marking as one logical
	// unit, and reports models.ErrDuplicateTransactionHash when the hash is
	// already settled.
	GetLedgerTransactionByTxnHash(ctx context.Context, txnHash string) (*models.LedgerTransaction, error)
	SettleCryptoPayment(ctx context.Context, payment *models.PaymentRequest, txn *models.LedgerTransaction) (*models.UserAccount, error)

	// Collaborator lookups
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	GetUser(ctx context.Context, id string) (*models.UserAccount, error)
}
