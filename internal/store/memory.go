package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tablesight/credits-backend/internal/models"
)

// MemoryStore is an in-memory PaymentStore used by tests and local
// development. It enforces the same settlement uniqueness rule the
// database index does.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]*models.PaymentRequest
	ledger   map[string]*models.LedgerTransaction // keyed by crypto txn hash
	users    map[string]*models.UserAccount
	plans    map[string]*models.Plan
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[uuid.UUID]*models.PaymentRequest),
		ledger:   make(map[string]*models.LedgerTransaction),
		users:    make(map[string]*models.UserAccount),
		plans:    make(map[string]*models.Plan),
	}
}

// PutUser seeds or replaces a user account
func (s *MemoryStore) PutUser(user *models.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[user.ID] = &copied
}

// PutPlan seeds or replaces a plan
func (s *MemoryStore) PutPlan(plan *models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *plan
	s.plans[plan.ID] = &copied
}

func (s *MemoryStore) CreatePaymentRequest(_ context.Context, payment *models.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *payment
	s.payments[payment.ID] = &copied
	return nil
}

func (s *MemoryStore) GetPaymentRequest(_ context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payment, ok := s.payments[id]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

func (s *MemoryStore) ListPaymentRequests(_ context.Context, userID string, limit, offset int) ([]*models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*models.PaymentRequest
	for _, payment := range s.payments {
		if payment.UserID != userID {
			continue
		}
		copied := *payment
		all = append(all, &copied)
	}
	// Newest first, to mirror the SQL ordering
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].CreatedAt.After(all[i].CreatedAt) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) GetConfirmedPaymentByTxnHash(_ context.Context, txnHash string) (*models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, payment := range s.payments {
		if payment.Status == models.PaymentStatusConfirmed &&
			payment.TxnHash != nil && *payment.TxnHash == txnHash {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func (s *MemoryStore) MarkPaymentProcessing(_ context.Context, id uuid.UUID, txnHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[id]
	if !ok {
		return models.ErrPaymentNotFound
	}
	if payment.Status != models.PaymentStatusPending && payment.Status != models.PaymentStatusProcessing {
		return models.ErrPaymentNotFound
	}
	payment.Status = models.PaymentStatusProcessing
	payment.TxnHash = &txnHash
	return nil
}

func (s *MemoryStore) MarkPaymentFailed(_ context.Context, id uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[id]
	if !ok {
		return models.ErrPaymentNotFound
	}
	if payment.Status != models.PaymentStatusPending && payment.Status != models.PaymentStatusProcessing {
		return models.ErrPaymentNotFound
	}
	payment.Status = models.PaymentStatusFailed
	payment.ErrorMessage = &errorMessage
	return nil
}

func (s *MemoryStore) MarkPaymentExpired(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[id]
	if !ok || payment.Status != models.PaymentStatusPending {
		return models.ErrPaymentNotFound
	}
	payment.Status = models.PaymentStatusExpired
	return nil
}

func (s *MemoryStore) SweepExpiredPayments(_ context.Context, now time.Time) ([]*models.PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []*models.PaymentRequest
	for _, payment := range s.payments {
		if payment.Status == models.PaymentStatusPending && now.After(payment.ExpiresAt) {
			payment.Status = models.PaymentStatusExpired
			copied := *payment
			swept = append(swept, &copied)
		}
	}
	return swept, nil
}

func (s *MemoryStore) GetLedgerTransactionByTxnHash(_ context.Context, txnHash string) (*models.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.ledger[txnHash]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	copied := *txn
	return &copied, nil
}

func (s *MemoryStore) SettleCryptoPayment(_ context.Context, payment *models.PaymentRequest, txn *models.LedgerTransaction) (*models.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.CryptoTxnHash != nil {
		if _, exists := s.ledger[*txn.CryptoTxnHash]; exists {
			return nil, models.ErrDuplicateTransactionHash
		}
	}

	user, ok := s.users[txn.UserID]
	if !ok {
		return nil, models.ErrUserNotFound
	}

	stored, ok := s.payments[payment.ID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}

	txnCopy := *txn
	if txn.CryptoTxnHash != nil {
		s.ledger[*txn.CryptoTxnHash] = &txnCopy
	}

	user.AvailableCredits += txn.QuotaAdded
	usd := decimal.New(txn.AmountCents, -2)
	user.TotalSpentUSD = user.TotalSpentUSD.Add(usd)

	stored.Status = models.PaymentStatusConfirmed
	stored.VerifiedAmount = payment.VerifiedAmount
	stored.VerifiedSender = payment.VerifiedSender
	stored.ConfirmationCount = payment.ConfirmationCount
	stored.ConfirmedAt = payment.ConfirmedAt

	result := *user
	return &result, nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, models.ErrPlanNotFound
	}
	copied := *plan
	return &copied, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}
