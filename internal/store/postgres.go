package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/models"
)

// uniqueViolation is the postgres error code raised when the partial unique
// index on crypto_txn_hash rejects a second settlement of the same hash
const uniqueViolation = "23505"

// PostgresStore implements PaymentStore using PostgreSQL
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Initialize creates the necessary database tables
func (s *PostgresStore) Initialize(ctx context.Context) error {
	queries := []string{
		createUsersTable,
		createPlansTable,
		createPaymentRequestsTable,
		createLedgerTransactionsTable,
		createIndexes,
		seedPlans,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	s.logger.Info("Database tables initialized successfully")
	return nil
}

// Payment request operations

const paymentRequestColumns = `
	id, user_id, plan_id, network, token, amount_usd, wallet_address, memo,
	txn_hash, status, verified_amount, verified_sender, confirmation_count,
	error_message, created_at, expires_at, confirmed_at
`

// CreatePaymentRequest persists a new pending payment request
func (s *PostgresStore) CreatePaymentRequest(ctx context.Context, payment *models.PaymentRequest) error {
	query := `
		INSERT INTO payment_requests (id, user_id, plan_id, network, token, amount_usd,
		                              wallet_address, memo, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.Exec(ctx, query,
		payment.ID, payment.UserID, payment.PlanID, payment.Network, payment.Token,
		payment.AmountUSD, payment.WalletAddress, payment.Memo, payment.Status,
		payment.CreatedAt, payment.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment request: %w", err)
	}

	s.logger.Info("Payment request created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("user_id", payment.UserID),
		zap.String("network", string(payment.Network)),
	)
	return nil
}

// GetPaymentRequest retrieves a payment request by ID
func (s *PostgresStore) GetPaymentRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+paymentRequestColumns+` FROM payment_requests WHERE id = $1`, id)
	return scanPaymentRequest(row)
}

// ListPaymentRequests returns a user's payment requests, newest first
func (s *PostgresStore) ListPaymentRequests(ctx context.Context, userID string, limit, offset int) ([]*models.PaymentRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+paymentRequestColumns+`
		 FROM payment_requests WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment requests: %w", err)
	}
	defer rows.Close()

	var payments []*models.PaymentRequest
	for rows.Next() {
		payment, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// GetConfirmedPaymentByTxnHash finds the confirmed payment holding the given
// hash, regardless of owner. Used to reject cross-account hash replay.
func (s *PostgresStore) GetConfirmedPaymentByTxnHash(ctx context.Context, txnHash string) (*models.PaymentRequest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+paymentRequestColumns+`
		 FROM payment_requests WHERE txn_hash = $1 AND status = $2`,
		txnHash, models.PaymentStatusConfirmed)
	return scanPaymentRequest(row)
}

// MarkPaymentProcessing records the submitted hash and moves the request to
// processing. The status guard keeps terminal records immutable.
func (s *PostgresStore) MarkPaymentProcessing(ctx context.Context, id uuid.UUID, txnHash string) error {
	result, err := s.db.Exec(ctx,
		`UPDATE payment_requests SET status = $2, txn_hash = $3
		 WHERE id = $1 AND status IN ($4, $2)`,
		id, models.PaymentStatusProcessing, txnHash, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark payment processing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrPaymentNotFound
	}
	return nil
}

// MarkPaymentFailed moves the request to failed with an error message
func (s *PostgresStore) MarkPaymentFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	result, err := s.db.Exec(ctx,
		`UPDATE payment_requests SET status = $2, error_message = $3
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, models.PaymentStatusFailed, errorMessage,
		models.PaymentStatusPending, models.PaymentStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrPaymentNotFound
	}
	return nil
}

// MarkPaymentExpired moves a still-pending request to expired
func (s *PostgresStore) MarkPaymentExpired(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.Exec(ctx,
		`UPDATE payment_requests SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.PaymentStatusExpired, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark payment expired: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrPaymentNotFound
	}
	return nil
}

// SweepExpiredPayments transitions every pending request past its expiry to
// expired and returns the swept records
func (s *PostgresStore) SweepExpiredPayments(ctx context.Context, now time.Time) ([]*models.PaymentRequest, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE payment_requests SET status = $1
		 WHERE status = $2 AND expires_at < $3
		 RETURNING `+paymentRequestColumns,
		models.PaymentStatusExpired, models.PaymentStatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired payments: %w", err)
	}
	defer rows.Close()

	var swept []*models.PaymentRequest
	for rows.Next() {
		payment, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, err
		}
		swept = append(swept, payment)
	}
	return swept, rows.Err()
}

// Settlement operations

// GetLedgerTransactionByTxnHash retrieves the settlement record for a hash
func (s *PostgresStore) GetLedgerTransactionByTxnHash(ctx context.Context, txnHash string) (*models.LedgerTransaction, error) {
	txn := &models.LedgerTransaction{}
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, payment_id, amount_cents, currency, quota_added, status,
		        payment_method, description, crypto_txn_hash, crypto_network, crypto_token, created_at
		 FROM ledger_transactions WHERE crypto_txn_hash = $1`,
		txnHash).Scan(
		&txn.ID, &txn.UserID, &txn.PaymentID, &txn.AmountCents, &txn.Currency,
		&txn.QuotaAdded, &txn.Status, &txn.PaymentMethod, &txn.Description,
		&txn.CryptoTxnHash, &txn.CryptoNetwork, &txn.CryptoToken, &txn.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get ledger transaction: %w", err)
	}
	return txn, nil
}

// SettleCryptoPayment commits the settlement in a single transaction: the
// immutable ledger record, the user's credit and spend increments, and the
// payment's confirmed marking. The unique index on the hash makes a
// concurrent double settlement fail here with ErrDuplicateTransactionHash.
func (s *PostgresStore) SettleCryptoPayment(ctx context.Context, payment *models.PaymentRequest, txn *models.LedgerTransaction) (*models.UserAccount, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, user_id, payment_id, amount_cents, currency,
		                                  quota_added, status, payment_method, description,
		                                  crypto_txn_hash, crypto_network, crypto_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		txn.ID, txn.UserID, txn.PaymentID, txn.AmountCents, txn.Currency,
		txn.QuotaAdded, txn.Status, txn.PaymentMethod, txn.Description,
		txn.CryptoTxnHash, txn.CryptoNetwork, txn.CryptoToken, txn.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, models.ErrDuplicateTransactionHash
		}
		return nil, fmt.Errorf("failed to insert ledger transaction: %w", err)
	}

	usdAmount := decimal.New(txn.AmountCents, -2)
	user := &models.UserAccount{}
	err = tx.QueryRow(ctx,
		`UPDATE users
		 SET available_credits = available_credits + $2,
		     total_spent_usd = total_spent_usd + $3,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, available_credits, total_spent_usd`,
		txn.UserID, txn.QuotaAdded, usdAmount,
	).Scan(&user.ID, &user.AvailableCredits, &user.TotalSpentUSD)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to credit user account: %w", err)
	}

	result, err := tx.Exec(ctx,
		`UPDATE payment_requests
		 SET status = $2, verified_amount = $3, verified_sender = $4,
		     confirmation_count = $5, confirmed_at = $6
		 WHERE id = $1`,
		payment.ID, models.PaymentStatusConfirmed, payment.VerifiedAmount,
		payment.VerifiedSender, payment.ConfirmationCount, payment.ConfirmedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm payment request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, models.ErrPaymentNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	s.logger.Info("Crypto payment settled",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.Int64("quota_added", txn.QuotaAdded),
		zap.Int64("amount_cents", txn.AmountCents),
	)
	return user, nil
}

// Collaborator lookups

// GetPlan retrieves a plan by ID
func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	plan := &models.Plan{}
	err := s.db.QueryRow(ctx,
		`SELECT id, name, price_usd, quota_amount, is_active FROM plans WHERE id = $1`,
		id).Scan(&plan.ID, &plan.Name, &plan.PriceUSD, &plan.QuotaAmount, &plan.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// GetUser retrieves a user account by ID
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.UserAccount, error) {
	user := &models.UserAccount{}
	err := s.db.QueryRow(ctx,
		`SELECT id, available_credits, total_spent_usd FROM users WHERE id = $1`,
		id).Scan(&user.ID, &user.AvailableCredits, &user.TotalSpentUSD)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// scanPaymentRequest reads one payment request row
func scanPaymentRequest(row pgx.Row) (*models.PaymentRequest, error) {
	payment := &models.PaymentRequest{}
	err := row.Scan(
		&payment.ID, &payment.UserID, &payment.PlanID, &payment.Network, &payment.Token,
		&payment.AmountUSD, &payment.WalletAddress, &payment.Memo, &payment.TxnHash,
		&payment.Status, &payment.VerifiedAmount, &payment.VerifiedSender,
		&payment.ConfirmationCount, &payment.ErrorMessage,
		&payment.CreatedAt, &payment.ExpiresAt, &payment.ConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to scan payment request: %w", err)
	}
	return payment, nil
}
