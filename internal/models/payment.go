package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Network identifies the blockchain a crypto payment travels on
type Network string

const (
	NetworkBEP20 Network = "BEP20"
	NetworkSOL   Network = "SOL"
)

// IsValid reports whether the network is one of the supported chains
func (n Network) IsValid() bool {
	switch n {
	case NetworkBEP20, NetworkSOL:
		return true
	}
	return false
}

// PaymentStatus represents the lifecycle state of a crypto payment request
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusConfirmed  PaymentStatus = "confirmed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusExpired    PaymentStatus = "expired"
)

// PaymentRequest is a single crypto payment ledger entry. Status only moves
// forward through pending -> processing -> {confirmed|failed|expired};
// records are never deleted, they are retained for audit.
type PaymentRequest struct {
	ID     uuid.UUID `json:"id" db:"id"`
	UserID string    `json:"user_id" db:"user_id"`
	PlanID string    `json:"plan_id" db:"plan_id"`

	Network       Network         `json:"network" db:"network"`
	Token         string          `json:"token" db:"token"`
	AmountUSD     decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	WalletAddress string          `json:"wallet_address" db:"wallet_address"`
	Memo          string          `json:"memo" db:"memo"`

	TxnHash *string       `json:"txn_hash,omitempty" db:"txn_hash"`
	Status  PaymentStatus `json:"status" db:"status"`

	// Verification results, populated on confirmation
	VerifiedAmount    *decimal.Decimal `json:"verified_amount,omitempty" db:"verified_amount"`
	VerifiedSender    *string          `json:"verified_sender,omitempty" db:"verified_sender"`
	ConfirmationCount *uint64          `json:"confirmation_count,omitempty" db:"confirmation_count"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// IsExpired reports whether the payment window has passed at the given time.
// Expiry gates new submissions only; an already-submitted hash is still
// processed even if verification finishes after the window.
func (p *PaymentRequest) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// LedgerTransactionStatus represents the status of a settlement record
type LedgerTransactionStatus string

const (
	LedgerTransactionStatusSucceeded LedgerTransactionStatus = "succeeded"
)

// PaymentMethod tags the origin of a settlement record
type PaymentMethod string

const (
	PaymentMethodCrypto PaymentMethod = "crypto"
)

// LedgerTransaction is the immutable settlement record created exactly once
// per verified on-chain transfer. At most one may exist per distinct
// transaction hash; this is the system's double-spend guard and is
// independent of the PaymentRequest-level duplicate check.
type LedgerTransaction struct {
	ID            uuid.UUID               `json:"id" db:"id"`
	UserID        string                  `json:"user_id" db:"user_id"`
	PaymentID     *uuid.UUID              `json:"payment_id,omitempty" db:"payment_id"`
	AmountCents   int64                   `json:"amount_cents" db:"amount_cents"`
	Currency      string                  `json:"currency" db:"currency"`
	QuotaAdded    int64                   `json:"quota_added" db:"quota_added"`
	Status        LedgerTransactionStatus `json:"status" db:"status"`
	PaymentMethod PaymentMethod           `json:"payment_method" db:"payment_method"`
	Description   string                  `json:"description" db:"description"`

	// Chain metadata; nil for non-crypto settlement paths
	CryptoTxnHash *string  `json:"crypto_txn_hash,omitempty" db:"crypto_txn_hash"`
	CryptoNetwork *Network `json:"crypto_network,omitempty" db:"crypto_network"`
	CryptoToken   *string  `json:"crypto_token,omitempty" db:"crypto_token"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserAccount is the subset of the user entity this subsystem touches.
// Available credits only increase here; decrements belong to the usage flow.
type UserAccount struct {
	ID               string          `json:"id" db:"id"`
	AvailableCredits int64           `json:"available_credits" db:"available_credits"`
	TotalSpentUSD    decimal.Decimal `json:"total_spent_usd" db:"total_spent_usd"`
}

// Plan describes a purchasable credit package
type Plan struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	PriceUSD    decimal.Decimal `json:"price_usd" db:"price_usd"`
	QuotaAmount int64           `json:"quota_amount" db:"quota_amount"`
	IsActive    bool            `json:"is_active" db:"is_active"`
}

// CreateCryptoPaymentRequest is the inbound request to open a payment window
type CreateCryptoPaymentRequest struct {
	UserID  string  `json:"user_id"`
	PlanID  string  `json:"plan_id"`
	Network Network `json:"network"`
}

// CreateCryptoPaymentResponse is returned to the client for display
type CreateCryptoPaymentResponse struct {
	PaymentID     uuid.UUID       `json:"payment_id"`
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Network       Network         `json:"network"`
	Memo          string          `json:"memo"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// VerifyCryptoTransactionRequest submits an on-chain transaction hash for
// verification against an open payment request
type VerifyCryptoTransactionRequest struct {
	UserID    string `json:"user_id"`
	PaymentID string `json:"payment_id"`
	TxnHash   string `json:"txn_hash"`
}

// VerifyCryptoTransactionResponse reports the settlement outcome
type VerifyCryptoTransactionResponse struct {
	Verified          bool            `json:"verified"`
	QuotaAdded        int64           `json:"quota_added"`
	NewAvailableUsage int64           `json:"new_available_usage"`
	TransactionID     uuid.UUID       `json:"transaction_id"`
	Amount            decimal.Decimal `json:"amount"`
	ConfirmationCount uint64          `json:"confirmation_count"`
	AlreadyProcessed  bool            `json:"already_processed,omitempty"`
}

// CryptoPaymentStatusResponse reports the current lifecycle state
type CryptoPaymentStatusResponse struct {
	PaymentID       uuid.UUID     `json:"payment_id"`
	Status          PaymentStatus `json:"status"`
	ConfirmedAt     *time.Time    `json:"confirmed_at,omitempty"`
	TransactionHash *string       `json:"transaction_hash,omitempty"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
	IsExpired       bool          `json:"is_expired"`
}
