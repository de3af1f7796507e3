package chain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tablesight/credits-backend/internal/models"
)

// VerificationResult is the uniform answer both chain verifiers return.
// Business failures (not found, failed on chain, wrong recipient, too few
// confirmations) are reported through Verified=false with a reason; only
// genuine infrastructure errors surface as Go errors from Verify.
type VerificationResult struct {
	Verified bool

	// Populated on success
	Amount        decimal.Decimal
	FromAddress   string
	Confirmations uint64

	// Populated on business failure. Retryable marks conditions that may
	// resolve on their own, such as a transaction that needs more
	// confirmations; callers should not mark the payment failed for those.
	FailureReason string
	Retryable     bool
}

func failure(reason string) *VerificationResult {
	return &VerificationResult{FailureReason: reason}
}

func retryableFailure(reason string) *VerificationResult {
	return &VerificationResult{FailureReason: reason, Retryable: true}
}

// Verifier confirms that a specific on-chain transaction transferred funds
// to the expected receiving address and reports its confirmation depth.
// The memo is a human-reconciliation aid, checked best-effort and never
// blocking.
type Verifier interface {
	Network() models.Network
	Verify(ctx context.Context, txnHash, expectedAddress, memo string) (*VerificationResult, error)
}

// Registry dispatches to the verifier for a given network. New chains are
// added by registering another implementation, never by changing callers.
type Registry struct {
	verifiers map[models.Network]Verifier
}

// NewRegistry builds a registry from the given verifiers
func NewRegistry(verifiers ...Verifier) *Registry {
	r := &Registry{verifiers: make(map[models.Network]Verifier, len(verifiers))}
	for _, v := range verifiers {
		r.verifiers[v.Network()] = v
	}
	return r
}

// ForNetwork returns the verifier handling the given network
func (r *Registry) ForNetwork(network models.Network) (Verifier, error) {
	v, ok := r.verifiers[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedNetwork, network)
	}
	return v, nil
}
