package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tablesight/credits-backend/internal/models"
)

// transferEventSignature is the canonical ERC-20 Transfer(address,address,uint256) topic
var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// decimalsSelector is the 4-byte selector of the ERC-20 decimals() method
var decimalsSelector = common.FromHex("0x313ce567")

const defaultTokenDecimals = 18

// EVMConfig represents the contract-log verifier configuration
type EVMConfig struct {
	RPCURL           string `yaml:"rpc_url"`
	TokenContract    string `yaml:"token_contract"`
	TokenSymbol      string `yaml:"token_symbol"`
	ReceivingAddress string `yaml:"receiving_address"`
	MinConfirmations uint64 `yaml:"min_confirmations"`
	DustThreshold    string `yaml:"dust_threshold"`
}

// evmBackend is the slice of the EVM JSON-RPC client the verifier needs.
// *ethclient.Client satisfies it; tests supply a fake.
type evmBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMVerifier verifies BEP20 token transfers by scanning the transaction
// receipt's event logs for a Transfer event emitted by the known token
// contract. The confirmation minimum is a hard gate on this chain.
type EVMVerifier struct {
	client           evmBackend
	tokenContract    common.Address
	minConfirmations uint64
	dustThreshold    decimal.Decimal
	logger           *zap.Logger
}

// NewEVMVerifier dials the configured EVM JSON-RPC endpoint
func NewEVMVerifier(cfg *EVMConfig, logger *zap.Logger) (*EVMVerifier, error) {
	if cfg.TokenContract == "" {
		return nil, fmt.Errorf("EVM token contract address is required")
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial EVM RPC at %s: %w", cfg.RPCURL, err)
	}
	return newEVMVerifier(cfg, client, logger)
}

func newEVMVerifier(cfg *EVMConfig, client evmBackend, logger *zap.Logger) (*EVMVerifier, error) {
	minConfirmations := cfg.MinConfirmations
	if minConfirmations == 0 {
		minConfirmations = 3
	}

	dust := decimal.New(1, -6)
	if cfg.DustThreshold != "" {
		parsed, err := decimal.NewFromString(cfg.DustThreshold)
		if err != nil {
			return nil, fmt.Errorf("invalid dust threshold %q: %w", cfg.DustThreshold, err)
		}
		dust = parsed
	}

	return &EVMVerifier{
		client:           client,
		tokenContract:    common.HexToAddress(cfg.TokenContract),
		minConfirmations: minConfirmations,
		dustThreshold:    dust,
		logger:           logger,
	}, nil
}

// Network implements Verifier
func (v *EVMVerifier) Network() models.Network {
	return models.NetworkBEP20
}

// Verify implements Verifier for the contract-log chain
func (v *EVMVerifier) Verify(ctx context.Context, txnHash, expectedAddress, memo string) (*VerificationResult, error) {
	hash := common.HexToHash(strings.TrimSpace(txnHash))

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return failure("transaction not found"), nil
		}
		return nil, fmt.Errorf("failed to fetch transaction receipt: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return failure("transaction failed on chain"), nil
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain head: %w", err)
	}

	confirmations := confirmationDepth(head, receipt.BlockNumber)
	if confirmations < v.minConfirmations {
		return retryableFailure(fmt.Sprintf(
			"transaction needs more confirmations: %d of %d", confirmations, v.minConfirmations,
		)), nil
	}

	transfer := matchTransferLog(receipt, v.tokenContract, expectedAddress)
	if transfer == nil {
		// Distinguish "no transfer at all" from "transfer to someone else"
		for _, log := range receipt.Logs {
			if isTransferLog(log, v.tokenContract) {
				return failure("transfer recipient does not match expected address"), nil
			}
		}
		return failure("transfer event not found"), nil
	}

	decimals := v.tokenDecimals(ctx)
	amount := decimal.NewFromBigInt(new(big.Int).SetBytes(transfer.Data), -int32(decimals))
	if amount.LessThan(v.dustThreshold) {
		return failure(fmt.Sprintf("transfer amount %s is below the dust threshold", amount.String())), nil
	}

	v.checkMemo(ctx, hash, memo)

	sender := common.BytesToAddress(transfer.Topics[1].Bytes()).Hex()
	v.logger.Info("EVM transfer verified",
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

// tokenDecimals reads decimals() from the token contract. The read must not
// block verification; on failure the known default of 18 is used.
func (v *EVMVerifier) tokenDecimals(ctx context.Context) uint8 {
	result, err := v.client.CallContract(ctx, ethereum.CallMsg{
		To:   &v.tokenContract,
		Data: decimalsSelector,
	}, nil)
	if err != nil || len(result) == 0 {
		v.logger.Warn("Failed to read token decimals, using default",
			zap.Int("default", defaultTokenDecimals),
			zap.Error(err),
		)
		return defaultTokenDecimals
	}
	return result[len(result)-1]
}

// checkMemo looks for the payment memo inside the transaction call data.
// A mismatch is logged for reconciliation but never fails verification.
func (v *EVMVerifier) checkMemo(ctx context.Context, hash common.Hash, memo string) {
	if memo == "" {
		return
	}
	txn, _, err := v.client.TransactionByHash(ctx, hash)
	if err != nil || txn == nil {
		return
	}
	if !bytes.Contains(txn.Data(), []byte(memo)) {
		v.logger.Warn("Payment memo not present in transaction data",
			zap.String("txn_hash", hash.Hex()),
			zap.String("memo", memo),
		)
	}
}

// confirmationDepth computes head - inclusion block, clamped at zero
func confirmationDepth(head uint64, blockNumber *big.Int) uint64 {
	if blockNumber == nil || !blockNumber.IsUint64() {
		return 0
	}
	included := blockNumber.Uint64()
	if head < included {
		return 0
	}
	return head - included
}

// isTransferLog reports whether the log is a Transfer event from the token contract
func isTransferLog(log *types.Log, tokenContract common.Address) bool {
	return log != nil &&
		log.Address == tokenContract &&
		len(log.Topics) >= 3 &&
		log.Topics[0] == transferEventSignature
}

// matchTransferLog finds the Transfer event whose recipient matches the
// expected receiving address, compared case-insensitively
func matchTransferLog(receipt *types.Receipt, tokenContract common.Address, expectedAddress string) *types.Log {
	for _, log := range receipt.Logs {
		if !isTransferLog(log, tokenContract) {
			continue
		}
		recipient := common.BytesToAddress(log.Topics[2].Bytes())
		if strings.EqualFold(recipient.Hex(), expectedAddress) {
			return log
		}
	}
	return nil
}
