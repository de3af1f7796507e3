package chain

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	testToken     = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	testRecipient = common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5b3259aeC9B")
	testSender    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testOther     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeEVMBackend struct {
	receipt    *types.Receipt
	receiptErr error
	head       uint64
	headErr    error
	callResult []byte
	callErr    error
}

func (f *fakeEVMBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeEVMBackend) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeEVMBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeEVMBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, f.callErr
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

// transferReceipt builds a successful receipt containing one Transfer log
// of the given raw token amount to the given recipient
func transferReceipt(blockNumber uint64, to common.Address, rawAmount *big.Int) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(blockNumber),
		Logs: []*types.Log{
			{
				Address: testToken,
				Topics:  []common.Hash{transferEventSignature, addressTopic(testSender), addressTopic(to)},
				Data:    common.LeftPadBytes(rawAmount.Bytes(), 32),
			},
		},
	}
}

// decimalsResult encodes a decimals() return value as a 32-byte word
func decimalsResult(decimals uint8) []byte {
	return common.LeftPadBytes([]byte{decimals}, 32)
}

func newTestEVMVerifier(t *testing.T, backend *fakeEVMBackend) *EVMVerifier {
	t.Helper()
	v, err := newEVMVerifier(&EVMConfig{
		TokenContract:    testToken.Hex(),
		MinConfirmations: 3,
	}, backend, zap.NewNop())
	if err != nil {
		t.Fatalf("newEVMVerifier failed: %v", err)
	}
	return v
}

func TestEVMVerifySuccess(t *testing.T) {
	// 10 USDT with 18 decimals
	raw, _ := new(big.Int).SetString("10000000000000000000", 10)
	backend := &fakeEVMBackend{
		receipt:    transferReceipt(100, testRecipient, raw),
		head:       105,
		callResult: decimalsResult(18),
	}
	v := newTestEVMVerifier(t, backend)

	result, err := v.Verify(context.Background(), "0xabc", testRecipient.Hex(), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Verified {
		t.Fatalf("Expected verified, got failure: %s", result.FailureReason)
	}
	if !result.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected amount 10, got %s", result.Amount)
	}
	if result.Confirmations != 5 {
		t.Errorf("Expected 5 confirmations, got %d", result.Confirmations)
	}
	if result.FromAddress != testSender.Hex() {
		t.Errorf("Expected sender %s, got %s", testSender.Hex(), result.FromAddress)
	}
}

func TestEVMVerifyRecipientCaseInsensitive(t *testing.T) {
	raw := big.NewInt(1_000_000)
	backend := &fakeEVMBackend{
		receipt:    transferReceipt(100, testRecipient, raw),
		head:       110,
		callResult: decimalsResult(6),
	}
	v := newTestEVMVerifier(t, backend)

	lower := strings.ToLower(testRecipient.Hex())
	result, err := v.Verify(context.Background(), "0xabc", lower, "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Verified {
		t.Fatalf("Expected verified with lowercase address, got: %s", result.FailureReason)
	}
	if !result.Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected amount 1 with 6 decimals, got %s", result.Amount)
	}
}

func TestEVMVerifyNotFound(t *testing.T) {
	backend := &fakeEVMBackend{receiptErr: ethereum.NotFound}
	v := newTestEVMVerifier(t, backend)

	result, err := v.Verify(context.Background(), "0xabc", testRecipient.Hex(), "")
	if err != nil {
		t.Fatalf("Verify returned infra error for missing txn: %v", err)
	}
	if result.Verified {
		t.Fatal("Expected failure for missing transaction")
	}
	if result.Retryable {
		t.Error("Missing transaction should not be retryable")
	}
}

func TestEVMVerifyRevertedTransaction(t *testing.T) {
	backend := &fakeEVMBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)},
		head:    110,
	}
	v := newTestEVMVerifier(t, backend)

	result, err := v.Verify(context.Background(), "0xabc", testRecipient.Hex(), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Verified || result.Retryable {
		t.Error("Reverted transaction should be a permanent failure")
	}
}

func TestEVMVerifyInsufficientConfirmationsIsRetryable(t *testing.T) {
	raw := big.NewInt(1_000_000)
	backend := &fakeEVMBackend{
		receipt: transferReceipt(100, testRecipient, raw),
		head:    102, // 2 of 3
	}
	v := newTestEVMVerifier(t, backend)

	result, err := v.Verify(context.Background(), "0xabc", testRecipient.Hex(), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Verified {
		t.Fatal("Expected failure below confirmation minimum")
	}
	if !result.Retryable {
		t.Error("Confirmation shortfall must be retryable")
	}
}

func TestEVMVerifyRecipientMismatch(t *testing.T) {
	raw := big.NewInt(1_000_000)
	backend := &fakeEVMBackend{
		receipt:    transferReceipt(100, testOther, raw),
		head:       110,
		callResult: decimalsResult(6),
	}
	v := newTestEVMVerifier(t, backend)

	result, err := v.Verify(context.Background(), "0xabc", testRecipient.Hex(), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Verified {
		t.Fatal("Expected failure for mismatched recipient")
	}
	if result.FailureReason != "transfer recipient does not match expected address" {
		t.Errorf("Unexpected failure reason: %s", result.FailureReason)
	}
}

func TestEVMVerifyDustRejected(t *testing.T) {
	backend := &fakeEVMBackend{
		receipt:    transferReceipt(100, testRecipient, big.NewInt(1)), // 1e-18 tokens
		head:       110,
		callResult: decimalsResult(18),
	}
	v := newTestEVMVerifier(t, backend)

	result, err := v.Verify(context.Background(), "0xabc", testRecipient.Hex(), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Verified {
		t.Fatal("Expected dust transfer to be rejected")
	}
}

func TestEVMVerifyDecimalsFallback(t *testing.T) {
	// decimals() read fails; the default of 18 applies
	raw, _ := new(big.Int).SetString("5000000000000000000", 10)
	backend := &fakeEVMBackend{
		receipt: transferReceipt(100, testRecipient, raw),
		head:    110,
		callErr: context.DeadlineExceeded,
	}
	v := newTestEVMVerifier(t, backend)

	result, err := v.Verify(context.Background(), "0xabc", testRecipient.Hex(), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Amount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected amount 5 via default decimals, got %s", result.Amount)
	}
}

func TestConfirmationDepth(t *testing.T) {
	if got := confirmationDepth(105, big.NewInt(100)); got != 5 {
		t.Errorf("Expected depth 5, got %d", got)
	}
	if got := confirmationDepth(99, big.NewInt(100)); got != 0 {
		t.Errorf("Expected clamp to 0 when head trails, got %d", got)
	}
	if got := confirmationDepth(100, nil); got != 0 {
		t.Errorf("Expected 0 for nil block number, got %d", got)
	}
}
