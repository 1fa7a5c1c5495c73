package settle

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// fakeEthClient is a scriptable EthClient for tests.
type fakeEthClient struct {
	chainID      *big.Int
	chainIDCalls atomic.Int64
	callErr      error
	callCount    atomic.Int64
	sendErr      error
	sent         []*types.Transaction
	receipt      *types.Receipt
	receiptErr   error
	head         uint64
}

func (f *fakeEthClient) ChainID(ctx context.Context) (*big.Int, error) {
	f.chainIDCalls.Add(1)
	return f.chainID, nil
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.callCount.Add(1)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return nil, nil
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 120_000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeEthClient) Close() {}

func newTestChainClient(t *testing.T, fake *fakeEthClient, privateKey string) *ChainClient {
	t.Helper()
	c, err := NewChainClient(ChainConfig{
		RPCURL:        "http://unused",
		PrivateKey:    privateKey,
		ChainID:       2368,
		Confirmations: 1,
		RPCTimeout:    time.Second,
	}, WithEthClient(fake))
	require.NoError(t, err)
	c.pollInterval = 5 * time.Millisecond
	return c
}

func TestChainSimulate_OK(t *testing.T) {
	fake := &fakeEthClient{chainID: big.NewInt(2368)}
	c := newTestChainClient(t, fake, "")

	err := c.Simulate(context.Background(), demoRequest())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), fake.callCount.Load())
}

func TestChainSimulate_Revert(t *testing.T) {
	fake := &fakeEthClient{
		chainID: big.NewInt(2368),
		callErr: errors.New("execution reverted: nonce already used"),
	}
	c := newTestChainClient(t, fake, "")

	err := c.Simulate(context.Background(), demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeSimulationFailed, x402.CodeOf(err))
}

func TestChainIdentity_CheckedOncePerLifetime(t *testing.T) {
	fake := &fakeEthClient{chainID: big.NewInt(2368)}
	c := newTestChainClient(t, fake, "")

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Simulate(context.Background(), demoRequest()))
	}
	assert.Equal(t, int64(1), fake.chainIDCalls.Load())
}

func TestChainIdentity_Mismatch(t *testing.T) {
	fake := &fakeEthClient{chainID: big.NewInt(1)}
	c := newTestChainClient(t, fake, "")

	err := c.Simulate(context.Background(), demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeChainIDMismatch, x402.CodeOf(err))
	assert.True(t, x402.IsFatal(err))

	// Simulate must short-circuit before any contract call.
	assert.Equal(t, int64(0), fake.callCount.Load())
}

func TestChainSettle_MissingPrivateKey(t *testing.T) {
	fake := &fakeEthClient{chainID: big.NewInt(2368)}
	c := newTestChainClient(t, fake, "")

	_, err := c.Settle(context.Background(), demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeMissingPrivateKey, x402.CodeOf(err))
	assert.True(t, x402.IsFatal(err))
	assert.Empty(t, fake.sent)
}

func TestChainSettle_OK(t *testing.T) {
	fake := &fakeEthClient{
		chainID: big.NewInt(2368),
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
		},
		head: 101,
	}
	c := newTestChainClient(t, fake, testPrivateKey)

	txHash, err := c.Settle(context.Background(), demoRequest())
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
	assert.Equal(t, fake.sent[0].Hash().Hex(), txHash)

	// The transaction targets the payer's smart-contract wallet.
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), *fake.sent[0].To())
}

func TestChainSettle_Reverted(t *testing.T) {
	fake := &fakeEthClient{
		chainID: big.NewInt(2368),
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		},
		head: 101,
	}
	c := newTestChainClient(t, fake, testPrivateKey)

	_, err := c.Settle(context.Background(), demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeSettlementFailed, x402.CodeOf(err))
}

func TestChainSettle_ConfirmationTimeout(t *testing.T) {
	fake := &fakeEthClient{
		chainID:    big.NewInt(2368),
		receiptErr: errors.New("not found"),
	}
	c := newTestChainClient(t, fake, testPrivateKey)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Settle(ctx, demoRequest())
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeSettlementFailed, x402.CodeOf(err))
}

func TestParseUint256(t *testing.T) {
	n, err := parseUint256("1000000")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000), n)

	n, err = parseUint256("0x10")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(16), n)

	for _, bad := range []string{"", "-5", "abc", "0x"} {
		_, err = parseUint256(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
