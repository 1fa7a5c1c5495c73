package settle

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dhiyaancnirmal/kitegate/internal/retry"
	"github.com/dhiyaancnirmal/kitegate/internal/x402"
)

// executeTransferWithAuthorization on the payer's smart-contract wallet.
// The contract, not this client, performs signature recovery and nonce
// consumption; a reverted eth_call here is the replay defense firing.
const walletABI = `[
	{"inputs":[
		{"name":"sessionId","type":"bytes32"},
		{"components":[
			{"name":"from","type":"address"},
			{"name":"to","type":"address"},
			{"name":"token","type":"address"},
			{"name":"value","type":"uint256"},
			{"name":"validAfter","type":"uint256"},
			{"name":"validBefore","type":"uint256"},
			{"name":"nonce","type":"bytes32"}
		],"name":"authorization","type":"tuple"},
		{"name":"signature","type":"bytes"},
		{"name":"metadata","type":"bytes"}
	],"name":"executeTransferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	// DefaultRPCTimeout bounds every outbound RPC call.
	DefaultRPCTimeout = 15 * time.Second

	// DefaultConfirmations to wait after broadcast.
	DefaultConfirmations = 1

	// confirmationPollInterval between receipt/head checks.
	confirmationPollInterval = 2 * time.Second

	// broadcastAttempts for transient send failures.
	broadcastAttempts = 3
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// ChainConfig for creating a ChainClient.
type ChainConfig struct {
	RPCURL        string
	PrivateKey    string // hex, optional; required for Settle only
	ChainID       int64
	Confirmations int
	RPCTimeout    time.Duration
}

// ChainClient settles payments against the payer's smart-contract wallet.
type ChainClient struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	confirmations int
	rpcTimeout    time.Duration
	pollInterval  time.Duration
	abi           abi.ABI

	// Chain identity is checked once per client lifetime, never per
	// request. Read-mostly; idempotent re-checks while warming are fine.
	chainVerified atomic.Bool
}

var _ Client = (*ChainClient)(nil)

// ChainOption configures the chain client.
type ChainOption func(*ChainClient)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(client EthClient) ChainOption {
	return func(c *ChainClient) {
		c.client = client
	}
}

// NewChainClient creates a blockchain settlement client.
func NewChainClient(cfg ChainConfig, opts ...ChainOption) (*ChainClient, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(walletABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse wallet ABI: %w", err)
	}

	c := &ChainClient{
		chainID:       big.NewInt(cfg.ChainID),
		confirmations: cfg.Confirmations,
		rpcTimeout:    cfg.RPCTimeout,
		abi:           parsedABI,
	}
	if c.confirmations <= 0 {
		c.confirmations = DefaultConfirmations
	}
	if c.rpcTimeout <= 0 {
		c.rpcTimeout = DefaultRPCTimeout
	}
	c.pollInterval = confirmationPollInterval

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("RPC connection failed: %w", err)
		}
		c.client = client
	}

	return c, nil
}

func (c *ChainClient) Mode() string { return "chain" }

// Address returns the settlement signer address, or the zero address when
// no key is configured.
func (c *ChainClient) Address() string {
	return c.address.Hex()
}

// Configured reports whether a signing key is present, i.e. whether Settle
// can broadcast.
func (c *ChainClient) Configured() bool {
	return c.privateKey != nil
}

// Ping checks node reachability and chain identity. Used by the capability
// probe, never on the request path.
func (c *ChainClient) Ping(ctx context.Context) error {
	if err := c.verifyChainIdentity(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	if _, err := c.client.BlockNumber(ctx); err != nil {
		return x402.WrapError(x402.ErrCodeSimulationFailed, "node unreachable", err)
	}
	return nil
}

// verifyChainIdentity compares the connected node's chain id against the
// configured one. Cached after the first success; a mismatch is fatal.
func (c *ChainClient) verifyChainIdentity(ctx context.Context) error {
	if c.chainVerified.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	got, err := c.client.ChainID(ctx)
	if err != nil {
		return x402.WrapError(x402.ErrCodeSimulationFailed, "chain id fetch failed", err)
	}
	if got.Cmp(c.chainID) != 0 {
		return x402.NewError(x402.ErrCodeChainIDMismatch, "connected node is on the wrong chain").
			WithDetail("expected", c.chainID.String()).
			WithDetail("got", got.String())
	}

	c.chainVerified.Store(true)
	return nil
}

// Simulate issues a read-only executeTransferWithAuthorization call against
// the contract at authorization.from. Any revert (invalid signature, expired
// validity window, consumed nonce) surfaces identically as simulation_failed.
func (c *ChainClient) Simulate(ctx context.Context, req *x402.NormalizedPaymentRequest) error {
	if err := c.verifyChainIdentity(ctx); err != nil {
		return err
	}

	data, contract, err := c.packCall(req)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	_, err = c.client.CallContract(callCtx, ethereum.CallMsg{
		From: c.address,
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return x402.WrapError(x402.ErrCodeSimulationFailed, "transfer dry run reverted", err)
	}
	return nil
}

// Settle re-sends the simulated call as a state-changing transaction, waits
// for the configured confirmation count, and returns the transaction hash.
// Requires a configured signing key.
func (c *ChainClient) Settle(ctx context.Context, req *x402.NormalizedPaymentRequest) (string, error) {
	if c.privateKey == nil {
		return "", x402.NewError(x402.ErrCodeMissingPrivateKey, "settlement requires a configured signing key")
	}
	if err := c.verifyChainIdentity(ctx); err != nil {
		return "", err
	}

	data, contract, err := c.packCall(req)
	if err != nil {
		return "", err
	}

	txCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	nonce, err := c.client.PendingNonceAt(txCtx, c.address)
	if err != nil {
		return "", x402.WrapError(x402.ErrCodeSettlementFailed, "nonce fetch failed", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(txCtx)
	if err != nil {
		return "", x402.WrapError(x402.ErrCodeSettlementFailed, "gas price fetch failed", err)
	}
	gasLimit, err := c.client.EstimateGas(txCtx, ethereum.CallMsg{
		From: c.address,
		To:   &contract,
		Data: data,
	})
	if err != nil {
		return "", x402.WrapError(x402.ErrCodeSettlementFailed, "gas estimation failed", err)
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", x402.WrapError(x402.ErrCodeSettlementFailed, "transaction signing failed", err)
	}

	// Broadcast with backoff; a nonce conflict or revert is permanent.
	err = retry.Do(ctx, broadcastAttempts, 500*time.Millisecond, func() error {
		sendCtx, sendCancel := context.WithTimeout(ctx, c.rpcTimeout)
		defer sendCancel()
		sendErr := c.client.SendTransaction(sendCtx, signedTx)
		if sendErr != nil && strings.Contains(sendErr.Error(), "nonce") {
			return retry.Permanent(sendErr)
		}
		return sendErr
	})
	if err != nil {
		return "", x402.WrapError(x402.ErrCodeSettlementFailed, "broadcast failed", err)
	}

	txHash := signedTx.Hash()
	if err := c.waitForConfirmations(ctx, txHash); err != nil {
		return "", err
	}

	return txHash.Hex(), nil
}

// waitForConfirmations polls for the receipt and then for the head to
// advance past the configured confirmation depth.
func (c *ChainClient) waitForConfirmations(ctx context.Context, txHash common.Hash) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var minedAt uint64
	for {
		select {
		case <-ctx.Done():
			return x402.WrapError(x402.ErrCodeSettlementFailed, "timed out waiting for confirmation", ctx.Err())
		case <-ticker.C:
		}

		if minedAt == 0 {
			pollCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
			receipt, err := c.client.TransactionReceipt(pollCtx, txHash)
			cancel()
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return x402.NewError(x402.ErrCodeSettlementFailed, "transaction reverted").
					WithDetail("txHash", txHash.Hex())
			}
			minedAt = receipt.BlockNumber.Uint64()
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
		head, err := c.client.BlockNumber(pollCtx)
		cancel()
		if err != nil {
			continue
		}
		if head >= minedAt+uint64(c.confirmations)-1 {
			return nil
		}
	}
}

// packCall builds the executeTransferWithAuthorization calldata and resolves
// the target contract (the payer's smart-contract wallet).
func (c *ChainClient) packCall(req *x402.NormalizedPaymentRequest) ([]byte, common.Address, error) {
	auth := req.Authorization

	if !common.IsHexAddress(auth.From) {
		return nil, common.Address{}, x402.NewError(x402.ErrCodeSimulationFailed, "authorization.from is not an address")
	}
	contract := common.HexToAddress(auth.From)

	sessionID, err := hexToBytes32(req.SessionID)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "bad sessionId", err)
	}
	nonce, err := hexToBytes32(auth.Nonce)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "bad authorization nonce", err)
	}
	value, err := parseUint256(auth.Value)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "bad authorization value", err)
	}
	validAfter, err := parseUint256(auth.ValidAfter)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "bad validAfter", err)
	}
	validBefore, err := parseUint256(auth.ValidBefore)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "bad validBefore", err)
	}
	signature, err := hexToBytes(req.Signature)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "bad signature encoding", err)
	}
	metadata, err := hexToBytes(req.MetadataBytes)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "bad metadata encoding", err)
	}

	authTuple := struct {
		From        common.Address
		To          common.Address
		Token       common.Address
		Value       *big.Int
		ValidAfter  *big.Int
		ValidBefore *big.Int
		Nonce       [32]byte
	}{
		From:        contract,
		To:          common.HexToAddress(auth.To),
		Token:       common.HexToAddress(auth.Token),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}

	data, err := c.abi.Pack("executeTransferWithAuthorization", sessionID, authTuple, signature, metadata)
	if err != nil {
		return nil, common.Address{}, x402.WrapError(x402.ErrCodeSimulationFailed, "calldata packing failed", err)
	}
	return data, contract, nil
}

// Close closes the underlying client connection.
func (c *ChainClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func hexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b := common.FromHex(s)
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// parseUint256 accepts decimal or 0x-hex strings.
func parseUint256(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty number")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative number")
	}
	return n, nil
}
