package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrTxTimeout signals the confirmation wait elapsed. The transaction
	// may still land later; the caller treats the record as pending until
	// the reconciler resolves it.
	ErrTxTimeout = errors.New("chain: transaction confirmation timed out")
	// ErrTxReverted signals the receipt reported failure.
	ErrTxReverted = errors.New("chain: transaction reverted")
)

// ExecutorConfig captures the dependencies required to construct an Executor.
type ExecutorConfig struct {
	Client        *Client
	Key           *ecdsa.PrivateKey
	ChainID       uint64
	Confirmations uint64
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Executor submits contract calls and converts them into confirmed,
// event-verified results. It performs no local persistence.
type Executor struct {
	client        *Client
	backend       Backend
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	confirmations uint64
	pollInterval  time.Duration
	logger        *slog.Logger
}

// NewExecutor builds a configured executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Client == nil {
		return nil, errors.New("chain: client is required")
	}
	if cfg.Key == nil {
		return nil, errors.New("chain: signing key is required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain id is required")
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:        cfg.Client,
		backend:       cfg.Client.backend,
		key:           cfg.Key,
		from:          gethcrypto.PubkeyToAddress(cfg.Key.PublicKey),
		chainID:       new(big.Int).SetUint64(cfg.ChainID),
		confirmations: confirmations,
		pollInterval:  poll,
		logger:        logger,
	}, nil
}

// SubmitResult is the outcome of a confirmed submission.
type SubmitResult struct {
	TxHash      common.Hash
	Receipt     *gethtypes.Receipt
	BlockNumber uint64
}

// Submit packs and signs a contract call, sends it, and waits for the
// configured confirmation depth racing against the timeout. A timeout does
// not cancel the underlying transaction.
func (e *Executor) Submit(ctx context.Context, method string, value *big.Int, timeout time.Duration, args ...interface{}) (*SubmitResult, error) {
	data, err := e.client.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	contract := e.client.contract
	msg := ethereum.CallMsg{From: e.from, To: &contract, Value: value, Data: data}
	gasLimit, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("chain: estimate gas for %s: %w", method, err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign %s: %w", method, err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send %s: %w", method, err)
	}
	txHash := signed.Hash()
	e.logger.Info("transaction submitted", "method", method, "tx", txHash.Hex())

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	receipt, err := e.waitConfirmed(waitCtx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &SubmitResult{TxHash: txHash}, fmt.Errorf("%w: %s", ErrTxTimeout, txHash.Hex())
		}
		return &SubmitResult{TxHash: txHash}, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		reason := e.revertReason(ctx, msg, receipt.BlockNumber)
		if reason != "" {
			return &SubmitResult{TxHash: txHash, Receipt: receipt}, fmt.Errorf("%w: %s: %s", ErrTxReverted, txHash.Hex(), reason)
		}
		return &SubmitResult{TxHash: txHash, Receipt: receipt}, fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
	}
	return &SubmitResult{TxHash: txHash, Receipt: receipt, BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

func (e *Executor) waitConfirmed(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil && receipt.BlockNumber != nil {
			depth, derr := e.confirmationDepth(ctx, receipt.BlockNumber)
			if derr == nil && depth >= e.confirmations {
				return receipt, nil
			}
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) confirmationDepth(ctx context.Context, blockNumber *big.Int) (uint64, error) {
	header, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	if header == nil || header.Number == nil {
		return 0, errors.New("chain: head metadata unavailable")
	}
	if header.Number.Cmp(blockNumber) < 0 {
		return 0, nil
	}
	depth := new(big.Int).Sub(header.Number, blockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Uint64(), nil
}

// revertReason replays the call at the failing block to recover the node
// supplied revert text. Best effort; returns empty when unavailable.
func (e *Executor) revertReason(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) string {
	raw, err := e.backend.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return err.Error()
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return ""
	}
	return reason
}

// VerifyEvent queries exactly the target block for the named event matching
// the filter. A nil filter slot is a wildcard. Absence is not an error: the
// caller treats a nil event as node propagation lag.
func (e *Executor) VerifyEvent(ctx context.Context, kind EventKind, filter []interface{}, blockNumber uint64) (Event, error) {
	id, err := e.client.EventID(kind)
	if err != nil {
		return nil, err
	}
	topics := [][]common.Hash{{id}}
	for _, slot := range filter {
		if slot == nil {
			topics = append(topics, nil)
			continue
		}
		hash, err := topicFor(slot)
		if err != nil {
			return nil, err
		}
		topics = append(topics, []common.Hash{hash})
	}
	block := new(big.Int).SetUint64(blockNumber)
	logs, err := e.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{e.client.contract},
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: verify %s at block %d: %w", kind, blockNumber, err)
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, perr := e.client.ParseLog(l)
		if perr != nil {
			continue
		}
		return ev, nil
	}
	return nil, nil
}

func topicFor(v interface{}) (common.Hash, error) {
	switch t := v.(type) {
	case common.Hash:
		return t, nil
	case common.Address:
		return common.BytesToHash(t.Bytes()), nil
	case uint64:
		return common.BigToHash(new(big.Int).SetUint64(t)), nil
	case *big.Int:
		return common.BigToHash(t), nil
	default:
		return common.Hash{}, fmt.Errorf("chain: unsupported filter value %T", v)
	}
}
