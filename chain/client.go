package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// contractABI describes the insurance contract surface the service consumes:
// policy issuance, the claim workflow, and the read methods used to
// reconstruct records the off-chain store is missing.
const contractABI = `[
  {"type":"function","name":"submitPolicy","stateMutability":"payable","inputs":[{"name":"beneficiary","type":"address"},{"name":"coverage","type":"uint256"},{"name":"tier","type":"uint8"},{"name":"start","type":"uint64"},{"name":"end","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"approvePolicy","stateMutability":"nonpayable","inputs":[{"name":"policyId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"rejectPolicy","stateMutability":"nonpayable","inputs":[{"name":"policyId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"submitClaim","stateMutability":"nonpayable","inputs":[{"name":"policyId","type":"uint256"},{"name":"patient","type":"address"},{"name":"amount","type":"uint256"},{"name":"docCid","type":"string"}],"outputs":[]},
  {"type":"function","name":"reviewClaim","stateMutability":"nonpayable","inputs":[{"name":"claimId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"approveClaim","stateMutability":"nonpayable","inputs":[{"name":"claimId","type":"uint256"},{"name":"payout","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"rejectClaim","stateMutability":"nonpayable","inputs":[{"name":"claimId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"policies","stateMutability":"view","inputs":[{"name":"policyId","type":"uint256"}],"outputs":[{"name":"beneficiary","type":"address"},{"name":"coverage","type":"uint256"},{"name":"premium","type":"uint256"},{"name":"start","type":"uint64"},{"name":"end","type":"uint64"},{"name":"tier","type":"uint8"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"claims","stateMutability":"view","inputs":[{"name":"claimId","type":"uint256"}],"outputs":[{"name":"policyId","type":"uint256"},{"name":"patient","type":"address"},{"name":"provider","type":"address"},{"name":"amount","type":"uint256"},{"name":"payout","type":"uint256"},{"name":"status","type":"uint8"},{"name":"docCid","type":"string"}]},
  {"type":"event","name":"PolicySubmitted","inputs":[{"name":"policyId","type":"uint256","indexed":true},{"name":"beneficiary","type":"address","indexed":true},{"name":"premium","type":"uint256","indexed":false}]},
  {"type":"event","name":"PolicyIssued","inputs":[{"name":"policyId","type":"uint256","indexed":true},{"name":"beneficiary","type":"address","indexed":true},{"name":"coverage","type":"uint256","indexed":false}]},
  {"type":"event","name":"PolicyRejected","inputs":[{"name":"policyId","type":"uint256","indexed":true},{"name":"beneficiary","type":"address","indexed":true},{"name":"refund","type":"uint256","indexed":false}]},
  {"type":"event","name":"ClaimSubmitted","inputs":[{"name":"claimId","type":"uint256","indexed":true},{"name":"policyId","type":"uint256","indexed":true},{"name":"patient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"ClaimStatusChanged","inputs":[{"name":"claimId","type":"uint256","indexed":true},{"name":"status","type":"uint8","indexed":false}]},
  {"type":"event","name":"ClaimPaid","inputs":[{"name":"claimId","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Backend defines the subset of the Ethereum RPC used by the service.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client wraps a node connection and the insurance contract binding. It
// exposes event queries and direct state reads; transaction submission lives
// on the Executor.
type Client struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
}

// NewClient builds a contract client against the given backend.
func NewClient(backend Backend, contract common.Address) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend is required")
	}
	if (contract == common.Address{}) {
		return nil, fmt.Errorf("chain: contract address required")
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse contract abi: %w", err)
	}
	return &Client{backend: backend, contract: contract, abi: parsed}, nil
}

// Contract returns the bound contract address.
func (c *Client) Contract() common.Address {
	return c.contract
}

// HeadBlock returns the current chain head number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return 0, fmt.Errorf("chain: head metadata unavailable")
	}
	return header.Number.Uint64(), nil
}

// PolicyState is the contract-side view of a policy.
type PolicyState struct {
	Beneficiary common.Address
	Coverage    *big.Int
	Premium     *big.Int
	Start       uint64
	End         uint64
	Tier        uint8
	Active      bool
}

// Exists reports whether the contract actually holds this policy. The
// contract returns the zero struct for unknown identifiers.
func (p *PolicyState) Exists() bool {
	return p != nil && p.Beneficiary != (common.Address{})
}

// ClaimState is the contract-side view of a claim.
type ClaimState struct {
	PolicyID *big.Int
	Patient  common.Address
	Provider common.Address
	Amount   *big.Int
	Payout   *big.Int
	Status   uint8
	DocCID   string
}

// Exists reports whether the contract actually holds this claim.
func (c *ClaimState) Exists() bool {
	return c != nil && c.Patient != (common.Address{})
}

// PolicyState reads the full current policy record straight from the contract.
func (c *Client) PolicyState(ctx context.Context, policyID uint64) (*PolicyState, error) {
	out, err := c.call(ctx, "policies", new(big.Int).SetUint64(policyID))
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("chain: unexpected policies output arity %d", len(out))
	}
	state := &PolicyState{
		Beneficiary: out[0].(common.Address),
		Coverage:    out[1].(*big.Int),
		Premium:     out[2].(*big.Int),
		Start:       out[3].(uint64),
		End:         out[4].(uint64),
		Tier:        out[5].(uint8),
		Active:      out[6].(bool),
	}
	return state, nil
}

// ClaimState reads the full current claim record straight from the contract.
func (c *Client) ClaimState(ctx context.Context, claimID uint64) (*ClaimState, error) {
	out, err := c.call(ctx, "claims", new(big.Int).SetUint64(claimID))
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("chain: unexpected claims output arity %d", len(out))
	}
	state := &ClaimState{
		PolicyID: out[0].(*big.Int),
		Patient:  out[1].(common.Address),
		Provider: out[2].(common.Address),
		Amount:   out[3].(*big.Int),
		Payout:   out[4].(*big.Int),
		Status:   out[5].(uint8),
		DocCID:   out[6].(string),
	}
	return state, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}
