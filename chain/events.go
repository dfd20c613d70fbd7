package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// EventKind names one of the contract event types the service replays.
type EventKind string

// All replayed event kinds. PolicySubmitted is parsed and verifiable but not
// replayed; it only confirms the pending escrow write on the direct path.
const (
	KindPolicySubmitted    EventKind = "PolicySubmitted"
	KindPolicyRejected     EventKind = "PolicyRejected"
	KindPolicyIssued       EventKind = "PolicyIssued"
	KindClaimSubmitted     EventKind = "ClaimSubmitted"
	KindClaimStatusChanged EventKind = "ClaimStatusChanged"
	KindClaimPaid          EventKind = "ClaimPaid"
)

// EventKinds lists every kind in replay order.
var EventKinds = []EventKind{KindPolicyIssued, KindClaimSubmitted, KindClaimStatusChanged, KindClaimPaid}

// ErrUnknownEvent marks a log whose signature the parser does not recognise.
// Unknown events are skipped, never guessed at.
var ErrUnknownEvent = errors.New("chain: unknown event")

// EventMeta carries the provenance shared by every parsed event.
type EventMeta struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Event is a parsed contract log, one concrete type per kind.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
}

// PolicySubmittedEvent signals the contract accepted a pending policy and
// escrowed its premium.
type PolicySubmittedEvent struct {
	EventMeta
	PolicyID    uint64
	Beneficiary common.Address
	Premium     *big.Int
}

func (e PolicySubmittedEvent) Kind() EventKind { return KindPolicySubmitted }
func (e PolicySubmittedEvent) Meta() EventMeta { return e.EventMeta }

// PolicyRejectedEvent signals the contract refunded the escrowed premium.
type PolicyRejectedEvent struct {
	EventMeta
	PolicyID    uint64
	Beneficiary common.Address
	Refund      *big.Int
}

func (e PolicyRejectedEvent) Kind() EventKind { return KindPolicyRejected }
func (e PolicyRejectedEvent) Meta() EventMeta { return e.EventMeta }

// PolicyIssuedEvent signals the contract confirmed a policy.
type PolicyIssuedEvent struct {
	EventMeta
	PolicyID    uint64
	Beneficiary common.Address
	Coverage    *big.Int
}

func (e PolicyIssuedEvent) Kind() EventKind { return KindPolicyIssued }
func (e PolicyIssuedEvent) Meta() EventMeta { return e.EventMeta }

// ClaimSubmittedEvent signals a claim was recorded against a policy.
type ClaimSubmittedEvent struct {
	EventMeta
	ClaimID  uint64
	PolicyID uint64
	Patient  common.Address
	Amount   *big.Int
}

func (e ClaimSubmittedEvent) Kind() EventKind { return KindClaimSubmitted }
func (e ClaimSubmittedEvent) Meta() EventMeta { return e.EventMeta }

// ClaimStatusChangedEvent signals a claim moved through the workflow.
type ClaimStatusChangedEvent struct {
	EventMeta
	ClaimID uint64
	Status  uint8
}

func (e ClaimStatusChangedEvent) Kind() EventKind { return KindClaimStatusChanged }
func (e ClaimStatusChangedEvent) Meta() EventMeta { return e.EventMeta }

// ClaimPaidEvent signals the contract released a payout.
type ClaimPaidEvent struct {
	EventMeta
	ClaimID   uint64
	Recipient common.Address
	Amount    *big.Int
}

func (e ClaimPaidEvent) Kind() EventKind { return KindClaimPaid }
func (e ClaimPaidEvent) Meta() EventMeta { return e.EventMeta }

// EventID returns the topic hash for a kind.
func (c *Client) EventID(kind EventKind) (common.Hash, error) {
	ev, ok := c.abi.Events[string(kind)]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}
	return ev.ID, nil
}

// ParseLog converts a raw log into its typed event. Logs from other contracts
// or with unknown signatures fail closed with ErrUnknownEvent.
func (c *Client) ParseLog(l gethtypes.Log) (Event, error) {
	if l.Address != c.contract || len(l.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	meta := EventMeta{TxHash: l.TxHash, BlockNumber: l.BlockNumber}
	switch l.Topics[0] {
	case c.abi.Events[string(KindPolicySubmitted)].ID:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("chain: malformed %s topics", KindPolicySubmitted)
		}
		vals, err := c.abi.Events[string(KindPolicySubmitted)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack %s: %w", KindPolicySubmitted, err)
		}
		return PolicySubmittedEvent{
			EventMeta:   meta,
			PolicyID:    topicUint64(l.Topics[1]),
			Beneficiary: common.BytesToAddress(l.Topics[2].Bytes()),
			Premium:     vals[0].(*big.Int),
		}, nil
	case c.abi.Events[string(KindPolicyRejected)].ID:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("chain: malformed %s topics", KindPolicyRejected)
		}
		vals, err := c.abi.Events[string(KindPolicyRejected)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack %s: %w", KindPolicyRejected, err)
		}
		return PolicyRejectedEvent{
			EventMeta:   meta,
			PolicyID:    topicUint64(l.Topics[1]),
			Beneficiary: common.BytesToAddress(l.Topics[2].Bytes()),
			Refund:      vals[0].(*big.Int),
		}, nil
	case c.abi.Events[string(KindPolicyIssued)].ID:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("chain: malformed %s topics", KindPolicyIssued)
		}
		vals, err := c.abi.Events[string(KindPolicyIssued)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack %s: %w", KindPolicyIssued, err)
		}
		return PolicyIssuedEvent{
			EventMeta:   meta,
			PolicyID:    topicUint64(l.Topics[1]),
			Beneficiary: common.BytesToAddress(l.Topics[2].Bytes()),
			Coverage:    vals[0].(*big.Int),
		}, nil
	case c.abi.Events[string(KindClaimSubmitted)].ID:
		if len(l.Topics) < 4 {
			return nil, fmt.Errorf("chain: malformed %s topics", KindClaimSubmitted)
		}
		vals, err := c.abi.Events[string(KindClaimSubmitted)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack %s: %w", KindClaimSubmitted, err)
		}
		return ClaimSubmittedEvent{
			EventMeta: meta,
			ClaimID:   topicUint64(l.Topics[1]),
			PolicyID:  topicUint64(l.Topics[2]),
			Patient:   common.BytesToAddress(l.Topics[3].Bytes()),
			Amount:    vals[0].(*big.Int),
		}, nil
	case c.abi.Events[string(KindClaimStatusChanged)].ID:
		if len(l.Topics) < 2 {
			return nil, fmt.Errorf("chain: malformed %s topics", KindClaimStatusChanged)
		}
		vals, err := c.abi.Events[string(KindClaimStatusChanged)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack %s: %w", KindClaimStatusChanged, err)
		}
		return ClaimStatusChangedEvent{
			EventMeta: meta,
			ClaimID:   topicUint64(l.Topics[1]),
			Status:    vals[0].(uint8),
		}, nil
	case c.abi.Events[string(KindClaimPaid)].ID:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("chain: malformed %s topics", KindClaimPaid)
		}
		vals, err := c.abi.Events[string(KindClaimPaid)].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: unpack %s: %w", KindClaimPaid, err)
		}
		return ClaimPaidEvent{
			EventMeta: meta,
			ClaimID:   topicUint64(l.Topics[1]),
			Recipient: common.BytesToAddress(l.Topics[2].Bytes()),
			Amount:    vals[0].(*big.Int),
		}, nil
	default:
		return nil, ErrUnknownEvent
	}
}

// QueryEvents returns the parsed events of one kind in the inclusive block
// range. Logs that fail to parse are dropped.
func (c *Client) QueryEvents(ctx context.Context, kind EventKind, fromBlock, toBlock uint64) ([]Event, error) {
	id, err := c.EventID(kind)
	if err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{id}},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: query %s logs: %w", kind, err)
	}
	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := c.ParseLog(l)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func topicUint64(topic common.Hash) uint64 {
	return new(big.Int).SetBytes(topic.Bytes()).Uint64()
}
