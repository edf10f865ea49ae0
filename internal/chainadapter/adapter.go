// Package chainadapter implements the uniform capability set spec §4.1
// requires of both the hub and every spoke chain: tail_events, call_view,
// submit_signed, await_receipt, decode_error. It generalizes the
// interface shape from other_examples' arcSignv2 ChainAdapter (Bitcoin/
// Ethereum agnostic Build/Sign/Broadcast/QueryStatus) down to the
// EVM-only surface this Orchestrator actually needs, wired onto the
// teacher's contractclient/txlistener stack.
package chainadapter

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/liquidot/orchestrator/pkg/txlistener"
)

// Capabilities mirrors arcSignv2's Capabilities struct, trimmed to what
// an EVM hub or spoke chain actually varies on.
type Capabilities struct {
	ChainID          uint64
	SupportsEIP1559  bool
	MinConfirmations int
}

// EventFilter selects the contract address and topics to tail.
type EventFilter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Event is one decoded log delivered by TailEvents.
type Event struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
}

// Log converts the event back into the gethtypes.Log shape
// pkg/contractclient.ContractClient.ParseLogs decodes, so callers don't
// need a second RPC round trip just to get an ABI-decoded event out of
// something TailEvents already delivered.
func (e Event) Log() *gethtypes.Log {
	return &gethtypes.Log{
		Address:     e.Address,
		Topics:      e.Topics,
		Data:        e.Data,
		BlockNumber: e.BlockNumber,
		TxHash:      e.TxHash,
		Index:       e.LogIndex,
	}
}

// ViewCall is a read-only contract call.
type ViewCall struct {
	Contract common.Address
	Method   string
	Args     []interface{}
}

// SubmitRequest is a signed-transaction submission.
type SubmitRequest struct {
	SignedTxBytes []byte // RLP-encoded signed transaction
}

// ChainAdapter is the uniform capability set every hub/spoke chain must
// implement (spec §4.1).
type ChainAdapter interface {
	ChainID() uint64
	Capabilities() Capabilities

	// TailEvents streams events at/after fromBlock matching filter. The
	// returned channel is closed when ctx is cancelled or an
	// unrecoverable error occurs; callers distinguish the two by
	// checking ctx.Err().
	TailEvents(ctx context.Context, fromBlock uint64, filter EventFilter) (<-chan Event, error)

	// CallView performs a read-only contract call, retrying transient
	// network errors per the adapter's backoff policy.
	CallView(ctx context.Context, call ViewCall) ([]interface{}, error)

	// SubmitSigned broadcasts an already-signed transaction and returns
	// its hash. Submission is not itself retried here — the single-writer
	// scheduler owns retry/resubmission policy (spec §5).
	SubmitSigned(ctx context.Context, req SubmitRequest) (common.Hash, error)

	// AwaitReceipt blocks until a receipt is available or ctx/timeout
	// elapses.
	AwaitReceipt(ctx context.Context, txHash common.Hash) (*txlistener.TxReceipt, error)

	// DecodeError classifies a raw error from any of the above calls
	// into the spec §7 taxonomy.
	DecodeError(operation string, err error) *ChainError

	// LatestBlock returns the chain's current block height, used to
	// bound event-tailing catch-up ranges.
	LatestBlock(ctx context.Context) (uint64, error)
}

// RetryPolicy bounds the exponential backoff used for transient I/O
// (spec §4.1/§7: "exponential backoff with jitter on transient errors").
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy starts exponential backoff at 500ms, caps each wait
// at 30s, and gives up after 2 minutes in total.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	MaxElapsedTime:  2 * time.Minute,
}
