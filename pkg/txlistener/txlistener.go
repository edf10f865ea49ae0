// Package txlistener polls an RPC endpoint for transaction receipts. It
// generalizes the teacher's txlistener (referenced throughout blackhole.go
// and cmd/main.go as `b.tl.WaitForTransaction`, but never itself retrieved
// in source form) into a chain-agnostic poller the chain adapters can
// reuse for both hub and spoke confirmations.
package txlistener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxReceipt is the listener's receipt shape. Numeric fields are decimal
// strings, matching how the teacher's code always threaded receipts
// through JSON-friendly boundaries (db recording, report channels)
// rather than raw big.Int.
type TxReceipt struct {
	TxHash            common.Hash
	BlockNumber       string
	GasUsed           string
	Status            string // "1" success, "0" reverted
	EffectiveGasPrice string
	Logs              []*gethtypes.Log
}

// Succeeded reports whether the receipt's status indicates inclusion
// without revert.
func (r *TxReceipt) Succeeded() bool {
	return r != nil && r.Status == "1"
}

// TxListener waits for a submitted transaction to be mined and returns
// its receipt. Chain Adapters (internal/chainadapter) depend on this
// interface for their await_receipt capability (spec §4.1).
type TxListener interface {
	WaitForTransaction(txHash common.Hash) (*TxReceipt, error)
}

const (
	defaultPollInterval = 3 * time.Second
	defaultTimeout      = 5 * time.Minute
)

// Listener polls ethclient.TransactionReceipt on a fixed interval until
// the receipt appears or the timeout elapses.
type Listener struct {
	client       *ethclient.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a Listener.
type Option func(*Listener)

// WithPollInterval sets the polling cadence. Default 3s, matching the
// teacher's cmd/main.go wiring.
func WithPollInterval(d time.Duration) Option {
	return func(l *Listener) { l.pollInterval = d }
}

// WithTimeout bounds how long WaitForTransaction will poll before giving
// up. Default 5 minutes, matching the teacher's cmd/main.go wiring.
func WithTimeout(d time.Duration) Option {
	return func(l *Listener) { l.timeout = d }
}

// NewTxListener builds a Listener over an existing ethclient connection.
func NewTxListener(client *ethclient.Client, opts ...Option) *Listener {
	l := &Listener{
		client:       client,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ErrReceiptTimeout is returned when the timeout elapses without a
// receipt ever appearing — a condition the Chain Adapter's retry policy
// (spec §7) treats as retryable, distinct from an included-reverted
// receipt.
var ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")

// WaitForTransaction blocks, polling at pollInterval, until txHash is
// mined or timeout elapses.
func (l *Listener) WaitForTransaction(txHash common.Hash) (*TxReceipt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return toTxReceipt(txHash, receipt), nil
		}
		if !errors.Is(err, ethclient.NotFound) {
			return nil, fmt.Errorf("query receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}

func toTxReceipt(txHash common.Hash, r *gethtypes.Receipt) *TxReceipt {
	status := "0"
	if r.Status == gethtypes.ReceiptStatusSuccessful {
		status = "1"
	}
	effectiveGasPrice := "0"
	if r.EffectiveGasPrice != nil {
		effectiveGasPrice = r.EffectiveGasPrice.String()
	}
	return &TxReceipt{
		TxHash:            txHash,
		BlockNumber:       r.BlockNumber.String(),
		GasUsed:           fmt.Sprintf("%d", r.GasUsed),
		Status:            status,
		EffectiveGasPrice: effectiveGasPrice,
		Logs:              r.Logs,
	}
}
