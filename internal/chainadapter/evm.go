package chainadapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/liquidot/orchestrator/pkg/contractclient"
	"github.com/liquidot/orchestrator/pkg/txlistener"
)

// EVM is the ChainAdapter implementation shared by the hub and every
// EVM-compatible spoke chain. Capability differences (EIP-1559 support,
// required confirmations) are configured per instance rather than
// requiring a new type per chain, since every chain this Orchestrator
// targets speaks the same RPC dialect (spec §4.1: "uniform capability
// set over hub and spoke chains").
type EVM struct {
	chainID      uint64
	client       *ethclient.Client
	listener     txlistener.TxListener
	caps         Capabilities
	retry        RetryPolicy
	clientGetter func(common.Address) contractclient.ContractClient
}

// NewEVM builds an EVM chain adapter. clientGetter returns a
// ContractClient for an arbitrary contract address sharing the same
// underlying connection, letting CallView work against any address the
// caller names without a constructor per contract.
func NewEVM(chainID uint64, client *ethclient.Client, listener txlistener.TxListener, caps Capabilities, clientGetter func(common.Address) contractclient.ContractClient) *EVM {
	return &EVM{
		chainID:      chainID,
		client:       client,
		listener:     listener,
		caps:         caps,
		retry:        DefaultRetryPolicy,
		clientGetter: clientGetter,
	}
}

func (e *EVM) ChainID() uint64 { return e.chainID }

func (e *EVM) Capabilities() Capabilities { return e.caps }

func (e *EVM) backoffFor(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.InitialInterval
	b.MaxInterval = e.retry.MaxInterval
	b.MaxElapsedTime = e.retry.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// CallView performs a read-only call, retrying transient network errors
// with exponential backoff and jitter (spec §4.1).
func (e *EVM) CallView(ctx context.Context, call ViewCall) ([]interface{}, error) {
	cc := e.clientGetter(call.Contract)
	var result []interface{}
	operation := func() error {
		out, err := cc.Call(nil, call.Method, call.Args...)
		if err != nil {
			chainErr := e.DecodeError("call_view", err)
			if chainErr.Retryable() {
				return chainErr
			}
			return backoff.Permanent(chainErr)
		}
		result = out
		return nil
	}
	if err := backoff.Retry(operation, e.backoffFor(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitSigned broadcasts a pre-signed, RLP-encoded transaction.
func (e *EVM) SubmitSigned(ctx context.Context, req SubmitRequest) (common.Hash, error) {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(req.SignedTxBytes); err != nil {
		return common.Hash{}, e.DecodeError("submit_signed", fmt.Errorf("decode signed tx: %w", err))
	}
	if err := e.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, e.DecodeError("submit_signed", err)
	}
	return tx.Hash(), nil
}

// AwaitReceipt delegates to the configured TxListener.
func (e *EVM) AwaitReceipt(ctx context.Context, txHash common.Hash) (*txlistener.TxReceipt, error) {
	type result struct {
		receipt *txlistener.TxReceipt
		err     error
	}
	done := make(chan result, 1)
	go func() {
		r, err := e.listener.WaitForTransaction(txHash)
		done <- result{r, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, e.DecodeError("await_receipt", r.err)
		}
		return r.receipt, nil
	}
}

// LatestBlock returns the chain's current head height.
func (e *EVM) LatestBlock(ctx context.Context) (uint64, error) {
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, e.DecodeError("latest_block", err)
	}
	return head, nil
}

// TailEvents polls FilterLogs in bounded windows starting at fromBlock,
// per-source ordered (spec §4.6: "per-source ordering IS assumed").
// Redelivery across restarts is the caller's concern: this adapter
// always resumes exactly at fromBlock, so at-least-once delivery of the
// boundary block is expected and handled by the monitor's CAS-idempotent
// handlers.
func (e *EVM) TailEvents(ctx context.Context, fromBlock uint64, filter EventFilter) (<-chan Event, error) {
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		cursor := fromBlock
		ticker := newPollTicker(ctx)
		defer ticker.stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.c:
			}

			head, err := e.LatestBlock(ctx)
			if err != nil || head < cursor {
				continue
			}

			query := ethereum.FilterQuery{
				FromBlock: bigFromUint64(cursor),
				ToBlock:   bigFromUint64(head),
				Addresses: filter.Addresses,
				Topics:    filter.Topics,
			}
			logs, err := e.client.FilterLogs(ctx, query)
			if err != nil {
				continue // transient; next tick retries from the same cursor
			}
			for _, l := range logs {
				select {
				case out <- Event{
					BlockNumber: l.BlockNumber,
					TxHash:      l.TxHash,
					LogIndex:    l.Index,
					Address:     l.Address,
					Topics:      l.Topics,
					Data:        l.Data,
				}:
				case <-ctx.Done():
					return
				}
			}
			cursor = head + 1
		}
	}()
	return out, nil
}

// DecodeError classifies a raw RPC/contract error into the spec §7
// taxonomy.
func (e *EVM) DecodeError(operation string, err error) *ChainError {
	if err == nil {
		return nil
	}
	class := classify(err)
	return &ChainError{ChainID: e.chainID, Operation: operation, Class: class, Err: err}
}

func classify(err error) Classification {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "eof"), errors.Is(err, ethclient.NotFound):
		return ClassNetwork
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"), strings.Contains(msg, "replacement transaction underpriced"):
		return ClassNonceConflict
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return ClassSimulationRevert
	default:
		return ClassNetwork
	}
}

func bigFromUint64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// pollTicker fires immediately once, then on a fixed interval, stopping
// when ctx is cancelled.
type pollTicker struct {
	c      chan time.Time
	ticker *time.Ticker
	done   chan struct{}
}

func newPollTicker(ctx context.Context) *pollTicker {
	pt := &pollTicker{
		c:      make(chan time.Time, 1),
		ticker: time.NewTicker(5 * time.Second),
		done:   make(chan struct{}),
	}
	pt.c <- time.Now() // fire immediately so TailEvents doesn't wait a full interval to start
	go func() {
		for {
			select {
			case t := <-pt.ticker.C:
				select {
				case pt.c <- t:
				default:
				}
			case <-ctx.Done():
				return
			case <-pt.done:
				return
			}
		}
	}()
	return pt
}

func (pt *pollTicker) stop() {
	pt.ticker.Stop()
	close(pt.done)
}
