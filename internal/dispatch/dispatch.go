// Package dispatch implements the Dispatcher (spec §4.5): it consumes
// Decision Engine intents, CAS-inserts the position keyed by its
// fingerprint, submits the hub's "dispatch investment" transaction
// through the caller-supplied send function, and reconciles the immediate inclusion result (InvestmentInitiated
// vs. revert) against the store. Per-chain submission serialization is
// the per-chain writer task's job (internal/scheduler), not this
// package's: Dispatch itself performs no locking (spec §5).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/liquidot/orchestrator/internal/chainadapter"
	"github.com/liquidot/orchestrator/internal/domain"
	"github.com/liquidot/orchestrator/internal/fingerprint"
	"github.com/liquidot/orchestrator/internal/store"
	"github.com/liquidot/orchestrator/pkg/contractclient"
	"github.com/liquidot/orchestrator/pkg/txlistener"
)

// MessageEncoder builds the two opaque cross-chain payload fields
// dispatchInvestment requires (spec §6): the destination's encoded
// location and the pre-built cross-chain message. The Orchestrator
// treats both as data supplied by the messaging layer it is paired
// with; this package only threads them through.
type MessageEncoder interface {
	EncodeDestination(chainID uint64) ([]byte, error)
	BuildMessage(intent *domain.Intent, fp domain.Fingerprint) ([]byte, error)
}

const dispatchInvestmentMethod = "dispatchInvestment"

// Dispatcher submits hub-side dispatch transactions for Decision Engine
// intents and reconciles their immediate inclusion result.
type Dispatcher struct {
	store    *store.Store
	hub      contractclient.ContractClient
	adapter  chainadapter.ChainAdapter
	listener txlistener.TxListener
	encoder  MessageEncoder
	operator common.Address
}

// New builds a Dispatcher.
func New(st *store.Store, hub contractclient.ContractClient, adapter chainadapter.ChainAdapter, listener txlistener.TxListener, encoder MessageEncoder, operator common.Address) *Dispatcher {
	return &Dispatcher{
		store:    st,
		hub:      hub,
		adapter:  adapter,
		listener: listener,
		encoder:  encoder,
		operator: operator,
	}
}

// Dispatch runs the full four-step sequence of spec §4.5 for one intent.
// A duplicate intent (same fingerprint already inserted) is a no-op
// success, not an error: the caller may safely retry after a crash.
func (d *Dispatcher) Dispatch(ctx context.Context, intent *domain.Intent, send func(ctx context.Context, data []byte) (common.Hash, error)) error {
	fp := fingerprint.ForIntent(intent)

	position := &domain.Position{
		Fingerprint:   fp,
		UserAddress:   intent.UserAddress,
		ChainID:       intent.ChainID,
		PoolID:        intent.PoolID,
		BaseAsset:     intent.BaseAsset,
		Amount:        intent.Amount,
		LowerBoundBps: intent.LowerBoundBps,
		UpperBoundBps: intent.UpperBoundBps,
		Nonce:         intent.Nonce,
		Status:        domain.PendingDispatch,
		CreatedAt:     time.Now(),
	}
	if err := d.store.InsertPendingDispatch(position); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("insert pending dispatch %s: %w", fp.Hex(), err)
	}

	destination, err := d.encoder.EncodeDestination(intent.ChainID)
	if err != nil {
		return d.cancel(fp, fmt.Errorf("encode destination: %w", err))
	}
	message, err := d.encoder.BuildMessage(intent, fp)
	if err != nil {
		return d.cancel(fp, fmt.Errorf("build cross-chain message: %w", err))
	}

	calldata, err := d.hub.Abi().Pack(dispatchInvestmentMethod,
		intent.UserAddress, new(big.Int).SetUint64(intent.ChainID), intent.PoolID.Address, intent.BaseAsset,
		intent.Amount, intent.LowerBoundBps, intent.UpperBoundBps, destination, message,
	)
	if err != nil {
		return d.cancel(fp, fmt.Errorf("encode dispatchInvestment calldata: %w", err))
	}

	txHash, err := send(ctx, calldata)
	if err != nil {
		chainErr := d.adapter.DecodeError("dispatch_investment", err)
		if chainErr.Retryable() {
			return fmt.Errorf("submit dispatch investment (retryable): %w", chainErr)
		}
		return d.cancel(fp, chainErr)
	}

	if err := d.store.AppendOperationLog(&domain.OperationLogEntry{
		Fingerprint:    fp,
		Phase:          domain.PhaseDispatchInvestment,
		Attempt:        1,
		IdempotencyKey: fp.Hex(),
		ReceiptStatus:  "pending",
		TxHash:         txHash,
		CreatedAt:      time.Now(),
	}); err != nil {
		return fmt.Errorf("append operation log %s: %w", fp.Hex(), err)
	}

	receipt, err := d.listener.WaitForTransaction(txHash)
	if err != nil {
		return fmt.Errorf("await dispatch investment receipt %s: %w", txHash.Hex(), err)
	}
	if !receipt.Succeeded() {
		return d.cancel(fp, fmt.Errorf("dispatch investment reverted: tx %s", txHash.Hex()))
	}

	if !d.sawInvestmentInitiated(receipt) {
		return d.cancel(fp, fmt.Errorf("dispatch investment included without InvestmentInitiated: tx %s", txHash.Hex()))
	}

	return d.store.Transition(fp, domain.PendingDispatch, domain.PendingExecution, nil)
}

// sawInvestmentInitiated reports whether the dispatch receipt's logs
// include the hub's InvestmentInitiated event (spec §4.5 step 3).
func (d *Dispatcher) sawInvestmentInitiated(receipt *txlistener.TxReceipt) bool {
	events, err := d.hub.ParseLogs(receipt.Logs)
	if err != nil {
		return false
	}
	for _, e := range events {
		if e["Name"] == "InvestmentInitiated" {
			return true
		}
	}
	return false
}

// cancel transitions a pending dispatch to Cancelled and records why,
// per spec §4.5 step 4: "operator-visible", never silently dropped.
func (d *Dispatcher) cancel(fp domain.Fingerprint, cause error) error {
	transitionErr := d.store.Transition(fp, domain.PendingDispatch, domain.Cancelled, func(r *store.PositionRecord) {
		r.FailureReason = cause.Error()
	})
	if transitionErr != nil {
		return fmt.Errorf("cancel %s after %v: %w", fp.Hex(), cause, transitionErr)
	}
	return fmt.Errorf("dispatch %s cancelled: %w", fp.Hex(), cause)
}
