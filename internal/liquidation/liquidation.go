// Package liquidation implements the Liquidation Controller (spec §4.7):
// a two-phase, quote-gated unwind sequence triggered by range exit,
// stop-loss/take-profit, or an operator's manual request. Every phase
// either advances cleanly or escalates the position to an operator-
// attention state; nothing is ever silently dropped or partially
// credited (spec §7).
package liquidation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/liquidot/orchestrator/internal/chainadapter"
	"github.com/liquidot/orchestrator/internal/domain"
	"github.com/liquidot/orchestrator/internal/store"
	"github.com/liquidot/orchestrator/internal/util"
	"github.com/liquidot/orchestrator/pkg/contractclient"
	"github.com/liquidot/orchestrator/pkg/txlistener"
)

const (
	methodQuoteExactInputSingle = "quoteExactInputSingle"
	methodExecuteFullLiquidation = "executeFullLiquidation"
	methodSwapAndReturn          = "swapAndReturn"
	methodSettleLiquidation      = "settleLiquidation"

	eventAssetsReturned = "AssetsReturned"
)

// Sender submits already-ABI-encoded calldata through whichever
// per-chain writer task owns the target chain's nonce (spec §5); the
// Controller itself never serializes submissions.
type Sender func(ctx context.Context, calldata []byte) (common.Hash, error)

// Config bounds the Controller's retry and safety behavior.
type Config struct {
	SlippageBps       int
	AbsoluteMinAmount *big.Int
	MaxRetries        int
	QuoteDeadline     time.Duration
}

// Controller runs the two-phase liquidation sequence for one position at
// a time. Callers (the scheduler) invoke Advance repeatedly; each call
// picks the next phase from the position's current status, making retry
// after a crash or a transient failure safe.
type Controller struct {
	store        *store.Store
	spoke        contractclient.ContractClient
	spokeAdapter chainadapter.ChainAdapter
	spokeSend    Sender
	spokeListen  txlistener.TxListener

	hub        contractclient.ContractClient
	hubAdapter chainadapter.ChainAdapter
	hubSend    Sender
	hubListen  txlistener.TxListener

	cfg Config
}

// New builds a Controller.
func New(st *store.Store, spoke contractclient.ContractClient, spokeAdapter chainadapter.ChainAdapter, spokeSend Sender, spokeListen txlistener.TxListener,
	hub contractclient.ContractClient, hubAdapter chainadapter.ChainAdapter, hubSend Sender, hubListen txlistener.TxListener, cfg Config) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Controller{
		store: st,
		spoke: spoke, spokeAdapter: spokeAdapter, spokeSend: spokeSend, spokeListen: spokeListen,
		hub: hub, hubAdapter: hubAdapter, hubSend: hubSend, hubListen: hubListen,
		cfg: cfg,
	}
}

// Advance dispatches to the phase appropriate for the position's current
// status: Active -> QuoteAndCommit, LiquidationPending -> BurnAndCollect,
// Liquidated -> SwapAndReturnAndSettle. Any other status is a no-op.
func (c *Controller) Advance(ctx context.Context, fp domain.Fingerprint) error {
	position, err := c.store.GetPosition(fp)
	if err != nil {
		return fmt.Errorf("load position %s: %w", fp.Hex(), err)
	}
	switch position.Status {
	case domain.Active:
		return c.QuoteAndCommit(ctx, position)
	case domain.LiquidationPending:
		return c.BurnAndCollect(ctx, position)
	case domain.Liquidated:
		return c.SwapAndReturnAndSettle(ctx, position)
	default:
		return nil
	}
}

// QuoteAndCommit is Phase 0 (spec §4.7): fetch a spoke-DEX quote for
// converting the estimated exit amounts to the base asset, compute a
// slippage-bounded minimum, and CAS Active -> LiquidationPending with
// the minimums recorded. A failed or below-absolute-minimum quote
// escalates to operator attention instead of proceeding.
func (c *Controller) QuoteAndCommit(ctx context.Context, position *domain.Position) error {
	quoteCtx, cancel := context.WithTimeout(ctx, c.cfg.QuoteDeadline)
	defer cancel()

	result, err := c.spokeAdapter.CallView(quoteCtx, chainadapter.ViewCall{
		Contract: c.spoke.Address(),
		Method:   methodQuoteExactInputSingle,
		Args:     []interface{}{position.BaseAsset, position.Liquidity},
	})
	if err != nil || len(result) == 0 {
		return c.escalate(position.Fingerprint, domain.Active, fmt.Errorf("quote failed: %w", err))
	}
	expected, ok := result[0].(*big.Int)
	if !ok {
		return c.escalate(position.Fingerprint, domain.Active, fmt.Errorf("quote returned unexpected type %T", result[0]))
	}

	minOut := util.CalculateMinAmount(expected, float64(c.cfg.SlippageBps)/100.0)
	if c.cfg.AbsoluteMinAmount != nil && minOut.Cmp(c.cfg.AbsoluteMinAmount) < 0 {
		return c.escalate(position.Fingerprint, domain.Active, fmt.Errorf("quoted minimum %s below absolute floor %s", minOut, c.cfg.AbsoluteMinAmount))
	}

	if err := c.store.UpsertPendingSettlement(&domain.PendingSettlement{
		Fingerprint:   position.Fingerprint,
		ExpectedToken: position.BaseAsset,
		MinAmount:     minOut,
		Deadline:      time.Now().Add(c.cfg.QuoteDeadline),
	}); err != nil {
		return fmt.Errorf("write pending settlement %s: %w", position.Fingerprint.Hex(), err)
	}

	return c.store.Transition(position.Fingerprint, domain.Active, domain.LiquidationPending, nil)
}

// BurnAndCollect is Phase 1 (spec §4.7): submit the spoke's
// executeFullLiquidation transaction with the stored minimums and
// deadline. On inclusion success, the Monitor applies the off-chain CAS
// once it observes PositionLiquidated; this method does not CAS itself.
// On revert, the attempt is logged and, while under the retry bound, the
// position stays LiquidationPending so the next Advance call resubmits
// with the same stored minimums and deadline; no fresh quote is taken.
// Once the bound is reached it escalates to operator attention.
func (c *Controller) BurnAndCollect(ctx context.Context, position *domain.Position) error {
	fp := position.Fingerprint
	attempt, err := c.store.CountAttempts(fp, domain.PhaseLiquidate)
	if err != nil {
		return err
	}
	attempt++

	ps, err := c.store.GetPendingSettlement(fp)
	if err != nil {
		return fmt.Errorf("load pending settlement %s: %w", fp.Hex(), err)
	}

	calldata, err := c.spoke.Abi().Pack(methodExecuteFullLiquidation, position.NFTPositionID, ps.MinAmount, ps.Deadline.Unix())
	if err != nil {
		return fmt.Errorf("encode executeFullLiquidation: %w", err)
	}

	txHash, err := c.spokeSend(ctx, calldata)
	if err != nil {
		return c.retryOrEscalate(fp, domain.PhaseLiquidate, attempt, c.spokeAdapter.DecodeError("burn_and_collect", err))
	}
	if logErr := c.store.AppendOperationLog(&domain.OperationLogEntry{
		Fingerprint: fp, Phase: domain.PhaseLiquidate, Attempt: attempt,
		IdempotencyKey: fmt.Sprintf("%s:%d", fp.Hex(), attempt), TxHash: txHash, ReceiptStatus: "pending", CreatedAt: time.Now(),
	}); logErr != nil {
		return fmt.Errorf("append operation log %s: %w", fp.Hex(), logErr)
	}

	receipt, err := c.spokeListen.WaitForTransaction(txHash)
	if err != nil {
		return fmt.Errorf("await burn-and-collect receipt %s: %w", txHash.Hex(), err)
	}
	if !receipt.Succeeded() {
		return c.retryOrEscalate(fp, domain.PhaseLiquidate, attempt, fmt.Errorf("executeFullLiquidation reverted: tx %s", txHash.Hex()))
	}
	return nil
}

// SwapAndReturnAndSettle is Phase 2 (spec §4.7): submit the spoke's
// swapAndReturn transaction, then submit the hub's settleLiquidation
// transaction carrying the fingerprint and observed amount, idempotent
// by fingerprint. Settling twice — via crash-restart or event
// re-delivery — is a no-op thanks to the store's monotone Settled sink.
func (c *Controller) SwapAndReturnAndSettle(ctx context.Context, position *domain.Position) error {
	fp := position.Fingerprint
	ps, err := c.store.GetPendingSettlement(fp)
	if err != nil {
		return fmt.Errorf("load pending settlement %s: %w", fp.Hex(), err)
	}

	swapCalldata, err := c.spoke.Abi().Pack(methodSwapAndReturn, position.NFTPositionID, position.BaseAsset, position.UserAddress, ps.MinAmount, ps.MinAmount, big.NewInt(0))
	if err != nil {
		return fmt.Errorf("encode swapAndReturn: %w", err)
	}
	swapTxHash, err := c.spokeSend(ctx, swapCalldata)
	if err != nil {
		chainErr := c.spokeAdapter.DecodeError("swap_and_return", err)
		if chainErr.Retryable() {
			return fmt.Errorf("submit swap-and-return (retryable): %w", chainErr)
		}
		return c.escalate(fp, domain.Liquidated, chainErr)
	}
	swapReceipt, err := c.spokeListen.WaitForTransaction(swapTxHash)
	if err != nil {
		return fmt.Errorf("await swap-and-return receipt %s: %w", swapTxHash.Hex(), err)
	}
	if !swapReceipt.Succeeded() {
		return c.escalate(fp, domain.Liquidated, fmt.Errorf("swapAndReturn reverted: tx %s", swapTxHash.Hex()))
	}

	observedAmount, err := c.observedReturnAmount(fp, swapReceipt.Logs)
	if err != nil {
		return c.escalate(fp, domain.Liquidated, err)
	}

	settleCalldata, err := c.hub.Abi().Pack(methodSettleLiquidation, [32]byte(fp), observedAmount)
	if err != nil {
		return fmt.Errorf("encode settleLiquidation: %w", err)
	}
	settleTxHash, err := c.hubSend(ctx, settleCalldata)
	if err != nil {
		chainErr := c.hubAdapter.DecodeError("settle_liquidation", err)
		if chainErr.Retryable() {
			return fmt.Errorf("submit settle (retryable): %w", chainErr)
		}
		return c.escalate(fp, domain.Liquidated, chainErr)
	}
	settleReceipt, err := c.hubListen.WaitForTransaction(settleTxHash)
	if err != nil {
		return fmt.Errorf("await settle receipt %s: %w", settleTxHash.Hex(), err)
	}
	if !settleReceipt.Succeeded() {
		return c.escalate(fp, domain.Liquidated, fmt.Errorf("settleLiquidation reverted: tx %s", settleTxHash.Hex()))
	}

	return c.store.SettleOnce(fp, observedAmount.String())
}

// observedReturnAmount reads the amount the spoke actually returned out of
// the swapAndReturn receipt's AssetsReturned log, rather than trusting the
// Pending Settlement Record's minOut floor: whether handleAssetsReturned
// has already refreshed that record by the time this runs is runtime-
// dependent (Design Note (a)), so it cannot be relied on to carry the
// observed amount (spec §4.7, §8 invariant 1).
func (c *Controller) observedReturnAmount(fp domain.Fingerprint, logs []*gethtypes.Log) (*big.Int, error) {
	events, err := c.spoke.ParseLogs(logs)
	if err != nil {
		return nil, fmt.Errorf("parse swap-and-return receipt logs %s: %w", fp.Hex(), err)
	}
	for _, ev := range events {
		if ev["Name"] != eventAssetsReturned {
			continue
		}
		params, _ := ev["Parameter"].(map[string]interface{})
		if amount, ok := params["amount"].(*big.Int); ok {
			return amount, nil
		}
	}
	return nil, fmt.Errorf("swapAndReturn receipt for %s carried no AssetsReturned event", fp.Hex())
}

// retryOrEscalate logs the failure and either allows the next Advance
// call to retry the same phase (returning the error so the caller knows
// it wasn't committed) or escalates to operator attention once the
// attempt count reaches the configured retry bound.
func (c *Controller) retryOrEscalate(fp domain.Fingerprint, phase domain.OperationPhase, attempt int, cause error) error {
	if attempt < c.cfg.MaxRetries {
		return fmt.Errorf("%s attempt %d/%d failed, will retry: %w", phase, attempt, c.cfg.MaxRetries, cause)
	}
	return c.escalate(fp, domain.LiquidationPending, fmt.Errorf("%s exhausted %d attempts: %w", phase, attempt, cause))
}

// escalate moves a position into the Failed / operator-attention state;
// no further automated submission follows for it (spec §7).
func (c *Controller) escalate(fp domain.Fingerprint, from domain.PositionStatus, cause error) error {
	if err := c.store.Transition(fp, from, domain.Failed, func(r *store.PositionRecord) {
		r.FailureReason = cause.Error()
	}); err != nil {
		return fmt.Errorf("escalate %s after %v: %w", fp.Hex(), cause, err)
	}
	return fmt.Errorf("position %s escalated to operator attention: %w", fp.Hex(), cause)
}
