// Package monitor implements the Monitor (spec §4.6): a long-running
// event tailer per contract of interest, resumable from a persisted
// cursor, translating each observed event into a CAS-idempotent store
// mutation. Re-delivery across restarts is tolerated because every
// handler is a compare-and-swap against the position's current status.
package monitor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/liquidot/orchestrator/internal/chainadapter"
	"github.com/liquidot/orchestrator/internal/domain"
	"github.com/liquidot/orchestrator/internal/store"
	"github.com/liquidot/orchestrator/pkg/contractclient"
)

const (
	eventInvestmentInitiated = "InvestmentInitiated"
	eventPositionExecuted    = "PositionExecuted"
	eventPositionLiquidated  = "PositionLiquidated"
	eventAssetsReturned      = "AssetsReturned"
	eventSettled             = "Settled"
)

// Monitor tails one contract's events and applies their effect to the
// Position Store (spec §4.6's event-effect table).
type Monitor struct {
	source   string // cursor key, e.g. "hub" or "spoke:137"
	store    *store.Store
	adapter  chainadapter.ChainAdapter
	contract contractclient.ContractClient
}

// New builds a Monitor for one contract. source is the cursor key this
// Monitor's progress is persisted under.
func New(source string, st *store.Store, adapter chainadapter.ChainAdapter, contract contractclient.ContractClient) *Monitor {
	return &Monitor{source: source, store: st, adapter: adapter, contract: contract}
}

// Run tails events from the last persisted cursor until ctx is
// cancelled. The cursor advances only after the handler's store
// transaction commits (spec §5: "the cursor advances only after the
// handler's store transaction commits").
func (m *Monitor) Run(ctx context.Context) error {
	cursor, err := m.store.GetCursor(m.source)
	if err != nil {
		return fmt.Errorf("load cursor %s: %w", m.source, err)
	}

	events, err := m.adapter.TailEvents(ctx, cursor, chainadapter.EventFilter{
		Addresses: []common.Address{m.contract.Address()},
	})
	if err != nil {
		return fmt.Errorf("tail events for %s: %w", m.source, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if err := m.handle(ev); err != nil {
				return fmt.Errorf("handle event at block %d on %s: %w", ev.BlockNumber, m.source, err)
			}
			if err := m.store.AdvanceCursor(m.source, ev.BlockNumber+1); err != nil {
				return fmt.Errorf("advance cursor %s: %w", m.source, err)
			}
		}
	}
}

func (m *Monitor) handle(ev chainadapter.Event) error {
	decoded, err := m.contract.ParseLogs([]*gethtypes.Log{ev.Log()})
	if err != nil {
		return nil // a known event failed to decode (unknown logs are skipped by ParseLogs); ignore
	}
	for _, entry := range decoded {
		name, _ := entry["Name"].(string)
		params, _ := entry["Parameter"].(map[string]interface{})
		if err := m.dispatchEvent(name, params); err != nil {
			return fmt.Errorf("handle %s: %w", name, err)
		}
	}
	return nil
}

func (m *Monitor) dispatchEvent(name string, params map[string]interface{}) error {
	switch name {
	case eventInvestmentInitiated:
		return nil // Dispatcher already observed this on submission; no-op here
	case eventPositionExecuted:
		return m.handlePositionExecuted(params)
	case eventPositionLiquidated:
		return m.handlePositionLiquidated(params)
	case eventAssetsReturned:
		return m.handleAssetsReturned(params)
	case eventSettled:
		return m.handleSettled(params)
	default:
		return nil
	}
}

// handlePositionExecuted applies CAS PendingExecution -> Active and
// records nftId, liquidity, and entry tick (spec §4.6).
func (m *Monitor) handlePositionExecuted(params map[string]interface{}) error {
	fp, err := fingerprintOf(params)
	if err != nil {
		return err
	}
	nftID := bigIntOf(params, "nftId")
	liquidity := bigIntOf(params, "liquidity")
	tick := int32Of(params, "entryTick")

	return m.store.Transition(fp, domain.PendingExecution, domain.Active, func(r *store.PositionRecord) {
		r.NFTPositionID = bigIntToStoreString(nftID)
		r.Liquidity = bigIntToStoreString(liquidity)
		r.EntryTick = tick
	})
}

// handlePositionLiquidated applies CAS LiquidationPending -> Liquidated
// and stores the collected amounts as fee totals (spec §4.6).
func (m *Monitor) handlePositionLiquidated(params map[string]interface{}) error {
	fp, err := fingerprintOf(params)
	if err != nil {
		return err
	}
	amount0 := bigIntOf(params, "amount0")
	amount1 := bigIntOf(params, "amount1")

	return m.store.Transition(fp, domain.LiquidationPending, domain.Liquidated, func(r *store.PositionRecord) {
		r.FeesToken0 = bigIntToStoreString(amount0)
		r.FeesToken1 = bigIntToStoreString(amount1)
	})
}

// handleAssetsReturned creates or refreshes the Pending Settlement
// Record keyed by fingerprint (spec §4.6), ahead of the hub's own
// Settled event.
func (m *Monitor) handleAssetsReturned(params map[string]interface{}) error {
	fp, err := fingerprintOf(params)
	if err != nil {
		return err
	}
	token := addressOf(params, "token")
	amount := bigIntOf(params, "amount")

	return m.store.UpsertPendingSettlement(&domain.PendingSettlement{
		Fingerprint:   fp,
		ExpectedToken: token,
		MinAmount:     amount,
	})
}

// handleSettled applies the monotone CAS Liquidated -> Settled (spec
// §4.6, §8 invariant 1): a repeat delivery is a no-op, never a double
// credit.
func (m *Monitor) handleSettled(params map[string]interface{}) error {
	fp, err := fingerprintOf(params)
	if err != nil {
		return err
	}
	amount := bigIntOf(params, "amount")
	return m.store.SettleOnce(fp, bigIntToStoreString(amount))
}

func fingerprintOf(params map[string]interface{}) (domain.Fingerprint, error) {
	var fp domain.Fingerprint
	switch v := params["fingerprint"].(type) {
	case common.Hash:
		fp = domain.Fingerprint(v)
	case [32]byte:
		fp = domain.Fingerprint(v)
	default:
		return fp, fmt.Errorf("event missing a decodable fingerprint field")
	}
	return fp, nil
}

func bigIntOf(params map[string]interface{}, key string) *big.Int {
	if v, ok := params[key].(*big.Int); ok {
		return v
	}
	return big.NewInt(0)
}

func int32Of(params map[string]interface{}, key string) int32 {
	switch v := params[key].(type) {
	case int32:
		return v
	case *big.Int:
		return int32(v.Int64())
	default:
		return 0
	}
}

func addressOf(params map[string]interface{}, key string) common.Address {
	if v, ok := params[key].(common.Address); ok {
		return v
	}
	return common.Address{}
}

func bigIntToStoreString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
