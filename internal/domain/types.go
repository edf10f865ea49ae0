package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BasisPointScale is the documented scale factor for fixed-point
// percentages stored in the Position Store (spec §6: "percentages
// stored as signed fixed-point with a documented scale factor").
// A value of 250 means 2.50%.
const BasisPointScale = 10000

// PoolID identifies a pool by (chain id, pool address), per spec §3.
type PoolID struct {
	ChainID uint64
	Address common.Address
}

// Pool is a normalized snapshot of an external DEX pool, owned by Pool
// Ingestion and read-shared with the rest of the Orchestrator.
type Pool struct {
	ID PoolID

	Token0         common.Address
	Token1         common.Address
	Decimals0      uint8
	Decimals1      uint8
	TickSpacing    int32
	FeeTier        uint32
	TVLUSD         float64
	Volume24hUSD   float64
	YieldEstimateB float64 // annualized yield estimate, fraction (0.05 = 5%)
	SqrtPriceX96   *big.Int
	Tick           int32

	FirstSeenAt    time.Time
	LastRefreshAt  time.Time
	MissedCycles   int
	SoftDeleted    bool
}

// Fresh reports whether the snapshot is newer than the configured
// freshness bound (spec §4.2: "a snapshot older than a configured
// freshness bound renders the pool ineligible for new investments").
func (p *Pool) Fresh(now time.Time, bound time.Duration) bool {
	return now.Sub(p.LastRefreshAt) <= bound
}

// Preferences holds a user's investment policy (spec §3).
type Preferences struct {
	UserAddress            common.Address
	MinAnnualYield         float64          // fraction, e.g. 0.05
	MaxAllocationFraction  float64          // 0 < f <= 1
	PreferredBaseAssets    []common.Address // ordered, most preferred first
	RiskLevel              int              // 1..5
	StopLossPercent        float64          // <= 0
	TakeProfitPercent      float64          // > 0
	LiquidationSlippageBps int              // 0..10000
}

// ErrInvalidPreferences is returned by Validate when an invariant is broken.
var ErrInvalidPreferences = errors.New("invalid preferences")

// Validate checks the Preferences invariants from spec §3.
func (p *Preferences) Validate() error {
	if p.MaxAllocationFraction <= 0 || p.MaxAllocationFraction > 1 {
		return fmt.Errorf("%w: max allocation fraction %.4f out of (0,1]", ErrInvalidPreferences, p.MaxAllocationFraction)
	}
	if p.RiskLevel < 1 || p.RiskLevel > 5 {
		return fmt.Errorf("%w: risk level %d out of [1,5]", ErrInvalidPreferences, p.RiskLevel)
	}
	if p.StopLossPercent > 0 {
		return fmt.Errorf("%w: stop-loss %.4f must be <= 0", ErrInvalidPreferences, p.StopLossPercent)
	}
	if p.TakeProfitPercent <= 0 {
		return fmt.Errorf("%w: take-profit %.4f must be > 0", ErrInvalidPreferences, p.TakeProfitPercent)
	}
	if p.LiquidationSlippageBps < 0 || p.LiquidationSlippageBps > BasisPointScale {
		return fmt.Errorf("%w: slippage %d bps out of [0,10000]", ErrInvalidPreferences, p.LiquidationSlippageBps)
	}
	if len(p.PreferredBaseAssets) == 0 {
		return fmt.Errorf("%w: no preferred base assets", ErrInvalidPreferences)
	}
	return nil
}

// User is identified by its hub-chain address.
type User struct {
	Address     common.Address
	Preferences Preferences
}

// Fingerprint is the content-derived, cross-chain identifier for a
// position (spec §3, §9). It is generated once at intent time and
// threaded through every message and transaction.
type Fingerprint [32]byte

func (f Fingerprint) Hex() string {
	return common.Hash(f).Hex()
}

func (f Fingerprint) String() string { return f.Hex() }

// Position is the hub-generated accounting record for one investment.
type Position struct {
	Fingerprint Fingerprint

	UserAddress common.Address
	ChainID     uint64 // spoke chain id
	PoolID      PoolID
	BaseAsset   common.Address
	Amount      *big.Int // smallest-unit integer, as invested

	LowerBoundBps int32 // signed, lower < upper
	UpperBoundBps int32

	Nonce uint64 // threaded into the fingerprint hash

	EntryTick int32

	NFTPositionID *big.Int // set after execution
	Liquidity     *big.Int
	FeesToken0    *big.Int
	FeesToken1    *big.Int

	Status PositionStatus

	CreatedAt            time.Time
	DispatchedAt         *time.Time
	ExecutedAt           *time.Time
	ActiveAt             *time.Time
	LiquidationPendingAt *time.Time
	LiquidatedAt         *time.Time
	SettledAt            *time.Time
	CancelledAt          *time.Time
	FailedAt             *time.Time

	RemoteSettlementID string   // set after phase 1 liquidation commit
	SettlementAmount   *big.Int // set after phase 2

	FailureReason string // populated when Status == Cancelled or Failed
}

// ErrInvalidIntent is returned at intent-construction boundary checks
// (spec §8, property 9): zero amount, zero-range, lower >= upper, and
// unknown base asset are all rejected before any store or chain effect.
var ErrInvalidIntent = errors.New("invalid investment intent")

// Intent is the Decision Engine's output: an investment proposal that
// has not yet touched the store or the chain.
type Intent struct {
	UserAddress   common.Address
	ChainID       uint64
	PoolID        PoolID
	BaseAsset     common.Address
	Amount        *big.Int
	LowerBoundBps int32
	UpperBoundBps int32
	Nonce         uint64
}

// Validate rejects boundary-invalid intents without any store/chain effect.
func (i *Intent) Validate(knownBaseAssets map[common.Address]bool) error {
	if i.Amount == nil || i.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	if i.LowerBoundBps >= i.UpperBoundBps {
		return fmt.Errorf("%w: lower bound %d must be < upper bound %d", ErrInvalidIntent, i.LowerBoundBps, i.UpperBoundBps)
	}
	if knownBaseAssets != nil && !knownBaseAssets[i.BaseAsset] {
		return fmt.Errorf("%w: unknown base asset %s", ErrInvalidIntent, i.BaseAsset.Hex())
	}
	return nil
}

// PendingSettlement exists only while a position is LiquidationPending
// (spec §3). It is removed atomically with the Settled transition.
type PendingSettlement struct {
	Fingerprint   Fingerprint
	ExpectedToken common.Address
	MinAmount     *big.Int
	Deadline      time.Time
	Sequence      uint64 // monotone, assigned by the store
}

// OperationPhase names the outbound-transaction phases tracked in the
// Operation Log (spec §3).
type OperationPhase string

const (
	PhaseDispatchInvestment OperationPhase = "dispatch_investment"
	PhaseConfirmExecution   OperationPhase = "confirm_execution"
	PhaseLiquidate          OperationPhase = "liquidate"
	PhaseSwapAndReturn      OperationPhase = "swap_and_return"
	PhaseSettle             OperationPhase = "settle"
)

// OperationLogEntry is one append-only record of an outbound transaction,
// keyed by (fingerprint, phase, attempt). It lets the writer task recover
// after a restart without re-submitting (spec §3, §5).
type OperationLogEntry struct {
	Fingerprint    Fingerprint
	Phase          OperationPhase
	Attempt        int
	PayloadDigest  [32]byte
	IdempotencyKey string
	ReceiptStatus  string // "", "pending", "included_success", "included_reverted"
	TxHash         common.Hash
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
