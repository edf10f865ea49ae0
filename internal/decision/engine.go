// Package decision implements the Decision Engine (spec §4.4): it ranks
// the fresh pool universe against one user's policy and emits at most K
// investment intents. It never touches the store or the chain directly;
// Validate-checked intents are handed to the Dispatcher.
package decision

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/liquidot/orchestrator/internal/domain"
)

// Config holds the Decision Engine's tunables, following the
// documented-defaults idiom of the teacher's StrategyConfig
// (specs/001-liquidity-repositioning/contracts/strategy_api.go).
type Config struct {
	// MaxIntentsPerRun caps how many intents one Decide call emits (the
	// spec's "at most K investment intents").
	MaxIntentsPerRun int

	// FreshnessBound is the maximum pool-snapshot age eligible for new
	// investment (spec §4.2).
	FreshnessBound time.Duration

	// DefaultRangeWidthBps is the symmetric range half-width, in basis
	// points either side of the current tick's implied price, used when
	// the caller's preferences don't otherwise constrain it.
	DefaultRangeWidthBps int32
}

// DefaultConfig mirrors the teacher's DefaultStrategyConfig: sane
// defaults the caller may override.
func DefaultConfig() Config {
	return Config{
		MaxIntentsPerRun:      3,
		FreshnessBound:        10 * time.Minute,
		DefaultRangeWidthBps:  500,
	}
}

// Engine ranks pools and emits investment intents for one user at a time.
type Engine struct {
	cfg Config
}

// New builds an Engine.
func New(cfg Config) *Engine {
	if cfg.MaxIntentsPerRun <= 0 {
		cfg.MaxIntentsPerRun = 3
	}
	return &Engine{cfg: cfg}
}

// candidate is a pool scored against one user's policy.
type candidate struct {
	pool       *domain.Pool
	baseAsset  common.Address
	score      float64
	volatility float64
}

// Decide evaluates every fresh, eligible pool against user's policy and
// emits at most MaxIntentsPerRun intents, respecting the per-pool
// allocation cap, the total-allocation-≤-available-balance bound, and
// the at-most-one-active-position-per-(user,pool) rule (spec §4.4).
// nextNonce supplies a fresh nonce per emitted intent (cmd/orchestrator
// passes an in-process counter).
func (e *Engine) Decide(
	now time.Time,
	user *domain.User,
	pools []*domain.Pool,
	positions []*domain.Position,
	availableBalance *big.Int,
	nextNonce func() uint64,
) ([]*domain.Intent, error) {
	if err := user.Preferences.Validate(); err != nil {
		return nil, err
	}
	if availableBalance == nil || availableBalance.Sign() <= 0 {
		return nil, nil
	}

	occupied := occupiedPools(user.Address, positions)
	preferred := make(map[common.Address]bool, len(user.Preferences.PreferredBaseAssets))
	for _, a := range user.Preferences.PreferredBaseAssets {
		preferred[a] = true
	}

	candidates := make([]candidate, 0, len(pools))
	for _, pool := range pools {
		if pool.SoftDeleted || !pool.Fresh(now, e.cfg.FreshnessBound) {
			continue
		}
		if occupied[pool.ID] {
			continue
		}
		base, ok := eligibleBaseAsset(pool, preferred)
		if !ok {
			continue
		}
		if pool.YieldEstimateB < user.Preferences.MinAnnualYield {
			continue
		}
		candidates = append(candidates, candidate{
			pool:       pool,
			baseAsset:  base,
			score:      riskAdjustedScore(pool, user.Preferences.RiskLevel),
			volatility: volatilityProxy(pool),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.pool.TVLUSD != b.pool.TVLUSD {
			return a.pool.TVLUSD > b.pool.TVLUSD
		}
		return a.volatility < b.volatility
	})

	if len(candidates) > e.cfg.MaxIntentsPerRun {
		candidates = candidates[:e.cfg.MaxIntentsPerRun]
	}

	capAmount := fractionOf(availableBalance, user.Preferences.MaxAllocationFraction)
	remaining := new(big.Int).Set(availableBalance)

	intents := make([]*domain.Intent, 0, len(candidates))
	for _, c := range candidates {
		if remaining.Sign() <= 0 {
			break
		}
		amount := capAmount
		if amount.Cmp(remaining) > 0 {
			amount = new(big.Int).Set(remaining)
		}
		if amount.Sign() <= 0 {
			continue
		}

		lower, upper := -e.cfg.DefaultRangeWidthBps, e.cfg.DefaultRangeWidthBps
		intent := &domain.Intent{
			UserAddress:   user.Address,
			ChainID:       c.pool.ID.ChainID,
			PoolID:        c.pool.ID,
			BaseAsset:     c.baseAsset,
			Amount:        amount,
			LowerBoundBps: lower,
			UpperBoundBps: upper,
			Nonce:         nextNonce(),
		}
		if err := intent.Validate(preferred); err != nil {
			continue // boundary-invalid candidate; skip rather than emit garbage
		}
		intents = append(intents, intent)
		remaining.Sub(remaining, amount)
	}

	return intents, nil
}

// occupiedPools returns the set of pools where user already holds a
// non-terminal position, enforcing "at most one Active position per
// (user, pool)" (spec §4.4). Cancelled/Failed/Settled positions free the
// pool back up.
func occupiedPools(user common.Address, positions []*domain.Position) map[domain.PoolID]bool {
	occupied := make(map[domain.PoolID]bool)
	for _, p := range positions {
		if p.UserAddress != user {
			continue
		}
		if domain.IsTerminal(p.Status) {
			continue
		}
		occupied[p.PoolID] = true
	}
	return occupied
}

// eligibleBaseAsset reports whether pool holds one of the user's
// preferred base assets as a reserve token, returning that asset.
func eligibleBaseAsset(pool *domain.Pool, preferred map[common.Address]bool) (common.Address, bool) {
	if preferred[pool.Token0] {
		return pool.Token0, true
	}
	if preferred[pool.Token1] {
		return pool.Token1, true
	}
	return common.Address{}, false
}

// riskAdjustedScore ranks pools by expected yield discounted by the
// user's risk aversion: a higher RiskLevel (1..5, more risk-tolerant)
// applies a smaller volatility penalty.
func riskAdjustedScore(pool *domain.Pool, riskLevel int) float64 {
	if riskLevel < 1 {
		riskLevel = 1
	}
	if riskLevel > 5 {
		riskLevel = 5
	}
	riskTolerance := float64(riskLevel) / 5.0
	penalty := volatilityProxy(pool) * (1 - riskTolerance)
	return pool.YieldEstimateB - penalty
}

// volatilityProxy stands in for a realized-volatility series the
// Orchestrator does not otherwise track: 24h turnover (volume/TVL) rises
// with price movement and trading pressure.
func volatilityProxy(pool *domain.Pool) float64 {
	if pool.TVLUSD <= 0 {
		return 0
	}
	return pool.Volume24hUSD / pool.TVLUSD
}

// fractionOf computes floor(amount * fraction) without floating-point
// error in the integer result, matching the store's arbitrary-precision
// smallest-unit convention (spec §6).
func fractionOf(amount *big.Int, fraction float64) *big.Int {
	const scale = 1_000_000
	numerator := new(big.Int).Mul(amount, big.NewInt(int64(fraction*scale)))
	return numerator.Div(numerator, big.NewInt(scale))
}
