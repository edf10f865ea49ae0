package decision

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidot/orchestrator/internal/domain"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	wavax = common.HexToAddress("0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7")
)

func testUser() *domain.User {
	return &domain.User{
		Address: common.HexToAddress("0x01"),
		Preferences: domain.Preferences{
			UserAddress:            common.HexToAddress("0x01"),
			MinAnnualYield:         0.03,
			MaxAllocationFraction:  0.5,
			PreferredBaseAssets:    []common.Address{usdc},
			RiskLevel:              3,
			StopLossPercent:        -0.1,
			TakeProfitPercent:      0.2,
			LiquidationSlippageBps: 100,
		},
	}
}

func freshPool(id uint64, addr common.Address, tvl, volume, yield float64) *domain.Pool {
	return &domain.Pool{
		ID:             domain.PoolID{ChainID: id, Address: addr},
		Token0:         usdc,
		Token1:         wavax,
		Decimals0:      6,
		Decimals1:      18,
		TickSpacing:    60,
		FeeTier:        3000,
		TVLUSD:         tvl,
		Volume24hUSD:   volume,
		YieldEstimateB: yield,
		LastRefreshAt:  time.Now(),
	}
}

func nonceCounter() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func TestDecideRanksByScoreThenTVLThenVolatility(t *testing.T) {
	eng := New(DefaultConfig())
	poolA := freshPool(1, common.HexToAddress("0xA1"), 1_000_000, 50_000, 0.10)
	poolB := freshPool(1, common.HexToAddress("0xA2"), 2_000_000, 50_000, 0.10)

	intents, err := eng.Decide(time.Now(), testUser(), []*domain.Pool{poolA, poolB}, nil, big.NewInt(1_000_000), nonceCounter())
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, poolB.ID, intents[0].PoolID) // poolB's lower volume/TVL turnover gives it the higher score
}

func TestDecideRespectsAllocationCapAndBalance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIntentsPerRun = 5
	eng := New(cfg)

	pools := []*domain.Pool{
		freshPool(1, common.HexToAddress("0xB1"), 1_000_000, 10_000, 0.10),
		freshPool(1, common.HexToAddress("0xB2"), 900_000, 10_000, 0.09),
	}
	balance := big.NewInt(1_000_000)
	intents, err := eng.Decide(time.Now(), testUser(), pools, nil, balance, nonceCounter())
	require.NoError(t, err)
	require.NotEmpty(t, intents)

	var total big.Int
	for _, in := range intents {
		total.Add(&total, in.Amount)
	}
	assert.True(t, total.Cmp(balance) <= 0)
}

func TestDecideExcludesOccupiedPool(t *testing.T) {
	eng := New(DefaultConfig())
	user := testUser()
	pool := freshPool(1, common.HexToAddress("0xC1"), 1_000_000, 10_000, 0.10)

	var fp domain.Fingerprint
	positions := []*domain.Position{
		{Fingerprint: fp, UserAddress: user.Address, PoolID: pool.ID, Status: domain.Active},
	}

	intents, err := eng.Decide(time.Now(), user, []*domain.Pool{pool}, positions, big.NewInt(1_000_000), nonceCounter())
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestDecideExcludesStalePool(t *testing.T) {
	eng := New(DefaultConfig())
	pool := freshPool(1, common.HexToAddress("0xD1"), 1_000_000, 10_000, 0.10)
	pool.LastRefreshAt = time.Now().Add(-time.Hour)

	intents, err := eng.Decide(time.Now(), testUser(), []*domain.Pool{pool}, nil, big.NewInt(1_000_000), nonceCounter())
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestDecideExcludesBelowMinYield(t *testing.T) {
	eng := New(DefaultConfig())
	pool := freshPool(1, common.HexToAddress("0xE1"), 1_000_000, 10_000, 0.01)

	intents, err := eng.Decide(time.Now(), testUser(), []*domain.Pool{pool}, nil, big.NewInt(1_000_000), nonceCounter())
	require.NoError(t, err)
	assert.Empty(t, intents)
}
