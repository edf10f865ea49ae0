package util

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

// SqrtPrice sits strictly between the sqrt prices of its two bounding
// ticks, so it will not exactly match a value read back off-chain.
func TestTickToSqrtPriceX96(t *testing.T) {
	sqrtPrice := TickToSqrtPriceX96(-249428)
	expected, _ := big.NewInt(0).SetString("304011615425126403287043", 10)
	// Allow a tiny rounding delta: big.Float precision, not an exact
	// on-chain reproduction.
	delta := new(big.Int).Sub(sqrtPrice, expected)
	delta.Abs(delta)
	assert.LessOrEqual(t, delta.Cmp(big.NewInt(1_000_000)), 0, "sqrtPrice %s too far from expected %s", sqrtPrice, expected)
}

func TestComputeAmounts(t *testing.T) {
	sqrtPriceX96, _ := big.NewInt(0).SetString("275467826341246019486853", 10)
	tick := -251400
	tickLower := -252000
	tickUpper := -250800
	amount0Max, _ := big.NewInt(0).SetString("99999309985252461722", 10)
	amount1Max, _ := big.NewInt(0).SetString("1208870000", 10)

	amount0, amount1, l := ComputeAmounts(sqrtPriceX96, tick, tickLower, tickUpper, amount0Max, amount1Max)

	assert.GreaterOrEqual(t, l.Sign(), 0)
	assert.LessOrEqual(t, amount0.Cmp(amount0Max), 0)
	assert.LessOrEqual(t, amount1.Cmp(amount1Max), 0)
	assert.GreaterOrEqual(t, amount0.Sign(), 0)
	assert.GreaterOrEqual(t, amount1.Sign(), 0)
}

func TestCalculateTokenAmountsFromLiquidity(t *testing.T) {
	liquidity := big.NewInt(845179049218237)
	sqrtPriceX96, _ := big.NewInt(0).SetString("275467826341246019486853", 10)
	tickLower := -252000
	tickUpper := -240800

	amount0, amount1, err := CalculateTokenAmountsFromLiquidity(liquidity, sqrtPriceX96, int32(tickLower), int32(tickUpper))
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, amount0.Sign(), 0)
	assert.GreaterOrEqual(t, amount1.Sign(), 0)
}

func TestCalculateTickBounds(t *testing.T) {
	var currentTick int32 = -249587
	tickLower, tickUpper, err := CalculateTickBounds(currentTick, 2, 200)
	assert.NoError(t, err)
	assert.Less(t, tickLower, tickUpper)
	assert.Equal(t, 0, int((tickUpper-tickLower)%200))
}

func TestCalculateTickBoundsRejectsZeroSpacing(t *testing.T) {
	_, _, err := CalculateTickBounds(100, 2, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestCalculateRebalanceAmounts(t *testing.T) {
	sqrtPrice, _ := big.NewInt(0).SetString("280057970020625981233062", 0)

	t.Run("token1_overweight_swaps_from_token1", func(t *testing.T) {
		token0Balance := big.NewInt(2 * 1_000_000_000_000_000_000) // ~25 USD worth
		token1Balance := big.NewInt(50_000_000)                    // 50 USDC
		tokenToSwap, swapAmount, err := CalculateRebalanceAmounts(token0Balance, token1Balance, sqrtPrice)
		assert.NoError(t, err)
		assert.Equal(t, 1, tokenToSwap)
		assert.NotNil(t, swapAmount)
	})

	t.Run("token0_overweight_swaps_from_token0", func(t *testing.T) {
		token0Balance := big.NewInt(5 * 1_000_000_000_000_000_000)
		token1Balance := big.NewInt(50_000_000)
		tokenToSwap, swapAmount, err := CalculateRebalanceAmounts(token0Balance, token1Balance, sqrtPrice)
		assert.NoError(t, err)
		assert.Equal(t, 0, tokenToSwap)
		assert.NotNil(t, swapAmount)
	})
}

func TestCalculateMinAmount(t *testing.T) {
	amount := big.NewInt(1000)
	min := CalculateMinAmount(amount, 1) // 1% slippage
	assert.Equal(t, big.NewInt(990), min)

	assert.Equal(t, amount, CalculateMinAmount(amount, 0))
}
