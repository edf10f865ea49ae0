// Package util holds the concentrated-liquidity math and ABI/key-material
// loaders shared by the chain adapters, the decision engine, and the
// liquidation controller. It generalizes the teacher's pkg/util and
// internal/util (both test-only in the retrieved pack) to arbitrary
// token pairs and chains instead of one hardcoded WAVAX/USDC pool.
package util

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// q96 is 2^96, the fixed-point scale Uniswap V3 / Algebra use for sqrt
// prices.
var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// TickToSqrtPriceX96 converts a tick index to its Q64.96 sqrt-price,
// sqrtPriceX96 = sqrt(1.0001^tick) * 2^96, computed in big.Float at
// enough precision to round-trip to the nearest integer.
func TickToSqrtPriceX96(tick int) *big.Int {
	const prec = 256
	base := new(big.Float).SetPrec(prec).SetFloat64(1.0001)
	exp := new(big.Float).SetPrec(prec).SetFloat64(float64(tick) / 2)

	// base^exp via math.Pow on float64 loses precision for large |tick|;
	// compute 1.0001^(tick/2) directly through repeated squaring on
	// big.Float instead.
	ratio := powFloat(base, float64(tick))
	sqrtRatio := new(big.Float).SetPrec(prec).Sqrt(ratio)

	scaled := new(big.Float).SetPrec(prec).Mul(sqrtRatio, new(big.Float).SetPrec(prec).SetInt(q96))
	result, _ := scaled.Int(nil)
	_ = exp
	return result
}

// powFloat computes base^exp for an integer exponent (positive or
// negative) using big.Float exponentiation by squaring.
func powFloat(base *big.Float, exp float64) *big.Float {
	n := int64(exp)
	neg := n < 0
	if neg {
		n = -n
	}
	result := new(big.Float).SetPrec(base.Prec()).SetInt64(1)
	b := new(big.Float).SetPrec(base.Prec()).Copy(base)
	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, b)
		}
		b.Mul(b, b)
		n >>= 1
	}
	if neg {
		result.Quo(new(big.Float).SetPrec(base.Prec()).SetInt64(1), result)
	}
	return result
}

// SqrtPriceToPrice converts a Q64.96 sqrt price to the plain price ratio
// (token1 per token0, undecimalized): price = (sqrtPriceX96 / 2^96)^2.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) *big.Float {
	ratio := new(big.Float).SetPrec(256).Quo(
		new(big.Float).SetPrec(256).SetInt(sqrtPriceX96),
		new(big.Float).SetPrec(256).SetInt(q96),
	)
	return new(big.Float).SetPrec(256).Mul(ratio, ratio)
}

// ErrInvalidRange is returned when tick bounds are non-monotone or fall
// off the tick-spacing grid.
var ErrInvalidRange = errors.New("invalid tick range")

// CalculateTickBounds derives a symmetric tick range around currentTick
// spanning rangeWidth ticks of tickSpacing each, rounded to the nearest
// valid tick-spacing multiple below/above currentTick.
func CalculateTickBounds(currentTick int32, rangeWidth, tickSpacing int) (int32, int32, error) {
	if tickSpacing <= 0 {
		return 0, 0, fmt.Errorf("%w: tick spacing must be positive", ErrInvalidRange)
	}
	if rangeWidth <= 0 {
		return 0, 0, fmt.Errorf("%w: range width must be positive", ErrInvalidRange)
	}
	base := int32(tickSpacing) * (currentTick / int32(tickSpacing))
	if currentTick < 0 && currentTick%int32(tickSpacing) != 0 {
		base -= int32(tickSpacing)
	}
	half := int32(rangeWidth*tickSpacing) / 2
	lower := base - half
	upper := base + half
	if lower >= upper {
		return 0, 0, fmt.Errorf("%w: lower %d >= upper %d", ErrInvalidRange, lower, upper)
	}
	return lower, upper, nil
}

// ComputeAmounts computes the token0/token1 amounts actually consumed and
// the resulting liquidity when depositing up to amount0Max/amount1Max at
// the given current tick/sqrt-price into [tickLower, tickUpper]. Mirrors
// Uniswap V3's LiquidityAmounts.getLiquidityForAmounts plus the inverse
// getAmountsForLiquidity, combined so callers get consumed amounts in one
// call.
func ComputeAmounts(sqrtPriceX96 *big.Int, tick, tickLower, tickUpper int, amount0Max, amount1Max *big.Int) (*big.Int, *big.Int, *big.Int) {
	sqrtLower := TickToSqrtPriceX96(tickLower)
	sqrtUpper := TickToSqrtPriceX96(tickUpper)

	var liquidity *big.Int
	switch {
	case tick < tickLower:
		liquidity = liquidityForAmount0(sqrtLower, sqrtUpper, amount0Max)
	case tick >= tickUpper:
		liquidity = liquidityForAmount1(sqrtLower, sqrtUpper, amount1Max)
	default:
		l0 := liquidityForAmount0(sqrtPriceX96, sqrtUpper, amount0Max)
		l1 := liquidityForAmount1(sqrtLower, sqrtPriceX96, amount1Max)
		if l0.Cmp(l1) < 0 {
			liquidity = l0
		} else {
			liquidity = l1
		}
	}

	amount0, amount1, _ := CalculateTokenAmountsFromLiquidity(liquidity, sqrtPriceX96, int32(tickLower), int32(tickUpper))
	return amount0, amount1, liquidity
}

// CalculateTokenAmountsFromLiquidity is the inverse of ComputeAmounts: it
// derives the token0/token1 amounts a given liquidity L represents at the
// current sqrt price within [tickLower, tickUpper].
func CalculateTokenAmountsFromLiquidity(liquidity *big.Int, sqrtPriceX96 *big.Int, tickLower, tickUpper int32) (*big.Int, *big.Int, error) {
	if liquidity == nil || liquidity.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}
	sqrtLower := TickToSqrtPriceX96(int(tickLower))
	sqrtUpper := TickToSqrtPriceX96(int(tickUpper))
	if sqrtLower.Cmp(sqrtUpper) >= 0 {
		return nil, nil, fmt.Errorf("%w: lower sqrt price >= upper", ErrInvalidRange)
	}

	var amount0, amount1 *big.Int
	switch {
	case sqrtPriceX96.Cmp(sqrtLower) <= 0:
		amount0 = amount0ForLiquidity(sqrtLower, sqrtUpper, liquidity)
		amount1 = big.NewInt(0)
	case sqrtPriceX96.Cmp(sqrtUpper) >= 0:
		amount0 = big.NewInt(0)
		amount1 = amount1ForLiquidity(sqrtLower, sqrtUpper, liquidity)
	default:
		amount0 = amount0ForLiquidity(sqrtPriceX96, sqrtUpper, liquidity)
		amount1 = amount1ForLiquidity(sqrtLower, sqrtPriceX96, liquidity)
	}
	return amount0, amount1, nil
}

func amount0ForLiquidity(sqrtA, sqrtB *big.Int, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	numerator := new(big.Int).Mul(liquidity, q96)
	numerator.Mul(numerator, new(big.Int).Sub(sqrtB, sqrtA))
	denominator := new(big.Int).Mul(sqrtB, sqrtA)
	if denominator.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(numerator, denominator)
}

func amount1ForLiquidity(sqrtA, sqrtB *big.Int, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	numerator := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtB, sqrtA))
	return new(big.Int).Div(numerator, q96)
}

func liquidityForAmount0(sqrtA, sqrtB *big.Int, amount0 *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	intermediate := new(big.Int).Mul(sqrtA, sqrtB)
	intermediate.Div(intermediate, q96)
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if diff.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(new(big.Int).Mul(amount0, intermediate), diff)
}

func liquidityForAmount1(sqrtA, sqrtB *big.Int, amount1 *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if diff.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(new(big.Int).Mul(amount1, q96), diff)
}

// CalculateRebalanceAmounts determines which of two token balances is
// overweight relative to a 50/50 value split at the given sqrt price, and
// how much of it must be swapped into the other to restore balance.
// tokenToSwap is 0 for token0, 1 for token1. Both balances are raw
// on-chain units of their own token; the sqrt price converts raw token0
// units into raw token1 units, so no decimal normalization is applied.
func CalculateRebalanceAmounts(balance0, balance1 *big.Int, sqrtPriceX96 *big.Int) (int, *big.Int, error) {
	if balance0 == nil || balance1 == nil || sqrtPriceX96 == nil {
		return 0, nil, errors.New("rebalance inputs must not be nil")
	}
	price := SqrtPriceToPrice(sqrtPriceX96)
	value0 := new(big.Float).Mul(new(big.Float).SetInt(balance0), price)
	value1 := new(big.Float).SetInt(balance1)

	diff := new(big.Float).Sub(value0, value1)
	if diff.Sign() == 0 {
		return 0, big.NewInt(0), nil
	}
	half := new(big.Float).Quo(new(big.Float).Abs(diff), big.NewFloat(2))

	if diff.Sign() > 0 {
		// token0 overweight in value terms: swap the excess token0 amount.
		swapAmount0 := new(big.Float).Quo(half, price)
		amt, _ := swapAmount0.Int(nil)
		return 0, amt, nil
	}
	amt, _ := half.Int(nil)
	return 1, amt, nil
}

// CalculateMinAmount applies a downward slippage tolerance (percent, e.g.
// 0.5 for 0.5%) to a desired amount, producing the minimum acceptable
// amount for a transaction's min-out parameter.
func CalculateMinAmount(amount *big.Int, slippagePct float64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || slippagePct <= 0 {
		return new(big.Int).Set(amount)
	}
	// Work in millionths of the amount so common percentages are exact
	// instead of picking up float64 rounding error.
	ppm := int64(math.Round(slippagePct * 10_000))
	if ppm >= 1_000_000 {
		return big.NewInt(0)
	}
	min := new(big.Int).Mul(amount, big.NewInt(1_000_000-ppm))
	return min.Div(min, big.NewInt(1_000_000))
}
