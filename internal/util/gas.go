package util

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/liquidot/orchestrator/pkg/txlistener"
)

// ExtractGasCost computes gasUsed * effectiveGasPrice from a confirmed
// receipt, for the gas-cost tracking threaded through every submission
// record (spec §4.1, §7).
func ExtractGasCost(receipt *txlistener.TxReceipt) (*big.Int, error) {
	if receipt == nil {
		return nil, errors.New("receipt is nil")
	}
	gasUsed, ok := new(big.Int).SetString(receipt.GasUsed, 10)
	if !ok {
		return nil, fmt.Errorf("gas used %q is not a decimal integer", receipt.GasUsed)
	}
	gasPrice, ok := new(big.Int).SetString(receipt.EffectiveGasPrice, 10)
	if !ok {
		return nil, fmt.Errorf("effective gas price %q is not a decimal integer", receipt.EffectiveGasPrice)
	}
	return new(big.Int).Mul(gasUsed, gasPrice), nil
}

// ErrInvalidStakingRequest is returned when a staking request violates a
// basic sanity bound before any chain call is attempted.
var ErrInvalidStakingRequest = errors.New("invalid staking request")

// ValidateStakingRequest rejects a mint/stake request at the boundary,
// before any simulation or submission (spec §8 property 9 analog for the
// spoke-side mint path).
func ValidateStakingRequest(maxToken0, maxToken1 *big.Int, rangeWidth int, slippagePct float64) error {
	if maxToken0 == nil || maxToken0.Sign() <= 0 {
		return fmt.Errorf("%w: max token0 must be positive", ErrInvalidStakingRequest)
	}
	if maxToken1 == nil || maxToken1.Sign() <= 0 {
		return fmt.Errorf("%w: max token1 must be positive", ErrInvalidStakingRequest)
	}
	if rangeWidth <= 0 {
		return fmt.Errorf("%w: range width must be positive", ErrInvalidStakingRequest)
	}
	if slippagePct < 0 || slippagePct >= 100 {
		return fmt.Errorf("%w: slippage percent %.4f out of [0,100)", ErrInvalidStakingRequest, slippagePct)
	}
	return nil
}
