package domain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func validPreferences() Preferences {
	return Preferences{
		UserAddress:            common.HexToAddress("0x1"),
		MinAnnualYield:         0.05,
		MaxAllocationFraction:  0.4,
		PreferredBaseAssets:    []common.Address{common.HexToAddress("0xaaaa")},
		RiskLevel:              3,
		StopLossPercent:        -0.10,
		TakeProfitPercent:      0.20,
		LiquidationSlippageBps: 100,
	}
}

func TestPreferencesValidate_Valid(t *testing.T) {
	p := validPreferences()
	assert.NoError(t, p.Validate())
}

func TestPreferencesValidate_Invariants(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Preferences)
	}{
		{"allocation zero", func(p *Preferences) { p.MaxAllocationFraction = 0 }},
		{"allocation over one", func(p *Preferences) { p.MaxAllocationFraction = 1.1 }},
		{"risk too low", func(p *Preferences) { p.RiskLevel = 0 }},
		{"risk too high", func(p *Preferences) { p.RiskLevel = 6 }},
		{"stop-loss positive", func(p *Preferences) { p.StopLossPercent = 0.01 }},
		{"take-profit zero", func(p *Preferences) { p.TakeProfitPercent = 0 }},
		{"slippage negative", func(p *Preferences) { p.LiquidationSlippageBps = -1 }},
		{"slippage over scale", func(p *Preferences) { p.LiquidationSlippageBps = BasisPointScale + 1 }},
		{"no preferred assets", func(p *Preferences) { p.PreferredBaseAssets = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPreferences()
			tc.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPreferences)
		})
	}
}

func baseIntent() Intent {
	return Intent{
		UserAddress:   common.HexToAddress("0x1"),
		ChainID:       2,
		PoolID:        PoolID{ChainID: 2, Address: common.HexToAddress("0xP")},
		BaseAsset:     common.HexToAddress("0xB"),
		Amount:        big.NewInt(40),
		LowerBoundBps: -500,
		UpperBoundBps: 1000,
		Nonce:         1,
	}
}

// TestIntentValidate_BoundaryRejects covers spec §8 property 9: zero
// amount, zero-range, lower >= upper, and unknown base asset are all
// rejected at intent construction without any store or chain effect.
func TestIntentValidate_BoundaryRejects(t *testing.T) {
	known := map[common.Address]bool{common.HexToAddress("0xB"): true}

	t.Run("valid", func(t *testing.T) {
		i := baseIntent()
		assert.NoError(t, i.Validate(known))
	})

	t.Run("zero amount", func(t *testing.T) {
		i := baseIntent()
		i.Amount = big.NewInt(0)
		assert.ErrorIs(t, i.Validate(known), ErrInvalidIntent)
	})

	t.Run("nil amount", func(t *testing.T) {
		i := baseIntent()
		i.Amount = nil
		assert.ErrorIs(t, i.Validate(known), ErrInvalidIntent)
	})

	t.Run("negative amount", func(t *testing.T) {
		i := baseIntent()
		i.Amount = big.NewInt(-5)
		assert.ErrorIs(t, i.Validate(known), ErrInvalidIntent)
	})

	t.Run("zero range", func(t *testing.T) {
		i := baseIntent()
		i.LowerBoundBps, i.UpperBoundBps = 0, 0
		assert.ErrorIs(t, i.Validate(known), ErrInvalidIntent)
	})

	t.Run("lower equals upper", func(t *testing.T) {
		i := baseIntent()
		i.LowerBoundBps, i.UpperBoundBps = 100, 100
		assert.ErrorIs(t, i.Validate(known), ErrInvalidIntent)
	})

	t.Run("lower greater than upper", func(t *testing.T) {
		i := baseIntent()
		i.LowerBoundBps, i.UpperBoundBps = 1000, -500
		assert.ErrorIs(t, i.Validate(known), ErrInvalidIntent)
	})

	t.Run("unknown base asset", func(t *testing.T) {
		i := baseIntent()
		i.BaseAsset = common.HexToAddress("0xdead")
		assert.ErrorIs(t, i.Validate(known), ErrInvalidIntent)
	})

	t.Run("nil known base assets skips the check", func(t *testing.T) {
		i := baseIntent()
		i.BaseAsset = common.HexToAddress("0xdead")
		assert.NoError(t, i.Validate(nil))
	})
}

func TestFingerprintHexAndString(t *testing.T) {
	var fp Fingerprint
	fp[0] = 0xab
	assert.Equal(t, fp.Hex(), fp.String())
	assert.Contains(t, fp.Hex(), "0xab")
}
