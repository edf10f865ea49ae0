package util

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liquidot/orchestrator/pkg/txlistener"
)

func TestExtractGasCost(t *testing.T) {
	receipt := &txlistener.TxReceipt{
		GasUsed:           "21000",
		EffectiveGasPrice: "30000000000",
	}
	cost, err := ExtractGasCost(receipt)
	assert.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(21000), big.NewInt(30000000000)), cost)
}

func TestExtractGasCostRejectsNil(t *testing.T) {
	_, err := ExtractGasCost(nil)
	assert.Error(t, err)
}

func TestValidateStakingRequest(t *testing.T) {
	assert.NoError(t, ValidateStakingRequest(big.NewInt(1), big.NewInt(1), 2, 0.5))
	assert.ErrorIs(t, ValidateStakingRequest(big.NewInt(0), big.NewInt(1), 2, 0.5), ErrInvalidStakingRequest)
	assert.ErrorIs(t, ValidateStakingRequest(big.NewInt(1), big.NewInt(1), 0, 0.5), ErrInvalidStakingRequest)
	assert.ErrorIs(t, ValidateStakingRequest(big.NewInt(1), big.NewInt(1), 2, 100), ErrInvalidStakingRequest)
}
