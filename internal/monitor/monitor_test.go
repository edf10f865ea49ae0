package monitor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidot/orchestrator/internal/domain"
)

func TestFingerprintOfAcceptsHashAndRawBytes(t *testing.T) {
	h := common.HexToHash("0xaa")
	fp, err := fingerprintOf(map[string]interface{}{"fingerprint": h})
	require.NoError(t, err)
	assert.Equal(t, domain.Fingerprint(h), fp)

	raw := [32]byte(h)
	fp, err = fingerprintOf(map[string]interface{}{"fingerprint": raw})
	require.NoError(t, err)
	assert.Equal(t, domain.Fingerprint(raw), fp)

	_, err = fingerprintOf(map[string]interface{}{})
	assert.Error(t, err)
}

func TestBigIntOfDefaultsToZero(t *testing.T) {
	assert.Equal(t, big.NewInt(0), bigIntOf(map[string]interface{}{}, "missing"))
	assert.Equal(t, big.NewInt(42), bigIntOf(map[string]interface{}{"x": big.NewInt(42)}, "x"))
}

func TestInt32OfHandlesBigIntAndPlainInt32(t *testing.T) {
	assert.EqualValues(t, 7, int32Of(map[string]interface{}{"t": int32(7)}, "t"))
	assert.EqualValues(t, 9, int32Of(map[string]interface{}{"t": big.NewInt(9)}, "t"))
	assert.EqualValues(t, 0, int32Of(map[string]interface{}{}, "t"))
}

func TestAddressOfDefaultsToZeroValue(t *testing.T) {
	addr := common.HexToAddress("0xBEEF")
	assert.Equal(t, addr, addressOf(map[string]interface{}{"token": addr}, "token"))
	assert.Equal(t, common.Address{}, addressOf(map[string]interface{}{}, "token"))
}

func TestDispatchEventNoOpsOnInvestmentInitiated(t *testing.T) {
	m := &Monitor{}
	err := m.dispatchEvent(eventInvestmentInitiated, nil)
	assert.NoError(t, err)
}

func TestDispatchEventIgnoresUnknownEventName(t *testing.T) {
	m := &Monitor{}
	err := m.dispatchEvent("SomeOtherEvent", nil)
	assert.NoError(t, err)
}
