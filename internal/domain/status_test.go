package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLegalTransitionsOnly exercises spec §8 invariant 2: every observed
// (status_before, status_after) pair lies in the enumerated transition set
// from §3, and nothing else does.
func TestLegalTransitionsOnly(t *testing.T) {
	allowed := map[PositionStatus]map[PositionStatus]bool{
		PendingDispatch:    {PendingExecution: true, Cancelled: true, Failed: true},
		PendingExecution:   {Active: true, Cancelled: true, Failed: true},
		Active:             {LiquidationPending: true, Failed: true},
		LiquidationPending: {Liquidated: true, Failed: true},
		Liquidated:         {Settled: true, Failed: true},
	}

	all := []PositionStatus{
		PendingDispatch, PendingExecution, Active, LiquidationPending,
		Liquidated, Settled, Cancelled, Failed,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[from][to]
			got := CanTransition(from, to)
			assert.Equalf(t, want, got, "CanTransition(%s, %s)", from, to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Settled))
	assert.True(t, IsTerminal(Cancelled))
	assert.True(t, IsTerminal(Failed))
	assert.False(t, IsTerminal(PendingDispatch))
	assert.False(t, IsTerminal(Active))
}

// TestSettledIsMonotoneSink covers the no-double-credit shape from the
// state-machine side: once Settled, no outgoing transition is legal,
// including a repeated Settled->Settled request.
func TestSettledIsMonotoneSink(t *testing.T) {
	for _, to := range []PositionStatus{
		PendingDispatch, PendingExecution, Active, LiquidationPending,
		Liquidated, Settled, Cancelled, Failed,
	} {
		assert.False(t, CanTransition(Settled, to))
	}
}

func TestCancelledOnlyFromPendingStates(t *testing.T) {
	assert.True(t, CanTransition(PendingDispatch, Cancelled))
	assert.True(t, CanTransition(PendingExecution, Cancelled))
	assert.False(t, CanTransition(Active, Cancelled))
	assert.False(t, CanTransition(LiquidationPending, Cancelled))
	assert.False(t, CanTransition(Liquidated, Cancelled))
}

func TestErrIllegalTransitionMessage(t *testing.T) {
	err := &ErrIllegalTransition{Fingerprint: "0xabc", From: Active, To: PendingDispatch}
	assert.Contains(t, err.Error(), "0xabc")
	assert.Contains(t, err.Error(), "Active")
	assert.Contains(t, err.Error(), "PendingDispatch")
}

func TestPositionStatusStringUnknown(t *testing.T) {
	assert.Equal(t, "PositionStatus(99)", PositionStatus(99).String())
}
