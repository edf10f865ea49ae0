// Package messaging builds the two opaque payload fields the hub's
// dispatchInvestment call requires (spec §6): an encoded destination
// location and a pre-built cross-chain message. The spec treats both as
// supplied by whatever cross-chain messaging bridge the deployed
// contracts are paired with (out of scope: "no on-chain proofs of
// cross-chain messages"); this package implements the simplest
// self-consistent envelope so the Dispatcher (internal/dispatch) has a
// concrete dispatch.MessageEncoder to run against, using the same
// big-endian field packing as internal/fingerprint.
package messaging

import (
	"encoding/binary"
	"math/big"

	"github.com/liquidot/orchestrator/internal/domain"
)

// envelopeVersion tags the wire format so a future bridge revision can
// be distinguished from this one.
const envelopeVersion = uint8(1)

// Encoder builds dispatchInvestment's destination and message fields
// from an intent and its derived fingerprint.
type Encoder struct{}

// NewEncoder builds an Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// EncodeDestination packs a spoke chain id into the 32-byte big-endian
// location field the hub contract forwards to its messaging transport.
func (e *Encoder) EncodeDestination(chainID uint64) ([]byte, error) {
	dest := make([]byte, 32)
	binary.BigEndian.PutUint64(dest[24:], chainID)
	return dest, nil
}

// BuildMessage packs the fields the spoke's execution proxy needs to
// open the position: the fingerprint (the sole cross-system key, spec
// §9), the pool, the base asset, the invested amount, and the signed
// range bounds.
func (e *Encoder) BuildMessage(intent *domain.Intent, fp domain.Fingerprint) ([]byte, error) {
	buf := make([]byte, 1, 1+32+32+20+32+4+4)
	buf[0] = envelopeVersion
	buf = append(buf, fp[:]...)
	buf = append(buf, leftPad32(intent.PoolID.Address.Bytes())...)
	buf = append(buf, intent.BaseAsset.Bytes()...)
	buf = append(buf, leftPad32(amountBytes(intent.Amount))...)
	buf = append(buf, encodeInt32(intent.LowerBoundBps)...)
	buf = append(buf, encodeInt32(intent.UpperBoundBps)...)
	return buf, nil
}

func amountBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func encodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}
