// Package fingerprint derives the content-addressed position identifier
// described in spec §3 and §9: a hash of user, chain id, pool id, base
// asset, amount, bounds, and a nonce, stable across both hub and spoke.
package fingerprint

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/liquidot/orchestrator/internal/domain"
)

// Derive computes the fingerprint for an intent. It is pure and
// deterministic: identical inputs always yield identical output, which
// is what lets the Dispatcher's CAS-insert (spec §4.5 step 1) and the
// store's idempotency-by-fingerprint guarantee (spec §4.3) collapse two
// submissions of the same intent into one position.
func Derive(
	user common.Address,
	chainID uint64,
	poolID domain.PoolID,
	baseAsset common.Address,
	amount *big.Int,
	lowerBoundBps, upperBoundBps int32,
	nonce uint64,
) domain.Fingerprint {
	var buf []byte
	buf = append(buf, user.Bytes()...)
	buf = append(buf, encodeUint64(chainID)...)
	buf = append(buf, encodeUint64(poolID.ChainID)...)
	buf = append(buf, poolID.Address.Bytes()...)
	buf = append(buf, baseAsset.Bytes()...)
	if amount != nil {
		buf = append(buf, amount.Bytes()...)
	}
	buf = append(buf, encodeInt32(lowerBoundBps)...)
	buf = append(buf, encodeInt32(upperBoundBps)...)
	buf = append(buf, encodeUint64(nonce)...)

	var fp domain.Fingerprint
	copy(fp[:], crypto.Keccak256(buf))
	return fp
}

// ForIntent is a convenience wrapper over Derive for domain.Intent values.
func ForIntent(i *domain.Intent) domain.Fingerprint {
	return Derive(i.UserAddress, i.ChainID, i.PoolID, i.BaseAsset, i.Amount, i.LowerBoundBps, i.UpperBoundBps, i.Nonce)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func encodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}
