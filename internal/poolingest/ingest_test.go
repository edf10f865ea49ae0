package poolingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidot/orchestrator/internal/domain"
)

type fakeStore struct {
	upserted map[domain.PoolID]*domain.Pool
	missed   map[domain.PoolID]int
	deleted  map[domain.PoolID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		upserted: map[domain.PoolID]*domain.Pool{},
		missed:   map[domain.PoolID]int{},
		deleted:  map[domain.PoolID]bool{},
	}
}

func (f *fakeStore) UpsertPool(p *domain.Pool) error {
	f.upserted[p.ID] = p
	f.missed[p.ID] = 0
	return nil
}

func (f *fakeStore) MarkMissedCycle(id domain.PoolID) (int, error) {
	f.missed[id]++
	return f.missed[id], nil
}

func (f *fakeStore) SoftDeletePool(id domain.PoolID) error {
	f.deleted[id] = true
	return nil
}

func (f *fakeStore) ListPools(chainID uint64) ([]*domain.Pool, error) {
	var out []*domain.Pool
	for id, p := range f.upserted {
		if id.ChainID == chainID {
			out = append(out, p)
		}
	}
	return out, nil
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRefreshChainUpsertsAndMarksMisses(t *testing.T) {
	poolAddr := common.HexToAddress("0xAA")
	missingAddr := common.HexToAddress("0xBB")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := graphQLResponse{
			Data: mustMarshal(t, poolsResult{
				Pools: []poolDTO{
					{
						Address:      poolAddr.Hex(),
						Token0:       tokenDTO{Address: "0x01", Decimals: 18},
						Token1:       tokenDTO{Address: "0x02", Decimals: 6},
						TickSpacing:  60,
						FeeTier:      3000,
						TVLUSD:       1_000_000,
						Volume24hUSD: 50_000,
						YieldEstimate: 0.12,
						SqrtPriceX96: "79228162514264337593543950336",
						Tick:         100,
					},
				},
			}),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5*time.Second)
	store := newFakeStore()

	ing, err := New(client, store, Config{
		Pools:           map[uint64][]common.Address{137: {poolAddr, missingAddr}},
		FreshnessBound:  time.Minute,
		MaxMissedCycles: 3,
		Interval:        time.Minute,
	})
	require.NoError(t, err)

	err = ing.refreshChain(context.Background(), 137)
	require.NoError(t, err)

	id := domain.PoolID{ChainID: 137, Address: poolAddr}
	got, ok := store.upserted[id]
	require.True(t, ok)
	assert.Equal(t, 0.12, got.YieldEstimateB)
	assert.Equal(t, int32(60), got.TickSpacing)

	missingID := domain.PoolID{ChainID: 137, Address: missingAddr}
	assert.Equal(t, 1, store.missed[missingID])
	assert.False(t, store.deleted[missingID])
}

func TestRecordMissSoftDeletesAfterMaxMissedCycles(t *testing.T) {
	store := newFakeStore()
	ing, err := New(&Client{}, store, Config{MaxMissedCycles: 2})
	require.NoError(t, err)

	id := domain.PoolID{ChainID: 1, Address: common.HexToAddress("0xCC")}
	require.NoError(t, ing.recordMiss(id))
	assert.False(t, store.deleted[id])
	require.NoError(t, ing.recordMiss(id))
	assert.True(t, store.deleted[id])
}

func TestNormalizeCachesMetadata(t *testing.T) {
	store := newFakeStore()
	ing, err := New(&Client{}, store, Config{})
	require.NoError(t, err)

	dto := poolDTO{
		Address:      "0xDD",
		Token0:       tokenDTO{Address: "0x01", Decimals: 18},
		Token1:       tokenDTO{Address: "0x02", Decimals: 6},
		TickSpacing:  10,
		FeeTier:      500,
		SqrtPriceX96: "123456789",
	}
	pool, err := ing.normalize(1, dto, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int32(10), pool.TickSpacing)

	meta, ok := ing.CachedMetadata(pool.ID)
	require.True(t, ok)
	assert.Equal(t, uint8(18), meta.Decimals0)
}
