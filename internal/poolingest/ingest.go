package poolingest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/common"

	"github.com/liquidot/orchestrator/internal/domain"
)

// Store is the subset of internal/store.Store Pool Ingestion needs,
// narrowed to an interface so this package can be unit tested without a
// database.
type Store interface {
	UpsertPool(pool *domain.Pool) error
	MarkMissedCycle(id domain.PoolID) (missed int, err error)
	SoftDeletePool(id domain.PoolID) error
	ListPools(chainID uint64) ([]*domain.Pool, error)
}

// metadata is the small, rarely-changing subset of a pool's fields (token
// addresses, decimals, tick spacing, fee tier) that the per-pool cache
// holds, avoiding a cache entry invalidation on every TVL/volume tick.
type metadata struct {
	Token0      common.Address
	Token1      common.Address
	Decimals0   uint8
	Decimals1   uint8
	TickSpacing int32
	FeeTier     uint32
}

// Ingestor periodically pulls pool snapshots from the analytics GraphQL
// source, normalizes them into domain.Pool, and persists them (spec
// §4.2). A pool that misses MaxMissedCycles consecutive refreshes is
// soft-deleted rather than dropped outright, so positions already open
// against it are not orphaned.
type Ingestor struct {
	client *Client
	store  Store

	chainIDs        []uint64
	pools           map[uint64][]common.Address
	freshnessBound  time.Duration
	maxMissedCycles int
	interval        time.Duration

	metaCache *lru.Cache[domain.PoolID, metadata]

	mu sync.Mutex
}

// Config configures an Ingestor.
type Config struct {
	Pools           map[uint64][]common.Address // chainID -> pool addresses to track
	FreshnessBound  time.Duration
	MaxMissedCycles int
	Interval        time.Duration
	MetadataCacheSize int
}

// New builds an Ingestor. cfg.MetadataCacheSize defaults to 256 entries if cfg
// specifies zero.
func New(client *Client, store Store, cfg Config) (*Ingestor, error) {
	size := cfg.MetadataCacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[domain.PoolID, metadata](size)
	if err != nil {
		return nil, fmt.Errorf("build metadata cache: %w", err)
	}

	chainIDs := make([]uint64, 0, len(cfg.Pools))
	for chainID := range cfg.Pools {
		chainIDs = append(chainIDs, chainID)
	}

	return &Ingestor{
		client:          client,
		store:           store,
		chainIDs:        chainIDs,
		pools:           cfg.Pools,
		freshnessBound:  cfg.FreshnessBound,
		maxMissedCycles: cfg.MaxMissedCycles,
		interval:        cfg.Interval,
		metaCache:       cache,
	}, nil
}

// Run executes refresh cycles on Interval until ctx is cancelled,
// mirroring the teacher's ticker-driven strategy loop idiom.
func (ing *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()

	if err := ing.RefreshAll(ctx); err != nil {
		return fmt.Errorf("initial pool refresh: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ing.RefreshAll(ctx); err != nil {
				continue // transient source failure; next tick retries
			}
		}
	}
}

// RefreshAll pulls one cycle for every configured chain.
func (ing *Ingestor) RefreshAll(ctx context.Context) error {
	var firstErr error
	for _, chainID := range ing.chainIDs {
		if err := ing.refreshChain(ctx, chainID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ing *Ingestor) refreshChain(ctx context.Context, chainID uint64) error {
	addresses := ing.pools[chainID]
	addrStrings := make([]string, len(addresses))
	for i, a := range addresses {
		addrStrings[i] = a.Hex()
	}

	dtos, err := ing.client.FetchPools(ctx, chainID, addrStrings)
	if err != nil {
		ing.recordMisses(chainID, addresses)
		return fmt.Errorf("fetch pools for chain %d: %w", chainID, err)
	}

	seen := make(map[domain.PoolID]bool, len(dtos))
	now := time.Now()
	for _, dto := range dtos {
		pool, err := ing.normalize(chainID, dto, now)
		if err != nil {
			continue // malformed snapshot; skip this pool this cycle
		}
		seen[pool.ID] = true
		if err := ing.store.UpsertPool(pool); err != nil {
			return fmt.Errorf("upsert pool %s: %w", pool.ID.Address.Hex(), err)
		}
	}

	for _, addr := range addresses {
		id := domain.PoolID{ChainID: chainID, Address: addr}
		if seen[id] {
			continue
		}
		if err := ing.recordMiss(id); err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingestor) recordMisses(chainID uint64, addresses []common.Address) {
	for _, addr := range addresses {
		_ = ing.recordMiss(domain.PoolID{ChainID: chainID, Address: addr})
	}
}

// recordMiss increments a pool's missed-cycle counter and soft-deletes it
// once MaxMissedCycles consecutive misses accrue (spec §4.2: "a pool
// absent from the source for N consecutive cycles is soft-deleted, not
// hard-deleted, so open positions retain their pool reference").
func (ing *Ingestor) recordMiss(id domain.PoolID) error {
	missed, err := ing.store.MarkMissedCycle(id)
	if err != nil {
		return fmt.Errorf("mark missed cycle for %s: %w", id.Address.Hex(), err)
	}
	if ing.maxMissedCycles > 0 && missed >= ing.maxMissedCycles {
		if err := ing.store.SoftDeletePool(id); err != nil {
			return fmt.Errorf("soft-delete pool %s: %w", id.Address.Hex(), err)
		}
	}
	return nil
}

// normalize converts one wire DTO into a domain.Pool. Every field,
// including the token/decimals/spacing/fee metadata, comes from the DTO;
// the metadata is written to the cache but the cache is not read here.
func (ing *Ingestor) normalize(chainID uint64, dto poolDTO, now time.Time) (*domain.Pool, error) {
	id := domain.PoolID{ChainID: chainID, Address: common.HexToAddress(dto.Address)}

	meta := metadata{
		Token0:      common.HexToAddress(dto.Token0.Address),
		Token1:      common.HexToAddress(dto.Token1.Address),
		Decimals0:   dto.Token0.Decimals,
		Decimals1:   dto.Token1.Decimals,
		TickSpacing: dto.TickSpacing,
		FeeTier:     dto.FeeTier,
	}
	ing.mu.Lock()
	ing.metaCache.Add(id, meta)
	ing.mu.Unlock()

	sqrtPrice, ok := new(big.Int).SetString(dto.SqrtPriceX96, 10)
	if !ok {
		sqrtPrice = big.NewInt(0)
	}

	return &domain.Pool{
		ID:             id,
		Token0:         meta.Token0,
		Token1:         meta.Token1,
		Decimals0:      meta.Decimals0,
		Decimals1:      meta.Decimals1,
		TickSpacing:    meta.TickSpacing,
		FeeTier:        meta.FeeTier,
		TVLUSD:         dto.TVLUSD,
		Volume24hUSD:   dto.Volume24hUSD,
		YieldEstimateB: dto.YieldEstimate,
		SqrtPriceX96:   sqrtPrice,
		Tick:           dto.Tick,
		LastRefreshAt:  now,
	}, nil
}

// CachedMetadata returns the last-seen static metadata for a pool from
// the in-memory LRU cache; the second result is false when the pool is
// not cached.
func (ing *Ingestor) CachedMetadata(id domain.PoolID) (metadata, bool) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.metaCache.Get(id)
}
