package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/liquidot/orchestrator/internal/domain"
)

func addressFromHex(s string) common.Address { return common.HexToAddress(s) }

// Store is the Position Store (spec §4.3), backed by GORM/MySQL, the
// same stack as the teacher's MySQLRecorder.
type Store struct {
	db *gorm.DB
}

// New opens a MySQL connection and migrates the schema, mirroring the
// teacher's NewMySQLRecorder.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL: %w", err)
	}
	return newFromDB(db)
}

// NewWithDB wraps an already-open GORM DB (used by unit tests with
// go-sqlmock, and by NewFromDB).
func NewWithDB(db *gorm.DB) (*Store, error) {
	return newFromDB(db)
}

func newFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&PositionRecord{},
		&PendingSettlementRecord{},
		&OperationLogRecord{},
		&PoolRecord{},
		&UserRecord{},
		&PreferencesRecord{},
		&EventCursorRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying db: %w", err)
	}
	return sqlDB.Close()
}

// ErrAlreadyExists is returned by InsertPendingDispatch when a position
// with the same fingerprint is already present — the caller's dispatch
// is a duplicate and must not be resubmitted (spec §8 idempotence laws).
var ErrAlreadyExists = errors.New("position already exists")

// InsertPendingDispatch idempotently inserts a brand-new position in
// PendingDispatch status, keyed by fingerprint. A second insert of the
// same fingerprint is a no-op that returns ErrAlreadyExists rather than a
// duplicate row (spec §4.5 step 1, §8 "duplicate intents collapse to one
// position").
func (s *Store) InsertPendingDispatch(p *domain.Position) error {
	record := toRecord(p)
	record.Status = int(domain.PendingDispatch)
	result := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("insert pending dispatch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// ErrCASFailed is returned when a CAS transition's WHERE clause matches
// zero rows: either the fingerprint doesn't exist, or the position is no
// longer in the expected `from` status.
var ErrCASFailed = errors.New("compare-and-swap failed: position not in expected status")

// Transition performs the store's sole mutation primitive: a
// compare-and-swap on (fingerprint, status), refusing any move
// domain.CanTransition forbids, and refusing to move anything out of
// Settled regardless of what the caller asks (monotone sink, spec §8
// invariant 1). Any after funcs run inside the same transaction once the
// CAS update has been saved, so a transition's derived-row side effects
// (e.g. removing the Pending Settlement Record on Settled, spec §3) commit
// atomically with the status change rather than as a separate write.
func (s *Store) Transition(fingerprint domain.Fingerprint, from, to domain.PositionStatus, set func(*PositionRecord), after ...func(tx *gorm.DB) error) error {
	if from == domain.Settled {
		return fmt.Errorf("%w: Settled is a monotone sink", ErrCASFailed)
	}
	if !domain.CanTransition(from, to) {
		return &domain.ErrIllegalTransition{Fingerprint: fingerprint.Hex(), From: from, To: to}
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var current PositionRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("fingerprint = ?", fingerprint.Hex()).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no position %s", ErrCASFailed, fingerprint.Hex())
			}
			return err
		}
		if domain.PositionStatus(current.Status) != from {
			return fmt.Errorf("%w: position %s is %s, not %s", ErrCASFailed, fingerprint.Hex(), domain.PositionStatus(current.Status), from)
		}

		updates := &current
		updates.Status = int(to)
		stampTransitionTime(updates, to)
		if set != nil {
			set(updates)
		}
		if err := tx.Save(updates).Error; err != nil {
			return err
		}
		for _, fn := range after {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// SettleOnce applies the Liquidated->Settled transition idempotently: if
// the position is already Settled, it is a no-op success rather than a
// CAS failure, satisfying the "repeated settle is a no-op, never a
// double credit" invariant (spec §8 invariant 1). The Pending Settlement
// Record is removed atomically with the transition, per spec §3 ("Exists
// only while LiquidationPending. Removed atomically with the Settled
// transition").
func (s *Store) SettleOnce(fingerprint domain.Fingerprint, settlementAmount string) error {
	var current PositionRecord
	if err := s.db.Where("fingerprint = ?", fingerprint.Hex()).First(&current).Error; err != nil {
		return fmt.Errorf("lookup position %s: %w", fingerprint.Hex(), err)
	}
	if domain.PositionStatus(current.Status) == domain.Settled {
		return nil // monotone sink: already settled, no-op
	}
	return s.Transition(fingerprint, domain.Liquidated, domain.Settled, func(r *PositionRecord) {
		r.SettlementAmount = settlementAmount
	}, func(tx *gorm.DB) error {
		return tx.Where("fingerprint = ?", fingerprint.Hex()).Delete(&PendingSettlementRecord{}).Error
	})
}

// GetPosition fetches one position by fingerprint.
func (s *Store) GetPosition(fingerprint domain.Fingerprint) (*domain.Position, error) {
	var record PositionRecord
	if err := s.db.Where("fingerprint = ?", fingerprint.Hex()).First(&record).Error; err != nil {
		return nil, fmt.Errorf("get position %s: %w", fingerprint.Hex(), err)
	}
	return fromRecord(&record), nil
}

// ListByStatus returns every position currently in the given status, used
// by the Monitor/Liquidation Controller/Diagnostics to scan work queues.
func (s *Store) ListByStatus(status domain.PositionStatus) ([]*domain.Position, error) {
	var records []PositionRecord
	if err := s.db.Where("status = ?", int(status)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list positions by status %s: %w", status, err)
	}
	out := make([]*domain.Position, len(records))
	for i := range records {
		out[i] = fromRecord(&records[i])
	}
	return out, nil
}

// AppendOperationLog records one outbound-transaction attempt,
// idempotent on (fingerprint, phase, attempt) so a restarted writer task
// recovers instead of resubmitting (spec §3, §5).
func (s *Store) AppendOperationLog(entry *domain.OperationLogEntry) error {
	record := &OperationLogRecord{
		Fingerprint:    entry.Fingerprint.Hex(),
		Phase:          string(entry.Phase),
		Attempt:        entry.Attempt,
		PayloadDigest:  fmt.Sprintf("%x", entry.PayloadDigest),
		IdempotencyKey: entry.IdempotencyKey,
		ReceiptStatus:  entry.ReceiptStatus,
		TxHash:         entry.TxHash.Hex(),
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}, {Name: "phase"}, {Name: "attempt"}},
		DoUpdates: clause.AssignmentColumns([]string{"receipt_status", "tx_hash", "updated_at"}),
	}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("append operation log: %w", result.Error)
	}
	return nil
}

// CountAttempts returns how many attempts of one phase have already been
// logged for a fingerprint, letting the Liquidation Controller enforce
// its retry bound (spec §4.7: "if below the retry bound, re-quote and
// retry... if above, enter operator-attention").
func (s *Store) CountAttempts(fingerprint domain.Fingerprint, phase domain.OperationPhase) (int, error) {
	var count int64
	err := s.db.Model(&OperationLogRecord{}).
		Where("fingerprint = ? AND phase = ?", fingerprint.Hex(), string(phase)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count attempts for %s/%s: %w", fingerprint.Hex(), phase, err)
	}
	return int(count), nil
}

// GetCursor reads a tailer's persisted resume point, defaulting to 0 for
// a source never seen before.
func (s *Store) GetCursor(source string) (uint64, error) {
	var record EventCursorRecord
	err := s.db.Where("source = ?", source).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", source, err)
	}
	return record.LastBlock, nil
}

// AdvanceCursor persists a tailer's new resume point.
func (s *Store) AdvanceCursor(source string, block uint64) error {
	record := &EventCursorRecord{Source: source, LastBlock: block}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_block", "updated_at"}),
	}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("advance cursor %s: %w", source, result.Error)
	}
	return nil
}

// UpsertPendingSettlement creates or refreshes the Pending Settlement
// Record for a fingerprint, as the Monitor's AssetsReturned handler does
// (spec §4.6): a pool/price re-quote across retries refreshes the same
// row rather than accumulating duplicates.
func (s *Store) UpsertPendingSettlement(ps *domain.PendingSettlement) error {
	record := &PendingSettlementRecord{
		Fingerprint:   ps.Fingerprint.Hex(),
		ExpectedToken: ps.ExpectedToken.Hex(),
		MinAmount:     bigIntToString(ps.MinAmount),
		Deadline:      ps.Deadline,
		CreatedAt:     time.Now(),
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"expected_token", "min_amount", "deadline"}),
	}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("upsert pending settlement %s: %w", ps.Fingerprint.Hex(), result.Error)
	}
	return nil
}

// GetPendingSettlement reads the current Pending Settlement Record for a
// fingerprint, used by the Liquidation Controller's BurnAndCollect and
// SwapAndReturnAndSettle phases to read the stored minimums.
func (s *Store) GetPendingSettlement(fingerprint domain.Fingerprint) (*domain.PendingSettlement, error) {
	var record PendingSettlementRecord
	if err := s.db.Where("fingerprint = ?", fingerprint.Hex()).First(&record).Error; err != nil {
		return nil, fmt.Errorf("get pending settlement %s: %w", fingerprint.Hex(), err)
	}
	return &domain.PendingSettlement{
		Fingerprint:   fingerprint,
		ExpectedToken: addressFromHex(record.ExpectedToken),
		MinAmount:     stringToBigInt(record.MinAmount),
		Deadline:      record.Deadline,
		Sequence:      record.Sequence,
	}, nil
}

// UpsertPool writes a freshly-ingested pool snapshot, resetting its
// missed-cycle counter since it was just successfully seen (spec §4.2).
func (s *Store) UpsertPool(pool *domain.Pool) error {
	record := poolToRecord(pool)
	record.MissedCycles = 0
	record.SoftDeleted = false
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = record.LastRefreshAt
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"token0", "token1", "decimals0", "decimals1", "tick_spacing", "fee_tier",
			"tvl_usd", "volume24h_usd", "yield_estimate", "sqrt_price_x96", "tick",
			"last_refresh_at", "missed_cycles", "soft_deleted",
		}),
	}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("upsert pool %s: %w", pool.ID.Address.Hex(), result.Error)
	}
	return nil
}

// MarkMissedCycle increments a pool's consecutive-miss counter and
// returns the new count, inserting a zero-TVL placeholder row the first
// time a configured pool is seen missing before ever being ingested.
func (s *Store) MarkMissedCycle(id domain.PoolID) (int, error) {
	var missed int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var record PoolRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chain_id = ? AND address = ?", id.ChainID, id.Address.Hex()).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = PoolRecord{
				ChainID:      id.ChainID,
				Address:      id.Address.Hex(),
				FirstSeenAt:  time.Now(),
				MissedCycles: 1,
			}
			missed = 1
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}
		record.MissedCycles++
		missed = record.MissedCycles
		return tx.Save(&record).Error
	})
	if err != nil {
		return 0, fmt.Errorf("mark missed cycle for pool %s: %w", id.Address.Hex(), err)
	}
	return missed, nil
}

// SoftDeletePool marks a pool ineligible for new investments without
// removing its row, so positions already referencing it keep a valid
// foreign key (spec §4.2).
func (s *Store) SoftDeletePool(id domain.PoolID) error {
	result := s.db.Model(&PoolRecord{}).
		Where("chain_id = ? AND address = ?", id.ChainID, id.Address.Hex()).
		Update("soft_deleted", true)
	if result.Error != nil {
		return fmt.Errorf("soft-delete pool %s: %w", id.Address.Hex(), result.Error)
	}
	return nil
}

// ListPools returns every non-soft-deleted pool tracked on a chain.
func (s *Store) ListPools(chainID uint64) ([]*domain.Pool, error) {
	var records []PoolRecord
	if err := s.db.Where("chain_id = ? AND soft_deleted = ?", chainID, false).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list pools for chain %d: %w", chainID, err)
	}
	out := make([]*domain.Pool, len(records))
	for i := range records {
		out[i] = poolFromRecord(&records[i])
	}
	return out, nil
}

// UpsertUser enrolls a user and their investment preferences, or updates
// both if already enrolled (spec §3's User/Preferences data model, read
// by the Decision Engine on every scheduled run).
func (s *Store) UpsertUser(u *domain.User) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		userRecord := &UserRecord{Address: u.Address.Hex()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(userRecord).Error; err != nil {
			return fmt.Errorf("upsert user %s: %w", u.Address.Hex(), err)
		}

		prefRecord := preferencesToRecord(u.Address, &u.Preferences)
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"min_annual_yield", "max_allocation_fraction", "preferred_base_assets",
				"risk_level", "stop_loss_percent", "take_profit_percent", "liquidation_slippage_bps",
			}),
		}).Create(prefRecord).Error; err != nil {
			return fmt.Errorf("upsert preferences for %s: %w", u.Address.Hex(), err)
		}
		return nil
	})
}

// ListUsers returns every enrolled user with their current preferences,
// the Decision Engine's per-cycle input set.
func (s *Store) ListUsers() ([]*domain.User, error) {
	var userRecords []UserRecord
	if err := s.db.Find(&userRecords).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]*domain.User, 0, len(userRecords))
	for _, ur := range userRecords {
		var prefRecord PreferencesRecord
		if err := s.db.Where("user_address = ?", ur.Address).First(&prefRecord).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue // enrolled without preferences yet; not eligible for a Decide run
			}
			return nil, fmt.Errorf("load preferences for %s: %w", ur.Address, err)
		}
		out = append(out, &domain.User{
			Address:     addressFromHex(ur.Address),
			Preferences: *preferencesFromRecord(&prefRecord),
		})
	}
	return out, nil
}

// ListPositionsByUser returns every position for one user, in any
// status, the Decision Engine's "current positions" input (Decide skips
// terminal ones itself).
func (s *Store) ListPositionsByUser(user common.Address) ([]*domain.Position, error) {
	var records []PositionRecord
	if err := s.db.Where("user_address = ?", user.Hex()).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list positions for user %s: %w", user.Hex(), err)
	}
	out := make([]*domain.Position, len(records))
	for i := range records {
		out[i] = fromRecord(&records[i])
	}
	return out, nil
}

func preferencesToRecord(user common.Address, p *domain.Preferences) *PreferencesRecord {
	assets := make([]string, len(p.PreferredBaseAssets))
	for i, a := range p.PreferredBaseAssets {
		assets[i] = a.Hex()
	}
	return &PreferencesRecord{
		UserAddress:            user.Hex(),
		MinAnnualYield:         p.MinAnnualYield,
		MaxAllocationFraction:  p.MaxAllocationFraction,
		PreferredBaseAssets:    joinAddresses(assets),
		RiskLevel:              p.RiskLevel,
		StopLossPercent:        p.StopLossPercent,
		TakeProfitPercent:      p.TakeProfitPercent,
		LiquidationSlippageBps: p.LiquidationSlippageBps,
	}
}

func preferencesFromRecord(r *PreferencesRecord) *domain.Preferences {
	return &domain.Preferences{
		UserAddress:            addressFromHex(r.UserAddress),
		MinAnnualYield:         r.MinAnnualYield,
		MaxAllocationFraction:  r.MaxAllocationFraction,
		PreferredBaseAssets:    splitAddresses(r.PreferredBaseAssets),
		RiskLevel:              r.RiskLevel,
		StopLossPercent:        r.StopLossPercent,
		TakeProfitPercent:      r.TakeProfitPercent,
		LiquidationSlippageBps: r.LiquidationSlippageBps,
	}
}

func joinAddresses(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ","
		}
		out += a
	}
	return out
}

func splitAddresses(s string) []common.Address {
	if s == "" {
		return nil
	}
	var out []common.Address
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, addressFromHex(s[start:i]))
			start = i + 1
		}
	}
	return out
}

func poolToRecord(p *domain.Pool) *PoolRecord {
	return &PoolRecord{
		ChainID:       p.ID.ChainID,
		Address:       p.ID.Address.Hex(),
		Token0:        p.Token0.Hex(),
		Token1:        p.Token1.Hex(),
		Decimals0:     p.Decimals0,
		Decimals1:     p.Decimals1,
		TickSpacing:   p.TickSpacing,
		FeeTier:       p.FeeTier,
		TVLUSD:        p.TVLUSD,
		Volume24hUSD:  p.Volume24hUSD,
		YieldEstimate: p.YieldEstimateB,
		SqrtPriceX96:  bigIntToString(p.SqrtPriceX96),
		Tick:          p.Tick,
		FirstSeenAt:   p.FirstSeenAt,
		LastRefreshAt: p.LastRefreshAt,
		MissedCycles:  p.MissedCycles,
		SoftDeleted:   p.SoftDeleted,
	}
}

func poolFromRecord(r *PoolRecord) *domain.Pool {
	return &domain.Pool{
		ID:             domain.PoolID{ChainID: r.ChainID, Address: addressFromHex(r.Address)},
		Token0:         addressFromHex(r.Token0),
		Token1:         addressFromHex(r.Token1),
		Decimals0:      r.Decimals0,
		Decimals1:      r.Decimals1,
		TickSpacing:    r.TickSpacing,
		FeeTier:        r.FeeTier,
		TVLUSD:         r.TVLUSD,
		Volume24hUSD:   r.Volume24hUSD,
		YieldEstimateB: r.YieldEstimate,
		SqrtPriceX96:   stringToBigInt(r.SqrtPriceX96),
		Tick:           r.Tick,
		FirstSeenAt:    r.FirstSeenAt,
		LastRefreshAt:  r.LastRefreshAt,
		MissedCycles:   r.MissedCycles,
		SoftDeleted:    r.SoftDeleted,
	}
}

func stampTransitionTime(r *PositionRecord, to domain.PositionStatus) {
	now := time.Now()
	switch to {
	case domain.PendingExecution:
		r.DispatchedAt = &now
	case domain.Active:
		r.ExecutedAt = &now
		r.ActiveAt = &now
	case domain.LiquidationPending:
		r.LiquidationPendingAt = &now
	case domain.Liquidated:
		r.LiquidatedAt = &now
	case domain.Settled:
		r.SettledAt = &now
	case domain.Cancelled:
		r.CancelledAt = &now
	case domain.Failed:
		r.FailedAt = &now
	}
}

func toRecord(p *domain.Position) *PositionRecord {
	return &PositionRecord{
		Fingerprint:   p.Fingerprint.Hex(),
		UserAddress:   p.UserAddress.Hex(),
		ChainID:       p.ChainID,
		PoolChainID:   p.PoolID.ChainID,
		PoolAddress:   p.PoolID.Address.Hex(),
		BaseAsset:     p.BaseAsset.Hex(),
		Amount:        bigIntToString(p.Amount),
		LowerBoundBps: p.LowerBoundBps,
		UpperBoundBps: p.UpperBoundBps,
		Nonce:         p.Nonce,
		EntryTick:     p.EntryTick,
		NFTPositionID: bigIntToString(p.NFTPositionID),
		Liquidity:     bigIntToString(p.Liquidity),
		FeesToken0:    bigIntToString(p.FeesToken0),
		FeesToken1:    bigIntToString(p.FeesToken1),
		Status:        int(p.Status),
		CreatedAt:     p.CreatedAt,
	}
}

func fromRecord(r *PositionRecord) *domain.Position {
	var fp domain.Fingerprint
	copy(fp[:], common.FromHex(r.Fingerprint))
	return &domain.Position{
		Fingerprint:          fp,
		UserAddress:          addressFromHex(r.UserAddress),
		ChainID:              r.ChainID,
		PoolID:               domain.PoolID{ChainID: r.PoolChainID, Address: addressFromHex(r.PoolAddress)},
		BaseAsset:            addressFromHex(r.BaseAsset),
		Amount:               stringToBigInt(r.Amount),
		LowerBoundBps:        r.LowerBoundBps,
		UpperBoundBps:        r.UpperBoundBps,
		Nonce:                r.Nonce,
		EntryTick:            r.EntryTick,
		NFTPositionID:        stringToBigInt(r.NFTPositionID),
		Liquidity:            stringToBigInt(r.Liquidity),
		FeesToken0:           stringToBigInt(r.FeesToken0),
		FeesToken1:           stringToBigInt(r.FeesToken1),
		Status:               domain.PositionStatus(r.Status),
		CreatedAt:            r.CreatedAt,
		DispatchedAt:         r.DispatchedAt,
		ExecutedAt:           r.ExecutedAt,
		ActiveAt:             r.ActiveAt,
		LiquidationPendingAt: r.LiquidationPendingAt,
		LiquidatedAt:         r.LiquidatedAt,
		SettledAt:            r.SettledAt,
		CancelledAt:          r.CancelledAt,
		FailedAt:             r.FailedAt,
		RemoteSettlementID:   r.RemoteSettlementID,
		SettlementAmount:     stringToBigInt(r.SettlementAmount),
		FailureReason:        r.FailureReason,
	}
}
