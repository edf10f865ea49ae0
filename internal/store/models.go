// Package store is the Position Store (spec §4.3): GORM/MySQL models for
// positions, pending settlements, the operation log, pools, users, and
// event cursors, with CAS transitions and idempotent inserts enforced at
// this layer rather than trusted to callers. Generalizes the teacher's
// internal/db (a single AssetSnapshotRecord table) to the full spec §3
// data model.
package store

import (
	"math/big"
	"time"
)

// PositionRecord is the GORM model backing domain.Position.
type PositionRecord struct {
	Fingerprint string `gorm:"primaryKey;type:char(64)"`

	UserAddress string `gorm:"index;type:char(42);not null"`
	ChainID     uint64 `gorm:"index;not null"`
	PoolChainID uint64 `gorm:"not null"`
	PoolAddress string `gorm:"type:char(42);not null"`
	BaseAsset   string `gorm:"type:char(42);not null"`
	Amount      string `gorm:"type:varchar(78);not null;comment:big.Int as string"`

	LowerBoundBps int32 `gorm:"not null"`
	UpperBoundBps int32 `gorm:"not null"`
	Nonce         uint64

	EntryTick int32

	NFTPositionID string `gorm:"type:varchar(78)"`
	Liquidity     string `gorm:"type:varchar(78)"`
	FeesToken0    string `gorm:"type:varchar(78)"`
	FeesToken1    string `gorm:"type:varchar(78)"`

	Status int `gorm:"index;not null"`

	CreatedAt            time.Time `gorm:"index;not null"`
	DispatchedAt         *time.Time
	ExecutedAt           *time.Time
	ActiveAt             *time.Time
	LiquidationPendingAt *time.Time
	LiquidatedAt         *time.Time
	SettledAt            *time.Time
	CancelledAt          *time.Time
	FailedAt             *time.Time

	RemoteSettlementID string
	SettlementAmount   string `gorm:"type:varchar(78)"`

	FailureReason string `gorm:"type:text"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (PositionRecord) TableName() string { return "positions" }

// PendingSettlementRecord backs domain.PendingSettlement.
type PendingSettlementRecord struct {
	Fingerprint   string `gorm:"primaryKey;type:char(64)"`
	ExpectedToken string `gorm:"type:char(42);not null"`
	MinAmount     string `gorm:"type:varchar(78);not null"`
	Deadline      time.Time
	Sequence      uint64 `gorm:"autoIncrement"`
	CreatedAt     time.Time
}

func (PendingSettlementRecord) TableName() string { return "pending_settlements" }

// OperationLogRecord backs domain.OperationLogEntry.
type OperationLogRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	Fingerprint    string `gorm:"index:idx_op_log_key,unique;type:char(64);not null"`
	Phase          string `gorm:"index:idx_op_log_key,unique;type:varchar(32);not null"`
	Attempt        int    `gorm:"index:idx_op_log_key,unique;not null"`
	PayloadDigest  string `gorm:"type:char(64);not null"`
	IdempotencyKey string `gorm:"index;type:varchar(64);not null"`
	ReceiptStatus  string `gorm:"type:varchar(32)"`
	TxHash         string `gorm:"type:char(66)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (OperationLogRecord) TableName() string { return "operation_log" }

// PoolRecord backs domain.Pool.
type PoolRecord struct {
	ChainID        uint64 `gorm:"primaryKey"`
	Address        string `gorm:"primaryKey;type:char(42)"`
	Token0         string `gorm:"type:char(42);not null"`
	Token1         string `gorm:"type:char(42);not null"`
	Decimals0      uint8
	Decimals1      uint8
	TickSpacing    int32
	FeeTier        uint32
	TVLUSD         float64
	Volume24hUSD   float64
	YieldEstimate  float64
	SqrtPriceX96   string `gorm:"type:varchar(78)"`
	Tick           int32
	FirstSeenAt    time.Time
	LastRefreshAt  time.Time `gorm:"index"`
	MissedCycles   int
	SoftDeleted    bool `gorm:"index"`
}

func (PoolRecord) TableName() string { return "pools" }

// UserRecord + PreferencesRecord back domain.User/domain.Preferences.
type UserRecord struct {
	Address string `gorm:"primaryKey;type:char(42)"`
}

func (UserRecord) TableName() string { return "users" }

type PreferencesRecord struct {
	UserAddress            string `gorm:"primaryKey;type:char(42)"`
	MinAnnualYield         float64
	MaxAllocationFraction  float64
	PreferredBaseAssets    string `gorm:"type:text;comment:comma-separated addresses, ordered"`
	RiskLevel              int
	StopLossPercent        float64
	TakeProfitPercent      float64
	LiquidationSlippageBps int
}

func (PreferencesRecord) TableName() string { return "preferences" }

// EventCursorRecord persists the Monitor's resumable per-source cursor
// (spec §4.6).
type EventCursorRecord struct {
	Source      string `gorm:"primaryKey;type:varchar(64)"` // e.g. "hub", "spoke:<chainID>"
	LastBlock   uint64 `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (EventCursorRecord) TableName() string { return "event_cursors" }

func bigIntToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func stringToBigInt(s string) *big.Int {
	if s == "" {
		s = "0"
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
