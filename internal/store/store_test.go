package store

import (
	"math/big"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/liquidot/orchestrator/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &Store{db: gormDB}, mock
}

func testPosition() *domain.Position {
	var fp domain.Fingerprint
	fp[0] = 0xAB
	return &domain.Position{
		Fingerprint:   fp,
		UserAddress:   common.HexToAddress("0x01"),
		ChainID:       137,
		PoolID:        domain.PoolID{ChainID: 137, Address: common.HexToAddress("0x02")},
		BaseAsset:     common.HexToAddress("0x03"),
		Amount:        big.NewInt(1_000_000),
		LowerBoundBps: -500,
		UpperBoundBps: 500,
		Nonce:         1,
		Status:        domain.PendingDispatch,
		CreatedAt:     time.Now(),
	}
}

func TestInsertPendingDispatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.InsertPendingDispatch(testPosition())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPendingDispatchDuplicateIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `positions`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.InsertPendingDispatch(testPosition())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestTransitionRejectsSettledAsFrom(t *testing.T) {
	s, _ := newMockStore(t)
	var fp domain.Fingerprint
	err := s.Transition(fp, domain.Settled, domain.Failed, nil)
	assert.ErrorIs(t, err, ErrCASFailed)
}

func TestTransitionRejectsIllegalPair(t *testing.T) {
	s, _ := newMockStore(t)
	var fp domain.Fingerprint
	err := s.Transition(fp, domain.PendingDispatch, domain.Settled, nil)
	var illegal *domain.ErrIllegalTransition
	assert.ErrorAs(t, err, &illegal)
}

// TestSettleOnceDeletesPendingSettlement enshrines spec §3's "Pending
// Settlement Record ... Removed atomically with the Settled transition":
// the delete must land inside the same transaction as the CAS update.
func TestSettleOnceDeletesPendingSettlement(t *testing.T) {
	s, mock := newMockStore(t)
	var fp domain.Fingerprint
	fp[0] = 0xCD

	mock.ExpectQuery("SELECT .* FROM `positions`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(fp.Hex(), int(domain.Liquidated)))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM `positions`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(fp.Hex(), int(domain.Liquidated)))
	mock.ExpectExec("UPDATE `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM `pending_settlements`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SettleOnce(fp, "41000000")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSettleOnceAlreadySettledIsNoOp exercises the monotone-sink guard
// (spec §8 invariant 1, property 6): a second settle attempt touches
// neither the position row nor the pending settlement row.
func TestSettleOnceAlreadySettledIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)
	var fp domain.Fingerprint
	fp[0] = 0xCE

	mock.ExpectQuery("SELECT .* FROM `positions`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(fp.Hex(), int(domain.Settled)))

	err := s.SettleOnce(fp, "41000000")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
