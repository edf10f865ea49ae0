package liquidation

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/liquidot/orchestrator/internal/chainadapter"
	"github.com/liquidot/orchestrator/internal/domain"
	"github.com/liquidot/orchestrator/internal/store"
	"github.com/liquidot/orchestrator/pkg/contractclient"
	"github.com/liquidot/orchestrator/pkg/txlistener"
)

var errQuoteFailed = errors.New("quote view-call reverted")

const liquidationABIJSON = `[
  {"type":"function","name":"quoteExactInputSingle","inputs":[],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"executeFullLiquidation","inputs":[
    {"name":"nftId","type":"uint256"},{"name":"minAmount","type":"uint256"},{"name":"deadline","type":"int64"}],"outputs":[]},
  {"type":"function","name":"swapAndReturn","inputs":[
    {"name":"nftId","type":"uint256"},{"name":"baseAsset","type":"address"},{"name":"user","type":"address"},
    {"name":"minA","type":"uint256"},{"name":"minB","type":"uint256"},{"name":"extra","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"settleLiquidation","inputs":[
    {"name":"fingerprint","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

func mustParseLiquidationABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(liquidationABIJSON))
	require.NoError(t, err)
	return parsed
}

type fakeContract struct {
	address         common.Address
	abi             abi.ABI
	parseLogsResult []map[string]interface{}
}

func (f *fakeContract) Address() common.Address { return f.address }
func (f *fakeContract) Abi() *abi.ABI           { return &f.abi }
func (f *fakeContract) Call(*common.Address, string, ...interface{}) ([]interface{}, error) {
	return nil, nil
}
func (f *fakeContract) Send(contractclient.TxType, uint64, common.Address, *ecdsa.PrivateKey, string, ...interface{}) (common.Hash, error) {
	return common.Hash{}, nil
}
func (f *fakeContract) SendRaw(contractclient.TxType, uint64, common.Address, *ecdsa.PrivateKey, []byte) (common.Hash, error) {
	return common.Hash{}, nil
}
func (f *fakeContract) TransactionData(common.Hash) ([]byte, error) { return nil, nil }
func (f *fakeContract) DecodeTransaction([]byte) (*contractclient.DecodedCall, error) {
	return nil, nil
}
func (f *fakeContract) ParseReceipt(*gethtypes.Receipt) ([]map[string]interface{}, error) {
	return nil, nil
}
func (f *fakeContract) ParseLogs([]*gethtypes.Log) ([]map[string]interface{}, error) {
	return f.parseLogsResult, nil
}

// fakeAdapter answers CallView with a scripted quote and DecodeError with a
// fixed classification; every other ChainAdapter method panics if called,
// which none of these tests exercise.
type fakeAdapter struct {
	chainadapter.ChainAdapter
	quote    *big.Int
	quoteErr error
}

func (f *fakeAdapter) CallView(ctx context.Context, call chainadapter.ViewCall) ([]interface{}, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return []interface{}{f.quote}, nil
}

func (f *fakeAdapter) DecodeError(operation string, err error) *chainadapter.ChainError {
	return &chainadapter.ChainError{Operation: operation, Class: chainadapter.ClassSimulationRevert, Err: err}
}

type scriptedSender struct {
	hash         common.Hash
	err          error
	lastCalldata []byte
}

func (s *scriptedSender) Send(ctx context.Context, calldata []byte) (common.Hash, error) {
	s.lastCalldata = calldata
	return s.hash, s.err
}

type scriptedListener struct {
	receipt *txlistener.TxReceipt
	err     error
}

func (l *scriptedListener) WaitForTransaction(common.Hash) (*txlistener.TxReceipt, error) {
	return l.receipt, l.err
}

func newMockController(t *testing.T, cfg Config, spokeAdapter *fakeAdapter, spokeSend Sender, spokeListen txlistener.TxListener, hubSend Sender, hubListen txlistener.TxListener) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	st, err := store.NewWithDB(gormDB)
	require.NoError(t, err)

	parsedABI := mustParseLiquidationABI(t)
	spoke := &fakeContract{address: common.HexToAddress("0xSPOKE"), abi: parsedABI}
	hub := &fakeContract{address: common.HexToAddress("0xHUB"), abi: parsedABI}

	ctrl := New(st, spoke, spokeAdapter, spokeSend, spokeListen, hub, spokeAdapter, hubSend, hubListen, cfg)
	return ctrl, mock
}

func testActivePosition() *domain.Position {
	var fp domain.Fingerprint
	fp[0] = 0xAB
	return &domain.Position{
		Fingerprint:    fp,
		UserAddress:    common.HexToAddress("0x01"),
		ChainID:        137,
		BaseAsset:      common.HexToAddress("0x03"),
		Amount:         big.NewInt(1_000_000),
		Liquidity:      big.NewInt(500_000),
		NFTPositionID:  big.NewInt(42),
		Status:         domain.Active,
	}
}

func TestQuoteAndCommitTransitionsToLiquidationPending(t *testing.T) {
	adapter := &fakeAdapter{quote: big.NewInt(1_000_000)}
	ctrl, mock := newMockController(t, Config{SlippageBps: 50, QuoteDeadline: time.Second}, adapter, nil, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `pending_settlements`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(testActivePosition().Fingerprint.Hex(), int(domain.Active))
	mock.ExpectQuery("SELECT .* FROM `positions`").WillReturnRows(rows)
	mock.ExpectExec("UPDATE `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ctrl.QuoteAndCommit(context.Background(), testActivePosition())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteAndCommitEscalatesOnQuoteFailure(t *testing.T) {
	adapter := &fakeAdapter{quoteErr: errQuoteFailed}
	ctrl, mock := newMockController(t, Config{SlippageBps: 50, QuoteDeadline: time.Second}, adapter, nil, nil, nil, nil)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(testActivePosition().Fingerprint.Hex(), int(domain.Active))
	mock.ExpectQuery("SELECT .* FROM `positions`").WillReturnRows(rows)
	mock.ExpectExec("UPDATE `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ctrl.QuoteAndCommit(context.Background(), testActivePosition())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalated to operator attention")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteAndCommitEscalatesBelowAbsoluteMinimum(t *testing.T) {
	adapter := &fakeAdapter{quote: big.NewInt(10)}
	ctrl, mock := newMockController(t, Config{SlippageBps: 50, QuoteDeadline: time.Second, AbsoluteMinAmount: big.NewInt(1_000_000)}, adapter, nil, nil, nil, nil)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(testActivePosition().Fingerprint.Hex(), int(domain.Active))
	mock.ExpectQuery("SELECT .* FROM `positions`").WillReturnRows(rows)
	mock.ExpectExec("UPDATE `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ctrl.QuoteAndCommit(context.Background(), testActivePosition())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below absolute floor")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapAndReturnAndSettleSettlesOnSuccess(t *testing.T) {
	adapter := &fakeAdapter{}
	goodHash := common.HexToHash("0xAAA")
	spokeSend := &scriptedSender{hash: goodHash}
	spokeListen := &scriptedListener{receipt: &txlistener.TxReceipt{Status: 1}}
	hubSend := &scriptedSender{hash: common.HexToHash("0xBBB")}
	hubListen := &scriptedListener{receipt: &txlistener.TxReceipt{Status: 1}}

	ctrl, mock := newMockController(t, Config{SlippageBps: 50, QuoteDeadline: time.Second}, adapter, spokeSend.Send, spokeListen, hubSend.Send, hubListen)

	// The Phase-0 minOut floor ("950000") and the amount actually observed
	// in the swapAndReturn receipt's AssetsReturned log ("1010000") are
	// deliberately different: the settled amount must come from the
	// latter, never the former (spec §4.7, §8 invariant 1).
	observedAmount := big.NewInt(1_010_000)
	ctrl.spoke = &fakeContract{
		address: common.HexToAddress("0xSPOKE"),
		abi:     mustParseLiquidationABI(t),
		parseLogsResult: []map[string]interface{}{
			{"Name": "AssetsReturned", "Parameter": map[string]interface{}{"amount": observedAmount}},
		},
	}

	position := testActivePosition()
	position.Status = domain.Liquidated

	mock.ExpectQuery("SELECT .* FROM `pending_settlements`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "expected_token", "min_amount", "deadline"}).
			AddRow(position.Fingerprint.Hex(), position.BaseAsset.Hex(), "950000", time.Now().Add(time.Hour)))

	mock.ExpectQuery("SELECT .* FROM `positions`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(position.Fingerprint.Hex(), int(domain.Liquidated)))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM `positions`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(position.Fingerprint.Hex(), int(domain.Liquidated)))
	mock.ExpectExec("UPDATE `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM `pending_settlements`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := ctrl.SwapAndReturnAndSettle(context.Background(), position)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The hub settle calldata must carry the observed amount, never the
	// Phase-0 floor.
	parsedABI := mustParseLiquidationABI(t)
	decoded, err := parsedABI.Methods[methodSettleLiquidation].Inputs.Unpack(hubSend.lastCalldata[4:])
	require.NoError(t, err)
	assert.Equal(t, 0, observedAmount.Cmp(decoded[1].(*big.Int)), "settle calldata must carry the observed amount, not the Phase-0 floor")
}

func TestSwapAndReturnAndSettleEscalatesOnNonRetryableSubmitFailure(t *testing.T) {
	adapter := &fakeAdapter{}
	spokeSend := &scriptedSender{err: errQuoteFailed}

	ctrl, mock := newMockController(t, Config{SlippageBps: 50, QuoteDeadline: time.Second}, adapter, spokeSend.Send, nil, nil, nil)

	position := testActivePosition()
	position.Status = domain.Liquidated

	mock.ExpectQuery("SELECT .* FROM `pending_settlements`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "expected_token", "min_amount", "deadline"}).
			AddRow(position.Fingerprint.Hex(), position.BaseAsset.Hex(), "950000", time.Now().Add(time.Hour)))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM `positions`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(position.Fingerprint.Hex(), int(domain.Liquidated)))
	mock.ExpectExec("UPDATE `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ctrl.SwapAndReturnAndSettle(context.Background(), position)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalated to operator attention")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryOrEscalateRetriesUnderBound(t *testing.T) {
	ctrl := &Controller{cfg: Config{MaxRetries: 3}}
	err := ctrl.retryOrEscalate(domain.Fingerprint{}, domain.PhaseLiquidate, 1, errQuoteFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "will retry")
}

func TestRetryOrEscalateEscalatesAtBound(t *testing.T) {
	adapter := &fakeAdapter{}
	ctrl, mock := newMockController(t, Config{MaxRetries: 3}, adapter, nil, nil, nil, nil)

	var fp domain.Fingerprint
	fp[0] = 0xCD
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(fp.Hex(), int(domain.LiquidationPending))
	mock.ExpectQuery("SELECT .* FROM `positions`").WillReturnRows(rows)
	mock.ExpectExec("UPDATE `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := ctrl.retryOrEscalate(fp, domain.PhaseLiquidate, 3, errQuoteFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted 3 attempts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceDispatchesByStatus(t *testing.T) {
	adapter := &fakeAdapter{}
	ctrl, mock := newMockController(t, Config{SlippageBps: 50, QuoteDeadline: time.Second}, adapter, nil, nil, nil, nil)

	var fp domain.Fingerprint
	fp[0] = 0xEF
	mock.ExpectQuery("SELECT .* FROM `positions`").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status"}).AddRow(fp.Hex(), int(domain.PendingExecution)))

	err := ctrl.Advance(context.Background(), fp)
	assert.NoError(t, err) // PendingExecution is not a liquidation phase: no-op
	assert.NoError(t, mock.ExpectationsWereMet())
}
