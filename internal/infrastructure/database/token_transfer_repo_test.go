package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/testutil"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestTokenTransferRepo_SaveTransfers_Empty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	require.NoError(t, repo.SaveTransfers(context.Background(), nil))
	require.NoError(t, repo.SaveTransfers(context.Background(), []entities.TokenTransfer{}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_SaveTransfers_Commit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	transfers := []entities.TokenTransfer{
		testutil.CreateTestTokenTransfer(testutil.WithTransferLogIndex(0)),
		testutil.CreateTestTokenTransfer(testutil.WithTransferLogIndex(1)),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO token_transfers .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveTransfers(context.Background(), transfers))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_SaveTransfers_RollbackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	insertErr := errors.New("value out of range")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO token_transfers`).WillReturnError(insertErr)
	mock.ExpectRollback()

	err := repo.SaveTransfers(context.Background(), []entities.TokenTransfer{
		testutil.CreateTestTokenTransfer(),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, insertErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_SaveTransfers_BeginError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := repo.SaveTransfers(context.Background(), []entities.TokenTransfer{
		testutil.CreateTestTokenTransfer(),
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_SaveTransfers_CommitError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO token_transfers`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := repo.SaveTransfers(context.Background(), []entities.TokenTransfer{
		testutil.CreateTestTokenTransfer(),
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_SaveTransfers_InvalidHexRejectedBeforeQuery(t *testing.T) {
	tests := []struct {
		name     string
		transfer entities.TokenTransfer
	}{
		{"bad hash", testutil.CreateTestTokenTransfer(testutil.WithTxHash("not-hex"))},
		{"bad from", testutil.CreateTestTokenTransfer(testutil.WithFromAddress("0xzz"))},
		{"bad token", testutil.CreateTestTokenTransfer(testutil.WithTokenAddress(""))},
		{"bad value", func() entities.TokenTransfer {
			tr := testutil.CreateTestTokenTransfer()
			tr.Value = nil
			tr.ValueString = "12abc"
			return tr
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewTokenTransferRepo(db)

			batch := []entities.TokenTransfer{testutil.CreateTestTokenTransfer(), tt.transfer}
			err := repo.SaveTransfers(context.Background(), batch)

			require.Error(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTokenTransferRepo_SaveTransfers_Chunks(t *testing.T) {
	original := insertChunkSize
	insertChunkSize = 2
	t.Cleanup(func() { insertChunkSize = original })

	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	transfers := make([]entities.TokenTransfer, 5)
	for i := range transfers {
		transfers[i] = testutil.CreateTestTokenTransfer(testutil.WithTransferLogIndex(i))
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO token_transfers`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO token_transfers`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO token_transfers`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveTransfers(context.Background(), transfers))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildInsertQuery(t *testing.T) {
	rows := make([]transferRow, 2)
	for i := range rows {
		row, err := toTransferRow(testutil.CreateTestTokenTransfer(testutil.WithTransferLogIndex(i)))
		require.NoError(t, err)
		rows[i] = row
	}

	query, args := buildInsertQuery(rows)

	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9), ($10, $11, $12, $13, $14, $15, $16, $17, $18)")
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT DO NOTHING"))
	require.Len(t, args, 18)
	assert.Equal(t, 0, args[8])
	assert.Equal(t, 1, args[17])
}

func TestToTransferRow_ValueFromString(t *testing.T) {
	tr := testutil.CreateTestTokenTransfer()
	tr.Value = nil
	tr.ValueString = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

	row, err := toTransferRow(tr)
	require.NoError(t, err)
	assert.Equal(t, tr.ValueString, row.Value)
	assert.Len(t, row.Hash, 32)
	assert.Len(t, row.From, 20)
}

func TestToTransferRow_AcceptsUppercaseHex(t *testing.T) {
	upper := "0x" + strings.ToUpper(strings.TrimPrefix(testutil.USDTAddress, "0x"))
	tr := testutil.CreateTestTokenTransfer(testutil.WithTokenAddress(upper))

	row, err := toTransferRow(tr)
	require.NoError(t, err)
	assert.Equal(t, testutil.USDTAddress, row.toEntity().Address)
}

func transferColumns() []string {
	return []string{"hash", "from", "to", "value", "address", "block", "block_hash", "tx_index", "log_index"}
}

func transferRowValues(t *testing.T, tr entities.TokenTransfer) []driver.Value {
	t.Helper()

	row, err := toTransferRow(tr)
	require.NoError(t, err)

	return []driver.Value{
		row.Hash, row.From, row.To, row.Value, row.Address,
		row.Block, row.BlockHash, row.TxIndex, row.LogIndex,
	}
}

func TestTokenTransferRepo_GetTransfers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	maxValue, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	first := testutil.CreateTestTokenTransfer(testutil.WithTransferLogIndex(3))
	second := testutil.CreateTestTokenTransfer(
		testutil.WithTransferLogIndex(5),
		testutil.WithFromAddress(testutil.BobAddress),
		testutil.WithToAddress(testutil.CharlieAddr),
		testutil.WithValue(maxValue),
	)

	hash, err := decodeHex("hash", testutil.TxHashA)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM token_transfers\s+WHERE hash = \$1\s+ORDER BY log_index ASC`).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows(transferColumns()).
			AddRow(transferRowValues(t, first)...).
			AddRow(transferRowValues(t, second)...))

	transfers, err := repo.GetTransfers(context.Background(), testutil.TxHashA)
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	assert.Equal(t, 3, transfers[0].LogIndex)
	assert.Equal(t, testutil.TxHashA, transfers[0].TxHash)
	assert.Equal(t, testutil.AliceAddress, transfers[0].From)
	assert.Equal(t, testutil.BobAddress, transfers[0].To)
	assert.Equal(t, testutil.USDTAddress, transfers[0].Address)
	assert.Equal(t, testutil.BlockHash, transfers[0].BlockHash)
	assert.Equal(t, int64(12345678), transfers[0].BlockNumber)
	assert.Equal(t, 7, transfers[0].TxIndex)

	assert.Equal(t, 5, transfers[1].LogIndex)
	assert.Equal(t, 0, maxValue.Cmp(transfers[1].Value))
	assert.Equal(t, maxValue.String(), transfers[1].ValueString)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_GetTransfers_Empty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	mock.ExpectQuery(`SELECT .* FROM token_transfers`).
		WillReturnRows(sqlmock.NewRows(transferColumns()))

	transfers, err := repo.GetTransfers(context.Background(), testutil.TxHashB)
	require.NoError(t, err)
	assert.Empty(t, transfers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_GetTransfers_Errors(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	_, err := repo.GetTransfers(context.Background(), "0xnothex")
	require.Error(t, err)

	mock.ExpectQuery(`SELECT .* FROM token_transfers`).WillReturnError(errors.New("connection reset"))

	_, err = repo.GetTransfers(context.Background(), testutil.TxHashA)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get token transfers")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenTransferRepo_CountTransfers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenTransferRepo(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM token_transfers WHERE hash = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	count, err := repo.CountTransfers(context.Background(), testutil.TxHashA)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
