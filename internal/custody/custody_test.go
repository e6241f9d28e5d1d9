package custody

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ksred/escrow-api/internal/types"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&types.TokenAccount{}))
	return db
}

func TestOpenAndGetAccount(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	account, err := db.OpenAccount("acct-1", "alice", "USDT")
	require.NoError(t, err)
	require.Equal(t, uint64(0), account.Balance)

	got, err := db.GetAccount("acct-1")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Owner)
	require.Equal(t, "USDT", got.Asset)

	_, err = db.GetAccount("missing")
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestTransfer(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	_, err := db.OpenAccount("src", "alice", "USDT")
	require.NoError(t, err)
	_, err = db.OpenAccount("dst", "bob", "USDT")
	require.NoError(t, err)
	require.NoError(t, db.Credit("src", 1_000))

	require.NoError(t, db.Transfer("src", "dst", 400, "alice"))

	srcBalance, err := db.Balance("src")
	require.NoError(t, err)
	require.Equal(t, uint64(600), srcBalance)

	dstBalance, err := db.Balance("dst")
	require.NoError(t, err)
	require.Equal(t, uint64(400), dstBalance)
}

func TestTransferRejectsWrongAuthority(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	_, err := db.OpenAccount("src", "alice", "USDT")
	require.NoError(t, err)
	_, err = db.OpenAccount("dst", "bob", "USDT")
	require.NoError(t, err)
	require.NoError(t, db.Credit("src", 1_000))

	err = db.Transfer("src", "dst", 100, "mallory")
	require.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestTransferRejectsAssetMismatch(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	_, err := db.OpenAccount("src", "alice", "USDT")
	require.NoError(t, err)
	_, err = db.OpenAccount("dst", "bob", "SOL")
	require.NoError(t, err)
	require.NoError(t, db.Credit("src", 1_000))

	err = db.Transfer("src", "dst", 100, "alice")
	require.ErrorIs(t, err, types.ErrInvalidTokenAccount)
}

func TestTransferRejectsOverdraw(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	_, err := db.OpenAccount("src", "alice", "USDT")
	require.NoError(t, err)
	_, err = db.OpenAccount("dst", "bob", "USDT")
	require.NoError(t, err)
	require.NoError(t, db.Credit("src", 50))

	err = db.Transfer("src", "dst", 100, "alice")
	require.ErrorIs(t, err, types.ErrInsufficientBalance)

	// The failed transfer must not touch either balance
	srcBalance, err := db.Balance("src")
	require.NoError(t, err)
	require.Equal(t, uint64(50), srcBalance)
}

func TestCloseAccount(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	_, err := db.OpenAccount("acct", "alice", "USDT")
	require.NoError(t, err)
	require.NoError(t, db.Credit("acct", 10))

	err = db.CloseAccount("acct")
	require.ErrorIs(t, err, ErrAccountNotEmpty)

	_, err = db.OpenAccount("sink", "alice", "USDT")
	require.NoError(t, err)
	require.NoError(t, db.Transfer("acct", "sink", 10, "alice"))

	require.NoError(t, db.CloseAccount("acct"))
	_, err = db.GetAccount("acct")
	require.ErrorIs(t, err, types.ErrAccountNotFound)

	err = db.CloseAccount("acct")
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestCreditMissingAccount(t *testing.T) {
	db := NewDatabase(newTestDB(t))

	err := db.Credit("missing", 100)
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}
