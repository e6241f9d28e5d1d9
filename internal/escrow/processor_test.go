package escrow

import (
	"testing"
	"time"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/stretchr/testify/require"
)

// A fully settled order left behind, for instance by a crash between
// settlement and auto-close, is reclaimed by the background sweep.
func TestReclaimerSweepsStaleOrders(t *testing.T) {
	db := newTestDB(t)
	cfg := defaultConfig()
	processor := NewProcessor(db, cfg, time.Minute)

	orderRef := types.OrderRefFor("alice", "USDT", 1)
	vaultID := types.VaultRefFor(orderRef)
	_, err := custody.NewDatabase(db).OpenAccount(vaultID, orderRef, "USDT")
	require.NoError(t, err)

	require.NoError(t, NewDatabase(db).CreateOrder(&types.Order{
		OrderRef:        orderRef,
		OrderID:         1,
		Creator:         "alice",
		Asset:           "USDT",
		Direction:       types.DirectionSell,
		CommittedAmount: 1_000_000,
		SettledAmount:   1_000_000,
		CustodyAccount:  vaultID,
		Status:          types.StatusOpen,
	}))

	require.NoError(t, processor.sweep())

	_, err = NewDatabase(db).GetOrder(orderRef)
	require.ErrorIs(t, err, types.ErrOrderNotFound)
	_, err = custody.NewDatabase(db).GetAccount(vaultID)
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}

// Dust still held in the vault belongs to the creator; the sweep must
// leave such orders for an explicit close.
func TestReclaimerLeavesFundedVaults(t *testing.T) {
	db := newTestDB(t)
	cfg := defaultConfig()
	processor := NewProcessor(db, cfg, time.Minute)

	orderRef := types.OrderRefFor("alice", "USDT", 2)
	vaultID := types.VaultRefFor(orderRef)
	vault := custody.NewDatabase(db)
	_, err := vault.OpenAccount(vaultID, orderRef, "USDT")
	require.NoError(t, err)
	require.NoError(t, vault.Credit(vaultID, 500_000))

	require.NoError(t, NewDatabase(db).CreateOrder(&types.Order{
		OrderRef:        orderRef,
		OrderID:         2,
		Creator:         "alice",
		Asset:           "USDT",
		Direction:       types.DirectionSell,
		CommittedAmount: 1_500_000,
		SettledAmount:   1_000_000,
		CustodyAccount:  vaultID,
		Status:          types.StatusOpen,
	}))

	require.NoError(t, processor.sweep())

	_, err = NewDatabase(db).GetOrder(orderRef)
	require.NoError(t, err)

	balance, err := vault.Balance(vaultID)
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), balance)
}

// Orders with open reservations are never sweep candidates.
func TestReclaimerSkipsReservedOrders(t *testing.T) {
	db := newTestDB(t)
	cfg := defaultConfig()
	processor := NewProcessor(db, cfg, time.Minute)

	orderRef := types.OrderRefFor("alice", "USDT", 3)
	vaultID := types.VaultRefFor(orderRef)
	_, err := custody.NewDatabase(db).OpenAccount(vaultID, orderRef, "USDT")
	require.NoError(t, err)

	require.NoError(t, NewDatabase(db).CreateOrder(&types.Order{
		OrderRef:        orderRef,
		OrderID:         3,
		Creator:         "alice",
		Asset:           "USDT",
		Direction:       types.DirectionBuy,
		CommittedAmount: 1_000_000,
		SettledAmount:   999_500,
		ReservedAmount:  500,
		CustodyAccount:  vaultID,
		Status:          types.StatusOpen,
	}))

	require.NoError(t, processor.sweep())

	_, err = NewDatabase(db).GetOrder(orderRef)
	require.NoError(t, err)
}
