package escrow

import (
	"testing"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openSellOrder(t *testing.T, svc *Service, db *gorm.DB, committed uint64) (*types.OpenOrderResponse, string) {
	t.Helper()
	sellerAcct := openFundedAccount(t, db, "alice", "USDT", committed)
	opened, err := svc.OpenOrder("alice", OpenOrderParams{
		OrderID:         1,
		Asset:           "USDT",
		Direction:       types.DirectionSell,
		CommittedAmount: committed,
		FiatAmount:      500,
		FundingAccount:  sellerAcct,
	})
	require.NoError(t, err)
	return opened, sellerAcct
}

func TestAdminResolveOrderRequiresOperator(t *testing.T) {
	svc, db := newTestService(t, defaultConfig())
	opened, sellerAcct := openSellOrder(t, svc, db, 1_000_000)

	_, err := svc.AdminResolveOrder("alice", opened.OrderRef, AdminResolveOrderParams{
		Amount:      100,
		Destination: sellerAcct,
	})
	require.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestAdminResolveOrderPartialRelease(t *testing.T) {
	svc, db := newTestService(t, defaultConfig())
	opened, sellerAcct := openSellOrder(t, svc, db, 1_000_000)

	_, err := svc.CreateTicket("bob", opened.OrderRef, CreateTicketParams{TicketID: 1, Amount: 600_000})
	require.NoError(t, err)

	// Releasing more than the unreserved remainder is rejected
	_, err = svc.AdminResolveOrder(testOperator, opened.OrderRef, AdminResolveOrderParams{
		Amount:      500_000,
		Destination: sellerAcct,
	})
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	resolved, err := svc.AdminResolveOrder(testOperator, opened.OrderRef, AdminResolveOrderParams{
		Amount:      300_000,
		Destination: sellerAcct,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(300_000), resolved.Amount)
	require.Equal(t, uint64(300_000), balanceOf(t, db, sellerAcct))

	// 100k stays offered; the order is still open for tickets
	order, err := svc.GetOrder(opened.OrderRef)
	require.NoError(t, err)
	require.Equal(t, uint64(700_000), order.CommittedAmount)
	require.Equal(t, types.StatusOpen, order.Status)

	// Draining the rest freezes the order
	_, err = svc.AdminResolveOrder(testOperator, opened.OrderRef, AdminResolveOrderParams{
		Amount:      100_000,
		Destination: sellerAcct,
	})
	require.NoError(t, err)

	order, err = svc.GetOrder(opened.OrderRef)
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, order.Status)

	// Frozen orders accept no new tickets
	_, err = svc.CreateTicket("bob", opened.OrderRef, CreateTicketParams{TicketID: 2, Amount: 100_000})
	require.ErrorIs(t, err, types.ErrOrderCancelled)

	// The open ticket still settles against the frozen order
	ticketRef := types.TicketRefFor(opened.OrderRef, 1)
	buyerAcct := openFundedAccount(t, db, "bob", "USDT", 0)
	feeAcct := openFundedAccount(t, db, testOperator, "USDT", 0)
	_, err = svc.SignTicket("bob", ticketRef, SignTicketParams{})
	require.NoError(t, err)
	settled, err := svc.SignTicket("alice", ticketRef, SignTicketParams{
		FiatDestination: buyerAcct,
		FeeDestination:  feeAcct,
	})
	require.NoError(t, err)
	require.True(t, settled.OrderClosed)
}

func TestAdminResolveTicketRefund(t *testing.T) {
	svc, db := newTestService(t, defaultConfig())
	opened, sellerAcct := openSellOrder(t, svc, db, 1_000_000)

	ticket, err := svc.CreateTicket("bob", opened.OrderRef, CreateTicketParams{TicketID: 1, Amount: 1_000_000})
	require.NoError(t, err)

	_, err = svc.AdminResolveTicket("bob", ticket.TicketRef, AdminResolveTicketParams{
		Resolution:  ResolutionRefund,
		Destination: sellerAcct,
	})
	require.ErrorIs(t, err, types.ErrUnauthorized)

	resolved, err := svc.AdminResolveTicket(testOperator, ticket.TicketRef, AdminResolveTicketParams{
		Resolution:  ResolutionRefund,
		Destination: sellerAcct,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), resolved.Amount)
	require.Equal(t, uint64(0), resolved.FeeAmount)
	require.True(t, resolved.OrderClosed)

	// Full refund, no fee, everything reclaimed
	require.Equal(t, uint64(1_000_000), balanceOf(t, db, sellerAcct))
	_, err = svc.GetOrder(opened.OrderRef)
	require.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestAdminResolveTicketSettle(t *testing.T) {
	svc, db := newTestService(t, defaultConfig())
	opened, _ := openSellOrder(t, svc, db, 1_000_000)

	buyerAcct := openFundedAccount(t, db, "bob", "USDT", 0)
	feeAcct := openFundedAccount(t, db, testOperator, "USDT", 0)

	ticket, err := svc.CreateTicket("bob", opened.OrderRef, CreateTicketParams{TicketID: 1, Amount: 1_000_000})
	require.NoError(t, err)

	// A forced settlement moves value exactly like a cooperative one
	resolved, err := svc.AdminResolveTicket(testOperator, ticket.TicketRef, AdminResolveTicketParams{
		Resolution:     ResolutionSettle,
		Destination:    buyerAcct,
		FeeDestination: feeAcct,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2_000), resolved.FeeAmount)
	require.True(t, resolved.OrderClosed)

	require.Equal(t, uint64(998_000), balanceOf(t, db, buyerAcct))
	require.Equal(t, uint64(2_000), balanceOf(t, db, feeAcct))
	_, err = custody.NewDatabase(db).GetAccount(opened.CustodyAccount)
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestAdminResolveTicketRejectsUnknownResolution(t *testing.T) {
	svc, db := newTestService(t, defaultConfig())
	opened, sellerAcct := openSellOrder(t, svc, db, 1_000_000)

	ticket, err := svc.CreateTicket("bob", opened.OrderRef, CreateTicketParams{TicketID: 1, Amount: 500_000})
	require.NoError(t, err)

	_, err = svc.AdminResolveTicket(testOperator, ticket.TicketRef, AdminResolveTicketParams{
		Resolution:  "SPLIT",
		Destination: sellerAcct,
	})
	require.ErrorIs(t, err, types.ErrInvalidAmount)
}

func TestAdminResolveBuyOrder(t *testing.T) {
	svc, db := newTestService(t, defaultConfig())

	counterAcct := openFundedAccount(t, db, "dave", "SOL", 1_000_000)

	opened, err := svc.OpenOrder("carol", OpenOrderParams{
		OrderID:         1,
		Asset:           "SOL",
		Direction:       types.DirectionBuy,
		CommittedAmount: 500_000,
		FiatAmount:      250,
	})
	require.NoError(t, err)

	// A live reservation blocks the override on Buy orders
	_, err = svc.CreateTicket("dave", opened.OrderRef, CreateTicketParams{
		TicketID:       1,
		Amount:         200_000,
		FundingAccount: counterAcct,
	})
	require.NoError(t, err)
	_, err = svc.AdminResolveOrder(testOperator, opened.OrderRef, AdminResolveOrderParams{})
	require.ErrorIs(t, err, types.ErrCannotCancel)

	// With the ticket refunded the override closes the order outright
	_, err = svc.CancelTicket("carol", types.TicketRefFor(opened.OrderRef, 1), CancelTicketParams{RefundAccount: counterAcct})
	require.NoError(t, err)
	_, err = svc.AdminResolveOrder(testOperator, opened.OrderRef, AdminResolveOrderParams{})
	require.ErrorIs(t, err, types.ErrOrderNotFound)
}
