package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Order direction from the creator's point of view
const (
	DirectionSell = "SELL" // creator deposits crypto, counterparty pays fiat
	DirectionBuy  = "BUY"  // creator pays fiat, counterparty deposits crypto
)

// Order status
const (
	StatusOpen      = "OPEN"
	StatusCancelled = "CANCELLED"
)

// Order is the reservation ledger for one party's trade intent.
// Committed/settled/reserved totals are kept consistent by guarded
// single-statement updates; see escrow.Database.
type Order struct {
	gorm.Model      `json:"-"`
	OrderRef        string    `gorm:"uniqueIndex" json:"order_ref"`
	OrderID         uint64    `gorm:"uniqueIndex:idx_orders_identity" json:"order_id"`
	Creator         string    `gorm:"uniqueIndex:idx_orders_identity" json:"creator"`
	Asset           string    `gorm:"uniqueIndex:idx_orders_identity" json:"asset"`
	Direction       string    `json:"direction"` // SELL or BUY
	CommittedAmount uint64    `json:"committed_amount"`
	SettledAmount   uint64    `json:"settled_amount"`
	ReservedAmount  uint64    `json:"reserved_amount"`
	FiatAmount      uint64    `json:"fiat_amount"` // reference only, paid off-chain
	CustodyAccount  string    `json:"custody_account"`
	Status          string    `json:"status"` // OPEN or CANCELLED
	LastActionAt    time.Time `json:"last_action_at"`
	ActionsToday    uint16    `json:"actions_today"`
	DayWindowStart  time.Time `json:"day_window_start"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RemainingAmount is the committed size not yet settled.
func (o *Order) RemainingAmount() uint64 {
	if o.SettledAmount > o.CommittedAmount {
		return 0
	}
	return o.CommittedAmount - o.SettledAmount
}

// AvailableAmount is the capacity still open to new tickets.
func (o *Order) AvailableAmount() uint64 {
	remaining := o.RemainingAmount()
	if o.ReservedAmount > remaining {
		return 0
	}
	return remaining - o.ReservedAmount
}

func (o *Order) IsSell() bool {
	return o.Direction == DirectionSell
}

// CryptoGuy returns the value-depositing identity for a ticket slice.
// Roles are derived from direction, never stored.
func (o *Order) CryptoGuy(counterparty string) string {
	if o.IsSell() {
		return o.Creator
	}
	return counterparty
}

// FiatGuy returns the fiat-paying identity for a ticket slice.
func (o *Order) FiatGuy(counterparty string) string {
	if o.IsSell() {
		return counterparty
	}
	return o.Creator
}

// FillTicket is a negotiated slice of an order's capacity, resolved
// independently via dual signature. Amount is zeroed when the ticket
// is settled or refunded, immediately before the record is destroyed.
type FillTicket struct {
	gorm.Model       `json:"-"`
	TicketRef        string    `gorm:"uniqueIndex" json:"ticket_ref"`
	OrderRef         string    `gorm:"uniqueIndex:idx_tickets_identity" json:"order_ref"`
	TicketID         uint64    `gorm:"uniqueIndex:idx_tickets_identity" json:"ticket_id"`
	Counterparty     string    `json:"counterparty"`
	Amount           uint64    `json:"amount"`
	CryptoSideSigned bool      `json:"crypto_side_signed"`
	FiatSideSigned   bool      `json:"fiat_side_signed"`
	CreatedAt        time.Time `json:"created_at"`
}

// TokenAccount is a custody-layer balance record. The vault backing an
// order is a TokenAccount owned by the order ref; only transfers
// authorized by the owner identity can move funds out.
type TokenAccount struct {
	gorm.Model `json:"-"`
	AccountID  string    `gorm:"uniqueIndex" json:"account_id"`
	Owner      string    `gorm:"index" json:"owner"`
	Asset      string    `json:"asset"`
	Balance    uint64    `json:"balance"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// recordNamespace seeds deterministic record address derivation so the
// same (creator, asset, order_id) always maps to the same ref.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("escrow-api/records"))

// OrderRefFor derives the deterministic address of an order record.
func OrderRefFor(creator, asset string, orderID uint64) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("order:%s:%s:%d", creator, asset, orderID))).String()
}

// TicketRefFor derives the deterministic address of a ticket record
// under its parent order.
func TicketRefFor(orderRef string, ticketID uint64) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("ticket:%s:%d", orderRef, ticketID))).String()
}

// VaultRefFor derives the custody account address owned by an order.
func VaultRefFor(orderRef string) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("vault:%s", orderRef))).String()
}
