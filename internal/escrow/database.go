package escrow

import (
	"errors"
	"time"

	"github.com/ksred/escrow-api/internal/types"
	"gorm.io/gorm"
)

// Database wraps order and ticket persistence. Every mutation of the
// reservation totals is a guarded single-statement update: the
// precondition is re-evaluated by the store at commit time, so a check
// made against a stale snapshot can never survive into the mutation.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderRef string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_ref = ?", orderRef).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// DeleteOrder destroys an order record for good. Terminal records are
// reclaimed, not archived, so this bypasses soft deletion.
func (d *Database) DeleteOrder(orderRef string) error {
	return d.db.Unscoped().Where("order_ref = ?", orderRef).Delete(&types.Order{}).Error
}

func (d *Database) CreateTicket(ticket *types.FillTicket) error {
	return d.db.Create(ticket).Error
}

func (d *Database) GetTicket(ticketRef string) (*types.FillTicket, error) {
	var ticket types.FillTicket
	if err := d.db.Where("ticket_ref = ?", ticketRef).First(&ticket).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

func (d *Database) SaveTicket(ticket *types.FillTicket) error {
	return d.db.Save(ticket).Error
}

func (d *Database) DeleteTicket(ticketRef string) error {
	return d.db.Unscoped().Where("ticket_ref = ?", ticketRef).Delete(&types.FillTicket{}).Error
}

// ListTickets returns the open tickets against an order.
func (d *Database) ListTickets(orderRef string) ([]types.FillTicket, error) {
	var tickets []types.FillTicket
	err := d.db.Where("order_ref = ?", orderRef).Order("created_at ASC").Find(&tickets).Error
	return tickets, err
}

// Reserve consumes capacity for a new ticket. The capacity check and
// the increment are one statement over the live totals; a concurrent
// reservation that got there first makes this one fail with
// ErrRaceCondition instead of over-reserving.
func (d *Database) Reserve(orderRef string, amount uint64) error {
	result := d.db.Model(&types.Order{}).
		Where("order_ref = ? AND committed_amount - settled_amount - reserved_amount >= ?", orderRef, amount).
		Updates(map[string]interface{}{
			"reserved_amount": gorm.Expr("reserved_amount + ?", amount),
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrRaceCondition
	}
	return nil
}

// Release returns a ticket's reservation to the order. When settled,
// the amount also moves into the settled total. The decrement clamps
// at zero; reservations never underflow when the invariants hold, this
// is purely a defensive floor.
func (d *Database) Release(orderRef string, amount uint64, settled bool) error {
	updates := map[string]interface{}{
		"reserved_amount": gorm.Expr("CASE WHEN reserved_amount >= ? THEN reserved_amount - ? ELSE 0 END", amount, amount),
		"updated_at":      time.Now(),
	}
	if settled {
		updates["settled_amount"] = gorm.Expr("settled_amount + ?", amount)
	}
	return d.db.Model(&types.Order{}).
		Where("order_ref = ?", orderRef).
		Updates(updates).Error
}

// ShrinkCommitted burns unreserved capacity: committed becomes
// settled + reserved + leftover. Used by cancellation (leftover 0) and
// by partial admin release (leftover is what the admin chose to keep).
func (d *Database) ShrinkCommitted(orderRef string, leftover uint64) error {
	return d.db.Model(&types.Order{}).
		Where("order_ref = ?", orderRef).
		Updates(map[string]interface{}{
			"committed_amount": gorm.Expr("settled_amount + reserved_amount + ?", leftover),
			"updated_at":       time.Now(),
		}).Error
}

// ReduceCommitted shrinks the committed total by a refunded amount,
// clamping at the settled+reserved floor implied by the invariants.
func (d *Database) ReduceCommitted(orderRef string, amount uint64) error {
	return d.db.Model(&types.Order{}).
		Where("order_ref = ?", orderRef).
		Updates(map[string]interface{}{
			"committed_amount": gorm.Expr("CASE WHEN committed_amount >= ? THEN committed_amount - ? ELSE 0 END", amount, amount),
			"updated_at":       time.Now(),
		}).Error
}

// MarkCancelled flags an order whose record survives cancellation
// because custody or reservations still reference it.
func (d *Database) MarkCancelled(orderRef string) error {
	return d.db.Model(&types.Order{}).
		Where("order_ref = ?", orderRef).
		Updates(map[string]interface{}{
			"status":     types.StatusCancelled,
			"updated_at": time.Now(),
		}).Error
}

// TouchRateLimit persists the ticket-creation counters after a
// successful reservation.
func (d *Database) TouchRateLimit(orderRef string, lastAction, windowStart time.Time, actionsToday uint16) error {
	return d.db.Model(&types.Order{}).
		Where("order_ref = ?", orderRef).
		Updates(map[string]interface{}{
			"last_action_at":   lastAction,
			"day_window_start": windowStart,
			"actions_today":    actionsToday,
		}).Error
}

// ListReclaimable returns orders with no open reservations and at most
// dust remaining; the reclaimer checks their vault balances before
// destroying anything.
func (d *Database) ListReclaimable(dust uint64) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("reserved_amount = 0 AND committed_amount - settled_amount <= ?", dust).
		Find(&orders).Error
	return orders, err
}
