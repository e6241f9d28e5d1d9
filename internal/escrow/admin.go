package escrow

import (
	"time"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/fees"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Dispute resolutions. Settle and Refund apply to tickets; Release is
// reported by order-level resolutions.
const (
	ResolutionSettle  = "SETTLE"
	ResolutionRefund  = "REFUND"
	ResolutionRelease = "RELEASE"
)

// AdminResolveOrderParams releases part of an order's unreserved
// custody to the creator during a dispute. Amount must not exceed the
// unreserved remainder.
type AdminResolveOrderParams struct {
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
}

// AdminResolveOrder is the dispute override on an order: the operator
// releases up to the unreserved remainder back to the creator and
// freezes the rest of the capacity. Open tickets are untouched; the
// order is reclaimed only if its vault ends up empty.
func (s *Service) AdminResolveOrder(actor, orderRef string, params AdminResolveOrderParams) (*types.AdminResolveResponse, error) {
	logger := log.With().
		Str("order_ref", orderRef).
		Str("admin", actor).
		Str("service", "escrow").
		Logger()

	if actor != s.cfg.AdminIdentity {
		return nil, types.ErrUnauthorized
	}

	resp := &types.AdminResolveResponse{OrderRef: orderRef, Timestamp: time.Now()}
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		db := NewDatabase(tx)
		vault := custody.NewDatabase(tx)

		order, err := db.GetOrder(orderRef)
		if err != nil {
			return err
		}

		remaining := order.RemainingAmount()
		if remaining == 0 {
			return types.ErrOrderCompleted
		}

		if order.IsSell() {
			releasable := remaining - order.ReservedAmount
			if remaining < order.ReservedAmount {
				releasable = 0
			}
			if releasable == 0 {
				return types.ErrCannotCancel
			}
			if params.Amount > releasable {
				return types.ErrInvalidAmount
			}
			if _, err := validateAccount(vault, params.Destination, order.Creator, order.Asset); err != nil {
				return err
			}
			if params.Amount > 0 {
				if err := vault.Transfer(order.CustodyAccount, params.Destination, params.Amount, orderRef); err != nil {
					return err
				}
			}
			leftover := releasable - params.Amount
			if err := db.ShrinkCommitted(orderRef, leftover); err != nil {
				return err
			}
			if leftover == 0 {
				if err := db.MarkCancelled(orderRef); err != nil {
					return err
				}
			}
			resp.Amount = params.Amount
		} else {
			if order.ReservedAmount != 0 {
				return types.ErrCannotCancel
			}
			if err := db.ShrinkCommitted(orderRef, 0); err != nil {
				return err
			}
			if err := db.MarkCancelled(orderRef); err != nil {
				return err
			}
		}

		closed, err := autoClose(db, vault, orderRef, closeAlways)
		if err != nil {
			return err
		}
		resp.OrderClosed = closed
		resp.Resolution = ResolutionRelease
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("admin order resolution rejected")
		return nil, err
	}

	logger.Info().
		Uint64("released_amount", resp.Amount).
		Msg("order resolved by operator")

	return resp, nil
}

// AdminResolveTicketParams resolves a disputed ticket either by
// forcing settlement (fiat side receives net, operator takes the fee)
// or by refunding the depositor in full.
type AdminResolveTicketParams struct {
	Resolution     string `json:"resolution" binding:"required"`
	Destination    string `json:"destination"`
	FeeDestination string `json:"fee_destination"`
}

// AdminResolveTicket is the dispute override on a ticket. Forced
// settlement and forced refund move value exactly as their two-party
// counterparts would, fee included, so the ledger cannot tell a
// dispute resolution from a cooperative outcome.
func (s *Service) AdminResolveTicket(actor, ticketRef string, params AdminResolveTicketParams) (*types.AdminResolveResponse, error) {
	logger := log.With().
		Str("ticket_ref", ticketRef).
		Str("admin", actor).
		Str("resolution", params.Resolution).
		Str("service", "escrow").
		Logger()

	if actor != s.cfg.AdminIdentity {
		return nil, types.ErrUnauthorized
	}
	if params.Resolution != ResolutionSettle && params.Resolution != ResolutionRefund {
		return nil, types.ErrInvalidAmount
	}

	resp := &types.AdminResolveResponse{TicketRef: ticketRef, Resolution: params.Resolution, Timestamp: time.Now()}
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		db := NewDatabase(tx)
		vault := custody.NewDatabase(tx)

		ticket, err := db.GetTicket(ticketRef)
		if err != nil {
			return err
		}
		order, err := db.GetOrder(ticket.OrderRef)
		if err != nil {
			return err
		}
		resp.OrderRef = order.OrderRef

		cryptoGuy := order.CryptoGuy(ticket.Counterparty)
		fiatGuy := order.FiatGuy(ticket.Counterparty)
		amount := ticket.Amount

		if params.Resolution == ResolutionSettle {
			if _, err := validateAccount(vault, params.Destination, fiatGuy, order.Asset); err != nil {
				return err
			}
			if _, err := validateAccount(vault, params.FeeDestination, s.cfg.AdminIdentity, order.Asset); err != nil {
				return err
			}

			feeAmount, netAmount, err := fees.Split(amount, s.cfg.FeeBasisPoints)
			if err != nil {
				return err
			}
			if err := vault.Transfer(order.CustodyAccount, params.Destination, netAmount, order.OrderRef); err != nil {
				return err
			}
			if err := vault.Transfer(order.CustodyAccount, params.FeeDestination, feeAmount, order.OrderRef); err != nil {
				return err
			}
			if err := db.Release(order.OrderRef, amount, true); err != nil {
				return err
			}
			resp.FeeAmount = feeAmount
		} else {
			if _, err := validateAccount(vault, params.Destination, cryptoGuy, order.Asset); err != nil {
				return err
			}
			if err := vault.Transfer(order.CustodyAccount, params.Destination, amount, order.OrderRef); err != nil {
				return err
			}
			if err := db.Release(order.OrderRef, amount, false); err != nil {
				return err
			}
			if order.IsSell() {
				if err := db.ReduceCommitted(order.OrderRef, amount); err != nil {
					return err
				}
			}
		}

		ticket.Amount = 0
		if err := db.SaveTicket(ticket); err != nil {
			return err
		}
		if err := db.DeleteTicket(ticketRef); err != nil {
			return err
		}

		mode := closeAlways
		if params.Resolution == ResolutionSettle {
			mode = closeIfComplete
		}
		closed, err := autoClose(db, vault, order.OrderRef, mode)
		if err != nil {
			return err
		}

		resp.Amount = amount
		resp.OrderClosed = closed
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("admin ticket resolution rejected")
		return nil, err
	}

	logger.Info().
		Str("order_ref", resp.OrderRef).
		Uint64("amount", resp.Amount).
		Uint64("fee_amount", resp.FeeAmount).
		Bool("order_closed", resp.OrderClosed).
		Msg("ticket resolved by operator")

	return resp, nil
}
