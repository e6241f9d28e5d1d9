// Package escrow implements the order/ticket reservation-and-settlement
// engine: capacity reservation under concurrent ticket creation, the
// two-party signature protocol that releases custody, fee computation,
// dispute overrides, and reclamation of drained vaults and orders.
package escrow

import (
	"time"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/fees"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Config carries the operator-tunable constants of the engine. The
// admin identity is injected here rather than compiled in so dispute
// paths are testable against substitute identities.
type Config struct {
	FeeBasisPoints   uint64
	AdminIdentity    string
	TicketCooldown   time.Duration
	MaxTicketsPerDay uint16
	DustThreshold    uint64
}

// Service handles escrow order and ticket operations. Each operation
// runs in a single transaction: it either commits fully or leaves no
// trace, including the custody movements it issued.
type Service struct {
	gormDB *gorm.DB
	cfg    Config
}

// NewService creates a new escrow service with the given database connection
func NewService(gormDB *gorm.DB, cfg Config) *Service {
	return &Service{
		gormDB: gormDB,
		cfg:    cfg,
	}
}

// OpenOrderParams describes a new order. FundingAccount is required
// for Sell orders, which lock the committed value up front.
type OpenOrderParams struct {
	OrderID         uint64 `json:"order_id" binding:"required"`
	Asset           string `json:"asset" binding:"required"`
	Direction       string `json:"direction" binding:"required"`
	CommittedAmount uint64 `json:"committed_amount" binding:"required"`
	FiatAmount      uint64 `json:"fiat_amount" binding:"required"`
	FundingAccount  string `json:"funding_account"`
}

// OpenOrder creates an order and its custody vault. Sell orders move
// the full committed amount from the creator's funding account into
// the vault; Buy orders start with an empty vault that ticket
// counterparties fund slice by slice.
func (s *Service) OpenOrder(creator string, params OpenOrderParams) (*types.OpenOrderResponse, error) {
	orderRef := types.OrderRefFor(creator, params.Asset, params.OrderID)
	vaultID := types.VaultRefFor(orderRef)

	logger := log.With().
		Str("order_ref", orderRef).
		Str("creator", creator).
		Str("asset", params.Asset).
		Str("direction", params.Direction).
		Str("service", "escrow").
		Logger()

	if params.Direction != types.DirectionSell && params.Direction != types.DirectionBuy {
		return nil, types.ErrInvalidAmount
	}
	if params.CommittedAmount == 0 || params.FiatAmount == 0 {
		return nil, types.ErrInvalidAmount
	}

	var locked uint64
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		db := NewDatabase(tx)
		vault := custody.NewDatabase(tx)

		if _, err := db.GetOrder(orderRef); err == nil {
			return types.ErrRaceCondition
		} else if err != types.ErrOrderNotFound {
			return err
		}

		if _, err := vault.OpenAccount(vaultID, orderRef, params.Asset); err != nil {
			return err
		}

		if params.Direction == types.DirectionSell {
			if _, err := validateAccount(vault, params.FundingAccount, creator, params.Asset); err != nil {
				return err
			}
			if err := vault.Transfer(params.FundingAccount, vaultID, params.CommittedAmount, creator); err != nil {
				return err
			}
			locked = params.CommittedAmount
		}

		now := time.Now()
		return db.CreateOrder(&types.Order{
			OrderRef:        orderRef,
			OrderID:         params.OrderID,
			Creator:         creator,
			Asset:           params.Asset,
			Direction:       params.Direction,
			CommittedAmount: params.CommittedAmount,
			FiatAmount:      params.FiatAmount,
			CustodyAccount:  vaultID,
			Status:          types.StatusOpen,
			LastActionAt:    now,
			DayWindowStart:  now,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open order")
		return nil, err
	}

	logger.Info().
		Uint64("committed_amount", params.CommittedAmount).
		Uint64("locked_amount", locked).
		Str("custody_account", vaultID).
		Msg("order opened")

	return &types.OpenOrderResponse{
		OrderRef:       orderRef,
		CustodyAccount: vaultID,
		LockedAmount:   locked,
		Timestamp:      time.Now(),
	}, nil
}

// OpenOrderWithTicketParams opens an order together with a first
// ticket that reserves the full committed amount. The caller is the
// value depositor and funds the vault immediately, whichever side of
// the order they are on.
type OpenOrderWithTicketParams struct {
	OrderID         uint64 `json:"order_id" binding:"required"`
	TicketID        uint64 `json:"ticket_id" binding:"required"`
	Asset           string `json:"asset" binding:"required"`
	Direction       string `json:"direction" binding:"required"`
	CommittedAmount uint64 `json:"committed_amount" binding:"required"`
	FiatAmount      uint64 `json:"fiat_amount" binding:"required"`
	Creator         string `json:"creator" binding:"required"`
	FiatSide        string `json:"fiat_side"`
	FundingAccount  string `json:"funding_account" binding:"required"`
}

// OpenOrderWithFirstTicket creates order, vault and first ticket in
// one operation. For Sell orders the depositor must be the creator;
// for Buy orders the depositor must be the counterparty.
func (s *Service) OpenOrderWithFirstTicket(depositor string, params OpenOrderWithTicketParams) (*types.OpenOrderResponse, error) {
	orderRef := types.OrderRefFor(params.Creator, params.Asset, params.OrderID)
	vaultID := types.VaultRefFor(orderRef)
	ticketRef := types.TicketRefFor(orderRef, params.TicketID)

	logger := log.With().
		Str("order_ref", orderRef).
		Str("ticket_ref", ticketRef).
		Str("depositor", depositor).
		Str("service", "escrow").
		Logger()

	if params.Direction != types.DirectionSell && params.Direction != types.DirectionBuy {
		return nil, types.ErrInvalidAmount
	}
	if params.CommittedAmount == 0 || params.FiatAmount == 0 || params.TicketID == 0 {
		return nil, types.ErrInvalidAmount
	}

	isSell := params.Direction == types.DirectionSell
	fiatSide := params.FiatSide
	if !isSell {
		// Buy order: the creator is the fiat payer.
		fiatSide = params.Creator
	}
	if fiatSide == "" {
		return nil, types.ErrUnauthorized
	}
	if depositor == fiatSide {
		return nil, types.ErrUnauthorized
	}
	if isSell && depositor != params.Creator {
		return nil, types.ErrUnauthorized
	}
	if !isSell && depositor == params.Creator {
		return nil, types.ErrUnauthorized
	}

	// The counterparty is whoever sits opposite the creator.
	counterparty := fiatSide
	if !isSell {
		counterparty = depositor
	}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		db := NewDatabase(tx)
		vault := custody.NewDatabase(tx)

		if _, err := db.GetOrder(orderRef); err == nil {
			return types.ErrRaceCondition
		} else if err != types.ErrOrderNotFound {
			return err
		}

		if _, err := vault.OpenAccount(vaultID, orderRef, params.Asset); err != nil {
			return err
		}
		if _, err := validateAccount(vault, params.FundingAccount, depositor, params.Asset); err != nil {
			return err
		}
		if err := vault.Transfer(params.FundingAccount, vaultID, params.CommittedAmount, depositor); err != nil {
			return err
		}

		now := time.Now()
		if err := db.CreateOrder(&types.Order{
			OrderRef:        orderRef,
			OrderID:         params.OrderID,
			Creator:         params.Creator,
			Asset:           params.Asset,
			Direction:       params.Direction,
			CommittedAmount: params.CommittedAmount,
			ReservedAmount:  params.CommittedAmount, // first ticket reserves everything
			FiatAmount:      params.FiatAmount,
			CustodyAccount:  vaultID,
			Status:          types.StatusOpen,
			LastActionAt:    now,
			DayWindowStart:  now,
			ActionsToday:    1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			return err
		}

		return db.CreateTicket(&types.FillTicket{
			TicketRef:    ticketRef,
			OrderRef:     orderRef,
			TicketID:     params.TicketID,
			Counterparty: counterparty,
			Amount:       params.CommittedAmount,
			CreatedAt:    now,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open order with first ticket")
		return nil, err
	}

	logger.Info().
		Uint64("locked_amount", params.CommittedAmount).
		Str("fiat_side", fiatSide).
		Str("custody_account", vaultID).
		Msg("offer accepted and value locked")

	return &types.OpenOrderResponse{
		OrderRef:       orderRef,
		CustodyAccount: vaultID,
		TicketRef:      ticketRef,
		LockedAmount:   params.CommittedAmount,
		Timestamp:      time.Now(),
	}, nil
}

// CreateTicketParams reserves a slice of an order. FundingAccount is
// required for Buy orders, whose counterparty locks value at ticket
// creation time.
type CreateTicketParams struct {
	TicketID       uint64 `json:"ticket_id" binding:"required"`
	Amount         uint64 `json:"amount" binding:"required"`
	FundingAccount string `json:"funding_account"`
}

// CreateTicket reserves capacity on an order for a new counterparty
// slice. The reservation is re-validated against the live totals at
// commit time, so concurrent tickets can never over-reserve.
func (s *Service) CreateTicket(actor, orderRef string, params CreateTicketParams) (*types.FillTicket, error) {
	ticketRef := types.TicketRefFor(orderRef, params.TicketID)

	logger := log.With().
		Str("order_ref", orderRef).
		Str("ticket_ref", ticketRef).
		Str("counterparty", actor).
		Str("service", "escrow").
		Logger()

	var ticket *types.FillTicket
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		db := NewDatabase(tx)
		vault := custody.NewDatabase(tx)

		order, err := db.GetOrder(orderRef)
		if err != nil {
			return err
		}
		if order.Status == types.StatusCancelled {
			return types.ErrOrderCancelled
		}
		if params.Amount == 0 {
			return types.ErrInvalidAmount
		}
		if actor == order.Creator {
			return types.ErrUnauthorized
		}

		now := time.Now()
		windowStart := order.DayWindowStart
		actionsToday := order.ActionsToday
		if now.Sub(windowStart) >= 24*time.Hour {
			windowStart = now
			actionsToday = 0
		}
		if now.Sub(order.LastActionAt) < s.cfg.TicketCooldown {
			return types.ErrActionTooFrequent
		}
		if actionsToday >= s.cfg.MaxTicketsPerDay {
			return types.ErrTooManyFillsPerDay
		}

		if _, err := db.GetTicket(ticketRef); err == nil {
			return types.ErrRaceCondition
		} else if err != types.ErrTicketNotFound {
			return err
		}

		// Commit-time capacity guard; fails instead of over-reserving.
		if err := db.Reserve(orderRef, params.Amount); err != nil {
			return err
		}
		if err := db.TouchRateLimit(orderRef, now, windowStart, actionsToday+1); err != nil {
			return err
		}

		ticket = &types.FillTicket{
			TicketRef:    ticketRef,
			OrderRef:     orderRef,
			TicketID:     params.TicketID,
			Counterparty: actor,
			Amount:       params.Amount,
			CreatedAt:    now,
		}
		if err := db.CreateTicket(ticket); err != nil {
			return err
		}

		// Buy order: the counterparty is the depositor and locks now.
		if !order.IsSell() {
			if _, err := validateAccount(vault, params.FundingAccount, actor, order.Asset); err != nil {
				return err
			}
			if err := vault.Transfer(params.FundingAccount, order.CustodyAccount, params.Amount, actor); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Uint64("amount", params.Amount).Msg("ticket creation rejected")
		return nil, err
	}

	logger.Info().
		Uint64("ticket_id", params.TicketID).
		Uint64("amount", params.Amount).
		Msg("ticket accepted, capacity reserved")

	return ticket, nil
}

// SignTicketParams carries the destination accounts needed once the
// second signature lands: the fiat side's receiving account and the
// operator's fee account. Both are supplied per call and validated.
type SignTicketParams struct {
	FiatDestination string `json:"fiat_destination"`
	FeeDestination  string `json:"fee_destination"`
}

// SignTicket records one party's attestation. The fiat side must sign
// first; the second qualifying signature settles the ticket: fee split,
// custody transfers, ledger release and ticket destruction happen
// atomically, followed by an auto-close check on the parent order.
func (s *Service) SignTicket(actor, ticketRef string, params SignTicketParams) (*types.SignTicketResponse, error) {
	logger := log.With().
		Str("ticket_ref", ticketRef).
		Str("signer", actor).
		Str("service", "escrow").
		Logger()

	resp := &types.SignTicketResponse{TicketRef: ticketRef, Timestamp: time.Now()}
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

		switch actor {
		case cryptoGuy:
			// The depositor may only confirm after the fiat payment
			// has been attested.
			if !ticket.FiatSideSigned {
				return types.ErrSignatureRequired
			}
			if ticket.CryptoSideSigned {
				return types.ErrRaceCondition
			}
			ticket.CryptoSideSigned = true
		case fiatGuy:
			if ticket.FiatSideSigned {
				return types.ErrRaceCondition
			}
			ticket.FiatSideSigned = true
		default:
			return types.ErrUnauthorized
		}

		logger.Debug().
			Bool("crypto_side_signed", ticket.CryptoSideSigned).
			Bool("fiat_side_signed", ticket.FiatSideSigned).
			Msg("signature recorded")

		if !ticket.CryptoSideSigned || !ticket.FiatSideSigned {
			return db.SaveTicket(ticket)
		}

		// Both signed: settle. Validate every destination before any
		// transfer so the two custody movements are all-or-nothing.
		amount := ticket.Amount
		if _, err := validateAccount(vault, params.FiatDestination, fiatGuy, order.Asset); err != nil {
			return err
		}
		if _, err := validateAccount(vault, params.FeeDestination, s.cfg.AdminIdentity, order.Asset); err != nil {
			return err
		}

		feeAmount, netAmount, err := fees.Split(amount, s.cfg.FeeBasisPoints)
		if err != nil {
			return err
		}

		if err := vault.Transfer(order.CustodyAccount, params.FiatDestination, netAmount, order.OrderRef); err != nil {
			return err
		}
		if err := vault.Transfer(order.CustodyAccount, params.FeeDestination, feeAmount, order.OrderRef); err != nil {
			return err
		}

		if err := db.Release(order.OrderRef, amount, true); err != nil {
			return err
		}

		ticket.Amount = 0
		if err := db.SaveTicket(ticket); err != nil {
			return err
		}
		if err := db.DeleteTicket(ticketRef); err != nil {
			return err
		}

		closed, err := autoClose(db, vault, order.OrderRef, closeIfComplete)
		if err != nil {
			return err
		}

		resp.BothSigned = true
		resp.Settled = true
		resp.FeeAmount = feeAmount
		resp.NetAmount = netAmount
		resp.OrderClosed = closed
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("sign rejected")
		return nil, err
	}

	if resp.Settled {
		logger.Info().
			Str("order_ref", resp.OrderRef).
			Uint64("fee_amount", resp.FeeAmount).
			Uint64("net_amount", resp.NetAmount).
			Bool("order_closed", resp.OrderClosed).
			Msg("ticket settled")
	} else {
		logger.Info().Str("order_ref", resp.OrderRef).Msg("ticket half-signed")
	}

	return resp, nil
}

// CancelTicketParams names the depositor's account that receives the
// refunded slice.
type CancelTicketParams struct {
	RefundAccount string `json:"refund_account"`
}

// CancelTicket unwinds an open ticket. Only the fiat side may cancel,
// and only before it has signed. The full slice goes back to the value
// depositor; for Sell orders the committed total shrinks with it so
// the withdrawn value is not re-offered.
func (s *Service) CancelTicket(actor, ticketRef string, params CancelTicketParams) (*types.CancelResponse, error) {
	logger := log.With().
		Str("ticket_ref", ticketRef).
		Str("canceller", actor).
		Str("service", "escrow").
		Logger()

	resp := &types.CancelResponse{TicketRef: ticketRef, Timestamp: time.Now()}
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

		if actor != fiatGuy {
			return types.ErrUnauthorized
		}
		if ticket.FiatSideSigned {
			return types.ErrCannotCancel
		}

		if _, err := validateAccount(vault, params.RefundAccount, cryptoGuy, order.Asset); err != nil {
			return err
		}

		amount := ticket.Amount
		if err := vault.Transfer(order.CustodyAccount, params.RefundAccount, amount, order.OrderRef); err != nil {
			return err
		}
		if err := db.Release(order.OrderRef, amount, false); err != nil {
			return err
		}
		if order.IsSell() {
			// The depositor took this slice back; it is no longer on offer.
			if err := db.ReduceCommitted(order.OrderRef, amount); err != nil {
				return err
			}
		}

		ticket.Amount = 0
		if err := db.SaveTicket(ticket); err != nil {
			return err
		}
		if err := db.DeleteTicket(ticketRef); err != nil {
			return err
		}

		closed, err := autoClose(db, vault, order.OrderRef, closeAlways)
		if err != nil {
			return err
		}

		resp.AmountReturned = amount
		resp.OrderClosed = closed
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("ticket cancel rejected")
		return nil, err
	}

	logger.Info().
		Str("order_ref", resp.OrderRef).
		Uint64("amount_returned", resp.AmountReturned).
		Bool("order_closed", resp.OrderClosed).
		Msg("ticket cancelled and refunded")

	return resp, nil
}

// CancelOrderParams names the creator's account receiving released
// custody (Sell orders only).
type CancelOrderParams struct {
	RefundAccount string `json:"refund_account"`
}

// CancelOrder withdraws the creator's remaining unreserved capacity.
// Sell orders release the unreserved custody back to the creator; Buy
// orders can only cancel once no tickets are open. Open tickets are
// never disturbed.
func (s *Service) CancelOrder(actor, orderRef string, params CancelOrderParams) (*types.CancelResponse, error) {
	logger := log.With().
		Str("order_ref", orderRef).
		Str("canceller", actor).
		Str("service", "escrow").
		Logger()

	resp := &types.CancelResponse{OrderRef: orderRef, Timestamp: time.Now()}
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		db := NewDatabase(tx)
		vault := custody.NewDatabase(tx)

		order, err := db.GetOrder(orderRef)
		if err != nil {
			return err
		}
		if actor != order.Creator {
			return types.ErrUnauthorized
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
			if _, err := validateAccount(vault, params.RefundAccount, order.Creator, order.Asset); err != nil {
				return err
			}
			if err := vault.Transfer(order.CustodyAccount, params.RefundAccount, releasable, orderRef); err != nil {
				return err
			}
			resp.AmountReturned = releasable
		} else {
			if order.ReservedAmount != 0 {
				return types.ErrCannotCancel
			}
		}

		// Remaining capacity collapses to exactly what open tickets hold.
		if err := db.ShrinkCommitted(orderRef, 0); err != nil {
			return err
		}
		if order.ReservedAmount == 0 {
			if err := db.MarkCancelled(orderRef); err != nil {
				return err
			}
		}

		closed, err := autoClose(db, vault, orderRef, closeAlways)
		if err != nil {
			return err
		}
		resp.OrderClosed = closed
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("order cancel rejected")
		return nil, err
	}

	logger.Info().
		Uint64("amount_returned", resp.AmountReturned).
		Bool("order_closed", resp.OrderClosed).
		Msg("order cancelled")

	return resp, nil
}

// CloseOrderParams names the creator's account receiving a sub-dust
// sweep (Sell orders only).
type CloseOrderParams struct {
	SweepAccount string `json:"sweep_account"`
}

// CloseOrder reclaims an order whose remaining capacity is at or below
// the dust threshold and which has no open tickets. Any sub-dust
// custody remainder is swept to the creator first; the vault is
// destroyed before the order record that holds its closing authority.
func (s *Service) CloseOrder(actor, orderRef string, params CloseOrderParams) (*types.CancelResponse, error) {
	logger := log.With().
		Str("order_ref", orderRef).
		Str("closer", actor).
		Str("service", "escrow").
		Logger()

	resp := &types.CancelResponse{OrderRef: orderRef, Timestamp: time.Now()}
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		db := NewDatabase(tx)
		vault := custody.NewDatabase(tx)

		order, err := db.GetOrder(orderRef)
		if err != nil {
			return err
		}
		if actor != order.Creator && actor != s.cfg.AdminIdentity {
			return types.ErrUnauthorized
		}
		if order.ReservedAmount != 0 {
			return types.ErrCannotCancel
		}
		remaining := order.RemainingAmount()
		if remaining > s.cfg.DustThreshold {
			return types.ErrCannotCancel
		}

		if order.IsSell() && remaining > 0 {
			if _, err := validateAccount(vault, params.SweepAccount, order.Creator, order.Asset); err != nil {
				return err
			}
			if err := vault.Transfer(order.CustodyAccount, params.SweepAccount, remaining, orderRef); err != nil {
				return err
			}
			resp.AmountReturned = remaining
		}

		// Vault before order: the order record is the vault's closing
		// authority.
		if err := vault.CloseAccount(order.CustodyAccount); err != nil {
			return err
		}
		if err := db.DeleteOrder(orderRef); err != nil {
			return err
		}
		resp.OrderClosed = true
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("order close rejected")
		return nil, err
	}

	logger.Info().
		Uint64("dust_swept", resp.AmountReturned).
		Msg("order closed, storage deposits returned to operator")

	return resp, nil
}

// GetOrder retrieves an order by its ref.
func (s *Service) GetOrder(orderRef string) (*types.Order, error) {
	return NewDatabase(s.gormDB).GetOrder(orderRef)
}

// GetTicket retrieves a ticket by its ref.
func (s *Service) GetTicket(ticketRef string) (*types.FillTicket, error) {
	return NewDatabase(s.gormDB).GetTicket(ticketRef)
}

// ListTickets returns the open tickets of an order.
func (s *Service) ListTickets(orderRef string) ([]types.FillTicket, error) {
	return NewDatabase(s.gormDB).ListTickets(orderRef)
}

// validateAccount resolves a caller-supplied destination account and
// checks asset and ownership. Missing accounts are a distinct error so
// callers can tell "forgot the account" from "wrong account".
func validateAccount(vault *custody.Database, accountID, owner, asset string) (*types.TokenAccount, error) {
	if accountID == "" {
		return nil, types.ErrTokenAccountRequired
	}
	account, err := vault.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account.Asset != asset {
		return nil, types.ErrInvalidTokenAccount
	}
	if account.Owner != owner {
		return nil, types.ErrUnauthorized
	}
	return account, nil
}
