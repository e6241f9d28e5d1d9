package escrow

import (
	"errors"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/rs/zerolog/log"
)

type closeMode int

const (
	// closeIfComplete reclaims only when the order is fully settled
	// with no open reservations.
	closeIfComplete closeMode = iota
	// closeAlways reclaims whenever the vault is empty, regardless of
	// remaining capacity.
	closeAlways
)

// autoClose attempts to reclaim a drained order and its vault at the
// end of a settlement or cancellation. It never fails the parent
// operation for a vault that still holds value; it just leaves the
// records in place for a later explicit close.
func autoClose(db *Database, vault *custody.Database, orderRef string, mode closeMode) (bool, error) {
	order, err := db.GetOrder(orderRef)
	if err != nil {
		if errors.Is(err, types.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}

	if mode == closeIfComplete && (order.RemainingAmount() != 0 || order.ReservedAmount != 0) {
		return false, nil
	}

	balance, err := vault.Balance(order.CustodyAccount)
	if err != nil {
		return false, err
	}
	if balance != 0 {
		log.Warn().
			Str("order_ref", orderRef).
			Str("custody_account", order.CustodyAccount).
			Uint64("balance", balance).
			Str("service", "escrow").
			Msg("vault not empty, deferring reclamation")
		return false, nil
	}

	// Vault before order: the order record is the vault's closing
	// authority.
	if err := vault.CloseAccount(order.CustodyAccount); err != nil {
		return false, err
	}
	if err := db.DeleteOrder(orderRef); err != nil {
		return false, err
	}

	log.Info().
		Str("order_ref", orderRef).
		Str("custody_account", order.CustodyAccount).
		Str("service", "escrow").
		Msg("order and vault reclaimed, storage deposits returned to operator")
	return true, nil
}
