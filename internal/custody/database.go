package custody

import (
	"errors"
	"time"

	"github.com/ksred/escrow-api/internal/types"
	"gorm.io/gorm"
)

// ErrAccountNotEmpty is returned when closing an account that still
// holds a balance.
var ErrAccountNotEmpty = errors.New("token account balance must be zero to close")

// Database wraps the token-account store. Escrow operations construct
// one over their own transaction so custody movements commit or roll
// back with the rest of the operation.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// OpenAccount creates an empty token account for the given owner and asset.
func (d *Database) OpenAccount(accountID, owner, asset string) (*types.TokenAccount, error) {
	account := &types.TokenAccount{
		AccountID: accountID,
		Owner:     owner,
		Asset:     asset,
		Balance:   0,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := d.db.Create(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount retrieves a token account by its ID.
func (d *Database) GetAccount(accountID string) (*types.TokenAccount, error) {
	var account types.TokenAccount
	if err := d.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Balance returns the current balance of an account.
func (d *Database) Balance(accountID string) (uint64, error) {
	account, err := d.GetAccount(accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Transfer moves amount between two accounts of the same asset. The
// authorizing identity must own the source account. The debit is a
// guarded single-statement update so a concurrent spend of the same
// balance fails here rather than overdrawing.
func (d *Database) Transfer(from, to string, amount uint64, authority string) error {
	source, err := d.GetAccount(from)
	if err != nil {
		return err
	}
	if source.Owner != authority {
		return types.ErrUnauthorized
	}

	destination, err := d.GetAccount(to)
	if err != nil {
		return err
	}
	if destination.Asset != source.Asset {
		return types.ErrInvalidTokenAccount
	}

	debit := d.db.Model(&types.TokenAccount{}).
		Where("account_id = ? AND balance >= ?", from, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now(),
		})
	if debit.Error != nil {
		return debit.Error
	}
	if debit.RowsAffected == 0 {
		return types.ErrInsufficientBalance
	}

	return d.db.Model(&types.TokenAccount{}).
		Where("account_id = ?", to).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now(),
		}).Error
}

// CloseAccount destroys an account, refunding its storage deposit to
// the rent destination. Fails unless the balance is exactly zero.
func (d *Database) CloseAccount(accountID string) error {
	result := d.db.Unscoped().
		Where("account_id = ? AND balance = 0", accountID).
		Delete(&types.TokenAccount{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := d.GetAccount(accountID); err != nil {
			return err
		}
		return ErrAccountNotEmpty
	}
	return nil
}

// Credit mints balance into an account. Operator-only; used to fund
// test identities and simulations.
func (d *Database) Credit(accountID string, amount uint64) error {
	result := d.db.Model(&types.TokenAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrAccountNotFound
	}
	return nil
}
