package migrations

import (
	"github.com/ksred/escrow-api/internal/types"
	"gorm.io/gorm"
)

func AddTokenAccounts(db *gorm.DB) error {
	// Create the token account table before orders so vault creation
	// during order migration backfills has somewhere to land
	if err := db.AutoMigrate(&types.TokenAccount{}); err != nil {
		return err
	}

	return nil
}
