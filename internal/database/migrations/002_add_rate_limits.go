package migrations

import (
	"github.com/ksred/escrow-api/internal/types"
	"gorm.io/gorm"
)

// AddTicketRateLimits backfills the per-order action counters on
// deployments that predate ticket rate limiting.
func AddTicketRateLimits(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}

	migrator := db.Migrator()
	for _, column := range []string{"last_action_at", "day_window_start", "actions_today"} {
		if !migrator.HasColumn(&types.Order{}, column) {
			if err := migrator.AddColumn(&types.Order{}, column); err != nil {
				return err
			}
		}
	}

	return nil
}
