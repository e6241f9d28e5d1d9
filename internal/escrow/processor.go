package escrow

import (
	"context"
	"time"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Processor periodically sweeps orders whose economic life is over
// (no reservations, at most dust remaining) and reclaims their records
// and vaults. It backs up the inline auto-close: an order left behind
// by a crashed request or an unclaimed dust remainder still gets
// reclaimed eventually.
type Processor struct {
	gormDB        *gorm.DB
	cfg           Config
	sweepInterval time.Duration
}

func NewProcessor(gormDB *gorm.DB, cfg Config, sweepInterval time.Duration) *Processor {
	return &Processor{
		gormDB:        gormDB,
		cfg:           cfg,
		sweepInterval: sweepInterval,
	}
}

// Start begins the reclamation loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "escrow_reclaimer").Logger()
	logger.Info().Dur("sweep_interval", p.sweepInterval).Msg("starting escrow reclaimer")

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down escrow reclaimer")
			return
		case <-ticker.C:
			if err := p.sweep(); err != nil {
				logger.Error().Err(err).Msg("reclamation sweep failed")
			}
		}
	}
}

func (p *Processor) sweep() error {
	logger := log.With().Str("component", "escrow_reclaimer").Logger()

	candidates, err := NewDatabase(p.gormDB).ListReclaimable(p.cfg.DustThreshold)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	logger.Info().Int("candidate_count", len(candidates)).Msg("sweeping reclaimable orders")

	for _, candidate := range candidates {
		orderRef := candidate.OrderRef
		err := p.gormDB.Transaction(func(tx *gorm.DB) error {
			db := NewDatabase(tx)
			vault := custody.NewDatabase(tx)

			// Re-read inside the transaction; a ticket may have landed
			// since the candidate list was built.
			order, err := db.GetOrder(orderRef)
			if err != nil {
				return err
			}
			if order.ReservedAmount != 0 || order.RemainingAmount() > p.cfg.DustThreshold {
				return nil
			}

			// A dust remainder held by a Sell vault stays with the
			// order until the creator sweeps it via an explicit close.
			_, err = autoClose(db, vault, orderRef, closeAlways)
			return err
		})
		if err != nil {
			logger.Error().
				Err(err).
				Str("order_ref", orderRef).
				Msg("failed to reclaim order")
			continue
		}
	}

	return nil
}
