// Package config loads service configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all service settings. Defaults match the marketplace's
// production constants; tests override them directly.
type Config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"escrow.db"`
	JWTSecret    string `envconfig:"JWT_SECRET" default:"escrow-dev-secret"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// AdminIdentity is the operator identity allowed to resolve
	// disputes and receive settlement fees.
	AdminIdentity string `envconfig:"ADMIN_IDENTITY" default:"escrow-operator"`

	FeeBasisPoints   uint64        `envconfig:"FEE_BASIS_POINTS" default:"20"`
	TicketCooldown   time.Duration `envconfig:"TICKET_COOLDOWN" default:"2s"`
	MaxTicketsPerDay uint16        `envconfig:"MAX_TICKETS_PER_DAY" default:"70"`
	DustThreshold    uint64        `envconfig:"DUST_THRESHOLD" default:"1000000"`
	ReclaimInterval  time.Duration `envconfig:"RECLAIM_INTERVAL" default:"5m"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
