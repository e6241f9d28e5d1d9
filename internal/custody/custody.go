// Package custody implements the value-custody collaborator: keyed
// token accounts with atomic transfer and close-with-zero-balance
// semantics. Order vaults are custody accounts owned by the order ref,
// so only operations acting with the order's authority can move the
// locked value.
package custody

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service handles token account lifecycle operations
type Service struct {
	db *Database
}

// NewService creates a new custody service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// OpenAccount opens a new token account for an identity.
func (s *Service) OpenAccount(owner, asset string) (*types.TokenAccount, error) {
	accountID := uuid.New().String()

	account, err := s.db.OpenAccount(accountID, owner, asset)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("account_id", accountID).
		Str("owner", owner).
		Str("asset", asset).
		Str("service", "custody").
		Msg("token account opened")

	return account, nil
}

// GetAccount retrieves a token account by ID.
func (s *Service) GetAccount(accountID string) (*types.TokenAccount, error) {
	return s.db.GetAccount(accountID)
}

// Credit mints balance into an account. Restricted to the operator.
func (s *Service) Credit(accountID string, amount uint64) error {
	if err := s.db.Credit(accountID, amount); err != nil {
		return err
	}

	log.Info().
		Str("account_id", accountID).
		Uint64("amount", amount).
		Str("service", "custody").
		Msg("account credited")

	return nil
}

// GinHandlers contains HTTP handlers for custody endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// OpenAccountHandler handles POST requests to open token accounts.
// The account owner is the authenticated caller.
func (h *GinHandlers) OpenAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("clientID")
		if owner == "" {
			response.Unauthorized(c, "Missing caller identity")
			return
		}

		var request struct {
			Asset string `json:"asset" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.OpenAccount(owner, request.Asset)
		response.Handle(c, account, err)
	}
}

// GetAccountHandler handles GET requests for a token account.
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		account, err := h.service.GetAccount(accountID)
		response.Handle(c, account, err)
	}
}

// CreditAccountHandler handles POST requests to mint balance into an
// account. Operator-only; intended for development and simulation.
func (h *GinHandlers) CreditAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		var request struct {
			Amount uint64 `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.Credit(accountID, request.Amount); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"account_id": accountID, "credited": request.Amount, "timestamp": time.Now()})
	}
}
