package escrow

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/escrow-api/pkg/response"
)

// GinHandlers contains HTTP handlers for escrow endpoints. The acting
// identity always comes from the authenticated token, never from the
// request body.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for escrow endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func caller(c *gin.Context) (string, bool) {
	clientID := c.GetString("clientID")
	if clientID == "" {
		response.Unauthorized(c, "Missing caller identity")
		return "", false
	}
	return clientID, true
}

// OpenOrderHandler handles POST requests to create a new order
func (h *GinHandlers) OpenOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		creator, ok := caller(c)
		if !ok {
			return
		}

		var params OpenOrderParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.OpenOrder(creator, params)
		response.Handle(c, result, err)
	}
}

// AcceptOfferHandler handles POST requests that open an order together
// with a first ticket reserving its full amount. The caller is the
// value depositor.
func (h *GinHandlers) AcceptOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		depositor, ok := caller(c)
		if !ok {
			return
		}

		var params OpenOrderWithTicketParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.OpenOrderWithFirstTicket(depositor, params)
		response.Handle(c, result, err)
	}
}

// GetOrderHandler handles GET requests for order status
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderRef := c.Param("order_ref")

		order, err := h.service.GetOrder(orderRef)
		response.Handle(c, order, err)
	}
}

// ListTicketsHandler handles GET requests for an order's open tickets
func (h *GinHandlers) ListTicketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderRef := c.Param("order_ref")

		tickets, err := h.service.ListTickets(orderRef)
		response.Handle(c, tickets, err)
	}
}

// CreateTicketHandler handles POST requests to reserve a slice of an order
func (h *GinHandlers) CreateTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := caller(c)
		if !ok {
			return
		}
		orderRef := c.Param("order_ref")

		var params CreateTicketParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ticket, err := h.service.CreateTicket(actor, orderRef, params)
		response.Handle(c, ticket, err)
	}
}

// GetTicketHandler handles GET requests for ticket status
func (h *GinHandlers) GetTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ticketRef := c.Param("ticket_ref")

		ticket, err := h.service.GetTicket(ticketRef)
		response.Handle(c, ticket, err)
	}
}

// SignTicketHandler handles POST requests recording a party's attestation
func (h *GinHandlers) SignTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := caller(c)
		if !ok {
			return
		}
		ticketRef := c.Param("ticket_ref")

		var params SignTicketParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.SignTicket(actor, ticketRef, params)
		response.Handle(c, result, err)
	}
}

// CancelTicketHandler handles POST requests to unwind an open ticket
func (h *GinHandlers) CancelTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := caller(c)
		if !ok {
			return
		}
		ticketRef := c.Param("ticket_ref")

		var params CancelTicketParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.CancelTicket(actor, ticketRef, params)
		response.Handle(c, result, err)
	}
}

// CancelOrderHandler handles POST requests withdrawing unreserved capacity
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := caller(c)
		if !ok {
			return
		}
		orderRef := c.Param("order_ref")

		var params CancelOrderParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.CancelOrder(actor, orderRef, params)
		response.Handle(c, result, err)
	}
}

// CloseOrderHandler handles POST requests reclaiming a drained order
func (h *GinHandlers) CloseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := caller(c)
		if !ok {
			return
		}
		orderRef := c.Param("order_ref")

		var params CloseOrderParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.CloseOrder(actor, orderRef, params)
		response.Handle(c, result, err)
	}
}

// AdminResolveOrderHandler handles POST requests for operator order disputes
func (h *GinHandlers) AdminResolveOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := caller(c)
		if !ok {
			return
		}
		orderRef := c.Param("order_ref")

		var params AdminResolveOrderParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.AdminResolveOrder(actor, orderRef, params)
		response.Handle(c, result, err)
	}
}

// AdminResolveTicketHandler handles POST requests for operator ticket disputes
func (h *GinHandlers) AdminResolveTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := caller(c)
		if !ok {
			return
		}
		ticketRef := c.Param("ticket_ref")

		var params AdminResolveTicketParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.AdminResolveTicket(actor, ticketRef, params)
		response.Handle(c, result, err)
	}
}
