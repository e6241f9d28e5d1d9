package types

import "time"

// OpenOrderResponse is returned when an order (optionally with its
// first ticket) is opened.
type OpenOrderResponse struct {
	OrderRef       string    `json:"order_ref"`
	CustodyAccount string    `json:"custody_account"`
	TicketRef      string    `json:"ticket_ref,omitempty"`
	LockedAmount   uint64    `json:"locked_amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// SignTicketResponse reports the outcome of one signature. Settled is
// true when this was the second qualifying signature and custody moved.
type SignTicketResponse struct {
	TicketRef   string    `json:"ticket_ref"`
	OrderRef    string    `json:"order_ref"`
	BothSigned  bool      `json:"both_signed"`
	Settled     bool      `json:"settled"`
	FeeAmount   uint64    `json:"fee_amount,omitempty"`
	NetAmount   uint64    `json:"net_amount,omitempty"`
	OrderClosed bool      `json:"order_closed"`
	Timestamp   time.Time `json:"timestamp"`
}

// CancelResponse reports an unwind of a ticket or order.
type CancelResponse struct {
	OrderRef       string    `json:"order_ref"`
	TicketRef      string    `json:"ticket_ref,omitempty"`
	AmountReturned uint64    `json:"amount_returned"`
	OrderClosed    bool      `json:"order_closed"`
	Timestamp      time.Time `json:"timestamp"`
}

// AdminResolveResponse reports a dispute-resolution override.
type AdminResolveResponse struct {
	OrderRef    string    `json:"order_ref"`
	TicketRef   string    `json:"ticket_ref,omitempty"`
	Resolution  string    `json:"resolution"` // RELEASE, SETTLE or REFUND
	Amount      uint64    `json:"amount"`
	FeeAmount   uint64    `json:"fee_amount,omitempty"`
	OrderClosed bool      `json:"order_closed"`
	Timestamp   time.Time `json:"timestamp"`
}
