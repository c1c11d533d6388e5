package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order operations.
var (
	ErrNotFound  = errors.New("order not found")
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidState      = errors.New("unknown order state")
	// ErrConflict is returned when a unique order number could not be
	// allocated.
	ErrConflict = errors.New("order number conflict")
	// ErrConcurrentUpdate is returned by Repository.Transition when the order
	// left the expected state before the update landed.
	ErrConcurrentUpdate = errors.New("order was modified concurrently")
	ErrForbidden        = errors.New("order belongs to another user")
)

// State is the order lifecycle state.
type State string

const (
	StatePending       State = "PENDING"
	StatePaid          State = "PAID"
	StateProcessing    State = "PROCESSING"
	StateShipped       State = "SHIPPED"
	StateDelivered     State = "DELIVERED"
	StateCancelled     State = "CANCELLED"
	StateRejected      State = "REJECTED"
	StateStockConflict State = "STOCK_CONFLICT"
)

var transitions = map[State][]State{
	StatePending:       {StatePaid, StateCancelled, StateRejected},
	StatePaid:          {StateProcessing, StateStockConflict},
	StateProcessing:    {StateShipped},
	StateShipped:       {StateDelivered},
	StateStockConflict: {StateProcessing, StateCancelled},
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePending, StatePaid, StateProcessing, StateShipped, StateDelivered,
		StateCancelled, StateRejected, StateStockConflict:
		return st, nil
	default:
		return "", errors.Wrapf(ErrInvalidState, "%q", s)
	}
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

// Is reports ErrInvalidTransition as the sentinel for this error type.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Address is where the order ships to.
type Address struct {
	Street  string
	Commune string
	Region  string
	Notes   string
}

// Order is a frozen snapshot of a cart plus its lifecycle state.
//
// Everything except State and the timestamps is immutable after creation.
type Order struct {
	ID           string
	Number       string
	UserID       string
	Items        []Item
	Subtotal     decimal.Decimal
	ShippingCost decimal.Decimal
	Discounts    decimal.Decimal
	Total        decimal.Decimal
	Shipping     Address
	CouponCode   string
	State        State
	PaidAt       *time.Time
	ShippedAt    *time.Time
	DeliveredAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Item is one frozen order line. Discount is the product discount percentage
// at checkout time and Subtotal already applies it.
type Item struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	Subtotal    decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// LineSubtotal returns unitPrice*qty - unitPrice*qty*discount/100 rounded to
// cents.
func LineSubtotal(unitPrice decimal.Decimal, quantity int, discount decimal.Decimal) decimal.Decimal {
	gross := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	if !discount.IsPositive() {
		return gross.Round(2)
	}
	return gross.Sub(gross.Mul(discount).Div(hundred)).Round(2)
}

// StockConflict records a paid order whose stock could not be decremented.
// Rows are resolved by an operator.
type StockConflict struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	Reason    string
	CreatedAt time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores the order with its items and empties cartID in a single
	// database transaction. A duplicate order number yields ErrConflict.
	Create(ctx context.Context, o *Order, cartID string) error
	ExistsNumber(ctx context.Context, number string) (bool, error)
	// RecentNumbers returns up to limit of the newest order numbers.
	RecentNumbers(ctx context.Context, limit int) ([]string, error)
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// ListByUser returns the user's orders, newest first.
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	ListByState(ctx context.Context, state State) ([]Order, error)
	// Transition persists o.State and the lifecycle timestamps only if the
	// stored state still equals from. Otherwise it returns ErrConcurrentUpdate.
	Transition(ctx context.Context, o *Order, from State) error
}

// ConflictRepository stores the stock reconciliation queue.
type ConflictRepository interface {
	Record(ctx context.Context, c *StockConflict) error
	List(ctx context.Context) ([]StockConflict, error)
}
