package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidToken is returned for empty or malformed gateway tokens.
	ErrInvalidToken = errors.New("invalid payment token")
	// ErrInvalidInput matches every *ValidationError.
	ErrInvalidInput   = errors.New("invalid payment request")
	ErrForbidden      = errors.New("order belongs to another user")
	ErrAmountMismatch = errors.New("amount does not match order total")
	// ErrOrderNotPayable is returned when the order is no longer PENDING.
	ErrOrderNotPayable = errors.New("order is not awaiting payment")
	// ErrPaymentInProgress is returned when the order already has an attempt
	// whose outcome is not known yet.
	ErrPaymentInProgress = errors.New("payment already in progress")
	// ErrConcurrentUpdate is returned by Repository.Transition when the
	// transaction left the expected state before the update landed.
	ErrConcurrentUpdate = errors.New("transaction was modified concurrently")
	// ErrGatewayRejected is returned by gateways when the remote side refused
	// the request (4xx).
	ErrGatewayRejected = errors.New("gateway rejected request")
	// ErrGatewayUnreachable is returned by gateways for timeouts, transport
	// failures and 5xx responses. The remote outcome is unknown.
	ErrGatewayUnreachable = errors.New("gateway unreachable")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports ErrInvalidInput as the sentinel for this error type.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// InitError is returned when the gateway could not create a transaction.
// Nothing is persisted in that case.
type InitError struct {
	OrderNumber string
	Err         error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initiate payment for %s: %v", e.OrderNumber, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// State is the transaction lifecycle state.
type State string

const (
	StateInitiated           State = "INITIATED"
	StateAuthorized          State = "AUTHORIZED"
	StateRejected            State = "REJECTED"
	StateExpired             State = "EXPIRED"
	StatePendingVerification State = "PENDING_VERIFICATION"
	StateReversed            State = "REVERSED"
)

var transitions = map[State][]State{
	StateInitiated:           {StateAuthorized, StateRejected, StateExpired, StatePendingVerification},
	StatePendingVerification: {StateAuthorized, StateRejected},
	StateAuthorized:          {StateReversed},
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

// Open reports whether the payment outcome is still undecided.
func (s State) Open() bool {
	return s == StateInitiated || s == StatePendingVerification
}

// Transaction is one payment attempt for an order.
type Transaction struct {
	ID        string
	Token     string
	BuyOrder  string
	SessionID string
	OrderID   string
	UserID    string
	Amount    decimal.Decimal
	State     State
	// GatewayStatus is the raw status string last reported by the gateway.
	GatewayStatus     string
	AuthorizationCode string
	ResponseCode      string
	PaymentTypeCode   string
	Installments      int
	ErrorMessage      string
	TransactionDate   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	AuthorizedAt      *time.Time
}

// Successful reports whether the payment went through.
func (t *Transaction) Successful() bool {
	return t.State == StateAuthorized && t.ResponseCode == ResponseApproved
}

// Repository persists transactions.
type Repository interface {
	// Create stores a new INITIATED transaction. It returns
	// ErrPaymentInProgress if the order already has an open attempt.
	Create(ctx context.Context, t *Transaction) error
	GetByToken(ctx context.Context, token string) (*Transaction, error)
	// LatestByOrder returns the order's most recent attempt, or ErrNotFound.
	// An open attempt is always the latest one.
	LatestByOrder(ctx context.Context, orderID string) (*Transaction, error)
	// ListByUser returns the user's transactions, newest first.
	ListByUser(ctx context.Context, userID string) ([]Transaction, error)
	// ListByState returns up to limit transactions in state last updated
	// before the given time, oldest first.
	ListByState(ctx context.Context, state State, before time.Time, limit int) ([]Transaction, error)
	// ListUnsettled returns up to limit AUTHORIZED or REJECTED transactions
	// updated before the given time whose order is still PENDING. A REJECTED
	// attempt followed by a newer attempt on the same order is left out.
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]Transaction, error)
	// Transition persists t's mutable fields only if the stored state still
	// equals from. Otherwise it returns ErrConcurrentUpdate.
	Transition(ctx context.Context, t *Transaction, from State) error
}
