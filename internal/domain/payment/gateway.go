package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ResponseApproved is the response code of an approved authorization.
const ResponseApproved = "0"

// CreateRequest asks the gateway to open a transaction.
type CreateRequest struct {
	BuyOrder  string
	SessionID string
	Amount    decimal.Decimal
	ReturnURL string
}

// CreateResponse carries the token and the URL the customer is sent to.
type CreateResponse struct {
	Token string
	URL   string
}

// GatewayStatus is the gateway's verdict normalized across adapters.
type GatewayStatus string

const (
	GatewayAuthorized GatewayStatus = "AUTHORIZED"
	GatewayFailed     GatewayStatus = "FAILED"
	// GatewayPending means the customer has not finished paying yet.
	GatewayPending  GatewayStatus = "PENDING"
	GatewayReversed GatewayStatus = "REVERSED"
)

// GatewayResult is what Commit and Status report.
type GatewayResult struct {
	Status GatewayStatus
	// RawStatus is the adapter's own status string.
	RawStatus         string
	ResponseCode      string
	AuthorizationCode string
	PaymentTypeCode   string
	Installments      int
	Amount            decimal.Decimal
	BuyOrder          string
	SessionID         string
	TransactionDate   time.Time
}

// Gateway is the card payment provider.
type Gateway interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	// Commit confirms a transaction after the customer returns from the
	// gateway. It must be called at most once per token.
	Commit(ctx context.Context, token string) (*GatewayResult, error)
	// Status queries a transaction without side effects.
	Status(ctx context.Context, token string) (*GatewayResult, error)
}

// Canceler is implemented by gateways that capture a payment without a
// Commit call. Cancel closes the token so the customer can no longer pay it.
// It fails when the token was already paid.
type Canceler interface {
	Cancel(ctx context.Context, token string) error
}

// Outcome classifies a gateway call.
type Outcome int

const (
	// OutcomeUnknown means the gateway could not tell us; retry later.
	OutcomeUnknown Outcome = iota
	OutcomeApproved
	OutcomeDeclined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// Classify maps a gateway reply to an Outcome. Only ErrGatewayRejected counts
// as a decline; every other error leaves the outcome unknown.
func Classify(res *GatewayResult, err error) Outcome {
	if err != nil {
		if errors.Is(err, ErrGatewayRejected) {
			return OutcomeDeclined
		}
		return OutcomeUnknown
	}
	switch res.Status {
	case GatewayAuthorized:
		if res.ResponseCode == ResponseApproved {
			return OutcomeApproved
		}
		return OutcomeDeclined
	case GatewayFailed, GatewayReversed:
		return OutcomeDeclined
	default:
		return OutcomeUnknown
	}
}
