package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huertohogar/store/internal/domain/payment"
)

const (
	txColumns = `t.id, t.token, t.buy_order, t.session_id, t.order_id, t.user_id, t.amount, t.state,
		t.gateway_status, t.authorization_code, t.response_code, t.payment_type_code, t.installments,
		t.error_message, t.transaction_date, t.authorized_at, t.created_at, t.updated_at`

	createTransactionSQL = `INSERT INTO transactions (id, token, buy_order, session_id, order_id, user_id,
		amount, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	getTransactionByTokenSQL = `SELECT ` + txColumns + ` FROM transactions t WHERE t.token = $1`

	latestTransactionByOrderSQL = `SELECT ` + txColumns + ` FROM transactions t
		WHERE t.order_id = $1 ORDER BY t.created_at DESC LIMIT 1`

	listTransactionsByUserSQL = `SELECT ` + txColumns + ` FROM transactions t
		WHERE t.user_id = $1 ORDER BY t.created_at DESC`

	listTransactionsByStateSQL = `SELECT ` + txColumns + ` FROM transactions t
		WHERE t.state = $1 AND t.updated_at < $2 ORDER BY t.updated_at LIMIT $3`

	listUnsettledTransactionsSQL = `SELECT ` + txColumns + ` FROM transactions t
		JOIN orders o ON o.id = t.order_id
		WHERE t.state IN ('AUTHORIZED', 'REJECTED') AND o.state = 'PENDING' AND t.updated_at < $1
			AND (t.state = 'AUTHORIZED' OR NOT EXISTS (
				SELECT 1 FROM transactions t2 WHERE t2.order_id = t.order_id AND t2.created_at > t.created_at))
		ORDER BY t.updated_at LIMIT $2`

	transitionTransactionSQL = `UPDATE transactions SET state = $3, gateway_status = $4,
		authorization_code = $5, response_code = $6, payment_type_code = $7, installments = $8,
		error_message = $9, transaction_date = $10, authorized_at = $11, updated_at = $12
		WHERE token = $1 AND state = $2`
)

var _ payment.Repository = (*TransactionRepository)(nil)

// TransactionRepository implements payment.Repository backed by PostgreSQL.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository returns a TransactionRepository that uses the given pool.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// Create inserts an attempt. The partial unique index on open attempts turns
// a second concurrent attempt for the same order into ErrPaymentInProgress.
func (r *TransactionRepository) Create(ctx context.Context, t *payment.Transaction) error {
	_, err := r.pool.Exec(ctx, createTransactionSQL,
		t.ID, t.Token, t.BuyOrder, t.SessionID, t.OrderID, t.UserID,
		t.Amount, string(t.State), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == uniqueViolation {
			return payment.ErrPaymentInProgress
		}
		return fmt.Errorf("creating transaction for %q: %w", t.BuyOrder, err)
	}
	return nil
}

// GetByToken returns a transaction or payment.ErrNotFound.
func (r *TransactionRepository) GetByToken(ctx context.Context, token string) (*payment.Transaction, error) {
	return r.getOne(ctx, getTransactionByTokenSQL, token)
}

// LatestByOrder returns the order's newest attempt or payment.ErrNotFound.
func (r *TransactionRepository) LatestByOrder(ctx context.Context, orderID string) (*payment.Transaction, error) {
	return r.getOne(ctx, latestTransactionByOrderSQL, orderID)
}

func (r *TransactionRepository) getOne(ctx context.Context, query, arg string) (*payment.Transaction, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	return &t, nil
}

// ListByUser returns the user's attempts, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string) ([]payment.Transaction, error) {
	rows, err := r.pool.Query(ctx, listTransactionsByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions of %q: %w", userID, err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// ListByState returns up to limit attempts in state updated before the given
// time, oldest first.
func (r *TransactionRepository) ListByState(ctx context.Context, state payment.State, before time.Time, limit int) ([]payment.Transaction, error) {
	rows, err := r.pool.Query(ctx, listTransactionsByStateSQL, string(state), before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing %s transactions: %w", state, err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// ListUnsettled returns decided attempts whose order is still PENDING. A
// rejection followed by a newer attempt is not replayed onto the order.
func (r *TransactionRepository) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]payment.Transaction, error) {
	rows, err := r.pool.Query(ctx, listUnsettledTransactionsSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled transactions: %w", err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// Transition persists t's mutable fields if the stored state still equals from.
func (r *TransactionRepository) Transition(ctx context.Context, t *payment.Transaction, from payment.State) error {
	tag, err := r.pool.Exec(ctx, transitionTransactionSQL,
		t.Token, string(from), string(t.State), t.GatewayStatus,
		t.AuthorizationCode, t.ResponseCode, t.PaymentTypeCode, t.Installments,
		t.ErrorMessage, t.TransactionDate, t.AuthorizedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating transaction %q: %w", t.BuyOrder, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetByToken(ctx, t.Token); err != nil {
		return err
	}
	return payment.ErrConcurrentUpdate
}

func scanTransaction(row pgx.CollectableRow) (payment.Transaction, error) {
	var (
		t     payment.Transaction
		state string
	)
	err := row.Scan(
		&t.ID, &t.Token, &t.BuyOrder, &t.SessionID, &t.OrderID, &t.UserID, &t.Amount, &state,
		&t.GatewayStatus, &t.AuthorizationCode, &t.ResponseCode, &t.PaymentTypeCode, &t.Installments,
		&t.ErrorMessage, &t.TransactionDate, &t.AuthorizedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	t.State = payment.State(state)
	return t, err
}
