//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/coupon"
	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/payment"
	"github.com/huertohogar/store/internal/domain/product"
	"github.com/huertohogar/store/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "huerto",
				"POSTGRES_PASSWORD": "huerto",
				"POSTGRES_DB":       "huerto",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pg.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://huerto:huerto@%s:%s/huerto?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	// Migrations are idempotent.
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("second migration run: %v", err)
	}

	return m.Run()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedProduct(t *testing.T, stock int) *product.Product {
	t.Helper()
	p := &product.Product{
		ID:       "p-" + uuid.NewString()[:8],
		Name:     "Zanahorias Orgánicas",
		Price:    dec("1200"),
		Discount: dec("10"),
		Category: "verduras",
		Stock:    stock,
		Unit:     "kg",
		Active:   true,
	}
	require.NoError(t, postgres.NewProductRepository(pool).Upsert(context.Background(), p))
	return p
}

func newOrder(userID string, p *product.Product, qty int) *order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	sub := order.LineSubtotal(p.Price, qty, p.Discount)
	return &order.Order{
		ID:     id,
		Number: "ORDER-" + fmt.Sprint(now.Unix()) + "-" + uuid.NewString()[:8],
		UserID: userID,
		Items: []order.Item{{
			ID: uuid.NewString(), OrderID: id, ProductID: p.ID, ProductName: p.Name,
			Quantity: qty, UnitPrice: p.Price, Discount: p.Discount, Subtotal: sub,
		}},
		Subtotal:     sub,
		ShippingCost: dec("3990"),
		Discounts:    decimal.Zero,
		Total:        sub.Add(dec("3990")),
		Shipping:     order.Address{Street: "Los Aromos 45", Commune: "Viña del Mar", Region: "Valparaíso"},
		State:        order.StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestProductRepository(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewProductRepository(pool)
	p := seedProduct(t, 5)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.True(t, p.Price.Equal(got.Price))
	assert.True(t, got.HasDiscount())

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)

	byCat, err := repo.ListByCategory(ctx, "VERDURAS")
	require.NoError(t, err)
	assert.NotEmpty(t, byCat)

	discounted, err := repo.ListDiscounted(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, discounted)

	err = repo.DecrementStock(ctx, p.ID, 6)
	var stockErr *product.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 5, stockErr.Available)

	require.ErrorIs(t, repo.DecrementStock(ctx, "missing", 1), product.ErrNotFound)
}

func TestProductRepository_ConcurrentDecrement(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewProductRepository(pool)
	p := seedProduct(t, 10)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.DecrementStock(ctx, p.ID, 1)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, product.ErrInsufficientStock)
				fail++
				return
			}
			ok++
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, fail)
	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Stock)
}

func TestCartAndOrderRepositories(t *testing.T) {
	ctx := context.Background()
	carts := postgres.NewCartRepository(pool)
	orders := postgres.NewOrderRepository(pool)
	p := seedProduct(t, 50)
	userID := "user-" + uuid.NewString()

	_, err := carts.FindByUser(ctx, userID)
	require.ErrorIs(t, err, cart.ErrNotFound)

	c, err := carts.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	again, err := carts.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID, "one cart per user")

	item := &cart.Item{ID: uuid.NewString(), CartID: c.ID, ProductID: p.ID, Quantity: 2, UnitPrice: p.Price, AddedAt: time.Now()}
	require.NoError(t, carts.AddItem(ctx, item))
	dup := &cart.Item{ID: uuid.NewString(), CartID: c.ID, ProductID: p.ID, Quantity: 3, UnitPrice: p.Price, AddedAt: time.Now()}
	require.NoError(t, carts.AddItem(ctx, dup))
	assert.Equal(t, item.ID, dup.ID, "merged into the existing line")
	assert.Equal(t, 5, dup.Quantity)

	require.ErrorIs(t, carts.DeleteItem(ctx, c.ID, uuid.NewString()), cart.ErrItemNotFound)

	o := newOrder(userID, p, 5)
	require.NoError(t, orders.Create(ctx, o, c.ID))

	c, err = carts.FindByUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, c.Items, "order creation empties the cart")

	exists, err := orders.ExistsNumber(ctx, o.Number)
	require.NoError(t, err)
	assert.True(t, exists)

	dupNumber := newOrder(userID, p, 1)
	dupNumber.Number = o.Number
	require.ErrorIs(t, orders.Create(ctx, dupNumber, c.ID), order.ErrConflict)

	got, err := orders.GetByNumber(ctx, o.Number)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.True(t, o.Total.Equal(got.Total))
	assert.Equal(t, "Viña del Mar", got.Shipping.Commune)

	recent, err := orders.RecentNumbers(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, recent, o.Number)

	now := time.Now().UTC()
	got.State = order.StatePaid
	got.PaidAt = &now
	got.UpdatedAt = now
	require.NoError(t, orders.Transition(ctx, got, order.StatePending))
	require.ErrorIs(t, orders.Transition(ctx, got, order.StatePending), order.ErrConcurrentUpdate)

	list, err := orders.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, order.StatePaid, list[0].State)
	require.NotNil(t, list[0].PaidAt)

	conflicts := postgres.NewConflictRepository(pool)
	require.NoError(t, conflicts.Record(ctx, &order.StockConflict{
		ID: uuid.NewString(), OrderID: o.ID, ProductID: p.ID, Quantity: 5, Reason: "test", CreatedAt: now,
	}))
	queue, err := conflicts.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, queue)
}

func TestTransactionRepository(t *testing.T) {
	ctx := context.Background()
	carts := postgres.NewCartRepository(pool)
	orders := postgres.NewOrderRepository(pool)
	txs := postgres.NewTransactionRepository(pool)
	p := seedProduct(t, 10)
	userID := "user-" + uuid.NewString()

	c, err := carts.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	o := newOrder(userID, p, 1)
	require.NoError(t, orders.Create(ctx, o, c.ID))

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := &payment.Transaction{
		ID: uuid.NewString(), Token: "tok" + uuid.NewString()[:8], BuyOrder: o.Number, SessionID: "s1",
		OrderID: o.ID, UserID: userID, Amount: o.Total, State: payment.StateInitiated,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, txs.Create(ctx, first))

	second := *first
	second.ID = uuid.NewString()
	second.Token = "tok" + uuid.NewString()[:8]
	second.CreatedAt = now.Add(time.Second)
	require.ErrorIs(t, txs.Create(ctx, &second), payment.ErrPaymentInProgress, "one open attempt per order")

	latest, err := txs.LatestByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Token, latest.Token)

	first.State = payment.StatePendingVerification
	require.NoError(t, txs.Transition(ctx, first, payment.StateInitiated))
	require.ErrorIs(t, txs.Transition(ctx, first, payment.StateInitiated), payment.ErrConcurrentUpdate)

	pending, err := txs.ListByState(ctx, payment.StatePendingVerification, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	first.State = payment.StateAuthorized
	first.ResponseCode = payment.ResponseApproved
	first.AuthorizationCode = "1213"
	first.AuthorizedAt = &now
	require.NoError(t, txs.Transition(ctx, first, payment.StatePendingVerification))

	got, err := txs.GetByToken(ctx, first.Token)
	require.NoError(t, err)
	assert.True(t, got.Successful())

	unsettled, err := txs.ListUnsettled(ctx, now.Add(time.Minute), 100)
	require.NoError(t, err)
	tokens := make([]string, 0, len(unsettled))
	for _, u := range unsettled {
		tokens = append(tokens, u.Token)
	}
	assert.Contains(t, tokens, first.Token, "order still pending")

	require.NoError(t, txs.Create(ctx, &second), "decided attempts free the slot")
	latest, err = txs.LatestByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Token, latest.Token)

	second.State = payment.StateRejected
	require.NoError(t, txs.Transition(ctx, &second, payment.StateInitiated))
	third := second
	third.ID = uuid.NewString()
	third.Token = "tok" + uuid.NewString()[:8]
	third.State = payment.StateInitiated
	third.CreatedAt = now.Add(2 * time.Second)
	require.NoError(t, txs.Create(ctx, &third))

	unsettled, err = txs.ListUnsettled(ctx, now.Add(time.Minute), 100)
	require.NoError(t, err)
	tokens = tokens[:0]
	for _, u := range unsettled {
		tokens = append(tokens, u.Token)
	}
	assert.Contains(t, tokens, first.Token, "authorized attempts are always replayed")
	assert.NotContains(t, tokens, second.Token, "superseded rejection")

	history, err := txs.ListByUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = txs.GetByToken(ctx, "missing")
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func TestCouponRepository(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewCouponRepository(pool)
	code := "HUERTO" + uuid.NewString()[:4]

	require.NoError(t, repo.Upsert(ctx, &coupon.Rule{
		Code:         code,
		DiscountType: coupon.DiscountPercentage,
		Value:        dec("15"),
		MaxUses:      1,
	}))

	rule, err := repo.FindByCode(ctx, strings.ToLower(code))
	require.NoError(t, err)
	assert.Equal(t, coupon.DiscountPercentage, rule.DiscountType)

	require.NoError(t, repo.IncrementUses(ctx, code))
	require.ErrorIs(t, repo.IncrementUses(ctx, code), coupon.ErrCouponUsageLimitReached)
	require.NoError(t, repo.DecrementUses(ctx, code))
	require.NoError(t, repo.IncrementUses(ctx, code), "released use is available again")
	require.ErrorIs(t, repo.IncrementUses(ctx, "NOPE-"+code), coupon.ErrInvalidCoupon)

	_, err = repo.FindByCode(ctx, "missing")
	require.ErrorIs(t, err, coupon.ErrInvalidCoupon)
}
