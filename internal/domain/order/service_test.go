package order_test

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/coupon"
	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/product"
	"github.com/huertohogar/store/internal/storage/memory"
)

// --- Fixtures ---

type env struct {
	db     *memory.DB
	carts  *cart.Service
	orders *order.Service
}

type envOption func(*memory.DB, *envConfig)

type envConfig struct {
	orders    order.Repository
	conflicts order.ConflictRepository
	products  product.Repository
	pricing   order.Pricing
}

func withFailingCreate(err error) envOption {
	return func(db *memory.DB, c *envConfig) {
		c.orders = &failingOrders{Repository: db.Orders(), err: err}
	}
}

func withFailingDecrement(productID string) envOption {
	return func(db *memory.DB, c *envConfig) {
		c.products = &failingDecrement{Repository: db.Products(), failFor: productID}
	}
}

func withPricing(p order.Pricing) envOption {
	return func(_ *memory.DB, c *envConfig) { c.pricing = p }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	db := memory.New()
	ctx := context.Background()
	for _, p := range []product.Product{
		{ID: "papas", Name: "Papas Orgánicas", Price: dec("1500"), Discount: dec("0"), Stock: 100, Active: true},
		{ID: "frutas", Name: "Pack Frutas Estación", Price: dec("5000"), Discount: dec("20"), Stock: 50, Active: true},
		{ID: "tomates", Name: "Tomates Limachinos", Price: dec("2200"), Discount: dec("15"), Stock: 3, Active: true},
	} {
		require.NoError(t, db.Products().Upsert(ctx, &p))
	}
	require.NoError(t, db.Coupons().Upsert(ctx, &coupon.Rule{
		Code:         "BIENVENIDA10",
		DiscountType: coupon.DiscountPercentage,
		Value:        dec("10"),
	}))

	cfg := envConfig{
		orders:    db.Orders(),
		conflicts: db.Conflicts(),
		products:  db.Products(),
		pricing:   order.Pricing{ShippingCost: dec("3990")},
	}
	for _, opt := range opts {
		opt(db, &cfg)
	}

	return &env{
		db:    db,
		carts: cart.NewService(db.Carts(), db.Products()),
		orders: order.NewService(
			cfg.orders,
			cfg.conflicts,
			db.Carts(),
			cfg.products,
			coupon.NewRepoValidator(db.Coupons()),
			order.NewNumberGenerator(db.Orders(), 0),
			cfg.pricing,
		),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (e *env) add(t *testing.T, userID, productID string, qty int) {
	t.Helper()
	_, err := e.carts.AddItem(context.Background(), userID, productID, qty)
	require.NoError(t, err)
}

func (e *env) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := e.db.Products().GetByID(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

var address = order.Address{Street: "Av. Siempre Viva 742", Commune: "Providencia", Region: "Metropolitana"}

type failingOrders struct {
	order.Repository
	err error
}

func (f *failingOrders) Create(context.Context, *order.Order, string) error { return f.err }

type failingDecrement struct {
	product.Repository
	failFor string
}

func (f *failingDecrement) DecrementStock(ctx context.Context, id string, qty int) error {
	if id == f.failFor {
		return &product.InsufficientStockError{ProductID: id, Requested: qty}
	}
	return f.Repository.DecrementStock(ctx, id, qty)
}

// --- Tests ---

func TestCheckout_EmptyCart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.ErrorIs(t, err, order.ErrEmptyCart)

	e.add(t, "u1", "papas", 1)
	require.NoError(t, e.carts.Clear(ctx, "u1"))

	_, err = e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.ErrorIs(t, err, order.ErrEmptyCart)

	orders, err := e.orders.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_TotalsAndFrozenLines(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "papas", 2)
	e.add(t, "u1", "frutas", 1)
	e.add(t, "u1", "tomates", 3)

	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.NoError(t, err)

	assert.Equal(t, order.StatePending, o.State)
	assert.Regexp(t, `^ORDER-\d+-[A-Z2-7]{8}$`, o.Number)
	require.Len(t, o.Items, 3)

	byProduct := map[string]order.Item{}
	for _, it := range o.Items {
		byProduct[it.ProductID] = it
	}
	// 2 x 1500, no discount
	assert.True(t, dec("3000").Equal(byProduct["papas"].Subtotal))
	// 5000 - 20%
	assert.True(t, dec("4000").Equal(byProduct["frutas"].Subtotal))
	assert.True(t, dec("20").Equal(byProduct["frutas"].Discount))
	// 3 x 2200 = 6600 - 15% = 5610
	assert.True(t, dec("5610").Equal(byProduct["tomates"].Subtotal))
	assert.Equal(t, "Tomates Limachinos", byProduct["tomates"].ProductName)

	assert.True(t, dec("12610").Equal(o.Subtotal))
	assert.True(t, dec("3990").Equal(o.ShippingCost))
	assert.True(t, o.Discounts.IsZero())
	assert.True(t, o.Total.Equal(o.Subtotal.Add(o.ShippingCost).Sub(o.Discounts)))

	v, err := e.carts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, v.Items, "checkout empties the cart")
	assert.Equal(t, 3, e.stock(t, "tomates"), "checkout does not reserve stock")
}

func TestCheckout_OrderImmutableAfterPriceChange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "frutas", 2)

	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.NoError(t, err)

	p, err := e.db.Products().GetByID(ctx, "frutas")
	require.NoError(t, err)
	p.Price = dec("9000")
	p.Discount = dec("0")
	require.NoError(t, e.db.Products().Upsert(ctx, p))

	stored, err := e.orders.Get(ctx, "u1", o.Number)
	require.NoError(t, err)
	assert.True(t, o.Total.Equal(stored.Total))
	assert.True(t, dec("5000").Equal(stored.Items[0].UnitPrice))
	assert.True(t, dec("20").Equal(stored.Items[0].Discount))
	assert.True(t, stored.Total.Equal(stored.Subtotal.Add(stored.ShippingCost).Sub(stored.Discounts)))
}

func TestCheckout_WithCoupon(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "papas", 4)

	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address, CouponCode: "bienvenida10"})
	require.NoError(t, err)
	assert.True(t, dec("600").Equal(o.Discounts))
	assert.True(t, dec("9390").Equal(o.Total))

	rule, err := e.db.Coupons().FindByCode(ctx, "BIENVENIDA10")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Uses)
}

func TestCheckout_CouponLimitUnderConcurrency(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.db.Coupons().Upsert(ctx, &coupon.Rule{
		Code:         "UNICO5",
		DiscountType: coupon.DiscountPercentage,
		Value:        dec("5"),
		MaxUses:      1,
	}))
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		e.add(t, u, "papas", 1)
	}

	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.orders.Checkout(ctx, u, order.CheckoutRequest{Shipping: address, CouponCode: "UNICO5"})
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, coupon.ErrCouponUsageLimitReached)
	}
	assert.Equal(t, 1, ok)

	rule, err := e.db.Coupons().FindByCode(ctx, "UNICO5")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Uses)
}

func TestCheckout_PersistFailureReleasesCoupon(t *testing.T) {
	e := newEnv(t, withFailingCreate(errors.New("disk full")))
	ctx := context.Background()
	e.add(t, "u1", "papas", 1)

	_, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address, CouponCode: "BIENVENIDA10"})
	require.Error(t, err)

	rule, err := e.db.Coupons().FindByCode(ctx, "BIENVENIDA10")
	require.NoError(t, err)
	assert.Zero(t, rule.Uses)
}

func TestCheckout_InvalidCouponKeepsCart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "papas", 1)

	_, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address, CouponCode: "NOPE"})
	require.ErrorIs(t, err, coupon.ErrInvalidCoupon)

	v, err := e.carts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, v.Items, 1)
}

func TestCheckout_FreeShippingThreshold(t *testing.T) {
	e := newEnv(t, withPricing(order.Pricing{ShippingCost: dec("3990"), FreeShippingOver: dec("10000")}))
	ctx := context.Background()
	e.add(t, "u1", "frutas", 3)

	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.NoError(t, err)
	assert.True(t, o.ShippingCost.IsZero())
	assert.True(t, dec("12000").Equal(o.Total))
}

func TestCheckout_InsufficientStockIsAllOrNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "papas", 2)
	e.add(t, "u1", "tomates", 3)

	// Stock drops after the item was added.
	p, err := e.db.Products().GetByID(ctx, "tomates")
	require.NoError(t, err)
	p.Stock = 1
	require.NoError(t, e.db.Products().Upsert(ctx, p))

	_, err = e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	var stockErr *product.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "tomates", stockErr.ProductID)
	assert.Equal(t, "Tomates Limachinos", stockErr.Name)

	v, err := e.carts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, v.Items, 2, "cart untouched")

	orders, err := e.orders.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_PersistFailureLeavesCartIntact(t *testing.T) {
	e := newEnv(t, withFailingCreate(errors.New("disk full")))
	ctx := context.Background()
	e.add(t, "u1", "papas", 2)

	_, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")

	v, err := e.carts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, v.Items, 1)
}

func TestCheckout_PersistentNumberConflict(t *testing.T) {
	e := newEnv(t, withFailingCreate(order.ErrConflict))
	e.add(t, "u1", "papas", 1)

	_, err := e.orders.Checkout(context.Background(), "u1", order.CheckoutRequest{Shipping: address})
	require.ErrorIs(t, err, order.ErrConflict)
}

func TestUpdateState_TransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		steps []order.State
		ok    bool
	}{
		{name: "happy path", steps: []order.State{order.StatePaid, order.StateProcessing, order.StateShipped, order.StateDelivered}, ok: true},
		{name: "cancel pending", steps: []order.State{order.StateCancelled}, ok: true},
		{name: "reject pending", steps: []order.State{order.StateRejected}, ok: true},
		{name: "skip to shipped", steps: []order.State{order.StateShipped}},
		{name: "cancel after paid", steps: []order.State{order.StatePaid, order.StateCancelled}},
		{name: "revive rejected", steps: []order.State{order.StateRejected, order.StatePaid}},
		{name: "deliver twice", steps: []order.State{order.StatePaid, order.StateProcessing, order.StateShipped, order.StateDelivered, order.StateDelivered}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			e.add(t, "u1", "papas", 1)
			o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
			require.NoError(t, err)

			var last error
			for _, s := range tt.steps {
				if _, last = e.orders.UpdateState(ctx, o.ID, s); last != nil {
					break
				}
			}
			if tt.ok {
				require.NoError(t, last)
				return
			}
			require.ErrorIs(t, last, order.ErrInvalidTransition)
		})
	}
}

func TestUpdateState_TimestampsAndStock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "papas", 4)
	e.add(t, "u1", "tomates", 2)
	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.NoError(t, err)

	paid, err := e.orders.UpdateState(ctx, o.ID, order.StatePaid)
	require.NoError(t, err)
	assert.Equal(t, order.StatePaid, paid.State)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, 96, e.stock(t, "papas"))
	assert.Equal(t, 1, e.stock(t, "tomates"))

	_, err = e.orders.UpdateState(ctx, o.ID, order.StateProcessing)
	require.NoError(t, err)
	shipped, err := e.orders.UpdateState(ctx, o.ID, order.StateShipped)
	require.NoError(t, err)
	require.NotNil(t, shipped.ShippedAt)
	delivered, err := e.orders.UpdateState(ctx, o.ID, order.StateDelivered)
	require.NoError(t, err)
	require.NotNil(t, delivered.DeliveredAt)
	assert.True(t, delivered.State.Terminal())

	assert.Equal(t, 96, e.stock(t, "papas"), "stock decremented once")
}

func TestUpdateState_StockConflict(t *testing.T) {
	e := newEnv(t, withFailingDecrement("tomates"))
	ctx := context.Background()
	e.add(t, "u1", "papas", 1)
	e.add(t, "u1", "tomates", 2)
	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.NoError(t, err)

	got, err := e.orders.UpdateState(ctx, o.ID, order.StatePaid)
	require.NoError(t, err, "payment is never undone by stock problems")
	assert.Equal(t, order.StateStockConflict, got.State)
	assert.NotNil(t, got.PaidAt)
	assert.Equal(t, 99, e.stock(t, "papas"))

	conflicts, err := e.orders.StockConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, o.ID, conflicts[0].OrderID)
	assert.Equal(t, "tomates", conflicts[0].ProductID)
	assert.Equal(t, 2, conflicts[0].Quantity)

	listed, err := e.orders.ListByState(ctx, order.StateStockConflict)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = e.orders.UpdateState(ctx, o.ID, order.StateProcessing)
	require.NoError(t, err, "operator can resume a conflicted order")
}

func TestRecordPaymentConflict(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "papas", 2)
	e.add(t, "u1", "tomates", 1)
	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.NoError(t, err)
	_, err = e.orders.UpdateState(ctx, o.ID, order.StateCancelled)
	require.NoError(t, err)

	require.NoError(t, e.orders.RecordPaymentConflict(ctx, o.ID, "payment tok-1 authorized while order was CANCELLED"))

	conflicts, err := e.orders.StockConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	for _, c := range conflicts {
		assert.Equal(t, o.ID, c.OrderID)
		assert.Contains(t, c.Reason, "CANCELLED")
	}
	assert.Equal(t, 100, e.stock(t, "papas"), "stock untouched")

	stored, err := e.orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StateCancelled, stored.State)

	require.Error(t, e.orders.RecordPaymentConflict(ctx, "missing", "x"))
}

func TestGet_Ownership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.add(t, "u1", "papas", 1)
	o, err := e.orders.Checkout(ctx, "u1", order.CheckoutRequest{Shipping: address})
	require.NoError(t, err)

	_, err = e.orders.Get(ctx, "u2", o.Number)
	require.ErrorIs(t, err, order.ErrForbidden)

	_, err = e.orders.Get(ctx, "u1", "ORDER-0-MISSING0")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestParseState(t *testing.T) {
	s, err := order.ParseState("SHIPPED")
	require.NoError(t, err)
	assert.Equal(t, order.StateShipped, s)

	_, err = order.ParseState("shipped")
	require.ErrorIs(t, err, order.ErrInvalidState)
}

func TestLineSubtotal(t *testing.T) {
	assert.True(t, dec("1870").Equal(order.LineSubtotal(dec("2200"), 1, dec("15"))))
	assert.True(t, dec("29.67").Equal(order.LineSubtotal(dec("10.99"), 3, dec("10"))))
	assert.True(t, dec("4500").Equal(order.LineSubtotal(dec("1500"), 3, decimal.Zero)))
}
