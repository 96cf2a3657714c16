//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dengbanghan/shop-backend/internal/domain/inventory"
	"github.com/dengbanghan/shop-backend/internal/domain/order"
	"github.com/dengbanghan/shop-backend/internal/domain/payment"
	"github.com/dengbanghan/shop-backend/internal/domain/promotion"
	"github.com/dengbanghan/shop-backend/internal/storage/postgres"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newOrder builds a Submitted order whose amounts match the given items.
func newOrder(userID int64, couponID int64, discount decimal.Decimal, items []order.Item) *order.Order {
	total := decimal.Zero
	for i := range items {
		items[i].TotalPrice = items[i].Price.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
		total = total.Add(items[i].TotalPrice)
	}
	return &order.Order{
		OrderNo:         order.NewOrderNo(time.Now()),
		UserID:          userID,
		TotalAmount:     total,
		DiscountAmount:  discount,
		PaymentAmount:   total.Sub(discount),
		Status:          order.StatusSubmitted,
		PaymentMethod:   order.MethodWechat,
		CouponID:        couponID,
		ShippingAddress: "1 Main St",
		Items:           items,
		CreatedAt:       time.Now(),
	}
}

func createEntry(o *order.Order) order.LogEntry {
	return order.LogEntry{
		Action:    "create",
		ActorType: order.ActorUser,
		ActorID:   o.UserID,
		CreatedAt: o.CreatedAt,
	}
}

func TestOrderCreate_ReservesStockAndConsumesCoupon(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	userID := seedUser(t, uniq("alice"))
	plainID := seedProduct(t, "plain tee", dec("49.90"), 10)
	variantID := seedProduct(t, "variant tee", dec("59.90"), 8)
	skuID := seedSKU(t, variantID, uniq("SKU"), dec("55.00"), 5)
	couponID := seedCoupon(t, userID, uniq("WELCOME"), dec("10.00"))

	o := newOrder(userID, couponID, dec("10.00"), []order.Item{
		{ProductID: plainID, ProductName: "plain tee", Price: dec("49.90"), Quantity: 2},
		{ProductID: variantID, SKUID: skuID, ProductName: "variant tee", Price: dec("55.00"), Quantity: 1},
	})

	if err := repo.Create(ctx, o, createEntry(o)); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if o.ID == 0 {
		t.Fatal("order id not assigned")
	}

	if stock, sold := productStock(t, plainID); stock != 8 || sold != 2 {
		t.Errorf("plain product stock/sold: got %d/%d, want 8/2", stock, sold)
	}
	if stock, sold := skuStock(t, skuID); stock != 4 || sold != 1 {
		t.Errorf("sku stock/sold: got %d/%d, want 4/1", stock, sold)
	}
	if _, sold := productStock(t, variantID); sold != 1 {
		t.Errorf("variant product sold: got %d, want 1", sold)
	}
	if !couponUsed(t, couponID) {
		t.Error("coupon not consumed")
	}
	if n := countLogs(t, o.ID, "create"); n != 1 {
		t.Errorf("create log entries: got %d, want 1", n)
	}

	got, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.OrderNo != o.OrderNo {
		t.Errorf("order no: got %s, want %s", got.OrderNo, o.OrderNo)
	}
	if len(got.Items) != 2 {
		t.Fatalf("items: got %d, want 2", len(got.Items))
	}
	if !got.TotalAmount.Equal(dec("154.80")) {
		t.Errorf("total: got %s, want 154.80", got.TotalAmount)
	}
	if !got.PaymentAmount.Equal(dec("144.80")) {
		t.Errorf("payment amount: got %s, want 144.80", got.PaymentAmount)
	}
	if got.CouponID != couponID {
		t.Errorf("coupon id: got %d, want %d", got.CouponID, couponID)
	}
}

func TestOrderCreate_UsedCouponLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	userID := seedUser(t, uniq("bob"))
	productID := seedProduct(t, "mug", dec("12.00"), 10)
	couponID := seedCoupon(t, userID, uniq("ONCE"), dec("5.00"))
	if _, err := pool.Exec(ctx, `UPDATE coupons SET is_used = TRUE WHERE id = $1`, couponID); err != nil {
		t.Fatalf("mark coupon used: %v", err)
	}

	o := newOrder(userID, couponID, dec("5.00"), []order.Item{
		{ProductID: productID, ProductName: "mug", Price: dec("12.00"), Quantity: 3},
	})

	err := repo.Create(ctx, o, createEntry(o))
	if !errors.Is(err, promotion.ErrCouponUsed) {
		t.Fatalf("expected ErrCouponUsed, got %v", err)
	}

	if stock, sold := productStock(t, productID); stock != 10 || sold != 0 {
		t.Errorf("stock reservation leaked: stock/sold %d/%d, want 10/0", stock, sold)
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM orders WHERE order_no = $1`, o.OrderNo).Scan(&n); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if n != 0 {
		t.Errorf("order row persisted despite rollback")
	}
}

func TestOrderCreate_InsufficientStock(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	userID := seedUser(t, uniq("carol"))
	productID := seedProduct(t, "chair", dec("89.00"), 2)
	couponID := seedCoupon(t, userID, uniq("BIG"), dec("20.00"))

	o := newOrder(userID, couponID, dec("20.00"), []order.Item{
		{ProductID: productID, ProductName: "chair", Price: dec("89.00"), Quantity: 3},
	})

	err := repo.Create(ctx, o, createEntry(o))
	var noStock *inventory.InsufficientStockError
	if !errors.As(err, &noStock) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if noStock.ProductID != productID {
		t.Errorf("failing product: got %d, want %d", noStock.ProductID, productID)
	}

	if couponUsed(t, couponID) {
		t.Error("coupon consumed despite rollback")
	}
	if stock, _ := productStock(t, productID); stock != 2 {
		t.Errorf("stock: got %d, want 2", stock)
	}
}

func TestCancelAndRestock(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	store := postgres.NewPaymentStore(pool)

	userID := seedUser(t, uniq("dave"))
	productID := seedProduct(t, "lamp", dec("35.00"), 6)

	o := newOrder(userID, 0, decimal.Zero, []order.Item{
		{ProductID: productID, ProductName: "lamp", Price: dec("35.00"), Quantity: 2},
	})
	if err := repo.Create(ctx, o, createEntry(o)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	p := &payment.Payment{
		PaymentNo: payment.NewPaymentNo(time.Now()),
		OrderID:   o.ID,
		UserID:    userID,
		Method:    int16(order.MethodWechat),
		Amount:    o.PaymentAmount,
		Status:    payment.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	entry := order.LogEntry{Action: "cancel", ActorType: order.ActorUser, ActorID: userID, CreatedAt: time.Now()}
	if err := repo.CancelAndRestock(ctx, o.ID, order.Cancellable(), entry); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != order.StatusCancelled {
		t.Errorf("status: got %s, want cancelled", got.Status)
	}
	if stock, sold := productStock(t, productID); stock != 6 || sold != 0 {
		t.Errorf("stock not restored: stock/sold %d/%d, want 6/0", stock, sold)
	}

	pp, err := store.GetByPaymentNo(ctx, p.PaymentNo)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pp.Status != payment.StatusClosed {
		t.Errorf("payment status: got %s, want closed", pp.Status)
	}

	// Second cancel trips the compare-and-set and reports the live status.
	err = repo.CancelAndRestock(ctx, o.ID, order.Cancellable(), entry)
	var illegal *order.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != order.StatusCancelled {
		t.Errorf("illegal from: got %s, want cancelled", illegal.From)
	}
	if stock, _ := productStock(t, productID); stock != 6 {
		t.Errorf("stock released twice: got %d, want 6", stock)
	}
}

func TestPaymentSettlement_KeepsFirstSettlement(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	store := postgres.NewPaymentStore(pool)

	userID := seedUser(t, uniq("erin"))
	productID := seedProduct(t, "desk", dec("120.00"), 4)

	o := newOrder(userID, 0, decimal.Zero, []order.Item{
		{ProductID: productID, ProductName: "desk", Price: dec("120.00"), Quantity: 1},
	})
	if err := repo.Create(ctx, o, createEntry(o)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	p := &payment.Payment{
		PaymentNo: payment.NewPaymentNo(time.Now()),
		OrderID:   o.ID,
		UserID:    userID,
		Method:    int16(order.MethodAlipay),
		Amount:    o.PaymentAmount,
		Status:    payment.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	paidAt := time.Now().Truncate(time.Second)
	applied, err := store.MarkSucceeded(ctx, p.PaymentNo, "TX-FIRST", paidAt, "raw")
	if err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if !applied {
		t.Fatal("first settlement not applied")
	}

	got, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != order.StatusPaid {
		t.Errorf("order status: got %s, want paid", got.Status)
	}
	if got.TransactionID != "TX-FIRST" {
		t.Errorf("transaction id: got %s, want TX-FIRST", got.TransactionID)
	}

	// Redelivered callback: no state change, first transaction wins.
	applied, err = store.MarkSucceeded(ctx, p.PaymentNo, "TX-SECOND", time.Now(), "raw2")
	if err != nil {
		t.Fatalf("replay mark succeeded: %v", err)
	}
	if applied {
		t.Error("replay was applied")
	}

	pp, err := store.GetByPaymentNo(ctx, p.PaymentNo)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pp.TransactionID != "TX-FIRST" {
		t.Errorf("transaction id after replay: got %s, want TX-FIRST", pp.TransactionID)
	}
	if n := countLogs(t, o.ID, "pay"); n != 1 {
		t.Errorf("pay log entries: got %d, want 1", n)
	}
}

func TestSettlementCancelRace(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	store := postgres.NewPaymentStore(pool)

	userID := seedUser(t, uniq("iris"))
	productID := seedProduct(t, "clock", dec("25.00"), 100)

	for i := 0; i < 20; i++ {
		o := newOrder(userID, 0, decimal.Zero, []order.Item{
			{ProductID: productID, ProductName: "clock", Price: dec("25.00"), Quantity: 1},
		})
		if err := repo.Create(ctx, o, createEntry(o)); err != nil {
			t.Fatalf("create order %d: %v", i, err)
		}
		p := &payment.Payment{
			PaymentNo: payment.NewPaymentNo(time.Now()),
			OrderID:   o.ID,
			UserID:    userID,
			Method:    int16(order.MethodWechat),
			Amount:    o.PaymentAmount,
			Status:    payment.StatusPending,
			CreatedAt: time.Now(),
		}
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("create payment %d: %v", i, err)
		}

		var (
			wg        sync.WaitGroup
			applied   bool
			settleErr error
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			applied, settleErr = store.MarkSucceeded(ctx, p.PaymentNo, "TX-RACE", time.Now(), "raw")
		}()
		go func() {
			defer wg.Done()
			entry := order.LogEntry{Action: "cancel", ActorType: order.ActorUser, ActorID: userID, CreatedAt: time.Now()}
			cancelErr = repo.CancelAndRestock(ctx, o.ID, order.Cancellable(), entry)
		}()
		wg.Wait()

		// Both writers lock the order row first, so neither side may fail
		// with anything but a lost status race.
		if settleErr != nil {
			t.Fatalf("iteration %d: settle: %v", i, settleErr)
		}
		if cancelErr != nil {
			var illegal *order.IllegalTransitionError
			if !errors.As(cancelErr, &illegal) {
				t.Fatalf("iteration %d: cancel: %v", i, cancelErr)
			}
		}
		if applied == (cancelErr == nil) {
			t.Fatalf("iteration %d: want exactly one winner, settle applied=%v, cancel err=%v", i, applied, cancelErr)
		}

		got, err := repo.Get(ctx, o.ID)
		if err != nil {
			t.Fatalf("iteration %d: get order: %v", i, err)
		}
		pp, err := store.GetByPaymentNo(ctx, p.PaymentNo)
		if err != nil {
			t.Fatalf("iteration %d: get payment: %v", i, err)
		}
		if applied {
			if got.Status != order.StatusPaid || pp.Status != payment.StatusSuccess {
				t.Fatalf("iteration %d: settle won but order=%s payment=%s", i, got.Status, pp.Status)
			}
		} else {
			if got.Status != order.StatusCancelled || pp.Status != payment.StatusClosed {
				t.Fatalf("iteration %d: cancel won but order=%s payment=%s", i, got.Status, pp.Status)
			}
		}
	}
}

func TestApplyRefund_PartialThenFull(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	store := postgres.NewPaymentStore(pool)

	userID := seedUser(t, uniq("frank"))
	productID := seedProduct(t, "monitor", dec("200.00"), 3)

	o := newOrder(userID, 0, decimal.Zero, []order.Item{
		{ProductID: productID, ProductName: "monitor", Price: dec("200.00"), Quantity: 1},
	})
	if err := repo.Create(ctx, o, createEntry(o)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	p := &payment.Payment{
		PaymentNo: payment.NewPaymentNo(time.Now()),
		OrderID:   o.ID,
		UserID:    userID,
		Method:    int16(order.MethodWechat),
		Amount:    o.PaymentAmount,
		Status:    payment.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if _, err := store.MarkSucceeded(ctx, p.PaymentNo, "TX-R", time.Now(), "raw"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	if err := store.ApplyRefund(ctx, p.PaymentNo, dec("50.00"), "RF-1", time.Now()); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	pp, err := store.GetByPaymentNo(ctx, p.PaymentNo)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pp.Status != payment.StatusSuccess {
		t.Errorf("status after partial: got %s, want success", pp.Status)
	}
	if !pp.RefundAmount.Equal(dec("50.00")) {
		t.Errorf("refund amount: got %s, want 50.00", pp.RefundAmount)
	}

	got, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != order.StatusRefunding {
		t.Errorf("order status: got %s, want refunding", got.Status)
	}

	if err := store.ApplyRefund(ctx, p.PaymentNo, dec("150.00"), "RF-2", time.Now()); err != nil {
		t.Fatalf("final refund: %v", err)
	}
	pp, err = store.GetByPaymentNo(ctx, p.PaymentNo)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pp.Status != payment.StatusRefunded {
		t.Errorf("status after full: got %s, want refunded", pp.Status)
	}

	err = store.ApplyRefund(ctx, p.PaymentNo, dec("0.01"), "RF-3", time.Now())
	if !errors.Is(err, payment.ErrRefundExceedsAvailable) {
		t.Fatalf("expected ErrRefundExceedsAvailable, got %v", err)
	}
}

func TestShipmentChain(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	store := postgres.NewPaymentStore(pool)

	userID := seedUser(t, uniq("grace"))
	productID := seedProduct(t, "shelf", dec("75.00"), 5)

	o := newOrder(userID, 0, decimal.Zero, []order.Item{
		{ProductID: productID, ProductName: "shelf", Price: dec("75.00"), Quantity: 1},
	})
	if err := repo.Create(ctx, o, createEntry(o)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	sys := func(action string) order.LogEntry {
		return order.LogEntry{Action: action, ActorType: order.ActorAdmin, CreatedAt: time.Now()}
	}

	p := &payment.Payment{
		PaymentNo: payment.NewPaymentNo(time.Now()),
		OrderID:   o.ID,
		UserID:    userID,
		Method:    int16(order.MethodWechat),
		Amount:    o.PaymentAmount,
		Status:    payment.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if _, err := store.MarkSucceeded(ctx, p.PaymentNo, "TX-S", time.Now(), "raw"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	// Shipping straight from Paid is rejected; fulfilment stages the order
	// first, the way order.Service.StartFulfillment does.
	if err := repo.MarkShipped(ctx, o.ID, "SF Express", "SF123456", sys("ship")); err == nil {
		t.Fatal("shipped straight from paid")
	}
	if err := repo.Transition(ctx, o.ID, []order.Status{order.StatusPaid}, order.StatusPendingShipment, sys("start_fulfillment")); err != nil {
		t.Fatalf("start fulfillment: %v", err)
	}

	if err := repo.MarkShipped(ctx, o.ID, "SF Express", "SF123456", sys("ship")); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	got, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != order.StatusShipped {
		t.Errorf("status: got %s, want shipped", got.Status)
	}
	if got.ShippingCompany != "SF Express" || got.ShippingNumber != "SF123456" {
		t.Errorf("shipping info: got %s/%s", got.ShippingCompany, got.ShippingNumber)
	}

	if err := repo.Transition(ctx, o.ID, []order.Status{order.StatusShipped}, order.StatusReceived, sys("receive")); err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}
	got, err = repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.ReceiveTime.IsZero() {
		t.Error("receive time not stamped")
	}

	// Skipping straight from Received back to Shipped is rejected.
	err = repo.Transition(ctx, o.ID, []order.Status{order.StatusPendingShipment}, order.StatusShipped, sys("ship"))
	var illegal *order.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestListByUser_Pagination(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	userID := seedUser(t, uniq("henry"))
	productID := seedProduct(t, "pen", dec("3.50"), 100)

	for i := 0; i < 3; i++ {
		o := newOrder(userID, 0, decimal.Zero, []order.Item{
			{ProductID: productID, ProductName: "pen", Price: dec("3.50"), Quantity: 1},
		})
		o.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := repo.Create(ctx, o, createEntry(o)); err != nil {
			t.Fatalf("create order %d: %v", i, err)
		}
	}

	page, err := repo.ListByUser(ctx, userID, 2, 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("first page: got %d orders, want 2", len(page))
	}
	if len(page[0].Items) != 1 {
		t.Errorf("items not loaded: got %d, want 1", len(page[0].Items))
	}

	rest, err := repo.ListByUser(ctx, userID, 2, 2)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("second page: got %d orders, want 1", len(rest))
	}
}
