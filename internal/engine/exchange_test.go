package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/shopspring/decimal"
	dbm "github.com/tendermint/tm-db"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/market"
	"github.com/efreitasn/stockmarket/internal/store"
	"github.com/efreitasn/stockmarket/internal/txn"
)

const testTicker = "PETR4"

type harness struct {
	store  *store.Store
	coord  *txn.Coordinator
	quotes *market.StaticSource
	ex     *Exchange

	closeOnce sync.Once
}

// newHarness wires an exchange over an in-memory store, a real coordinator
// and a static quote source pricing testTicker at marketPrice.
func newHarness(t *testing.T, marketPrice string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(dbm.NewMemDB())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureClient(domain.MarketClient); err != nil {
		t.Fatalf("register market client: %v", err)
	}
	coord, err := txn.NewCoordinator(st, txn.Options{
		LogDir:              t.TempDir(),
		VoteTimeout:         time.Second,
		CommitRetryInterval: 10 * time.Millisecond,
		Logger:              logger,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	quotes := market.NewStaticSource(map[string]decimal.Decimal{
		testTicker: decimal.RequireFromString(marketPrice),
	})

	h := &harness{
		store:  st,
		coord:  coord,
		quotes: quotes,
		ex:     NewExchange(st, coord, quotes, WithLogger(logger)),
	}
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.closeOnce.Do(func() { h.coord.Close() })
}

func (h *harness) addClient(t *testing.T, name string, holding int64) {
	t.Helper()
	if _, err := h.store.AddClient(name); err != nil {
		t.Fatalf("add client %s: %v", name, err)
	}
	if holding > 0 {
		if err := h.store.SetHolding(name, testTicker, holding); err != nil {
			t.Fatalf("set holding of %s: %v", name, err)
		}
	}
}

// rest stores an active order directly, bypassing matching.
func (h *harness) rest(t *testing.T, client string, side domain.OrderSide, amount int64, price string) *domain.Order {
	t.Helper()
	o, err := h.store.CreateOrder(newTestOrder(client, side, amount, price))
	if err != nil {
		t.Fatalf("store order: %v", err)
	}
	return o
}

func (h *harness) submit(t *testing.T, client string, side domain.OrderSide, amount int64, price string) domain.ResultCode {
	t.Helper()
	code, err := h.ex.CreateOrder(context.Background(), newTestOrder(client, side, amount, price))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return code
}

func (h *harness) holding(t *testing.T, client string) int64 {
	t.Helper()
	q, err := h.store.Holding(client, testTicker)
	if err != nil {
		t.Fatalf("holding of %s: %v", client, err)
	}
	return q
}

func (h *harness) order(t *testing.T, id int64) *domain.Order {
	t.Helper()
	o, err := h.store.GetOrder(id)
	if err != nil {
		t.Fatalf("get order %d: %v", id, err)
	}
	return o
}

func (h *harness) orders(t *testing.T, client string, activeOnly bool) []*domain.Order {
	t.Helper()
	orders, err := h.store.ListByClient(client, activeOnly)
	if err != nil {
		t.Fatalf("list orders of %s: %v", client, err)
	}
	return orders
}

func (h *harness) trades(t *testing.T) []*domain.TradeLogEntry {
	t.Helper()
	trades, err := h.store.Trades("", time.Time{})
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	return trades
}

func newTestOrder(client string, side domain.OrderSide, amount int64, price string) *domain.Order {
	return &domain.Order{
		Client:    client,
		Side:      side,
		Ticker:    testTicker,
		Amount:    amount,
		Price:     decimal.RequireFromString(price),
		ExpiresAt: time.Now().Add(time.Hour),
		Active:    true,
	}
}

func TestCreateOrder_Admission(t *testing.T) {
	h := newHarness(t, "22")
	h.addClient(t, "alice", 5)

	tests := []struct {
		name  string
		order *domain.Order
		want  domain.ResultCode
	}{
		{
			name: "expired",
			order: func() *domain.Order {
				o := newTestOrder("alice", domain.OrderSideBuy, 1, "20")
				o.ExpiresAt = time.Now().Add(-time.Minute)
				return o
			}(),
			want: domain.ResultExpiredOrder,
		},
		{
			name:  "unknown client",
			order: newTestOrder("nobody", domain.OrderSideBuy, 1, "20"),
			want:  domain.ResultUnknownClient,
		},
		{
			name:  "market cannot submit",
			order: newTestOrder(domain.MarketClient, domain.OrderSideBuy, 1, "20"),
			want:  domain.ResultUnknownClient,
		},
		{
			name:  "not enough stock",
			order: newTestOrder("alice", domain.OrderSideSell, 6, "20"),
			want:  domain.ResultNotEnoughStock,
		},
		{
			name: "unknown ticker",
			order: func() *domain.Order {
				o := newTestOrder("alice", domain.OrderSideBuy, 1, "20")
				o.Ticker = "NOPE3"
				return o
			}(),
			want: domain.ResultUnknownTicker,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.ex.CreateOrder(context.Background(), tt.order)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if n := len(h.orders(t, "alice", false)); n != 0 {
		t.Errorf("rejected orders must not be stored, found %d", n)
	}
	if n := len(h.trades(t)); n != 0 {
		t.Errorf("rejected orders must not trade, found %d trades", n)
	}
}

func TestCreateOrder_SellWithoutStockOpensNothing(t *testing.T) {
	h := newHarness(t, "22")
	h.addClient(t, "alice", 0)
	h.addClient(t, "bob", 0)
	h.rest(t, "bob", domain.OrderSideBuy, 10, "30")

	if got := h.submit(t, "alice", domain.OrderSideSell, 10, "20"); got != domain.ResultNotEnoughStock {
		t.Fatalf("expected NOT_ENOUGH_STOCK, got %s", got)
	}
	if n := len(h.trades(t)); n != 0 {
		t.Errorf("expected no trades, got %d", n)
	}
	if h.holding(t, "bob") != 0 {
		t.Errorf("bob's holding changed")
	}
}

func TestCreateOrder_MatchesRestingSellAtItsPrice(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	h := newHarness(t, "22")
	h.addClient(t, "alice", 100)
	h.addClient(t, "bob", 0)
	resting := h.rest(t, "alice", domain.OrderSideSell, 50, "20")

	if got := h.submit(t, "bob", domain.OrderSideBuy, 30, "25"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}

	if got := h.order(t, resting.ID); got.Amount != 20 || !got.Active {
		t.Errorf("resting order: expected 20 active, got %d active=%v", got.Amount, got.Active)
	}
	if got := h.holding(t, "alice"); got != 70 {
		t.Errorf("alice: expected 70, got %d", got)
	}
	if got := h.holding(t, "bob"); got != 30 {
		t.Errorf("bob: expected 30, got %d", got)
	}

	bobOrders := h.orders(t, "bob", false)
	if len(bobOrders) != 1 {
		t.Fatalf("expected 1 order for bob, got %d", len(bobOrders))
	}
	if bobOrders[0].Active {
		t.Errorf("bob's order should be fully filled")
	}

	trades := h.trades(t)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.SellOrderID != resting.ID || tr.BuyOrderID != bobOrders[0].ID {
		t.Errorf("trade orders: expected sell=%d buy=%d, got sell=%d buy=%d",
			resting.ID, bobOrders[0].ID, tr.SellOrderID, tr.BuyOrderID)
	}
	if tr.Amount != 30 || !tr.Price.Equal(decimal.NewFromInt(20)) {
		t.Errorf("trade: expected 30 @ 20, got %d @ %s", tr.Amount, tr.Price)
	}
}

func TestCreateOrder_RemainderTradesWithMarket(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	h := newHarness(t, "15")
	h.addClient(t, "alice", 100)
	h.addClient(t, "bob", 0)
	resting := h.rest(t, "alice", domain.OrderSideSell, 30, "20")

	if got := h.submit(t, "bob", domain.OrderSideBuy, 80, "25"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}

	if h.order(t, resting.ID).Active {
		t.Errorf("resting order should be consumed")
	}
	if got := h.holding(t, "bob"); got != 80 {
		t.Errorf("bob: expected 80, got %d", got)
	}
	if got := h.holding(t, "alice"); got != 70 {
		t.Errorf("alice: expected 70, got %d", got)
	}
	if got := h.holding(t, domain.MarketClient); got != 0 {
		t.Errorf("market holdings must stay untouched, got %d", got)
	}

	trades := h.trades(t)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].Seller != "alice" || trades[0].Amount != 30 || !trades[0].Price.Equal(decimal.NewFromInt(20)) {
		t.Errorf("first trade: got %+v", trades[0])
	}
	if trades[1].Seller != domain.MarketClient || trades[1].Amount != 50 || !trades[1].Price.Equal(decimal.NewFromInt(15)) {
		t.Errorf("market trade: got %+v", trades[1])
	}
	if n := len(h.orders(t, "bob", true)); n != 0 {
		t.Errorf("expected no resting order for bob, got %d", n)
	}
}

func TestCreateOrder_PriceTimePriority(t *testing.T) {
	h := newHarness(t, "8")
	h.addClient(t, "alice", 0)
	h.addClient(t, "carol", 0)
	h.addClient(t, "dave", 0)
	h.addClient(t, "seller", 20)

	low := h.rest(t, "alice", domain.OrderSideBuy, 5, "10")
	highEarly := h.rest(t, "carol", domain.OrderSideBuy, 5, "12")
	highLate := h.rest(t, "dave", domain.OrderSideBuy, 5, "12")

	if got := h.submit(t, "seller", domain.OrderSideSell, 5, "9"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}

	if h.order(t, highEarly.ID).Active {
		t.Errorf("best priced, earliest order should be consumed first")
	}
	if !h.order(t, highLate.ID).Active {
		t.Errorf("later order at the same price should be untouched")
	}
	if got := h.order(t, low.ID); !got.Active || got.Amount != 5 {
		t.Errorf("lower priced order should be untouched")
	}

	if got := h.submit(t, "seller", domain.OrderSideSell, 8, "9"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}
	if h.order(t, highLate.ID).Active {
		t.Errorf("second 12-priced order should be consumed")
	}
	if got := h.order(t, low.ID); !got.Active || got.Amount != 2 {
		t.Errorf("10-priced order: expected 2 left, got %d active=%v", got.Amount, got.Active)
	}
	if got := h.holding(t, "seller"); got != 7 {
		t.Errorf("seller: expected 7, got %d", got)
	}
}

func TestCreateOrder_SellBoundUsesMarketPrice(t *testing.T) {
	h := newHarness(t, "15")
	h.addClient(t, "alice", 0)
	h.addClient(t, "seller", 10)
	bid := h.rest(t, "alice", domain.OrderSideBuy, 10, "12")

	if got := h.submit(t, "seller", domain.OrderSideSell, 10, "10"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}

	if got := h.order(t, bid.ID); !got.Active || got.Amount != 10 {
		t.Errorf("a bid below the market price must not be hit")
	}
	trades := h.trades(t)
	if len(trades) != 1 || trades[0].Buyer != domain.MarketClient {
		t.Fatalf("expected one trade with the market, got %+v", trades)
	}
	if !trades[0].Price.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected market price 15, got %s", trades[0].Price)
	}
}

func TestCreateOrder_ContinuesAfterAbort(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	h := newHarness(t, "22")
	h.addClient(t, "alice", 100)
	h.addClient(t, "bob", 0)
	h.addClient(t, "eve", 0)

	// eve's sell is the best price but she owns nothing, so her
	// participant votes NO.
	bogus := h.rest(t, "eve", domain.OrderSideSell, 30, "18")
	good := h.rest(t, "alice", domain.OrderSideSell, 30, "20")

	if got := h.submit(t, "bob", domain.OrderSideBuy, 30, "25"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}

	if got := h.order(t, bogus.ID); !got.Active || got.Amount != 30 {
		t.Errorf("aborted counter order must be unchanged, got %d active=%v", got.Amount, got.Active)
	}
	if h.holding(t, "eve") != 0 {
		t.Errorf("eve's holding changed")
	}
	if h.order(t, good.ID).Active {
		t.Errorf("next candidate should have been consumed")
	}
	if got := h.holding(t, "bob"); got != 30 {
		t.Errorf("bob: expected 30, got %d", got)
	}

	trades := h.trades(t)
	if len(trades) != 1 || trades[0].Seller != "alice" {
		t.Fatalf("expected one trade with alice, got %+v", trades)
	}
	if n := len(h.orders(t, "bob", true)); n != 0 {
		t.Errorf("aborted slice must be deactivated, %d bob orders active", n)
	}
}

func TestCreateOrder_RestsUnmatchedRemainder(t *testing.T) {
	h := newHarness(t, "25")
	h.addClient(t, "bob", 0)

	if got := h.submit(t, "bob", domain.OrderSideBuy, 10, "20"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}

	active := h.orders(t, "bob", true)
	if len(active) != 1 {
		t.Fatalf("expected 1 resting order, got %d", len(active))
	}
	if active[0].Amount != 10 || !active[0].Price.Equal(decimal.NewFromInt(20)) {
		t.Errorf("resting order: got %s", active[0])
	}
	if n := len(h.trades(t)); n != 0 {
		t.Errorf("expected no trades, got %d", n)
	}
}

func TestCreateOrder_NeverMatchesOwnOrders(t *testing.T) {
	h := newHarness(t, "20")
	h.addClient(t, "alice", 10)
	own := h.rest(t, "alice", domain.OrderSideBuy, 10, "30")

	if got := h.submit(t, "alice", domain.OrderSideSell, 10, "25"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}
	if got := h.order(t, own.ID); !got.Active || got.Amount != 10 {
		t.Errorf("own resting order must not be hit")
	}
	if n := len(h.trades(t)); n != 0 {
		t.Errorf("expected no trades, got %d", n)
	}
	if got := h.holding(t, "alice"); got != 10 {
		t.Errorf("alice: expected 10, got %d", got)
	}
}

func TestCreateOrder_DeactivatesExpiredOrders(t *testing.T) {
	h := newHarness(t, "25")
	h.addClient(t, "alice", 10)
	h.addClient(t, "bob", 0)

	stale := newTestOrder("alice", domain.OrderSideSell, 10, "20")
	stale.ExpiresAt = time.Now().Add(50 * time.Millisecond)
	stale, err := h.store.CreateOrder(stale)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	if got := h.submit(t, "bob", domain.OrderSideBuy, 10, "21"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}
	if h.order(t, stale.ID).Active {
		t.Errorf("expired order should be deactivated")
	}
	if n := len(h.trades(t)); n != 0 {
		t.Errorf("expired order must not trade, got %d trades", n)
	}
}

func TestCreateOrder_ConcurrentOpposingOrders(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	h := newHarness(t, "100")
	h.addClient(t, "alice", 50)
	h.addClient(t, "bob", 50)

	var wg sync.WaitGroup
	submit := func(client string, side domain.OrderSide, price string) {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			code, err := h.ex.CreateOrder(context.Background(), newTestOrder(client, side, 3, price))
			if err != nil {
				t.Errorf("create order: %v", err)
				return
			}
			if code != domain.ResultSuccess && code != domain.ResultNotEnoughStock {
				t.Errorf("unexpected result %s", code)
			}
		}
	}
	wg.Add(4)
	go submit("alice", domain.OrderSideSell, "90")
	go submit("bob", domain.OrderSideBuy, "110")
	go submit("bob", domain.OrderSideSell, "90")
	go submit("alice", domain.OrderSideBuy, "110")
	wg.Wait()

	assertConservation(t, h, map[string]int64{"alice": 50, "bob": 50})
}

// assertConservation checks every client's holding against its initial
// value and the trade log.
func assertConservation(t *testing.T, h *harness, initial map[string]int64) {
	t.Helper()
	want := make(map[string]int64, len(initial))
	for c, q := range initial {
		want[c] = q
	}
	for _, tr := range h.trades(t) {
		if tr.Amount <= 0 {
			t.Errorf("trade %s has amount %d", tr.TradeID, tr.Amount)
		}
		if tr.Buyer == tr.Seller {
			t.Errorf("trade %s is a self-trade", tr.TradeID)
		}
		if tr.Buyer != domain.MarketClient {
			want[tr.Buyer] += tr.Amount
		}
		if tr.Seller != domain.MarketClient {
			want[tr.Seller] -= tr.Amount
		}
	}
	for c, q := range want {
		got := h.holding(t, c)
		if got != q {
			t.Errorf("%s: expected holding %d, got %d", c, q, got)
		}
		if got < 0 {
			t.Errorf("%s: negative holding %d", c, got)
		}
	}
}

func TestExecuteRestingOrders(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	h := newHarness(t, "25")
	h.addClient(t, "bob", 0)
	h.addClient(t, "alice", 10)

	if got := h.submit(t, "bob", domain.OrderSideBuy, 10, "20"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}
	if got := h.submit(t, "alice", domain.OrderSideSell, 4, "30"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}
	if err := h.ex.ExecuteRestingOrders(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n := len(h.trades(t)); n != 0 {
		t.Fatalf("nothing should execute at 25, got %d trades", n)
	}

	h.quotes.Set(testTicker, decimal.NewFromInt(18))
	if err := h.ex.ExecuteRestingOrders(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := h.holding(t, "bob"); got != 10 {
		t.Errorf("bob: expected 10 after market drop, got %d", got)
	}
	if n := len(h.orders(t, "bob", true)); n != 0 {
		t.Errorf("bob's order should be filled")
	}
	if n := len(h.orders(t, "alice", true)); n != 1 {
		t.Errorf("alice's sell should still rest")
	}

	h.quotes.Set(testTicker, decimal.NewFromInt(31))
	if err := h.ex.ExecuteRestingOrders(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := h.holding(t, "alice"); got != 6 {
		t.Errorf("alice: expected 6 after market rise, got %d", got)
	}

	trades := h.trades(t)
	if len(trades) != 2 {
		t.Fatalf("expected 2 market trades, got %d", len(trades))
	}
	if !trades[0].Price.Equal(decimal.NewFromInt(18)) || !trades[1].Price.Equal(decimal.NewFromInt(31)) {
		t.Errorf("trades should execute at the market price, got %s and %s", trades[0].Price, trades[1].Price)
	}
}

func TestExecuteRestingOrders_DeactivatesUnquotedTicker(t *testing.T) {
	h := newHarness(t, "25")
	h.addClient(t, "bob", 0)
	if got := h.submit(t, "bob", domain.OrderSideBuy, 10, "20"); got != domain.ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", got)
	}

	h.quotes.Delete(testTicker)
	if err := h.ex.ExecuteRestingOrders(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n := len(h.orders(t, "bob", true)); n != 0 {
		t.Errorf("orders for an unquoted ticker should be deactivated, %d active", n)
	}
}

// gatedCommitter holds every OpenTransaction until release is closed.
type gatedCommitter struct {
	Committer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCommitter) OpenTransaction(ctx context.Context, req txn.OpenRequest) (int64, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Committer.OpenTransaction(ctx, req)
}

func TestWait_DrainsInFlightOrders(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	h := newHarness(t, "22")
	h.addClient(t, "alice", 0)

	gate := &gatedCommitter{Committer: h.coord, entered: make(chan struct{}), release: make(chan struct{})}
	h.ex.commit = gate

	type result struct {
		code domain.ResultCode
		err  error
	}
	submitted := make(chan result, 1)
	go func() {
		code, err := h.ex.CreateOrder(context.Background(), newTestOrder("alice", domain.OrderSideBuy, 3, "25"))
		submitted <- result{code, err}
	}()
	<-gate.entered

	drained := make(chan error, 1)
	go func() { drained <- h.ex.Wait(context.Background()) }()

	select {
	case err := <-drained:
		t.Fatalf("Wait returned %v while an order was still matching", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := h.ex.CreateOrder(context.Background(), newTestOrder("alice", domain.OrderSideBuy, 1, "25")); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("order admitted while draining: %v", err)
	}
	if err := h.ex.ExecuteRestingOrders(context.Background()); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("sweep admitted while draining: %v", err)
	}

	close(gate.release)
	if err := <-drained; err != nil {
		t.Fatalf("Wait: %v", err)
	}
	// Wait returned, so the order is already settled
	select {
	case r := <-submitted:
		if r.err != nil || r.code != domain.ResultSuccess {
			t.Fatalf("in-flight order: %s %v", r.code, r.err)
		}
	default:
		t.Fatal("Wait returned before CreateOrder")
	}

	h.close()
	if got := h.holding(t, "alice"); got != 3 {
		t.Errorf("alice holds %d, want 3", got)
	}
}

func TestWait_GivesUpWithContext(t *testing.T) {
	h := newHarness(t, "22")
	h.addClient(t, "alice", 0)

	gate := &gatedCommitter{Committer: h.coord, entered: make(chan struct{}), release: make(chan struct{})}
	h.ex.commit = gate

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		h.ex.CreateOrder(context.Background(), newTestOrder("alice", domain.OrderSideBuy, 1, "25"))
	}()
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.ex.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}

	close(gate.release)
	<-submitted
}
