package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	dbm "github.com/tendermint/tm-db"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/engine"
	"github.com/efreitasn/stockmarket/internal/market"
	"github.com/efreitasn/stockmarket/internal/store"
	"github.com/efreitasn/stockmarket/internal/txn"
)

type testDeps struct {
	svc    *ExchangeService
	store  *store.Store
	quotes *market.StaticSource
}

func newTestService(t *testing.T) *testDeps {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(dbm.NewMemDB())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureClient(domain.MarketClient); err != nil {
		t.Fatalf("register market: %v", err)
	}
	coord, err := txn.NewCoordinator(st, txn.Options{LogDir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	quotes := market.NewStaticSource(map[string]decimal.Decimal{
		"PETR4": decimal.RequireFromString("22.50"),
		"VALE3": decimal.RequireFromString("61"),
	})
	ex := engine.NewExchange(st, coord, quotes, engine.WithLogger(logger))
	return &testDeps{svc: NewExchangeService(st, ex, quotes), store: st, quotes: quotes}
}

func validOrder(client string, side domain.OrderSide, amount int64, price string) CreateOrderRequest {
	return CreateOrderRequest{
		Client:    client,
		Side:      side,
		Ticker:    "PETR4",
		Amount:    amount,
		Price:     decimal.RequireFromString(price),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestAddClient(t *testing.T) {
	d := newTestService(t)
	ctx := context.Background()

	code, err := d.svc.AddClient(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != domain.ResultSuccess {
		t.Errorf("got %s, want SUCCESS", code)
	}

	code, err = d.svc.AddClient(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != domain.ResultClientAlreadyExists {
		t.Errorf("got %s, want CLIENT_ALREADY_EXISTS", code)
	}

	code, err = d.svc.AddClient(ctx, domain.MarketClient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != domain.ResultClientAlreadyExists {
		t.Errorf("the market name is reserved, got %s", code)
	}
}

func TestAddClient_InvalidName(t *testing.T) {
	d := newTestService(t)
	for _, name := range []string{"", "has space", "semi;colon", string(make([]byte, 65))} {
		_, err := d.svc.AddClient(context.Background(), name)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("name %q: expected ValidationError, got %v", name, err)
		}
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	d := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*CreateOrderRequest)
	}{
		{"bad client", func(r *CreateOrderRequest) { r.Client = "" }},
		{"bad side", func(r *CreateOrderRequest) { r.Side = "HOLD" }},
		{"lowercase ticker", func(r *CreateOrderRequest) { r.Ticker = "petr4" }},
		{"zero amount", func(r *CreateOrderRequest) { r.Amount = 0 }},
		{"negative price", func(r *CreateOrderRequest) { r.Price = decimal.NewFromInt(-1) }},
		{"too many decimals", func(r *CreateOrderRequest) { r.Price = decimal.RequireFromString("1.00001") }},
		{"missing expiry", func(r *CreateOrderRequest) { r.ExpiresAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validOrder("alice", domain.OrderSideBuy, 1, "10")
			tt.mutate(&req)
			_, err := d.svc.CreateOrder(context.Background(), req)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreateOrder_ResultCodes(t *testing.T) {
	d := newTestService(t)
	ctx := context.Background()
	if _, err := d.svc.AddClient(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	expired := validOrder("alice", domain.OrderSideBuy, 1, "10")
	expired.ExpiresAt = time.Now().Add(-time.Second)
	unknownTicker := validOrder("alice", domain.OrderSideBuy, 1, "10")
	unknownTicker.Ticker = "XPTO3"

	tests := []struct {
		name string
		req  CreateOrderRequest
		want domain.ResultCode
	}{
		{"success", validOrder("alice", domain.OrderSideBuy, 1, "10"), domain.ResultSuccess},
		{"expired", expired, domain.ResultExpiredOrder},
		{"unknown client", validOrder("bob", domain.OrderSideBuy, 1, "10"), domain.ResultUnknownClient},
		{"not enough stock", validOrder("alice", domain.OrderSideSell, 1, "10"), domain.ResultNotEnoughStock},
		{"unknown ticker", unknownTicker, domain.ResultUnknownTicker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.svc.CreateOrder(ctx, tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBuyFromMarket_ThenQueries(t *testing.T) {
	d := newTestService(t)
	ctx := context.Background()
	before := time.Now()
	for _, c := range []string{"alice", "bob"} {
		if _, err := d.svc.AddClient(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	// limit above the market: executes against the market at 22.50
	if code, err := d.svc.CreateOrder(ctx, validOrder("alice", domain.OrderSideBuy, 10, "23")); err != nil || code != domain.ResultSuccess {
		t.Fatalf("buy: %s %v", code, err)
	}
	// limit below the market: rests
	if code, err := d.svc.CreateOrder(ctx, validOrder("bob", domain.OrderSideBuy, 5, "20")); err != nil || code != domain.ResultSuccess {
		t.Fatalf("buy: %s %v", code, err)
	}

	owned, err := d.svc.GetStockOwnedByClient(ctx, "alice")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if owned["PETR4"] != 10 || len(owned) != 1 {
		t.Errorf("alice owns %v, want PETR4=10", owned)
	}

	orders, err := d.svc.GetOrders(ctx, []string{"alice", "bob", "nobody"}, true)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders["alice"]) != 0 {
		t.Errorf("alice should have no active orders, got %d", len(orders["alice"]))
	}
	if len(orders["bob"]) != 1 || orders["bob"][0].Amount != 5 {
		t.Errorf("bob should have one resting order of 5, got %v", orders["bob"])
	}
	if got, ok := orders["nobody"]; !ok || len(got) != 0 {
		t.Errorf("unknown client should map to an empty list, got %v", got)
	}

	all, err := d.svc.GetOrders(ctx, []string{"alice"}, false)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(all["alice"]) != 1 {
		t.Errorf("alice should have one filled order, got %d", len(all["alice"]))
	}

	txns, err := d.svc.GetTransactions(ctx, []string{"alice", "bob"}, time.Time{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns["alice"]) != 1 || len(txns["bob"]) != 0 {
		t.Fatalf("got alice=%d bob=%d trades, want 1 and 0", len(txns["alice"]), len(txns["bob"]))
	}
	tr := txns["alice"][0]
	if tr.Seller != domain.MarketClient || tr.Buyer != "alice" || !tr.Price.Equal(decimal.RequireFromString("22.50")) {
		t.Errorf("unexpected trade %+v", tr)
	}
	if tr.Timestamp.Before(before) {
		t.Errorf("trade timestamp %s before test start", tr.Timestamp)
	}

	later, err := d.svc.GetTransactions(ctx, []string{"alice"}, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(later["alice"]) != 0 {
		t.Errorf("since filter ignored, got %d trades", len(later["alice"]))
	}
}

func TestGetStockOwnedByClient_UnknownClient(t *testing.T) {
	d := newTestService(t)
	_, err := d.svc.GetStockOwnedByClient(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestCheckTickerExists(t *testing.T) {
	d := newTestService(t)
	ctx := context.Background()

	ok, err := d.svc.CheckTickerExists(ctx, "VALE3")
	if err != nil || !ok {
		t.Errorf("VALE3: got %v %v, want true", ok, err)
	}
	ok, err = d.svc.CheckTickerExists(ctx, "XPTO3")
	if err != nil || ok {
		t.Errorf("XPTO3: got %v %v, want false", ok, err)
	}
	_, err = d.svc.CheckTickerExists(ctx, "bad ticker")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestGetQuotes(t *testing.T) {
	d := newTestService(t)

	quotes, err := d.svc.GetQuotes(context.Background(), []string{"PETR4", "XPTO3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	if quotes["PETR4"] == nil || !quotes["PETR4"].Equal(decimal.RequireFromString("22.5")) {
		t.Errorf("PETR4: got %v", quotes["PETR4"])
	}
	if p, ok := quotes["XPTO3"]; !ok || p != nil {
		t.Errorf("unknown ticker should map to nil, got %v", p)
	}

	empty, err := d.svc.GetQuotes(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty request: got %v %v", empty, err)
	}
}
