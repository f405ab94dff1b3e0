// Package engine matches incoming orders against resting orders and the
// external market, and commits every match through the transaction
// coordinator.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/market"
	"github.com/efreitasn/stockmarket/internal/store"
	"github.com/efreitasn/stockmarket/internal/txn"
)

// DefaultSweepWorkers bounds how many resting orders a sweep executes
// concurrently.
const DefaultSweepWorkers = 8

// Committer opens trades and waits for their outcome. It is implemented by
// *txn.Coordinator.
type Committer interface {
	OpenTransaction(ctx context.Context, req txn.OpenRequest) (int64, error)
	WaitTransaction(ctx context.Context, id int64) (domain.TransactionState, error)
}

// Exchange is the matching engine. It is safe for concurrent use; work on
// the same (client, ticker) pair is serialised by the lock registry.
type Exchange struct {
	store   *store.Store
	commit  Committer
	quotes  market.Source
	locks   *LockRegistry
	logger  *slog.Logger
	metrics *Metrics
	workers int
	now     func() time.Time

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup // CreateOrder and ExecuteRestingOrders calls
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithLogger sets the exchange logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

// WithMetrics sets the exchange metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

// WithSweepWorkers bounds the concurrency of ExecuteRestingOrders.
func WithSweepWorkers(n int) Option {
	return func(e *Exchange) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock overrides the exchange's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// NewExchange creates an Exchange over st that commits trades through c
// and prices them with quotes.
func NewExchange(st *store.Store, c Committer, quotes market.Source, opts ...Option) *Exchange {
	e := &Exchange{
		store:   st,
		commit:  c,
		quotes:  quotes,
		locks:   NewLockRegistry(),
		logger:  slog.Default(),
		metrics: NopMetrics(),
		workers: DefaultSweepWorkers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "exchange")
	return e
}

// CreateOrder admits o and matches it: first against resting orders of
// other clients in price/time priority, then against the market, and
// stores whatever is left as a resting order. Admission failures are
// reported as result codes; errors are internal failures only.
//
// o is read but not modified. The amounts matched are stored as separate
// order records, one per trade.
func (e *Exchange) CreateOrder(ctx context.Context, o *domain.Order) (domain.ResultCode, error) {
	if !e.enter() {
		return "", domain.ErrShuttingDown
	}
	defer e.inflight.Done()

	code, err := e.createOrder(ctx, o)
	if err == nil {
		e.metrics.Orders.With("result", code.String()).Add(1)
	}
	return code, err
}

// enter registers a call unless the exchange is draining.
func (e *Exchange) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false
	}
	e.inflight.Add(1)
	return true
}

// Wait stops admitting work and blocks until every CreateOrder and
// ExecuteRestingOrders call in progress has returned, or ctx is done.
// Calls made after Wait fail with domain.ErrShuttingDown. The coordinator
// must stay open until Wait returns.
func (e *Exchange) Wait(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exchange) createOrder(ctx context.Context, o *domain.Order) (domain.ResultCode, error) {
	now := e.now()
	if o.IsExpired(now) {
		return domain.ResultExpiredOrder, nil
	}
	if o.Client == domain.MarketClient {
		return domain.ResultUnknownClient, nil
	}
	ok, err := e.store.ClientExists(o.Client)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.ResultUnknownClient, nil
	}
	if err := e.expire(now); err != nil {
		return "", err
	}

	unlock := e.locks.Lock(o.Client, o.Ticker)
	if o.Side == domain.OrderSideSell {
		held, err := e.store.Holding(o.Client, o.Ticker)
		if err != nil {
			unlock()
			return "", err
		}
		if held < o.Amount {
			unlock()
			return domain.ResultNotEnoughStock, nil
		}
	}
	price, ok, err := market.Quote(ctx, e.quotes, o.Ticker)
	unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrQuoteUnavailable, o.Ticker, err)
	}
	if !ok {
		return domain.ResultUnknownTicker, nil
	}

	// Once admitted, the order is matched to completion even if the caller
	// goes away.
	if err := e.match(context.WithoutCancel(ctx), o, price); err != nil {
		return "", err
	}
	return domain.ResultSuccess, nil
}

// bound is the price limit resting orders must satisfy to trade with o.
// Sells accept resting buys at or above the better of their floor and the
// market; buys accept resting sells at or below their own limit.
func bound(o *domain.Order, marketPrice decimal.Decimal) decimal.Decimal {
	if o.Side == domain.OrderSideSell {
		return domain.MaxPrice(o.Price, marketPrice)
	}
	return o.Price
}

func (e *Exchange) match(ctx context.Context, o *domain.Order, marketPrice decimal.Decimal) error {
	limit := bound(o, marketPrice)
	opposite := o.Side.Opposite()

	counterparties := e.store.Counterparties(o.Ticker, opposite, limit)
	locks := e.locks.LockAll(o.Ticker, append(counterparties, o.Client))
	defer locks.ReleaseAll()

	others := make([]string, 0, len(counterparties))
	for _, c := range locks.Clients() {
		if c != o.Client {
			others = append(others, c)
		}
	}
	candidates, err := e.store.Candidates(o.Ticker, opposite, limit, others)
	if err != nil {
		return fmt.Errorf("select candidates: %w", err)
	}

	last := make(map[string]int, len(others))
	for i, c := range candidates {
		last[c.Client] = i
	}

	remaining := o.Amount
	for i, c := range candidates {
		if remaining == 0 {
			break
		}
		amount := min(remaining, c.Amount)
		committed, err := e.trade(ctx, o, c, amount)
		if err != nil {
			return err
		}
		if committed {
			remaining -= amount
		}
		if last[c.Client] == i {
			locks.Release(c.Client)
		}
	}

	if remaining > 0 && o.AcceptsMarketPrice(marketPrice) {
		committed, err := e.tradeWithMarket(ctx, o, remaining, marketPrice)
		if err != nil {
			return err
		}
		if committed {
			remaining = 0
		}
	}

	if remaining > 0 {
		rest, err := e.store.CreateOrder(o.Slice(remaining))
		if err != nil {
			return fmt.Errorf("store resting order: %w", err)
		}
		e.metrics.Resting.Add(1)
		e.logger.Debug("order resting", "order", rest.ID, "client", rest.Client, "amount", rest.Amount)
	}
	return nil
}

// trade commits amount between a new slice of incoming and the resting
// counter order at the counter order's price.
func (e *Exchange) trade(ctx context.Context, incoming, counter *domain.Order, amount int64) (bool, error) {
	slice, err := e.store.CreateOrder(incoming.Slice(amount))
	if err != nil {
		return false, fmt.Errorf("store order slice: %w", err)
	}

	committed := e.settle(ctx, slice, counter, amount, counter.Price)
	e.metrics.Matches.With("counterparty", "client", "outcome", outcome(committed)).Add(1)
	if !committed {
		if err := e.store.DeactivateOrder(slice.ID); err != nil {
			return false, fmt.Errorf("deactivate aborted slice %d: %w", slice.ID, err)
		}
	}
	return committed, nil
}

// tradeWithMarket commits amount of incoming against a synthetic Market
// counter order at price.
func (e *Exchange) tradeWithMarket(ctx context.Context, incoming *domain.Order, amount int64, price decimal.Decimal) (bool, error) {
	slice, err := e.store.CreateOrder(incoming.Slice(amount))
	if err != nil {
		return false, fmt.Errorf("store order slice: %w", err)
	}
	committed, err := e.executeWithMarket(ctx, slice, price)
	if err != nil {
		return false, err
	}
	if !committed {
		if err := e.store.DeactivateOrder(slice.ID); err != nil {
			return false, fmt.Errorf("deactivate aborted slice %d: %w", slice.ID, err)
		}
	}
	return committed, nil
}

// executeWithMarket trades the whole of o with a new Market counter order.
// On abort the counter order is deactivated; o is left as it was.
func (e *Exchange) executeWithMarket(ctx context.Context, o *domain.Order, price decimal.Decimal) (bool, error) {
	counter, err := e.store.CreateOrder(&domain.Order{
		Client:    domain.MarketClient,
		Side:      o.Side.Opposite(),
		Ticker:    o.Ticker,
		Amount:    o.Amount,
		Price:     price,
		ExpiresAt: o.ExpiresAt,
		Active:    true,
	})
	if err != nil {
		return false, fmt.Errorf("store market order: %w", err)
	}

	committed := e.settle(ctx, o, counter, o.Amount, price)
	e.metrics.Matches.With("counterparty", "market", "outcome", outcome(committed)).Add(1)
	if !committed {
		if err := e.store.DeactivateOrder(counter.ID); err != nil {
			return false, fmt.Errorf("deactivate market order %d: %w", counter.ID, err)
		}
	}
	return committed, nil
}

// settle runs one transaction between a and b and reports whether it
// committed. Failing to open the transaction counts as an abort.
func (e *Exchange) settle(ctx context.Context, a, b *domain.Order, amount int64, price decimal.Decimal) bool {
	buy, sell := a, b
	if a.Side == domain.OrderSideSell {
		buy, sell = b, a
	}

	id, err := e.commit.OpenTransaction(ctx, txn.OpenRequest{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Amount:      amount,
		Price:       price,
	})
	if err != nil {
		e.logger.Warn("open transaction", "buy", buy.ID, "sell", sell.ID, "error", err)
		return false
	}
	state, err := e.commit.WaitTransaction(ctx, id)
	if err != nil {
		e.logger.Warn("wait transaction", "txn", id, "error", err)
		return false
	}
	if state != domain.TxnCommitted {
		e.logger.Info("trade aborted", "txn", id, "buy", buy.ID, "sell", sell.ID)
		return false
	}
	e.logger.Info("trade committed", "txn", id, "ticker", buy.Ticker, "buy", buy.ID, "sell", sell.ID,
		"amount", amount, "price", price.String())
	return true
}

func outcome(committed bool) string {
	if committed {
		return "committed"
	}
	return "aborted"
}

// expire deactivates every order whose expiry has passed.
func (e *Exchange) expire(now time.Time) error {
	expired, err := e.store.DeactivateExpired(now)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		e.metrics.Expired.Add(float64(len(expired)))
		e.logger.Debug("orders expired", "count", len(expired))
	}
	return nil
}

// ExecuteRestingOrders expires stale orders and then trades every resting
// client order whose limit the market price now satisfies with the
// market. Orders for tickers the market no longer quotes are deactivated.
func (e *Exchange) ExecuteRestingOrders(ctx context.Context) error {
	if !e.enter() {
		return domain.ErrShuttingDown
	}
	defer e.inflight.Done()

	if err := e.expire(e.now()); err != nil {
		return err
	}
	orders, err := e.store.ActiveOrders()
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}

	var (
		resting []*domain.Order
		tickers []string
		seen    = make(map[string]bool)
	)
	for _, o := range orders {
		if o.Client == domain.MarketClient {
			continue
		}
		resting = append(resting, o)
		if !seen[o.Ticker] {
			seen[o.Ticker] = true
			tickers = append(tickers, o.Ticker)
		}
	}
	if len(resting) == 0 {
		return nil
	}

	quotes, err := e.quotes.Quotes(ctx, tickers)
	if err != nil {
		return fmt.Errorf("%w: resting tickers: %v", domain.ErrQuoteUnavailable, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, o := range resting {
		g.Go(func() error {
			return e.executeResting(gctx, o, quotes)
		})
	}
	return g.Wait()
}

func (e *Exchange) executeResting(ctx context.Context, o *domain.Order, quotes map[string]decimal.Decimal) error {
	unlock := e.locks.Lock(o.Client, o.Ticker)
	defer unlock()

	o, err := e.store.GetOrder(o.ID)
	if err != nil {
		return err
	}
	if !o.Active || o.IsExpired(e.now()) {
		return nil
	}

	price, ok := quotes[o.Ticker]
	if !ok {
		e.logger.Info("ticker no longer quoted, deactivating order", "order", o.ID, "ticker", o.Ticker)
		return e.store.DeactivateOrder(o.ID)
	}
	if !o.AcceptsMarketPrice(price) {
		return nil
	}
	_, err = e.executeWithMarket(context.WithoutCancel(ctx), o, price)
	return err
}
