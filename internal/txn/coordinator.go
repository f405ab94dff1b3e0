package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/store"
	"github.com/efreitasn/stockmarket/internal/txnlog"
)

// Options configures a Coordinator.
type Options struct {
	// LogDir holds the coordinator log and, under participants/, one log
	// per participant.
	LogDir string
	// VoteTimeout bounds each participant's vote. A timeout is a NO.
	VoteTimeout time.Duration
	// CommitRetryInterval is the pause between failed commit deliveries.
	CommitRetryInterval time.Duration
	Logger              *slog.Logger
	Metrics             *Metrics
}

// OpenRequest describes a trade between a buy order and a sell order.
type OpenRequest struct {
	BuyOrderID  int64
	SellOrderID int64
	Amount      int64
	Price       decimal.Decimal
	// TransactionID reuses an existing id; zero allocates a new one.
	TransactionID int64
}

type coordTxn struct {
	mu   sync.Mutex
	txn  domain.CoordinatorTransaction
	done chan struct{} // closed once the transaction is finished
}

/*
Coordinator drives the two-phase commit of every trade.

A transaction is finished when it is ABORTED and every participant was
told, or COMMITTED and every participant reported completion, at which
point its TradeLogEntry has been written. Finished transactions are
dropped from memory; their state is then answered from the trade log,
and any id the coordinator has no record of is presumed ABORTED.
*/
type Coordinator struct {
	store   *store.Store
	dir     *Directory
	log     *txnlog.Log[domain.CoordinatorTransaction]
	logger  *slog.Logger
	metrics *Metrics
	opts    Options
	now     func() time.Time

	mu   sync.Mutex
	txns map[int64]*coordTxn

	ctx    context.Context // lifetime of background phases
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator opens the coordinator log, loads its unresolved
// transactions and creates the participant directory. Call Recover to
// resume them.
func NewCoordinator(st *store.Store, opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	if opts.VoteTimeout <= 0 {
		opts.VoteTimeout = 2 * time.Second
	}
	if opts.CommitRetryInterval <= 0 {
		opts.CommitRetryInterval = 100 * time.Millisecond
	}

	log, err := txnlog.Open[domain.CoordinatorTransaction](opts.LogDir, "coordinator")
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With("component", "coordinator")
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   st,
		dir:     NewDirectory(st, filepath.Join(opts.LogDir, "participants"), opts.Logger, opts.Metrics),
		log:     log,
		logger:  logger,
		metrics: opts.Metrics,
		opts:    opts,
		now:     time.Now,
		txns:    make(map[int64]*coordTxn),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.dir.bind(c)
	log.OnCompactError(func(err error) { logger.Error("compact log", "error", err) })

	for _, t := range log.Pending() {
		c.txns[t.ID] = &coordTxn{txn: t, done: make(chan struct{})}
	}
	return c, nil
}

// Directory returns the participant directory.
func (c *Coordinator) Directory() *Directory {
	return c.dir
}

// OpenTransaction persists a new ACTIVE transaction, sends prepare to both
// participants and starts the voting phase in the background. It returns
// the transaction id without waiting for the decision.
func (c *Coordinator) OpenTransaction(ctx context.Context, req OpenRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, fmt.Errorf("open transaction: amount must be > 0, got %d", req.Amount)
	}
	buy, err := c.store.GetOrder(req.BuyOrderID)
	if err != nil {
		return 0, fmt.Errorf("load buy order %d: %w", req.BuyOrderID, err)
	}
	sell, err := c.store.GetOrder(req.SellOrderID)
	if err != nil {
		return 0, fmt.Errorf("load sell order %d: %w", req.SellOrderID, err)
	}
	if buy.Side != domain.OrderSideBuy || sell.Side != domain.OrderSideSell {
		return 0, fmt.Errorf("open transaction: orders %d/%d are not a buy/sell pair", buy.ID, sell.ID)
	}
	if buy.Ticker != sell.Ticker {
		return 0, fmt.Errorf("open transaction: ticker mismatch %s/%s", buy.Ticker, sell.Ticker)
	}

	participants, err := c.resolve(buy.Client, sell.Client)
	if err != nil {
		return 0, err
	}

	id := req.TransactionID
	if id == 0 {
		id, err = c.store.NextSequence(store.SeqTransaction)
		if err != nil {
			return 0, fmt.Errorf("allocate transaction id: %w", err)
		}
	}

	t := domain.CoordinatorTransaction{
		ID:                 id,
		InitialBuyOrderID:  buy.ID,
		InitialSellOrderID: sell.ID,
		Ticker:             buy.Ticker,
		Amount:             req.Amount,
		Price:              req.Price,
		Participants:       [2]string{buy.Client, sell.Client},
		State:              domain.TxnActive,
		CreatedAt:          c.now(),
	}

	c.mu.Lock()
	if _, ok := c.txns[id]; ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("open transaction: id %d already in use", id)
	}
	ct := &coordTxn{txn: t, done: make(chan struct{})}
	c.txns[id] = ct
	c.mu.Unlock()

	if err := c.log.Append(t); err != nil {
		c.forget(id)
		return 0, fmt.Errorf("log transaction %d: %w", id, err)
	}
	c.metrics.Opened.Add(1)
	c.metrics.InFlight.Add(1)
	c.logger.Debug("transaction opened", "txn", id, "buy", buy.ID, "sell", sell.ID,
		"amount", req.Amount, "price", req.Price.String())

	prepared := c.prepare(ctx, t, [2]*domain.Order{buy, sell}, participants)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.decide(ct, participants, prepared && c.vote(id, participants))
	}()
	return id, nil
}

func (c *Coordinator) resolve(buyer, seller string) ([2]TransactionParticipant, error) {
	var ps [2]TransactionParticipant
	for i, name := range []string{buyer, seller} {
		p, err := c.dir.Get(name)
		if err != nil {
			return ps, fmt.Errorf("resolve participant: %w", err)
		}
		ps[i] = p
	}
	return ps, nil
}

// prepare sends the per-side snapshots to both participants concurrently.
// It reports whether every prepare was delivered.
func (c *Coordinator) prepare(ctx context.Context, t domain.CoordinatorTransaction, orders [2]*domain.Order, ps [2]TransactionParticipant) bool {
	g := taskgroup.New(nil)
	for i := range ps {
		p, order := ps[i], orders[i]
		g.Go(func() error {
			err := p.Prepare(ctx, domain.ParticipantTransaction{
				ID:               t.ID,
				Participant:      p.Name(),
				Order:            *order,
				Amount:           t.Amount,
				Price:            t.Price,
				ResultingOrderID: order.ID,
				State:            domain.TxnActive,
			})
			if err != nil {
				c.logger.Warn("prepare not delivered", "txn", t.ID, "participant", p.Name(), "error", err)
			}
			return err
		})
	}
	return g.Wait() == nil
}

// vote asks each participant in turn. A timeout, an error or a NO stops
// the poll.
func (c *Coordinator) vote(id int64, ps [2]TransactionParticipant) bool {
	for _, p := range ps {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.VoteTimeout)
		yes, err := p.Vote(ctx, id)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.metrics.Votes.With("vote", "timeout").Add(1)
			c.logger.Warn("vote timed out", "txn", id, "participant", p.Name())
			return false
		case err != nil:
			c.metrics.Votes.With("vote", "no").Add(1)
			c.logger.Warn("vote failed", "txn", id, "participant", p.Name(), "error", err)
			return false
		case !yes:
			c.metrics.Votes.With("vote", "no").Add(1)
			return false
		}
		c.metrics.Votes.With("vote", "yes").Add(1)
	}
	return true
}

// decide persists the outcome and delivers it to the participants.
func (c *Coordinator) decide(ct *coordTxn, ps [2]TransactionParticipant, commit bool) {
	ct.mu.Lock()
	if commit {
		ct.txn.State = domain.TxnCommitted
	} else {
		ct.txn.State = domain.TxnAborted
	}
	t := ct.txn
	ct.mu.Unlock()

	if err := c.log.Append(t); err != nil {
		// The decision may not be on disk. Falling back to abort is only
		// safe once the log says so too; an entry that still replays as
		// ACTIVE is voted again and cancelled participants vote NO.
		c.logger.Error("log decision", "txn", t.ID, "error", err)
		if commit {
			ct.mu.Lock()
			ct.txn.State = domain.TxnAborted
			t = ct.txn
			ct.mu.Unlock()
			commit = false
			if err := c.log.Append(t); err != nil {
				c.logger.Error("log abort fallback", "txn", t.ID, "error", err)
			}
		}
	}
	c.metrics.Decided.With("outcome", string(t.State)).Add(1)
	c.logger.Debug("transaction decided", "txn", t.ID, "state", t.State)

	if commit {
		c.deliverCommit(t.ID, ps[:])
		return
	}
	c.deliverCancel(t.ID, ps[:])
}

// deliverCommit retries Commit on every participant that has not reported
// completion until it succeeds or the coordinator shuts down.
func (c *Coordinator) deliverCommit(id int64, ps []TransactionParticipant) {
	for _, p := range ps {
		for {
			err := p.Commit(c.ctx, id)
			if err == nil {
				break
			}
			c.metrics.CommitRetries.Add(1)
			c.logger.Warn("commit not delivered, retrying", "txn", id, "participant", p.Name(), "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.opts.CommitRetryInterval):
			}
		}
	}
}

func (c *Coordinator) deliverCancel(id int64, ps []TransactionParticipant) {
	for _, p := range ps {
		if err := p.Cancel(c.ctx, id); err != nil {
			c.logger.Warn("cancel not delivered", "txn", id, "participant", p.Name(), "error", err)
		}
	}
	c.finish(id)
}

// finish closes the transaction's done channel and drops it from memory.
func (c *Coordinator) finish(id int64) {
	c.mu.Lock()
	ct, ok := c.txns[id]
	delete(c.txns, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	close(ct.done)
	c.metrics.InFlight.Add(-1)
	c.metrics.Duration.Observe(c.now().Sub(ct.txn.CreatedAt).Seconds())
}

func (c *Coordinator) forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txns, id)
}

func (c *Coordinator) lookup(id int64) *coordTxn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txns[id]
}

// SignalTransactionCompleted records that participant applied a committed
// transaction. When both participants have reported, the trade log entry
// is written. Repeated signals are no-ops.
func (c *Coordinator) SignalTransactionCompleted(ctx context.Context, id int64, participant string, finalOrderID int64, side domain.OrderSide) error {
	ct := c.lookup(id)
	if ct == nil {
		trade, err := c.store.GetTrade(id)
		if err != nil {
			return err
		}
		if trade != nil {
			return nil
		}
		return fmt.Errorf("signal txn %d: %w", id, domain.ErrUnknownTransaction)
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	t := ct.txn
	if t.State != domain.TxnCommitted {
		return fmt.Errorf("signal txn %d in state %s", id, t.State)
	}
	if t.Participants[0] != participant && t.Participants[1] != participant {
		return fmt.Errorf("signal txn %d from %s: %w", id, participant, domain.ErrUnknownParticipant)
	}
	if t.HasFinished(participant) {
		return nil
	}

	if side == domain.OrderSideBuy {
		t.FinalBuyOrderID = finalOrderID
	} else {
		t.FinalSellOrderID = finalOrderID
	}
	t.Finished = append(append([]string(nil), t.Finished...), participant)

	if t.FinishedCount() == len(t.Participants) {
		if err := c.writeTrade(t); err != nil {
			return err
		}
		t.Logged = true
	}

	if err := c.log.Append(t); err != nil {
		return fmt.Errorf("log completion of txn %d: %w", id, err)
	}
	ct.txn = t

	if t.Logged {
		c.logger.Info("trade logged", "txn", t.ID, "ticker", t.Ticker, "buyer", t.Participants[0],
			"seller", t.Participants[1], "amount", t.Amount, "price", t.Price.String())
		c.finish(id)
	}
	return nil
}

// writeTrade appends the trade log entry of a committed transaction. The
// entry is keyed by transaction id, so a replayed write keeps the first.
func (c *Coordinator) writeTrade(t domain.CoordinatorTransaction) error {
	entry := &domain.TradeLogEntry{
		TradeID:       uuid.NewString(),
		TransactionID: t.ID,
		SellOrderID:   t.FinalSellOrderID,
		BuyOrderID:    t.FinalBuyOrderID,
		Ticker:        t.Ticker,
		Seller:        t.Participants[1],
		Buyer:         t.Participants[0],
		Amount:        t.Amount,
		Price:         t.Price,
		Timestamp:     c.now(),
	}
	err := c.store.Update(func(tx *store.Tx) error {
		_, err := tx.PutTrade(entry)
		return err
	})
	if err != nil {
		return fmt.Errorf("write trade log for txn %d: %w", t.ID, err)
	}
	return nil
}

// GetTransactionState returns the authoritative state of a transaction.
// Ids with no record are presumed ABORTED.
func (c *Coordinator) GetTransactionState(ctx context.Context, id int64) (domain.TransactionState, error) {
	if ct := c.lookup(id); ct != nil {
		ct.mu.Lock()
		defer ct.mu.Unlock()
		return ct.txn.State, nil
	}
	trade, err := c.store.GetTrade(id)
	if err != nil {
		return "", err
	}
	if trade != nil {
		return domain.TxnCommitted, nil
	}
	return domain.TxnAborted, nil
}

// WaitTransaction blocks until the transaction is finished or ctx is done
// and returns its final state.
func (c *Coordinator) WaitTransaction(ctx context.Context, id int64) (domain.TransactionState, error) {
	ct := c.lookup(id)
	if ct == nil {
		return c.GetTransactionState(ctx, id)
	}
	select {
	case <-ct.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.txn.State, nil
}

// Recover first lets every participant with a log on disk replay it, then
// replays the coordinator log. ACTIVE transactions are re-prepared and
// voted again; COMMITTED ones have Commit redelivered to the participants
// that have not reported completion.
func (c *Coordinator) Recover(ctx context.Context) error {
	if err := c.dir.Recover(ctx); err != nil {
		c.logger.Error("participant recovery incomplete", "error", err)
	}

	c.mu.Lock()
	pending := make([]*coordTxn, 0, len(c.txns))
	for _, ct := range c.txns {
		pending = append(pending, ct)
	}
	c.mu.Unlock()

	var errs []error
	for _, ct := range pending {
		if err := c.recoverOne(ctx, ct); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pending) > 0 {
		c.logger.Info("recovered transactions", "count", len(pending), "failed", len(errs))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) recoverOne(ctx context.Context, ct *coordTxn) error {
	ct.mu.Lock()
	t := ct.txn
	ct.mu.Unlock()

	c.metrics.InFlight.Add(1)
	ps, err := c.resolve(t.Participants[0], t.Participants[1])
	if err != nil {
		return fmt.Errorf("recover txn %d: %w", t.ID, err)
	}

	switch t.State {
	case domain.TxnActive:
		buy, err := c.store.GetOrder(t.InitialBuyOrderID)
		if err != nil {
			return fmt.Errorf("recover txn %d: %w", t.ID, err)
		}
		sell, err := c.store.GetOrder(t.InitialSellOrderID)
		if err != nil {
			return fmt.Errorf("recover txn %d: %w", t.ID, err)
		}
		prepared := c.prepare(ctx, t, [2]*domain.Order{buy, sell}, ps)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.decide(ct, ps, prepared && c.vote(t.ID, ps))
		}()

	case domain.TxnCommitted:
		var missing []TransactionParticipant
		for _, p := range ps {
			if !t.HasFinished(p.Name()) {
				missing = append(missing, p)
			}
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if len(missing) == 0 {
				c.completeLogged(ct)
				return
			}
			c.deliverCommit(t.ID, missing)
		}()

	default:
		c.deliverCancel(t.ID, ps[:])
	}
	return nil
}

// completeLogged finishes a transaction whose participants all reported
// but whose trade log entry was not confirmed before a crash.
func (c *Coordinator) completeLogged(ct *coordTxn) {
	ct.mu.Lock()
	t := ct.txn
	ct.mu.Unlock()

	if err := c.writeTrade(t); err != nil {
		c.logger.Error("recover trade log", "txn", t.ID, "error", err)
		return
	}
	t.Logged = true
	if err := c.log.Append(t); err != nil {
		c.logger.Error("log completion", "txn", t.ID, "error", err)
	}
	ct.mu.Lock()
	ct.txn = t
	ct.mu.Unlock()
	c.finish(t.ID)
}

// Close stops background phases and closes the logs.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return errors.Join(c.dir.Close(), c.log.Close())
}
