package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/store"
	"github.com/efreitasn/stockmarket/internal/txnlog"
)

// TransactionParticipant is one side of a trade in the commit protocol.
// Every method is idempotent: redelivered messages never re-apply effects.
type TransactionParticipant interface {
	Name() string
	// Prepare records and validates a tentative trade. A validation
	// failure is not an error; it surfaces as a NO vote.
	Prepare(ctx context.Context, t domain.ParticipantTransaction) error
	// Vote blocks until prepare has finished or ctx is done, then reports
	// whether the participant can commit.
	Vote(ctx context.Context, id int64) (bool, error)
	Commit(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
}

// Completer is the coordinator API participants call back into.
type Completer interface {
	SignalTransactionCompleted(ctx context.Context, id int64, participant string, finalOrderID int64, side domain.OrderSide) error
	GetTransactionState(ctx context.Context, id int64) (domain.TransactionState, error)
}

type participantTxn struct {
	txn      domain.ParticipantTransaction
	ready    chan struct{} // closed once prepare has finished
	signaled bool
}

// Participant owns one client's private order and holding state in the
// commit protocol. The Market participant uses the same protocol but never
// checks or touches holdings.
type Participant struct {
	name     string
	holdings bool
	store    *store.Store
	log      *txnlog.Log[participantRecord]
	coord    Completer
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu   sync.Mutex
	txns map[int64]*participantTxn

	commitMu sync.Mutex // serialises store mutations and validation; taken before mu
}

// participantRecord is the persisted form of a participant transaction.
// Committed records stay pending until the coordinator acknowledged the
// completion signal.
type participantRecord struct {
	domain.ParticipantTransaction
	Signaled bool `json:"signaled,omitempty"`
}

func (r participantRecord) Pending() bool {
	switch r.State {
	case domain.TxnAborted:
		return false
	case domain.TxnCommitted:
		return !r.Signaled
	}
	return true
}

// NewClientParticipant creates the participant of a registered client,
// opening its recovery log under logDir.
func NewClientParticipant(name string, st *store.Store, logDir string, coord Completer, logger *slog.Logger, m *Metrics) (*Participant, error) {
	return newParticipant(name, true, st, logDir, coord, logger, m)
}

// NewMarketParticipant creates the participant that stands in for the
// external market.
func NewMarketParticipant(st *store.Store, logDir string, coord Completer, logger *slog.Logger, m *Metrics) (*Participant, error) {
	return newParticipant(domain.MarketClient, false, st, logDir, coord, logger, m)
}

func newParticipant(name string, holdings bool, st *store.Store, logDir string, coord Completer, logger *slog.Logger, m *Metrics) (*Participant, error) {
	log, err := txnlog.Open[participantRecord](logDir, name)
	if err != nil {
		return nil, err
	}
	logger = logger.With("participant", name)
	log.OnCompactError(func(err error) { logger.Error("compact log", "error", err) })
	return &Participant{
		name:     name,
		holdings: holdings,
		store:    st,
		log:      log,
		coord:    coord,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		txns:     make(map[int64]*participantTxn),
	}, nil
}

// Close compacts and closes the participant's log.
func (p *Participant) Close() error {
	return p.log.Close()
}

func (p *Participant) Name() string { return p.name }

func (p *Participant) persist(pt *participantTxn) error {
	return p.log.Append(participantRecord{ParticipantTransaction: pt.txn, Signaled: pt.signaled})
}

// Prepare implements TransactionParticipant.
func (p *Participant) Prepare(ctx context.Context, t domain.ParticipantTransaction) error {
	// a redelivered prepare of a finished trade must not reserve again
	applied, err := p.store.Applied(p.name, t.ID)
	if err != nil {
		return fmt.Errorf("prepare txn %d: %w", t.ID, err)
	}
	if applied {
		return nil
	}

	p.mu.Lock()
	if _, ok := p.txns[t.ID]; ok {
		p.mu.Unlock()
		return nil
	}
	t.Participant = p.name
	t.State = domain.TxnActive
	pt := &participantTxn{txn: t, ready: make(chan struct{})}
	p.txns[t.ID] = pt
	first := *pt
	p.mu.Unlock()

	defer close(pt.ready)

	if err := p.persist(&first); err != nil {
		p.setState(pt, domain.TxnFailed)
		return fmt.Errorf("log prepare of txn %d: %w", t.ID, err)
	}
	return p.finishPrepare(pt)
}

// finishPrepare validates an ACTIVE transaction and moves it to PENDING or
// FAILED. The caller closes pt.ready.
func (p *Participant) finishPrepare(pt *participantTxn) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	p.mu.Lock()
	reason := p.validateLocked(pt)
	next := domain.TxnPending
	if reason != "" {
		next = domain.TxnFailed
	}
	if !pt.txn.State.CanTransition(next) {
		p.mu.Unlock()
		return nil
	}
	pt.txn.State = next
	snapshot := *pt
	p.mu.Unlock()

	if reason != "" {
		p.metrics.PrepareFailures.Add(1)
		p.logger.Info("prepare failed", "txn", pt.txn.ID, "reason", reason)
	}
	if err := p.persist(&snapshot); err != nil {
		p.setState(pt, domain.TxnFailed)
		return fmt.Errorf("log prepare of txn %d: %w", pt.txn.ID, err)
	}
	return nil
}

// validateLocked checks the order and projects the holding. It returns a
// non-empty reason when the transaction cannot be honoured. Amounts already
// promised to other prepared transactions count as spent; shares a prepared
// buy would bring in do not count until it commits.
func (p *Participant) validateLocked(pt *participantTxn) string {
	t := &pt.txn
	order, err := p.store.GetOrder(t.Order.ID)
	if err != nil {
		return fmt.Sprintf("load order %d: %v", t.Order.ID, err)
	}
	if order.Client != p.name {
		return fmt.Sprintf("order %d belongs to %s", order.ID, order.Client)
	}
	if !order.Active {
		return fmt.Sprintf("order %d is inactive", order.ID)
	}
	if order.IsExpired(p.now()) {
		return fmt.Sprintf("order %d expired", order.ID)
	}
	if t.Amount <= 0 {
		return "amount must be > 0"
	}

	var reservedOrder, pendingDelta int64
	for id, other := range p.txns {
		if id == t.ID || other.txn.State != domain.TxnPending {
			continue
		}
		if other.txn.Order.ID == order.ID {
			reservedOrder += other.txn.Amount
		}
		if other.txn.Order.Ticker == order.Ticker && other.txn.Delta() < 0 {
			pendingDelta += other.txn.Delta()
		}
	}
	if t.Amount > order.Amount-reservedOrder {
		return fmt.Sprintf("amount %d exceeds available %d on order %d", t.Amount, order.Amount-reservedOrder, order.ID)
	}
	t.Order = *order
	t.ResultingOrderID = order.ID

	if !p.holdings {
		return ""
	}
	stored, err := p.store.Holding(p.name, order.Ticker)
	if err != nil {
		return fmt.Sprintf("load holding: %v", err)
	}
	projected := stored + pendingDelta + t.Delta()
	if projected < 0 {
		return fmt.Sprintf("holding of %s would become %d", order.Ticker, projected)
	}
	t.ProjectedHolding = projected
	return ""
}

func (p *Participant) setState(pt *participantTxn, s domain.TransactionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pt.txn.State.CanTransition(s) {
		pt.txn.State = s
	}
}

func (p *Participant) lookup(id int64) *participantTxn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txns[id]
}

// Vote implements TransactionParticipant.
func (p *Participant) Vote(ctx context.Context, id int64) (bool, error) {
	pt := p.lookup(id)
	if pt == nil {
		return false, nil
	}
	select {
	case <-pt.ready:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := pt.txn.State
	return s == domain.TxnPending || s == domain.TxnCommitted, nil
}

// Commit implements TransactionParticipant.
func (p *Participant) Commit(ctx context.Context, id int64) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	pt := p.lookup(id)
	if pt == nil {
		applied, err := p.store.Applied(p.name, id)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		return fmt.Errorf("commit txn %d: %w", id, domain.ErrUnknownTransaction)
	}

	p.mu.Lock()
	state := pt.txn.State
	t := pt.txn
	p.mu.Unlock()

	switch state {
	case domain.TxnCommitted:
		return p.signal(ctx, pt)
	case domain.TxnPending:
	default:
		return fmt.Errorf("commit txn %d in state %s", id, state)
	}

	err := p.store.Update(func(tx *store.Tx) error {
		applied, err := tx.Applied(p.name, id)
		if err != nil || applied {
			return err
		}
		if _, err := tx.ReduceOrder(t.Order.ID, t.Amount); err != nil {
			return err
		}
		if p.holdings {
			if _, err := tx.AddHolding(p.name, t.Order.Ticker, t.Delta()); err != nil {
				return err
			}
		}
		return tx.MarkApplied(p.name, id)
	})
	if err != nil {
		return fmt.Errorf("apply txn %d: %w", id, err)
	}

	p.mu.Lock()
	pt.txn.State = domain.TxnCommitted
	snapshot := *pt
	p.mu.Unlock()
	if err := p.persist(&snapshot); err != nil {
		return fmt.Errorf("log commit of txn %d: %w", id, err)
	}
	p.logger.Debug("committed", "txn", id, "order", t.Order.ID, "amount", t.Amount)

	return p.signal(ctx, pt)
}

// signal reports completion to the coordinator once; after the coordinator
// acknowledged, the record is dropped from the pending log and from memory.
// Later commits of the same id are answered from the applied marker.
func (p *Participant) signal(ctx context.Context, pt *participantTxn) error {
	p.mu.Lock()
	if pt.signaled {
		p.mu.Unlock()
		return nil
	}
	t := pt.txn
	p.mu.Unlock()

	if err := p.coord.SignalTransactionCompleted(ctx, t.ID, p.name, t.ResultingOrderID, t.Order.Side); err != nil {
		return fmt.Errorf("signal completion of txn %d: %w", t.ID, err)
	}

	p.mu.Lock()
	pt.signaled = true
	snapshot := *pt
	p.mu.Unlock()
	if err := p.persist(&snapshot); err != nil {
		return fmt.Errorf("log completion of txn %d: %w", t.ID, err)
	}
	p.forget(t.ID)
	return nil
}

// forget drops a transaction that reached its final state.
func (p *Participant) forget(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.txns, id)
}

// inFlight reports how many transactions the participant still tracks.
func (p *Participant) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txns)
}

// Cancel implements TransactionParticipant.
func (p *Participant) Cancel(ctx context.Context, id int64) error {
	pt := p.lookup(id)
	if pt == nil {
		applied, err := p.store.Applied(p.name, id)
		if err != nil {
			return err
		}
		if applied {
			return fmt.Errorf("cancel txn %d: already committed", id)
		}
		return nil
	}
	select {
	case <-pt.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	switch pt.txn.State {
	case domain.TxnAborted:
		p.mu.Unlock()
		return nil
	case domain.TxnCommitted:
		p.mu.Unlock()
		return fmt.Errorf("cancel txn %d: already committed", id)
	}
	pt.txn.State = domain.TxnAborted
	snapshot := *pt
	p.mu.Unlock()

	if err := p.persist(&snapshot); err != nil {
		return fmt.Errorf("log cancel of txn %d: %w", id, err)
	}
	p.forget(id)
	return nil
}

// State returns the participant's view of a transaction that is still in
// flight. Finished transactions are forgotten and report false.
func (p *Participant) State(id int64) (domain.TransactionState, bool) {
	pt := p.lookup(id)
	if pt == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return pt.txn.State, true
}

// Recover reloads the unresolved transactions from the log and drives each
// one towards the coordinator's decision.
func (p *Participant) Recover(ctx context.Context) error {
	records := p.log.Pending()

	p.mu.Lock()
	for _, r := range records {
		pt := &participantTxn{txn: r.ParticipantTransaction, ready: make(chan struct{}), signaled: r.Signaled}
		if pt.txn.State != domain.TxnActive {
			close(pt.ready)
		}
		p.txns[r.ID] = pt
	}
	p.mu.Unlock()

	var errs []error
	for _, r := range records {
		if err := p.recoverOne(ctx, r.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(records) > 0 {
		p.logger.Info("recovered transactions", "count", len(records), "failed", len(errs))
	}
	return errors.Join(errs...)
}

func (p *Participant) recoverOne(ctx context.Context, id int64) error {
	pt := p.lookup(id)

	p.mu.Lock()
	state := pt.txn.State
	p.mu.Unlock()

	if state == domain.TxnCommitted {
		return p.signal(ctx, pt)
	}

	if state == domain.TxnActive {
		err := p.finishPrepare(pt)
		close(pt.ready)
		if err != nil {
			return err
		}
	}
	decision, err := p.coord.GetTransactionState(ctx, id)
	if err != nil {
		return fmt.Errorf("query state of txn %d: %w", id, err)
	}
	switch decision {
	case domain.TxnCommitted:
		return p.Commit(ctx, id)
	case domain.TxnAborted:
		return p.Cancel(ctx, id)
	}
	return nil
}
