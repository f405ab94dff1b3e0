package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionState is the per-actor state of one two-phase-commit
// transaction.
type TransactionState string

const (
	TxnActive    TransactionState = "ACTIVE"    // prepare in progress
	TxnPending   TransactionState = "PENDING"   // prepared, voted yes
	TxnFailed    TransactionState = "FAILED"    // prepare validation failed
	TxnCommitted TransactionState = "COMMITTED" // terminal
	TxnAborted   TransactionState = "ABORTED"   // terminal
)

// Terminal reports whether s is an absorbing state.
func (s TransactionState) Terminal() bool {
	return s == TxnCommitted || s == TxnAborted
}

// CanTransition reports whether moving from s to next respects the
// one-directional state machine. Staying in the same state is allowed.
func (s TransactionState) CanTransition(next TransactionState) bool {
	if s == next {
		return true
	}
	switch s {
	case TxnActive:
		return next == TxnPending || next == TxnFailed || next == TxnAborted
	case TxnPending:
		return next == TxnCommitted || next == TxnAborted
	case TxnFailed:
		return next == TxnAborted
	}
	return false
}

// ParticipantTransaction is a participant's private view of one trade.
type ParticipantTransaction struct {
	ID               int64            `json:"id"`
	Participant      string           `json:"participant"`
	Order            Order            `json:"order"`
	Amount           int64            `json:"amount"`
	Price            decimal.Decimal  `json:"price"`
	ResultingOrderID int64            `json:"resulting_order_id"`
	ProjectedHolding int64            `json:"projected_holding"`
	State            TransactionState `json:"state"`
}

// TxnID implements txnlog.Record.
func (t ParticipantTransaction) TxnID() int64 { return t.ID }

// Pending implements txnlog.Record.
func (t ParticipantTransaction) Pending() bool { return !t.State.Terminal() }

// Delta is the holding change this transaction applies to its owner.
func (t *ParticipantTransaction) Delta() int64 {
	if t.Order.Side == OrderSideSell {
		return -t.Amount
	}
	return t.Amount
}

// Consumes reports whether the transaction uses up the whole order.
func (t *ParticipantTransaction) Consumes() bool {
	return t.Amount == t.Order.Amount
}

// CoordinatorTransaction is the coordinator's view of one trade.
type CoordinatorTransaction struct {
	ID                 int64            `json:"id"`
	InitialBuyOrderID  int64            `json:"initial_buy_order_id"`
	InitialSellOrderID int64            `json:"initial_sell_order_id"`
	Ticker             string           `json:"ticker"`
	Amount             int64            `json:"amount"`
	Price              decimal.Decimal  `json:"price"`
	Participants       [2]string        `json:"participants"` // buyer, seller
	FinalBuyOrderID    int64            `json:"final_buy_order_id"`
	FinalSellOrderID   int64            `json:"final_sell_order_id"`
	Finished           []string         `json:"finished"`
	Logged             bool             `json:"logged"`
	State              TransactionState `json:"state"`
	CreatedAt          time.Time        `json:"created_at"`
}

// TxnID implements txnlog.Record.
func (t CoordinatorTransaction) TxnID() int64 { return t.ID }

// Pending implements txnlog.Record. A committed transaction stays pending
// until its trade log entry has been written.
func (t CoordinatorTransaction) Pending() bool {
	switch t.State {
	case TxnCommitted:
		return !t.Logged
	case TxnAborted:
		return false
	}
	return true
}

// FinishedCount returns how many participants reported completion.
func (t *CoordinatorTransaction) FinishedCount() int {
	return len(t.Finished)
}

// HasFinished reports whether participant already reported completion.
func (t *CoordinatorTransaction) HasFinished(participant string) bool {
	for _, p := range t.Finished {
		if p == participant {
			return true
		}
	}
	return false
}
