package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockmarket/internal/domain"
)

// PutOrder stores o. An order without an ID is assigned the next order id
// and stamped with the store's clock.
func (tx *Tx) PutOrder(o *domain.Order) error {
	if o.ID == 0 {
		id, err := tx.NextSequence(SeqOrder)
		if err != nil {
			return err
		}
		o.ID = id
		if o.CreatedAt.IsZero() {
			o.CreatedAt = tx.s.now()
		}
		if err := tx.set(clientOrderKey(o.Client, o.ID), []byte{}); err != nil {
			return err
		}
	}
	if err := tx.setJSON(orderKey(o.ID), o); err != nil {
		return err
	}
	snapshot := *o
	tx.bookOps = append(tx.bookOps, func(b *bookIndex) { b.put(&snapshot) })
	return nil
}

// GetOrder reads an order inside the transaction. It returns
// domain.ErrOrderNotFound if the order does not exist.
func (tx *Tx) GetOrder(id int64) (*domain.Order, error) {
	bz, err := tx.get(orderKey(id))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, domain.ErrOrderNotFound
	}
	var o domain.Order
	if err := json.Unmarshal(bz, &o); err != nil {
		return nil, fmt.Errorf("decode order %d: %w", id, err)
	}
	return &o, nil
}

// DeactivateOrder marks the order inactive.
func (tx *Tx) DeactivateOrder(id int64) error {
	o, err := tx.GetOrder(id)
	if err != nil {
		return err
	}
	if !o.Active {
		return nil
	}
	o.Active = false
	return tx.PutOrder(o)
}

// ReduceOrder consumes amount from the order, deactivating it when
// nothing remains. It returns the order as stored.
func (tx *Tx) ReduceOrder(id, amount int64) (*domain.Order, error) {
	o, err := tx.GetOrder(id)
	if err != nil {
		return nil, err
	}
	if amount > o.Amount {
		return nil, fmt.Errorf("reduce %s by %d: amount exceeds remaining", o, amount)
	}
	if amount == o.Amount {
		o.Active = false
	} else {
		o.Amount -= amount
	}
	if err := tx.PutOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder retrieves an order by ID. It returns
// domain.ErrOrderNotFound if the order does not exist.
func (s *Store) GetOrder(id int64) (*domain.Order, error) {
	var o domain.Order
	ok, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

// CreateOrder stores a new order and returns it with its assigned id.
func (s *Store) CreateOrder(o *domain.Order) (*domain.Order, error) {
	err := s.Update(func(tx *Tx) error {
		return tx.PutOrder(o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// DeactivateOrder marks the order inactive.
func (s *Store) DeactivateOrder(id int64) error {
	return s.Update(func(tx *Tx) error {
		return tx.DeactivateOrder(id)
	})
}

// ListByClient returns the client's orders in submission order. If
// activeOnly is set, inactive orders are skipped.
func (s *Store) ListByClient(client string, activeOnly bool) ([]*domain.Order, error) {
	var ids []int64
	err := s.scan(clientOrderKey(client, 0), clientOrderKey(client, math.MaxInt64), func(key, _ []byte) error {
		_, id, err := decodeClientOrderKey(key)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, err
		}
		if activeOnly && !o.Active {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ActiveOrders returns every active order in id order.
func (s *Store) ActiveOrders() ([]*domain.Order, error) {
	ids := s.book.ids()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	orders := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, err
		}
		if o.Active {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// Counterparties returns, sorted, the clients with active orders on side of
// ticker priced within bound (see Candidates). The Market client is never
// included.
func (s *Store) Counterparties(ticker string, side domain.OrderSide, bound decimal.Decimal) []string {
	seen := make(map[string]bool)
	s.walkWithin(ticker, side, bound, func(e bookEntry) {
		if e.Client != domain.MarketClient {
			seen[e.Client] = true
		}
	})
	clients := make([]string, 0, len(seen))
	for c := range seen {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	return clients
}

// Candidates returns the unexpired active orders resting on side of ticker
// that an incoming order may trade with, best first. Resting buys qualify
// when priced at or above bound, resting sells when priced at or below it.
// Only orders owned by one of clients are returned.
func (s *Store) Candidates(ticker string, side domain.OrderSide, bound decimal.Decimal, clients []string) ([]*domain.Order, error) {
	allowed := make(map[string]bool, len(clients))
	for _, c := range clients {
		allowed[c] = true
	}

	var ids []int64
	s.walkWithin(ticker, side, bound, func(e bookEntry) {
		if allowed[e.Client] && e.Client != domain.MarketClient {
			ids = append(ids, e.OrderID)
		}
	})

	now := s.now()
	orders := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, err
		}
		if !o.Active || o.IsExpired(now) {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *Store) walkWithin(ticker string, side domain.OrderSide, bound decimal.Decimal, fn func(bookEntry)) {
	s.book.walk(ticker, side, func(e bookEntry) bool {
		if side == domain.OrderSideBuy && e.Price.LessThan(bound) {
			return false
		}
		if side == domain.OrderSideSell && e.Price.GreaterThan(bound) {
			return false
		}
		fn(e)
		return true
	})
}

// DeactivateExpired flips every active order whose expiry is at or before
// now to inactive in a single batch, and returns the affected orders.
func (s *Store) DeactivateExpired(now time.Time) ([]*domain.Order, error) {
	var expired []*domain.Order
	err := s.Update(func(tx *Tx) error {
		for _, id := range s.book.expired(now) {
			o, err := tx.GetOrder(id)
			if err != nil {
				return err
			}
			if !o.Active || !o.IsExpired(now) {
				continue
			}
			o.Active = false
			if err := tx.PutOrder(o); err != nil {
				return err
			}
			expired = append(expired, o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deactivate expired orders: %w", err)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (s *Store) rebuildIndex() error {
	return s.scan(orderKey(0), orderKey(math.MaxInt64), func(_, value []byte) error {
		var o domain.Order
		if err := json.Unmarshal(value, &o); err != nil {
			return err
		}
		if o.Active {
			s.book.put(&o)
		}
		return nil
	})
}
