package store

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockmarket/internal/domain"
)

// bookEntry is an active order as seen by the candidate index.
type bookEntry struct {
	Price     decimal.Decimal
	OrderID   int64
	Client    string
	ExpiresAt time.Time
}

// bidLess orders resting buys: price descending, then order id ascending.
// Min() is the best bid for an incoming sell.
func bidLess(a, b bookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return a.OrderID < b.OrderID
}

// askLess orders resting sells: price ascending, then order id ascending.
// Min() is the best ask for an incoming buy.
func askLess(a, b bookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return a.OrderID < b.OrderID
}

type bookSide struct {
	ticker string
	side   domain.OrderSide
}

// bookIndex holds one tree per (ticker, side) of every active order,
// plus a secondary index by order id for removal.
type bookIndex struct {
	mu    sync.RWMutex
	trees map[bookSide]*btree.BTreeG[bookEntry]
	index map[int64]indexed
}

type indexed struct {
	key   bookSide
	entry bookEntry
}

func newBookIndex() *bookIndex {
	return &bookIndex{
		trees: make(map[bookSide]*btree.BTreeG[bookEntry]),
		index: make(map[int64]indexed),
	}
}

// put inserts, moves or removes o depending on whether it is active.
func (b *bookIndex) put(o *domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(o.ID)
	if !o.Active {
		return
	}
	key := bookSide{ticker: o.Ticker, side: o.Side}
	tree, ok := b.trees[key]
	if !ok {
		const degree = 32
		less := askLess
		if o.Side == domain.OrderSideBuy {
			less = bidLess
		}
		tree = btree.NewG[bookEntry](degree, less)
		b.trees[key] = tree
	}
	entry := bookEntry{Price: o.Price, OrderID: o.ID, Client: o.Client, ExpiresAt: o.ExpiresAt}
	tree.ReplaceOrInsert(entry)
	b.index[o.ID] = indexed{key: key, entry: entry}
}

func (b *bookIndex) removeLocked(id int64) {
	ix, ok := b.index[id]
	if !ok {
		return
	}
	delete(b.index, id)
	if tree, ok := b.trees[ix.key]; ok {
		tree.Delete(ix.entry)
	}
}

// walk visits the (ticker, side) tree in priority order until fn returns
// false.
func (b *bookIndex) walk(ticker string, side domain.OrderSide, fn func(bookEntry) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tree, ok := b.trees[bookSide{ticker: ticker, side: side}]
	if !ok {
		return
	}
	tree.Ascend(fn)
}

// expired returns the ids of indexed orders whose expiry is at or before now.
func (b *bookIndex) expired(now time.Time) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []int64
	for id, ix := range b.index {
		if !ix.entry.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ids returns the ids of every indexed order.
func (b *bookIndex) ids() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]int64, 0, len(b.index))
	for id := range b.index {
		ids = append(ids, id)
	}
	return ids
}

func (b *bookIndex) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}
