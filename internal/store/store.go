package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
)

// Backend names accepted by OpenBackend.
const (
	BackendMemDB     = string(dbm.MemDBBackend)
	BackendGoLevelDB = string(dbm.GoLevelDBBackend)
)

// Sequence names.
const (
	SeqOrder       = "order"
	SeqTransaction = "txn"
)

/*
Store is the exchange's durable state: clients, orders, holdings, the
trade log, id sequences and applied-transaction markers.

Reads go straight to the underlying DB. Writes are serialised by a single
mutex and every logical step is applied as one batch with WriteSync, so a
crash leaves either all or none of a step on disk. Active orders are
mirrored in an in-memory book index that is rebuilt on Open.
*/
type Store struct {
	mu   sync.Mutex // serialises writers
	db   dbm.DB
	book *bookIndex
	now  func() time.Time
}

// Open wraps db and rebuilds the active-order index from it.
func Open(db dbm.DB) (*Store, error) {
	s := &Store{db: db, book: newBookIndex(), now: time.Now}
	if err := s.rebuildIndex(); err != nil {
		return nil, fmt.Errorf("rebuild order index: %w", err)
	}
	return s, nil
}

// OpenBackend opens (creating if needed) the named tm-db backend under dir.
func OpenBackend(backend, dir string) (*Store, error) {
	var (
		db  dbm.DB
		err error
	)
	switch backend {
	case BackendMemDB:
		db = dbm.NewMemDB()
	case BackendGoLevelDB:
		db, err = dbm.NewDB("exchange", dbm.GoLevelDBBackend, dir)
		if err != nil {
			return nil, fmt.Errorf("open %s db in %s: %w", backend, dir, err)
		}
	default:
		return nil, fmt.Errorf("unsupported db backend %q", backend)
	}
	return Open(db)
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside a write transaction. All writes fn makes through
// tx are committed atomically when fn returns nil and discarded otherwise.
// Index changes become visible only after the batch is durable.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	tx := &Tx{s: s, batch: batch, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	for _, op := range tx.bookOps {
		op(s.book)
	}
	return nil
}

// NextSequence allocates the next value of the named durable sequence.
func (s *Store) NextSequence(name string) (int64, error) {
	var id int64
	err := s.Update(func(tx *Tx) error {
		var err error
		id, err = tx.NextSequence(name)
		return err
	})
	return id, err
}

// Tx is a single write transaction. It reads its own writes.
type Tx struct {
	s       *Store
	batch   dbm.Batch
	writes  map[string][]byte
	bookOps []func(*bookIndex)
}

func (tx *Tx) get(key []byte) ([]byte, error) {
	if v, ok := tx.writes[string(key)]; ok {
		return v, nil
	}
	return tx.s.db.Get(key)
}

func (tx *Tx) set(key, value []byte) error {
	if err := tx.batch.Set(key, value); err != nil {
		return err
	}
	tx.writes[string(key)] = value
	return nil
}

func (tx *Tx) setJSON(key []byte, v interface{}) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return tx.set(key, bz)
}

// NextSequence increments and returns the named sequence. The first value
// is 1.
func (tx *Tx) NextSequence(name string) (int64, error) {
	key := sequenceKey(name)
	bz, err := tx.get(key)
	if err != nil {
		return 0, err
	}
	var cur int64
	if len(bz) > 0 {
		cur, err = strconv.ParseInt(string(bz), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence %q: %w", name, err)
		}
	}
	cur++
	if err := tx.set(key, []byte(strconv.FormatInt(cur, 10))); err != nil {
		return 0, err
	}
	return cur, nil
}

// Applied reports whether participant already applied txnID to the store.
func (tx *Tx) Applied(participant string, txnID int64) (bool, error) {
	bz, err := tx.get(appliedKey(participant, txnID))
	if err != nil {
		return false, err
	}
	return bz != nil, nil
}

// MarkApplied records that participant applied txnID.
func (tx *Tx) MarkApplied(participant string, txnID int64) error {
	return tx.set(appliedKey(participant, txnID), []byte{1})
}

// Applied reports whether participant already applied txnID to the store.
func (s *Store) Applied(participant string, txnID int64) (bool, error) {
	return s.db.Has(appliedKey(participant, txnID))
}

func (s *Store) getJSON(key []byte, v interface{}) (bool, error) {
	bz, err := s.db.Get(key)
	if err != nil {
		return false, err
	}
	if bz == nil {
		return false, nil
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return false, fmt.Errorf("decode %x: %w", key, err)
	}
	return true, nil
}

// scan iterates [start, end) in key order, calling fn for each entry.
func (s *Store) scan(start, end []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

//---------------------------------- KEY ENCODING -----------------------------------------

const (
	prefixClient      = int64(1)
	prefixOrder       = int64(2)
	prefixClientOrder = int64(3)
	prefixHolding     = int64(4)
	prefixTrade       = int64(5)
	prefixSequence    = int64(6)
	prefixApplied     = int64(7)
	prefixClientTrade = int64(8)
)

func mustAppend(items ...interface{}) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(err)
	}
	return key
}

func clientKey(name string) []byte {
	return mustAppend(prefixClient, name)
}

func orderKey(id int64) []byte {
	return mustAppend(prefixOrder, id)
}

func clientOrderKey(client string, id int64) []byte {
	return mustAppend(prefixClientOrder, client, id)
}

func decodeClientOrderKey(key []byte) (client string, id int64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &client, &id)
	if err != nil {
		return "", 0, err
	}
	if len(remaining) != 0 {
		return "", 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixClientOrder {
		return "", 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixClientOrder, prefix)
	}
	return client, id, nil
}

func holdingKey(client, ticker string) []byte {
	return mustAppend(prefixHolding, client, ticker)
}

func decodeHoldingKey(key []byte) (client, ticker string, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &client, &ticker)
	if err != nil {
		return "", "", err
	}
	if len(remaining) != 0 {
		return "", "", fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	return client, ticker, nil
}

func tradeKey(txnID int64) []byte {
	return mustAppend(prefixTrade, txnID)
}

func sequenceKey(name string) []byte {
	return mustAppend(prefixSequence, name)
}

func appliedKey(participant string, txnID int64) []byte {
	return mustAppend(prefixApplied, participant, txnID)
}

func clientTradeKey(client string, txnID int64) []byte {
	return mustAppend(prefixClientTrade, client, txnID)
}

func decodeClientTradeKey(key []byte) (client string, txnID int64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &client, &txnID)
	if err != nil {
		return "", 0, err
	}
	if len(remaining) != 0 {
		return "", 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixClientTrade {
		return "", 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixClientTrade, prefix)
	}
	return client, txnID, nil
}
