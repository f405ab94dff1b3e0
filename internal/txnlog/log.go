// Package txnlog implements the per-actor recovery log of the commit
// protocol.
//
// Each actor owns two files in the log directory:
//
//	<actor>.log           append-only JSON lines, one record per state change
//	<actor>.pending.json  snapshot of the records that were still pending
//
// On open the snapshot is loaded and the log replayed on top of it; the
// last record of each transaction wins. Compaction rewrites the snapshot
// atomically and truncates the log, so only unresolved transactions
// survive a restart.
package txnlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/creachadair/atomicfile"
)

// Record is a transaction state persisted in a Log.
type Record interface {
	TxnID() int64
	// Pending reports whether the record must survive compaction.
	Pending() bool
}

// DefaultCompactEvery is the number of appends between compactions.
const DefaultCompactEvery = 256

// Log is a durable per-actor transaction log. It is safe for concurrent use.
type Log[R Record] struct {
	mu           sync.Mutex
	logPath      string
	snapPath     string
	file         *os.File
	pending      map[int64]R
	appends      int
	compactEvery int
	onCompactErr func(error)
}

// Open opens (creating if necessary) the log of actor under dir and
// replays it.
func Open[R Record](dir, actor string) (*Log[R], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	l := &Log[R]{
		logPath:      filepath.Join(dir, actor+".log"),
		snapPath:     filepath.Join(dir, actor+".pending.json"),
		pending:      make(map[int64]R),
		compactEvery: DefaultCompactEvery,
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("load %s log: %w", actor, err)
	}
	f, err := os.OpenFile(l.logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	return l, nil
}

// SetCompactEvery changes how many appends trigger a compaction. n <= 0
// disables automatic compaction.
func (l *Log[R]) SetCompactEvery(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compactEvery = n
}

// OnCompactError sets fn to receive failures of the compaction that
// Append triggers. Such failures never fail the Append itself.
func (l *Log[R]) OnCompactError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCompactErr = fn
}

func (l *Log[R]) load() error {
	snap, err := os.ReadFile(l.snapPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return err
	default:
		var records []R
		if err := json.Unmarshal(snap, &records); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		for _, r := range records {
			l.pending[r.TxnID()] = r
		}
	}

	f, err := os.OpenFile(l.logPath, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	// A torn final write is the only expected corruption; cut it off so
	// later appends start on a clean line.
	var good int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		var rec R
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				break
			}
			l.track(rec)
		}
		good += int64(len(line))
	}
	return f.Truncate(good)
}

func (l *Log[R]) track(r R) {
	if r.Pending() {
		l.pending[r.TxnID()] = r
	} else {
		delete(l.pending, r.TxnID())
	}
}

// Append durably records r. The call returns after the record is synced;
// an error means r may not be on disk. A failed compaction leaves the log
// intact and is retried on the next append.
func (l *Log[R]) Append(r R) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", r.TxnID(), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record %d: %w", r.TxnID(), err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}
	l.track(r)

	l.appends++
	if l.compactEvery > 0 && l.appends >= l.compactEvery {
		if err := l.compactLocked(); err != nil && l.onCompactErr != nil {
			l.onCompactErr(err)
		}
	}
	return nil
}

// Pending returns the unresolved records in transaction id order.
func (l *Log[R]) Pending() []R {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

func (l *Log[R]) sortedLocked() []R {
	out := make([]R, 0, len(l.pending))
	for _, r := range l.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID() < out[j].TxnID() })
	return out
}

// Compact writes the pending snapshot and truncates the log.
func (l *Log[R]) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compactLocked()
}

func (l *Log[R]) compactLocked() error {
	data, err := json.Marshal(l.sortedLocked())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := atomicfile.WriteAll(l.snapPath, bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate log: %w", err)
	}
	l.appends = 0
	return nil
}

// Close compacts the log and closes its file.
func (l *Log[R]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.compactLocked(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
