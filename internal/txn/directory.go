package txn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/store"
)

// Directory resolves participant names to participants. Client
// participants are created on first use, each with its own recovery log.
type Directory struct {
	store   *store.Store
	logDir  string
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.Mutex
	coord        Completer
	participants map[string]TransactionParticipant
}

// NewDirectory creates a directory whose participants keep their logs in
// logDir.
func NewDirectory(st *store.Store, logDir string, logger *slog.Logger, m *Metrics) *Directory {
	return &Directory{
		store:        st,
		logDir:       logDir,
		logger:       logger,
		metrics:      m,
		participants: make(map[string]TransactionParticipant),
	}
}

func (d *Directory) bind(c Completer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coord = c
}

// Register installs p under its name, replacing any participant created
// for it so far.
func (d *Directory) Register(p TransactionParticipant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants[p.Name()] = p
}

// Get returns the participant for name. It returns
// domain.ErrUnknownParticipant if name is not a registered client.
func (d *Directory) Get(name string) (TransactionParticipant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.participants[name]; ok {
		return p, nil
	}
	if d.coord == nil {
		return nil, errors.New("directory is not bound to a coordinator")
	}

	var (
		p   *Participant
		err error
	)
	if name == domain.MarketClient {
		p, err = NewMarketParticipant(d.store, d.logDir, d.coord, d.logger, d.metrics)
	} else {
		ok, existsErr := d.store.ClientExists(name)
		if existsErr != nil {
			return nil, existsErr
		}
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, domain.ErrUnknownParticipant)
		}
		p, err = NewClientParticipant(name, d.store, d.logDir, d.coord, d.logger, d.metrics)
	}
	if err != nil {
		return nil, fmt.Errorf("open participant %s: %w", name, err)
	}
	d.participants[name] = p
	return p, nil
}

// Recover opens every participant that has a log on disk and replays it.
func (d *Directory) Recover(ctx context.Context) error {
	names, err := d.loggedNames()
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range names {
		p, err := d.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r, ok := p.(interface{ Recover(context.Context) error }); ok {
			if err := r.Recover(ctx); err != nil {
				errs = append(errs, fmt.Errorf("recover %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Directory) loggedNames() ([]string, error) {
	entries, err := os.ReadDir(d.logDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list participant logs: %w", err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".pending.json"):
			seen[strings.TrimSuffix(name, ".pending.json")] = true
		case filepath.Ext(name) == ".log":
			seen[strings.TrimSuffix(name, ".log")] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes every participant that owns resources.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, p := range d.participants {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
