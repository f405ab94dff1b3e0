package store

import (
	"errors"

	"github.com/efreitasn/stockmarket/internal/domain"
)

// AddClient registers a client. It returns domain.ErrClientAlreadyExists
// if the name is taken.
func (s *Store) AddClient(name string) (*domain.Client, error) {
	c := &domain.Client{Name: name}
	err := s.Update(func(tx *Tx) error {
		bz, err := tx.get(clientKey(name))
		if err != nil {
			return err
		}
		if bz != nil {
			return domain.ErrClientAlreadyExists
		}
		c.CreatedAt = s.now()
		return tx.setJSON(clientKey(name), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetClient retrieves a client by name. It returns
// domain.ErrClientNotFound if the client does not exist.
func (s *Store) GetClient(name string) (*domain.Client, error) {
	var c domain.Client
	ok, err := s.getJSON(clientKey(name), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrClientNotFound
	}
	return &c, nil
}

// ClientExists reports whether a client with the given name is registered.
func (s *Store) ClientExists(name string) (bool, error) {
	return s.db.Has(clientKey(name))
}

// EnsureClient registers name unless it already exists.
func (s *Store) EnsureClient(name string) error {
	_, err := s.AddClient(name)
	if errors.Is(err, domain.ErrClientAlreadyExists) {
		return nil
	}
	return err
}
