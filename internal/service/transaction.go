package service

import (
	"context"
	"fmt"
	"time"

	"github.com/efreitasn/stockmarket/internal/domain"
)

// GetTransactions returns, per client, the trades it took part in at or
// after since. A zero since returns the whole history.
func (s *ExchangeService) GetTransactions(ctx context.Context, clients []string, since time.Time) (map[string][]*domain.TradeLogEntry, error) {
	result := make(map[string][]*domain.TradeLogEntry, len(clients))
	for _, c := range clients {
		if err := validateClientName(c); err != nil {
			return nil, err
		}
		trades, err := s.store.Trades(c, since)
		if err != nil {
			return nil, fmt.Errorf("list trades of %s: %w", c, err)
		}
		result[c] = trades
	}
	return result, nil
}
