package balance

import (
	"context"
	"sync"

	"splitpay/internal/domain"
)

// MemoryService is a process-local balance cache for development and tests.
type MemoryService struct {
	mu       sync.RWMutex
	balances map[string]map[domain.BalanceKey]domain.BalanceRecord
}

func NewMemory() *MemoryService {
	return &MemoryService{balances: make(map[string]map[domain.BalanceKey]domain.BalanceRecord)}
}

func (s *MemoryService) FetchBalances(ctx context.Context, intentID string, keys []domain.BalanceKey) (map[domain.BalanceKey]domain.BalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[domain.BalanceKey]domain.BalanceRecord, len(keys))
	scoped := s.balances[intentID]
	for _, k := range keys {
		if rec, ok := scoped[k]; ok {
			res[k] = rec
		}
	}
	return res, nil
}

func (s *MemoryService) SetBalance(ctx context.Context, intentID string, key domain.BalanceKey, rec domain.BalanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scoped, ok := s.balances[intentID]
	if !ok {
		scoped = make(map[domain.BalanceKey]domain.BalanceRecord)
		s.balances[intentID] = scoped
	}
	scoped[key] = rec
	return nil
}
