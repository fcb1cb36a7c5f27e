// Package balance reports the live value of stored-value instruments. Lookups
// are batched per payment intent; a key the cache has never seen is simply
// absent from the result, it is the caller's job to decide whether that is an
// error.
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"splitpay/internal/domain"
)

// Service is the balance collaborator contract.
type Service interface {
	FetchBalances(ctx context.Context, intentID string, keys []domain.BalanceKey) (map[domain.BalanceKey]domain.BalanceRecord, error)
	SetBalance(ctx context.Context, intentID string, key domain.BalanceKey, rec domain.BalanceRecord) error
}

func hashKey(intentID string) string {
	return "pm_balances:" + intentID
}

func fieldFor(k domain.BalanceKey) string {
	return strings.Join([]string{string(k.MethodType), k.MethodSubtype, k.MethodKey}, ":")
}

// RedisService stores balances in one hash per intent, one field per balance
// key.
type RedisService struct {
	Client *redis.Client
}

func NewRedis(addr, password string, db int) *RedisService {
	return &RedisService{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisService) FetchBalances(ctx context.Context, intentID string, keys []domain.BalanceKey) (map[domain.BalanceKey]domain.BalanceRecord, error) {
	res := make(map[domain.BalanceKey]domain.BalanceRecord, len(keys))
	if len(keys) == 0 {
		return res, nil
	}
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = fieldFor(k)
	}
	values, err := s.Client.HMGet(ctx, hashKey(intentID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch balances for %s: %w", intentID, err)
	}
	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected balance value type %T for %s", v, fields[i])
		}
		var rec domain.BalanceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode balance record for %s: %w", fields[i], err)
		}
		res[keys[i]] = rec
	}
	return res, nil
}

func (s *RedisService) SetBalance(ctx context.Context, intentID string, key domain.BalanceKey, rec domain.BalanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Client.HSet(ctx, hashKey(intentID), fieldFor(key), string(data)).Err()
}

func (s *RedisService) Close() error {
	return s.Client.Close()
}
