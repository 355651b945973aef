package pause

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/medicoord/model"
)

// OperationStore persists operation snapshots so paused work survives a
// process restart. The in-memory manager state remains authoritative
// while the process lives; the store is a recovery aid, not a durability
// guarantee.
type OperationStore interface {
	// Save persists an operation record, overwriting any previous one.
	Save(ctx context.Context, rec model.OperationRecord, ttl time.Duration) error

	// Load retrieves an operation record by id. The second return is
	// false when no record exists.
	Load(ctx context.Context, operationID string) (model.OperationRecord, bool, error)

	// Delete removes an operation record. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, operationID string) error
}

// --- MemoryOperationStore ---

// MemoryOperationStore is an in-memory OperationStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryOperationStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	rec       model.OperationRecord
	expiresAt time.Time
}

// NewMemoryOperationStore creates an empty in-memory operation store.
func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{
		entries: make(map[string]*memEntry),
	}
}

// Save persists a record. A zero TTL means no expiration.
func (s *MemoryOperationStore) Save(_ context.Context, rec model.OperationRecord, ttl time.Duration) error {
	entry := &memEntry{rec: rec}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[rec.ID] = entry
	s.mu.Unlock()
	return nil
}

// Load retrieves a record, honoring TTL.
func (s *MemoryOperationStore) Load(_ context.Context, operationID string) (model.OperationRecord, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[operationID]
	s.mu.RUnlock()

	if !exists {
		return model.OperationRecord{}, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, operationID)
		s.mu.Unlock()
		return model.OperationRecord{}, false, nil
	}
	return entry.rec, true, nil
}

// Delete removes a record.
func (s *MemoryOperationStore) Delete(_ context.Context, operationID string) error {
	s.mu.Lock()
	delete(s.entries, operationID)
	s.mu.Unlock()
	return nil
}

// --- RedisOperationStore ---

// RedisOperationStore is a Redis-backed OperationStore with JSON values.
type RedisOperationStore struct {
	client redis.Cmdable
}

// NewRedisOperationStore creates a Redis-backed operation store.
func NewRedisOperationStore(client redis.Cmdable) *RedisOperationStore {
	return &RedisOperationStore{client: client}
}

func operationKey(operationID string) string {
	return fmt.Sprintf("op:%s", operationID)
}

// Save persists a record in Redis. A zero TTL means no expiration.
func (s *RedisOperationStore) Save(ctx context.Context, rec model.OperationRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal operation record: %w", err)
	}
	if err := s.client.Set(ctx, operationKey(rec.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", rec.ID, err)
	}
	return nil
}

// Load retrieves a record from Redis.
func (s *RedisOperationStore) Load(ctx context.Context, operationID string) (model.OperationRecord, bool, error) {
	raw, err := s.client.Get(ctx, operationKey(operationID)).Bytes()
	if err == redis.Nil {
		return model.OperationRecord{}, false, nil
	}
	if err != nil {
		return model.OperationRecord{}, false, fmt.Errorf("redis get %q: %w", operationID, err)
	}

	var rec model.OperationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.OperationRecord{}, false, fmt.Errorf("unmarshal operation record %q: %w", operationID, err)
	}
	return rec, true, nil
}

// Delete removes a record from Redis.
func (s *RedisOperationStore) Delete(ctx context.Context, operationID string) error {
	if err := s.client.Del(ctx, operationKey(operationID)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", operationID, err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity. Only the concrete client
// supports ping; Cmdable covers both single clients and clusters.
func (s *RedisOperationStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
