package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/redis"
)

const (
	executionKeyPrefix = "docingest:execution:"
	taskKeyPrefix      = "docingest:task:"
)

// Registry persists executions and the tokens they are parked on.
type Registry interface {
	PutExecution(ctx context.Context, e *Execution) error
	// GetExecution returns apperrors.ErrExecutionNotFound for unknown refs.
	GetExecution(ctx context.Context, ref string) (*Execution, error)
	ParkToken(ctx context.Context, token, executionRef string) error
	// TakeToken consumes a token exactly once; a second take, or a token
	// that was never parked, returns apperrors.ErrTaskNotFound.
	TakeToken(ctx context.Context, token string) (string, error)
}

// KV is the subset of pkg/redis the registry needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetDel(ctx context.Context, key string) (string, error)
}

// RedisRegistry keeps executions as JSON strings and parked tokens as
// token -> execution ref, both expiring after ttl.
type RedisRegistry struct {
	kv  KV
	ttl time.Duration
}

func NewRedisRegistry(kv KV, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisRegistry{kv: kv, ttl: ttl}
}

func (r *RedisRegistry) PutExecution(ctx context.Context, e *Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding execution %s: %w", e.Ref, err)
	}
	if err := r.kv.Set(ctx, executionKeyPrefix+e.Ref, string(b), r.ttl); err != nil {
		return fmt.Errorf("saving execution %s: %w", e.Ref, err)
	}
	return nil
}

func (r *RedisRegistry) GetExecution(ctx context.Context, ref string) (*Execution, error) {
	raw, err := r.kv.Get(ctx, executionKeyPrefix+ref)
	if redis.IsNilError(err) {
		return nil, fmt.Errorf("execution %s: %w", ref, apperrors.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", ref, err)
	}
	var e Execution
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", ref, err)
	}
	return &e, nil
}

func (r *RedisRegistry) ParkToken(ctx context.Context, token, executionRef string) error {
	if err := r.kv.Set(ctx, taskKeyPrefix+token, executionRef, r.ttl); err != nil {
		return fmt.Errorf("parking token for %s: %w", executionRef, err)
	}
	return nil
}

func (r *RedisRegistry) TakeToken(ctx context.Context, token string) (string, error) {
	ref, err := r.kv.GetDel(ctx, taskKeyPrefix+token)
	if redis.IsNilError(err) {
		return "", apperrors.ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("taking token: %w", err)
	}
	return ref, nil
}
