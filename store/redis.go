package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/onnwee/stream-herald/notify"
)

// DefaultRedisPrefix namespaces the two hashes.
const DefaultRedisPrefix = "herald"

// RedisStore keeps states and subjects in two hashes of JSON values. Durability
// follows the server's persistence settings (AOF with fsync for strict guarantees).
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyStates() string   { return r.prefix + ":states" }
func (r *RedisStore) keySubjects() string { return r.prefix + ":subjects" }

func (r *RedisStore) Get(ctx context.Context, key string) (notify.SubjectState, bool, error) {
	raw, err := r.client.HGet(ctx, r.keyStates(), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return notify.SubjectState{}, false, nil
	}
	if err != nil {
		return notify.SubjectState{}, false, fmt.Errorf("get state %s: %w", key, err)
	}
	var st notify.SubjectState
	if err := json.Unmarshal(raw, &st); err != nil {
		return notify.SubjectState{}, false, fmt.Errorf("decode state %s: %w", key, err)
	}
	return st, true, nil
}

func (r *RedisStore) Put(ctx context.Context, st notify.SubjectState) error {
	if st.SubjectKey == "" {
		return fmt.Errorf("put: subject key empty")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.client.HSet(ctx, r.keyStates(), st.SubjectKey, raw).Err(); err != nil {
		return fmt.Errorf("put state %s: %w", st.SubjectKey, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	return r.client.HDel(ctx, r.keyStates(), key).Err()
}

func (r *RedisStore) List(ctx context.Context) ([]notify.SubjectState, error) {
	all, err := r.client.HGetAll(ctx, r.keyStates()).Result()
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	out := make([]notify.SubjectState, 0, len(all))
	for k, v := range all {
		var st notify.SubjectState
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", k, err)
		}
		out = append(out, st)
	}
	sortStates(out)
	return out, nil
}

func (r *RedisStore) AddSubject(ctx context.Context, s notify.Subject) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	added, err := r.client.HSetNX(ctx, r.keySubjects(), s.Key(), raw).Result()
	if err != nil {
		return fmt.Errorf("add subject %s: %w", s.Key(), err)
	}
	if !added {
		return ErrSubjectExists
	}
	return nil
}

func (r *RedisStore) RemoveSubject(ctx context.Context, key string) error {
	var removed *goredis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.HDel(ctx, r.keySubjects(), key)
		pipe.HDel(ctx, r.keyStates(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove subject %s: %w", key, err)
	}
	if removed.Val() == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func (r *RedisStore) Subjects(ctx context.Context) ([]notify.Subject, error) {
	all, err := r.client.HGetAll(ctx, r.keySubjects()).Result()
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	out := make([]notify.Subject, 0, len(all))
	for k, v := range all {
		var s notify.Subject
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, fmt.Errorf("decode subject %s: %w", k, err)
		}
		out = append(out, s)
	}
	sortSubjects(out)
	return out, nil
}

func (r *RedisStore) HasSubject(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.keySubjects(), key).Result()
	if err != nil {
		return false, fmt.Errorf("lookup subject %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }
