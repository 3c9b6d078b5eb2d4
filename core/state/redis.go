package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/common/redis"
	"github.com/flowmata/flowmata/core/variables"
)

// Key layout:
//
//	tokens:{instance_id}                  hash token_id -> token JSON
//	var:{instance_id}:{scope}:{name}:{v}  typed value JSON
//	varidx:{instance_id}:{scope}:{name}   latest version counter
//	vars:{instance_id}                    set of "scope|name" pairs
//	timer:{fire_time_iso}:{id}            TimerRecord JSON
//	timers                                zset of timer keys by fire time
//	timeridx:{id}                         timer id -> record key
//	timernode:{instance_id}:{node_id}     set of timer ids on a node
//	lock:instance:{instance_id}           advisory lock with TTL
const timersZSet = "timers"

// timerChannel carries wake-up signals for the scheduler
const timerChannel = "timers:armed"

// RedisStore is the Redis-backed state store
type RedisStore struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client, log *logger.Logger) *RedisStore {
	return &RedisStore{client: client, log: log}
}

var _ Store = (*RedisStore)(nil)

func tokensKey(instanceID string) string { return "tokens:" + instanceID }

func varKey(instanceID, scopeID, name string, version int) string {
	return fmt.Sprintf("var:%s:%s:%s:%d", instanceID, scopeID, name, version)
}

func varIdxKey(instanceID, scopeID, name string) string {
	return fmt.Sprintf("varidx:%s:%s:%s", instanceID, scopeID, name)
}

func varsKey(instanceID string) string { return "vars:" + instanceID }

func timerKey(rec TimerRecord) string {
	return fmt.Sprintf("timer:%s:%s", rec.FireAt.UTC().Format(time.RFC3339Nano), rec.ID)
}

func timerIdxKey(id string) string { return "timeridx:" + id }

func timerNodeKey(instanceID, nodeID string) string {
	return fmt.Sprintf("timernode:%s:%s", instanceID, nodeID)
}

func lockKey(instanceID string) string { return "lock:instance:" + instanceID }

// GetTokenPositions returns all tokens of an instance
func (s *RedisStore) GetTokenPositions(ctx context.Context, instanceID string) ([]Token, error) {
	blobs, err := s.client.GetUnderlying().HGetAll(ctx, tokensKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get token positions for %s: %w", instanceID, err)
	}

	tokens := make([]Token, 0, len(blobs))
	for _, blob := range blobs {
		var t Token
		if err := json.Unmarshal([]byte(blob), &t); err != nil {
			return nil, fmt.Errorf("decode token for %s: %w", instanceID, err)
		}
		tokens = append(tokens, t)
	}
	sortTokensFIFO(tokens)
	return tokens, nil
}

// AddToken persists a token
func (s *RedisStore) AddToken(ctx context.Context, token Token) error {
	blob, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.client.GetUnderlying().HSet(ctx, tokensKey(token.InstanceID), token.ID, blob).Err(); err != nil {
		return fmt.Errorf("add token %s: %w", token.ID, err)
	}
	s.log.Debug("token added", "instance_id", token.InstanceID, "node_id", token.NodeID, "token_id", token.ID)
	return nil
}

// RemoveToken deletes a token by id
func (s *RedisStore) RemoveToken(ctx context.Context, instanceID, tokenID string) error {
	removed, err := s.client.GetUnderlying().HDel(ctx, tokensKey(instanceID), tokenID).Result()
	if err != nil {
		return fmt.Errorf("remove token %s: %w", tokenID, err)
	}
	if removed == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// UpdateToken rewrites a token in place (state changes, data updates)
func (s *RedisStore) UpdateToken(ctx context.Context, token Token) error {
	key := tokensKey(token.InstanceID)
	return s.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.HExists(ctx, key, token.ID).Result()
		if err != nil {
			return err
		}
		if !exists {
			return ErrTokenNotFound
		}
		blob, err := json.Marshal(token)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, token.ID, blob)
			return nil
		})
		return err
	}, key)
}

// CommitTokens deletes consumed ids and writes produced tokens in one
// WATCH transaction over the instance's token hash.
func (s *RedisStore) CommitTokens(ctx context.Context, instanceID string, consumedIDs []string, produced []Token) error {
	key := tokensKey(instanceID)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		for _, id := range consumedIDs {
			exists, err := tx.HExists(ctx, key, id).Result()
			if err != nil {
				return err
			}
			if !exists {
				return ErrTokenNotFound
			}
		}
		blobs := make(map[string][]byte, len(produced))
		for _, t := range produced {
			blob, err := json.Marshal(t)
			if err != nil {
				return err
			}
			blobs[t.ID] = blob
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if len(consumedIDs) > 0 {
				pipe.HDel(ctx, key, consumedIDs...)
			}
			for id, blob := range blobs {
				pipe.HSet(ctx, key, id, blob)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return err
		}
		return fmt.Errorf("commit tokens for %s: %w", instanceID, err)
	}
	return nil
}

// DeleteTokens removes every token of an instance
func (s *RedisStore) DeleteTokens(ctx context.Context, instanceID string) error {
	return s.client.Delete(ctx, tokensKey(instanceID))
}

// ClearScopeTokens removes all tokens within a scope
func (s *RedisStore) ClearScopeTokens(ctx context.Context, instanceID, scopeID string) error {
	tokens, err := s.GetTokenPositions(ctx, instanceID)
	if err != nil {
		return err
	}
	var ids []string
	for _, t := range tokens {
		if t.ScopeID == scopeID {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.GetUnderlying().HDel(ctx, tokensKey(instanceID), ids...).Err(); err != nil {
		return fmt.Errorf("clear scope %s tokens: %w", scopeID, err)
	}
	return nil
}

// SetVariable appends a new version for (instance, name, scope)
func (s *RedisStore) SetVariable(ctx context.Context, instanceID, name, scopeID string, value variables.Value) (int, error) {
	version, err := s.client.Incr(ctx, varIdxKey(instanceID, scopeID, name))
	if err != nil {
		return 0, fmt.Errorf("bump variable version %s: %w", name, err)
	}

	blob, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode variable %s: %w", name, err)
	}
	if err := s.client.Set(ctx, varKey(instanceID, scopeID, name, int(version)), string(blob), 0); err != nil {
		return 0, err
	}
	if err := s.client.SAdd(ctx, varsKey(instanceID), scopeID+"|"+name); err != nil {
		return 0, err
	}
	return int(version), nil
}

// GetVariable reads the latest version <= atVersion (0 = latest). A
// scoped read falls back to the root scope when the name is absent in
// the requested scope.
func (s *RedisStore) GetVariable(ctx context.Context, instanceID, name, scopeID string, atVersion int) (*variables.Value, error) {
	v, err := s.getVariableInScope(ctx, instanceID, name, scopeID, atVersion)
	if err != nil {
		return nil, err
	}
	if v == nil && scopeID != "" {
		return s.getVariableInScope(ctx, instanceID, name, "", atVersion)
	}
	return v, nil
}

func (s *RedisStore) getVariableInScope(ctx context.Context, instanceID, name, scopeID string, atVersion int) (*variables.Value, error) {
	latestStr, err := s.client.Get(ctx, varIdxKey(instanceID, scopeID, name))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	latest, err := strconv.Atoi(latestStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt version counter for %s: %w", name, err)
	}

	// Versions are dense 1..latest, so the greatest version <= the
	// snapshot is min(latest, atVersion).
	version := latest
	if atVersion > 0 && atVersion < latest {
		version = atVersion
	}

	blob, err := s.client.Get(ctx, varKey(instanceID, scopeID, name, version))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var value variables.Value
	if err := json.Unmarshal([]byte(blob), &value); err != nil {
		return nil, fmt.Errorf("decode variable %s: %w", name, err)
	}
	return &value, nil
}

// ListVariables returns the latest version of every (name, scope) pair
func (s *RedisStore) ListVariables(ctx context.Context, instanceID string) ([]VersionedVariable, error) {
	pairs, err := s.client.SMembers(ctx, varsKey(instanceID))
	if err != nil {
		return nil, err
	}

	vars := make([]VersionedVariable, 0, len(pairs))
	for _, pair := range pairs {
		scopeID, name, ok := strings.Cut(pair, "|")
		if !ok {
			continue
		}
		latestStr, err := s.client.Get(ctx, varIdxKey(instanceID, scopeID, name))
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		latest, err := strconv.Atoi(latestStr)
		if err != nil {
			continue
		}
		value, err := s.getVariableInScope(ctx, instanceID, name, scopeID, 0)
		if err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		vars = append(vars, VersionedVariable{
			Name:    name,
			ScopeID: scopeID,
			Version: latest,
			Value:   *value,
		})
	}
	return vars, nil
}

// PutTimer persists a timer record under a key sorted by fire time and
// signals the scheduler wake-up channel.
func (s *RedisStore) PutTimer(ctx context.Context, rec TimerRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode timer %s: %w", rec.ID, err)
	}

	key := timerKey(rec)
	if err := s.client.Set(ctx, key, string(blob), 0); err != nil {
		return err
	}
	if err := s.client.Set(ctx, timerIdxKey(rec.ID), key, 0); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, timersZSet, float64(rec.FireAt.UTC().UnixMilli()), key); err != nil {
		return err
	}
	if rec.InstanceID != "" {
		if err := s.client.SAdd(ctx, timerNodeKey(rec.InstanceID, rec.NodeID), rec.ID); err != nil {
			return err
		}
	}
	if rec.State == TimerArmed {
		// Best effort: a lost wake-up only delays firing until the
		// scheduler's next poll.
		_ = s.client.PublishEvent(ctx, timerChannel, rec.ID)
	}
	return nil
}

// GetTimer loads a record by id
func (s *RedisStore) GetTimer(ctx context.Context, id string) (*TimerRecord, error) {
	key, err := s.client.Get(ctx, timerIdxKey(id))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.getTimerByKey(ctx, key)
}

func (s *RedisStore) getTimerByKey(ctx context.Context, key string) (*TimerRecord, error) {
	blob, err := s.client.Get(ctx, key)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec TimerRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, fmt.Errorf("decode timer at %s: %w", key, err)
	}
	return &rec, nil
}

// DueTimers returns armed records with fire time <= now, earliest first
func (s *RedisStore) DueTimers(ctx context.Context, now time.Time) ([]TimerRecord, error) {
	return s.rangeTimers(ctx, "-inf", strconv.FormatInt(now.UTC().UnixMilli(), 10))
}

// ArmedTimers returns every armed record, earliest first
func (s *RedisStore) ArmedTimers(ctx context.Context) ([]TimerRecord, error) {
	return s.rangeTimers(ctx, "-inf", "+inf")
}

func (s *RedisStore) rangeTimers(ctx context.Context, min, max string) ([]TimerRecord, error) {
	keys, err := s.client.ZRangeByScore(ctx, timersZSet, min, max)
	if err != nil {
		return nil, err
	}
	var recs []TimerRecord
	for _, key := range keys {
		rec, err := s.getTimerByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.State == TimerArmed {
			recs = append(recs, *rec)
		}
	}
	return recs, nil
}

// MarkTimerFired CAS-transitions armed -> fired
func (s *RedisStore) MarkTimerFired(ctx context.Context, id string) (bool, error) {
	return s.casTimerState(ctx, id, TimerFired)
}

// CancelTimer CAS-transitions armed -> cancelled
func (s *RedisStore) CancelTimer(ctx context.Context, id string) (bool, error) {
	return s.casTimerState(ctx, id, TimerCancelled)
}

func (s *RedisStore) casTimerState(ctx context.Context, id string, target TimerRecordState) (bool, error) {
	key, err := s.client.Get(ctx, timerIdxKey(id))
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	won := false
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		blob, err := tx.Get(ctx, key).Result()
		if err == goredis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var rec TimerRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return fmt.Errorf("decode timer %s: %w", id, err)
		}
		if rec.State != TimerArmed {
			// A racing fire/cancel already owns this record.
			return nil
		}
		rec.State = target
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.ZRem(ctx, timersZSet, key)
			return nil
		})
		if err == nil {
			won = true
		}
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("cas timer %s -> %s: %w", id, target, err)
	}
	return won, nil
}

// CancelNodeTimers cancels every armed timer parked on a node
func (s *RedisStore) CancelNodeTimers(ctx context.Context, instanceID, nodeID string) error {
	ids, err := s.client.SMembers(ctx, timerNodeKey(instanceID, nodeID))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.CancelTimer(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// WatchTimers subscribes to timer arm notifications
func (s *RedisStore) WatchTimers(ctx context.Context) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, timerChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe timer channel: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// AcquireLock takes the per-instance advisory lock
func (s *RedisStore) AcquireLock(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, lockKey(instanceID), "1", ttl)
}

// ReleaseLock drops the per-instance advisory lock
func (s *RedisStore) ReleaseLock(ctx context.Context, instanceID string) error {
	return s.client.Delete(ctx, lockKey(instanceID))
}
