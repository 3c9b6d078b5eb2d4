package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowmata/flowmata/core/variables"
)

// MemoryStore is an in-memory Store for unit tests. It honors the same
// contracts as the Redis implementation, including CAS-once timer
// transitions and atomic token replacement.
type MemoryStore struct {
	mu sync.Mutex

	tokens map[string]map[string]Token         // instanceID -> tokenID -> token
	vars   map[string]map[string][]varVersion  // instanceID -> "scope|name" -> versions
	timers map[string]TimerRecord              // timerID -> record
	locks  map[string]time.Time                // instanceID -> expiry
	wakes  []chan struct{}
}

type varVersion struct {
	version int
	value   variables.Value
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: map[string]map[string]Token{},
		vars:   map[string]map[string][]varVersion{},
		timers: map[string]TimerRecord{},
		locks:  map[string]time.Time{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetTokenPositions(_ context.Context, instanceID string) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make([]Token, 0, len(s.tokens[instanceID]))
	for _, t := range s.tokens[instanceID] {
		tokens = append(tokens, t)
	}
	sortTokensFIFO(tokens)
	return tokens, nil
}

func (s *MemoryStore) AddToken(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens[token.InstanceID] == nil {
		s.tokens[token.InstanceID] = map[string]Token{}
	}
	s.tokens[token.InstanceID][token.ID] = token
	return nil
}

func (s *MemoryStore) RemoveToken(_ context.Context, instanceID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[instanceID][tokenID]; !ok {
		return ErrTokenNotFound
	}
	delete(s.tokens[instanceID], tokenID)
	return nil
}

func (s *MemoryStore) UpdateToken(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.InstanceID][token.ID]; !ok {
		return ErrTokenNotFound
	}
	s.tokens[token.InstanceID][token.ID] = token
	return nil
}

func (s *MemoryStore) CommitTokens(_ context.Context, instanceID string, consumedIDs []string, produced []Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range consumedIDs {
		if _, ok := s.tokens[instanceID][id]; !ok {
			return ErrTokenNotFound
		}
	}
	for _, id := range consumedIDs {
		delete(s.tokens[instanceID], id)
	}
	if s.tokens[instanceID] == nil {
		s.tokens[instanceID] = map[string]Token{}
	}
	for _, t := range produced {
		s.tokens[instanceID][t.ID] = t
	}
	return nil
}

func (s *MemoryStore) DeleteTokens(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, instanceID)
	return nil
}

func (s *MemoryStore) ClearScopeTokens(_ context.Context, instanceID, scopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tokens[instanceID] {
		if t.ScopeID == scopeID {
			delete(s.tokens[instanceID], id)
		}
	}
	return nil
}

func (s *MemoryStore) SetVariable(_ context.Context, instanceID, name, scopeID string, value variables.Value) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vars[instanceID] == nil {
		s.vars[instanceID] = map[string][]varVersion{}
	}
	key := scopeID + "|" + name
	version := len(s.vars[instanceID][key]) + 1
	s.vars[instanceID][key] = append(s.vars[instanceID][key], varVersion{version: version, value: value})
	return version, nil
}

func (s *MemoryStore) GetVariable(_ context.Context, instanceID, name, scopeID string, atVersion int) (*variables.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := s.lookupVar(instanceID, name, scopeID, atVersion); v != nil {
		return v, nil
	}
	if scopeID != "" {
		return s.lookupVar(instanceID, name, "", atVersion), nil
	}
	return nil, nil
}

func (s *MemoryStore) lookupVar(instanceID, name, scopeID string, atVersion int) *variables.Value {
	versions := s.vars[instanceID][scopeID+"|"+name]
	if len(versions) == 0 {
		return nil
	}
	idx := len(versions) - 1
	if atVersion > 0 && atVersion < versions[idx].version {
		idx = atVersion - 1
	}
	value := versions[idx].value
	return &value
}

func (s *MemoryStore) ListVariables(_ context.Context, instanceID string) ([]VersionedVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []VersionedVariable
	for key, versions := range s.vars[instanceID] {
		if len(versions) == 0 {
			continue
		}
		scopeID, name := splitVarKey(key)
		latest := versions[len(versions)-1]
		out = append(out, VersionedVariable{
			Name:    name,
			ScopeID: scopeID,
			Version: latest.version,
			Value:   latest.value,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeID != out[j].ScopeID {
			return out[i].ScopeID < out[j].ScopeID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func splitVarKey(key string) (scopeID, name string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

func (s *MemoryStore) PutTimer(_ context.Context, rec TimerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[rec.ID] = rec
	if rec.State == TimerArmed {
		for _, ch := range s.wakes {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (s *MemoryStore) GetTimer(_ context.Context, id string) (*TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.timers[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) DueTimers(_ context.Context, now time.Time) ([]TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedBefore(now), nil
}

func (s *MemoryStore) ArmedTimers(_ context.Context) ([]TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedBefore(time.Time{}), nil
}

// armedBefore returns armed records, earliest first. A zero cutoff
// means all armed records.
func (s *MemoryStore) armedBefore(cutoff time.Time) []TimerRecord {
	var recs []TimerRecord
	for _, rec := range s.timers {
		if rec.State != TimerArmed {
			continue
		}
		if !cutoff.IsZero() && rec.FireAt.After(cutoff) {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].FireAt.Equal(recs[j].FireAt) {
			return recs[i].FireAt.Before(recs[j].FireAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs
}

func (s *MemoryStore) MarkTimerFired(_ context.Context, id string) (bool, error) {
	return s.casTimer(id, TimerFired), nil
}

func (s *MemoryStore) CancelTimer(_ context.Context, id string) (bool, error) {
	return s.casTimer(id, TimerCancelled), nil
}

func (s *MemoryStore) casTimer(id string, target TimerRecordState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.timers[id]
	if !ok || rec.State != TimerArmed {
		return false
	}
	rec.State = target
	s.timers[id] = rec
	return true
}

func (s *MemoryStore) CancelNodeTimers(_ context.Context, instanceID, nodeID string) error {
	s.mu.Lock()
	var ids []string
	for id, rec := range s.timers {
		if rec.InstanceID == instanceID && rec.NodeID == nodeID && rec.State == TimerArmed {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.casTimer(id, TimerCancelled)
	}
	return nil
}

func (s *MemoryStore) WatchTimers(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.wakes = append(s.wakes, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.wakes {
			if w == ch {
				s.wakes = append(s.wakes[:i], s.wakes[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, instanceID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, held := s.locks[instanceID]; held && expiry.After(now) {
		return false, nil
	}
	s.locks[instanceID] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, instanceID)
	return nil
}
