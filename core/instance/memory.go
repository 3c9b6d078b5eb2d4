package instance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository for unit tests
type MemoryRepository struct {
	mu          sync.Mutex
	definitions map[string]Definition
	instances   map[string]Instance
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		definitions: map[string]Definition{},
		instances:   map[string]Instance{},
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) CreateDefinition(_ context.Context, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	r.definitions[def.ID] = def
	return nil
}

func (r *MemoryRepository) GetDefinition(_ context.Context, id string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &def, nil
}

func (r *MemoryRepository) GetLatestDefinition(_ context.Context, name string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Definition
	for _, def := range r.definitions {
		if def.Name != name {
			continue
		}
		if latest == nil || def.Version > latest.Version {
			d := def
			latest = &d
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (r *MemoryRepository) CreateInstance(_ context.Context, inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	r.instances[inst.ID] = inst
	return nil
}

func (r *MemoryRepository) GetInstance(_ context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (r *MemoryRepository) UpdateInstance(_ context.Context, inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = inst.Status
	existing.ErrorContext = inst.ErrorContext
	existing.EndTime = inst.EndTime
	existing.UpdatedAt = time.Now().UTC()
	r.instances[inst.ID] = existing
	return nil
}

func (r *MemoryRepository) ListInstances(_ context.Context, definitionID string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Instance
	for _, inst := range r.instances {
		if inst.DefinitionID == definitionID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
