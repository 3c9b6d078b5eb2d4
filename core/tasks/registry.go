// Package tasks implements the service task registry. Task
// implementations are registered by name at startup, either directly or
// through discovered plugins, and invoked by the executor when a token
// reaches a service task node.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Context is the call context handed to a task implementation
type Context struct {
	InstanceID string
	NodeID     string

	// Variables is a read snapshot of instance variables, by name, in
	// the token's scope.
	Variables map[string]interface{}

	// Properties are the node's task configuration values from the
	// process definition.
	Properties map[string]interface{}
}

// Result carries variable updates a task wants applied to the instance
type Result struct {
	// Variables maps name -> tagged {type, value} updates to write
	// back after the task returns.
	Variables map[string]TaggedUpdate
}

// TaggedUpdate is a typed variable write requested by a task
type TaggedUpdate struct {
	Type  string
	Value interface{}
}

// Task is a named service task implementation
type Task interface {
	Name() string
	Execute(ctx context.Context, call Context) (*Result, error)
}

// Registry holds the available task implementations
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tasks: map[string]Task{}}
}

// Register adds a task; a duplicate name is a configuration error
func (r *Registry) Register(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := task.Name()
	if name == "" {
		return fmt.Errorf("task name must not be empty")
	}
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.tasks[name] = task
	return nil
}

// Get looks up a task by name
func (r *Registry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	return task, ok
}

// List returns registered task names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a plain function into a Task
type Func struct {
	TaskName string
	Fn       func(ctx context.Context, call Context) (*Result, error)
}

func (f Func) Name() string { return f.TaskName }

func (f Func) Execute(ctx context.Context, call Context) (*Result, error) {
	return f.Fn(ctx, call)
}
