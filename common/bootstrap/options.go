package bootstrap

import (
	"github.com/flowmata/flowmata/common/config"
	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bus"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/tasks"
)

// Option overrides a component before wiring
type Option func(*Components)

// WithConfig supplies a pre-built configuration
func WithConfig(cfg *config.Config) Option {
	return func(c *Components) { c.Config = cfg }
}

// WithLogger supplies a pre-built logger
func WithLogger(log *logger.Logger) Option {
	return func(c *Components) { c.Logger = log }
}

// WithStore swaps the state store implementation
func WithStore(store state.Store) Option {
	return func(c *Components) { c.Store = store }
}

// WithBus swaps the event bus implementation
func WithBus(b bus.Bus) Option {
	return func(c *Components) { c.Bus = b }
}

// WithRegistry supplies a pre-populated task registry, skipping
// plugin discovery
func WithRegistry(registry *tasks.Registry) Option {
	return func(c *Components) { c.Registry = registry }
}
