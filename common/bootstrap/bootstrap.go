// Package bootstrap assembles the engine's components in dependency
// order and tears them down in reverse on shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmata/flowmata/common/config"
	"github.com/flowmata/flowmata/common/db"
	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/common/redis"
	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/bus"
	"github.com/flowmata/flowmata/core/dispatch"
	"github.com/flowmata/flowmata/core/engine"
	"github.com/flowmata/flowmata/core/instance"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/tasks"
	"github.com/flowmata/flowmata/core/timer"
)

// Components holds every wired subsystem
type Components struct {
	Config *config.Config
	Logger *logger.Logger

	DB    *db.DB
	Redis *redis.Client

	Store    state.Store
	Bus      bus.Bus
	Registry *tasks.Registry

	Manager    *instance.Manager
	Executor   *engine.Executor
	Scheduler  *timer.Scheduler
	Dispatcher *dispatch.Dispatcher

	cleanup []func() error
}

// onCleanup registers a teardown step; steps run LIFO on Close
func (c *Components) onCleanup(fn func() error) {
	c.cleanup = append(c.cleanup, fn)
}

// Close tears components down in reverse construction order,
// collecting every error.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		if err := c.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds components from configuration. Options override the
// default production wiring, primarily for tests.
func New(ctx context.Context, opts ...Option) (*Components, error) {
	c := &Components{}
	for _, opt := range opts {
		opt(c)
	}

	if c.Config == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		c.Config = cfg
	}
	if c.Logger == nil {
		c.Logger = logger.New(c.Config.Logging.Level, c.Config.Logging.Format)
	}

	if c.DB == nil {
		database, err := db.New(ctx, c.Config, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		c.DB = database
		c.onCleanup(func() error { c.DB.Close(); return nil })
	}

	if c.Redis == nil {
		client, err := redis.Connect(ctx, c.Config, c.Logger)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.Redis = client
		c.onCleanup(c.Redis.Close)
	}

	if c.Store == nil {
		c.Store = state.NewRedisStore(c.Redis, c.Logger)
	}
	if c.Bus == nil {
		c.Bus = bus.NewRedisBus(c.Redis, c.Logger)
		c.onCleanup(c.Bus.Close)
	}

	if c.Registry == nil {
		c.Registry = tasks.NewRegistry()
		if err := tasks.DiscoverPlugins(c.Config.Plugins.Dir, c.Registry, c.Logger); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("discover plugins: %w", err)
		}
	}

	repo := instance.NewPostgresRepository(c.DB)
	c.Manager = instance.NewManager(repo, c.Store, bpmn.NewXMLParser(), c.Logger)
	c.Executor = engine.NewExecutor(c.Store, c.Manager, c.Registry, c.Config.Process.ScriptTimeout, c.Logger)
	c.Scheduler = timer.NewScheduler(c.Store, c.Bus, c.Logger)
	c.Dispatcher = dispatch.NewDispatcher(c.Manager, c.Executor, c.Store, c.Bus, c.Config.Process.MaxRetries, c.Logger)

	return c, nil
}
