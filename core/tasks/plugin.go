package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/flowmata/flowmata/common/logger"
)

// RegisterFunc is the symbol a task plugin must export. The plugin
// registers its tasks against the engine's registry.
type RegisterFunc func(*Registry) error

const registerSymbol = "RegisterTasks"

// DiscoverPlugins loads every Go plugin (.so) in dir and calls its
// RegisterTasks symbol. A missing or empty dir is not an error; a
// plugin that fails to load or register is.
func DiscoverPlugins(dir string, registry *Registry, log *logger.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		log.Debug("plugin directory does not exist, skipping", "dir", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plugin dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := loadPlugin(path, registry); err != nil {
			return fmt.Errorf("load plugin %s: %w", entry.Name(), err)
		}
		log.Info("task plugin loaded", "plugin", entry.Name())
		loaded++
	}
	if loaded > 0 {
		log.Info("plugin discovery complete", "loaded", loaded, "tasks", registry.List())
	}
	return nil
}

func loadPlugin(path string, registry *Registry) error {
	p, err := plugin.Open(path)
	if err != nil {
		return err
	}
	sym, err := p.Lookup(registerSymbol)
	if err != nil {
		return fmt.Errorf("missing %s symbol: %w", registerSymbol, err)
	}
	register, ok := sym.(func(*Registry) error)
	if !ok {
		return fmt.Errorf("%s has wrong signature %T", registerSymbol, sym)
	}
	return register(registry)
}
