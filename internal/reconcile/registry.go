package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fentz26/vaultsync/internal/connectors"
	"github.com/fentz26/vaultsync/internal/connectors/localexec"
	"github.com/fentz26/vaultsync/internal/models"
)

// Factory builds the adapter for one source.
type Factory func(src models.Source) (connectors.Adapter, error)

// Registry maps plugin names to built-in adapters. Plugins without a
// built-in run as subprocesses.
type Registry struct {
	factories  map[string]Factory
	pluginsDir string
	mu         sync.RWMutex
}

// NewRegistry creates a registry. pluginsDir is searched for
// <plugin>/read and <plugin>/write when a source names no commands.
func NewRegistry(pluginsDir string) *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		pluginsDir: pluginsDir,
	}
}

// Register adds or replaces the built-in adapter for a plugin.
func (r *Registry) Register(plugin string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if plugin == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", plugin)
	}
	r.factories[plugin] = f
	return nil
}

// Plugins returns the registered built-in plugin names, sorted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the adapter for a source. Explicit commands take
// precedence over built-ins so a user can replace one.
func (r *Registry) Resolve(src models.Source) (connectors.Adapter, error) {
	if len(src.ReadCommand) == 0 && len(src.WriteCommand) == 0 {
		r.mu.RLock()
		f, ok := r.factories[src.Plugin]
		r.mu.RUnlock()
		if ok {
			return f(src)
		}
	}

	read := src.ReadCommand
	if len(read) == 0 {
		read = r.discover(src.Plugin, "read")
	}
	write := src.WriteCommand
	if len(write) == 0 {
		write = r.discover(src.Plugin, "write")
	}
	return localexec.New(read, write, src.WorkDir), nil
}

func (r *Registry) discover(plugin, verb string) []string {
	if r.pluginsDir == "" {
		return nil
	}
	p := filepath.Join(r.pluginsDir, plugin, verb)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return nil
	}
	return []string{p}
}
