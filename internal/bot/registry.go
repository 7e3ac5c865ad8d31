package bot

import (
	"fmt"
	"sort"
	"sync"
)

// Plugin holds the factories a platform package contributes. Listener
// and Router factories must not fail; middleware construction may, for
// example on an inconsistent option.
type Plugin struct {
	NewListener   func(b *CommonBot) Listener
	NewRouter     func(b *CommonBot) Router
	NewMiddleware func(b *CommonBot) (Middleware, error)
}

var (
	pluginsMu sync.RWMutex
	plugins   = map[ChatToolType]Plugin{}
)

// RegisterPlugin makes a platform available to CommonBot. It is called
// from platform package init functions and panics on a duplicate or
// incomplete registration, mirroring database/sql driver registration.
func RegisterPlugin(chatTool ChatToolType, plugin Plugin) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()

	if plugin.NewListener == nil || plugin.NewRouter == nil || plugin.NewMiddleware == nil {
		panic(fmt.Sprintf("bot: incomplete plugin registration for %q", chatTool))
	}
	if _, dup := plugins[chatTool]; dup {
		panic(fmt.Sprintf("bot: plugin registered twice for %q", chatTool))
	}
	plugins[chatTool] = plugin
}

// RegisteredPlugins returns the sorted names of all registered
// platforms.
func RegisteredPlugins() []string {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()

	names := make([]string, 0, len(plugins))
	for chatTool := range plugins {
		names = append(names, string(chatTool))
	}
	sort.Strings(names)
	return names
}

func lookupPlugin(chatTool ChatToolType) (Plugin, error) {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()

	plugin, ok := plugins[chatTool]
	if !ok {
		return Plugin{}, fmt.Errorf("unknown chat tool %q (forgot to import the platform package?)", chatTool)
	}
	return plugin, nil
}
