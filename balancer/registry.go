package balancer

import "sync"

var (
	registryMu sync.Mutex
	registry   = make(map[string]Builder)
)

// Register adds b to the global registry under b.Name(), overwriting any
// previous registration for that name (the last import wins, matching
// resolver.Register's convention).
func Register(b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Get looks up a previously registered Builder by name.
func Get(name string) (Builder, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := registry[name]
	return b, ok
}
