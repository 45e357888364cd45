package hookrpc

import (
	"sync"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/hashicorp/go-set/v3"
)

// Registration is what a backend connection stores for the duration of a
// single write (a spawned git receive-pack child). The key is an unguessable
// UUID handed to the child in TURNIP_HOOK_RPC_KEY; it exists only for the
// lifetime of that child.
type Registration struct {
	Path       string
	AuthParams authclient.AuthParams

	mu    sync.Mutex
	cache map[string]*set.Set[string] // base64-encoded ref -> permission tokens
}

// Registry is the process-wide key -> Registration map shared by every
// backend connection handler and read by the hook RPC server.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*Registration)}
}

// Register records a new key for the duration of a write. It must be
// unregistered exactly once, on child termination or connection loss.
func (r *Registry) Register(key, path string, auth authclient.AuthParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = &Registration{Path: path, AuthParams: auth}
}

func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key)
}

func (r *Registry) lookup(key string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byKey[key]
	return reg, ok
}
