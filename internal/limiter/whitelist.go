package limiter

import "sync"

// Whitelist is the admin-managed set of exempt raw client addresses. It is
// consulted before any persistence I/O: a whitelisted client never produces
// request, violation or ban rows. Safe for concurrent use; Reload swaps the
// set atomically so the next check sees the new entries.
type Whitelist struct {
	mu    sync.RWMutex
	addrs map[string]struct{}
}

// NewWhitelist creates a whitelist from the configured addresses.
func NewWhitelist(addrs []string) *Whitelist {
	w := &Whitelist{}
	w.Reload(addrs)
	return w
}

// IsWhitelisted reports whether the raw address is exempt from rate limiting.
func (w *Whitelist) IsWhitelisted(rawAddr string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.addrs[rawAddr]
	return ok
}

// Reload replaces the whitelist contents.
func (w *Whitelist) Reload(addrs []string) {
	set := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		set[addr] = struct{}{}
	}
	w.mu.Lock()
	w.addrs = set
	w.mu.Unlock()
}

// Size returns the number of whitelisted addresses.
func (w *Whitelist) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.addrs)
}
