package lease

import (
	"sort"
	"sync"
)

// Holdings remembers which leases this process acquired. A lease carrying
// our holder id that is not in Holdings was left behind by a lost release.
type Holdings struct {
	mu   sync.Mutex
	held map[Kind]map[string]struct{}
}

// NewHoldings returns an empty set.
func NewHoldings() *Holdings {
	return &Holdings{held: make(map[Kind]map[string]struct{})}
}

// Add records that we hold kind/resource.
func (h *Holdings) Add(kind Kind, resource string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held[kind] == nil {
		h.held[kind] = make(map[string]struct{})
	}
	h.held[kind][resource] = struct{}{}
}

// Remove forgets kind/resource.
func (h *Holdings) Remove(kind Kind, resource string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.held[kind], resource)
}

// Has reports whether we hold kind/resource.
func (h *Holdings) Has(kind Kind, resource string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.held[kind][resource]
	return ok
}

// List returns the held resources of kind, sorted.
func (h *Holdings) List(kind Kind) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.held[kind]))
	for r := range h.held[kind] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
