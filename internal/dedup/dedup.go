// Package dedup decides whether an incoming identifier has already been
// processed. Matching is exact identifier equality only, no fuzzy matching:
// two trades differing by even one key component are distinct, favoring a
// duplicate alert over a missed whale.
//
// The registry holds no persistence of its own. Callers snapshot IDs() into
// the state blob and save through the state store after marking.
package dedup

// Registry is an insertion-ordered set of identifiers already alerted.
type Registry struct {
	order []string
	seen  map[string]struct{}
}

// NewRegistry builds a registry from previously persisted identifiers,
// preserving their order. Duplicates in the input are collapsed.
func NewRegistry(ids []string) *Registry {
	r := &Registry{
		order: make([]string, 0, len(ids)),
		seen:  make(map[string]struct{}, len(ids)),
	}
	for _, id := range ids {
		r.MarkSeen(id)
	}
	return r
}

// IsNew reports whether id has never been marked seen.
func (r *Registry) IsNew(id string) bool {
	_, ok := r.seen[id]
	return !ok
}

// MarkSeen records id. Marking an already-seen id is a no-op, so the
// registry order reflects first observation.
func (r *Registry) MarkSeen(id string) {
	if _, ok := r.seen[id]; ok {
		return
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
}

// IDs returns the identifiers in first-seen order. The returned slice is a
// copy safe to persist.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of distinct identifiers recorded.
func (r *Registry) Len() int {
	return len(r.order)
}

// Trim drops the oldest entries so at most max remain, bounding memory over
// long-running processes. A non-positive max leaves the registry untouched.
func (r *Registry) Trim(max int) {
	if max <= 0 || len(r.order) <= max {
		return
	}
	drop := r.order[:len(r.order)-max]
	for _, id := range drop {
		delete(r.seen, id)
	}
	r.order = r.order[len(r.order)-max:]
}
