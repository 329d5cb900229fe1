package connection

import (
	"slices"
	"sync"

	"go.uber.org/multierr"
)

// Request identifies one logical subscription (method plus params).
type Request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Equal reports structural equality.
func (r Request) Equal(o Request) bool {
	return r.Method == o.Method && slices.Equal(r.Params, o.Params)
}

func (r Request) clone() Request {
	return Request{Method: r.Method, Params: slices.Clone(r.Params)}
}

// Registry is the ordered, de-duplicated set of subscriptions that must be
// restored after a reconnect.
type Registry struct {
	mu      sync.Mutex
	entries []Request
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends req unless an equal request is present. Reports whether it was added.
func (r *Registry) Add(req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(req) >= 0 {
		return false
	}
	r.entries = append(r.entries, req.clone())
	return true
}

// Remove deletes the request equal to req. Reports whether one was found.
func (r *Registry) Remove(req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(req)
	if i < 0 {
		return false
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	return true
}

// RemoveParams drops params from every request with the given method and
// deletes requests left with no params. Reports whether anything changed.
func (r *Registry) RemoveParams(method string, params []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.Method == method {
			rest := slices.DeleteFunc(slices.Clone(e.Params), func(p string) bool {
				return slices.Contains(params, p)
			})
			if len(rest) != len(e.Params) {
				changed = true
				e.Params = rest
			}
			if len(e.Params) == 0 {
				continue
			}
		}
		kept = append(kept, e)
	}
	clear(r.entries[len(kept):])
	r.entries = kept
	return changed
}

// Replace swaps old for next in place, keeping replay order. If old is
// absent, next is appended.
func (r *Registry) Replace(old, next Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(old); i >= 0 {
		r.entries[i] = next.clone()
		return
	}
	if r.indexLocked(next) < 0 {
		r.entries = append(r.entries, next.clone())
	}
}

// Len returns the number of registered requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of the requests in insertion order.
func (r *Registry) Snapshot() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.clone()
	}
	return out
}

// Replay calls send for each request in insertion order. Every request is
// attempted; failures are combined. Returns how many were sent.
func (r *Registry) Replay(send func(Request) error) (int, error) {
	var (
		sent int
		errs error
	)
	for _, req := range r.Snapshot() {
		if err := send(req); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}
	return sent, errs
}

func (r *Registry) indexLocked(req Request) int {
	return slices.IndexFunc(r.entries, req.Equal)
}
