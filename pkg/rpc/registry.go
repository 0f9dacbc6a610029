package rpc

import (
	"fmt"
	"sync"
	"time"
)

// PendingRequest is an outstanding call awaiting its reply.
type PendingRequest struct {
	CorrelationID string
	TargetUID     string
	ActionID      string
	ResponseTopic string
	Started       time.Time
	Deadline      time.Time

	result *Future
	timer  *time.Timer
}

// Registry is the table of outstanding requests keyed by correlation ID, with a
// secondary index by response topic. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
	byTopic map[string]map[string]*PendingRequest
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*PendingRequest),
		byTopic: make(map[string]map[string]*PendingRequest),
	}
}

// Register inserts p. It fails if the correlation ID is already registered.
func (r *Registry) Register(p *PendingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[p.CorrelationID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, p.CorrelationID)
	}
	r.pending[p.CorrelationID] = p

	idx, ok := r.byTopic[p.ResponseTopic]
	if !ok {
		idx = make(map[string]*PendingRequest)
		r.byTopic[p.ResponseTopic] = idx
	}
	idx[p.CorrelationID] = p
	return nil
}

// arm starts the expiry timer of a registered request. It is a no-op when the
// request has already been resolved.
func (r *Registry) arm(id string, d time.Duration, expire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return
	}
	p.timer = time.AfterFunc(d, expire)
}

// Resolve removes and returns the request registered under id. Only the first
// caller for a given id gets true; every later call is a no-op.
func (r *Registry) Resolve(id string) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)

	if idx, ok := r.byTopic[p.ResponseTopic]; ok {
		delete(idx, id)
		if len(idx) == 0 {
			delete(r.byTopic, p.ResponseTopic)
		}
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

// LookupByResponseTopic returns a snapshot of the requests waiting on topic.
func (r *Registry) LookupByResponseTopic(topic string) []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.byTopic[topic]
	out := make([]*PendingRequest, 0, len(idx))
	for _, p := range idx {
		out = append(out, p)
	}
	return out
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// IDs returns the correlation IDs currently registered.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}
