package remote

import "sync"

// Properties is a small concurrency-safe key/value bag. Conns, channels and
// aggregates each carry one; admission control and the exec plumbing use it
// to stash back-references and captured results.
type Properties struct {
	mu     sync.Mutex
	values map[string]any
}

func NewProperties() *Properties {
	return &Properties{values: make(map[string]any)}
}

func (p *Properties) Set(key string, value any) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values == nil {
		p.values = make(map[string]any)
	}
	p.values[key] = value
}

func (p *Properties) Get(key string) any {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

func (p *Properties) Has(key string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.values[key]
	return ok
}

func (p *Properties) Delete(key string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
}

// AppendBytes appends data to the byte slice stored under key, creating it
// if absent. Used for per-host output capture.
func (p *Properties) AppendBytes(key string, data []byte) {
	if p == nil || len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values == nil {
		p.values = make(map[string]any)
	}
	existing, _ := p.values[key].([]byte)
	p.values[key] = append(existing, data...)
}

// Snapshot returns a shallow copy of the bag.
func (p *Properties) Snapshot() map[string]any {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.values))
	for key, value := range p.values {
		out[key] = value
	}
	return out
}
