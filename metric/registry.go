package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// Registry manages metric registration for one process. It wraps an
// isolated prometheus.Registry so tests and embedded buses never fight
// over the global default registry.
type Registry struct {
	prom       *prometheus.Registry
	mu         sync.RWMutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry seeded with Go runtime and process
// collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prom:       prom,
		registered: make(map[string]prometheus.Collector),
	}
}

// Registerer returns the underlying registerer, for packages that build
// their own metric sets (bus.NewMetrics takes one).
func (r *Registry) Registerer() prometheus.Registerer {
	return r.prom
}

// Gatherer returns the underlying gatherer, for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// Register adds a collector under owner.name. Registering the same pair
// twice, or a collector prometheus itself considers a duplicate, is an
// invalid-class error.
func (r *Registry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := owner + "." + name
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"Registry", "Register", "duplicate registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				"prometheus conflict for "+key)
		}
		return errors.WrapFatal(err, "Registry", "Register", "register "+key)
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a collector. Returns false when the pair was never
// registered.
func (r *Registry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := owner + "." + name
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(c)
}

// Count returns the number of explicitly registered collectors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registered)
}
