package pipeline

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnknownPipeline is returned when configuration names a pipeline that
// is not registered.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Factory builds a handler.
type Factory func(log *logrus.Entry) Handler

// Registry maps pipeline names to handler factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Errorf("pipeline %s registered twice", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists registered pipelines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named handlers in the given order.
func (r *Registry) Build(names []string, log *logrus.Entry) ([]Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]Handler, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		f, ok := r.factories[name]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownPipeline, "%q", name)
		}
		if seen[name] {
			return nil, errors.Errorf("pipeline %s enabled twice", name)
		}
		seen[name] = true
		handlers = append(handlers, f(log))
	}
	return handlers, nil
}
