package detectors

import (
	"fmt"
	"sort"
	"sync"

	"visionrelay/internal/pipeline"
)

// Registry manages available local models
type Registry struct {
	models map[string]pipeline.Model
	mu     sync.RWMutex
}

// NewRegistry creates a new model registry
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]pipeline.Model),
	}
}

// Register adds a model to the registry
func (r *Registry) Register(model pipeline.Model) error {
	if model == nil {
		return fmt.Errorf("model cannot be nil")
	}

	name := model.Name()
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[name]; exists {
		return fmt.Errorf("model %q already registered", name)
	}

	r.models[name] = model
	return nil
}

// Get returns a model by name
func (r *Registry) Get(name string) (pipeline.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Detector returns a registered object detector by name
func (r *Registry) Detector(name string) (pipeline.ObjectDetector, bool) {
	m, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	d, ok := m.(pipeline.ObjectDetector)
	return d, ok
}

// Classifier returns a registered scene classifier by name
func (r *Registry) Classifier(name string) (pipeline.SceneClassifier, bool) {
	m, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	c, ok := m.(pipeline.SceneClassifier)
	return c, ok
}

// Recognizer returns a registered text recognizer by name
func (r *Registry) Recognizer(name string) (pipeline.TextRecognizer, bool) {
	m, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	t, ok := m.(pipeline.TextRecognizer)
	return t, ok
}

// GetHealthy returns only healthy models
func (r *Registry) GetHealthy() []pipeline.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pipeline.Model, 0)
	for _, m := range r.models {
		if m.IsHealthy() {
			result = append(result, m)
		}
	}
	return result
}

// Names returns the names of all registered models, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyAnalysis forwards a runtime config change to every model that
// follows one
func (r *Registry) ApplyAnalysis(cfg *pipeline.AnalysisConfig) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.models {
		if l, ok := m.(pipeline.AnalysisListener); ok {
			l.ApplyAnalysis(cfg)
		}
	}
}

// Close releases all model resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, m := range r.models {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing model %q: %w", name, err)
		}
		delete(r.models, name)
	}
	return firstErr
}

var (
	_ pipeline.ModelRegistry    = (*Registry)(nil)
	_ pipeline.AnalysisListener = (*Registry)(nil)
	_ pipeline.AnalysisListener = (*DetectorAdapter)(nil)
)
