package capability

import (
	"sort"
	"sync"
)

// Registry aggregates capability snapshots across workers into the
// merged view reported to callers. Model lists only grow within a run;
// a worker restarting with fewer models does not retract names other
// callers may already reference.
type Registry struct {
	mu       sync.Mutex
	models   map[string]map[string]bool
	features map[string]bool
	assumed  map[string]bool
}

// NewRegistry returns an empty registry with every presumptive feature
// tentatively enabled.
func NewRegistry() *Registry {
	r := &Registry{
		models:   map[string]map[string]bool{},
		features: map[string]bool{},
		assumed:  map[string]bool{},
	}
	for feature := range presumptiveFeatures {
		r.features[feature] = true
		r.assumed[feature] = true
	}
	return r
}

// Apply merges one worker's snapshot. Presumptive features that the
// snapshot fails to confirm are discarded on first sight.
func (r *Registry) Apply(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for category, names := range snap.Models {
		set := r.models[category]
		if set == nil {
			set = map[string]bool{}
			r.models[category] = set
		}
		for _, name := range names {
			set[name] = true
		}
	}
	for feature := range snap.Features {
		r.features[feature] = true
		delete(r.assumed, feature)
	}
	for feature, nodeClass := range presumptiveFeatures {
		if r.assumed[feature] && !snap.NodeClasses[nodeClass] {
			delete(r.features, feature)
			delete(r.assumed, feature)
		}
	}
}

// Models returns the sorted merged model names for a category.
func (r *Registry) Models(category string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.models[category]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasFeature reports whether any applied worker advertises the feature.
func (r *Registry) HasFeature(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.features[id]
}

// Features returns the sorted merged feature set.
func (r *Registry) Features() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.features))
	for id := range r.features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
