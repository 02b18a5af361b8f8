package stepflow

import "sync"

var (
	registryMu  sync.Mutex
	jobRegistry = make(map[string]*Controller)
)

// Register adds job to the package-level registry under its name, so that
// embedders running several jobs out of a shared process can look one up by
// name instead of threading the *Controller value everywhere themselves.
// Registration is purely a convenience lookup table; it has no bearing on
// run/retry semantics.
func Register(job *Controller) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := jobRegistry[job.Name]; ok {
		return ConfigurationError("job with name %q is already registered", job.Name)
	}
	jobRegistry[job.Name] = job
	return nil
}

// Unregister removes job from the registry.
func Unregister(job *Controller) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(jobRegistry, job.Name)
}

// Lookup returns the job registered under name, if any.
func Lookup(name string) (*Controller, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	job, ok := jobRegistry[name]
	return job, ok
}
