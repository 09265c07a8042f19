package agent

import "sync"

// agentRegistry holds registered step agents keyed by step ID.
var (
	agentRegistry = make(map[string]Func)
	registryMu    sync.RWMutex
)

// Register adds a step agent to the registry, replacing any existing agent
// for the same step ID.
func Register(stepID string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()
	agentRegistry[stepID] = fn
}

// Get retrieves a step agent by step ID, or nil if none is registered.
func Get(stepID string) Func {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return agentRegistry[stepID]
}

// List returns all registered step IDs.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ids := make([]string, 0, len(agentRegistry))
	for id := range agentRegistry {
		ids = append(ids, id)
	}
	return ids
}
