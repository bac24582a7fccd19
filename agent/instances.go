package agent

import (
	"errors"
	"sync"

	"github.com/heisenware/vrpc-r/topic"
)

// ErrReservedInstanceName is returned by Instances.Create when asked to
// materialize an instance literally named "__static__". The topic scheme
// makes this unreachable from a well-formed client, but we reject it
// explicitly rather than rely on that being true.
var ErrReservedInstanceName = errors.New(`"__static__" is a reserved instance name`)

// Instances is the instance registry: an ordered set whose membership
// mirrors the agent's outstanding per-instance topic subscriptions
// one-to-one.
type Instances struct {
	mu    sync.Mutex
	names []string
	index map[string]int
}

// NewInstances returns an empty registry.
func NewInstances() *Instances {
	return &Instances{index: make(map[string]int)}
}

// Create adds name to the set. If name is already present this is a
// no-op success; isNew reports whether a subscription needs to be
// installed for it.
func (r *Instances) Create(name string) (isNew bool, err error) {
	if name == topic.StaticInstance {
		return false, ErrReservedInstanceName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[name]; ok {
		return false, nil
	}
	r.index[name] = len(r.names)
	r.names = append(r.names, name)
	return true, nil
}

// Delete removes name from the set. removed is false if name was never
// known, in which case the caller must not unsubscribe or republish
// classInfo.
func (r *Instances) Delete(name string) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.index[name]
	if !ok {
		return false
	}
	delete(r.index, name)
	r.names = append(r.names[:idx], r.names[idx+1:]...)
	for i := idx; i < len(r.names); i++ {
		r.index[r.names[i]] = i
	}
	return true
}

// Snapshot returns a copy of the current instance names in creation order,
// suitable for embedding in a classInfo message.
func (r *Instances) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
