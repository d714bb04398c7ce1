// Package resourceversion tracks the resource version cursor a Reflector
// resumes a watch session from.
package resourceversion

import (
	"sync"

	"k8s.io/apimachinery/pkg/api/meta"
)

// Candidate is a resource version extracted from a watch event, pending
// commit to the Tracker.
type Candidate struct {
	version string
}

// FromEvent extracts a resource version candidate from the event's embedded
// object. It returns false if the object carries no resource version.
func FromEvent(obj interface{}) (Candidate, bool) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return Candidate{}, false
	}
	rv := accessor.GetResourceVersion()
	if rv == "" {
		return Candidate{}, false
	}
	return Candidate{version: rv}, true
}

// Tracker remembers the last committed resource version. The zero value is
// ready to use and starts with an absent cursor.
//
// Tracker is a write-only accumulator: Update is an unconditional overwrite
// in arrival order. The server guarantees a monotonic version stream within
// a single watch session, so the tracker never compares versions as numbers
// or rejects an out-of-order update.
type Tracker struct {
	mu      sync.RWMutex
	current string
}

// NewTracker returns a Tracker with an absent cursor.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Get returns the cursor to send on the next watch invocation. An empty
// string means "start from the server's current consistent snapshot".
func (t *Tracker) Get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Update advances the cursor to the candidate's version.
func (t *Tracker) Update(c Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = c.version
}

// Reset clears the cursor; the next Get returns "".
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = ""
}
