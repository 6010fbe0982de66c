// Package navigation guards history interception so that it is installed
// at most once per page load, however many trackers are constructed.
package navigation

import "sync"

var (
	mu      sync.Mutex
	patched = make(map[string]struct{})
)

// Acquire claims the history patch for the page identified by key. It
// returns true exactly once per key until Release or Reset.
func Acquire(key string) bool {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := patched[key]; ok {
		return false
	}
	patched[key] = struct{}{}
	return true
}

// Release forgets the patch for key, e.g. once the page has been closed.
func Release(key string) {
	mu.Lock()
	defer mu.Unlock()
	delete(patched, key)
}

// Reset forgets every patch. Tests call it between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	patched = make(map[string]struct{})
}
