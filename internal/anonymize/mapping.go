package anonymize

import (
	"fmt"
	"sync"
)

// maxGenerateAttempts bounds how often a generator is retried when it
// produces a value that is already mapped to a different original
const maxGenerateAttempts = 16

// mappingTable is a bidirectional original <-> generated value map shared by
// every caller of one technique instance. Forward entries are keyed by a
// scope (a fingerprint of the parameters that shape the output) and the
// original, so callers with different parameters never see each other's
// values. Entries live as long as the instance (or until reset); there is no
// eviction.
type mappingTable struct {
	mu      sync.Mutex
	forward map[string]string
	reverse map[string]string
}

func newMappingTable() *mappingTable {
	return &mappingTable{
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
}

// getOrCreate returns the value already issued for original within scope,
// or issues a new one from generate. The lookup and insert happen under one
// lock so concurrent callers never issue two values for the same original.
func (t *mappingTable) getOrCreate(scope, original string, generate func(attempt int) (string, error)) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := scope + "\x00" + original
	if v, ok := t.forward[key]; ok {
		return v, nil
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		v, err := generate(attempt)
		if err != nil {
			return "", err
		}
		if owner, taken := t.reverse[v]; taken && owner != original {
			continue
		}
		t.forward[key] = v
		t.reverse[v] = original
		return v, nil
	}
	return "", fmt.Errorf("%w: no unused value after %d attempts", ErrTransformFailure, maxGenerateAttempts)
}

func (t *mappingTable) lookupReverse(v string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	original, ok := t.reverse[v]
	return original, ok
}

func (t *mappingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.forward)
}

func (t *mappingTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forward = make(map[string]string)
	t.reverse = make(map[string]string)
}
