// Package continuation decides what runs after a story completes.
package continuation

import "sync"

// MaxRepeats is how often the same story may be chosen as next in a row.
const MaxRepeats = 2

type specKey struct {
	projectPath string
	specID      string
}

type guardEntry struct {
	storyID string
	count   int
}

// Guard detects a story being selected as next over and over, which is what
// a failed board write looks like from here. It also remembers specs whose
// continuation was hard-stopped.
type Guard struct {
	mu      sync.Mutex
	entries map[specKey]guardEntry
	halted  map[specKey]string
}

func NewGuard() *Guard {
	return &Guard{
		entries: make(map[specKey]guardEntry),
		halted:  make(map[specKey]string),
	}
}

// Observe records storyID as the next selection for the spec and reports
// the consecutive count and whether the guard tripped.
func (g *Guard) Observe(projectPath, specID, storyID string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := specKey{projectPath, specID}
	e := g.entries[k]
	if e.storyID == storyID {
		e.count++
	} else {
		e = guardEntry{storyID: storyID, count: 1}
	}
	g.entries[k] = e
	return e.count, e.count > MaxRepeats
}

func (g *Guard) Clear(projectPath, specID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, specKey{projectPath, specID})
}

// Halt stops continuation for the spec until Release.
func (g *Guard) Halt(projectPath, specID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted[specKey{projectPath, specID}] = reason
}

func (g *Guard) Halted(projectPath, specID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reason, ok := g.halted[specKey{projectPath, specID}]
	return reason, ok
}

// Release lifts a hard stop and resets the repeat count, as when an operator
// starts a story for the spec by hand.
func (g *Guard) Release(projectPath, specID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := specKey{projectPath, specID}
	delete(g.halted, k)
	delete(g.entries, k)
}
