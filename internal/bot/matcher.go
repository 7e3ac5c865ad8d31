package bot

import (
	"reflect"
	"sync"
)

// MatcherEntry binds one predicate to its handlers, in registration order.
type MatcherEntry struct {
	Matcher  MatcherFunc
	Handlers []HandlerFunc
}

// MessageMatcher is an ordered registry of (predicate, handlers) entries.
// Entries fire in registration order; lookup is by function identity.
type MessageMatcher struct {
	mu       sync.RWMutex
	matchers []*MatcherEntry
}

// NewMessageMatcher creates an empty matcher registry.
func NewMessageMatcher() *MessageMatcher {
	return &MessageMatcher{}
}

func funcID(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// AddMatcher appends a new entry for the predicate. A second call with
// the same predicate creates a second entry; both fire independently.
func (m *MessageMatcher) AddMatcher(matcher MatcherFunc, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.matchers = append(m.matchers, &MatcherEntry{
		Matcher:  matcher,
		Handlers: []HandlerFunc{handler},
	})
}

// AddHandler appends the handler to the first existing entry with the
// same predicate, creating a new entry only if none exists. Unlike
// AddMatcher it never duplicates an entry; both behaviors are relied on
// by their respective call sites.
func (m *MessageMatcher) AddHandler(matcher MatcherFunc, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := funcID(matcher)
	for _, entry := range m.matchers {
		if funcID(entry.Matcher) == id {
			entry.Handlers = append(entry.Handlers, handler)
			return
		}
	}

	m.matchers = append(m.matchers, &MatcherEntry{
		Matcher:  matcher,
		Handlers: []HandlerFunc{handler},
	})
}

// Matchers returns a snapshot of the entries in registration order.
func (m *MessageMatcher) Matchers() []*MatcherEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]*MatcherEntry, len(m.matchers))
	copy(snapshot, m.matchers)
	return snapshot
}

// IndexOfMatcher returns the index of the first entry with the given
// predicate, or -1 when absent.
func (m *MessageMatcher) IndexOfMatcher(matcher MatcherFunc) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := funcID(matcher)
	for i, entry := range m.matchers {
		if funcID(entry.Matcher) == id {
			return i
		}
	}
	return -1
}

// HasMatcher reports whether an entry with the given predicate exists.
func (m *MessageMatcher) HasMatcher(matcher MatcherFunc) bool {
	return m.IndexOfMatcher(matcher) >= 0
}

// IndexOfHandler returns the matcher and handler indexes of the given
// handler under the given predicate, or (-1, -1) when absent.
func (m *MessageMatcher) IndexOfHandler(matcher MatcherFunc, handler HandlerFunc) (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matcherID := funcID(matcher)
	handlerID := funcID(handler)
	for i, entry := range m.matchers {
		if funcID(entry.Matcher) != matcherID {
			continue
		}
		for j, h := range entry.Handlers {
			if funcID(h) == handlerID {
				return i, j
			}
		}
	}
	return -1, -1
}

// HasHandler reports whether the handler is registered under the
// predicate.
func (m *MessageMatcher) HasHandler(matcher MatcherFunc, handler HandlerFunc) bool {
	i, j := m.IndexOfHandler(matcher, handler)
	return i >= 0 && j >= 0
}

// RemoveMatcher deletes the entry at index, preserving the order of the
// remaining entries. Out-of-range indexes are ignored.
func (m *MessageMatcher) RemoveMatcher(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.matchers) {
		return
	}
	m.matchers = append(m.matchers[:index], m.matchers[index+1:]...)
}
