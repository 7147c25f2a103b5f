package topic

import "sync"

// Matcher indexes topic patterns in a trie for efficient lookup of all
// patterns matching a concrete event topic. It is safe for concurrent use.
type Matcher struct {
	mu   sync.RWMutex
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	patterns []Topic // patterns terminating at this node
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NewMatcher creates an empty topic matcher.
func NewMatcher() *Matcher {
	return &Matcher{root: newTrieNode()}
}

// Add indexes a pattern. The pattern may be exact or end in a wildcard.
func (m *Matcher) Add(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			node.children[seg] = newTrieNode()
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return
		}
	}
	node.patterns = append(node.patterns, pattern)
}

// Remove removes a pattern from the index.
func (m *Matcher) Remove(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return
		}
		node = node.children[seg]
	}

	for i, p := range node.patterns {
		if p == pattern {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			break
		}
	}
}

// Has reports whether the exact pattern is indexed.
func (m *Matcher) Has(pattern Topic) bool {
	if pattern == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return false
		}
		node = node.children[seg]
	}
	for _, p := range node.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

// Match returns every indexed pattern that matches the concrete event
// topic: the exact pattern plus any trailing-wildcard prefix patterns.
func (m *Matcher) Match(eventTopic Topic) []Topic {
	if eventTopic == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Topic
	segments := eventTopic.Segments()
	node := m.root

	for _, seg := range segments {
		// A wildcard child at this depth matches the remaining segments.
		if wc := node.children[Wildcard]; wc != nil {
			matches = append(matches, wc.patterns...)
		}
		node = node.children[seg]
		if node == nil {
			return matches
		}
	}

	matches = append(matches, node.patterns...)
	return matches
}

// Count returns the number of indexed patterns.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	var walk func(n *trieNode)
	walk = func(n *trieNode) {
		count += len(n.patterns)
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(m.root)
	return count
}

// Clear removes all patterns.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = newTrieNode()
}
