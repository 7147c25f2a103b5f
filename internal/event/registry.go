package event

import (
	"sort"
	"sync"

	"github.com/bsundem/Heimdall/internal/event/topic"
)

// registry stores subscriptions keyed by topic pattern. It is safe for
// concurrent use; Match returns copies so a dispatch pass is never
// affected by concurrent subscribe or unsubscribe calls.
type registry struct {
	mu      sync.RWMutex
	subs    map[topic.Topic][]*subscription
	byID    map[string]*subscription
	matcher *topic.Matcher
	nextSeq uint64
}

func newRegistry() *registry {
	return &registry{
		subs:    make(map[topic.Topic][]*subscription),
		byID:    make(map[string]*subscription),
		matcher: topic.NewMatcher(),
	}
}

// seq returns the next registration sequence number.
func (r *registry) seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	return r.nextSeq
}

func (r *registry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pattern := sub.Topic()
	r.subs[pattern] = append(r.subs[pattern], sub)
	r.byID[sub.ID()] = sub
	r.matcher.Add(pattern)
}

func (r *registry) remove(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.byID[subID]
	if !exists {
		return false
	}
	r.removeLocked(sub)
	return true
}

// removeOwner removes every subscription tagged with the owner id.
// Returns the number of subscriptions removed.
func (r *registry) removeOwner(owner string) int {
	if owner == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, sub := range r.byID {
		if sub.Owner() == owner {
			sub.Cancel()
			r.removeLocked(sub)
			removed++
		}
	}
	return removed
}

// removeLocked must be called with mu held.
func (r *registry) removeLocked(sub *subscription) {
	pattern := sub.Topic()

	subs := r.subs[pattern]
	for i, s := range subs {
		if s.ID() == sub.ID() {
			r.subs[pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[pattern]) == 0 {
		delete(r.subs, pattern)
		r.matcher.Remove(pattern)
	}

	delete(r.byID, sub.ID())
}

// match returns the active subscriptions matching the event topic,
// ordered by priority then registration order. The slice is a snapshot.
func (r *registry) match(eventTopic topic.Topic) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := r.matcher.Match(eventTopic)
	if len(patterns) == 0 {
		return nil
	}

	var all []*subscription
	for _, pattern := range patterns {
		for _, sub := range r.subs[pattern] {
			if sub.IsActive() {
				all = append(all, sub)
			}
		}
	}
	if len(all) == 0 {
		return nil
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].config.Priority != all[j].config.Priority {
			return all[i].config.Priority < all[j].config.Priority
		}
		return all[i].seq < all[j].seq
	})

	return all
}

// countActive returns the number of active subscriptions.
func (r *registry) countActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, sub := range r.byID {
		if sub.IsActive() {
			count++
		}
	}
	return count
}

// countOwner returns the number of subscriptions tagged with the owner.
func (r *registry) countOwner(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, sub := range r.byID {
		if sub.Owner() == owner {
			count++
		}
	}
	return count
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[topic.Topic][]*subscription)
	r.byID = make(map[string]*subscription)
	r.matcher.Clear()
}
