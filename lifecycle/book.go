package lifecycle

import "sync"

// SubscriptionHandle is an opaque handle to one broker subscription.
// Defined generically here instead of importing the broker package so
// the subscription book has no dependency on a particular transport.
type SubscriptionHandle interface{}

// Book is the per-agent subscription book (spec §4.5): it tracks every
// subscription acquired while an agent is ACTIVE and guarantees they
// are all released the instant the agent leaves ACTIVE by any path,
// including a failed onDeactivate. "No leak" is enforced by always
// draining an agent's entry on any exit-from-ACTIVE transition,
// regardless of why the transition happened.
type Book struct {
	release func(SubscriptionHandle) error

	mu      sync.Mutex
	handles map[string][]SubscriptionHandle // agentID.String() -> handles
}

// NewBook creates a Book. release is called once per handle when the
// owning agent's scope ends; its error is collected by ReleaseAll but
// never prevents the rest from being released.
func NewBook(release func(SubscriptionHandle) error) *Book {
	return &Book{release: release, handles: make(map[string][]SubscriptionHandle)}
}

// Track records h as belonging to agentID's current ACTIVE scope.
func (b *Book) Track(agentID string, h SubscriptionHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles[agentID] = append(b.handles[agentID], h)
}

// ReleaseAll releases every handle tracked for agentID and clears its
// entry. Individual release failures are collected but do not stop the
// sweep; callers that care can inspect the returned slice.
func (b *Book) ReleaseAll(agentID string) []error {
	b.mu.Lock()
	handles := b.handles[agentID]
	delete(b.handles, agentID)
	b.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := b.release(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Count reports how many handles are currently tracked for agentID.
func (b *Book) Count(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles[agentID])
}
