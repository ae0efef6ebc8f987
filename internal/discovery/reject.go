package discovery

import (
	"sort"
	"sync"
	"time"
)

// RejectTTL is how long an address stays rejected after the peripheral
// asked this central to go away.
const RejectTTL = 60 * time.Second

// RejectEntry records when a peripheral rejected this central.
type RejectEntry struct {
	Address    string
	ReceivedAt time.Time
}

// RejectList is a time-limited deny list of peripheral addresses. Expired
// entries are pruned whenever the list is read.
type RejectList struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewRejectList returns an empty list using RejectTTL and the wall clock.
func NewRejectList() *RejectList {
	return &RejectList{
		ttl:     RejectTTL,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// Add rejects address from now on. Re-adding refreshes the entry.
func (r *RejectList) Add(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[address] = r.now()
}

// Rejected reports whether address has a valid entry.
func (r *RejectList) Rejected(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	_, ok := r.entries[address]
	return ok
}

// Entries returns the valid entries, oldest first.
func (r *RejectList) Entries() []RejectEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	out := make([]RejectEntry, 0, len(r.entries))
	for addr, at := range r.entries {
		out = append(out, RejectEntry{Address: addr, ReceivedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// prune drops entries with now - receivedAt >= ttl. Caller holds mu.
func (r *RejectList) prune() {
	now := r.now()
	for addr, at := range r.entries {
		if now.Sub(at) >= r.ttl {
			delete(r.entries, addr)
		}
	}
}
