package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRejectList() (*RejectList, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRejectList()
	r.now = clock.Now
	return r, clock
}

func TestRejectListExpiry(t *testing.T) {
	r, clock := newTestRejectList()
	r.Add("AA:BB:CC:DD:EE:FF")

	clock.Advance(RejectTTL - time.Millisecond)
	assert.True(t, r.Rejected("AA:BB:CC:DD:EE:FF"), "still rejected just before the TTL")

	clock.Advance(2 * time.Millisecond)
	assert.False(t, r.Rejected("AA:BB:CC:DD:EE:FF"), "eligible again just after the TTL")
	assert.Empty(t, r.Entries())
}

func TestRejectListUnknownAddress(t *testing.T) {
	r, _ := newTestRejectList()
	r.Add("AA")
	assert.False(t, r.Rejected("BB"))
}

func TestRejectListReAddRefreshes(t *testing.T) {
	r, clock := newTestRejectList()
	r.Add("AA")
	clock.Advance(RejectTTL / 2)
	r.Add("AA")
	clock.Advance(RejectTTL/2 + time.Millisecond)
	assert.True(t, r.Rejected("AA"))
}

func TestRejectListEntriesOldestFirst(t *testing.T) {
	r, clock := newTestRejectList()
	r.Add("BB")
	clock.Advance(time.Second)
	r.Add("AA")

	entries := r.Entries()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "BB", entries[0].Address)
		assert.Equal(t, "AA", entries[1].Address)
	}

	clock.Advance(RejectTTL - 500*time.Millisecond)
	entries = r.Entries()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "AA", entries[0].Address)
	}
}
