package sharding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdleTrackerOlderThan(t *testing.T) {
	tr := NewIdleTracker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.Touch("a", base)
	tr.Touch("b", base.Add(20*time.Second))

	stale := tr.OlderThan(base.Add(30*time.Second), 15*time.Second)
	assert.ElementsMatch(t, []EntityId{"a"}, stale)
}

func TestIdleTrackerRemove(t *testing.T) {
	tr := NewIdleTracker()
	base := time.Now()
	tr.Touch("a", base)
	tr.Remove("a")

	assert.Equal(t, 0, tr.Size())
	assert.Empty(t, tr.OlderThan(base.Add(time.Hour), time.Second))
}

func TestIdleTrackerTouchRefreshesTimestamp(t *testing.T) {
	tr := NewIdleTracker()
	base := time.Now()
	tr.Touch("a", base)
	tr.Touch("a", base.Add(10*time.Second))

	assert.Empty(t, tr.OlderThan(base.Add(15*time.Second), 10*time.Second))
}
