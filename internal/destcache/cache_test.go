package destcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_RecordAndContains(t *testing.T) {
	c := New(16, time.Minute)

	assert.False(t, c.Contains("c1", "album"))

	c.RecordNewContent("c1", "album")
	c.RecordNewContent("c1", "album")
	c.RecordNewContent("c1", "trip")

	assert.True(t, c.Contains("c1", "album"))
	assert.True(t, c.Contains("c1", "trip"))
	assert.False(t, c.Contains("c1", "other"))
	assert.Equal(t, []string{"album", "trip"}, c.Destinations("c1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_IgnoresEmptyKeys(t *testing.T) {
	c := New(4, time.Minute)
	c.RecordNewContent("", "album")
	c.RecordNewContent("c1", "")
	assert.Zero(t, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, time.Minute)
	c.RecordNewContent("a", "d")
	c.RecordNewContent("b", "d")
	c.RecordNewContent("c", "d")

	assert.False(t, c.Contains("a", "d"))
	assert.True(t, c.Contains("c", "d"))
}

func TestCache_Expires(t *testing.T) {
	c := New(4, 20*time.Millisecond)
	c.RecordNewContent("a", "d")

	assert.Eventually(t, func() bool { return !c.Contains("a", "d") }, time.Second, 10*time.Millisecond)
}
