package util

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Equal(t, 3, r.Cap())
	assert.Empty(t, r.Snapshot())

	for i := 1; i <= 3; i++ {
		assert.False(t, r.Push(i))
	}
	assert.True(t, r.Push(4))
	assert.Equal(t, []int{2, 3, 4}, r.Snapshot())
	assert.Equal(t, 3, r.Len())

	assert.Equal(t, []int{3, 4}, r.Last(2))
	assert.Equal(t, []int{2, 3, 4}, r.Last(10))
	assert.Equal(t, []int{}, r.Last(0))
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Snapshot())
}

func TestRateWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rw := NewRateWindow(2, time.Minute)
	rw.now = func() time.Time { return now }

	assert.True(t, rw.Allow("10.0.0.1"))
	assert.True(t, rw.Allow("10.0.0.1"))
	assert.False(t, rw.Allow("10.0.0.1"))
	assert.True(t, rw.Allow("10.0.0.2"), "keys are independent")

	now = now.Add(61 * time.Second)
	assert.True(t, rw.Allow("10.0.0.1"))

	now = now.Add(2 * time.Minute)
	rw.Sweep()
	rw.mu.Lock()
	assert.Empty(t, rw.buckets)
	rw.mu.Unlock()
}

func TestRateWindowLimitBounds(t *testing.T) {
	assert.Equal(t, rateBucketCap, NewRateWindow(10_000, time.Second).limit)
	assert.Equal(t, 1, NewRateWindow(0, time.Second).limit)
}

func TestCommonHelpers(t *testing.T) {
	assert.Equal(t, "https://a.example/v1", NormalizeURL(" https://a.example/v1// "))
	assert.Equal(t, "node-1", InstanceID("  node-1 "))
	assert.True(t, strings.HasSuffix(InstanceID(""), "-"+strconv.Itoa(os.Getpid())))
	assert.Equal(t, "abc", Preview("abc", 5))
	assert.Equal(t, "ab…(4)", Preview("abcd", 2))

	path := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}
