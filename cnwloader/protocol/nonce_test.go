package protocol_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/protocol"
)

func TestNonceWindow_DetectsReplay(t *testing.T) {
	now := time.Now()
	w := protocol.NewNonceWindow(8, time.Minute)

	assert.True(t, w.Observe("a", now))
	assert.False(t, w.Observe("a", now.Add(time.Second)))
	assert.True(t, w.Seen("a"))
}

func TestNonceWindow_CapacityBound(t *testing.T) {
	now := time.Now()
	w := protocol.NewNonceWindow(3, time.Hour)
	for i := 0; i < 10; i++ {
		assert.True(t, w.Observe(fmt.Sprintf("n%d", i), now))
	}
	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("n0"))
	assert.True(t, w.Seen("n9"))
}

func TestNonceWindow_RetentionExpiry(t *testing.T) {
	start := time.Now()
	w := protocol.NewNonceWindow(100, time.Minute)
	w.Observe("old", start)
	w.Observe("recent", start.Add(50*time.Second))

	assert.True(t, w.Observe("new", start.Add(90*time.Second)))
	assert.False(t, w.Seen("old"))
	assert.True(t, w.Seen("recent"))
	assert.Equal(t, 2, w.Len())
}

func TestNonceWindow_Reset(t *testing.T) {
	w := protocol.NewNonceWindow(0, 0)
	w.Observe("x", time.Now())
	w.Reset()
	assert.Equal(t, 0, w.Len())
	assert.True(t, w.Observe("x", time.Now()))
}
