package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_EvictsOldest(t *testing.T) {
	m := NewMailbox(3)
	for i := 0; i < 5; i++ {
		m.Add(fmt.Sprintf("msg-%d", i))
	}

	got := m.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "msg-2", got[0].Text)
	assert.Equal(t, "msg-4", got[2].Text)
}

func TestMailbox_DefaultCapacity(t *testing.T) {
	m := NewMailbox(0)
	for i := 0; i < DefaultMailboxCapacity+50; i++ {
		m.Add("x")
	}
	assert.Equal(t, DefaultMailboxCapacity, m.Len())
}

func TestMailbox_SnapshotIsACopy(t *testing.T) {
	m := NewMailbox(10)
	m.Add("a")

	snap := m.Snapshot()
	snap[0].Text = "mutated"
	m.Add("b")

	got := m.Snapshot()
	assert.Equal(t, "a", got[0].Text)
	assert.Len(t, snap, 1)
}

func TestMailbox_StampsTime(t *testing.T) {
	m := NewMailbox(10)
	fixed := time.UnixMilli(1700000000123)
	m.now = func() time.Time { return fixed }

	e := m.Add("hello")
	assert.Equal(t, int64(1700000000123), e.TS)
}

func TestMailbox_Clear(t *testing.T) {
	m := NewMailbox(10)
	m.Add("a")
	m.Clear()
	assert.Empty(t, m.Snapshot())
}

func TestMailbox_ConcurrentAdds(t *testing.T) {
	m := NewMailbox(DefaultMailboxCapacity)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Add("x")
				_ = m.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, DefaultMailboxCapacity, m.Len())
}
