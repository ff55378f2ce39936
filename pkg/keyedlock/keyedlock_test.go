package keyedlock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutualExclusionPerKey(t *testing.T) {
	m := NewMap()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("thread-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	m := NewMap()
	unlock := m.Lock("a")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := m.Lock("b")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestDoPropagatesError(t *testing.T) {
	m := NewMap()
	want := errors.New("boom")
	err := m.Do("k", func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestEntriesAreReclaimed(t *testing.T) {
	m := NewMap()
	unlock := m.Lock("tmp")
	unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks)
}
