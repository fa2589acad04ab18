package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type phase string

const (
	phaseIdle    phase = "idle"
	phaseRunning phase = "running"
	phaseDone    phase = "done"
)

func TestStatusManager_Transition(t *testing.T) {
	s := NewStatusManager(phaseIdle)
	var changes [][2]phase
	s.Watch(func(from, to phase) {
		changes = append(changes, [2]phase{from, to})
	})

	assert.False(t, s.Transition(phaseDone, phaseRunning))
	assert.True(t, s.Transition(phaseRunning, phaseIdle))
	assert.True(t, s.Is(phaseRunning))
	assert.True(t, s.Is(phaseIdle, phaseRunning))
	s.Set(phaseDone)
	assert.Equal(t, phaseDone, s.Get())
	assert.Equal(t, [][2]phase{{phaseIdle, phaseRunning}, {phaseRunning, phaseDone}}, changes)
}

func TestStatusManager_ConcurrentTransition(t *testing.T) {
	s := NewStatusManager(phaseIdle)
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Transition(phaseRunning, phaseIdle) {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestTimeoutManager(t *testing.T) {
	fired := make(chan struct{})
	m := NewTimeoutManager()
	m.Start(context.Background(), 50*time.Millisecond, func() { close(fired) })
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		m.Reset()
	}
	select {
	case <-fired:
		t.Fatal("fired although reset kept it alive")
	default:
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout action not performed")
	}
}

func TestTimeoutManager_Chancel(t *testing.T) {
	var fired atomic.Bool
	m := NewTimeoutManager()
	m.Start(context.Background(), 30*time.Millisecond, func() { fired.Store(true) })
	m.Chancel()
	m.Chancel()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestList2set(t *testing.T) {
	set := List2set([]string{"a", "b", "a"})
	assert.Equal(t, 2, set.Size())
	assert.True(t, set.Contains("a", "b"))
	assert.False(t, set.Contains("c"))
}

func TestDistinct(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, Distinct([]string{"b", "a", "b", "c", "a"}))
	assert.Equal(t, []int{}, Distinct[int](nil))
}
