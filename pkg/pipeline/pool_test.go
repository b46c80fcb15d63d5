package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarexpress/polarexpress/pkg/scheduler"
)

func TestOneShotPoolProcessesEveryInput(t *testing.T) {
	sched := scheduler.New(2)
	defer sched.Shutdown()

	strand := sched.NewStrand(scheduler.ClassStateMachine)

	var mu sync.Mutex
	var seen []int

	pool := New(Config[UnitWeight[int], UnitWeight[int]]{
		Strand:    strand,
		MaxActive: 4,
		Process: func(in UnitWeight[int]) (UnitWeight[int], bool) {
			mu.Lock()
			seen = append(seen, in.Value)
			mu.Unlock()
			return UnitWeight[int]{Value: in.Value * 2}, true
		},
	})

	for i := 1; i <= 5; i++ {
		require.True(t, pool.Submit(UnitWeight[int]{Value: i}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, time.Millisecond)
}

func TestPoolRunsUpToMaxActiveConcurrently(t *testing.T) {
	sched := scheduler.New(2)
	defer sched.Shutdown()

	strand := sched.NewStrand(scheduler.ClassStateMachine)

	var active, maxObserved, processed int32
	release := make(chan struct{})

	pool := New(Config[UnitWeight[int], UnitWeight[int]]{
		Strand:     strand,
		MaxActive:  3,
		Persistent: true,
		Process: func(in UnitWeight[int]) (UnitWeight[int], bool) {
			cur := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxObserved)
				if cur <= m || atomic.CompareAndSwapInt32(&maxObserved, m, cur) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			atomic.AddInt32(&processed, 1)
			return in, true
		},
	})

	for i := 0; i < 5; i++ {
		require.True(t, pool.Submit(UnitWeight[int]{Value: i}))
	}

	// Three machines fill their slots and block; the other two inputs wait.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&maxObserved) == 3
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 3, atomic.LoadInt32(&active))

	close(release)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&processed) == 5
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 3, atomic.LoadInt32(&maxObserved), "active machines must never exceed MaxActive")
}

func TestInputWeightRemainingTracksPendingWeight(t *testing.T) {
	sched := scheduler.New(1)
	defer sched.Shutdown()

	strand := sched.NewStrand(scheduler.ClassStateMachine)

	block := make(chan struct{})
	pool := New(Config[UnitWeight[int], UnitWeight[int]]{
		Strand:           strand,
		MaxActive:        1,
		MaxPendingWeight: 3,
		Process: func(in UnitWeight[int]) (UnitWeight[int], bool) {
			<-block
			return in, true
		},
	})

	assert.Equal(t, 3, pool.InputWeightRemaining())

	require.True(t, pool.Submit(UnitWeight[int]{Value: 1}))
	time.Sleep(10 * time.Millisecond) // let the strand dispatch it into "active"

	// The dispatched item leaves the pending queue, so remaining weight
	// returns to full even though a state machine is still processing it.
	assert.Equal(t, 3, pool.InputWeightRemaining())

	close(block)
}
