package scheduler

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrandSerializesTasks(t *testing.T) {
	sched := New(2)
	defer sched.Shutdown()

	strand := sched.NewStrand(ClassStateMachine)

	var counter int32
	var maxObserved int32
	const n = 50

	for i := 0; i < n; i++ {
		strand.Post(func() {
			cur := atomic.AddInt32(&counter, 1)
			for cur > atomic.LoadInt32(&maxObserved) {
				atomic.StoreInt32(&maxObserved, cur)
			}
			atomic.AddInt32(&counter, -1)
		})
	}

	sched.WaitForFinish()
	assert.EqualValues(t, 1, maxObserved, "strand must never run two tasks concurrently")
}

func TestWaitForFinishBlocksUntilQuiescent(t *testing.T) {
	sched := New(2)
	defer sched.Shutdown()

	var ran int32
	for i := 0; i < 10; i++ {
		sched.Post(ClassCPU, func() {
			atomic.AddInt32(&ran, 1)
		})
	}
	sched.WaitForFinish()
	assert.EqualValues(t, 10, ran)
}
