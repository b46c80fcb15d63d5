// Package pipeline implements the generic bounded-queue pool-of-state-
// machines runtime that every backup pipeline stage is built on: a weighted
// pending-input queue, a bound on concurrently active machines, and the
// backpressure/kick protocol between adjacent pools.
package pipeline

import (
	"sync"
	"time"

	"github.com/polarexpress/polarexpress/pkg/scheduler"
)

// Weighted is implemented by pipeline inputs that carry a backpressure
// weight: the maximum number of downstream input slots the state machine
// might consume while processing this input.
type Weighted interface {
	Weight() int
}

// UnitWeight gives any value weight 1, the uniform weighting one-shot pools
// use for their inputs.
type UnitWeight[T any] struct {
	Value T
}

// Weight always returns 1.
func (UnitWeight[T]) Weight() int { return 1 }

// downstream is the narrow interface a pool needs of whatever consumes its
// output: accept one more weighted item, and report remaining capacity.
// A *Pool[Out, X] for any X satisfies this automatically.
type downstream interface {
	submitWeighted(Weighted) bool
	InputWeightRemaining() int
}

type item[In Weighted] struct {
	input In
}

// Pool is a bounded-queue pool of state machines. Dispatch bookkeeping
// runs serially on one strand; the machines themselves run off-strand, up
// to maxActive at a time. Persistent distinguishes long-lived state
// machines (fed many inputs until the run drains) from one-shot pools
// (one input per machine).
type Pool[In Weighted, Out Weighted] struct {
	strand *scheduler.Strand

	maxPendingWeight int
	maxActive        int
	persistent       bool

	process func(In) (Out, bool)

	next downstream

	mu                sync.Mutex
	pending           []item[In]
	pendingWeight     int
	active            int
	activeOutWeight   int
	inputFinished     bool
	precedingFinished func() bool
	kickFn            func()
	lastInputAt       time.Time
}

// Config configures a new Pool.
type Config[In Weighted, Out Weighted] struct {
	Strand           *scheduler.Strand
	MaxPendingWeight int // bound on this pool's own pending-input weight; 0 = unbounded
	MaxActive        int // bound on concurrently active state machines
	Persistent       bool
	// Process runs one input to completion and returns its output (if any)
	// and whether an output was produced. For a one-shot pool this is
	// called once per input; for a persistent pool it represents feeding
	// one input into the long-lived state machine's current batch. Up to
	// MaxActive calls may be in flight concurrently, so Process must
	// synchronize any state shared between machines.
	Process func(In) (Out, bool)
}

// New constructs a Pool from cfg. A MaxActive of zero or less means one
// state machine at a time.
func New[In Weighted, Out Weighted](cfg Config[In, Out]) *Pool[In, Out] {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	return &Pool[In, Out]{
		strand:           cfg.Strand,
		maxPendingWeight: cfg.MaxPendingWeight,
		maxActive:        cfg.MaxActive,
		persistent:       cfg.Persistent,
		process:          cfg.Process,
	}
}

// Submit enqueues an input on the pool's strand. It returns false if the
// pool's pending-input weight bound would be exceeded (backpressure);
// callers should hold the input and retry after the pool's kick fires.
func (p *Pool[In, Out]) Submit(in In) bool {
	return p.submitWeighted(in)
}

func (p *Pool[In, Out]) submitWeighted(w Weighted) bool {
	in, ok := w.(In)
	if !ok {
		return false
	}
	p.mu.Lock()
	if p.maxPendingWeight > 0 && p.pendingWeight+in.Weight() > p.maxPendingWeight {
		p.mu.Unlock()
		return false
	}
	p.pending = append(p.pending, item[In]{input: in})
	p.pendingWeight += in.Weight()
	p.lastInputAt = time.Now()
	p.mu.Unlock()

	p.strand.Post(p.tryRunNext)
	return true
}

// IdleDuration reports how long it has been since this pool last accepted
// an input via Submit, or zero if it has never received one. Used by a
// persistent pool's caller to force a flush after an upstream-idle timeout,
// independent of whether the preceding pool has finished entirely.
func (p *Pool[In, Out]) IdleDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastInputAt.IsZero() {
		return 0
	}
	return time.Since(p.lastInputAt)
}

// InputFinished marks that no further Submit calls will occur; used by a
// one-shot pool's upstream scanner, or a persistent pool once its own
// preceding pool reports finished-and-drained.
func (p *Pool[In, Out]) InputFinished() {
	p.mu.Lock()
	p.inputFinished = true
	p.mu.Unlock()
	p.strand.Post(p.tryRunNext)
}

// SetNext wires the downstream pool that consumes this pool's output. The
// kick back to this pool is wired separately, through the downstream's
// SetKick.
func (p *Pool[In, Out]) SetNext(next downstream) {
	p.next = next
}

// InputWeightRemaining reports how much more pending-input weight this pool
// can currently absorb.
func (p *Pool[In, Out]) InputWeightRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxPendingWeight <= 0 {
		return int(^uint(0) >> 1) // unbounded
	}
	return p.maxPendingWeight - p.pendingWeight
}

// IdleAndNotExpectingMore reports whether the pool is completely idle (no
// pending input, no active machines) and will not receive more input,
// either because InputFinished was called locally or its preceding pool
// reports the same.
func (p *Pool[In, Out]) IdleAndNotExpectingMore() bool {
	p.mu.Lock()
	idle := len(p.pending) == 0 && p.active == 0
	finished := p.inputFinished
	precedingDone := p.precedingFinished
	p.mu.Unlock()

	if !idle {
		return false
	}
	if finished {
		return true
	}
	if precedingDone != nil {
		return precedingDone()
	}
	return false
}

// SetPrecedingFinished wires a predicate reporting whether the preceding
// pool is idle-and-not-expecting-more, used instead of InputFinished when
// this pool sits downstream of another pool rather than a raw producer.
func (p *Pool[In, Out]) SetPrecedingFinished(f func() bool) {
	p.mu.Lock()
	p.precedingFinished = f
	p.mu.Unlock()
}

// tryRunNext dispatches as many queued inputs as the active-machine bound
// and downstream backpressure allow. It only claims slots and hands the
// work off; processing itself happens off-strand in runOne so up to
// maxActive state machines are genuinely in flight at once. Must run on
// the pool's strand.
func (p *Pool[In, Out]) tryRunNext() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		if p.active >= p.maxActive {
			p.mu.Unlock()
			return
		}
		next := p.pending[0]
		projected := next.input.Weight()

		if p.next != nil {
			remaining := p.next.InputWeightRemaining()
			if remaining < p.activeOutWeight+projected {
				p.mu.Unlock()
				return
			}
		}

		p.pending = p.pending[1:]
		p.pendingWeight -= projected
		p.active++
		p.activeOutWeight += projected
		p.mu.Unlock()

		go p.runOne(next.input, projected)
	}
}

// runOne runs a single claimed input to completion, releases its active
// slot, forwards the output, and re-enters the dispatch loop on the strand
// so the freed slot is refilled.
func (p *Pool[In, Out]) runOne(in In, projected int) {
	out, ok := p.process(in)

	p.mu.Lock()
	p.active--
	p.activeOutWeight -= projected
	p.mu.Unlock()

	if ok && p.next != nil {
		p.next.submitWeighted(out)
	}

	p.kickPreceding()
	p.strand.Post(p.tryRunNext)
}

// kickPreceding is the single one-way cross-strand message allowed by the
// backpressure protocol: when this pool's pending weight drops, it asks the
// preceding pool to try dispatching again.
func (p *Pool[In, Out]) kickPreceding() {
	p.mu.Lock()
	fn := p.kickFn
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetKick wires the function that posts a kick to the preceding pool's
// strand. Called by the orchestrator after constructing both pools.
func (p *Pool[In, Out]) SetKick(fn func()) {
	p.mu.Lock()
	p.kickFn = fn
	p.mu.Unlock()
}

// Retry posts another dispatch attempt to this pool's strand. Exported so an
// orchestrator can wire one pool's SetKick to the preceding pool's Retry,
// without either pool needing to know the other's concrete type.
func (p *Pool[In, Out]) Retry() {
	p.strand.Post(p.tryRunNext)
}
