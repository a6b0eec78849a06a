package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/clock"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/shutdown"
	"github.com/shepherd-project/gpuwatch/internal/terminal"
)

// State is the loop's current activity.
type State int32

const (
	Idle State = iota
	Sampling
	Rendering
	Terminating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Rendering:
		return "rendering"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Input waits for key presses. WaitKey returns early, without a key, once
// interrupted reports true.
type Input interface {
	WaitKey(timeout time.Duration, interrupted func() bool) (terminal.Key, bool, error)
}

// Renderer draws snapshots and owns the interactive state.
type Renderer interface {
	Draw(snap *Snapshot) error
	HandleKey(key terminal.Key)
	Resize()
	FreezeProcesses() bool
	EscapeQuits() bool
}

// SignalSource reports signals received since the last poll.
type SignalSource interface {
	Pending() shutdown.Signals
	HasPending() bool
}

// Consumer receives every snapshot exactly once.
type Consumer interface {
	Consume(snap *Snapshot)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(snap *Snapshot)

func (f ConsumerFunc) Consume(snap *Snapshot) { f(snap) }

// LoopConfig 循环配置
type LoopConfig struct {
	Sampler   *Sampler
	Interval  time.Duration
	Input     Input        // nil: sleep on Clock
	Renderer  Renderer     // nil: headless
	Signals   SignalSource // nil: no signals
	Clock     clock.Clock  // nil: wall clock
	Consumers []Consumer
	// Teardown runs once when Run returns.
	Teardown func()
	Logger   gpu.Logger
}

// Loop is the single-threaded refresh loop.
type Loop struct {
	cfg    LoopConfig
	state  atomic.Int32
	cycles atomic.Uint64
	last   *Snapshot
}

// NewLoop creates a loop. The interval defaults to one second.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Input == nil {
		cfg.Input = SleepInput{Clock: cfg.Clock}
	}
	if cfg.Signals == nil {
		cfg.Signals = noSignals{}
	}
	if cfg.Logger == nil {
		cfg.Logger = gpu.NoopLogger()
	}
	return &Loop{cfg: cfg}
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Cycles returns the number of sampling passes so far.
func (l *Loop) Cycles() uint64 {
	return l.cycles.Load()
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run samples every interval, draws after every wakeup and dispatches keys
// until a quit key, a terminating signal or ctx cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.setState(Terminating)
		if l.cfg.Teardown != nil {
			l.cfg.Teardown()
		}
	}()

	interval := l.cfg.Interval
	timeSlept := interval
	interrupted := func() bool {
		return ctx.Err() != nil || l.cfg.Signals.HasPending()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		sig := l.cfg.Signals.Pending()
		if sig.Terminate {
			l.cfg.Logger.Infof("Terminating on signal")
			return nil
		}
		if (sig.Resize || sig.Continue) && l.cfg.Renderer != nil {
			l.cfg.Renderer.Resize()
		}

		var wait time.Duration
		if timeSlept >= interval {
			l.sample(ctx)
			wait = interval
			timeSlept = 0
		} else {
			wait = interval - timeSlept
		}

		if l.cfg.Renderer != nil {
			l.setState(Rendering)
			if err := l.cfg.Renderer.Draw(l.last); err != nil {
				l.cfg.Logger.Warnf("Draw failed: %v", err)
			}
		}

		l.setState(Idle)
		start := l.cfg.Clock.Now()
		key, ok, err := l.cfg.Input.WaitKey(wait, interrupted)
		timeSlept += l.cfg.Clock.Now().Sub(start)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInput, err)
		}
		if ok {
			if l.quits(key) {
				return nil
			}
			if l.cfg.Renderer != nil {
				l.cfg.Renderer.HandleKey(key)
			}
		}
	}
}

func (l *Loop) sample(ctx context.Context) {
	l.setState(Sampling)

	freeze := l.cfg.Renderer != nil && l.cfg.Renderer.FreezeProcesses()
	l.cfg.Sampler.Pass(ctx, freeze)
	l.last = l.cfg.Sampler.Snapshot()
	l.cycles.Add(1)

	for _, c := range l.cfg.Consumers {
		c.Consume(l.last)
	}
}

func (l *Loop) quits(key terminal.Key) bool {
	switch {
	case key.Rune == 'q', key.Is(terminal.CtrlC):
		return true
	case key.Is(terminal.Escape), key.Is(terminal.F10):
		return l.cfg.Renderer == nil || l.cfg.Renderer.EscapeQuits()
	}
	return false
}

// SleepInput is the headless Input: it sleeps on a clock in short slices
// and never yields keys.
type SleepInput struct {
	Clock clock.Clock
}

const sleepSlice = 100 * time.Millisecond

func (s SleepInput) WaitKey(timeout time.Duration, interrupted func() bool) (terminal.Key, bool, error) {
	for timeout > 0 {
		if interrupted != nil && interrupted() {
			break
		}
		d := timeout
		if d > sleepSlice {
			d = sleepSlice
		}
		s.Clock.Sleep(d)
		timeout -= d
	}
	return terminal.Key{}, false, nil
}

type noSignals struct{}

func (noSignals) Pending() shutdown.Signals { return shutdown.Signals{} }
func (noSignals) HasPending() bool          { return false }
