// Package shutdown turns process signals into flags the monitor loop polls,
// and runs the teardown hooks exactly once when the program ends.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/logger"
)

// Signals is the set of signals received since the last poll.
type Signals struct {
	Terminate bool // SIGINT, SIGTERM, SIGQUIT
	Resize    bool // SIGWINCH
	Continue  bool // SIGCONT
}

// Watcher records asynchronous signals. Nothing runs in signal context;
// the loop drains the flags with Pending.
type Watcher struct {
	ch      chan os.Signal
	stopped sync.Once
}

// Watch starts recording termination, resize and continue signals.
func Watch() *Watcher {
	w := &Watcher{ch: make(chan os.Signal, 16)}
	signal.Notify(w.ch,
		os.Interrupt,    // Ctrl+C
		syscall.SIGTERM, // kill command
		syscall.SIGQUIT, // quit signal
		syscall.SIGWINCH,
		syscall.SIGCONT,
	)
	return w
}

// Pending drains the received signals without blocking.
func (w *Watcher) Pending() Signals {
	var s Signals
	for {
		select {
		case sig := <-w.ch:
			switch sig {
			case syscall.SIGWINCH:
				s.Resize = true
			case syscall.SIGCONT:
				s.Continue = true
			default:
				s.Terminate = true
			}
		default:
			return s
		}
	}
}

// Stop stops signal delivery.
func (w *Watcher) Stop() {
	w.stopped.Do(func() { signal.Stop(w.ch) })
}

// Hook is a function run during teardown.
type Hook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first (e.g., restore the terminal)
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second (e.g., stop the HTTP server)
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third (e.g., close device handles)
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last (e.g., flush logs)
	PriorityLow HookPriority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority HookPriority
}

// Manager runs teardown hooks once, in priority order.
type Manager struct {
	mu      sync.Mutex
	hooks   []registeredHook
	timeout time.Duration
	once    sync.Once
	done    chan struct{}
}

// NewManager creates a new shutdown manager; timeout bounds each hook.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register registers a new shutdown hook with the given name and priority
func (m *Manager) Register(name string, hook Hook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{name: name, hook: hook, priority: priority})
	logger.Debugf("Registered shutdown hook: %s (priority: %d)", name, priority)
}

// Shutdown runs the hooks. Hooks of equal priority run in registration
// order. Later calls return immediately.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		defer close(m.done)

		m.mu.Lock()
		hooks := make([]registeredHook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		sort.SliceStable(hooks, func(i, j int) bool {
			return hooks[i].priority < hooks[j].priority
		})

		for _, h := range hooks {
			m.run(h)
		}
		logger.Debugf("关闭完成")
	})
}

func (m *Manager) run(h registeredHook) {
	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- h.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("关闭钩子 %s 失败: %v", h.name, err)
		}
	case <-ctx.Done():
		logger.Errorf("关闭钩子 %s 超时 (%v)", h.name, m.timeout)
	}
}

// Done returns a channel that's closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// HasPending reports whether a signal is waiting, without consuming it.
func (w *Watcher) HasPending() bool {
	return len(w.ch) > 0
}
