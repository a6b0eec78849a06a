// Package terminal drives the controlling terminal: raw mode, the
// alternate screen, timed key reads and frame output.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// escapeDelay is how long a lone ESC waits for the rest of a sequence.
	escapeDelay = 25 * time.Millisecond
	// pollSlice bounds one blocking wait so pending signals are noticed.
	pollSlice = 100 * time.Millisecond

	enterScreen = "\x1b[?1049h\x1b[?25l"
	leaveScreen = "\x1b[?25h\x1b[?1049l"
)

// ErrNotTerminal is returned when stdin or stdout is not a terminal.
var ErrNotTerminal = errors.New("not a terminal")

// Terminal is an interactive terminal session.
type Terminal struct {
	in      *os.File
	out     io.Writer
	outFd   int
	state   *term.State
	pending []byte

	mu       sync.Mutex
	restored bool
}

// Open puts in into raw mode and switches out to the alternate screen.
func Open(in, out *os.File) (*Terminal, error) {
	if !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return nil, ErrNotTerminal
	}

	state, err := term.MakeRaw(int(in.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to enter raw mode: %w", err)
	}

	t := &Terminal{in: in, out: out, outFd: int(out.Fd()), state: state}
	if _, err := io.WriteString(out, enterScreen); err != nil {
		_ = term.Restore(int(in.Fd()), state)
		return nil, err
	}
	return t, nil
}

// Restore leaves the alternate screen and restores the saved mode. It is
// safe to call more than once.
func (t *Terminal) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.restored {
		return nil
	}
	t.restored = true

	_, werr := io.WriteString(t.out, leaveScreen)
	if t.state == nil {
		return werr
	}
	if err := term.Restore(int(t.in.Fd()), t.state); err != nil {
		return err
	}
	return werr
}

// Size returns the terminal width and height.
func (t *Terminal) Size() (width, height int, err error) {
	return term.GetSize(t.outFd)
}

// Draw replaces the screen contents with frame.
func (t *Terminal) Draw(frame string) error {
	var b strings.Builder
	b.Grow(len(frame) + len(frame)/40 + 16)
	b.WriteString("\x1b[H\x1b[2J")
	// raw mode: newline does not return the carriage
	b.WriteString(strings.ReplaceAll(strings.TrimRight(frame, "\n"), "\n", "\r\n"))
	_, err := io.WriteString(t.out, b.String())
	return err
}

// WaitKey waits up to timeout for a key press. It returns early, with no
// key, once interrupted reports true. A nil interrupted never interrupts.
func (t *Terminal) WaitKey(timeout time.Duration, interrupted func() bool) (Key, bool, error) {
	if key, ok := t.next(); ok {
		return key, true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Key{}, false, nil
		}
		if interrupted != nil && interrupted() {
			return Key{}, false, nil
		}

		wait := remaining
		if wait > pollSlice {
			wait = pollSlice
		}
		ready, err := t.poll(wait)
		if err != nil {
			return Key{}, false, err
		}
		if !ready {
			continue
		}
		if err := t.fill(); err != nil {
			return Key{}, false, err
		}

		// ESC alone may be the start of a sequence still in flight
		if len(t.pending) == 1 && t.pending[0] == 0x1b {
			if more, err := t.poll(escapeDelay); err == nil && more {
				if err := t.fill(); err != nil {
					return Key{}, false, err
				}
			}
		}

		if key, ok := t.next(); ok {
			return key, true, nil
		}
	}
}

func (t *Terminal) next() (Key, bool) {
	for len(t.pending) > 0 {
		key, n := Decode(t.pending)
		if n == 0 {
			return Key{}, false
		}
		t.pending = t.pending[n:]
		if key.Rune != 0 || key.Special != None {
			return key, true
		}
	}
	return Key{}, false
}

func (t *Terminal) poll(wait time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(t.in.Fd()), Events: unix.POLLIN}}
	ms := int(wait / time.Millisecond)
	if ms == 0 && wait > 0 {
		ms = 1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if n > 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 && fds[0].Revents&unix.POLLIN == 0 {
		return false, io.EOF
	}
	return n > 0, nil
}

func (t *Terminal) fill() error {
	buf := make([]byte, 64)
	n, err := t.in.Read(buf)
	if n > 0 {
		t.pending = append(t.pending, buf[:n]...)
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}
