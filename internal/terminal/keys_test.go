package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Key
		n     int
	}{
		{"empty", "", Key{}, 0},
		{"rune", "q", Char('q'), 1},
		{"utf8", "é", Char('é'), 2},
		{"partial utf8", "\xc3", Key{}, 0},
		{"lone escape", "\x1b", Key{Special: Escape}, 1},
		{"enter cr", "\r", Key{Special: Enter}, 1},
		{"enter lf", "\n", Key{Special: Enter}, 1},
		{"backspace", "\x7f", Key{Special: Backspace}, 1},
		{"ctrl-c", "\x03", Key{Special: CtrlC}, 1},
		{"ctrl-l", "\x0c", Key{Special: CtrlL}, 1},
		{"swallowed control", "\x01", Key{}, 1},
		{"up", "\x1b[A", Key{Special: Up}, 3},
		{"down", "\x1b[B", Key{Special: Down}, 3},
		{"right", "\x1b[C", Key{Special: Right}, 3},
		{"left", "\x1b[D", Key{Special: Left}, 3},
		{"ss3 up", "\x1bOA", Key{Special: Up}, 3},
		{"f1 ss3", "\x1bOP", Key{Special: F1}, 3},
		{"f2 ss3", "\x1bOQ", Key{Special: F2}, 3},
		{"f5", "\x1b[15~", Key{Special: F5}, 5},
		{"f6", "\x1b[17~", Key{Special: F6}, 5},
		{"f9", "\x1b[20~", Key{Special: F9}, 5},
		{"f10", "\x1b[21~", Key{Special: F10}, 5},
		{"f12", "\x1b[24~", Key{Special: F12}, 5},
		{"f10 with modifier", "\x1b[21;2~", Key{Special: F10}, 7},
		{"page down", "\x1b[6~", Key{Special: PageDown}, 4},
		{"incomplete csi", "\x1b[2", Key{}, 0},
		{"incomplete ss3", "\x1bO", Key{}, 0},
		{"alt key", "\x1bq", Key{Special: Escape}, 1},
		{"sequence then rune", "\x1b[Aq", Key{Special: Up}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, n := Decode([]byte(tt.input))
			assert.Equal(t, tt.want, key)
			assert.Equal(t, tt.n, n)
		})
	}
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "q", Char('q').String())
	assert.Equal(t, "F10", Key{Special: F10}.String())
	assert.Equal(t, "F2", Key{Special: F2}.String())
	assert.Equal(t, "Esc", Key{Special: Escape}.String())
	assert.Equal(t, "Ctrl-L", Key{Special: CtrlL}.String())
}

func TestKey_Is(t *testing.T) {
	assert.True(t, Key{Special: Escape}.Is(Escape))
	assert.False(t, Char('q').Is(Escape))
	assert.False(t, Char('q').Is(None), "printable keys are never special")
	assert.True(t, Key{}.Is(None))
}
