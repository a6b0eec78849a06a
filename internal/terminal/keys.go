package terminal

import (
	"fmt"
	"unicode/utf8"
)

// Special identifies a non-printable key.
type Special uint8

const (
	None Special = iota
	Escape
	Enter
	Backspace
	Tab
	Up
	Down
	Left
	Right
	Home
	End
	PageUp
	PageDown
	CtrlC
	CtrlL
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12
)

var specialNames = map[Special]string{
	Escape: "Esc", Enter: "Enter", Backspace: "Backspace", Tab: "Tab",
	Up: "Up", Down: "Down", Left: "Left", Right: "Right",
	Home: "Home", End: "End", PageUp: "PgUp", PageDown: "PgDn",
	CtrlC: "Ctrl-C", CtrlL: "Ctrl-L",
}

// Key is one decoded key press: either a printable rune or a Special.
type Key struct {
	Rune    rune
	Special Special
}

// Char returns the key of a printable rune.
func Char(r rune) Key { return Key{Rune: r} }

// Is reports whether k is the special key s.
func (k Key) Is(s Special) bool { return k.Rune == 0 && k.Special == s }

func (k Key) String() string {
	if k.Special == None {
		return string(k.Rune)
	}
	if k.Special >= F1 && k.Special <= F12 {
		return fmt.Sprintf("F%d", k.Special-F1+1)
	}
	if name, ok := specialNames[k.Special]; ok {
		return name
	}
	return "?"
}

// csiTilde maps "ESC [ n ~" sequences.
var csiTilde = map[string]Special{
	"1": Home, "7": Home, "4": End, "8": End, "5": PageUp, "6": PageDown,
	"11": F1, "12": F2, "13": F3, "14": F4,
	"15": F5, "17": F6, "18": F7, "19": F8, "20": F9, "21": F10, "23": F11, "24": F12,
}

// csiFinal maps "ESC [ x" and "ESC O x" sequences.
var csiFinal = map[byte]Special{
	'A': Up, 'B': Down, 'C': Right, 'D': Left, 'H': Home, 'F': End,
	'P': F1, 'Q': F2, 'R': F3, 'S': F4,
}

// Decode decodes the first key in buf and returns it with the number of
// bytes consumed. n is 0 when buf is empty or holds an incomplete sequence.
// A lone ESC decodes as Escape; callers wait for the rest of a sequence
// before treating it so.
func Decode(buf []byte) (Key, int) {
	if len(buf) == 0 {
		return Key{}, 0
	}

	switch b := buf[0]; {
	case b == 0x1b:
		return decodeEscape(buf)
	case b == '\r' || b == '\n':
		return Key{Special: Enter}, 1
	case b == 0x7f || b == 0x08:
		return Key{Special: Backspace}, 1
	case b == '\t':
		return Key{Special: Tab}, 1
	case b == 0x03:
		return Key{Special: CtrlC}, 1
	case b == 0x0c:
		return Key{Special: CtrlL}, 1
	case b < 0x20:
		return Key{}, 1 // other control bytes are swallowed
	}

	if !utf8.FullRune(buf) {
		return Key{}, 0
	}
	r, size := utf8.DecodeRune(buf)
	return Key{Rune: r}, size
}

func decodeEscape(buf []byte) (Key, int) {
	if len(buf) == 1 {
		return Key{Special: Escape}, 1
	}

	switch buf[1] {
	case 'O':
		if len(buf) < 3 {
			return Key{}, 0
		}
		if s, ok := csiFinal[buf[2]]; ok {
			return Key{Special: s}, 3
		}
		return Key{}, 3
	case '[':
		// ESC [ params final
		for i := 2; i < len(buf); i++ {
			c := buf[i]
			if c >= 0x40 && c <= 0x7e {
				params := string(buf[2:i])
				if c == '~' {
					if semi := indexByte(params, ';'); semi >= 0 {
						params = params[:semi]
					}
					return Key{Special: csiTilde[params]}, i + 1
				}
				return Key{Special: csiFinal[c]}, i + 1
			}
		}
		return Key{}, 0
	default:
		// Alt+key: report the escape, the key follows
		return Key{Special: Escape}, 1
	}
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
