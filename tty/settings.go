// Package tty implements the C2 serial transport of spec.md §4.2: open
// with restore-on-close semantics, standard and non-standard bitrate
// setup verified by readback, explicit DTR/RTS control, timed read/write
// with drain guarantees, break generation (hardware and bit-banged), and
// port enumeration.
//
// The transport is built on github.com/daedaluz/goserial, a small,
// direct termios/ioctl binding (no libc dependency, no cgo) that exposes
// exactly the primitives this layer needs: raw Termios/Termios2 access
// for custom bitrates, SendBreak/SetBreak/ClearBreak, and modem-line
// control for DTR/RTS. The teacher's own src/serial_port.go wraps
// github.com/pkg/term instead, which is enough for the ELM327 adapter's
// ASCII command session (see l0/elm) but has no break or modem-line
// control, so it can't serve the K-line/KWP2000 wake-up handshakes this
// package exists for.
package tty

import "fmt"

// Parity is the serial parity mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

// Settings is the serial configuration of spec.md §3: "(bitrate: integer
// bps; databits ∈ {5,6,7,8}; stopbits ∈ {1,2}; parity ∈ {none, even,
// odd})". ISO 9141-2 is logically 7O1 but is carried as 8N1 with parity
// handled at the application layer (spec.md §6); most callers use
// Default8N1.
type Settings struct {
	BitRate  int
	DataBits int
	StopBits int
	Parity   Parity
}

// Default8N1 is the serial configuration every protocol in this stack
// actually puts on the wire (spec.md §6).
func Default8N1(bitrate int) Settings {
	return Settings{BitRate: bitrate, DataBits: 8, StopBits: 1, Parity: ParityNone}
}

func (s Settings) String() string {
	return fmt.Sprintf("%d %d%c%d", s.BitRate, s.DataBits, parityLetter(s.Parity), s.StopBits)
}

func parityLetter(p Parity) byte {
	switch p {
	case ParityEven:
		return 'E'
	case ParityOdd:
		return 'O'
	default:
		return 'N'
	}
}

// bitrateAccuracyWarnPercent is the maximum tolerated relative bitrate error before
// Setup warns (spec.md §3: "Expected accuracy: ≤5% bitrate error
// tolerated with warning").
const bitrateAccuracyWarnPercent = 5.0

// standardBauds are bitrates the UART divisor ladder hits exactly; any
// other requested rate is "non-standard" and needs the two-mechanism
// custom-speed path (spec.md §4.2).
var standardBauds = map[int]bool{
	50: true, 75: true, 110: true, 134: true, 150: true, 200: true,
	300: true, 600: true, 1200: true, 1800: true, 2400: true, 4800: true,
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
	230400: true,
}
