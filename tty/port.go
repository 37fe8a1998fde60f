//go:build linux

package tty

import (
	"fmt"
	"time"

	dserial "github.com/daedaluz/goserial"

	"github.com/kline-tools/kdiag/diagerr"
)

// ifFlushTimeout is IFLUSH_TIMEOUT from spec.md §4.2: after discarding
// the kernel's input queue, a short timed read drains bytes already in
// flight on the wire.
const ifFlushTimeout = 30 * time.Millisecond

// Port is an open serial device. It records the settings and modem-line
// state observed at Open so Close can restore them exactly, per spec.md
// §4.2 ("on close, all settings must be restored to the state observed
// at open").
type Port struct {
	name string
	port *dserial.Port

	openAttrs  *dserial.Termios
	openLines  dserial.ModemLine
	cur        Settings
}

// Open opens name (e.g. "/dev/ttyUSB0") in raw mode and snapshots its
// current configuration for later restoration.
func Open(name string) (*Port, error) {
	p, err := dserial.Open(name, dserial.NewOptions())
	if err != nil {
		return nil, diagerr.Global().SetErr(diagerr.BadIFAdapter, "open %s: %v", name, err)
	}
	attrs, err := p.GetAttr()
	if err != nil {
		_ = p.Close()
		return nil, diagerr.Global().SetErr(diagerr.BadIFAdapter, "get attrs %s: %v", name, err)
	}
	lines, _ := p.GetModemLines()

	port := &Port{name: name, port: p, openAttrs: attrs, openLines: lines}
	if err := p.MakeRaw(); err != nil {
		_ = p.Close()
		return nil, diagerr.Global().SetErr(diagerr.BadIFAdapter, "make raw %s: %v", name, err)
	}
	diagerr.Logger().Info("tty open", "port", name)
	return port, nil
}

// Close restores the settings and modem lines observed at Open, then
// closes the underlying file descriptor.
func (p *Port) Close() error {
	if p.openAttrs != nil {
		_ = p.port.SetAttr(dserial.TCSANOW, p.openAttrs)
	}
	_ = p.port.SetModemLines(p.openLines)
	diagerr.Logger().Info("tty close", "port", p.name)
	return p.port.Close()
}

// Setup applies Settings, attempting non-standard bitrates via two
// mechanisms (Termios2 BOTHER custom speed, then the legacy
// ASYNC_SPD_CUST custom-divisor path) and verifying the post-condition
// by re-reading the applied configuration, per spec.md §4.2.
func (p *Port) Setup(s Settings) error {
	attrs, err := p.port.GetAttr()
	if err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "getattr: %v", err)
	}
	attrs.MakeRaw()
	applyDataBits(attrs, s.DataBits)
	applyStopBits(attrs, s.StopBits)
	applyParity(attrs, s.Parity)

	if cflag, ok := standardCFlag(s.BitRate); ok {
		attrs.SetSpeed(cflag)
		if err := p.port.SetAttr(dserial.TCSANOW, attrs); err != nil {
			return diagerr.Global().SetErr(diagerr.BadRate, "setattr %v: %v", s, err)
		}
	} else {
		if err := p.setNonStandardRate(s.BitRate); err != nil {
			return err
		}
	}

	p.cur = s
	return p.verifyRate(s.BitRate)
}

// setNonStandardRate tries Termios2's BOTHER custom-speed mechanism
// first, falling back to the legacy serial_struct custom-divisor
// mechanism, matching spec.md §4.2's "attempted via at least two
// mechanisms".
func (p *Port) setNonStandardRate(bitrate int) error {
	if t2, err := p.port.GetAttr2(); err == nil {
		t2.MakeRaw()
		t2.SetCustomSpeed(uint32(bitrate))
		if err := p.port.SetAttr2(dserial.TCSANOW, t2); err == nil {
			return nil
		}
	}

	ser, err := p.port.GetSerial()
	if err != nil {
		return diagerr.Global().SetErr(diagerr.BadRate, "non-standard rate %d unsupported: %v", bitrate, err)
	}
	if ser.BaudBase <= 0 {
		return diagerr.Global().SetErr(diagerr.BadRate, "non-standard rate %d: no baud_base", bitrate)
	}
	divisor := ser.BaudBase / int32(bitrate)
	if divisor <= 0 {
		return diagerr.Global().SetErr(diagerr.BadRate, "non-standard rate %d: bad divisor", bitrate)
	}
	ser.CustomDivisor = divisor
	ser.Flags = (ser.Flags &^ dserial.AsyncSPDMask) | dserial.AsyncSPDCust
	if err := p.port.SetSerial(ser); err != nil {
		return diagerr.Global().SetErr(diagerr.BadRate, "non-standard rate %d: %v", bitrate, err)
	}

	attrs, err := p.port.GetAttr()
	if err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "getattr after custom divisor: %v", err)
	}
	attrs.SetSpeed(dserial.B38400) // ASYNC_SPD_CUST remaps the nominal 38400 slot
	return p.port.SetAttr(dserial.TCSANOW, attrs)
}

// verifyRate re-reads the configuration and warns if the effective rate
// is off by more than the tolerated 5% (spec.md §3).
func (p *Port) verifyRate(wantBPS int) error {
	// Re-reading the exact effective integer bps needs the legacy
	// serial_struct (custom_divisor/baud_base); for a standard rate we
	// trust the termios readback succeeding as the post-condition.
	ser, err := p.port.GetSerial()
	if err != nil || ser.BaudBase <= 0 || ser.CustomDivisor <= 0 {
		return nil
	}
	effective := int(ser.BaudBase) / int(ser.CustomDivisor)
	errPct := float64(effective-wantBPS) / float64(wantBPS) * 100
	if errPct < 0 {
		errPct = -errPct
	}
	if errPct > bitrateAccuracyWarnPercent {
		diagerr.Logger().Warn("bitrate accuracy", "want", wantBPS, "effective", effective, "error_pct", errPct)
	}
	return nil
}

// Control sets DTR/RTS explicitly, used for bit-banged L-line 5-baud
// init (spec.md §4.2).
func (p *Port) Control(dtr, rts bool) error {
	lines, err := p.port.GetModemLines()
	if err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "getmodemlines: %v", err)
	}
	lines = setBit(lines, dserial.TIOCM_DTR, dtr)
	lines = setBit(lines, dserial.TIOCM_RTS, rts)
	if err := p.port.SetModemLines(lines); err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "setmodemlines: %v", err)
	}
	return nil
}

func setBit(lines dserial.ModemLine, bit dserial.ModemLine, set bool) dserial.ModemLine {
	if set {
		return lines | bit
	}
	return lines &^ bit
}

// IFlush discards pending input and then performs a short timed read to
// drain bytes already in flight on the wire (spec.md §4.2).
func (p *Port) IFlush() error {
	if err := p.port.Flush(dserial.TCIFLUSH); err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "iflush: %v", err)
	}
	buf := make([]byte, 64)
	_, _ = p.Read(buf, int(ifFlushTimeout/time.Millisecond))
	return nil
}

// Read blocks up to timeoutMS for at least one byte, returning the bytes
// actually read (which may be fewer than len(buf)). It fails with
// diagerr.Timeout when nothing arrives in time.
func (p *Port) Read(buf []byte, timeoutMS int) (int, error) {
	p.port.SetReadTimeout(time.Duration(timeoutMS) * time.Millisecond)
	n, err := p.port.Read(buf)
	if err != nil {
		if n == 0 {
			return 0, diagerr.Global().SetErr(diagerr.Timeout, "read %s after %dms", p.name, timeoutMS)
		}
		return n, diagerr.Global().SetErr(diagerr.BadIFAdapter, "read %s: %v", p.name, err)
	}
	if n == 0 {
		return 0, diagerr.Global().SetErr(diagerr.Timeout, "read %s after %dms", p.name, timeoutMS)
	}
	return n, nil
}

// Write writes all of buf or fails, and guarantees the data have left the
// UART (a Drain) before returning, with a byte-count-proportional
// timeout enforcing forward progress (spec.md §4.2).
func (p *Port) Write(buf []byte) error {
	// proportional to the on-wire time at the current rate, so a 5 bps
	// init byte (2s on the wire) doesn't trip the progress check
	rate := p.cur.BitRate
	if rate <= 0 {
		rate = 9600
	}
	timeout := time.Duration((len(buf)+1)*10*1000/rate+50) * time.Millisecond
	done := make(chan error, 1)
	go func() {
		n, err := p.port.Write(buf)
		if err != nil {
			done <- err
			return
		}
		if n != len(buf) {
			done <- fmt.Errorf("short write: %d/%d", n, len(buf))
			return
		}
		done <- p.port.Drain()
	}()
	select {
	case err := <-done:
		if err != nil {
			return diagerr.Global().SetErr(diagerr.BadIFAdapter, "write %s: %v", p.name, err)
		}
		return nil
	case <-time.After(timeout):
		return diagerr.Global().SetErr(diagerr.Timeout, "write %s: did not drain within %v", p.name, timeout)
	}
}

func standardCFlag(bitrate int) (dserial.CFlag, bool) {
	m := map[int]dserial.CFlag{
		50: dserial.B50, 75: dserial.B75, 110: dserial.B110, 134: dserial.B134,
		150: dserial.B150, 200: dserial.B200, 300: dserial.B300, 600: dserial.B600,
		1200: dserial.B1200, 1800: dserial.B1800, 2400: dserial.B2400, 4800: dserial.B4800,
		9600: dserial.B9600, 19200: dserial.B19200, 38400: dserial.B38400,
		57600: dserial.B57600, 115200: dserial.B115200, 230400: dserial.B230400,
	}
	c, ok := m[bitrate]
	return c, ok
}

func applyDataBits(t *dserial.Termios, bits int) {
	t.Cflag &^= dserial.CSIZE
	switch bits {
	case 5:
		t.Cflag |= dserial.CS5
	case 6:
		t.Cflag |= dserial.CS6
	case 7:
		t.Cflag |= dserial.CS7
	default:
		t.Cflag |= dserial.CS8
	}
}

func applyStopBits(t *dserial.Termios, bits int) {
	if bits == 2 {
		t.Cflag |= dserial.CSTOPB
	} else {
		t.Cflag &^= dserial.CSTOPB
	}
}

func applyParity(t *dserial.Termios, p Parity) {
	switch p {
	case ParityEven:
		t.Cflag |= dserial.PARENB
		t.Cflag &^= dserial.PARODD
	case ParityOdd:
		t.Cflag |= dserial.PARENB | dserial.PARODD
	default:
		t.Cflag &^= dserial.PARENB
	}
}
