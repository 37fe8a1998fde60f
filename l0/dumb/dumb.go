// Package dumb implements the "dumb" K-line L0 driver: a plain UART with
// no on-board protocol smarts, matching freediag's diag_l0_dumb.c. All
// init handshakes (5-baud bit-bang, ISO 14230 fast init) and echo removal
// are done in software against a raw serial port.
package dumb

import (
	"time"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/tty"
)

// Options is the dumb driver's per-device configuration bitset,
// spec.md §4.4's "driver-private state" for this adapter family,
// following freediag diag_l0_dumb.c's L_FLAG_* options.
type Options uint32

const (
	// UseLLine mirrors the wake-up breaks (bit-banged 5-baud and fast
	// init) on an L-line: a dedicated GPIO when one is supplied, otherwise
	// the RTS line. The breaks on the UART's TX pin are still sent.
	UseLLine Options = 1 << iota
	// ClearDTR/SetRTS select the modem-control-line polarity some K-line
	// adapters use to power the interface or hold it in reset.
	ClearDTR
	SetRTS
	// ManBreak plays the 5-baud address as timed breaks instead of
	// reconfiguring the UART to 5 bps, for USB-serial bridges that cannot
	// run that slowly; it also selects tty.FastBreak for fast init.
	ManBreak
	// LLineInv inverts the L-line GPIO's logic sense.
	LLineInv
	// FastBreak always uses tty.FastBreak for ISO 14230 fast init, never
	// the hardware break ioctl.
	FastBreak
	// BlockDuplex declares this device's echo arrives as a whole block
	// rather than needing byte-at-a-time removal (some USB-serial bridges
	// buffer internally and can't be stopped mid-block).
	BlockDuplex
)

// LLine is the optional dedicated K-line wake-up GPIO, implemented by an
// l0/dumb.GPIOLLine (see lline_linux.go) or left nil to mirror the wake-up
// on the RTS line instead.
type LLine interface {
	SetHigh() error
	SetLow() error
	Close() error
}

// Driver is the dumb K-line driver descriptor, registered under the name
// "dumb".
type Driver struct{}

func init() {
	l0.Register(Driver{})
}

func (Driver) Name() string { return "dumb" }

func (Driver) SupportedProtocols() l0.Proto {
	return l0.ProtoISO9141 | l0.ProtoISO14230 | l0.ProtoRaw
}

// Open opens portName as a dumb K-line interface for proto. The returned
// Device defaults to Options(0); callers that need L-line wake-up,
// modem-control polarity, or forced bit-banged break should construct a
// Device directly via OpenWithOptions.
func (d Driver) Open(portName string, proto l0.Proto) (l0.Device, error) {
	return OpenWithOptions(portName, proto, 0, nil)
}

// OpenWithOptions opens portName with explicit Options and, if UseLLine is
// set, a caller-provided LLine GPIO handle.
func OpenWithOptions(portName string, proto l0.Proto, opts Options, lline LLine) (l0.Device, error) {
	if proto&(l0.ProtoISO9141|l0.ProtoISO14230|l0.ProtoRaw) == 0 {
		return nil, diagerr.Global().SetErr(diagerr.ProtoNotSupp, "dumb: proto %d not supported", proto)
	}
	port, err := tty.Open(portName)
	if err != nil {
		return nil, err
	}
	if err := port.Setup(tty.Default8N1(10400)); err != nil {
		_ = port.Close()
		return nil, err
	}
	if opts&ClearDTR != 0 {
		_ = port.Control(false, opts&SetRTS != 0)
	} else {
		_ = port.Control(true, opts&SetRTS != 0)
	}
	return &Device{port: port, proto: proto, opts: opts, lline: lline, cur: tty.Default8N1(10400)}, nil
}

// Device is an open dumb K-line interface.
type Device struct {
	port  *tty.Port
	proto l0.Proto
	opts  Options
	lline LLine
	cur   tty.Settings
}

func (d *Device) GetFlags() l0.Flag {
	f := l0.HalfDuplex | l0.DoesSlowInit | l0.DoesFullInit | l0.Slow
	if d.proto&l0.ProtoISO14230 != 0 {
		f |= l0.Fast | l0.PrefFast
	}
	if d.opts&BlockDuplex != 0 {
		f |= l0.BlockDuplex
	}
	return f
}

func (d *Device) Send(buf []byte) error { return d.port.Write(buf) }

func (d *Device) Recv(buf []byte, timeoutMS int) (int, error) { return d.port.Read(buf, timeoutMS) }

func (d *Device) SetSpeed(s tty.Settings) error {
	if err := d.port.Setup(s); err != nil {
		return err
	}
	d.cur = s
	return nil
}

func (d *Device) Close() error {
	if d.lline != nil {
		_ = d.lline.Close()
	}
	return d.port.Close()
}

func (d *Device) Ioctl(cmd l0.IoctlCmd, data any) (any, error) {
	switch cmd {
	case l0.IoctlGetL1Flags:
		return d.GetFlags(), nil
	case l0.IoctlSetSpeed:
		s, ok := data.(tty.Settings)
		if !ok {
			return nil, diagerr.Global().SetErr(diagerr.General, "dumb: ioctl setspeed: bad arg type")
		}
		return nil, d.SetSpeed(s)
	default:
		return nil, diagerr.Global().SetErr(diagerr.General, "dumb: unsupported ioctl %d", cmd)
	}
}

// lLineLevel returns the logical (possibly inverted) level to drive the
// L-line to represent want (true = high/mark).
func (d *Device) lLineLevel(want bool) bool {
	if d.opts&LLineInv != 0 {
		return !want
	}
	return want
}

// fiveBaudBitMS is one bit period of the 5-baud addressing handshake.
const fiveBaudBitMS = 200

// 5-baud init timing windows (ISO 9141-2 W1..W4, with a receive-latency
// margin on the reads).
const (
	syncByteTimeoutMS = 300
	kbTimeoutMS       = 24
	w4MinMS           = 25
	w4TimeoutMS       = 59
)

// segment is a run of identical bus levels in the 5-baud wire schedule,
// measured in bit periods.
type segment struct {
	low  bool
	bits int
}

// bitSegments renders addr as the 5-baud wire schedule: start bit, eight
// data bits LSB first, stop bit, with consecutive equal bits coalesced so
// every run of zeros becomes a single long break (spec.md §9: "drive TX
// low for N bit periods, where consecutive 0 bits are coalesced").
func bitSegments(addr byte) []segment {
	wire := make([]bool, 0, 10)
	wire = append(wire, false) // start bit
	for i := 0; i < 8; i++ {
		wire = append(wire, (addr>>uint(i))&1 != 0)
	}
	wire = append(wire, true) // stop bit

	var segs []segment
	for _, b := range wire {
		low := !b
		if n := len(segs); n > 0 && segs[n-1].low == low {
			segs[n-1].bits++
			continue
		}
		segs = append(segs, segment{low: low, bits: 1})
	}
	return segs
}

// setLLine drives the optional wake-up L-line (dedicated GPIO, or RTS
// mirroring when none is wired) to the given logical level, honoring
// LLineInv. A no-op unless UseLLine is set.
func (d *Device) setLLine(high bool) {
	if d.opts&UseLLine == 0 {
		return
	}
	level := d.lLineLevel(high)
	if d.lline != nil {
		if level {
			_ = d.lline.SetHigh()
		} else {
			_ = d.lline.SetLow()
		}
		return
	}
	_ = d.port.Control(d.opts&ClearDTR == 0, level)
}

// wakeUp5Baud transmits addr at 5 bps: through the UART itself where the
// hardware can be coaxed down to 5 bps, or by bit-banged breaks when
// ManBreak demands it (USB-serial bridges usually can't do either a true
// 5 bps rate or a cleanly timed long break, hence the knob).
func (d *Device) wakeUp5Baud(addr byte) error {
	if d.opts&ManBreak != 0 {
		return d.wakeUp5BaudBreak(addr)
	}
	return d.wakeUp5BaudUART(addr)
}

// wakeUp5BaudUART reconfigures the UART to a true 5 bps, writes the
// address byte, reads back its half-duplex echo, and restores the prior
// bitrate.
func (d *Device) wakeUp5BaudUART(addr byte) error {
	if err := d.port.Setup(tty.Default8N1(5)); err != nil {
		return err
	}
	werr := d.port.Write([]byte{addr})
	var echo [1]byte
	var rerr error
	if werr == nil {
		// 10 bits at 5 bps is 2s on the wire
		_, rerr = d.port.Read(echo[:], 2500)
	}
	if err := d.port.Setup(d.cur); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}
	if rerr != nil {
		return rerr
	}
	if echo[0] != addr {
		return diagerr.Global().SetErr(diagerr.BusError, "dumb: 5-baud address echo %02x, want %02x", echo[0], addr)
	}
	return nil
}

// wakeUp5BaudBreak plays the coalesced bit schedule as breaks on TX
// (mirrored on the L-line), timing each segment against an absolute
// deadline so per-segment overhead doesn't accumulate across the
// two-second handshake.
func (d *Device) wakeUp5BaudBreak(addr byte) error {
	start := time.Now()
	elapsedBits := 0
	for _, seg := range bitSegments(addr) {
		elapsedBits += seg.bits
		deadline := time.Duration(elapsedBits*fiveBaudBitMS) * time.Millisecond
		if seg.low {
			d.setLLine(false)
			ms := int((deadline - time.Since(start)) / time.Millisecond)
			if ms < 0 {
				ms = 0
			}
			err := d.port.Break(ms)
			d.setLLine(true)
			if err != nil {
				return err
			}
			continue
		}
		if rem := deadline - time.Since(start); rem > 0 {
			time.Sleep(rem)
		}
	}
	return nil
}

// InitBus performs the requested wake-up handshake: the 5-baud slow init
// through the sync byte, key bytes and KB2 complement, or ISO 14230 fast
// init (25ms break plus the idle remainder of the 50ms tWUP window; the
// StartCommunication request itself is sent by L2).
func (d *Device) InitBus(args *l0.InitBusArgs) error {
	switch args.Type {
	case l0.Init5Baud:
		_ = d.port.IFlush()
		if err := d.wakeUp5Baud(args.Addr); err != nil {
			return err
		}
		// a bit-banged break shows up on our own RX as garbage
		if d.opts&ManBreak != 0 {
			_ = d.port.IFlush()
		}

		var b [1]byte
		if _, err := d.port.Read(b[:], syncByteTimeoutMS); err != nil {
			return err
		}
		if b[0] != 0x55 {
			return diagerr.Global().SetErr(diagerr.BadData, "dumb: 5-baud init: sync byte %02x, want 55", b[0])
		}
		if _, err := d.port.Read(b[:], kbTimeoutMS); err != nil {
			return err
		}
		args.KB1 = b[0]
		if _, err := d.port.Read(b[:], kbTimeoutMS); err != nil {
			return err
		}
		args.KB2 = b[0]

		time.Sleep(w4MinMS * time.Millisecond)
		if err := d.port.Write([]byte{^args.KB2}); err != nil {
			return err
		}
		var echo [1]byte
		if _, err := d.port.Read(echo[:], w4TimeoutMS); err != nil { // our own half-duplex echo
			return err
		}
		// Matching key bytes mark the ISO 9141-2 family, whose ECUs
		// answer the KB2 complement with the inverted address. KWP1281
		// ECUs (0x01/0x8A) go straight to their identification telegram,
		// which must be left on the wire for L2.
		if args.KB1 == args.KB2 {
			if _, err := d.port.Read(echo[:], w4TimeoutMS); err != nil {
				return err
			}
			if echo[0] != ^args.Addr {
				return diagerr.Global().SetErr(diagerr.WrongKB, "dumb: address complement %02x, want %02x", echo[0], ^args.Addr)
			}
		}
		return nil
	case l0.InitFast:
		start := time.Now()
		d.setLLine(false)
		var err error
		if d.opts&(ManBreak|FastBreak) != 0 {
			err = d.port.FastBreak(25)
		} else {
			err = d.port.Break(25)
		}
		d.setLLine(true)
		if err != nil {
			return err
		}
		// idle out the remainder of tWUP before L2 talks
		if rem := 50*time.Millisecond - time.Since(start); rem > 0 {
			time.Sleep(rem)
		}
		return nil
	default:
		return diagerr.Global().SetErr(diagerr.InitNotSupp, "dumb: unsupported init type %d", args.Type)
	}
}
