// Package br1 implements the BR-1 L0 driver: an intelligent USB-serial
// adapter spoken to over a binary framing where a single control byte
// carries the frame length in its low nibble and type/error indications
// in its high bits. The adapter performs the 5-baud and fast init
// handshakes itself and hands the key bytes back through an internal
// state machine on the first reads after init. Framing, chip-connect
// handshake and state machine follow freediag's diag_l0_br.c.
package br1

import (
	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/tty"
)

const (
	// chip-connect handshake performed at open
	chipConnect     = 0x20
	chipConnectResp = 0xFF

	// high bits of the outbound control byte
	wrTypeData = 0x00
	wrTypeInit = 0x40

	// inbound control byte: low nibble is the data length, high bits
	// report errors
	ctlLenMask     = 0x0F
	ctlError       = 0x80 // adapter-detected error (typically bus timeout)
	ctlBusConflict = 0x40 // bus congestion, resend and retry

	// initialisation sub-commands carried in a wrTypeInit frame
	initType5Baud = 0x02
	initTypeFast  = 0x03

	// the length nibble caps a frame at 15 data bytes
	maxFrameLen = 15

	// fixed adapter-facing serial rate; SetSpeed requests are ignored
	bitrate = 19200
)

// maxBusRetries bounds the bus-conflict resend loop (spec.md §4.4:
// "0x40 indicates bus congestion → retry (up to 30 times) from caller").
const maxBusRetries = 30

// state is the BR-1 session state: after a 5-baud init the key bytes are
// parked here and served to the first reads; after a fast-init request
// the wake-up is deferred until the first transmitted message.
type state int

const (
	stateClosed state = iota
	stateOpen
	stateKeyByte1
	stateKeyByte2
	stateFastInit
)

// Driver is the BR-1 driver descriptor, registered under the name "br1".
type Driver struct{}

func init() {
	l0.Register(Driver{})
}

func (Driver) Name() string { return "br1" }

func (Driver) SupportedProtocols() l0.Proto {
	return l0.ProtoISO9141 | l0.ProtoISO14230
}

func (d Driver) Open(portName string, proto l0.Proto) (l0.Device, error) {
	if proto&d.SupportedProtocols() == 0 {
		return nil, diagerr.Global().SetErr(diagerr.ProtoNotSupp, "br1: proto %d not supported", proto)
	}
	port, err := tty.Open(portName)
	if err != nil {
		return nil, err
	}
	dev := &Device{port: port, proto: proto, st: stateClosed}
	if err := port.Setup(tty.Default8N1(bitrate)); err != nil {
		_ = port.Close()
		return nil, err
	}
	_ = port.IFlush()
	if err := port.Write([]byte{chipConnect}); err != nil {
		_ = port.Close()
		return nil, diagerr.Global().SetErr(diagerr.BadIFAdapter, "br1: chip connect write: %v", err)
	}
	var resp [1]byte
	if _, err := port.Read(resp[:], 100); err != nil || resp[0] != chipConnectResp {
		_ = port.Close()
		return nil, diagerr.Global().SetErr(diagerr.BadIFAdapter, "br1: no chip connect response on %s", portName)
	}
	dev.st = stateOpen
	return dev, nil
}

// Stats are the congestion counters spec.md §4.4 calls out as a
// supplemented feature: how often the adapter reported the bus busy, and
// how many conflict loops ran out of retries.
type Stats struct {
	CongestionEvents int
	RetriesExhausted int
}

// Device is an open BR-1 interface.
type Device struct {
	port  *tty.Port
	proto l0.Proto
	st    state
	stats Stats

	kb1, kb2 byte
	// txbuf holds the last data frame for conflict resends, and collects
	// the StartCommunication bytes during a deferred fast init.
	txbuf []byte
}

// GetFlags: the adapter strips the half-duplex echo and paces P4 itself,
// and its init handshake runs internally (key bytes served through Recv,
// so the slow-init tail is already done but the key-byte read is not).
func (d *Device) GetFlags() l0.Flag {
	f := l0.Slow | l0.DoesP4Wait | l0.DoesSlowInit
	if d.proto&l0.ProtoISO14230 != 0 {
		f |= l0.Fast | l0.PrefFast
	}
	return f
}

// frame builds the on-wire form of one message: control byte (length
// nibble plus type bits), then the data.
func frame(typ byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(len(data))|typ)
	return append(out, data...)
}

func (d *Device) writeMsg(typ byte, data []byte) error {
	if len(data) > maxFrameLen {
		return diagerr.Global().SetErr(diagerr.BadLen, "br1: frame of %d bytes exceeds %d", len(data), maxFrameLen)
	}
	return d.port.Write(frame(typ, data))
}

// getMsg reads one framed message: control byte within timeoutMS, then
// exactly the announced number of data bytes within a fixed window.
func (d *Device) getMsg(timeoutMS int) ([]byte, error) {
	var ctl [1]byte
	if _, err := d.port.Read(ctl[:], timeoutMS); err != nil {
		return nil, err
	}
	n := int(ctl[0] & ctlLenMask)
	data := make([]byte, n)
	for got := 0; got < n; {
		r, err := d.port.Read(data[got:], 100)
		if err != nil {
			return nil, err
		}
		got += r
	}
	if ctl[0]&ctlError != 0 {
		return nil, diagerr.Global().SetErr(diagerr.Timeout, "br1: adapter reported error, ctl %02x", ctl[0])
	}
	if ctl[0]&ctlBusConflict != 0 {
		return nil, diagerr.Global().SetErr(diagerr.BusError, "br1: bus conflict, ctl %02x", ctl[0])
	}
	if n == 0 {
		return nil, diagerr.Global().SetErr(diagerr.Timeout, "br1: empty frame")
	}
	return data, nil
}

// getMsgRetry wraps getMsg with the bus-conflict recovery loop: resend
// the last data frame and read again, up to maxBusRetries times.
func (d *Device) getMsgRetry(timeoutMS int) ([]byte, error) {
	retries := 0
	for {
		data, err := d.getMsg(timeoutMS)
		if err == nil {
			return data, nil
		}
		if diagerr.CodeOf(err) != diagerr.BusError {
			return nil, err
		}
		d.stats.CongestionEvents++
		if retries >= maxBusRetries {
			d.stats.RetriesExhausted++
			return nil, err
		}
		retries++
		if len(d.txbuf) > 0 {
			if werr := d.writeMsg(wrTypeData, d.txbuf); werr != nil {
				return nil, werr
			}
		}
	}
}

// Send transmits one message. During a deferred fast init the bytes of
// the upper layer's StartCommunication request are collected and shipped
// as a single wake-up initialisation frame instead.
func (d *Device) Send(buf []byte) error {
	if len(buf) == 0 {
		return diagerr.Global().SetErr(diagerr.BadLen, "br1: empty send")
	}
	if d.st == stateFastInit {
		d.txbuf = append(d.txbuf, buf...)
		if len(d.txbuf) < 5 {
			return nil // StartCommunication is 5 bytes; keep collecting
		}
		out := append([]byte{initTypeFast}, d.txbuf[:5]...)
		d.txbuf = nil
		// stays in fast-init state until the first read
		return d.writeMsg(wrTypeInit, out)
	}
	d.txbuf = append(d.txbuf[:0], buf...)
	return d.writeMsg(wrTypeData, buf)
}

// Recv returns data from the bus, serving parked key bytes first when an
// init has just completed.
func (d *Device) Recv(buf []byte, timeoutMS int) (int, error) {
	if len(buf) == 0 {
		return 0, diagerr.Global().SetErr(diagerr.BadLen, "br1: zero-length recv")
	}
	switch d.st {
	case stateKeyByte1:
		if len(buf) >= 2 {
			buf[0], buf[1] = d.kb1, d.kb2
			d.st = stateOpen
			return 2, nil
		}
		buf[0] = d.kb1
		d.st = stateKeyByte2
		return 1, nil
	case stateKeyByte2:
		buf[0] = d.kb2
		d.st = stateOpen
		return 1, nil
	case stateFastInit:
		d.st = stateOpen
	}
	// ISO mode is raw passthrough once initialised
	return d.port.Read(buf, timeoutMS)
}

// SetSpeed is ignored: the adapter-facing line stays at 19200 8N1 and the
// adapter times the K-line itself.
func (d *Device) SetSpeed(s tty.Settings) error {
	if s.BitRate != bitrate {
		diagerr.Logger().Warn("br1: serial settings override ignored", "requested", s.String())
	}
	return nil
}

func (d *Device) Close() error {
	d.st = stateClosed
	return d.port.Close()
}

// InitBus performs the wake-up: 5-baud init runs on the adapter now (its
// response carries the key bytes, parked for the next reads); fast init
// is deferred until the first transmitted message per the adapter's
// protocol.
func (d *Device) InitBus(args *l0.InitBusArgs) error {
	_ = d.port.IFlush()
	switch args.Type {
	case l0.Init5Baud:
		if err := d.writeMsg(wrTypeInit, []byte{initType5Baud, args.Addr}); err != nil {
			return err
		}
		// 5-baud init is slow: two seconds of addressing plus the ECU's
		// response window
		resp, err := d.getMsgRetry(6000)
		if err != nil {
			return err
		}
		if len(resp) == 1 { // old firmware reports a single key byte
			d.kb1, d.kb2 = resp[0], resp[0]
		} else {
			d.kb1, d.kb2 = resp[0], resp[1]
		}
		args.KB1, args.KB2 = d.kb1, d.kb2
		d.st = stateKeyByte1
		return nil
	case l0.InitFast:
		d.st = stateFastInit
		d.txbuf = nil
		return nil
	default:
		return diagerr.Global().SetErr(diagerr.InitNotSupp, "br1: unsupported init type %d", args.Type)
	}
}

func (d *Device) Ioctl(cmd l0.IoctlCmd, data any) (any, error) {
	switch cmd {
	case l0.IoctlGetL1Flags:
		return d.GetFlags(), nil
	case l0.IoctlBR1Stats:
		return d.stats, nil
	case l0.IoctlSetSpeed:
		s, ok := data.(tty.Settings)
		if !ok {
			return nil, diagerr.Global().SetErr(diagerr.General, "br1: ioctl setspeed: bad arg type")
		}
		return nil, d.SetSpeed(s)
	default:
		return nil, diagerr.Global().SetErr(diagerr.General, "br1: unsupported ioctl %d", cmd)
	}
}
