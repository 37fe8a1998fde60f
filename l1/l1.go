// Package l1 implements the C3 link layer of spec.md §4.3: thin
// dispatch to an l0.Device, P4 inter-byte gap insertion on send, and
// half-duplex echo removal, exactly as freediag's diag_l1.c dispatches
// through its diag_l0 vtable while doing the echo-stripping and P4
// timing the hardware itself doesn't.
package l1

import (
	"time"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
)

// Link wraps an open l0.Device with the half-duplex/P4 behavior common
// to every L0 driver, so L2 protocol code never has to special-case
// hardware capability bits itself (spec.md §4.3: "L1 hides the
// half-duplex/full-duplex and framing differences between L0 drivers").
type Link struct {
	dev   l0.Device
	flags l0.Flag
}

// Open wraps dev, rejecting combinations of capability flags spec.md
// §4.3 calls invalid: BLOCKDUPLEX without HALFDUPLEX doesn't mean
// anything, since block-duplex-verification is an echo-removal
// strategy.
func Open(dev l0.Device) (*Link, error) {
	flags := dev.GetFlags()
	if flags.Has(l0.BlockDuplex) && !flags.Has(l0.HalfDuplex) {
		return nil, diagerr.Global().SetErr(diagerr.General, "l1 open: BLOCKDUPLEX without HALFDUPLEX")
	}
	return &Link{dev: dev, flags: flags}, nil
}

// End closes the underlying device. It is idempotent in the sense that
// closing twice only returns the second Close call's error.
func (l *Link) End() error {
	return l.dev.Close()
}

// GetFlags returns the device's capability bitset, used by L2 to decide
// whether it must supply its own init/framing/checksum/keep-alive.
func (l *Link) GetFlags() l0.Flag {
	return l.flags
}

// echoByteTimeoutMS bounds each byte's readback wait during half-duplex
// echo removal (freediag diag_l1.c uses a short fixed per-byte timeout,
// not the overall P4 gap, since the echo should arrive almost
// immediately).
const echoByteTimeoutMS = 200

// Send writes buf to the bus. Drivers that already do their own framing
// or full-duplex transport (DOESL2FRAME, or the absence of HALFDUPLEX)
// get a single pass-through write. Half-duplex drivers without
// DOESP4WAIT get each byte written individually, its transmitted-copy
// echo read back and discarded, with p4ms slept between bytes — the
// generic software half-duplex/P4 behavior spec.md §4.3 describes for
// "dumb" K-line interfaces.
func (l *Link) Send(buf []byte, p4ms int) error {
	if l.flags.Has(l0.DoesL2Frame) || !l.flags.Has(l0.HalfDuplex) {
		return l.dev.Send(buf)
	}

	if l.flags.Has(l0.BlockDuplex) {
		return l.sendBlockDuplex(buf, p4ms)
	}
	return l.sendByteEcho(buf, p4ms)
}

// sendByteEcho is the byte-at-a-time half-duplex path: write one byte,
// read back its own echo, move on. This is what a plain K-line UART
// without hardware echo suppression needs.
func (l *Link) sendByteEcho(buf []byte, p4ms int) error {
	echo := make([]byte, 1)
	for i, b := range buf {
		if err := l.dev.Send(buf[i : i+1]); err != nil {
			return err
		}
		if !l.flags.Has(l0.DoesP4Wait) {
			n, err := l.dev.Recv(echo, echoByteTimeoutMS)
			if err != nil {
				return err
			}
			if n != 1 || echo[0] != b {
				return diagerr.Global().SetErr(diagerr.BusError, "l1 send: echo mismatch byte %d: want %02x got %02x", i, b, echo[0])
			}
		}
		if i != len(buf)-1 && p4ms > 0 {
			time.Sleep(time.Duration(p4ms) * time.Millisecond)
		}
	}
	return nil
}

// sendBlockDuplex is the whole-block half-duplex path for drivers that
// advertise BLOCKDUPLEX (the dumb driver's BlockDuplex option): write the
// whole block, then read back
// len(buf) bytes of echo in one pass rather than byte-by-byte, per
// spec.md §4.3's BLOCKDUPLEX flag.
func (l *Link) sendBlockDuplex(buf []byte, p4ms int) error {
	if err := l.dev.Send(buf); err != nil {
		return err
	}
	if l.flags.Has(l0.DoesP4Wait) {
		return nil
	}
	echo := make([]byte, len(buf))
	got := 0
	for got < len(echo) {
		n, err := l.dev.Recv(echo[got:], echoByteTimeoutMS)
		if err != nil {
			return err
		}
		got += n
	}
	for i := range buf {
		if echo[i] != buf[i] {
			return diagerr.Global().SetErr(diagerr.BusError, "l1 send: block echo mismatch at %d: want %02x got %02x", i, buf[i], echo[i])
		}
	}
	return nil
}

// Recv reads up to len(buf) bytes, mapping a driver's zero-byte,
// no-error reads (some L0 implementations signal timeout that way
// rather than returning an error) onto diagerr.Timeout so L2 code has
// one thing to check.
func (l *Link) Recv(buf []byte, timeoutMS int) (int, error) {
	n, err := l.dev.Recv(buf, timeoutMS)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, diagerr.Global().SetErr(diagerr.Timeout, "l1 recv: 0 bytes in %dms", timeoutMS)
	}
	return n, nil
}

// InitBus forwards the bus wake-up handshake to the device unchanged;
// L1 has no role in the handshake itself beyond dispatch.
func (l *Link) InitBus(args *l0.InitBusArgs) error {
	return l.dev.InitBus(args)
}

// Ioctl forwards a driver-specific out-of-band command.
func (l *Link) Ioctl(cmd l0.IoctlCmd, data any) (any, error) {
	return l.dev.Ioctl(cmd, data)
}
