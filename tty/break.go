//go:build linux

package tty

import (
	"time"

	"github.com/kline-tools/kdiag/diagerr"
)

// fastBreakBitrate is the 360 bps ISO 14230 fast-init "0x00 fastbreak"
// rate from spec.md §6.
const fastBreakBitrate = 360

// Break drives TX low for ms milliseconds using the UART's hardware
// break control, then clears it (spec.md §4.2).
func (p *Port) Break(ms int) error {
	if err := p.port.SetBreak(); err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "set break: %v", err)
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	if err := p.port.ClearBreak(); err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "clear break: %v", err)
	}
	return nil
}

// FastBreak implements the bit-banged alternative break generation for
// UARTs that can't drive a true hardware break reliably: drop to 360
// bps, transmit a single 0x00 (whose stop-start framing looks like a
// long low pulse on the wire at the target bitrate), read back the
// loopback echo, restore the prior bitrate, then sleep out the remainder
// of the requested duration. Total elapsed time is measured end-to-end
// and a warning is logged if it deviates from ms by more than 1ms
// (spec.md §4.2, §8 boundary: "requested 50ms must measure 50±2ms").
func (p *Port) FastBreak(ms int) error {
	t0 := time.Now()
	prior := p.cur

	if err := p.Setup(Default8N1(fastBreakBitrate)); err != nil {
		return err
	}
	if err := p.Write([]byte{0x00}); err != nil {
		_ = p.Setup(prior)
		return err
	}
	echo := make([]byte, 1)
	_, _ = p.Read(echo, 300)

	if err := p.Setup(prior); err != nil {
		return err
	}

	elapsedSoFar := time.Since(t0)
	remaining := time.Duration(ms)*time.Millisecond - elapsedSoFar
	if remaining > 0 {
		time.Sleep(remaining)
	}

	total := time.Since(t0)
	deviation := total - time.Duration(ms)*time.Millisecond
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > time.Millisecond {
		diagerr.Logger().Warn("fastbreak timing deviation", "requested_ms", ms, "actual", total, "deviation", deviation)
	}
	return nil
}
