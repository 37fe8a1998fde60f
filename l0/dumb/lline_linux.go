//go:build linux

package dumb

import (
	"github.com/warthog618/go-gpiocdev"

	"github.com/kline-tools/kdiag/diagerr"
)

// GPIOLLine drives a dedicated K-line wake-up pin through a Linux GPIO
// character device line, for adapters that break the 5-baud init line out
// separately from the UART's TX pin (spec.md §4.4's USE_LLINE option).
// This is the teacher's declared-but-unused go-gpiocdev dependency
// (grepped: no gpiocdev import anywhere under the teacher's src/), wired
// here for the one place this stack actually needs raw GPIO control.
type GPIOLLine struct {
	line *gpiocdev.Line
}

// OpenGPIOLLine requests offset on chip (e.g. "gpiochip0") as an output
// line, initially low.
func OpenGPIOLLine(chip string, offset int) (*GPIOLLine, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, diagerr.Global().SetErr(diagerr.BadIFAdapter, "lline: request %s:%d: %v", chip, offset, err)
	}
	return &GPIOLLine{line: line}, nil
}

func (g *GPIOLLine) SetHigh() error {
	if err := g.line.SetValue(1); err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "lline: set high: %v", err)
	}
	return nil
}

func (g *GPIOLLine) SetLow() error {
	if err := g.line.SetValue(0); err != nil {
		return diagerr.Global().SetErr(diagerr.BadIFAdapter, "lline: set low: %v", err)
	}
	return nil
}

func (g *GPIOLLine) Close() error {
	return g.line.Close()
}
