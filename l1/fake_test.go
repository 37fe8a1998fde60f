package l1

import (
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/tty"
)

// fakeDevice is a minimal l0.Device double that loops transmitted bytes
// back into its own receive queue, standing in for a half-duplex K-line
// UART during tests. It never touches tty or real hardware.
type fakeDevice struct {
	flags   l0.Flag
	echoBuf []byte
	corrupt map[int]byte // byte-index -> replacement, to simulate a bad echo
	sendLog []byte
}

func newFakeDevice(flags l0.Flag) *fakeDevice {
	return &fakeDevice{flags: flags, corrupt: map[int]byte{}}
}

func (f *fakeDevice) Send(buf []byte) error {
	for _, b := range buf {
		idx := len(f.sendLog)
		f.sendLog = append(f.sendLog, b)
		if repl, ok := f.corrupt[idx]; ok {
			b = repl
		}
		f.echoBuf = append(f.echoBuf, b)
	}
	return nil
}

func (f *fakeDevice) Recv(buf []byte, timeoutMS int) (int, error) {
	if len(f.echoBuf) == 0 {
		return 0, nil
	}
	n := copy(buf, f.echoBuf)
	f.echoBuf = f.echoBuf[n:]
	return n, nil
}

func (f *fakeDevice) InitBus(args *l0.InitBusArgs) error {
	args.KB1, args.KB2 = 0x08, 0x08
	return nil
}

func (f *fakeDevice) SetSpeed(s tty.Settings) error { return nil }

func (f *fakeDevice) GetFlags() l0.Flag { return f.flags }

func (f *fakeDevice) Ioctl(cmd l0.IoctlCmd, data any) (any, error) { return nil, nil }

func (f *fakeDevice) Close() error { return nil }
