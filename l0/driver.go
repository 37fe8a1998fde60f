// Package l0 defines the driver vtable every L0 implementation (dumb,
// br1, elm) satisfies, and the small static registry of known drivers
// (spec.md §4.4, §9 "Driver dispatch"). Per spec.md §9's design note,
// the original's C function-pointer vtable becomes a Go interface;
// per-driver private state lives behind that interface rather than in a
// shared struct.
package l0

import "github.com/kline-tools/kdiag/tty"

// Flag is the L0/L1 capability bitset of spec.md §4.3.
type Flag uint32

const (
	Slow Flag = 1 << iota
	Fast
	PrefFast
	HalfDuplex
	DoesL2Frame
	DoesSlowInit
	DoesL2Cksum
	StripsL2Cksum
	DoesP4Wait
	DoesKeepAlive
	BlockDuplex
	AutoSpeed
	NoHdrs
	DataOnly
	DoesFullInit
	NoTTY
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Proto is the L1-protocol bitmask a driver advertises support for,
// matching freediag's diag_l1.h DIAG_L1_* constants.
type Proto uint32

const (
	ProtoISO9141  Proto = 1 << iota // K line
	ProtoISO14230                   // K line
	ProtoJ1850VPW
	ProtoJ1850PWM
	ProtoCAN
	protoReserved1
	protoReserved2
	ProtoRaw
)

// InitType selects the bus-wakeup handshake spec.md §3 describes as the
// L1 "init bus" argument.
type InitType int

const (
	InitNone InitType = iota
	InitFast
	Init5Baud
	Init2SSlow
)

// InitBusArgs is the spec.md §3 "L1 init bus argument": {type, addr,
// tester_id, kb1, kb2 (out)}.
type InitBusArgs struct {
	Type     InitType
	Addr     byte
	TesterID byte
	KB1, KB2 byte // filled in by the driver on return
}

// Device is an open L0 handle: a serial port plus the driver's private
// state, exposing exactly the operations spec.md §4.4 vtable names
// (minus init/open, which are Driver-level factory operations).
type Device interface {
	// InitBus performs the requested bus-wakeup handshake.
	InitBus(args *InitBusArgs) error
	// Send writes len(buf) bytes to the bus.
	Send(buf []byte) error
	// Recv reads up to len(buf) bytes, blocking up to timeoutMS.
	Recv(buf []byte, timeoutMS int) (int, error)
	// SetSpeed reconfigures the underlying transport's bitrate/framing.
	SetSpeed(s tty.Settings) error
	// GetFlags returns this device's capability bitset.
	GetFlags() Flag
	// Ioctl handles a driver-specific out-of-band command.
	Ioctl(cmd IoctlCmd, data any) (any, error)
	// Close releases the device (and, for a dumb/br1/elm driver, the
	// underlying tty.Port).
	Close() error
}

// IoctlCmd enumerates the handful of L0-level ioctls spec.md names.
type IoctlCmd int

const (
	IoctlGetL1Flags IoctlCmd = iota
	IoctlSetSpeed
	IoctlBR1Stats // BR-1 specific: congestion-retry counters, spec.md §4 supplement
)

// Driver is a registered L0 implementation's static description and
// factory, the freediag diag_l0 struct's init/open/close/getflags/type
// members.
type Driver interface {
	// Name is the short, unique driver name used in the registry.
	Name() string
	// SupportedProtocols is the L1Protocol bitmask this driver can open.
	SupportedProtocols() Proto
	// Open opens the named serial device for the given L1 protocol,
	// failing with diagerr.ProtoNotSupp if proto isn't in
	// SupportedProtocols().
	Open(portName string, proto Proto) (Device, error)
}

// registry is the static table of known drivers, keyed by name
// (freediag's global l0dev_list, diag_l0.h).
var registry = map[string]Driver{}

// Register adds a driver to the static registry. Called from each
// driver subpackage's init().
func Register(d Driver) {
	registry[d.Name()] = d
}

// Lookup returns a registered driver by name.
func Lookup(name string) (Driver, bool) {
	d, ok := registry[name]
	return d, ok
}

// Names returns the registered driver names, for a CLI's "-L" listing.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
