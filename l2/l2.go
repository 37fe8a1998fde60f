// Package l2 implements the C5 L2 core: link and connection registries,
// default ISO 14230 timing, keep-alive scheduling, and dispatch to a
// per-protocol implementation (l2/iso9141, l2/d2, l2/vag, l2/raw,
// l2/mb1). Registry shape (global mutex, try-locked periodic callback)
// follows spec.md §5's concurrency model and diagos's timer service.
package l2

import (
	"sync"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/diagos"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/l1"
)

// Timing holds the ISO 14230 timing parameters (all in milliseconds) a
// connection uses, per spec.md §4.5.
type Timing struct {
	P1Min, P1Max   int
	P2Min, P2Max   int
	P2EMin, P2EMax int
	P3Min, P3Max   int
	P4Min, P4Max   int
}

// DefaultTiming is the default ISO 14230 timing set spec.md §4.5 names:
// "P1min=0/max=20, P2min=25/max=50, P2Emin=25/max=5000, P3min=55/max=5000,
// P4min=5/max=20".
func DefaultTiming() Timing {
	return Timing{
		P1Min: 0, P1Max: 20,
		P2Min: 25, P2Max: 50,
		P2EMin: 25, P2EMax: 5000,
		P3Min: 55, P3Max: 5000,
		P4Min: 5, P4Max: 20,
	}
}

// State is a connection's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// IoctlCmd enumerates the L2-level ioctls spec.md §4.5 names.
type IoctlCmd int

const (
	IoctlGetL1Type IoctlCmd = iota
	IoctlGetL1Flags
	IoctlGetL2Flags
	IoctlGetL2Data
	IoctlSetSpeed
)

// L2Data is the payload of a GET_L2_DATA ioctl: the physical target
// address and the two init key bytes negotiated at startcomms.
type L2Data struct {
	PhysAddr byte
	KB1, KB2 byte
}

// ProtoFlag is a protocol's static capability bitset, reported by the
// GET_L2_FLAGS ioctl (freediag's DIAG_L2_FLAG_* values, diag_l2.h).
type ProtoFlag uint32

const (
	// FlagFramed: received data comes up in whole frames; the caller
	// never has to re-frame by timing windows.
	FlagFramed ProtoFlag = 1 << iota
	// FlagDataOnly: addressing lives in the header, not the data, and
	// the caller must calculate the checksum.
	FlagDataOnly
	// FlagKeepAlive: the protocol has a keep-alive exchange of its own.
	FlagKeepAlive
	// FlagDoesCksum: the protocol adds a checksum on send.
	FlagDoesCksum
	// FlagConnectsAlways: startcomms always succeeds; only a real data
	// exchange reveals whether anything is listening.
	FlagConnectsAlways
)

func (f ProtoFlag) Has(bit ProtoFlag) bool { return f&bit != 0 }

// RecvCallback receives one collected message during Conn.Recv.
type RecvCallback func(handle any, msg *diagerr.Message)

// Protocol is the per-L2-protocol behavior a connection dispatches to:
// iso9141, d2, vag, raw, or mb1 (spec.md §4.6).
type Protocol interface {
	Name() string
	StartComms(conn *Conn, flags uint32, bitrate int, target, source byte) error
	StopComms(conn *Conn) error
	Send(conn *Conn, msg *diagerr.Message) error
	Request(conn *Conn, msg *diagerr.Message) (*diagerr.Message, error)
	Recv(conn *Conn, timeoutMS int, cb RecvCallback, handle any) error
	// Timeout is the keep-alive callback L2.timer invokes. Protocols with
	// nothing useful to do on keep-alive (raw) implement it as a no-op.
	Timeout(conn *Conn) error
	Ioctl(conn *Conn, cmd int, data any) (any, error)
}

// Link is a registered L1 connection shared by every Conn opened against
// the same L0 device (spec.md §4.5: "find or create an L2 link").
type Link struct {
	dl0     l0.Device
	l1proto l0.Proto
	link    *l1.Link
	refs    int
}

// Conn is an open L2 connection (spec.md §3's connection record).
type Conn struct {
	link    *Link
	proto   Protocol
	Timing  Timing
	State   State
	Target  byte
	Source  byte
	Monitor bool

	keepAliveIntervalMS int64
	tlastMS             int64

	// Data is the negotiated key-byte/physical-address data a protocol's
	// StartComms fills in and GET_L2_DATA reads back.
	Data L2Data

	// Private is protocol-owned state (e.g. l2/vag's sequence counters).
	Private any

	pending []*diagerr.Message
}

// Core is the L2 registry: the global mutex, link table, and connection
// list spec.md §4.5 describes, plus the keep-alive timer wired through
// diagos's periodic-timer service.
type Core struct {
	mu    sync.Mutex
	links []*Link
	conns []*Conn
	timer *diagos.Timer
}

// New allocates and resets the registries (spec.md's "L2.init").
func New() *Core {
	c := &Core{}
	c.timer = diagos.NewTimer(c.onTick)
	return c
}

// End releases the registries, stopping the keep-alive timer (spec.md's
// "L2.end"). It does not close any still-open link or connection; callers
// are expected to have torn those down first.
func (c *Core) End() {
	c.timer.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links = nil
	c.conns = nil
}

// StartKeepAlive starts the periodic timer driving Core.onTick (and, in
// turn, each eligible connection's protocol Timeout). Separate from New
// so tests can construct a Core without a background goroutine running.
func (c *Core) StartKeepAlive() {
	c.timer.Start()
}

// Open finds or creates an L2 link over dl0 for l1proto, opening the L1
// link the first time (spec.md §4.5: "L2.open").
func (c *Core) Open(dl0 l0.Device, l1proto l0.Proto) (*Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lk := range c.links {
		if lk.dl0 == dl0 {
			if lk.l1proto != l1proto {
				return nil, diagerr.Global().SetErr(diagerr.ProtoNotSupp, "l2 open: link already open with different L1 protocol")
			}
			lk.refs++
			return lk, nil
		}
	}
	link, err := l1.Open(dl0)
	if err != nil {
		return nil, err
	}
	lk := &Link{dl0: dl0, l1proto: l1proto, link: link, refs: 1}
	c.links = append(c.links, lk)
	return lk, nil
}

// Close tears down a link once no connection references it any longer
// (spec.md §4.5: "L2.close").
func (c *Core) Close(lk *Link) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, conn := range c.conns {
		if conn.link == lk {
			return diagerr.Global().SetErr(diagerr.General, "l2 close: link still referenced by an open connection")
		}
	}
	lk.refs--
	if lk.refs > 0 {
		return nil
	}
	for i, l := range c.links {
		if l == lk {
			c.links = append(c.links[:i], c.links[i+1:]...)
			break
		}
	}
	return lk.link.End()
}

// StartCommunications allocates a new connection against an already-open
// link and runs the protocol's startcomms handshake (spec.md §4.5).
func (c *Core) StartCommunications(lk *Link, proto Protocol, flags uint32, bitrate int, target, source byte) (*Conn, error) {
	timing := DefaultTiming()
	conn := &Conn{
		link:                lk,
		proto:               proto,
		Timing:              timing,
		State:               StateClosed,
		Target:              target,
		Source:              source,
		keepAliveIntervalMS: int64(timing.P3Max) * 2 / 3,
	}
	if err := proto.StartComms(conn, flags, bitrate, target, source); err != nil {
		return nil, err
	}
	conn.State = StateOpen
	conn.tlastMS = diagos.MonotonicMS()

	c.mu.Lock()
	c.conns = append([]*Conn{conn}, c.conns...)
	lk.refs++
	c.mu.Unlock()
	return conn, nil
}

// StopCommunications tears a connection down (spec.md §4.5). The
// registry mutex is held across the protocol's stopcomms so its farewell
// exchange can't interleave with a keep-alive tick.
func (c *Core) StopCommunications(conn *Conn) error {
	c.mu.Lock()
	conn.State = StateClosing
	err := conn.proto.StopComms(conn)
	for i, cc := range c.conns {
		if cc == conn {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	for _, m := range conn.pending {
		diagerr.FreeMsg(m)
	}
	conn.pending = nil
	conn.Private = nil
	return err
}

// Send delegates to the protocol and stamps tlast on success. Like every
// mutator below, it holds the registry mutex for its whole duration: the
// timer callback's try-lock is what keeps keep-alive I/O off the serial
// device while a caller's exchange is in flight (spec.md §5, §8
// scenario 6), which only works if the callers themselves hold the lock.
func (c *Core) Send(conn *Conn, msg *diagerr.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.proto.Send(conn, msg); err != nil {
		return err
	}
	conn.tlastMS = diagos.MonotonicMS()
	return nil
}

// Request delegates to the protocol and stamps tlast on success.
func (c *Core) Request(conn *Conn, msg *diagerr.Message) (*diagerr.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := conn.proto.Request(conn, msg)
	if err != nil {
		return nil, err
	}
	conn.tlastMS = diagos.MonotonicMS()
	return reply, nil
}

// Recv delegates to the protocol and stamps tlast on success.
func (c *Core) Recv(conn *Conn, timeoutMS int, cb RecvCallback, handle any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.proto.Recv(conn, timeoutMS, cb, handle); err != nil {
		return err
	}
	conn.tlastMS = diagos.MonotonicMS()
	return nil
}

// Ioctl handles the L2-level ioctls locally, forwarding anything else to
// L1 (spec.md §4.5).
func (c *Core) Ioctl(conn *Conn, cmd IoctlCmd, data any) (any, error) {
	switch cmd {
	case IoctlGetL1Type:
		return conn.link.l1proto, nil
	case IoctlGetL1Flags:
		return conn.link.link.GetFlags(), nil
	case IoctlGetL2Flags:
		return conn.proto.Ioctl(conn, int(cmd), data)
	case IoctlGetL2Data:
		return conn.Data, nil
	case IoctlSetSpeed:
		return conn.link.link.Ioctl(l0.IoctlSetSpeed, data)
	default:
		return conn.link.link.Ioctl(l0.IoctlCmd(cmd), data)
	}
}

// onTick is the keep-alive callback: try-lock (never block a mutator —
// if a Send/Request/Recv holds the registry, this tick simply doesn't
// happen), then fire the protocol's Timeout handler for each open,
// non-monitor connection whose L1 link doesn't do its own keep-alive
// once tlast is stale. The lock is held for the full duration of the
// keep-alive exchanges so they are serialized against caller I/O on the
// same device (spec.md §4.5, §5, §8).
func (c *Core) onTick() {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	now := diagos.MonotonicMS()
	for _, conn := range c.conns {
		if conn.State != StateOpen || conn.Monitor {
			continue
		}
		if conn.link.link.GetFlags().Has(l0.DoesKeepAlive) {
			continue
		}
		if now-conn.tlastMS > conn.keepAliveIntervalMS {
			if err := conn.proto.Timeout(conn); err != nil {
				diagerr.Logger().Debug("l2 keepalive timeout handler failed", "err", err)
			}
			conn.tlastMS = diagos.MonotonicMS()
		}
	}
}

// PushPending appends a received message to conn's pending list;
// StopCommunications frees whatever is still on it. None of the protocol
// packages in this module call it.
func (conn *Conn) PushPending(m *diagerr.Message) {
	conn.pending = append(conn.pending, m)
}

// TakePending drains and returns conn's pending message list.
func (conn *Conn) TakePending() []*diagerr.Message {
	p := conn.pending
	conn.pending = nil
	return p
}

// Link returns the l1.Link this connection communicates over, for
// protocol implementations.
func (conn *Conn) Link() *l1.Link { return conn.link.link }

// SetKeepAliveInterval overrides the default ⅔·P3max keep-alive period,
// for protocols with their own idle budget (mb1's is a flat second).
func (conn *Conn) SetKeepAliveInterval(ms int64) { conn.keepAliveIntervalMS = ms }
