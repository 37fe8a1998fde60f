// Package raw implements the `raw` L2 protocol: a pure passthrough used
// for unit tests and arbitrary byte interfaces (spec.md §4.6.4). It does
// no framing, checksumming, or handshake of its own.
package raw

import (
	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l2"
)

// Protocol is the raw passthrough L2 protocol.
type Protocol struct{}

func (Protocol) Name() string { return "raw" }

func (Protocol) StartComms(conn *l2.Conn, flags uint32, bitrate int, target, source byte) error {
	conn.Data = l2.L2Data{PhysAddr: target}
	return nil
}

func (Protocol) StopComms(conn *l2.Conn) error { return nil }

func (Protocol) Send(conn *l2.Conn, msg *diagerr.Message) error {
	return conn.Link().Send(msg.Data, conn.Timing.P4Min)
}

func (p Protocol) Request(conn *l2.Conn, msg *diagerr.Message) (*diagerr.Message, error) {
	if err := p.Send(conn, msg); err != nil {
		return nil, err
	}
	buf := make([]byte, 256)
	n, err := conn.Link().Recv(buf, conn.Timing.P2Max)
	if err != nil {
		return nil, err
	}
	return diagerr.StaticMsg(append([]byte(nil), buf[:n]...)), nil
}

func (Protocol) Recv(conn *l2.Conn, timeoutMS int, cb l2.RecvCallback, handle any) error {
	buf := make([]byte, 256)
	n, err := conn.Link().Recv(buf, timeoutMS)
	if err != nil {
		return err
	}
	cb(handle, diagerr.StaticMsg(append([]byte(nil), buf[:n]...)))
	return nil
}

// Timeout is a no-op: raw has no session to keep alive.
func (Protocol) Timeout(conn *l2.Conn) error { return nil }

func (Protocol) Ioctl(conn *l2.Conn, cmd int, data any) (any, error) {
	if l2.IoctlCmd(cmd) == l2.IoctlGetL2Flags {
		return l2.ProtoFlag(0), nil // no framing, checksum, or keep-alive
	}
	return nil, diagerr.Global().SetErr(diagerr.IoctlNotSupp, "raw: unsupported ioctl %d", cmd)
}
