// Package mb1 implements the Mercedes-specific `mb1` binary L2 protocol:
// frames shaped `[dest, cmd, total_len, data.., cksum_lo, cksum_hi]` with
// a 16-bit additive checksum and a 1-second keep-alive via command 0x50
// (spec.md §4.6.4).
package mb1

import (
	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/wire"
)

// cmdKeepAlive is the MB1 "are you there" command spec.md names.
const cmdKeepAlive = 0x50

// frameHeaderLen is the dest/cmd/total_len prefix every frame carries.
const frameHeaderLen = 3

// buildFrame assembles a complete MB1 frame: header, payload, and
// trailing 16-bit checksum (low byte first) over everything preceding it.
func buildFrame(dest, cmd byte, data []byte) []byte {
	totalLen := byte(frameHeaderLen + len(data) + 2)
	frame := make([]byte, 0, int(totalLen))
	frame = append(frame, dest, cmd, totalLen)
	frame = append(frame, data...)
	sum := wire.Sum16(frame)
	frame = append(frame, byte(sum), byte(sum>>8))
	return frame
}

// parseFrame validates and splits a received MB1 frame into its
// dest/cmd/payload, verifying the trailing 16-bit checksum.
func parseFrame(raw []byte) (dest, cmd byte, data []byte, err error) {
	if len(raw) < frameHeaderLen+2 {
		return 0, 0, nil, diagerr.Global().SetErr(diagerr.BadLen, "mb1: frame too short (%d bytes)", len(raw))
	}
	totalLen := int(raw[2])
	if totalLen != len(raw) {
		return 0, 0, nil, diagerr.Global().SetErr(diagerr.BadLen, "mb1: length field %d != frame length %d", totalLen, len(raw))
	}
	body := raw[:len(raw)-2]
	want := wire.Sum16(body)
	got := uint16(raw[len(raw)-2]) | uint16(raw[len(raw)-1])<<8
	if want != got {
		return 0, 0, nil, diagerr.Global().SetErr(diagerr.BadCsum, "mb1: checksum mismatch: want %04x got %04x", want, got)
	}
	return raw[0], raw[1], raw[frameHeaderLen : len(raw)-2], nil
}

// Protocol is the MB1 L2 protocol.
type Protocol struct{}

func (Protocol) Name() string { return "mb1" }

func (Protocol) StartComms(conn *l2.Conn, flags uint32, bitrate int, target, source byte) error {
	conn.Data = l2.L2Data{PhysAddr: target}
	conn.SetKeepAliveInterval(1000)
	return nil
}

func (Protocol) StopComms(conn *l2.Conn) error { return nil }

// frameFromMsg builds the on-wire frame for an l2-level message: the
// first payload byte is the command, the rest is data.
func frameFromMsg(conn *l2.Conn, msg *diagerr.Message) []byte {
	if len(msg.Data) == 0 {
		return buildFrame(conn.Target, 0, nil)
	}
	return buildFrame(conn.Target, msg.Data[0], msg.Data[1:])
}

func (Protocol) Send(conn *l2.Conn, msg *diagerr.Message) error {
	return conn.Link().Send(frameFromMsg(conn, msg), conn.Timing.P4Min)
}

func (p Protocol) Request(conn *l2.Conn, msg *diagerr.Message) (*diagerr.Message, error) {
	if err := p.Send(conn, msg); err != nil {
		return nil, err
	}
	return recvOne(conn, conn.Timing.P2Max)
}

func recvOne(conn *l2.Conn, timeoutMS int) (*diagerr.Message, error) {
	buf := make([]byte, 256)
	n, err := conn.Link().Recv(buf, timeoutMS)
	if err != nil {
		return nil, err
	}
	_, cmd, data, err := parseFrame(buf[:n])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, cmd)
	out = append(out, data...)
	return diagerr.StaticMsg(out), nil
}

func (Protocol) Recv(conn *l2.Conn, timeoutMS int, cb l2.RecvCallback, handle any) error {
	m, err := recvOne(conn, timeoutMS)
	if err != nil {
		return err
	}
	cb(handle, m)
	return nil
}

// Timeout sends the MB1 keep-alive (command 0x50) and discards the
// response, mirroring l2/d2's TesterPresent keep-alive.
func (p Protocol) Timeout(conn *l2.Conn) error {
	_, err := p.Request(conn, diagerr.StaticMsg([]byte{cmdKeepAlive}))
	return err
}

func (Protocol) Ioctl(conn *l2.Conn, cmd int, data any) (any, error) {
	if l2.IoctlCmd(cmd) == l2.IoctlGetL2Flags {
		return l2.FlagFramed | l2.FlagKeepAlive | l2.FlagDoesCksum, nil
	}
	return nil, diagerr.Global().SetErr(diagerr.IoctlNotSupp, "mb1: unsupported ioctl %d", cmd)
}
