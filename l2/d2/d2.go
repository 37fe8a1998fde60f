// Package d2 implements the Volvo KWP2000 dialect L2 protocol (spec.md
// §4.6.2): fixed-shape frames the intelligent L0 driver frames and
// checksums on its own, a 5-baud-only init with a fixed key-byte pair,
// and a TesterPresent keep-alive.
package d2

import (
	"time"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/l2"
)

const (
	sidStopDiagnosticSession = 0xA0
	sidTesterPresent         = 0xA1

	expectKB1 = 0xD3
	expectKB2 = 0xB0

	initBitrate = 10400

	// the frame's length byte is 0x80 + payload + checksum, so payload
	// runs 1..62
	maxPayload = 62
)

// Protocol is the D2 L2 protocol. Frames are logically
// [0x80 + (len(payload)+1), dest, src, payload.., checksum] on the wire
// (spec.md §4.6.2), but since startcomms requires DOESL2CKSUM (and in
// practice DOESL2FRAME alongside it on every adapter that speaks this
// dialect), Send/Recv hand the intelligent L0 the bare payload and let it
// add and verify the header/checksum itself.
type Protocol struct{}

func (Protocol) Name() string { return "d2" }

func (Protocol) StartComms(conn *l2.Conn, flags uint32, bitrate int, target, source byte) error {
	linkFlags := conn.Link().GetFlags()
	if !linkFlags.Has(l0.DoesFullInit) || !linkFlags.Has(l0.DoesL2Cksum) {
		return diagerr.Global().SetErr(diagerr.InitNotSupp, "d2: requires DOESFULLINIT|DOESL2CKSUM")
	}

	args := &l0.InitBusArgs{Type: l0.Init5Baud, Addr: target}
	if err := conn.Link().InitBus(args); err != nil {
		return err
	}
	if args.KB1 != expectKB1 || args.KB2 != expectKB2 {
		return diagerr.Global().SetErr(diagerr.WrongKB, "d2: unexpected key bytes %02x %02x", args.KB1, args.KB2)
	}
	conn.Data = l2.L2Data{PhysAddr: target, KB1: args.KB1, KB2: args.KB2}
	if bitrate == 0 {
		bitrate = initBitrate
	}
	_ = bitrate // the intelligent L0 negotiated its own rate during InitBus
	return nil
}

// StopComms requests StopDiagnosticSession; if the ECU refuses (or
// doesn't answer), sleep 5s to let it time the session out on its own
// (spec.md §4.6.2).
func (p Protocol) StopComms(conn *l2.Conn) error {
	reply, err := p.Request(conn, diagerr.StaticMsg([]byte{sidStopDiagnosticSession}))
	if err != nil || (len(reply.Data) > 0 && reply.Data[0] == 0x7F) {
		time.Sleep(5 * time.Second)
	}
	return nil
}

func (Protocol) Send(conn *l2.Conn, msg *diagerr.Message) error {
	if len(msg.Data) < 1 || len(msg.Data) > maxPayload {
		return diagerr.Global().SetErr(diagerr.BadLen, "d2: payload %d bytes, must be 1..%d", len(msg.Data), maxPayload)
	}
	time.Sleep(time.Duration(conn.Timing.P3Min) * time.Millisecond)
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

// Timeout sends TesterPresent and discards the reply (spec.md §4.6.2).
func (p Protocol) Timeout(conn *l2.Conn) error {
	_, err := p.Request(conn, diagerr.StaticMsg([]byte{sidTesterPresent}))
	return err
}

func (Protocol) Ioctl(conn *l2.Conn, cmd int, data any) (any, error) {
	if l2.IoctlCmd(cmd) == l2.IoctlGetL2Flags {
		return l2.FlagFramed | l2.FlagKeepAlive, nil
	}
	return nil, diagerr.Global().SetErr(diagerr.IoctlNotSupp, "d2: unsupported ioctl %d", cmd)
}
