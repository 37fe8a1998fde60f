// Package iso9141 implements the ISO 9141-2 L2 protocol (spec.md
// §4.6.1): the classic K-line 5-baud handshake, a fixed 3-byte
// header/checksum envelope, an 11-byte max message length with
// message-splitting on overflow, and a receive loop that collects one
// response message per call.
package iso9141

import (
	"time"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/tty"
	"github.com/kline-tools/kdiag/wire"
)

const (
	defaultBitrate = 10400

	// w5Min is the minimum idle time before a 5-baud handshake (spec.md
	// §4.6.1: "sleep W5 (≥300ms)").
	w5Min = 300 * time.Millisecond
	// w2MaxTimeout/w3MaxTimeout bound KB1/KB2 reads when L1 doesn't frame
	// the init itself (W2max/W3max plus an RXTOFFSET fudge, ≈24ms each).
	w2MaxTimeoutMS = 24
	w3MaxTimeoutMS = 24
	// w4Min is the minimum wait before echoing ~KB2 (spec.md: "wait W4min
	// (≥25ms)").
	w4Min = 25 * time.Millisecond
	// w4MaxTimeoutMS bounds the address-echo readback (W4max+RXTOFFSET,
	// ≈59ms).
	w4MaxTimeoutMS = 59

	// maxMessageLen is ISO 9141's hard message-length ceiling.
	maxMessageLen = 11
	headerLen     = 3
)

// validKeyByte reports whether kb is one of the two valid 5-baud key
// bytes, 0x08 or 0x94.
func validKeyByte(kb byte) bool { return kb == 0x08 || kb == 0x94 }

// state is protocol-private per-connection state, stored in
// l2.Conn.Private.
type state struct {
	target, source byte
	p2min          int
}

// Protocol is the ISO 9141-2 L2 protocol.
type Protocol struct{}

func (Protocol) Name() string { return "iso9141" }

func (Protocol) StartComms(conn *l2.Conn, flags uint32, bitrate int, target, source byte) error {
	conn.State = l2.StateConnecting
	st := &state{target: target, source: source, p2min: conn.Timing.P2Min}
	conn.Private = st

	if bitrate == 0 {
		bitrate = defaultBitrate
	}
	if _, err := conn.Link().Ioctl(l0.IoctlSetSpeed, tty.Default8N1(bitrate)); err != nil {
		return err
	}

	if conn.Monitor {
		return nil
	}

	linkFlags := conn.Link().GetFlags()

	time.Sleep(w5Min)
	args := &l0.InitBusArgs{Type: l0.Init5Baud, Addr: target}
	if err := conn.Link().InitBus(args); err != nil {
		return err
	}

	kb1, kb2 := args.KB1, args.KB2
	if !linkFlags.Has(l0.DoesFullInit) {
		buf := make([]byte, 1)
		n, err := conn.Link().Recv(buf, w2MaxTimeoutMS)
		if err != nil || n != 1 {
			return diagerr.Global().SetErr(diagerr.Timeout, "iso9141: no KB1")
		}
		kb1 = buf[0]
		n, err = conn.Link().Recv(buf, w3MaxTimeoutMS)
		if err != nil || n != 1 {
			return diagerr.Global().SetErr(diagerr.Timeout, "iso9141: no KB2")
		}
		kb2 = buf[0]
	}
	if kb1 != kb2 || !validKeyByte(kb1) {
		return diagerr.Global().SetErr(diagerr.WrongKB, "iso9141: bad key bytes %02x %02x", kb1, kb2)
	}
	if kb1 == 0x94 {
		st.p2min = 0
	} else {
		st.p2min = 25
	}

	if !linkFlags.Has(l0.DoesSlowInit) {
		time.Sleep(w4Min)
		if err := conn.Link().Send([]byte{^kb2}, 0); err != nil {
			return err
		}
		echo := make([]byte, 1)
		n, err := conn.Link().Recv(echo, w4MaxTimeoutMS)
		if err != nil || n != 1 || echo[0] != ^target {
			return diagerr.Global().SetErr(diagerr.WrongKB, "iso9141: address echo mismatch")
		}
	}

	conn.Data = l2.L2Data{PhysAddr: target, KB1: kb1, KB2: kb2}
	conn.Timing.P2Min = st.p2min
	return nil
}

func (Protocol) StopComms(conn *l2.Conn) error { return nil }

// frameMessage wraps payload in the fixed 3-byte ISO 9141-2 header and
// appends a checksum, unless the link already does its own checksumming.
func frameMessage(source byte, payload []byte, l1ChecksumsAlready bool) []byte {
	frame := make([]byte, 0, headerLen+len(payload)+1)
	frame = append(frame, 0x68, 0x6A, source)
	frame = append(frame, payload...)
	if !l1ChecksumsAlready {
		frame = wire.AppendSum8(frame)
	}
	return frame
}

func (Protocol) Send(conn *l2.Conn, msg *diagerr.Message) error {
	linkFlags := conn.Link().GetFlags()
	st, _ := conn.Private.(*state)

	if linkFlags.Has(l0.DataOnly) {
		return conn.Link().Send(msg.Data, conn.Timing.P4Min)
	}
	if len(msg.Data)+4 > maxMessageLen {
		return diagerr.Global().SetErr(diagerr.BadLen, "iso9141: payload %d too long (max %d)", len(msg.Data), maxMessageLen-4)
	}
	source := byte(0)
	if st != nil {
		source = st.source
	}
	frame := frameMessage(source, msg.Data, linkFlags.Has(l0.DoesL2Cksum))

	time.Sleep(time.Duration(conn.Timing.P3Min) * time.Millisecond)
	return conn.Link().Send(frame, conn.Timing.P4Min)
}

func (p Protocol) Request(conn *l2.Conn, msg *diagerr.Message) (*diagerr.Message, error) {
	if err := p.Send(conn, msg); err != nil {
		return nil, err
	}
	var reply *diagerr.Message
	err := p.Recv(conn, conn.Timing.P2Max, func(_ any, m *diagerr.Message) { reply = m }, nil)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// splitOverlong breaks a too-long raw byte run into maxMessageLen chunks,
// each retaining the header so every chunk parses independently (spec.md
// §4.6.1: "if a message exceeds 11 bytes, split it (inserting a
// duplicated-and-trimmed predecessor)").
func splitOverlong(raw []byte, header []byte) [][]byte {
	if len(raw) <= maxMessageLen {
		return [][]byte{raw}
	}
	var out [][]byte
	body := raw[len(header):]
	maxBody := maxMessageLen - len(header)
	for len(body) > 0 {
		n := maxBody
		if n > len(body) {
			n = len(body)
		}
		chunk := append(append([]byte(nil), header...), body[:n]...)
		out = append(out, chunk)
		body = body[n:]
	}
	return out
}

// intRecv is the collection loop: state1 waits for the first byte of a
// response run using the caller's timeout, state2 waits for continuation
// bytes within a message using max(P1max, P2min-2) and ends the message
// when that times out. It returns that one message; it does not wait
// P3min for further response messages. Framing L1 links skip state2
// entirely since one Recv call already returns a whole frame.
func (Protocol) intRecv(conn *l2.Conn, timeoutMS int) ([]byte, error) {
	linkFlags := conn.Link().GetFlags()
	buf := make([]byte, 512)
	n := 0

	chunk := make([]byte, 64)
	got, err := conn.Link().Recv(chunk, timeoutMS)
	if err != nil {
		return nil, err
	}
	n += copy(buf[n:], chunk[:got])

	if !linkFlags.Has(l0.DoesL2Frame) {
		state2Timeout := conn.Timing.P1Max
		if v := conn.Timing.P2Min - 2; v > state2Timeout {
			state2Timeout = v
		}
		for {
			got, err := conn.Link().Recv(chunk, state2Timeout)
			if err != nil {
				break // timeout: message complete
			}
			n += copy(buf[n:], chunk[:got])
		}
	}
	return buf[:n], nil
}

func (p Protocol) Recv(conn *l2.Conn, timeoutMS int, cb l2.RecvCallback, handle any) error {
	linkFlags := conn.Link().GetFlags()
	raw, err := p.intRecv(conn, timeoutMS)
	if err != nil {
		return err
	}

	header := []byte{0x48, 0x6B, 0}
	if st, ok := conn.Private.(*state); ok {
		header[2] = st.source
	}

	for _, chunk := range splitOverlong(raw, header) {
		flags := diagerr.FmtFramed
		if !linkFlags.Has(l0.StripsL2Cksum) {
			if wire.VerifySum8(chunk) {
				flags |= diagerr.FmtCksumOK
			} else {
				flags |= diagerr.FmtCksumBad
			}
			if len(chunk) > 0 {
				chunk = chunk[:len(chunk)-1]
			}
		}
		body := chunk
		if !linkFlags.Has(l0.NoHdrs) {
			if len(body) < headerLen {
				continue
			}
			body = body[headerLen:]
		}
		m := diagerr.StaticMsg(append([]byte(nil), body...))
		m.Flags = flags
		cb(handle, m)
	}
	return nil
}

// Timeout has nothing protocol-specific to do: a plain ISO 9141-2 link
// has no keep-alive of its own. Non-intelligent L1s rely on L2.timer
// simply not firing unless the caller built one above this protocol.
func (Protocol) Timeout(conn *l2.Conn) error { return nil }

func (Protocol) Ioctl(conn *l2.Conn, cmd int, data any) (any, error) {
	if l2.IoctlCmd(cmd) == l2.IoctlGetL2Flags {
		return l2.FlagFramed, nil
	}
	return nil, diagerr.Global().SetErr(diagerr.IoctlNotSupp, "iso9141: unsupported ioctl %d", cmd)
}
