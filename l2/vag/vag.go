// Package vag implements the KWP1281 (VAG) L2 protocol (spec.md
// §4.6.3): a 5-baud init expecting the fixed 0x01/0x8A keyword pair, a
// `[len, seq, title, data.., 0x03]` block format with per-byte inverted
// echo acknowledgment, block-level sequence numbers with a NO_ACK_RETRY
// recovery rule, and a master/slave token that alternates with every
// successfully exchanged block.
package vag

import (
	"time"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/tty"
)

const (
	kwByte1 = 0x01
	kwByte2 = 0x8A
	endByte = 0x03

	sidACK   = 0x09
	sidNoAck = 0x0A

	// naRetries/toRetries are SAE J2818's retry budgets (spec.md §4.6.3):
	// at most this many consecutive NO_ACK_RETRY telegrams, or byte-level
	// timeout/mismatch retransmissions, before giving up.
	naRetries = 5
	toRetries = 3

	defaultBitrate = 10400

	// Timing constants named after freediag's KWP1281_T_* (diag_l2_vag.h).
	tR0      = 300 * time.Millisecond // idle before 5-baud init
	tR5MaxMS = 50                     // ECU's first telegram must start within this of our KB2 complement
	tR6Min   = 1 * time.Millisecond   // our minimum gap before sending the next byte
	tR8MS    = 55                     // timeout waiting for any message byte
	tRBMaxMS = 1100                   // max gap between blocks before the session is presumed dead
)

// state is vag's protocol-private per-connection state (freediag's
// struct diag_l2_vag), stored in l2.Conn.Private.
type state struct {
	target, source byte
	seq            byte
	master         bool
	// ecuID is the identification telegram the ECU sends unsolicited
	// right after init; StartComms stashes it so the first Recv call
	// delivers it instead of blocking on the bus (spec.md §4 supplement:
	// "any block received during startcomms before the first explicit
	// recv call is queued").
	ecuID *diagerr.Message
}

// Protocol is the KWP1281 L2 protocol.
type Protocol struct{}

func (Protocol) Name() string { return "vag" }

// encodeBlock builds a raw KWP1281 block: [len, seq, title, data.., 0x03],
// where len counts every byte after itself (spec.md §4.6.3).
func encodeBlock(seq, title byte, data []byte) []byte {
	blockLen := byte(len(data) + 3)
	out := make([]byte, 0, int(blockLen)+1)
	out = append(out, blockLen, seq, title)
	out = append(out, data...)
	out = append(out, endByte)
	return out
}

// decodeBlock validates and splits a raw block into its seq/title/data.
func decodeBlock(raw []byte) (seq, title byte, data []byte, err error) {
	if len(raw) < 4 {
		return 0, 0, nil, diagerr.Global().SetErr(diagerr.BadLen, "vag: block too short (%d bytes)", len(raw))
	}
	blockLen := raw[0]
	if int(blockLen)+1 != len(raw) {
		return 0, 0, nil, diagerr.Global().SetErr(diagerr.BadLen, "vag: length field %d doesn't match block size %d", blockLen, len(raw))
	}
	if raw[len(raw)-1] != endByte {
		return 0, 0, nil, diagerr.Global().SetErr(diagerr.BadData, "vag: missing 0x03 end byte")
	}
	return raw[1], raw[2], append([]byte(nil), raw[3:len(raw)-1]...), nil
}

// seqAfterReceive computes the seq counter a side adopts once it has
// accepted a block whose on-wire seq field was recvSeq: spec.md §8's
// "after a successful send, sender.seq has incremented by 2 (1 for our
// block, 1 reserved for the expected response)" falls out of this being
// called once per accepted block, one block each direction per round
// trip.
func seqAfterReceive(recvSeq byte) byte { return recvSeq + 1 }

func (Protocol) StartComms(conn *l2.Conn, flags uint32, bitrate int, target, source byte) error {
	conn.State = l2.StateConnecting
	if bitrate == 0 {
		bitrate = defaultBitrate
	}
	if _, err := conn.Link().Ioctl(l0.IoctlSetSpeed, tty.Default8N1(bitrate)); err != nil {
		return err
	}
	time.Sleep(tR0)

	args := &l0.InitBusArgs{Type: l0.Init5Baud, Addr: target}
	if err := conn.Link().InitBus(args); err != nil {
		return err
	}
	kb1, kb2 := args.KB1, args.KB2
	if !conn.Link().GetFlags().Has(l0.DoesFullInit) {
		// adapters that don't run the whole handshake themselves hand the
		// key bytes back through the read path
		var b [1]byte
		if _, err := conn.Link().Recv(b[:], tR8MS); err != nil {
			return err
		}
		kb1 = b[0]
		if _, err := conn.Link().Recv(b[:], tR8MS); err != nil {
			return err
		}
		kb2 = b[0]
	}
	if kb1 != kwByte1 || kb2 != kwByte2 {
		return diagerr.Global().SetErr(diagerr.WrongKB, "vag: unexpected key bytes %02x %02x", kb1, kb2)
	}
	conn.Data = l2.L2Data{PhysAddr: target, KB1: kb1, KB2: kb2}

	st := &state{target: target, source: source}
	conn.Private = st

	ecuID, err := intRecvTelegram(conn, st, tR5MaxMS)
	if err != nil {
		return err
	}
	st.ecuID = ecuID
	return nil
}

// StopComms doesn't send anything: per spec.md §4.6.3, SAE J2818 says to
// just stop talking and let the ECU time out on its own.
func (Protocol) StopComms(conn *l2.Conn) error {
	if st, ok := conn.Private.(*state); ok && st.ecuID != nil {
		diagerr.FreeMsg(st.ecuID)
		st.ecuID = nil
	}
	time.Sleep(tRBMaxMS * time.Millisecond)
	return nil
}

// transmitBlock writes a fully-encoded block to the bus. A link that
// frames whole messages itself (carsim) gets one Send call; otherwise
// every byte goes out individually, with the ECU's inverted-complement
// acknowledgment read back (and the whole block retried up to
// toRetries times on a bad or missing ack) before the next byte is sent.
func transmitBlock(conn *l2.Conn, raw []byte) error {
	flags := conn.Link().GetFlags()
	if flags.Has(l0.DoesL2Frame) {
		return conn.Link().Send(raw, 0)
	}

	retries := 0
	for i := 0; i < len(raw); {
		if err := conn.Link().Send(raw[i:i+1], conn.Timing.P4Min); err != nil {
			return err
		}
		if i == len(raw)-1 {
			break // last byte: the ECU sends no ack for it
		}
		echo := make([]byte, 1)
		n, err := conn.Link().Recv(echo, tR8MS)
		if err != nil || n != 1 || echo[0] != ^raw[i] {
			retries++
			if retries > toRetries {
				if err != nil && diagerr.CodeOf(err) != diagerr.Timeout {
					return err
				}
				return diagerr.Global().SetErr(diagerr.BadCsum, "vag: byte ack retries exhausted at offset %d", i)
			}
			// give the ECU time to notice we've gone quiet before we
			// restart the whole block from byte 0 (spec.md §4.6.3:
			// byte-level retransmission).
			time.Sleep(2 * tR8MS * time.Millisecond)
			i = 0
			continue
		}
		time.Sleep(tR6Min)
		i++
	}
	return nil
}

// readOneBlock reads one raw block off the bus: a single framed Recv for
// an intelligent L0, or a byte-at-a-time loop that sends back the
// inverted complement of every non-final byte as the KWP1281 ack.
func readOneBlock(conn *l2.Conn, flags l0.Flag, firstByteTimeoutMS int) ([]byte, error) {
	if flags.Has(l0.DoesL2Frame) {
		buf := make([]byte, 256)
		n, err := conn.Link().Recv(buf, firstByteTimeoutMS)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), buf[:n]...), nil
	}

	buf := make([]byte, 0, 64)
	b := make([]byte, 1)
	timeout := firstByteTimeoutMS
	for {
		n, err := conn.Link().Recv(b, timeout)
		if err != nil || n != 1 {
			if err == nil {
				err = diagerr.Global().SetErr(diagerr.IncData, "vag: short read mid-block")
			}
			return nil, err
		}
		buf = append(buf, b[0])
		if len(buf) > 1 && len(buf)-1 == int(buf[0]) {
			return buf, nil
		}
		timeout = tR8MS
		if err := conn.Link().Send([]byte{^b[0]}, conn.Timing.P4Min); err != nil {
			return nil, err
		}
		time.Sleep(tR6Min)
	}
}

// sendBlockRaw builds and transmits a block at the connection's current
// seq number and flips the master/slave token: after a successful send
// we become slave until the next block we accept makes us master again
// (spec.md §4.6.3 "Sides").
func sendBlockRaw(conn *l2.Conn, st *state, title byte, data []byte) error {
	raw := encodeBlock(st.seq, title, data)
	if err := transmitBlock(conn, raw); err != nil {
		return err
	}
	st.master = false
	return nil
}

// receiveBlock reads and validates one block, handling the seq-number
// NO_ACK_RETRY rule: a block whose seq doesn't match st.seq+1 (odd, one
// past ours) gets rejected with a NO_ACK_RETRY naming the bad seq, our
// own seq bumped by 2 before retrying, per the European-ECU retry
// convention this repo follows (see DESIGN.md's Open Question decision).
func receiveBlock(conn *l2.Conn, st *state, timeoutMS int) (*diagerr.Message, error) {
	flags := conn.Link().GetFlags()
	for {
		raw, err := readOneBlock(conn, flags, timeoutMS)
		if err != nil {
			return nil, err
		}
		seq, title, data, err := decodeBlock(raw)
		if err != nil {
			return nil, err
		}
		if flags.Has(l0.DoesL2Frame) || (seq%2 == 1 && seq == st.seq+1) {
			st.master = true
			st.seq = seqAfterReceive(seq)
			m := diagerr.StaticMsg(data)
			m.Type = title
			m.Flags = diagerr.FmtCksumOK
			return m, nil
		}

		st.seq += 2
		st.master = true
		if err := sendBlockRaw(conn, st, sidNoAck, []byte{seq}); err != nil {
			return nil, err
		}
		timeoutMS = tRBMaxMS
	}
}

// intRecvTelegram collects a full telegram: one or more blocks, ACKing
// every non-terminal one, until the ECU either ACKs our ACK (telegram
// done) or hands us a bare ACK/NO_ACK as the telegram's first and only
// block (spec.md §4.6.3, §4 supplement).
func intRecvTelegram(conn *l2.Conn, st *state, timeoutMS int) (*diagerr.Message, error) {
	var head, tail *diagerr.Message
	naRetryCount := 0

	for {
		m, err := receiveBlock(conn, st, timeoutMS)
		if err != nil {
			diagerr.FreeMsg(head)
			return nil, err
		}

		if head == nil && (m.Type == sidACK || m.Type == sidNoAck) {
			return m, nil
		}

		switch m.Type {
		case sidACK:
			diagerr.FreeMsg(m)
			return head, nil
		case sidNoAck:
			if len(m.Data) == 1 && m.Data[0] == st.seq-2 {
				naRetryCount++
				if naRetryCount >= naRetries {
					diagerr.FreeMsg(head)
					diagerr.FreeMsg(m)
					return nil, diagerr.Global().SetErr(diagerr.ECUSaidNo, "vag: too many NO_ACK retries in a row")
				}
			}
			diagerr.FreeMsg(m)
		default:
			if head == nil {
				head, tail = m, m
			} else {
				tail.Next = m
				tail = m
			}
			naRetryCount = 0
		}

		if err := sendBlockRaw(conn, st, sidACK, nil); err != nil {
			diagerr.FreeMsg(head)
			return nil, err
		}
		timeoutMS = tRBMaxMS
	}
}

// Send transmits a single block whose title is msg.Type and payload is
// msg.Data, discarding a still-unclaimed identification telegram first
// (a caller that sends before ever calling Recv doesn't want it).
func (Protocol) Send(conn *l2.Conn, msg *diagerr.Message) error {
	st := conn.Private.(*state)
	if st.ecuID != nil {
		diagerr.FreeMsg(st.ecuID)
		st.ecuID = nil
	}
	return sendBlockRaw(conn, st, msg.Type, msg.Data)
}

// Recv delivers the stashed identification telegram on the first call
// after StartComms, or collects a fresh telegram otherwise.
func (Protocol) Recv(conn *l2.Conn, timeoutMS int, cb l2.RecvCallback, handle any) error {
	st := conn.Private.(*state)
	var head *diagerr.Message
	var err error
	if st.ecuID != nil {
		head, st.ecuID = st.ecuID, nil
	} else {
		head, err = intRecvTelegram(conn, st, tRBMaxMS)
		if err != nil {
			return err
		}
	}
	cb(handle, head)
	diagerr.FreeMsg(head)
	return nil
}

// Request sends msg and waits for the response telegram, transparently
// retrying the whole request up to naRetries times if the ECU answers
// with a NO_ACK_RETRY naming our just-sent seq (spec.md §4.6.3).
func (p Protocol) Request(conn *l2.Conn, msg *diagerr.Message) (*diagerr.Message, error) {
	st := conn.Private.(*state)
	naRetryCount := 0
	for {
		if err := p.Send(conn, msg); err != nil {
			return nil, err
		}
		reply, err := intRecvTelegram(conn, st, tRBMaxMS)
		if err != nil {
			return nil, err
		}
		if reply.Type != sidNoAck || len(reply.Data) != 1 || reply.Data[0] != st.seq-2 {
			return reply, nil
		}
		diagerr.FreeMsg(reply)
		naRetryCount++
		if naRetryCount >= naRetries {
			return nil, diagerr.Global().SetErr(diagerr.ECUSaidNo, "vag: too many NO_ACK retries on request")
		}
	}
}

// Timeout sends an ACK block as a keep-alive and reads the ECU's ACK
// back, never treating a failure as fatal (spec.md §4.6.3). It preserves
// a still-unclaimed identification telegram across the exchange so a
// caller that hasn't called Recv yet still gets it.
func (p Protocol) Timeout(conn *l2.Conn) error {
	st := conn.Private.(*state)
	savedID := st.ecuID
	st.ecuID = nil
	if err := sendBlockRaw(conn, st, sidACK, nil); err != nil {
		st.ecuID = savedID
		return err
	}
	reply, err := intRecvTelegram(conn, st, tRBMaxMS)
	if err == nil {
		diagerr.FreeMsg(reply)
	}
	st.ecuID = savedID
	return nil
}

func (Protocol) Ioctl(conn *l2.Conn, cmd int, data any) (any, error) {
	if l2.IoctlCmd(cmd) == l2.IoctlGetL2Flags {
		return l2.FlagKeepAlive, nil
	}
	return nil, diagerr.Global().SetErr(diagerr.IoctlNotSupp, "vag: unsupported ioctl %d", cmd)
}
