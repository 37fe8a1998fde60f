package iso9141

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/tty"
	"github.com/kline-tools/kdiag/wire"
)

func TestValidKeyByte(t *testing.T) {
	require.True(t, validKeyByte(0x08))
	require.True(t, validKeyByte(0x94))
	require.False(t, validKeyByte(0x00))
}

func TestFrameMessageAppendsChecksumWhenNeeded(t *testing.T) {
	frame := frameMessage(0xF1, []byte{0x01, 0x02}, false)
	require.True(t, wire.VerifySum8(frame))
	require.Equal(t, []byte{0x68, 0x6A, 0xF1, 0x01, 0x02}, frame[:len(frame)-1])
}

func TestFrameMessageSkipsChecksumWhenL1Does(t *testing.T) {
	frame := frameMessage(0xF1, []byte{0x01, 0x02}, true)
	require.Equal(t, []byte{0x68, 0x6A, 0xF1, 0x01, 0x02}, frame)
}

func TestSplitOverlongShortPassthrough(t *testing.T) {
	raw := []byte{0x48, 0x6B, 0xF1, 0x01, 0x02}
	out := splitOverlong(raw, []byte{0x48, 0x6B, 0xF1})
	require.Len(t, out, 1)
	require.Equal(t, raw, out[0])
}

func TestSplitOverlongSplitsAndKeepsHeader(t *testing.T) {
	header := []byte{0x48, 0x6B, 0xF1}
	body := make([]byte, 20)
	for i := range body {
		body[i] = byte(i)
	}
	raw := append(append([]byte(nil), header...), body...)
	out := splitOverlong(raw, header)
	require.Greater(t, len(out), 1)
	for _, chunk := range out {
		require.LessOrEqual(t, len(chunk), maxMessageLen)
		require.Equal(t, header, chunk[:len(header)])
	}
}

// halfDuplexDevice is a software K-line double: it answers the 5-baud
// init with fixed key bytes, echoes the inverted KB2/address handshake,
// and loops sent frames back for Recv like the teacher's L1 tests do.
type halfDuplexDevice struct {
	kb1, kb2 byte
	target   byte
	queued   []byte
}

func (d *halfDuplexDevice) Send(buf []byte) error {
	if len(buf) == 1 && buf[0] == ^d.kb2 {
		// half-duplex echo of ~KB2, then the ECU's inverted address
		d.queued = append(d.queued, buf[0], ^d.target)
		return nil
	}
	d.queued = append(d.queued, buf...)
	return nil
}
func (d *halfDuplexDevice) Recv(buf []byte, _ int) (int, error) {
	if len(d.queued) == 0 {
		return 0, diagerr.Global().SetErr(diagerr.Timeout, "no data")
	}
	n := copy(buf, d.queued)
	d.queued = d.queued[n:]
	return n, nil
}
func (d *halfDuplexDevice) InitBus(args *l0.InitBusArgs) error {
	d.target = args.Addr
	args.KB1, args.KB2 = d.kb1, d.kb2
	return nil
}
func (d *halfDuplexDevice) SetSpeed(tty.Settings) error { return nil }
func (d *halfDuplexDevice) GetFlags() l0.Flag           { return l0.HalfDuplex | l0.DoesFullInit }
func (d *halfDuplexDevice) Ioctl(l0.IoctlCmd, any) (any, error) {
	return nil, nil
}
func (d *halfDuplexDevice) Close() error { return nil }

func TestStartCommsHandshake(t *testing.T) {
	c := l2.New()
	dev := &halfDuplexDevice{kb1: 0x08, kb2: 0x08}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)

	conn, err := c.StartCommunications(lk, Protocol{}, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	require.Equal(t, l2.StateOpen, conn.State)
	require.Equal(t, byte(0x08), conn.Data.KB1)
	require.Equal(t, 25, conn.Timing.P2Min)
}

func TestStartCommsRejectsBadKeyBytes(t *testing.T) {
	c := l2.New()
	dev := &halfDuplexDevice{kb1: 0x01, kb2: 0x01}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)

	_, err = c.StartCommunications(lk, Protocol{}, 0, 10400, 0x33, 0xF1)
	require.Error(t, err)
	require.Equal(t, diagerr.WrongKB, diagerr.CodeOf(err))
}

func TestStartCommsP2MinZeroOnFastKeyByte(t *testing.T) {
	c := l2.New()
	dev := &halfDuplexDevice{kb1: 0x94, kb2: 0x94}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)

	conn, err := c.StartCommunications(lk, Protocol{}, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	require.Equal(t, 0, conn.Timing.P2Min)
}

func TestSendRejectsOverlongPayload(t *testing.T) {
	c := l2.New()
	dev := &halfDuplexDevice{kb1: 0x08, kb2: 0x08}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	conn, err := c.StartCommunications(lk, Protocol{}, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)

	err = Protocol{}.Send(conn, diagerr.StaticMsg(make([]byte, 10)))
	require.Error(t, err)
	require.Equal(t, diagerr.BadLen, diagerr.CodeOf(err))
}

func TestIoctlGetL2Flags(t *testing.T) {
	v, err := Protocol{}.Ioctl(nil, int(l2.IoctlGetL2Flags), nil)
	require.NoError(t, err)
	flags := v.(l2.ProtoFlag)
	require.True(t, flags.Has(l2.FlagFramed))
	require.False(t, flags.Has(l2.FlagKeepAlive))
}
