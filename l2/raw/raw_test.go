package raw

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/tty"
)

// loopDevice is a full-duplex l0.Device double that echoes whatever was
// last sent back on the next Recv, enough to exercise raw's Send/Recv
// passthrough without real hardware.
type loopDevice struct {
	queued []byte
}

func (d *loopDevice) Send(buf []byte) error {
	d.queued = append(d.queued, buf...)
	return nil
}
func (d *loopDevice) Recv(buf []byte, _ int) (int, error) {
	if len(d.queued) == 0 {
		return 0, nil
	}
	n := copy(buf, d.queued)
	d.queued = d.queued[n:]
	return n, nil
}
func (d *loopDevice) InitBus(*l0.InitBusArgs) error   { return nil }
func (d *loopDevice) SetSpeed(tty.Settings) error     { return nil }
func (d *loopDevice) GetFlags() l0.Flag               { return 0 } // full duplex: no echo removal
func (d *loopDevice) Ioctl(l0.IoctlCmd, any) (any, error) { return nil, nil }
func (d *loopDevice) Close() error                    { return nil }

func newConn(t *testing.T) (*l2.Core, *l2.Conn) {
	t.Helper()
	c := l2.New()
	dev := &loopDevice{}
	lk, err := c.Open(dev, l0.ProtoRaw)
	require.NoError(t, err)
	conn, err := c.StartCommunications(lk, Protocol{}, 0, 9600, 0x00, 0x00)
	require.NoError(t, err)
	return c, conn
}

func TestSendThenRecvRoundTrips(t *testing.T) {
	c, conn := newConn(t)
	require.NoError(t, c.Send(conn, diagerr.StaticMsg([]byte{0x01, 0x02, 0x03})))

	var got *diagerr.Message
	err := c.Recv(conn, 50, func(_ any, m *diagerr.Message) { got = m }, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got.Data)
}

func TestRequestRoundTrips(t *testing.T) {
	c, conn := newConn(t)
	reply, err := c.Request(conn, diagerr.StaticMsg([]byte{0xAA}))
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA}, reply.Data)
}

func TestIoctlGetL2Flags(t *testing.T) {
	v, err := Protocol{}.Ioctl(nil, int(l2.IoctlGetL2Flags), nil)
	require.NoError(t, err)
	require.Equal(t, l2.ProtoFlag(0), v)

	_, err = Protocol{}.Ioctl(nil, 999, nil)
	require.Error(t, err)
	require.Equal(t, diagerr.IoctlNotSupp, diagerr.CodeOf(err))
}
