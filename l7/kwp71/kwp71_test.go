package kwp71

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/l7"
	"github.com/kline-tools/kdiag/tty"
)

type nullDevice struct{}

func (nullDevice) InitBus(*l0.InitBusArgs) error       { return nil }
func (nullDevice) Send([]byte) error                   { return nil }
func (nullDevice) Recv([]byte, int) (int, error)       { return 0, nil }
func (nullDevice) SetSpeed(tty.Settings) error         { return nil }
func (nullDevice) GetFlags() l0.Flag                   { return 0 }
func (nullDevice) Ioctl(l0.IoctlCmd, any) (any, error) { return nil, nil }
func (nullDevice) Close() error                        { return nil }

type reply struct {
	title byte
	data  []byte
	next  *reply
}

// titleProto is a minimal l2.Protocol whose Request answers from a table
// keyed on the request's block title, standing in for l2/vag plus the ECU.
type titleProto struct {
	replies map[byte]reply
	sent    []*diagerr.Message
}

func (p *titleProto) Name() string                                        { return "titled" }
func (p *titleProto) StartComms(*l2.Conn, uint32, int, byte, byte) error  { return nil }
func (p *titleProto) StopComms(*l2.Conn) error                            { return nil }
func (p *titleProto) Send(_ *l2.Conn, msg *diagerr.Message) error {
	p.sent = append(p.sent, msg)
	return nil
}
func (p *titleProto) Request(_ *l2.Conn, msg *diagerr.Message) (*diagerr.Message, error) {
	p.sent = append(p.sent, msg)
	r, ok := p.replies[msg.Type]
	if !ok {
		return nil, diagerr.Global().SetErr(diagerr.Timeout, "no scripted reply for title %02x", msg.Type)
	}
	head := buildReply(&r)
	return head, nil
}
func buildReply(r *reply) *diagerr.Message {
	if r == nil {
		return nil
	}
	m := diagerr.StaticMsg(append([]byte(nil), r.data...))
	m.Type = r.title
	m.Next = buildReply(r.next)
	return m
}
func (p *titleProto) Recv(*l2.Conn, int, l2.RecvCallback, any) error {
	return diagerr.Global().SetErr(diagerr.Timeout, "nothing queued")
}
func (p *titleProto) Timeout(*l2.Conn) error                 { return nil }
func (p *titleProto) Ioctl(*l2.Conn, int, any) (any, error)  { return nil, nil }

func newClient(t *testing.T, replies map[byte]reply) (*Client, *titleProto) {
	t.Helper()
	c := l2.New()
	lk, err := c.Open(nullDevice{}, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &titleProto{replies: replies}
	conn, err := c.StartCommunications(lk, proto, 0, 0, 0x01, 0xF1)
	require.NoError(t, err)
	return New(c, conn), proto
}

func TestPing(t *testing.T) {
	cl, proto := newClient(t, map[byte]reply{
		titleACK: {title: titleACK},
	})
	require.NoError(t, cl.Ping())
	require.Equal(t, byte(titleACK), proto.sent[0].Type)
	require.Empty(t, proto.sent[0].Data)
}

func TestPingWrongTitle(t *testing.T) {
	cl, _ := newClient(t, map[byte]reply{
		titleACK: {title: 0x0A}, // NAK
	})
	err := cl.Ping()
	require.Error(t, err)
	require.Equal(t, diagerr.ECUSaidNo, diagerr.CodeOf(err))
}

func TestReadMemory(t *testing.T) {
	cl, proto := newClient(t, map[byte]reply{
		titleReadMemoryByAddress: {title: respReadMemByAddr, data: []byte{0xCA, 0xFE}},
	})
	out := make([]byte, 2)
	n, err := cl.Read(l7.NSMemory, 0x8000, out)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{0xCA, 0xFE}, out)
	require.Equal(t, byte(titleReadMemoryByAddress), proto.sent[0].Type)
	require.Equal(t, []byte{0x02, 0x80, 0x00}, proto.sent[0].Data)
}

func TestReadROMUsesOwnResponseTitle(t *testing.T) {
	cl, _ := newClient(t, map[byte]reply{
		titleReadROMByAddress: {title: respReadMemByAddr, data: []byte{0x00}}, // memory title, not ROM
	})
	_, err := cl.Read(l7.NSROM, 0x100, make([]byte, 1))
	require.Error(t, err)
	require.Equal(t, diagerr.ECUSaidNo, diagerr.CodeOf(err))
}

func TestReadADC(t *testing.T) {
	cl, _ := newClient(t, map[byte]reply{
		titleReadADC: {title: respReadADC, data: []byte{0x01, 0x92}},
	})
	out := make([]byte, 8)
	n, err := cl.Read(l7.NSADC, 0x05, out)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{0x01, 0x92}, out[:2])
}

func TestReadMemoryShortResponse(t *testing.T) {
	cl, _ := newClient(t, map[byte]reply{
		titleReadMemoryByAddress: {title: respReadMemByAddr, data: []byte{0xCA}},
	})
	_, err := cl.Read(l7.NSMemory, 0x8000, make([]byte, 2))
	require.Error(t, err)
	require.Equal(t, diagerr.ECUSaidNo, diagerr.CodeOf(err))
}

func TestDTCListEmpty(t *testing.T) {
	cl, _ := newClient(t, map[byte]reply{
		titleReadDTC: {title: respReadDTC, data: []byte{0x00}},
	})
	n, err := cl.DTCList(make([]byte, 16))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDTCListFixedStride(t *testing.T) {
	dtcs := []byte{
		0x12, 0x34, 0x01, 0x00, 0x00,
		0x43, 0x21, 0x02, 0x00, 0x00,
	}
	cl, _ := newClient(t, map[byte]reply{
		titleReadDTC: {title: respReadDTC, data: dtcs},
	})
	out := make([]byte, 16)
	n, err := cl.DTCList(out)
	require.NoError(t, err)
	require.Equal(t, 2*DTCStride, n)
	require.Equal(t, dtcs, out[:n])
}

func TestDTCListReportsTrueCountOnShortBuffer(t *testing.T) {
	cl, _ := newClient(t, map[byte]reply{
		titleReadDTC: {title: respReadDTC, data: []byte{1, 2, 3, 4, 5}},
	})
	n, err := cl.DTCList(make([]byte, 1))
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestClearDTC(t *testing.T) {
	cl, proto := newClient(t, map[byte]reply{
		titleReadDTC:                    {title: respReadDTC, data: []byte{1, 2, 3, 4, 5}},
		titleClearDiagnosticInformation: {title: titleACK},
	})
	cleared, err := cl.ClearDTC()
	require.NoError(t, err)
	require.True(t, cleared)
	require.Equal(t, byte(titleReadDTC), proto.sent[0].Type)
	require.Equal(t, byte(titleClearDiagnosticInformation), proto.sent[1].Type)
}

func TestClearDTCNothingStored(t *testing.T) {
	cl, proto := newClient(t, map[byte]reply{
		titleReadDTC: {title: respReadDTC, data: []byte{0x00}},
	})
	cleared, err := cl.ClearDTC()
	require.NoError(t, err)
	require.False(t, cleared)
	require.Len(t, proto.sent, 1)
}
