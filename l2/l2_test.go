package l2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l0"
	"github.com/kline-tools/kdiag/tty"
)

// fakeDevice is a minimal l0.Device double, mirroring l1/fake_test.go's,
// kept separate since l1's is unexported to its own package.
type fakeDevice struct {
	flags l0.Flag
}

func (f *fakeDevice) Send([]byte) error                            { return nil }
func (f *fakeDevice) Recv(buf []byte, _ int) (int, error)          { return 0, nil }
func (f *fakeDevice) InitBus(args *l0.InitBusArgs) error            { return nil }
func (f *fakeDevice) SetSpeed(tty.Settings) error                  { return nil }
func (f *fakeDevice) GetFlags() l0.Flag                            { return f.flags }
func (f *fakeDevice) Ioctl(l0.IoctlCmd, any) (any, error)           { return nil, nil }
func (f *fakeDevice) Close() error                                  { return nil }

// fakeProtocol is a minimal Protocol double recording calls.
type fakeProtocol struct {
	started   bool
	stopped   bool
	sendCount int
	timeouts  int
	failStart bool

	// requestDelay simulates a slow synchronous exchange on the bus.
	requestDelay time.Duration
}

func (p *fakeProtocol) Name() string { return "fake" }

func (p *fakeProtocol) StartComms(conn *Conn, flags uint32, bitrate int, target, source byte) error {
	if p.failStart {
		return diagerr.Global().SetErr(diagerr.WrongKB, "fake: refused")
	}
	p.started = true
	conn.Data = L2Data{PhysAddr: target, KB1: 0x08, KB2: 0x08}
	return nil
}

func (p *fakeProtocol) StopComms(conn *Conn) error {
	p.stopped = true
	return nil
}

func (p *fakeProtocol) Send(conn *Conn, msg *diagerr.Message) error {
	p.sendCount++
	return nil
}

func (p *fakeProtocol) Request(conn *Conn, msg *diagerr.Message) (*diagerr.Message, error) {
	if p.requestDelay > 0 {
		time.Sleep(p.requestDelay)
	}
	return diagerr.StaticMsg([]byte{0x01}), nil
}

func (p *fakeProtocol) Recv(conn *Conn, timeoutMS int, cb RecvCallback, handle any) error {
	cb(handle, diagerr.StaticMsg([]byte{0x02}))
	return nil
}

func (p *fakeProtocol) Timeout(conn *Conn) error {
	p.timeouts++
	return nil
}

func (p *fakeProtocol) Ioctl(conn *Conn, cmd int, data any) (any, error) {
	return uint32(0), nil
}

func TestOpenCreatesLinkOnce(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}

	lk1, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	lk2, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	require.Same(t, lk1, lk2)
	require.Len(t, c.links, 1)
}

func TestOpenRejectsProtocolMismatch(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}

	_, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	_, err = c.Open(dev, l0.ProtoISO14230)
	require.Error(t, err)
	require.Equal(t, diagerr.ProtoNotSupp, diagerr.CodeOf(err))
}

func TestCloseRefusesWhileConnectionOpen(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)

	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	require.NotNil(t, conn)

	require.Error(t, c.Close(lk))

	require.NoError(t, c.StopCommunications(conn))
	require.NoError(t, c.Close(lk))
}

func TestStartCommunicationsSetsDefaultsAndState(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)

	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	require.True(t, proto.started)
	require.Equal(t, StateOpen, conn.State)
	require.Equal(t, DefaultTiming(), conn.Timing)
	require.Equal(t, int64(DefaultTiming().P3Max)*2/3, conn.keepAliveIntervalMS)
}

func TestStartCommunicationsPropagatesStartupFailure(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)

	proto := &fakeProtocol{failStart: true}
	_, err = c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.Error(t, err)
}

func TestSendRequestRecvDelegateToProtocol(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)

	require.NoError(t, c.Send(conn, diagerr.StaticMsg([]byte{0x01})))
	require.Equal(t, 1, proto.sendCount)

	reply, err := c.Request(conn, diagerr.StaticMsg([]byte{0x02}))
	require.NoError(t, err)
	require.NotNil(t, reply)

	var got *diagerr.Message
	err = c.Recv(conn, 100, func(_ any, m *diagerr.Message) { got = m }, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestStopCommunicationsRemovesFromRegistry(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)

	require.Len(t, c.conns, 1)
	require.NoError(t, c.StopCommunications(conn))
	require.True(t, proto.stopped)
	require.Len(t, c.conns, 0)
}

func TestIoctlGetL2Data(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)

	v, err := c.Ioctl(conn, IoctlGetL2Data, nil)
	require.NoError(t, err)
	data, ok := v.(L2Data)
	require.True(t, ok)
	require.Equal(t, byte(0x33), data.PhysAddr)
}

func TestOnTickSkipsMonitorAndKeepAliveCapableLinks(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex | l0.DoesKeepAlive}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	conn.tlastMS -= 10_000_000 // force staleness

	c.onTick()
	require.Equal(t, 0, proto.timeouts, "DOESKEEPALIVE link should never get a software timeout")
}

func TestOnTickFiresTimeoutWhenStale(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	conn.tlastMS -= 10_000_000

	c.onTick()
	require.Equal(t, 1, proto.timeouts)
}

func TestStopCommunicationsFreesPendingChain(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)

	msgs := []*diagerr.Message{diagerr.AllocMsg(4), diagerr.AllocMsg(4), diagerr.AllocMsg(4)}
	msgs[0].Next = msgs[1]
	msgs[1].Next = msgs[2]
	conn.PushPending(msgs[0])

	require.NoError(t, c.StopCommunications(conn))
	for i, m := range msgs {
		require.Nil(t, m.Data, "message %d payload not reclaimed", i)
	}
}

func TestOnTickReturnsImmediatelyWhenRegistryBusy(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	conn.tlastMS -= 10_000_000

	// simulate a synchronous request in flight holding the registry
	c.mu.Lock()
	done := make(chan struct{})
	go func() {
		c.onTick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("onTick blocked on a held registry mutex")
	}
	c.mu.Unlock()
	require.Equal(t, 0, proto.timeouts, "busy tick must not fire timeout handlers")

	// and the next tick proceeds normally
	c.onTick()
	require.Equal(t, 1, proto.timeouts)
}

func TestTimerTickYieldsToInFlightRequest(t *testing.T) {
	c := New()
	dev := &fakeDevice{flags: l0.HalfDuplex}
	lk, err := c.Open(dev, l0.ProtoISO9141)
	require.NoError(t, err)
	proto := &fakeProtocol{requestDelay: 200 * time.Millisecond}
	conn, err := c.StartCommunications(lk, proto, 0, 10400, 0x33, 0xF1)
	require.NoError(t, err)
	conn.tlastMS -= 10_000_000 // stale enough that a tick would fire

	done := make(chan struct{})
	go func() {
		_, _ = c.Request(conn, diagerr.StaticMsg([]byte{0x01}))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let the request take the registry

	t0 := time.Now()
	c.onTick()
	require.Less(t, time.Since(t0), 100*time.Millisecond, "tick must not wait for the in-flight request")
	require.Equal(t, 0, proto.timeouts, "tick must not run keep-alive I/O while a request is in flight")

	<-done
	conn.tlastMS -= 10_000_000 // the completed request stamped tlast; make it stale again
	c.onTick()
	require.Equal(t, 1, proto.timeouts, "the next tick proceeds once the request completes")
}
