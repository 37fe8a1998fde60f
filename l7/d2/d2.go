// Package d2 implements the Volvo D2 application layer (spec.md §4.7):
// KWP2000-style service requests with manufacturer SIDs in the
// 0xA0..0xBF range, layered on an open L2 session (normally l2/d2).
// This command set drives the engine and chassis ECUs on the 1996-1998
// Volvo 850/S70/V70 family; request and response formats are NOT
// KWP2000, only the service naming is borrowed from it.
package d2

import (
	"bytes"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/l7"
)

const (
	sidTesterPresent               = 0xA1
	sidReadDataByLocalID           = 0xA5
	sidReadDataByLongLocalID       = 0xA6
	sidReadMemoryByAddress         = 0xA7
	sidReadFreezeFrameByDTC        = 0xAD
	sidReadDTC                     = 0xAE
	sidClearDiagnosticInformation  = 0xAF
	sidInputOutputControlByLocalID = 0xB0
	sidStartRoutineByLocalID       = 0xB1
	sidReadNVByLocalID             = 0xB9
)

// Client issues D2 application requests over one L2 connection.
type Client struct {
	core *l2.Core
	conn *l2.Conn
}

// New wraps an open connection. The connection's L2 protocol is expected
// to deliver one response message per request (l2/d2 does).
func New(core *l2.Core, conn *l2.Conn) *Client {
	return &Client{core: core, conn: conn}
}

// positive reports whether resp acknowledges req: the reply SID is the
// request SID with 0x40 set (spec.md §4.7).
func positive(req, resp []byte) bool {
	return len(resp) > 0 && resp[0] == req[0]|0x40
}

func (c *Client) request(req []byte) (*diagerr.Message, error) {
	return c.core.Request(c.conn, diagerr.StaticMsg(req))
}

// Ping verifies communication with the ECU via TesterPresent.
func (c *Client) Ping() error {
	req := []byte{sidTesterPresent}
	resp, err := c.request(req)
	if err != nil {
		return err
	}
	defer diagerr.FreeMsg(resp)
	if !positive(req, resp.Data) {
		return diagerr.Global().SetErr(diagerr.ECUSaidNo, "d2 ping: reply % x", resp.Data)
	}
	return nil
}

// readRequest builds the request bytes for one namespace. Memory reads
// name a 16-bit address and an exact byte count; the identifier-based
// namespaces name a one- or two-byte identifier and let the ECU decide
// the response length.
func readRequest(ns l7.Namespace, addr uint16, count byte) ([]byte, error) {
	switch ns {
	case l7.NSMemory:
		return []byte{sidReadMemoryByAddress, 0, byte(addr >> 8), byte(addr), 1, count}, nil
	case l7.NSLiveData:
		if addr > 0xff {
			return nil, diagerr.Global().SetErr(diagerr.General, "d2 read: livedata identifier %x out of range", addr)
		}
		return []byte{sidReadDataByLocalID, byte(addr), 1}, nil
	case l7.NSLiveData2:
		return []byte{sidReadDataByLongLocalID, byte(addr >> 8), byte(addr), 1}, nil
	case l7.NSNV:
		if addr > 0xff {
			return nil, diagerr.Global().SetErr(diagerr.General, "d2 read: nv identifier %x out of range", addr)
		}
		return []byte{sidReadNVByLocalID, byte(addr)}, nil
	case l7.NSFreeze:
		if addr > 0xff {
			return nil, diagerr.Global().SetErr(diagerr.General, "d2 read: freeze frame DTC %x out of range", addr)
		}
		return []byte{sidReadFreezeFrameByDTC, byte(addr), 0}, nil
	default:
		return nil, diagerr.Global().SetErr(diagerr.General, "d2 read: namespace %v not supported", ns)
	}
}

// Read reads memory, live data, non-volatile data or a freeze frame into
// out, returning the byte count actually received.
//
// A successful memory read always copies exactly len(out) bytes; the ECU
// echoes the address back and a mismatch is a protocol violation. The
// identifier namespaces copy up to len(out) bytes and may return a count
// larger or smaller than requested.
func (c *Client) Read(ns l7.Namespace, addr uint16, out []byte) (int, error) {
	req, err := readRequest(ns, addr, byte(len(out)))
	if err != nil {
		return 0, err
	}
	resp, err := c.request(req)
	if err != nil {
		return 0, err
	}
	defer diagerr.FreeMsg(resp)

	d := resp.Data
	if len(d) < 2 || !positive(req, d) || d[1] != req[1] {
		return 0, diagerr.Global().SetErr(diagerr.ECUSaidNo, "d2 read %v: reply % x", ns, d)
	}

	if ns == l7.NSMemory {
		if len(d) != len(out)+4 || !bytes.Equal(d[1:4], req[1:4]) {
			return 0, diagerr.Global().SetErr(diagerr.ECUSaidNo, "d2 read memory: reply % x", d)
		}
		copy(out, d[4:])
		return len(out), nil
	}

	n := len(d) - 2
	if n > 0 {
		copy(out, d[2:])
	}
	return n, nil
}

// DTCList retrieves the stored DTCs into out, returning the byte count
// the ECU sent even if out was too small for all of it. If more than 12
// DTCs are stored, the ECU sends continuation responses; those are
// drained and discarded with a warning, so only the first response's
// DTCs are returned.
func (c *Client) DTCList(out []byte) (int, error) {
	req := []byte{sidReadDTC, 1}
	resp, err := c.request(req)
	if err != nil {
		return 0, err
	}
	defer diagerr.FreeMsg(resp)

	d := resp.Data
	if len(d) < 2 || !positive(req, d) || d[1] != 1 {
		return 0, diagerr.Global().SetErr(diagerr.ECUSaidNo, "d2 dtclist: reply % x", d)
	}

	count := len(d) - 2
	copy(out, d[2:])

	if len(d) == 14 {
		// A full 12-DTC response means more are queued behind it.
		_ = c.core.Recv(c.conn, 1000, func(any, *diagerr.Message) {}, nil)
		diagerr.Logger().Warn("retrieving only first 12 DTCs")
	}
	return count, nil
}

// ClearDTC clears the stored DTCs. The ECU rejects
// clearDiagnosticInformation unless preceded by a DTC read, so one is
// issued first. Returns false with nil error when there was nothing to
// clear.
func (c *Client) ClearDTC() (bool, error) {
	var probe [1]byte
	n, err := c.DTCList(probe[:])
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	req := []byte{sidClearDiagnosticInformation, 1}
	resp, err := c.request(req)
	if err != nil {
		return false, err
	}
	defer diagerr.FreeMsg(resp)

	d := resp.Data
	if len(d) != 2 || !positive(req, d) || d[1] != 1 {
		return false, diagerr.Global().SetErr(diagerr.ECUSaidNo, "d2 cleardtc: reply % x", d)
	}
	return true, nil
}

// IOControl issues inputOutputControlByLocalIdentifier for one actuator
// or input, expecting the identifier mirrored back.
func (c *Client) IOControl(id, value byte) error {
	req := []byte{sidInputOutputControlByLocalID, id, value}
	resp, err := c.request(req)
	if err != nil {
		return err
	}
	defer diagerr.FreeMsg(resp)
	d := resp.Data
	if len(d) < 2 || !positive(req, d) || d[1] != id {
		return diagerr.Global().SetErr(diagerr.ECUSaidNo, "d2 iocontrol %02x: reply % x", id, d)
	}
	return nil
}

// RunRoutine issues startRoutineByLocalIdentifier, expecting the routine
// identifier mirrored back.
func (c *Client) RunRoutine(id byte) error {
	req := []byte{sidStartRoutineByLocalID, id}
	resp, err := c.request(req)
	if err != nil {
		return err
	}
	defer diagerr.FreeMsg(resp)
	d := resp.Data
	if len(d) < 2 || !positive(req, d) || d[1] != id {
		return diagerr.Global().SetErr(diagerr.ECUSaidNo, "d2 routine %02x: reply % x", id, d)
	}
	return nil
}
