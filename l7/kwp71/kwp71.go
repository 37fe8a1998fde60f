// Package kwp71 implements the KWP71 application layer (spec.md §4.7):
// block-title requests carried over a KWP1281-style L2 session (l2/vag).
// KWP71 is used by Bosch ECUs in various European cars from the 1990s;
// KWP1281 is close enough that this layer works over the VAG L2 with at
// least some KWP71-capable ECUs. Block titles are named after their
// nearest KWP2000 service; the wire formats are not KWP2000.
package kwp71

import (
	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/diagos"
	"github.com/kline-tools/kdiag/l2"
	"github.com/kline-tools/kdiag/l7"
)

const (
	// requests
	titleReadMemoryByAddress        = 0x01
	titleReadROMByAddress           = 0x03
	titleClearDiagnosticInformation = 0x05
	titleReadDTC                    = 0x07
	titleReadADC                    = 0x08
	// ack doubles as the testerPresent request; responses bear no
	// numerical relation to their requests.
	titleACK           = 0x09
	respReadADC        = 0xFB
	respReadDTC        = 0xFC
	respReadROMByAddr  = 0xFD
	respReadMemByAddr  = 0xFE
)

// DTCStride is the fixed per-DTC record size in a readDiagnosticTroubleCodes
// response. Output format may vary by ECU, but every one observed packs
// 5 bytes per code.
const DTCStride = 5

// Client issues KWP71 block requests over one L2 connection. The L2
// protocol must carry block titles in Message.Type (l2/vag does).
type Client struct {
	core *l2.Core
	conn *l2.Conn
}

func New(core *l2.Core, conn *l2.Conn) *Client {
	return &Client{core: core, conn: conn}
}

func (c *Client) request(title byte, data []byte) (*diagerr.Message, error) {
	m := diagerr.StaticMsg(data)
	m.Type = title
	return c.core.Request(c.conn, m)
}

// Ping verifies communication with the ECU by sending a bare ACK block
// (KWP71's testerPresent) and expecting an ACK back.
func (c *Client) Ping() error {
	resp, err := c.request(titleACK, nil)
	if err != nil {
		return err
	}
	defer diagerr.FreeMsg(resp)
	if resp.Type != titleACK {
		return diagerr.Global().SetErr(diagerr.ECUSaidNo, "kwp71 ping: response title %02x", resp.Type)
	}
	return nil
}

// TesterPresent resets the ECU's session timeout. Same exchange as Ping;
// named separately so keep-alive call sites read as what they are.
func (c *Client) TesterPresent() error { return c.Ping() }

// Read reads memory, ROM or an ADC channel into out, returning the byte
// count received.
//
// Memory and ROM reads always copy exactly len(out) bytes on success.
// ADC reads return a single 2-byte sample regardless of len(out); the
// returned count is what the ECU actually sent.
func (c *Client) Read(ns l7.Namespace, addr uint16, out []byte) (int, error) {
	var title, want byte
	var data []byte
	switch ns {
	case l7.NSMemory:
		title, want = titleReadMemoryByAddress, respReadMemByAddr
		data = []byte{byte(len(out)), byte(addr >> 8), byte(addr)}
	case l7.NSROM:
		title, want = titleReadROMByAddress, respReadROMByAddr
		data = []byte{byte(len(out)), byte(addr >> 8), byte(addr)}
	case l7.NSADC:
		if addr > 0xff {
			return 0, diagerr.Global().SetErr(diagerr.General, "kwp71 read: adc channel %x out of range", addr)
		}
		title, want = titleReadADC, respReadADC
		data = []byte{byte(addr)}
	default:
		return 0, diagerr.Global().SetErr(diagerr.General, "kwp71 read: namespace %v not supported", ns)
	}

	resp, err := c.request(title, data)
	if err != nil {
		return 0, err
	}
	defer diagerr.FreeMsg(resp)

	if resp.Type != want {
		return 0, diagerr.Global().SetErr(diagerr.ECUSaidNo, "kwp71 read %v: response title %02x", ns, resp.Type)
	}
	if ns == l7.NSADC && len(resp.Data) != 2 {
		return 0, diagerr.Global().SetErr(diagerr.ECUSaidNo, "kwp71 read adc: %d-byte sample", len(resp.Data))
	}
	if ns != l7.NSADC && len(resp.Data) != len(out) {
		return 0, diagerr.Global().SetErr(diagerr.ECUSaidNo, "kwp71 read %v: got %d bytes, want %d", ns, len(resp.Data), len(out))
	}
	copy(out, resp.Data)
	return len(resp.Data), nil
}

// DTCList retrieves the stored DTCs into out, returning the byte count
// the ECU sent even if out was too small for all of it. An ECU with more
// than two stored DTCs answers with continuation blocks; only the first
// block's DTCs are kept, with a warning.
func (c *Client) DTCList(out []byte) (int, error) {
	resp, err := c.request(titleReadDTC, nil)
	if err != nil {
		return 0, err
	}
	defer diagerr.FreeMsg(resp)

	if resp.Type != respReadDTC {
		return 0, diagerr.Global().SetErr(diagerr.ECUSaidNo, "kwp71 dtclist: response title %02x", resp.Type)
	}

	count := len(resp.Data)
	if count == 1 && resp.Data[0] == 0 { // no DTCs set
		count = 0
	}
	if count > 0 {
		copy(out, resp.Data)
	}
	if resp.Next != nil {
		diagerr.Logger().Warn("retrieving only first DTC block", "dtcs", count/DTCStride)
	}
	return count, nil
}

// ClearDTC clears the stored DTCs, preceded by the DTC read and 500 ms
// pause the ECU requires (spec.md §4.7). Returns false with nil error
// when there was nothing to clear.
func (c *Client) ClearDTC() (bool, error) {
	var probe [1]byte
	n, err := c.DTCList(probe[:])
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	diagos.SleepMS(500)

	resp, err := c.request(titleClearDiagnosticInformation, nil)
	if err != nil {
		return false, err
	}
	defer diagerr.FreeMsg(resp)
	if resp.Type != titleACK {
		return false, diagerr.Global().SetErr(diagerr.ECUSaidNo, "kwp71 cleardtc: response title %02x", resp.Type)
	}
	return true, nil
}
