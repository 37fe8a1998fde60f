package diagerr

import "github.com/kline-tools/kdiag/diagos"

// FormatFlag is the per-message bitset described in spec.md §3.
type FormatFlag uint8

const (
	FmtFramed    FormatFlag = 1 << iota // message came from a framed L0 (one recv() == one frame)
	FmtDataOnly                         // L0 strips headers; payload only
	FmtCksumOK                          // checksum present and verified
	FmtCksumBad                         // checksum present and verification failed
)

// Message is a diagnostic frame. Chains of Messages (via Next) represent
// multi-frame responses; the head was received first (spec.md §5
// "Ordering guarantees").
//
// origin and Data deliberately differ: origin is the allocation FreeMsg
// must account for, Data is the view a consumer may advance while
// parsing headers without ever invalidating origin (spec.md §9, "Memory
// ownership with a shifted data pointer").
type Message struct {
	Flags  FormatFlag
	Type   byte
	Src    byte
	Dest   byte
	Data   []byte // current view; consumers may reslice forward
	origin []byte // backing allocation, unaffected by Advance
	RxTime int64  // monotonic ms, see diagos.MonotonicMS
	Next   *Message

	owned bool // true if AllocMsg produced this; only owned messages are freed
	freed bool
}

// AllocMsg allocates a new, framework-owned Message with an n-byte
// payload. Mirrors freediag's diag_allocmsg.
func AllocMsg(n int) *Message {
	buf := make([]byte, n)
	return &Message{Data: buf, origin: buf, owned: true, RxTime: diagos.MonotonicMS()}
}

// StaticMsg wraps caller-owned bytes in a Message that FreeMsg will not
// attempt to free — the "statically owned by the caller" lifecycle in
// spec.md §3.
func StaticMsg(data []byte) *Message {
	return &Message{Data: data, origin: data, owned: false}
}

// Advance moves the read cursor forward by n bytes without touching the
// underlying allocation FreeMsg will later account for.
func (m *Message) Advance(n int) {
	if n < 0 || n > len(m.Data) {
		panic("diagerr: Advance out of range")
	}
	m.Data = m.Data[n:]
}

// Owned reports whether FreeMsg will reclaim this message's payload.
func (m *Message) Owned() bool { return m.owned }

// DupSingleMsg deep-copies a single Message, not following Next.
func DupSingleMsg(m *Message) *Message {
	if m == nil {
		return nil
	}
	buf := make([]byte, len(m.origin))
	copy(buf, m.origin)
	shift := len(m.origin) - len(m.Data)
	return &Message{
		Flags:  m.Flags,
		Type:   m.Type,
		Src:    m.Src,
		Dest:   m.Dest,
		Data:   buf[shift:],
		origin: buf,
		RxTime: m.RxTime,
		owned:  true,
	}
}

// DupMsg deep-copies an entire chain, preserving order and per-link
// fields (spec.md §8: "dupmsg(dupmsg(M)) is structurally equal to M").
func DupMsg(m *Message) *Message {
	if m == nil {
		return nil
	}
	head := DupSingleMsg(m)
	cur := head
	for src := m.Next; src != nil; src = src.Next {
		cur.Next = DupSingleMsg(src)
		cur = cur.Next
	}
	return head
}

// FreeMsg recursively frees a chain. Only the payload of messages this
// package allocated (AllocMsg, DupMsg/DupSingleMsg) is reclaimed; a
// caller-owned (StaticMsg) link is unlinked but its payload left alone,
// per spec.md §3's free-routine contract. Double-free is a no-op, not a
// crash — Go has no dangling-pointer hazard here, but the bookkeeping
// keeps the invariant testable.
func FreeMsg(m *Message) {
	for m != nil {
		next := m.Next
		if m.owned && !m.freed {
			m.origin = nil
			m.Data = nil
			m.freed = true
		}
		m.Next = nil
		m = next
	}
}

// Len returns the number of links in a chain.
func (m *Message) Len() int {
	n := 0
	for cur := m; cur != nil; cur = cur.Next {
		n++
	}
	return n
}
