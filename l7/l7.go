// Package l7 holds the pieces shared by the application-layer request
// families (l7/d2, l7/kwp71): the namespace selector that picks which
// address space a read targets (spec.md §4.7).
package l7

// Namespace selects the address space a Read operates on. Not every
// namespace is meaningful to every request family: d2 reads memory, live
// data, non-volatile data and freeze frames; kwp71 reads memory, ROM and
// ADC channels.
type Namespace int

const (
	NSMemory Namespace = iota
	NSLiveData
	NSLiveData2
	NSNV
	NSFreeze
	NSROM
	NSADC
)

func (ns Namespace) String() string {
	switch ns {
	case NSMemory:
		return "memory"
	case NSLiveData:
		return "livedata"
	case NSLiveData2:
		return "livedata2"
	case NSNV:
		return "nv"
	case NSFreeze:
		return "freeze"
	case NSROM:
		return "rom"
	case NSADC:
		return "adc"
	default:
		return "unknown"
	}
}
