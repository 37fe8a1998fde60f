//go:build linux

package tty

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// candidatePrefixes are the device-node name prefixes spec.md §6 calls
// out: "/dev/... selecting names beginning ttyS, ttyUSB, ttyACM".
var candidatePrefixes = []string{"ttyS", "ttyUSB", "ttyACM"}

// PortList enumerates plausible serial ports by walking /dev (and
// /dev/usb, for platforms that stage USB-serial nodes there) and keeping
// only names with a recognized prefix that unix.Stat confirms are
// character devices (spec.md §4.2/§6). Port enumeration is otherwise out
// of scope (spec.md §1): turning this list into a menu is a CLI concern.
func PortList() []string {
	var out []string
	for _, dir := range []string{"/dev", "/dev/usb"} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !hasCandidatePrefix(e.Name()) {
				continue
			}
			full := dir + "/" + e.Name()
			if isCharDevice(full) {
				out = append(out, full)
			}
		}
	}
	return out
}

func hasCandidatePrefix(name string) bool {
	for _, p := range candidatePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func isCharDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFCHR
}
