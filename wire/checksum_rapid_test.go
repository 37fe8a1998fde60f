package wire

import (
	"testing"

	"pgregory.net/rapid"
)

func TestAppendSum8Verifies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOf(rapid.Byte()).Draw(t, "b")
		full := AppendSum8(append([]byte(nil), b...))
		if !VerifySum8(full) {
			t.Fatalf("VerifySum8 rejects its own AppendSum8 output: % x", full)
		}
		if got := full[len(full)-1]; got != Sum8(b) {
			t.Fatalf("appended %02x, Sum8 says %02x", got, Sum8(b))
		}
	})
}

func TestVerifySum8RejectsCorruption(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "b")
		full := AppendSum8(append([]byte(nil), b...))
		i := rapid.IntRange(0, len(full)-1).Draw(t, "i")
		delta := byte(rapid.IntRange(1, 255).Draw(t, "delta"))
		full[i] += delta
		if VerifySum8(full) {
			t.Fatalf("corruption of byte %d by %d not detected", i, delta)
		}
	})
}

func TestSum16MatchesByteSum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOf(rapid.Byte()).Draw(t, "b")
		var want uint16
		for _, c := range b {
			want += uint16(c)
		}
		if got := Sum16(b); got != want {
			t.Fatalf("Sum16 = %04x, want %04x", got, want)
		}
	})
}

func TestInvertIsItsOwnInverse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Byte().Draw(t, "b")
		if Invert(Invert(b)) != b {
			t.Fatalf("double inversion of %02x changed it", b)
		}
	})
}
