package plant

import "testing"

func TestS32RoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 12345, -12345, 1 << 20, -(1 << 20)} {
		got := bytesToS32(s32ToBytes(v))
		if got != v {
			t.Fatalf("s32 round-trip failed: put %d, got %d", v, got)
		}
	}
}

func TestU32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 12345, 1 << 20} {
		got := bytesToU32(u32ToBytes(v))
		if got != v {
			t.Fatalf("u32 round-trip failed: put %d, got %d", v, got)
		}
	}
}

func TestBytesToU16(t *testing.T) {
	// 0x0BB8 big-endian == 3000 decimal (e.g. 300.0% * 10 scaled SoC).
	if got := bytesToU16([]byte{0x0B, 0xB8}); got != 3000 {
		t.Fatalf("expected 3000, got %d", got)
	}
}
