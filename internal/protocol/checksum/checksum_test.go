package checksum

import (
	"math/rand"
	"testing"

	"github.com/danmuck/serialsync/internal/testutil/testlog"
)

// sumBitwise is the table-free register loop the wire format is defined by.
func sumBitwise(p []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range p {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func TestSumPinnedValues(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   []byte
		want uint16
	}{
		{nil, 0xFFFF},
		{[]byte{}, 0xFFFF},
		{[]byte("123456789"), 0x4B37},
		{[]byte{0xEA, 0x03, 0x00, 0x00, 0x00, 0x64}, 0x3A53},
		{[]byte{0x4B, 0x03, 0x00, 0x2C, 0x00, 0x37}, 0xBFCB},
	}
	for _, tc := range cases {
		if got := Sum(tc.in); got != tc.want {
			t.Fatalf("Sum(%q) got=%04X want=%04X", tc.in, got, tc.want)
		}
	}
}

func TestSumMatchesBitwiseLoop(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		buf := make([]byte, rng.Intn(4096))
		rng.Read(buf)
		if got, want := Sum(buf), sumBitwise(buf); got != want {
			t.Fatalf("len=%d table=%04X bitwise=%04X", len(buf), got, want)
		}
	}
}

func TestSumDetectsSingleBitFlip(t *testing.T) {
	testlog.Start(t)
	payload := []byte(`{"type":"rkey","key":"test","val":"abcdefgh"}`)
	base := Sum(payload)
	for i := range payload {
		for bit := 0; bit < 8; bit++ {
			payload[i] ^= 1 << bit
			if Sum(payload) == base {
				t.Fatalf("flip byte=%d bit=%d not detected", i, bit)
			}
			payload[i] ^= 1 << bit
		}
	}
}

func TestHexRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, sum := range []uint16{0, 0x000F, 0x4B37, 0xABCD, 0xFFFF} {
		h := Hex(sum)
		if len(h) != HexLen {
			t.Fatalf("hex len=%d", len(h))
		}
		got, ok := ParseHex(h)
		if !ok || got != sum {
			t.Fatalf("ParseHex(%q) got=%04X ok=%v", h, got, ok)
		}
	}
	if string(Hex(0x4B37)) != "4B37" {
		t.Fatalf("unexpected rendering: %q", Hex(0x4B37))
	}
}

func TestParseHexRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	for _, in := range []string{"", "4B3", "4B377", "4b37", "4B3G", "ZZZZ", " 4B3"} {
		if _, ok := ParseHex([]byte(in)); ok {
			t.Fatalf("expected %q to be rejected", in)
		}
	}
}
