package checksum

import (
	"github.com/howeyc/crc16"
)

// HexLen is the rendered width of a checksum on the wire.
const HexLen = 4

const upperHex = "0123456789ABCDEF"

// Sum returns the CRC16 of p: init 0xFFFF, reflected poly 0xA001, no final xor.
//
// crc16.Update inverts the accumulator on entry and exit, so seeding it with
// zero and inverting the result yields the plain 0xFFFF-seeded register.
func Sum(p []byte) uint16 {
	return ^crc16.ChecksumIBM(p)
}

// Hex renders sum as four uppercase hexadecimal ASCII characters.
func Hex(sum uint16) []byte {
	return AppendHex(make([]byte, 0, HexLen), sum)
}

func AppendHex(dst []byte, sum uint16) []byte {
	return append(dst,
		upperHex[sum>>12&0xF],
		upperHex[sum>>8&0xF],
		upperHex[sum>>4&0xF],
		upperHex[sum&0xF],
	)
}

// ParseHex decodes exactly four uppercase hexadecimal characters.
func ParseHex(b []byte) (uint16, bool) {
	if len(b) != HexLen {
		return 0, false
	}
	var sum uint16
	for _, c := range b {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			return 0, false
		}
		sum = sum<<4 | uint16(v)
	}
	return sum, true
}
