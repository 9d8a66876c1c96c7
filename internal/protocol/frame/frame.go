package frame

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/serialsync/internal/protocol/checksum"
)

// Delimiter terminates every frame on the wire.
const Delimiter byte = '\n'

var (
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
	ErrMalformedFrame   = errors.New("frame: malformed frame")
	ErrFramingConflict  = errors.New("frame: value cannot be framed")
	ErrFrameTooLarge    = errors.New("frame: payload too large")
)

// Kind is the record discriminator carried in the "type" field.
type Kind string

const (
	KindSet       Kind = "rkey"
	KindDelete    Kind = "dkey"
	KindHeartbeat Kind = "hbeat"
)

func (k Kind) valid() bool {
	switch k {
	case KindSet, KindDelete, KindHeartbeat:
		return true
	}
	return false
}

// Update is one logical key change. Origin and Target are implied by the link
// and never serialized.
type Update struct {
	Kind   Kind
	Key    string
	Value  []byte
	Origin string
	Target string
}

// Limits constrains frame encode/decode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024,
	}
}

// MaxFrameBytes is the longest delimiter-stripped frame these limits accept.
func (l Limits) MaxFrameBytes() int {
	if l.MaxPayloadBytes <= 0 {
		return 0
	}
	return l.MaxPayloadBytes + checksum.HexLen
}

// record is the JSON payload. A value that is valid UTF-8 travels as text in
// val; any other byte sequence travels base64 encoded in val64.
type record struct {
	Type  string  `json:"type"`
	Key   string  `json:"key,omitempty"`
	Val   *string `json:"val,omitempty"`
	Val64 *string `json:"val64,omitempty"`
}

// Encode renders u as <payload><checksum-hex-4><delimiter>.
func Encode(u Update, limits Limits) ([]byte, error) {
	rec, err := toRecord(u)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFramingConflict, err)
	}
	payload := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	if bytes.IndexByte(payload, Delimiter) >= 0 {
		return nil, fmt.Errorf("%w: delimiter in serialized payload", ErrFramingConflict)
	}
	if limits.MaxPayloadBytes > 0 && len(payload) > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), limits.MaxPayloadBytes)
	}

	out := make([]byte, 0, len(payload)+checksum.HexLen+1)
	out = append(out, payload...)
	out = checksum.AppendHex(out, checksum.Sum(payload))
	out = append(out, Delimiter)
	return out, nil
}

func toRecord(u Update) (record, error) {
	if !u.Kind.valid() {
		return record{}, fmt.Errorf("%w: unknown kind %q", ErrFramingConflict, u.Kind)
	}
	rec := record{Type: string(u.Kind)}
	if u.Kind == KindHeartbeat {
		return rec, nil
	}
	if u.Key == "" {
		return record{}, fmt.Errorf("%w: empty key", ErrFramingConflict)
	}
	if err := frameable(u.Key); err != nil {
		return record{}, fmt.Errorf("%w: key %v", ErrFramingConflict, err)
	}
	if !utf8.ValidString(u.Key) {
		return record{}, fmt.Errorf("%w: key is not valid utf-8", ErrFramingConflict)
	}
	rec.Key = u.Key
	if u.Kind == KindSet {
		if i := bytes.IndexByte(u.Value, Delimiter); i >= 0 {
			return record{}, fmt.Errorf("%w: key=%q value contains delimiter at offset %d", ErrFramingConflict, u.Key, i)
		}
		if utf8.Valid(u.Value) {
			val := string(u.Value)
			rec.Val = &val
		} else {
			val := base64.StdEncoding.EncodeToString(u.Value)
			rec.Val64 = &val
		}
	}
	return rec, nil
}

func frameable(s string) error {
	if i := strings.IndexByte(s, Delimiter); i >= 0 {
		return fmt.Errorf("contains delimiter at offset %d", i)
	}
	return nil
}

// Decode validates and parses one frame with its delimiter already stripped.
func Decode(raw []byte, limits Limits) (Update, error) {
	if len(raw) < checksum.HexLen {
		return Update{}, fmt.Errorf("%w: short frame len=%d", ErrMalformedFrame, len(raw))
	}
	split := len(raw) - checksum.HexLen
	payload, trailer := raw[:split], raw[split:]
	if limits.MaxPayloadBytes > 0 && len(payload) > limits.MaxPayloadBytes {
		return Update{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), limits.MaxPayloadBytes)
	}

	want, ok := checksum.ParseHex(trailer)
	if !ok {
		return Update{}, fmt.Errorf("%w: checksum trailer %q is not hex", ErrMalformedFrame, trailer)
	}
	if got := checksum.Sum(payload); got != want {
		return Update{}, fmt.Errorf("%w: got=%04X want=%04X", ErrChecksumMismatch, got, want)
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind := Kind(rec.Type)
	if !kind.valid() {
		return Update{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, rec.Type)
	}
	u := Update{Kind: kind, Key: rec.Key}
	switch kind {
	case KindHeartbeat:
		return u, nil
	case KindSet:
		switch {
		case rec.Val != nil && rec.Val64 != nil:
			return Update{}, fmt.Errorf("%w: rkey with both val and val64", ErrMalformedFrame)
		case rec.Val != nil:
			u.Value = []byte(*rec.Val)
		case rec.Val64 != nil:
			val, err := base64.StdEncoding.DecodeString(*rec.Val64)
			if err != nil {
				return Update{}, fmt.Errorf("%w: val64: %v", ErrMalformedFrame, err)
			}
			u.Value = val
		default:
			return Update{}, fmt.Errorf("%w: rkey without val", ErrMalformedFrame)
		}
	default:
		if rec.Val != nil || rec.Val64 != nil {
			return Update{}, fmt.Errorf("%w: %s carries a value", ErrMalformedFrame, kind)
		}
	}
	if u.Key == "" {
		return Update{}, fmt.Errorf("%w: %s without key", ErrMalformedFrame, kind)
	}
	return u, nil
}
