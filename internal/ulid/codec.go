package ulid

import (
	"bytes"
	"errors"
	"time"

	oklid "github.com/oklog/ulid/v2"
)

// EncodedLen is the length of the text form of an ID.
const EncodedLen = 26

const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	ErrLength       = errors.New("ulid: bad length")
	ErrBadCharacter = errors.New("ulid: bad character")
	// ErrRange means the leading character would overflow the 48-bit timestamp.
	ErrRange = errors.New("ulid: value out of range")
)

const invalid = 0xff

var decoding [256]byte

func init() {
	for k := range decoding {
		decoding[k] = invalid
	}
	for k := 0; k < len(alphabet); k++ {
		decoding[alphabet[k]] = byte(k)
		if c := alphabet[k]; c >= 'A' && c <= 'Z' {
			decoding[c+'a'-'A'] = byte(k)
		}
	}
	for _, c := range "IiLl" {
		decoding[c] = 1
	}
	decoding['O'], decoding['o'] = 0, 0
}

// ID is a 48-bit big-endian millisecond timestamp followed by 80 random bits.
type ID [16]byte

func (id ID) String() string {
	var dst [EncodedLen]byte
	Encode(dst[:], id)
	return string(dst[:])
}

// Timestamp returns the embedded Unix time in milliseconds.
func (id ID) Timestamp() uint64 {
	return uint64(id[5]) | uint64(id[4])<<8 | uint64(id[3])<<16 |
		uint64(id[2])<<24 | uint64(id[1])<<32 | uint64(id[0])<<40
}

func (id ID) Time() time.Time { return oklid.Time(id.Timestamp()) }

func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

func (id ID) IsZero() bool { return id == ID{} }

func putTimestamp(id *ID, ms uint64) {
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
}

// Encode writes the 26 character form of id into dst, which must hold at
// least EncodedLen bytes. The 128 data bits are preceded by two zero bits.
func Encode(dst []byte, id ID) {
	_ = dst[EncodedLen-1]
	var acc uint32
	bits, n := 2, 0
	for _, b := range id {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			dst[n] = alphabet[(acc>>bits)&31]
			n++
		}
	}
}

// Parse decodes the text form. Lower case is accepted, as are the Crockford
// aliases I and L for 1 and O for 0.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != EncodedLen {
		return id, ErrLength
	}
	if v := decoding[s[0]]; v != invalid && v > 7 {
		return id, ErrRange
	}
	for k := 0; k < EncodedLen; k++ {
		if decoding[s[k]] == invalid {
			return id, ErrBadCharacter
		}
	}

	var acc uint32
	bits, n := -2, 0
	for k := 0; k < EncodedLen; k++ {
		acc = acc<<5 | uint32(decoding[s[k]])
		bits += 5
		if bits >= 8 {
			bits -= 8
			id[n] = byte(acc >> bits)
			n++
		}
	}
	return id, nil
}

func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}
