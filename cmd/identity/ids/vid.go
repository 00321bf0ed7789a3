package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
)

// vidAlphabet is the 29-symbol VID alphabet.
// 0/O/1/I/L are excluded as look-alikes, S and Z as 5/2 look-alikes.
const vidAlphabet = "23456789ABCDEFGHJKMNPQRTUVWXY"

const (
	vidBase       = uint64(len(vidAlphabet))
	vidSegmentLen = 4
	// vidSegmentSpace is 29^4, the value range of one segment.
	vidSegmentSpace = vidBase * vidBase * vidBase * vidBase
	vidPrefix       = "VID-"
	vidLen          = 18
)

var vidRe = regexp.MustCompile(`^VID-([A-HJ-NP-Z2-9]{4})-([A-HJ-NP-Z2-9]{4})-([A-HJ-NP-Z2-9]{4})$`)

// ErrEntropy is returned when the random source cannot produce a segment.
var ErrEntropy = errors.New("ids: entropy source failed")

// VIDGenerator mints public identifiers of the form VID-XXXX-XXXX-XXXX.
//
// Segment 1 encodes the wall clock in milliseconds (mod 29^4), segment 2 is random,
// segment 3 is a checksum over segments 1 and 2.
// The zero value uses time.Now and crypto/rand.
type VIDGenerator struct {
	Now  func() time.Time
	Rand io.Reader
}

// NewVID mints a VID with the default clock and entropy source.
func NewVID() (string, error) { return VIDGenerator{}.New() }

// New mints a VID.
func (g VIDGenerator) New() (string, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}

	ms := now().UnixMilli()
	if ms < 0 {
		ms = -ms
	}
	seg1 := encodeVIDSegment(uint64(ms) % vidSegmentSpace)

	seg2, err := randomVIDSegment(r)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(vidLen)
	b.WriteString(vidPrefix)
	b.WriteString(seg1)
	b.WriteByte('-')
	b.WriteString(seg2)
	b.WriteByte('-')
	b.WriteString(vidChecksum(seg1, seg2))
	return b.String(), nil
}

// ValidateVID reports whether id is a well-formed VID with a matching checksum.
// It fails closed on any malformed input.
func ValidateVID(id string) bool {
	if len(id) != vidLen {
		return false
	}
	m := vidRe.FindStringSubmatch(id)
	if m == nil {
		return false
	}
	for _, seg := range m[1:] {
		if !inVIDAlphabet(seg) {
			return false
		}
	}
	return vidChecksum(m[1], m[2]) == m[3]
}

func vidChecksum(seg1, seg2 string) string {
	sum := sha256.Sum256([]byte(seg1 + seg2))
	n := binary.BigEndian.Uint32(sum[:4])
	return encodeVIDSegment(uint64(n) % vidSegmentSpace)
}

// encodeVIDSegment renders n (< 29^4) as four base-29 symbols, most significant first.
func encodeVIDSegment(n uint64) string {
	var out [vidSegmentLen]byte
	for i := vidSegmentLen - 1; i >= 0; i-- {
		out[i] = vidAlphabet[n%vidBase]
		n /= vidBase
	}
	return string(out[:])
}

// randomVIDSegment draws four uniform symbols using rejection sampling.
func randomVIDSegment(r io.Reader) (string, error) {
	// Largest multiple of 29 that fits in a byte.
	const limit = byte(256 - 256%len(vidAlphabet))

	var out [vidSegmentLen]byte
	buf := make([]byte, 16)
	filled := 0
	for attempts := 0; filled < vidSegmentLen; attempts++ {
		if attempts > 64 {
			return "", ErrEntropy
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", ErrEntropy
		}
		for _, c := range buf {
			if c >= limit {
				continue
			}
			out[filled] = vidAlphabet[int(c)%len(vidAlphabet)]
			filled++
			if filled == vidSegmentLen {
				break
			}
		}
	}
	return string(out[:]), nil
}

func inVIDAlphabet(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(vidAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
