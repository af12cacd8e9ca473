// Package id generates 128-bit, time-ordered record identifiers.
package id

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// ID is a 16-byte big-endian identifier: [8 bytes unix ms][8 bytes sequence].
// IDs from one Generator sort lexically in generation order, so they double
// as stable dedup keys with a usable creation timestamp inside.
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the 32-char lowercase hex form.
func (i ID) String() string { return fmtHex(i[:]) }

// TimeMs returns the embedded creation time in unix milliseconds.
func (i ID) TimeMs() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Seq returns the embedded per-millisecond sequence number.
func (i ID) Seq() uint64 { return binary.BigEndian.Uint64(i[8:16]) }

// Compare returns -1, 0 or 1 by lexical byte order.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Parse decodes the 32-char hex form produced by String.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != 32 {
		return id, fmt.Errorf("id: bad length %d", len(s))
	}
	for idx := 0; idx < 16; idx++ {
		hi, ok1 := unhex(s[idx*2])
		lo, ok2 := unhex(s[idx*2+1])
		if !ok1 || !ok2 {
			return id, fmt.Errorf("id: bad hex at %d", idx*2)
		}
		id[idx] = hi<<4 | lo
	}
	return id, nil
}

// NowMs returns the current unix time in milliseconds. Tests override it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator produces monotonically increasing IDs per process. Safe for
// concurrent use.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint64
}

// NewGenerator creates a Generator.
func NewGenerator() *Generator { return &Generator{} }

// Next returns a new ID strictly greater than any previous one from this
// Generator. A clock regression reuses the last observed millisecond; a
// sequence overflow within one millisecond waits for the next tick.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.seq == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.seq = 0
		} else {
			g.seq++
		}
	} else {
		g.seq = 0
	}

	g.lastMs = ms

	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], g.seq)
	return id
}

const hexdigits = "0123456789abcdef"

func fmtHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
