// Package id generates sortable identifiers for client sessions.
package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// SessionID is a 128-bit, lexicographically sortable identifier encoded as
// 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence]. Session ids
// created later always compare greater, which keeps logs and debug listings
// in connection order.
type SessionID [16]byte

// String returns the canonical lowercase-hex form.
func (s SessionID) String() string { return hex.EncodeToString(s[:]) }

// IsZero reports whether the id is the zero value.
func (s SessionID) IsZero() bool { return s == SessionID{} }

// Parse decodes a canonical hex session id.
func Parse(v string) (SessionID, error) {
	var s SessionID
	if len(v) != 32 {
		return s, errors.New("id: session id must be 32 hex chars")
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return s, err
	}
	copy(s[:], b)
	return s, nil
}

// Generator produces monotonically increasing session ids per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new SessionID. If the clock goes backwards, it reuses the
// last observed millisecond and increments the sequence. If the sequence
// overflows within one millisecond, it waits for the next one.
func (g *Generator) Next() SessionID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms

	var id SessionID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], g.sequence)
	return id
}
