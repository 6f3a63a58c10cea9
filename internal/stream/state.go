// Package stream turns TCP segments of one direction into an ordered,
// gap-free byte stream.
package stream

import (
	"encoding/binary"
	"sort"
	"time"
)

// Direction enumerates stream directions.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "c2s"
	}
	return "s2c"
}

const (
	// DefaultMaxSegments bounds the out-of-order cache of one direction.
	DefaultMaxSegments = 4096

	// recoveryLengthLimit is the largest leading length prefix accepted when
	// the server cursor has to be recovered from a bare segment.
	recoveryLengthLimit = 0x100000
)

// Diff returns a-b as a signed distance in 32-bit sequence space.
func Diff(a, b uint32) int32 { return int32(a - b) }

// State is the reassembly state of one direction. It owns its buffer; the
// two directions never share storage.
type State struct {
	Dir Direction

	// NextSeq is nil while the cursor is unknown.
	NextSeq  *uint32
	Segments map[uint32][]byte
	// Buf holds contiguous bytes not yet consumed by the frame extractor.
	Buf      []byte
	LastSeen time.Time

	MaxSegments int

	Delivered  int64
	StaleDrop  int64
	Duplicate  int64
	Trimmed    int64
	Unresolved int64
	Evicted    int64
}

func New(dir Direction) *State {
	return &State{Dir: dir, Segments: make(map[uint32][]byte), MaxSegments: DefaultMaxSegments}
}

// Reset clears cursor, cache and buffer. Counters survive.
func (s *State) Reset() {
	s.NextSeq = nil
	s.Segments = make(map[uint32][]byte)
	s.Buf = nil
	s.LastSeen = time.Time{}
}

// Expect resets the state and sets the cursor to seq.
func (s *State) Expect(seq uint32) {
	s.Reset()
	s.NextSeq = &seq
}

// Known reports whether the cursor is set.
func (s *State) Known() bool { return s.NextSeq != nil }

// Empty reports whether the state holds no cached or buffered data.
func (s *State) Empty() bool { return len(s.Segments) == 0 && len(s.Buf) == 0 }

// Accept inserts one segment and appends everything that became contiguous
// to Buf. It returns the newly contiguous bytes.
func (s *State) Accept(seq uint32, payload []byte, now time.Time) []byte {
	if len(payload) == 0 {
		return nil
	}
	if s.NextSeq == nil && !s.initCursor(seq, payload) {
		s.Unresolved++
		return nil
	}

	if behind := Diff(*s.NextSeq, seq); behind > 0 {
		if int64(behind) >= int64(len(payload)) {
			s.StaleDrop++
			return nil
		}
		// retransmit repacketized across the cursor: keep the new tail
		payload = payload[behind:]
		seq = *s.NextSeq
		s.Trimmed++
	}
	if old, ok := s.Segments[seq]; ok {
		s.Duplicate++
		if len(old) >= len(payload) {
			return nil
		}
	}
	s.Segments[seq] = append([]byte(nil), payload...)

	start := len(s.Buf)
	for {
		next := *s.NextSeq
		chunk, ok := s.Segments[next]
		if !ok {
			// progress may have overtaken cached segments
			if len(s.Buf) > start && s.prune() {
				continue
			}
			break
		}
		delete(s.Segments, next)
		s.Buf = append(s.Buf, chunk...)
		n := next + uint32(len(chunk))
		s.NextSeq = &n
		s.Delivered += int64(len(chunk))
		s.LastSeen = now
	}
	s.bound()
	return s.Buf[start:]
}

// prune drops cached segments that end at or before the cursor and re-keys
// the ones straddling it at the cursor. It reports whether a segment now
// starts at the cursor.
func (s *State) prune() bool {
	next := *s.NextSeq
	for k, v := range s.Segments {
		behind := Diff(next, k)
		if behind <= 0 {
			continue
		}
		delete(s.Segments, k)
		if int64(behind) >= int64(len(v)) {
			s.StaleDrop++
			continue
		}
		tail := v[behind:]
		if cur, ok := s.Segments[next]; !ok || len(cur) < len(tail) {
			s.Segments[next] = tail
		}
		s.Trimmed++
	}
	_, ok := s.Segments[next]
	return ok
}

// initCursor seeds an unknown cursor from the first segment seen. The client
// side adopts it unconditionally. The server side should never get here
// after a switch, so it only recovers when the segment plausibly starts
// with a frame length prefix.
func (s *State) initCursor(seq uint32, payload []byte) bool {
	if s.Dir == ServerToClient {
		if len(payload) <= 4 || binary.BigEndian.Uint32(payload) >= recoveryLengthLimit {
			return false
		}
	}
	s.NextSeq = &seq
	return true
}

// bound evicts the farthest-ahead segments once the cache is over its limit.
// It runs after the drain, so nothing it sees is behind the cursor.
func (s *State) bound() {
	if s.MaxSegments <= 0 || len(s.Segments) <= s.MaxSegments {
		return
	}
	next := *s.NextSeq
	keys := make([]uint32, 0, len(s.Segments))
	for k := range s.Segments {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return Diff(keys[i], next) > Diff(keys[j], next) })
	excess := len(keys) - s.MaxSegments
	for i := 0; i < excess; i++ {
		delete(s.Segments, keys[i])
		s.Evicted++
	}
}
