// Package ipfrag reassembles fragmented IPv4 payloads.
package ipfrag

import (
	"fmt"
	"net/netip"
	"sort"
	"time"
)

const (
	// DefaultTimeout is how long an incomplete group may sit untouched
	// before Evict drops it.
	DefaultTimeout = 30 * time.Second

	// MaxFragmentsPerGroup bounds the work a single id can cause.
	MaxFragmentsPerGroup = 8192

	maxDatagram = 65535
)

// FlowKey identifies the fragments of one original datagram.
type FlowKey struct {
	ID       uint16
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%d-%s-%s-%d", k.ID, k.Src, k.Dst, k.Protocol)
}

type fragment struct {
	offset int
	data   []byte
}

type group struct {
	fragments []fragment
	final     bool
	total     int
	touched   time.Time
}

// Reassembler holds fragment groups. It is not safe for concurrent use; the
// engine serializes access.
type Reassembler struct {
	groups map[FlowKey]*group

	Completed int64
	Evicted   int64
	Rejected  int64
}

func New() *Reassembler {
	return &Reassembler{groups: make(map[FlowKey]*group)}
}

// Pending returns the number of incomplete groups.
func (r *Reassembler) Pending() int { return len(r.groups) }

// Submit offers one IPv4 payload. Unfragmented payloads (offset 0, last set)
// are returned as-is. Fragments are copied and buffered; once the terminal
// fragment has arrived and every byte below it is covered, the datagram is
// laid out in arrival order (later bytes overwrite earlier ones) and
// returned with complete set.
func (r *Reassembler) Submit(key FlowKey, offset int, last bool, payload []byte, now time.Time) ([]byte, bool, error) {
	if offset == 0 && last {
		return payload, true, nil
	}
	if offset < 0 || offset+len(payload) > maxDatagram {
		r.Rejected++
		return nil, false, fmt.Errorf("fragment %s: offset %d len %d beyond datagram limit", key, offset, len(payload))
	}

	g := r.groups[key]
	if g == nil {
		g = &group{}
		r.groups[key] = g
	}
	if len(g.fragments) >= MaxFragmentsPerGroup {
		delete(r.groups, key)
		r.Rejected++
		return nil, false, fmt.Errorf("fragment %s: more than %d fragments", key, MaxFragmentsPerGroup)
	}

	g.fragments = append(g.fragments, fragment{offset: offset, data: append([]byte(nil), payload...)})
	g.touched = now
	if end := offset + len(payload); end > g.total {
		g.total = end
	}
	if last {
		g.final = true
	}

	if !g.final || !g.covered() {
		return nil, false, nil
	}

	out := make([]byte, g.total)
	for _, f := range g.fragments {
		copy(out[f.offset:], f.data)
	}
	delete(r.groups, key)
	r.Completed++
	return out, true, nil
}

// covered reports whether the fragments leave no hole in [0, total).
func (g *group) covered() bool {
	spans := make([]fragment, len(g.fragments))
	copy(spans, g.fragments)
	sort.Slice(spans, func(i, j int) bool { return spans[i].offset < spans[j].offset })

	reach := 0
	for _, s := range spans {
		if s.offset > reach {
			return false
		}
		if end := s.offset + len(s.data); end > reach {
			reach = end
		}
	}
	return reach >= g.total
}

// Evict drops every group not touched since before. It returns the number
// of groups removed.
func (r *Reassembler) Evict(before time.Time) int {
	n := 0
	for k, g := range r.groups {
		if g.touched.Before(before) {
			delete(r.groups, k)
			n++
		}
	}
	r.Evicted += int64(n)
	return n
}

// Reset drops all pending groups.
func (r *Reassembler) Reset() {
	r.groups = make(map[FlowKey]*group)
}
