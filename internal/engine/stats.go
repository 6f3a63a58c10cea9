package engine

import (
	"scenetap/internal/dispatch"
	"scenetap/internal/stream"
)

type StreamStats struct {
	Known     bool  `json:"known"`
	NextSeq   int64 `json:"next_seq"`
	Cached    int   `json:"cached_segments"`
	Buffered  int   `json:"buffered_bytes"`
	Delivered int64 `json:"delivered_bytes"`
	Stale     int64 `json:"stale_drop"`
	Duplicate int64 `json:"duplicate"`
	Trimmed   int64 `json:"trimmed"`
	Evicted   int64 `json:"ooo_evictions"`
	// Unresolved counts segments dropped while the cursor was unknown.
	Unresolved int64 `json:"unresolved"`
}

type Stats struct {
	Connection string `json:"connection"`

	Packets        int64 `json:"packets"`
	NonIPv4        int64 `json:"non_ipv4"`
	NonTCP         int64 `json:"non_tcp"`
	BadTCP         int64 `json:"bad_tcp"`
	FragmentErrors int64 `json:"fragment_errors"`
	Untracked      int64 `json:"untracked"`
	Segments       int64 `json:"segments"`
	Desyncs        int64 `json:"desyncs"`
	MessageErrors  int64 `json:"message_errors"`
	IdleResets     int64 `json:"idle_resets"`

	FragmentsPending   int   `json:"fragments_pending"`
	FragmentsCompleted int64 `json:"fragments_completed"`
	FragmentsEvicted   int64 `json:"fragments_evicted"`
	FragmentsRejected  int64 `json:"fragments_rejected"`

	SignatureMatches int64 `json:"signature_matches"`
	Switches         int64 `json:"switches"`

	Streams  map[string]StreamStats `json:"streams"`
	Dispatch dispatch.Stats         `json:"dispatch"`
}

func streamStats(st *stream.State) StreamStats {
	out := StreamStats{
		Known:      st.Known(),
		NextSeq:    -1,
		Cached:     len(st.Segments),
		Buffered:   len(st.Buf),
		Delivered:  st.Delivered,
		Stale:      st.StaleDrop,
		Duplicate:  st.Duplicate,
		Trimmed:    st.Trimmed,
		Evicted:    st.Evicted,
		Unresolved: st.Unresolved,
	}
	if st.NextSeq != nil {
		out.NextSeq = int64(*st.NextSeq)
	}
	return out
}

// Stats returns a snapshot of all counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, _ := e.id.Current()
	c := e.counters
	return Stats{
		Connection:         conn.String(),
		Packets:            c.Packets,
		NonIPv4:            c.NonIPv4,
		NonTCP:             c.NonTCP,
		BadTCP:             c.BadTCP,
		FragmentErrors:     c.FragmentErrors,
		Untracked:          c.Untracked,
		Segments:           c.Segments,
		Desyncs:            c.Desyncs,
		MessageErrors:      c.MessageErrors,
		IdleResets:         c.IdleResets,
		FragmentsPending:   e.frags.Pending(),
		FragmentsCompleted: e.frags.Completed,
		FragmentsEvicted:   e.frags.Evicted,
		FragmentsRejected:  e.frags.Rejected,
		SignatureMatches:   e.id.Matches,
		Switches:           e.id.Switches,
		Streams: map[string]StreamStats{
			stream.ClientToServer.String(): streamStats(e.streams[stream.ClientToServer]),
			stream.ServerToClient.String(): streamStats(e.streams[stream.ServerToClient]),
		},
		Dispatch: e.disp.Stats,
	}
}

// ToDict renders the snapshot for the control plane.
func (s Stats) ToDict() map[string]any {
	streams := map[string]any{}
	for k, v := range s.Streams {
		streams[k] = map[string]any{
			"known":           v.Known,
			"next_seq":        v.NextSeq,
			"cached_segments": v.Cached,
			"buffered_bytes":  v.Buffered,
			"delivered_bytes": v.Delivered,
			"stale_drop":      v.Stale,
			"duplicate":       v.Duplicate,
			"trimmed":         v.Trimmed,
			"ooo_evictions":   v.Evicted,
			"unresolved":      v.Unresolved,
		}
	}
	return map[string]any{
		"connection":          s.Connection,
		"packets":             s.Packets,
		"non_ipv4":            s.NonIPv4,
		"non_tcp":             s.NonTCP,
		"bad_tcp":             s.BadTCP,
		"fragment_errors":     s.FragmentErrors,
		"untracked":           s.Untracked,
		"segments":            s.Segments,
		"desyncs":             s.Desyncs,
		"message_errors":      s.MessageErrors,
		"idle_resets":         s.IdleResets,
		"fragments_pending":   s.FragmentsPending,
		"fragments_completed": s.FragmentsCompleted,
		"fragments_evicted":   s.FragmentsEvicted,
		"fragments_rejected":  s.FragmentsRejected,
		"signature_matches":   s.SignatureMatches,
		"switches":            s.Switches,
		"streams":             streams,
		"dispatch": map[string]any{
			"frames":           s.Dispatch.Frames,
			"dispatched":       s.Dispatch.Dispatched,
			"unregistered":     s.Dispatch.Unregistered,
			"ignored":          s.Dispatch.Ignored,
			"nested":           s.Dispatch.Nested,
			"handler_failures": s.Dispatch.HandlerFailures,
			"decode_failures":  s.Dispatch.DecodeFailures,
			"short_frames":     s.Dispatch.ShortFrames,
		},
	}
}
