// Package handlers holds the message handlers registered at start-up. They
// do not decode domain objects; each one reports a protobuf wire summary of
// the payload it receives.
package handlers

import (
	"fmt"
	"sort"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"scenetap/internal/dispatch"
)

const (
	// MethodSyncNearEntities is the Notify carrying entities entering and
	// leaving the client's view.
	MethodSyncNearEntities uint32 = 6
	// FeatureLineList is the Return feature value of the line list reply.
	FeatureLineList uint32 = 705167632
)

// Emitter publishes a handler event. It matches control.EventRouter.Emit.
type Emitter interface {
	Emit(cat, event, level string, payload map[string]any, cp bool)
}

// FieldSummary describes every occurrence of one top-level field number.
type FieldSummary struct {
	Wire  string `json:"wire"`
	Count int    `json:"count"`
	// Bytes totals the length of bytes-typed occurrences.
	Bytes int `json:"bytes,omitempty"`
	// Last is the last varint value seen.
	Last uint64 `json:"last,omitempty"`
}

func wireName(t protowire.Type) string {
	switch t {
	case protowire.VarintType:
		return "varint"
	case protowire.Fixed32Type:
		return "fixed32"
	case protowire.Fixed64Type:
		return "fixed64"
	case protowire.BytesType:
		return "bytes"
	case protowire.StartGroupType:
		return "group"
	default:
		return fmt.Sprintf("wire(%d)", t)
	}
}

// Summarize walks the top-level fields of a protobuf message.
func Summarize(b []byte) (map[protowire.Number]FieldSummary, error) {
	out := map[protowire.Number]FieldSummary{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return out, fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		fs := out[num]
		fs.Wire = wireName(typ)
		fs.Count++
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return out, fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
			fs.Last = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return out, fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
			fs.Bytes += len(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return out, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
		}
		out[num] = fs
		b = b[n:]
	}
	return out, nil
}

func summaryPayload(name string, msg *dispatch.Message) (map[string]any, error) {
	fields, err := Summarize(msg.Payload)
	nums := make([]int, 0, len(fields))
	for num := range fields {
		nums = append(nums, int(num))
	}
	sort.Ints(nums)
	fm := make(map[string]any, len(fields))
	for _, num := range nums {
		fm[strconv.Itoa(num)] = fields[protowire.Number(num)]
	}
	return map[string]any{
		"name":      name,
		"table":     msg.Table.String(),
		"method":    msg.MethodID,
		"direction": msg.Dir.String(),
		"bytes":     len(msg.Payload),
		"depth":     msg.Depth,
		"fields":    fm,
	}, err
}

func summaryHandler(name string, em Emitter) dispatch.Handler {
	return func(msg *dispatch.Message) error {
		payload, err := summaryPayload(name, msg)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		em.Emit("message", name, "debug", payload, true)
		return nil
	}
}

// Register installs the default handlers on reg.
func Register(reg *dispatch.Registry, em Emitter) error {
	if err := reg.Register(dispatch.Notify, MethodSyncNearEntities, summaryHandler("sync_near_entities", em)); err != nil {
		return err
	}
	return reg.Register(dispatch.Return, FeatureLineList, summaryHandler("line_list", em))
}
