package dispatch

import (
	"fmt"
	"sort"
)

// Table selects which handler table a method id is looked up in.
type Table int

const (
	// Notify holds server pushed notifications keyed by method id.
	Notify Table = iota
	// Return holds call results keyed by the feature field.
	Return
	// Send holds client originated calls keyed by method id.
	Send
)

func (t Table) String() string {
	switch t {
	case Notify:
		return "notify"
	case Return:
		return "return"
	case Send:
		return "send"
	default:
		return fmt.Sprintf("table(%d)", int(t))
	}
}

// Handler consumes one decoded message. Message.Payload is only valid for
// the duration of the call.
type Handler func(msg *Message) error

// Registry maps (table, method id) to handlers. It is filled before the
// engine starts and only read afterwards.
type Registry struct {
	tables map[Table]map[uint32]Handler
}

func NewRegistry() *Registry {
	return &Registry{tables: map[Table]map[uint32]Handler{
		Notify: {},
		Return: {},
		Send:   {},
	}}
}

// Register adds a handler. Registering the same id twice is a programming
// error.
func (r *Registry) Register(t Table, methodID uint32, h Handler) error {
	tbl, ok := r.tables[t]
	if !ok {
		return fmt.Errorf("register %d: unknown table %s", methodID, t)
	}
	if h == nil {
		return fmt.Errorf("register %s/%d: nil handler", t, methodID)
	}
	if _, dup := tbl[methodID]; dup {
		return fmt.Errorf("register %s/%d: already registered", t, methodID)
	}
	tbl[methodID] = h
	return nil
}

// MustRegister is Register for start-up code.
func (r *Registry) MustRegister(t Table, methodID uint32, h Handler) {
	if err := r.Register(t, methodID, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(t Table, methodID uint32) (Handler, bool) {
	h, ok := r.tables[t][methodID]
	return h, ok
}

// Methods lists the registered ids of a table in ascending order.
func (r *Registry) Methods(t Table) []uint32 {
	ids := make([]uint32, 0, len(r.tables[t]))
	for id := range r.tables[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
