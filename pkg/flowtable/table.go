// Package flowtable keeps the live view of tracked connections.
package flowtable

import (
	"fmt"

	"github.com/qnnnnez/fullcone-nginx/pkg/conntrack"
)

// Op describes how a flow event changed the table.
type Op int

const (
	OpUpsert Op = iota
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is the notice produced by one table mutation.
type Change struct {
	Op    Op
	Event conntrack.Event
}

// Observer is told about every table mutation, after the table state has
// been updated. An observer error aborts the Apply that caused it.
type Observer interface {
	OnFlowChange(Change) error
}

// Table maps flow ids to their latest event, preserving first-insert order
// so that downstream output stays stable across updates. It has a single
// owner, the event loop, and is not safe for concurrent use.
type Table struct {
	observer Observer
	flows    map[string]conntrack.Event
	order    []string
}

// New returns an empty table. A nil observer disables notifications.
func New(observer Observer) *Table {
	return &Table{
		observer: observer,
		flows:    make(map[string]conntrack.Event),
	}
}

// Apply folds one event into the table. New and update events replace the
// whole record for that flow id, destroy removes it if present, anything
// else is ignored. The returned change is nil when the table did not move.
func (t *Table) Apply(ev conntrack.Event) (*Change, error) {
	var change *Change
	switch ev.Kind {
	case conntrack.KindNew, conntrack.KindUpdate:
		if _, ok := t.flows[ev.ID]; !ok {
			t.order = append(t.order, ev.ID)
		}
		t.flows[ev.ID] = ev
		change = &Change{Op: OpUpsert, Event: ev}
	case conntrack.KindDestroy:
		if _, ok := t.flows[ev.ID]; !ok {
			return nil, nil
		}
		delete(t.flows, ev.ID)
		t.dropFromOrder(ev.ID)
		change = &Change{Op: OpRemove, Event: ev}
	default:
		return nil, nil
	}

	if t.observer != nil {
		if err := t.observer.OnFlowChange(*change); err != nil {
			return change, fmt.Errorf("failed to handle flow change: %w", err)
		}
	}
	return change, nil
}

// Snapshot returns the tracked flows in insertion order. Updating a flow
// keeps its original position; removing and re-adding it moves it to the
// back. The slice is a copy.
func (t *Table) Snapshot() []conntrack.Event {
	out := make([]conntrack.Event, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.flows[id])
	}
	return out
}

// Len returns the number of tracked flows.
func (t *Table) Len() int {
	return len(t.flows)
}

func (t *Table) dropFromOrder(id string) {
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
