package conntrack

import "fmt"

// EventKind classifies a conntrack flow event.
type EventKind int

const (
	// KindOther covers event types the table does not act on.
	KindOther EventKind = iota
	// KindNew signals a flow entering the tracking table.
	KindNew
	// KindUpdate signals a state change on a tracked flow.
	KindUpdate
	// KindDestroy signals a flow leaving the tracking table.
	KindDestroy
)

// String returns the conntrack wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindUpdate:
		return "update"
	case KindDestroy:
		return "destroy"
	default:
		return "other"
	}
}

// kindFromString maps the flow element's type attribute to an EventKind.
// Unrecognized values map to KindOther; the caller treats an empty value
// as a decode failure before calling this.
func kindFromString(s string) EventKind {
	switch s {
	case "new":
		return KindNew
	case "update":
		return KindUpdate
	case "destroy":
		return KindDestroy
	default:
		return KindOther
	}
}

// Tuple is one direction of a tracked flow: the layer 3/4 protocol names as
// conntrack prints them plus source and destination endpoints. Ports are kept
// as strings and are empty for transports that have none (e.g. icmp); an
// empty port is not an error anywhere in this package.
type Tuple struct {
	L3Proto string
	L4Proto string
	SrcIP   string
	DstIP   string
	SrcPort string
	DstPort string
}

// HasPorts reports whether this direction carries layer 4 ports.
func (t Tuple) HasPorts() bool {
	return t.SrcPort != "" || t.DstPort != ""
}

// String returns a compact src->dst form for logging.
func (t Tuple) String() string {
	if !t.HasPorts() {
		return fmt.Sprintf("%s/%s %s->%s", t.L3Proto, t.L4Proto, t.SrcIP, t.DstIP)
	}
	return fmt.Sprintf("%s/%s %s:%s->%s:%s", t.L3Proto, t.L4Proto, t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// Event is one decoded flow-change record. Original is the direction as first
// seen by conntrack (pre-translation); Reply is the return direction carrying
// the post-translation addresses the external peer uses.
type Event struct {
	ID       string
	Kind     EventKind
	Original Tuple
	Reply    Tuple
}
