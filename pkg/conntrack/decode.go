package conntrack

import (
	"encoding/xml"
	"fmt"
)

// DecodeError reports a flow record that could not be turned into an Event.
// The reconcile loop treats it as fatal: conntrack emits one self-contained
// XML document per line, so a malformed record means the stream itself can
// no longer be trusted.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode conntrack event: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode conntrack event: %s", e.Reason)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// XML shapes as printed by `conntrack -o xml`. Each flow element carries an
// original meta, a reply meta and an independent meta holding the flow id.
type flowXML struct {
	XMLName xml.Name  `xml:"flow"`
	Type    string    `xml:"type,attr"`
	Metas   []metaXML `xml:"meta"`
}

type metaXML struct {
	Direction string     `xml:"direction,attr"`
	Layer3    *layer3XML `xml:"layer3"`
	Layer4    *layer4XML `xml:"layer4"`
	ID        string     `xml:"id"`
}

type layer3XML struct {
	Protoname string `xml:"protoname,attr"`
	Src       string `xml:"src"`
	Dst       string `xml:"dst"`
}

type layer4XML struct {
	Protoname string `xml:"protoname,attr"`
	Sport     string `xml:"sport"`
	Dport     string `xml:"dport"`
}

// DecodeEvent parses one raw record line into an Event. The flow id, event
// type and both directions' protocol names and addresses are required;
// sport/dport are best-effort and left empty when absent.
func DecodeEvent(line []byte) (Event, error) {
	var flow flowXML
	if err := xml.Unmarshal(line, &flow); err != nil {
		return Event{}, &DecodeError{Reason: "invalid xml", Err: err}
	}
	if flow.Type == "" {
		return Event{}, &DecodeError{Reason: "flow element has no type attribute"}
	}

	var original, reply *metaXML
	var id string
	for i := range flow.Metas {
		meta := &flow.Metas[i]
		switch meta.Direction {
		case "original":
			original = meta
		case "reply":
			reply = meta
		case "independent":
			if meta.ID != "" {
				id = meta.ID
			}
		}
	}
	if id == "" {
		return Event{}, &DecodeError{Reason: "missing flow id"}
	}

	origTuple, err := decodeTuple(original, "original")
	if err != nil {
		return Event{}, err
	}
	replyTuple, err := decodeTuple(reply, "reply")
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:       id,
		Kind:     kindFromString(flow.Type),
		Original: origTuple,
		Reply:    replyTuple,
	}, nil
}

func decodeTuple(meta *metaXML, direction string) (Tuple, error) {
	if meta == nil {
		return Tuple{}, &DecodeError{Reason: fmt.Sprintf("missing %s meta", direction)}
	}
	if meta.Layer3 == nil {
		return Tuple{}, &DecodeError{Reason: fmt.Sprintf("%s meta has no layer3", direction)}
	}
	if meta.Layer4 == nil {
		return Tuple{}, &DecodeError{Reason: fmt.Sprintf("%s meta has no layer4", direction)}
	}
	if meta.Layer3.Protoname == "" || meta.Layer4.Protoname == "" {
		return Tuple{}, &DecodeError{Reason: fmt.Sprintf("%s meta has unnamed protocol", direction)}
	}
	if meta.Layer3.Src == "" || meta.Layer3.Dst == "" {
		return Tuple{}, &DecodeError{Reason: fmt.Sprintf("%s meta has incomplete addresses", direction)}
	}

	return Tuple{
		L3Proto: meta.Layer3.Protoname,
		L4Proto: meta.Layer4.Protoname,
		SrcIP:   meta.Layer3.Src,
		DstIP:   meta.Layer3.Dst,
		SrcPort: meta.Layer4.Sport,
		DstPort: meta.Layer4.Dport,
	}, nil
}
