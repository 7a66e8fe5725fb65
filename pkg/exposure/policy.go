// Package exposure decides which tracked flows deserve a public listener.
package exposure

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/qnnnnez/fullcone-nginx/pkg/conntrack"
)

// Policy holds the allow-list of internal source networks. A flow is worth
// exposing only when the kernel actually translated it and its internal
// origin falls inside one of the allowed networks.
type Policy struct {
	allowed []netip.Prefix
}

// NewPolicy builds a policy over a copy of the given allow-list.
func NewPolicy(allowed []netip.Prefix) *Policy {
	p := &Policy{allowed: make([]netip.Prefix, len(allowed))}
	copy(p.allowed, allowed)
	return p
}

// Networks returns the allow-list the policy was built with.
func (p *Policy) Networks() []netip.Prefix {
	out := make([]netip.Prefix, len(p.allowed))
	copy(out, p.allowed)
	return out
}

// Exposable reports whether the flow should be served by a listener.
// Required: IPv4 on both directions, the same transport on both directions
// and that transport is tcp or udp, the original source differs from the
// reply destination (the kernel rewrote the flow), and the original source
// address is inside at least one allowed network. Prefix bounds are
// inclusive. A source address that does not parse is never exposable.
func (p *Policy) Exposable(ev conntrack.Event) bool {
	orig, reply := ev.Original, ev.Reply
	if orig.L3Proto != "ipv4" || reply.L3Proto != "ipv4" {
		return false
	}
	if !supportedTransport(orig.L4Proto) || !supportedTransport(reply.L4Proto) {
		return false
	}
	if orig.L4Proto != reply.L4Proto {
		return false
	}
	if orig.SrcIP == reply.DstIP {
		// Untranslated flow: the reply already targets the origin.
		return false
	}
	src, err := netip.ParseAddr(orig.SrcIP)
	if err != nil {
		return false
	}
	for _, network := range p.allowed {
		if network.Contains(src) {
			return true
		}
	}
	return false
}

func supportedTransport(proto string) bool {
	return proto == "tcp" || proto == "udp"
}

// ParseNetwork parses one allow-list entry. A bare address is treated as a
// /32 network; a prefix with host bits set is rejected rather than masked,
// and only IPv4 networks are accepted.
func ParseNetwork(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid allowed network %q: %w", s, err)
		}
		if !prefix.Addr().Is4() {
			return netip.Prefix{}, fmt.Errorf("allowed network %q: only ipv4 networks are supported", s)
		}
		if prefix != prefix.Masked() {
			return netip.Prefix{}, fmt.Errorf("allowed network %q has host bits set", s)
		}
		return prefix, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowed network %q: %w", s, err)
	}
	if !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("allowed network %q: only ipv4 networks are supported", s)
	}
	return netip.PrefixFrom(addr, 32), nil
}

// ParseNetworks parses every allow-list entry, failing on the first bad one.
func ParseNetworks(entries []string) ([]netip.Prefix, error) {
	networks := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		network, err := ParseNetwork(entry)
		if err != nil {
			return nil, err
		}
		networks = append(networks, network)
	}
	return networks, nil
}
