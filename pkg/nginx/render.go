// Package nginx turns tracked flows into stream listener configuration
// and installs it.
package nginx

import (
	"fmt"
	"strings"

	"github.com/qnnnnez/fullcone-nginx/pkg/conntrack"
	"github.com/qnnnnez/fullcone-nginx/pkg/exposure"
)

// Renderer produces the server blocks for the exposable subset of a flow
// snapshot. Rendering is pure: same snapshot in, same bytes out.
type Renderer struct {
	policy    *exposure.Policy
	extraConf string
}

// NewRenderer returns a renderer. extraConf is inserted verbatim into
// every server block and may be empty.
func NewRenderer(policy *exposure.Policy, extraConf string) *Renderer {
	return &Renderer{policy: policy, extraConf: extraConf}
}

// Render emits one server block per exposable flow, in snapshot order.
// Each block binds the address the NAT picked for the flow back to the
// flow's internal origin endpoint. Flows that would bind an already taken
// listen address are dropped, first one wins. The result may be empty.
func (r *Renderer) Render(flows []conntrack.Event) string {
	var conf strings.Builder
	listened := make(map[string]struct{})
	for _, flow := range flows {
		if !r.policy.Exposable(flow) {
			continue
		}

		listenAddr := flow.Reply.DstIP + ":" + flow.Reply.DstPort
		if _, taken := listened[listenAddr]; taken {
			continue
		}
		listened[listenAddr] = struct{}{}
		if flow.Reply.L4Proto == "udp" {
			// stream listeners default to tcp
			listenAddr += " udp"
		}

		destAddr := flow.Original.SrcIP + ":" + flow.Original.SrcPort
		fmt.Fprintf(&conf, "server { listen %s; proxy_pass %s; %s }\t# flowid=%s\n",
			listenAddr, destAddr, r.extraConf, flow.ID)
	}
	return conf.String()
}
