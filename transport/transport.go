// Package transport identifies the L4 protocol (TCP or UDP) a mapping is
// requested for. It is shared by natpmp, pcp, upnp and the root
// orchestrator so each wire codec can translate the same caller intent
// into its own on-the-wire representation (a NAT-PMP opcode, a PCP
// protocol-number byte, or a UPnP NewProtocol string).
//
// This resolves the two "which transport does the wire layer assume"
// open questions flagged in DESIGN.md: rather than hard-coding one
// choice, every codec takes an explicit Transport and the caller decides.
package transport

// Transport is a L4 protocol, numbered per the IANA protocol-number
// values PCP uses on the wire (NAT-PMP encodes it as opcode 1 or 2
// instead; see natpmp.OpcodeFor).
type Transport int

const (
	TCP Transport = 6
	UDP Transport = 17
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}
