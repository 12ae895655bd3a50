package portmap

import (
	"context"
	"time"
)

// Protocol identifies which wire protocol produced a Mapping. It
// determines which deleter the registry invokes when the mapping is
// removed.
type Protocol int

const (
	NatPmp Protocol = iota
	Pcp
	Upnp
)

func (p Protocol) String() string {
	switch p {
	case NatPmp:
		return "natPmp"
	case Pcp:
		return "pcp"
	case Upnp:
		return "upnp"
	default:
		return "unknown"
	}
}

// FailedExternalPort is the sentinel ExternalPort value for a Mapping that
// failed to be created. Per spec, externalPort == -1 iff the mapping
// failed, and failed mappings are never inserted into the registry.
const FailedExternalPort = -1

// Mapping is the record returned from every add operation, modeling
// spec.md's tagged-variant recommendation as one struct whose
// protocol-specific fields (Nonce, ExternalIP) are only meaningful when
// Protocol says so.
type Mapping struct {
	// InternalIP is the LAN address selected (by longest-prefix match
	// against the router) to receive forwarded traffic.
	InternalIP string

	// InternalPort is the port on the local host being forwarded to.
	InternalPort uint16

	// ExternalIP is the address the router reports for this mapping.
	// Populated by PCP only; empty for NAT-PMP and UPnP.
	ExternalIP string

	// ExternalPort is the router-assigned external port, or
	// FailedExternalPort on failure. The router may assign a different
	// port than requested; this value is authoritative.
	ExternalPort int

	// Lifetime is the router-granted lifetime in seconds. 0 means
	// "static" (UPnP only, translated internally to a 24h refresh).
	Lifetime uint32

	// Protocol is the wire protocol that produced this mapping.
	Protocol Protocol

	// Nonce is the 96-bit PCP mapping nonce, required to delete a PCP
	// mapping. Empty for NAT-PMP and UPnP.
	Nonce []byte

	// ErrInfo carries a human-readable failure reason, populated on
	// failed mappings (e.g. a UPnP SOAP fault description).
	ErrInfo string

	// timer is the armed refresh/expiry timer for this entry; exactly
	// one of refresh or expiry is ever armed for a live mapping.
	timer *time.Timer

	// deleter is a closure bound to this mapping's protocol and
	// parameters, invoked by DeleteMapping.
	deleter func(ctx context.Context) bool
}

// Failed reports whether this Mapping represents a failed add.
func (m Mapping) Failed() bool {
	return m.ExternalPort == FailedExternalPort
}

// failureMapping builds the sentinel failed Mapping returned when every
// protocol in the fallback chain has failed. Per spec this is always
// returned as a value, never as an error.
func failureMapping(reason string) Mapping {
	return Mapping{ExternalPort: FailedExternalPort, ErrInfo: reason}
}

// TriState models "no probe has ever completed" (Unknown) versus a
// completed probe's boolean outcome, per the protocol-support cache.
type TriState int

const (
	Unknown TriState = iota
	True
	False
)

// ProtocolSupport is the tri-state support cache plus the discovered UPnP
// control URL, returned by ProbeProtocolSupport and ProtocolSupportCache.
type ProtocolSupport struct {
	NatPmp         TriState
	Pcp            TriState
	Upnp           TriState
	UpnpControlURL string
}
