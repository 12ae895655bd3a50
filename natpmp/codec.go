// Package natpmp implements the NAT-PMP (RFC 6886) wire codec and the
// single-shot UDP client that drives it, adapted from hlandau/portmap's
// natpmp package to the wave/cache-driven dispatch the registry needs.
package natpmp

import (
	"errors"
	"fmt"

	"github.com/Lamby777/liberate-your-ports/bytematrix"
	"github.com/Lamby777/liberate-your-ports/transport"
)

// version0 is the only NAT-PMP protocol version this client speaks.
const version0 = 0

// Opcode identifies a NAT-PMP request kind.
type Opcode byte

const (
	OpcodeExternalAddr Opcode = 0
	OpcodeMapUDP       Opcode = 1
	OpcodeMapTCP       Opcode = 2
)

// OpcodeFor maps a transport.Transport to its NAT-PMP MAP opcode, per RFC
// 6886 (op=1 UDP, op=2 TCP). The source this package is adapted from wired
// a single opcode unconditionally; this resolves that open question by
// exposing both and letting the caller choose, per DESIGN.md.
func OpcodeFor(t transport.Transport) (Opcode, bool) {
	switch t {
	case transport.TCP:
		return OpcodeMapTCP, true
	case transport.UDP:
		return OpcodeMapUDP, true
	default:
		return 0, false
	}
}

// GatewayPort is the well-known NAT-PMP/PCP port on the router.
const GatewayPort = 5351

// ErrShortResponse is returned when a reply is too small to contain the
// fields the opcode demands.
var ErrShortResponse = errors.New("natpmp: short response")

// ProtocolResultError wraps a non-zero NAT-PMP result code.
type ProtocolResultError struct {
	Code uint16
}

func (e *ProtocolResultError) Error() string {
	return fmt.Sprintf("natpmp: gateway responded with nonzero result code %d", e.Code)
}

// EncodeExternalAddrRequest builds the 2-byte external-address probe.
func EncodeExternalAddrRequest() []byte {
	return bytematrix.Build(2, []bytematrix.Row{
		{Width: bytematrix.Width8, Offset: 0, Value: version0},
		{Width: bytematrix.Width8, Offset: 1, Value: uint32(OpcodeExternalAddr)},
	})
}

// EncodeMapRequest builds the 12-byte MAP request described in RFC 6886
// §3.3. opcode must be OpcodeMapUDP or OpcodeMapTCP.
func EncodeMapRequest(opcode Opcode, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32) []byte {
	return bytematrix.Build(12, []bytematrix.Row{
		{Width: bytematrix.Width8, Offset: 0, Value: version0},
		{Width: bytematrix.Width8, Offset: 1, Value: uint32(opcode)},
		{Width: bytematrix.Width16, Offset: 2, Value: 0},
		{Width: bytematrix.Width16, Offset: 4, Value: uint32(internalPort)},
		{Width: bytematrix.Width16, Offset: 6, Value: uint32(suggestedExternalPort)},
		{Width: bytematrix.Width32, Offset: 8, Value: lifetimeSeconds},
	})
}

// MapResponse is the decoded body of a 16-byte MAP response.
type MapResponse struct {
	Opcode          Opcode
	ResultCode      uint16
	SecondsSinceEpoch uint32
	InternalPort    uint16
	ExternalPort    uint16
	Lifetime        uint32
}

// DecodeMapResponse parses a MAP response buffer per RFC 6886 §3.3.
func DecodeMapResponse(buf []byte) (MapResponse, error) {
	if len(buf) < 16 {
		return MapResponse{}, ErrShortResponse
	}

	resp := MapResponse{
		Opcode:            Opcode(bytematrix.ReadU8(buf, 1) &^ 0x80),
		ResultCode:        bytematrix.ReadU16(buf, 2),
		SecondsSinceEpoch: bytematrix.ReadU32(buf, 4),
		InternalPort:      bytematrix.ReadU16(buf, 8),
		ExternalPort:      bytematrix.ReadU16(buf, 10),
		Lifetime:          bytematrix.ReadU32(buf, 12),
	}
	return resp, nil
}

// ExternalAddrResponse is the decoded body of a GetExternalAddress reply.
type ExternalAddrResponse struct {
	ResultCode        uint16
	SecondsSinceEpoch uint32
	ExternalIP        string
}

// DecodeExternalAddrResponse parses a GetExternalAddress response buffer.
func DecodeExternalAddrResponse(buf []byte) (ExternalAddrResponse, error) {
	if len(buf) < 12 {
		return ExternalAddrResponse{}, ErrShortResponse
	}

	ip := fmt.Sprintf("%d.%d.%d.%d", buf[8], buf[9], buf[10], buf[11])
	return ExternalAddrResponse{
		ResultCode:        bytematrix.ReadU16(buf, 2),
		SecondsSinceEpoch: bytematrix.ReadU32(buf, 4),
		ExternalIP:        ip,
	}, nil
}
