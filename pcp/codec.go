// Package pcp implements the PCP (RFC 6887) MAP-opcode wire codec and the
// single-shot UDP client that drives it. PCP supersedes NAT-PMP with a
// mapping nonce, reported external address, and (unused here, per the
// stated non-goals) IPv6 support.
//
// The 60-byte MAP request layout follows RFC 6887 §11.1; field offsets are
// reproduced exactly as spec'd rather than derived, since this is the wire
// contract every PCP-speaking gateway expects.
package pcp

import (
	"errors"
	"fmt"
	"net"

	"github.com/Lamby777/liberate-your-ports/bytematrix"
	"github.com/Lamby777/liberate-your-ports/transport"
)

// GatewayPort is the well-known NAT-PMP/PCP port on the router.
const GatewayPort = 5351

// pcpHeader is version=2, R=0 (request), opcode=1 (MAP).
const pcpHeader uint32 = 0x02010000

const requestSize = 60

// NonceSize is the length in bytes of a PCP mapping nonce.
const NonceSize = 12

var (
	// ErrShortResponse is returned when a reply is too small to decode.
	ErrShortResponse = errors.New("pcp: short response")
)

// ResultSuccess and ResultNoResources are the two PCP result codes this
// client treats as non-fatal: 0 is success, 8 (NO_RESOURCES) is treated as
// success on delete, meaning "mapping already absent".
const (
	ResultSuccess     = 0
	ResultNoResources = 8
)

// ProtocolResultError wraps a non-zero, non-tolerated PCP result code.
type ProtocolResultError struct {
	Code uint8
}

func (e *ProtocolResultError) Error() string {
	return fmt.Sprintf("pcp: gateway responded with result code %d", e.Code)
}

// EncodeMapRequest builds the 60-byte MAP request described in RFC 6887
// §11.1. clientIP is this host's chosen local IPv4 address; nonce must be
// NonceSize bytes, freshly random for an add and reused verbatim for the
// matching delete. t selects the protocol-number byte at offset 36 (6 for
// TCP, 17 for UDP) — the source this is adapted from hard-coded 17
// unconditionally; this resolves that open question the same way
// natpmp.OpcodeFor does, by taking the transport explicitly.
func EncodeMapRequest(clientIP net.IP, t transport.Transport, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("pcp: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	v4 := clientIP.To4()
	if v4 == nil {
		return nil, fmt.Errorf("pcp: client IP %q is not IPv4", clientIP.String())
	}

	buf := bytematrix.Build(requestSize, []bytematrix.Row{
		{Width: bytematrix.Width32, Offset: 0, Value: pcpHeader},
		{Width: bytematrix.Width32, Offset: 4, Value: lifetimeSeconds},
		{Width: bytematrix.Width16, Offset: 18, Value: 0xffff},
		{Width: bytematrix.Width8, Offset: 36, Value: uint32(t)},
		{Width: bytematrix.Width16, Offset: 40, Value: uint32(internalPort)},
		{Width: bytematrix.Width16, Offset: 42, Value: uint32(suggestedExternalPort)},
		{Width: bytematrix.Width16, Offset: 54, Value: 0xffff},
	})

	copy(buf[20:24], v4)
	copy(buf[24:24+NonceSize], nonce)

	return buf, nil
}

// MapResponse is the decoded body of a PCP MAP response.
type MapResponse struct {
	ResultCode   uint8
	Lifetime     uint32
	ExternalPort uint16
	ExternalIP   string
	Nonce        []byte
}

// DecodeMapResponse parses a PCP MAP response per the field offsets in
// spec.md §4.F.
func DecodeMapResponse(buf []byte) (MapResponse, error) {
	if len(buf) < 60 {
		return MapResponse{}, ErrShortResponse
	}

	nonce := make([]byte, NonceSize)
	copy(nonce, buf[24:24+NonceSize])

	return MapResponse{
		ResultCode:   bytematrix.ReadU8(buf, 3),
		Lifetime:     bytematrix.ReadU32(buf, 4),
		ExternalPort: bytematrix.ReadU16(buf, 42),
		ExternalIP:   fmt.Sprintf("%d.%d.%d.%d", buf[56], buf[57], buf[58], buf[59]),
		Nonce:        nonce,
	}, nil
}
