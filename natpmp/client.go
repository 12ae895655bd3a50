package natpmp

import (
	"context"
	"sync"
	"time"

	"github.com/Lamby777/liberate-your-ports/candidates"
	"github.com/Lamby777/liberate-your-ports/ipmatch"
	"github.com/Lamby777/liberate-your-ports/netcap"
)

// requestTimeout bounds a single request/reply round trip, per spec.
const requestTimeout = 2 * time.Second

// Client drives NAT-PMP requests over an injected netcap.Interface.
type Client struct {
	Net netcap.Interface
}

// New returns a Client backed by net.
func New(net netcap.Interface) *Client {
	return &Client{Net: net}
}

// AddResult is the outcome of a successful wave fan-out.
type AddResult struct {
	RouterIP     string
	InternalIP   string
	ExternalPort uint16
	Lifetime     uint32
}

// request performs one UDP request/response round trip against routerIP,
// racing the reply against a 2s timeout. The socket is released on every
// exit path: whichever of recv/timeout resolves first closes it.
func (c *Client) request(ctx context.Context, routerIP string, payload []byte) ([]byte, error) {
	sock, err := c.Net.UDPBindEphemeral()
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	if err := sock.SendTo(payload, routerIP, GatewayPort); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	buf, _, err := sock.RecvOne(reqCtx)
	if err != nil {
		return nil, ErrNoResponse
	}
	return buf, nil
}

// ErrNoResponse is returned when no reply arrives within the 2s window.
var ErrNoResponse = errNoResponse{}

type errNoResponse struct{}

func (errNoResponse) Error() string { return "natpmp: no response from gateway" }

// probeLifetimeSeconds is the lifetime requested by a support probe, per
// spec: short enough that an unclaimed probe mapping expires quickly if
// the probe add's own delete (never issued) were ever skipped.
const probeLifetimeSeconds = 120

// Probe issues a trial UDP MAP add on probePort with a 120s lifetime and
// reports whether the gateway granted it. probePort must never double as
// a real mapping's external port within one process run.
func (c *Client) Probe(ctx context.Context, routerIP string, probePort uint16) bool {
	buf, err := c.request(ctx, routerIP, EncodeMapRequest(OpcodeMapUDP, probePort, probePort, probeLifetimeSeconds))
	if err != nil {
		return false
	}

	resp, err := DecodeMapResponse(buf)
	if err != nil {
		return false
	}
	return resp.ResultCode == 0
}

// candidateResult is the outcome of probing a single router IP, used to
// pick the first success across a wave (ties broken by wave order).
type candidateResult struct {
	index  int
	result *AddResult
}

// AddMapping fans a MAP request out across two waves of router IPs (first
// the cache plus the LAN-matched defaults, then the remaining defaults),
// stopping at the first wave that yields any success. Only the first reply within a wave
// (by wave order) is honoured, per spec.
func (c *Client) AddMapping(ctx context.Context, cache, localIPs []string, opcode Opcode, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32) (*AddResult, bool) {
	wave1, wave2 := candidates.Waves(cache, localIPs)

	if r := c.tryWave(ctx, wave1, localIPs, opcode, internalPort, suggestedExternalPort, lifetimeSeconds); r != nil {
		return r, true
	}
	if r := c.tryWave(ctx, wave2, localIPs, opcode, internalPort, suggestedExternalPort, lifetimeSeconds); r != nil {
		return r, true
	}
	return nil, false
}

func (c *Client) tryWave(ctx context.Context, wave, localIPs []string, opcode Opcode, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32) *AddResult {
	if len(wave) == 0 {
		return nil
	}

	resultsCh := make(chan candidateResult, len(wave))
	var wg sync.WaitGroup

	for i, routerIP := range wave {
		wg.Add(1)
		go func(i int, routerIP string) {
			defer wg.Done()

			payload := EncodeMapRequest(opcode, internalPort, suggestedExternalPort, lifetimeSeconds)
			buf, err := c.request(ctx, routerIP, payload)
			if err != nil {
				resultsCh <- candidateResult{index: i}
				return
			}

			resp, err := DecodeMapResponse(buf)
			if err != nil || resp.ResultCode != 0 {
				resultsCh <- candidateResult{index: i}
				return
			}

			internalIP, _ := ipmatch.LongestPrefixMatch(localIPs, routerIP)
			resultsCh <- candidateResult{index: i, result: &AddResult{
				RouterIP:     routerIP,
				InternalIP:   internalIP,
				ExternalPort: resp.ExternalPort,
				Lifetime:     resp.Lifetime,
			}}
		}(i, routerIP)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	best := (*AddResult)(nil)
	bestIndex := len(wave)
	for r := range resultsCh {
		if r.result != nil && r.index < bestIndex {
			best = r.result
			bestIndex = r.index
		}
	}
	return best
}

// DeleteMapping issues a lifetime-0 MAP request across both waves and
// reports whether any candidate acknowledged the deletion.
func (c *Client) DeleteMapping(ctx context.Context, cache, localIPs []string, opcode Opcode, internalPort uint16) bool {
	wave1, wave2 := candidates.Waves(cache, localIPs)
	if r := c.tryWave(ctx, wave1, localIPs, opcode, internalPort, 0, 0); r != nil {
		return true
	}
	if r := c.tryWave(ctx, wave2, localIPs, opcode, internalPort, 0, 0); r != nil {
		return true
	}
	return false
}
