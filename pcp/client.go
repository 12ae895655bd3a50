package pcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lamby777/liberate-your-ports/candidates"
	"github.com/Lamby777/liberate-your-ports/ipmatch"
	"github.com/Lamby777/liberate-your-ports/netcap"
	"github.com/Lamby777/liberate-your-ports/transport"
)

// requestTimeout bounds a single request/reply round trip, per spec.
const requestTimeout = 2 * time.Second

// Client drives PCP requests over an injected netcap.Interface.
type Client struct {
	Net netcap.Interface
}

// New returns a Client backed by net.
func New(net netcap.Interface) *Client {
	return &Client{Net: net}
}

// ErrNoResponse is returned when no reply arrives within the 2s window.
var ErrNoResponse = errNoResponse{}

type errNoResponse struct{}

func (errNoResponse) Error() string { return "pcp: no response from gateway" }

// AddResult is the outcome of a successful wave fan-out.
type AddResult struct {
	RouterIP     string
	InternalIP   string
	ExternalIP   string
	ExternalPort uint16
	Lifetime     uint32
	Nonce        []byte
	// TransactionID is a best-effort identifier for correlating this add's
	// log lines; it has no wire representation and is never compared to a
	// router's reply.
	TransactionID string
}

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

// Probe issues a MAP request with a throwaway nonce on the probe port and
// reports whether the gateway granted a mapping.
func (c *Client) Probe(ctx context.Context, routerIP, clientIP string, probePort uint16) bool {
	nonce, err := c.Net.RandomBytes(NonceSize)
	if err != nil {
		return false
	}

	payload, err := EncodeMapRequest(net.ParseIP(clientIP), transport.UDP, probePort, probePort, 120, nonce)
	if err != nil {
		return false
	}

	buf, err := c.request(ctx, routerIP, payload)
	if err != nil {
		return false
	}

	resp, err := DecodeMapResponse(buf)
	if err != nil {
		return false
	}
	return resp.ResultCode == ResultSuccess
}

type candidateResult struct {
	index  int
	result *AddResult
}

// AddMapping fans a MAP request out across the wave-ordered router IPs,
// exactly as natpmp.Client.AddMapping does, generating a fresh nonce per
// candidate (the nonce that ends up on the winning reply is the one that
// must be reused for the matching delete).
func (c *Client) AddMapping(ctx context.Context, t transport.Transport, cache, localIPs []string, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32) (*AddResult, bool) {
	wave1, wave2 := candidates.Waves(cache, localIPs)

	if r := c.tryWave(ctx, t, wave1, localIPs, internalPort, suggestedExternalPort, lifetimeSeconds, nil); r != nil {
		return r, true
	}
	if r := c.tryWave(ctx, t, wave2, localIPs, internalPort, suggestedExternalPort, lifetimeSeconds, nil); r != nil {
		return r, true
	}
	return nil, false
}

// DeleteMapping reissues the MAP request with lifetime=0 and the original
// nonce across both waves; a PCP NO_RESOURCES result is treated as success
// ("mapping already absent").
func (c *Client) DeleteMapping(ctx context.Context, t transport.Transport, cache, localIPs []string, internalPort uint16, nonce []byte) bool {
	wave1, wave2 := candidates.Waves(cache, localIPs)
	if r := c.tryWave(ctx, t, wave1, localIPs, internalPort, 0, 0, nonce); r != nil {
		return true
	}
	if r := c.tryWave(ctx, t, wave2, localIPs, internalPort, 0, 0, nonce); r != nil {
		return true
	}
	return false
}

func (c *Client) tryWave(ctx context.Context, t transport.Transport, wave, localIPs []string, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32, reuseNonce []byte) *AddResult {
	if len(wave) == 0 {
		return nil
	}

	resultsCh := make(chan candidateResult, len(wave))
	var wg sync.WaitGroup

	for i, routerIP := range wave {
		wg.Add(1)
		go func(i int, routerIP string) {
			defer wg.Done()

			internalIP, _ := ipmatch.LongestPrefixMatch(localIPs, routerIP)
			if internalIP == "" {
				resultsCh <- candidateResult{index: i}
				return
			}

			nonce := reuseNonce
			if nonce == nil {
				var err error
				nonce, err = c.Net.RandomBytes(NonceSize)
				if err != nil {
					resultsCh <- candidateResult{index: i}
					return
				}
			}

			payload, err := EncodeMapRequest(net.ParseIP(internalIP), t, internalPort, suggestedExternalPort, lifetimeSeconds, nonce)
			if err != nil {
				resultsCh <- candidateResult{index: i}
				return
			}

			buf, err := c.request(ctx, routerIP, payload)
			if err != nil {
				resultsCh <- candidateResult{index: i}
				return
			}

			resp, err := DecodeMapResponse(buf)
			if err != nil {
				resultsCh <- candidateResult{index: i}
				return
			}
			// NO_RESOURCES only counts as success on delete (a reused nonce).
			deleting := reuseNonce != nil
			if resp.ResultCode != ResultSuccess && !(deleting && resp.ResultCode == ResultNoResources) {
				resultsCh <- candidateResult{index: i}
				return
			}

			resultsCh <- candidateResult{index: i, result: &AddResult{
				RouterIP:      routerIP,
				InternalIP:    internalIP,
				ExternalIP:    resp.ExternalIP,
				ExternalPort:  resp.ExternalPort,
				Lifetime:      resp.Lifetime,
				Nonce:         resp.Nonce,
				TransactionID: uuid.NewString(),
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
