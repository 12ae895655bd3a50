package upnp

import (
	"context"
	"net/url"
	"time"

	"github.com/Lamby777/liberate-your-ports/netcap"
	"github.com/Lamby777/liberate-your-ports/transport"
)

// ssdpWindow is how long SSDP discovery collects unicast replies, per spec.
const ssdpWindow = 1 * time.Second

// Client drives UPnP IGD discovery and SOAP control over an injected
// netcap.Interface.
type Client struct {
	Net netcap.Interface
}

// New returns a Client backed by net.
func New(net netcap.Interface) *Client {
	return &Client{Net: net}
}

// Discover sends one SSDP M-SEARCH for WANIPConnectionURN and returns the
// LOCATION URLs extracted from whatever unicast replies arrive within
// ssdpWindow. UPnP discovery has no wave strategy: the multicast query
// fans out to every router at once.
func (c *Client) Discover(ctx context.Context) ([]string, error) {
	replies, err := c.Net.SSDPSearch(ctx, WANIPConnectionURN, ssdpWindow)
	if err != nil {
		return nil, err
	}

	var locations []string
	seen := map[string]bool{}
	for _, raw := range replies {
		loc, ok := netcap.ParseHTTPLocation(raw)
		if !ok || seen[loc] {
			continue
		}
		seen[loc] = true
		locations = append(locations, loc)
	}
	return locations, nil
}

// ResolveControlURL fetches the device description at location and
// extracts the WANIPConnection control URL.
func (c *Client) ResolveControlURL(ctx context.Context, location string) (*url.URL, error) {
	base, err := url.Parse(location)
	if err != nil {
		return nil, err
	}

	body, err := c.Net.HTTPGet(ctx, location)
	if err != nil {
		return nil, err
	}

	return ExtractControlURL(body, base)
}

// AddResult is the outcome of a successful AddPortMapping call.
type AddResult struct {
	ExternalPort uint16
	Lifetime     uint32
}

// AddPortMapping issues AddPortMapping against controlURL. lifetime may be
// 0 to request a static (router-side permanent) mapping; the caller is
// responsible for arming the 24h internal refresh cadence that implies.
func (c *Client) AddPortMapping(ctx context.Context, controlURL *url.URL, t transport.Transport, internalPort, externalPort uint16, internalClient string, lifetime uint32) (*AddResult, error) {
	body := buildEnvelope(addPortMappingBody(internalPort, externalPort, t.String(), internalClient, "PortControl", lifetime))

	respBody, status, err := c.Net.HTTPPostSOAP(ctx, controlURL.String(), WANIPConnectionURN+"#AddPortMapping", []byte(body))
	if err != nil {
		return nil, err
	}

	if fault := parseFault(respBody); fault != nil {
		return nil, fault
	}
	if status != 200 {
		return nil, &SoapFaultError{Description: "non-200 HTTP status from AddPortMapping"}
	}

	return &AddResult{ExternalPort: externalPort, Lifetime: lifetime}, nil
}

// DeletePortMapping issues DeletePortMapping against controlURL.
func (c *Client) DeletePortMapping(ctx context.Context, controlURL *url.URL, t transport.Transport, externalPort uint16) error {
	body := buildEnvelope(deletePortMappingBody(externalPort, t.String()))

	respBody, status, err := c.Net.HTTPPostSOAP(ctx, controlURL.String(), WANIPConnectionURN+"#DeletePortMapping", []byte(body))
	if err != nil {
		return err
	}

	if fault := parseFault(respBody); fault != nil {
		return fault
	}
	if status != 200 {
		return &SoapFaultError{Description: "non-200 HTTP status from DeletePortMapping"}
	}
	return nil
}

// GetGenericPortMappingEntry issues GetGenericPortMappingEntry for the
// mapping at index, returning the raw SOAP response body for the caller to
// decode. Used by ListMappings to walk the router's mapping table; not on
// the add/delete fast path.
func (c *Client) GetGenericPortMappingEntry(ctx context.Context, controlURL *url.URL, index int) ([]byte, error) {
	body := buildEnvelope(getGenericPortMappingEntryBody(index))

	respBody, status, err := c.Net.HTTPPostSOAP(ctx, controlURL.String(), WANIPConnectionURN+"#GetGenericPortMappingEntry", []byte(body))
	if err != nil {
		return nil, err
	}
	if fault := parseFault(respBody); fault != nil {
		return nil, fault
	}
	if status != 200 {
		return nil, &SoapFaultError{Description: "non-200 HTTP status from GetGenericPortMappingEntry"}
	}
	return respBody, nil
}

// MappingEntry is one row of a router's existing port-mapping table, as
// reported by GetGenericPortMappingEntry.
type MappingEntry struct {
	ExternalPort   uint16
	InternalPort   uint16
	InternalClient string
	Protocol       string
	Enabled        bool
	LeaseDuration  uint32
}

// maxListMappingsEntries bounds ListMappings against a router that never
// signals end-of-table with a fault (some firmware just loops the last
// entry forever).
const maxListMappingsEntries = 256

// ListMappings walks the router's port-mapping table index by index via
// GetGenericPortMappingEntry, stopping at the first SOAP fault (routers
// report SpecifiedArrayIndexInvalid once index runs past the last entry)
// or at maxListMappingsEntries, whichever comes first. Used by the
// orchestrator's reconciliation pass to detect mappings the router has
// dropped out of band.
func (c *Client) ListMappings(ctx context.Context, controlURL *url.URL) ([]MappingEntry, error) {
	var entries []MappingEntry
	for index := 0; index < maxListMappingsEntries; index++ {
		body, err := c.GetGenericPortMappingEntry(ctx, controlURL, index)
		if err != nil {
			if _, isFault := err.(*SoapFaultError); isFault {
				break
			}
			return nil, err
		}

		resp, err := parseGenericPortMappingEntry(body)
		if err != nil {
			break
		}

		entries = append(entries, MappingEntry{
			ExternalPort:   resp.NewExternalPort,
			InternalPort:   resp.NewInternalPort,
			InternalClient: resp.NewInternalClient,
			Protocol:       resp.NewProtocol,
			Enabled:        resp.NewEnabled == "1",
			LeaseDuration:  resp.NewLeaseDuration,
		})
	}
	return entries, nil
}

// Probe discovers a control URL and issues a trial AddPortMapping on the
// probe port, reporting support and the discovered control URL.
func (c *Client) Probe(ctx context.Context, internalIP string, probePort uint16) (bool, *url.URL) {
	locations, err := c.Discover(ctx)
	if err != nil || len(locations) == 0 {
		return false, nil
	}

	for _, loc := range locations {
		controlURL, err := c.ResolveControlURL(ctx, loc)
		if err != nil {
			continue
		}

		if _, err := c.AddPortMapping(ctx, controlURL, transport.TCP, probePort, probePort, internalIP, 120); err != nil {
			continue
		}
		return true, controlURL
	}
	return false, nil
}
