// Package upnp implements UPnP IGD discovery (SSDP M-SEARCH, device
// description fetch, control-URL extraction) and SOAP WANIPConnection
// control (AddPortMapping/DeletePortMapping/GetGenericPortMappingEntry),
// adapted from hlandau/portmap's upnp and ssdp/ssdpbase packages.
package upnp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net/url"
)

// WANIPConnectionURN is the SSDP search target and SOAP service type for
// the WANIPConnection:1 service this client controls.
const WANIPConnectionURN = "urn:schemas-upnp-org:service:WANIPConnection:1"

const upnpDeviceNS = "urn:schemas-upnp-org:device-1-0"

// ErrNoControlURL is returned when a device description contains no
// WANIPConnection service with a resolvable controlURL.
var ErrNoControlURL = errors.New("upnp: no WANIPConnection control URL in device description")

type xRootDevice struct {
	XMLName xml.Name `xml:"root"`
	Device  xDevice  `xml:"device"`
}

type xDevice struct {
	Services []xService `xml:"serviceList>service,omitempty"`
	Devices  []xDevice  `xml:"deviceList>device,omitempty"`
}

func (d *xDevice) visitServices(f func(s *xService)) {
	for i := range d.Services {
		f(&d.Services[i])
	}
	for i := range d.Devices {
		d.Devices[i].visitServices(f)
	}
}

type xService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
}

// ExtractControlURL parses a UPnP device-description XML document (body)
// fetched from base and returns the first WANIPConnection:1 controlURL,
// resolved relative to base. The first URL that parses cleanly wins.
func ExtractControlURL(body []byte, base *url.URL) (*url.URL, error) {
	var root xRootDevice
	d := xml.NewDecoder(bytes.NewReader(body))
	d.DefaultSpace = upnpDeviceNS
	if err := d.Decode(&root); err != nil {
		return nil, err
	}

	var found *url.URL
	root.Device.visitServices(func(s *xService) {
		if found != nil || s.ServiceType != WANIPConnectionURN {
			return
		}
		ref, err := url.Parse(s.ControlURL)
		if err != nil {
			return
		}
		found = base.ResolveReference(ref)
	})

	if found == nil {
		return nil, ErrNoControlURL
	}
	return found, nil
}
