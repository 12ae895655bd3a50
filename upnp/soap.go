package upnp

import (
	"encoding/xml"
	"fmt"
	"html"
)

// SoapFaultError carries the errorDescription from a UPnP SOAP fault.
type SoapFaultError struct {
	Description string
}

func (e *SoapFaultError) Error() string {
	return fmt.Sprintf("upnp: SOAP fault: %s", e.Description)
}

type xSoapEnvelope struct {
	XMLName xml.Name  `xml:"Envelope"`
	Body    xSoapBody `xml:"Body"`
}

type xSoapBody struct {
	XMLName xml.Name       `xml:"Body"`
	Fault   *xSoapFault    `xml:"Fault"`
	Data    []byte         `xml:",innerxml"`
}

type xSoapFault struct {
	FaultString string          `xml:"faultstring"`
	Detail      xSoapFaultDetail `xml:"detail"`
}

type xSoapFaultDetail struct {
	ErrorDescription string `xml:"UPnPError>errorDescription"`
}

// buildEnvelope wraps a SOAP action body in a SOAP 1.1 envelope.
func buildEnvelope(actionBody string) string {
	return `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + actionBody + `</s:Body></s:Envelope>`
}

// addPortMappingBody builds the AddPortMapping action body per spec.md §4.G.
func addPortMappingBody(internalPort, externalPort uint16, proto, internalClient, description string, leaseDuration uint32) string {
	return fmt.Sprintf(
		`<u:AddPortMapping xmlns:u="%s">`+
			`<NewRemoteHost></NewRemoteHost>`+
			`<NewExternalPort>%d</NewExternalPort>`+
			`<NewProtocol>%s</NewProtocol>`+
			`<NewInternalPort>%d</NewInternalPort>`+
			`<NewInternalClient>%s</NewInternalClient>`+
			`<NewEnabled>1</NewEnabled>`+
			`<NewPortMappingDescription>%s</NewPortMappingDescription>`+
			`<NewLeaseDuration>%d</NewLeaseDuration>`+
			`</u:AddPortMapping>`,
		WANIPConnectionURN, externalPort, proto, internalPort, internalClient, html.EscapeString(description), leaseDuration)
}

// deletePortMappingBody builds the DeletePortMapping action body.
func deletePortMappingBody(externalPort uint16, proto string) string {
	return fmt.Sprintf(
		`<u:DeletePortMapping xmlns:u="%s">`+
			`<NewRemoteHost></NewRemoteHost>`+
			`<NewExternalPort>%d</NewExternalPort>`+
			`<NewProtocol>%s</NewProtocol>`+
			`</u:DeletePortMapping>`,
		WANIPConnectionURN, externalPort, proto)
}

// getGenericPortMappingEntryBody builds a GetGenericPortMappingEntry
// action body for the mapping at the given index.
func getGenericPortMappingEntryBody(index int) string {
	return fmt.Sprintf(
		`<u:GetGenericPortMappingEntry xmlns:u="%s">`+
			`<NewPortMappingIndex>%d</NewPortMappingIndex>`+
			`</u:GetGenericPortMappingEntry>`,
		WANIPConnectionURN, index)
}

type xGetGenericPortMappingEntryResponse struct {
	XMLName           xml.Name `xml:"GetGenericPortMappingEntryResponse"`
	NewExternalPort   uint16   `xml:"NewExternalPort"`
	NewInternalPort   uint16   `xml:"NewInternalPort"`
	NewInternalClient string   `xml:"NewInternalClient"`
	NewProtocol       string   `xml:"NewProtocol"`
	NewEnabled        string   `xml:"NewEnabled"`
	NewLeaseDuration  uint32   `xml:"NewLeaseDuration"`
}

// parseGenericPortMappingEntry decodes a successful GetGenericPortMappingEntry
// response body (a fault, if any, has already been stripped out by the
// caller via parseFault).
func parseGenericPortMappingEntry(body []byte) (*xGetGenericPortMappingEntryResponse, error) {
	var env xSoapEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	var resp xGetGenericPortMappingEntryResponse
	if err := xml.Unmarshal(env.Body.Data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// parseFault decodes a SOAP envelope looking for a Fault; it returns nil
// if the envelope carries a normal (non-fault) response.
func parseFault(body []byte) error {
	var env xSoapEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil
	}
	if env.Body.Fault == nil {
		return nil
	}

	desc := env.Body.Fault.Detail.ErrorDescription
	if desc == "" {
		desc = env.Body.Fault.FaultString
	}
	return &SoapFaultError{Description: desc}
}
