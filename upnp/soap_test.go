package upnp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnvelope(t *testing.T) {
	env := buildEnvelope("<u:Foo/>")
	assert.Contains(t, env, `<s:Envelope`)
	assert.Contains(t, env, `<s:Body><u:Foo/></s:Body>`)
}

func TestAddPortMappingBodyEscapesDescription(t *testing.T) {
	body := addPortMappingBody(8080, 9090, "TCP", "192.168.1.50", `my "app" & friends`, 3600)
	assert.Contains(t, body, "<NewExternalPort>9090</NewExternalPort>")
	assert.Contains(t, body, "<NewInternalPort>8080</NewInternalPort>")
	assert.Contains(t, body, "<NewProtocol>TCP</NewProtocol>")
	assert.Contains(t, body, "<NewInternalClient>192.168.1.50</NewInternalClient>")
	assert.Contains(t, body, "<NewLeaseDuration>3600</NewLeaseDuration>")
	assert.Contains(t, body, "my &#34;app&#34; &amp; friends")
	assert.NotContains(t, body, `"app"`)
}

func TestDeletePortMappingBody(t *testing.T) {
	body := deletePortMappingBody(9090, "UDP")
	assert.Contains(t, body, "<NewExternalPort>9090</NewExternalPort>")
	assert.Contains(t, body, "<NewProtocol>UDP</NewProtocol>")
}

func TestGetGenericPortMappingEntryBody(t *testing.T) {
	body := getGenericPortMappingEntryBody(3)
	assert.Contains(t, body, "<NewPortMappingIndex>3</NewPortMappingIndex>")
}

func TestParseFaultDetectsFault(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body>
<s:Fault>
<faultcode>s:Client</faultcode>
<faultstring>UPnPError</faultstring>
<detail>
<UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
<errorCode>718</errorCode>
<errorDescription>ConflictInMappingEntry</errorDescription>
</UPnPError>
</detail>
</s:Fault>
</s:Body>
</s:Envelope>`)

	err := parseFault(body)
	require := &SoapFaultError{}
	if assert.ErrorAs(t, err, &require) {
		assert.Equal(t, "ConflictInMappingEntry", require.Description)
	}
}

func TestParseFaultNilOnSuccessResponse(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body>
<u:AddPortMappingResponse xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1"/>
</s:Body>
</s:Envelope>`)

	assert.NoError(t, parseFault(body))
}

func TestParseFaultNilOnMalformedXML(t *testing.T) {
	assert.NoError(t, parseFault([]byte("not xml at all")))
}
