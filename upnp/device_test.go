package upnp

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deviceDescriptionXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>
        <deviceList>
          <device>
            <deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>
            <serviceList>
              <service>
                <serviceType>urn:schemas-upnp-org:service:WANIPConnection:1</serviceType>
                <serviceId>urn:upnp-org:serviceId:WANIPConn1</serviceId>
                <controlURL>/ctl/IPConn</controlURL>
              </service>
            </serviceList>
          </device>
        </deviceList>
      </device>
    </deviceList>
  </device>
</root>`

func TestExtractControlURL(t *testing.T) {
	base, err := url.Parse("http://192.168.1.1:5000/desc.xml")
	require.NoError(t, err)

	got, err := ExtractControlURL([]byte(deviceDescriptionXML), base)
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.1:5000/ctl/IPConn", got.String())
}

func TestExtractControlURLMissingService(t *testing.T) {
	base, _ := url.Parse("http://192.168.1.1:5000/desc.xml")
	_, err := ExtractControlURL([]byte(`<root xmlns="urn:schemas-upnp-org:device-1-0"><device></device></root>`), base)
	assert.ErrorIs(t, err, ErrNoControlURL)
}

func TestExtractControlURLMalformedXML(t *testing.T) {
	base, _ := url.Parse("http://192.168.1.1:5000/desc.xml")
	_, err := ExtractControlURL([]byte(`not xml`), base)
	assert.Error(t, err)
}
