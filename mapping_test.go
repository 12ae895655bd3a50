package portmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolString(t *testing.T) {
	assert.Equal(t, "natPmp", NatPmp.String())
	assert.Equal(t, "pcp", Pcp.String())
	assert.Equal(t, "upnp", Upnp.String())
	assert.Equal(t, "unknown", Protocol(99).String())
}

func TestMappingFailed(t *testing.T) {
	ok := Mapping{ExternalPort: 8080}
	assert.False(t, ok.Failed())

	failed := failureMapping("no protocol succeeded")
	assert.True(t, failed.Failed())
	assert.Equal(t, "no protocol succeeded", failed.ErrInfo)
	assert.Equal(t, FailedExternalPort, failed.ExternalPort)
}
