package portmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertGetRemove(t *testing.T) {
	r := newRegistry()
	m := &Mapping{ExternalPort: 8080}
	r.insert(8080, m)

	got, ok := r.get(8080)
	require.True(t, ok)
	assert.Same(t, m, got)

	removed, ok := r.remove(8080)
	require.True(t, ok)
	assert.Same(t, m, removed)

	_, ok = r.get(8080)
	assert.False(t, ok)
}

func TestRegistryInsertReplacesExisting(t *testing.T) {
	r := newRegistry()
	r.insert(8080, &Mapping{ExternalPort: 8080, InternalPort: 1})
	r.insert(8080, &Mapping{ExternalPort: 8080, InternalPort: 2})

	got, ok := r.get(8080)
	require.True(t, ok)
	assert.Equal(t, uint16(2), got.InternalPort)
	assert.Equal(t, 1, r.count())
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := newRegistry()
	r.insert(8080, &Mapping{ExternalPort: 8080})

	snap := r.snapshot()
	require.Len(t, snap, 1)

	// Mutating the snapshot's value must not reach the registry's own entry.
	entry := snap[8080]
	entry.InternalPort = 999
	snap[8080] = entry

	stored, _ := r.get(8080)
	assert.NotEqual(t, uint16(999), stored.InternalPort)
}

func TestRegistryKeysCoversEveryEntry(t *testing.T) {
	r := newRegistry()
	r.insert(8080, &Mapping{ExternalPort: 8080})
	r.insert(9090, &Mapping{ExternalPort: 9090})
	r.insert(7070, &Mapping{ExternalPort: 7070})

	keys := r.keys()
	assert.ElementsMatch(t, []uint16{8080, 9090, 7070}, keys)
}

func TestRegistryKeysSurviveRemovalDuringIteration(t *testing.T) {
	// The fix for the close() iteration bug is that keys() snapshots the
	// key set up front, so a caller iterating it can safely remove entries
	// (including the one currently being visited) without skipping or
	// revisiting keys.
	r := newRegistry()
	r.insert(1, &Mapping{ExternalPort: 1})
	r.insert(2, &Mapping{ExternalPort: 2})

	keys := r.keys()
	for _, k := range keys {
		r.remove(k)
	}
	assert.Equal(t, 0, r.count())
}

func TestRegistryRouterIPCacheDeduplicatesAndPreservesOrder(t *testing.T) {
	r := newRegistry()
	r.addRouterIP("192.168.1.1")
	r.addRouterIP("10.0.0.1")
	r.addRouterIP("192.168.1.1")

	assert.Equal(t, []string{"192.168.1.1", "10.0.0.1"}, r.routerIPCache())
}

func TestRegistrySeedRouterIPs(t *testing.T) {
	r := newRegistry()
	r.addRouterIP("192.168.1.1")
	r.seedRouterIPs([]string{"192.168.1.1", "10.0.0.1"})

	assert.Equal(t, []string{"192.168.1.1", "10.0.0.1"}, r.routerIPCache())
}

func TestRegistryProtocolSupportCache(t *testing.T) {
	r := newRegistry()
	assert.Equal(t, Unknown, r.protocolSupport().NatPmp)

	r.setSupport(NatPmp, true)
	r.setSupport(Pcp, false)
	r.setUpnpControlURL("http://192.168.1.1:5000/ctl")

	support := r.protocolSupport()
	assert.Equal(t, True, support.NatPmp)
	assert.Equal(t, False, support.Pcp)
	assert.Equal(t, Unknown, support.Upnp)
	assert.Equal(t, "http://192.168.1.1:5000/ctl", support.UpnpControlURL)
}
