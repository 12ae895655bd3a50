package portmap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lamby777/liberate-your-ports/netcap"
	"github.com/Lamby777/liberate-your-ports/transport"
)

// fakeNet backs HTTP and randomness with the real netcap implementation (so
// UPnP tests can point it at an httptest.Server) and fakes everything that
// would otherwise touch a real LAN: local address enumeration, SSDP, and
// the NAT-PMP/PCP UDP exchange.
type fakeNet struct {
	netcap.Interface
	localIPs []string

	mu            sync.Mutex
	natpmpReplies map[string][]byte
	pcpReplies    map[string][]byte
	ssdp          [][]byte
}

func newFakeNet(localIPs []string) *fakeNet {
	return &fakeNet{Interface: netcap.New(), localIPs: localIPs}
}

func (f *fakeNet) LocalIPv4s() ([]string, error) { return f.localIPs, nil }

func (f *fakeNet) SSDPSearch(ctx context.Context, st string, window time.Duration) ([][]byte, error) {
	return f.ssdp, nil
}

func (f *fakeNet) UDPBindEphemeral() (netcap.Socket, error) {
	return &orchSocket{fake: f}, nil
}

// orchSocket routes a reply by destination IP, picking the PCP or NAT-PMP
// table by inspecting the version byte of whatever was just sent (PCP
// requests start 0x02, NAT-PMP requests start 0x00).
type orchSocket struct {
	fake    *fakeNet
	sentIP  string
	sentBuf []byte
}

func (s *orchSocket) SendTo(b []byte, dstIP string, dstPort int) error {
	s.sentIP = dstIP
	s.sentBuf = append([]byte{}, b...)
	return nil
}

func (s *orchSocket) RecvOne(ctx context.Context) ([]byte, net.Addr, error) {
	s.fake.mu.Lock()
	var reply []byte
	var ok bool
	if len(s.sentBuf) > 0 && s.sentBuf[0] == 2 {
		reply, ok = s.fake.pcpReplies[s.sentIP]
	} else {
		reply, ok = s.fake.natpmpReplies[s.sentIP]
	}
	s.fake.mu.Unlock()

	if !ok {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return reply, nil, nil
}

func (s *orchSocket) Close() error { return nil }

func natpmpMapReply(opcode byte, externalPort uint16, lifetime uint32) []byte {
	buf := make([]byte, 16)
	buf[1] = opcode | 0x80
	buf[10] = byte(externalPort >> 8)
	buf[11] = byte(externalPort)
	buf[12] = byte(lifetime >> 24)
	buf[13] = byte(lifetime >> 16)
	buf[14] = byte(lifetime >> 8)
	buf[15] = byte(lifetime)
	return buf
}

func pcpMapReply(resultCode uint8, externalPort uint16, lifetime uint32, externalIP string, nonce []byte) []byte {
	buf := make([]byte, 60)
	buf[0] = 2
	buf[1] = 1
	buf[3] = resultCode
	buf[4] = byte(lifetime >> 24)
	buf[5] = byte(lifetime >> 16)
	buf[6] = byte(lifetime >> 8)
	buf[7] = byte(lifetime)
	copy(buf[24:36], nonce)
	buf[42] = byte(externalPort >> 8)
	buf[43] = byte(externalPort)
	ip := net.ParseIP(externalIP).To4()
	copy(buf[56:60], ip)
	return buf
}

func TestDispatchOrderSkipsKnownUnsupported(t *testing.T) {
	order := dispatchOrder(ProtocolSupport{NatPmp: False, Pcp: Unknown, Upnp: True})
	assert.Equal(t, []Protocol{Pcp, Upnp}, order)

	assert.Empty(t, dispatchOrder(ProtocolSupport{NatPmp: False, Pcp: False, Upnp: False}))
	assert.Equal(t, []Protocol{NatPmp, Pcp, Upnp}, dispatchOrder(ProtocolSupport{}))
}

func TestAddMappingSucceedsViaNatPmp(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	fn.natpmpReplies = map[string][]byte{
		"203.0.113.1": natpmpMapReply(1, 9090, 3600),
	}

	o := New(fn)
	o.reg.addRouterIP("203.0.113.1")

	m := o.AddMapping(context.Background(), transport.UDP, 8080, 8080, 3600*time.Second)
	require.False(t, m.Failed())
	assert.Equal(t, NatPmp, m.Protocol)
	assert.Equal(t, 9090, m.ExternalPort)
	assert.Equal(t, True, o.ProtocolSupportCache().NatPmp)
	assert.Contains(t, o.ActiveMappings(), uint16(9090))
}

func TestAddMappingFallsBackToPcpWhenNatPmpFails(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	nonce := make([]byte, 12)
	fn.pcpReplies = map[string][]byte{
		"203.0.113.1": pcpMapReply(0, 9191, 1800, "203.0.113.9", nonce),
	}

	o := New(fn)
	o.reg.addRouterIP("203.0.113.1")

	m := o.AddMapping(context.Background(), transport.UDP, 8080, 8080, 1800*time.Second)
	require.False(t, m.Failed())
	assert.Equal(t, Pcp, m.Protocol)
	assert.Equal(t, 9191, m.ExternalPort)
	assert.Equal(t, "203.0.113.9", m.ExternalIP)
	assert.Equal(t, False, o.ProtocolSupportCache().NatPmp)
	assert.Equal(t, True, o.ProtocolSupportCache().Pcp)
}

func TestAddMappingFallsBackToUpnpWhenPmpAndPcpFail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<device><deviceList><device><serviceList><service>
<serviceType>urn:schemas-upnp-org:service:WANIPConnection:1</serviceType>
<controlURL>/ctl</controlURL>
</service></serviceList></device></deviceList></device>
</root>`)
	})
	mux.HandleFunc("/ctl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body><u:AddPortMappingResponse xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1"/></s:Body>
</s:Envelope>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fn := newFakeNet([]string{"192.168.1.50"})
	fn.ssdp = [][]byte{[]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nLOCATION: %s/desc.xml\r\n\r\n", srv.URL))}

	o := New(fn)

	m := o.AddMapping(context.Background(), transport.TCP, 8080, 8080, 3600*time.Second)
	require.False(t, m.Failed())
	assert.Equal(t, Upnp, m.Protocol)
	assert.Equal(t, False, o.ProtocolSupportCache().NatPmp)
	assert.Equal(t, False, o.ProtocolSupportCache().Pcp)
	assert.Equal(t, True, o.ProtocolSupportCache().Upnp)
	assert.Equal(t, srv.URL+"/ctl", o.ProtocolSupportCache().UpnpControlURL)
}

func TestAddMappingFailsWhenAllProtocolsKnownUnsupported(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)
	o.reg.setSupport(NatPmp, false)
	o.reg.setSupport(Pcp, false)
	o.reg.setSupport(Upnp, false)

	m := o.AddMapping(context.Background(), transport.UDP, 8080, 8080, time.Hour)
	assert.True(t, m.Failed())
}

func TestAddMappingFailsWhenOrchestratorClosed(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)
	o.Close()

	m := o.AddMapping(context.Background(), transport.UDP, 8080, 8080, time.Hour)
	assert.True(t, m.Failed())
}

func TestReconcileUpnpMappingsEvictsEntryDroppedByRouter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ctl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body><s:Fault><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorDescription>SpecifiedArrayIndexInvalid</errorDescription></UPnPError></detail>
</s:Fault></s:Body>
</s:Envelope>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)
	o.reg.setUpnpControlURL(srv.URL + "/ctl")
	o.reg.insert(8080, &Mapping{ExternalPort: 8080, Protocol: Upnp})
	o.reg.insert(9090, &Mapping{ExternalPort: 9090, Protocol: NatPmp})

	evicted := o.ReconcileUpnpMappings(context.Background())
	assert.Equal(t, 1, evicted)

	_, upnpStillPresent := o.reg.get(8080)
	assert.False(t, upnpStillPresent, "router reported an empty table, so the stale UPnP entry must be evicted")
	_, pmpStillPresent := o.reg.get(9090)
	assert.True(t, pmpStillPresent, "non-UPnP entries are out of scope for UPnP reconciliation")
}

func TestReconcileUpnpMappingsKeepsEntryStillOnRouter(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/ctl", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			fmt.Fprint(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body><s:Fault><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorDescription>SpecifiedArrayIndexInvalid</errorDescription></UPnPError></detail>
</s:Fault></s:Body>
</s:Envelope>`)
			return
		}
		fmt.Fprint(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body><u:GetGenericPortMappingEntryResponse xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">
<NewExternalPort>8080</NewExternalPort><NewInternalPort>8080</NewInternalPort>
<NewInternalClient>192.168.1.50</NewInternalClient><NewProtocol>TCP</NewProtocol>
<NewEnabled>1</NewEnabled><NewLeaseDuration>3600</NewLeaseDuration>
</u:GetGenericPortMappingEntryResponse></s:Body>
</s:Envelope>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)
	o.reg.setUpnpControlURL(srv.URL + "/ctl")
	o.reg.insert(8080, &Mapping{ExternalPort: 8080, Protocol: Upnp})

	evicted := o.ReconcileUpnpMappings(context.Background())
	assert.Equal(t, 0, evicted)
	_, ok := o.reg.get(8080)
	assert.True(t, ok)
}

func TestReconcileUpnpMappingsNoopWithoutControlURL(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)

	assert.Equal(t, 0, o.ReconcileUpnpMappings(context.Background()))
}

func TestDeleteMappingRemovesEntryAndStopsTimer(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	fn.natpmpReplies = map[string][]byte{
		"203.0.113.1": natpmpMapReply(1, 9090, 3600),
	}

	o := New(fn)
	o.reg.addRouterIP("203.0.113.1")

	m := o.AddMapping(context.Background(), transport.UDP, 8080, 8080, 3600*time.Second)
	require.False(t, m.Failed())

	entry, ok := o.reg.get(uint16(m.ExternalPort))
	require.True(t, ok)
	require.NotNil(t, entry.timer)

	assert.True(t, o.DeleteMapping(context.Background(), uint16(m.ExternalPort)))
	assert.NotContains(t, o.ActiveMappings(), uint16(m.ExternalPort))
	assert.False(t, entry.timer.Stop(), "DeleteMapping must already have stopped the armed timer")
}

func TestDeleteMappingReturnsFalseForUnknownPort(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)
	assert.False(t, o.DeleteMapping(context.Background(), 12345))
}

func TestCloseDeletesAllMappingsAndMarksClosed(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	fn.natpmpReplies = map[string][]byte{
		"203.0.113.1": natpmpMapReply(1, 9090, 3600),
	}

	o := New(fn)
	o.reg.addRouterIP("203.0.113.1")

	m := o.AddMapping(context.Background(), transport.UDP, 8080, 8080, 3600*time.Second)
	require.False(t, m.Failed())
	require.Len(t, o.ActiveMappings(), 1)

	o.Close()
	assert.Empty(t, o.ActiveMappings())
	assert.True(t, o.isClosed())

	// Close is idempotent.
	assert.NotPanics(t, func() { o.Close() })
}

func TestProbeProtocolSupportRecordsResults(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	fn.natpmpReplies = map[string][]byte{
		"203.0.113.1": natpmpMapReply(1, 55555, 120),
	}

	o := New(fn)
	o.reg.addRouterIP("203.0.113.1")

	support := o.ProbeProtocolSupport(context.Background())
	assert.Equal(t, True, support.NatPmp)
	assert.Equal(t, False, support.Pcp)
	assert.Equal(t, False, support.Upnp)
}

func TestArmTimerStaticLifetimeArmsRefreshTimer(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)

	m := &Mapping{ExternalPort: 8080, Lifetime: 0}
	o.armTimer(m, transport.UDP, 8080, 0)
	require.NotNil(t, m.timer)
	m.timer.Stop()
}

func TestArmTimerShortGrantArmsRefreshBeforeRequestedExpiry(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)

	m := &Mapping{ExternalPort: 8080, Lifetime: 1}
	o.armTimer(m, transport.UDP, 8080, 3600)
	require.NotNil(t, m.timer)
	m.timer.Stop()
}

func TestRefreshMappingEvictsOnFailure(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)
	o.reg.setSupport(NatPmp, false)
	o.reg.setSupport(Pcp, false)
	o.reg.setSupport(Upnp, false)
	o.reg.insert(8080, &Mapping{ExternalPort: 8080, Protocol: NatPmp})

	o.refreshMapping(transport.UDP, 8080, 8080, 3600)

	_, ok := o.reg.get(8080)
	assert.False(t, ok, "a refresh that fails outright must evict the stale entry")
}

func TestExpireMappingRemovesEntry(t *testing.T) {
	fn := newFakeNet([]string{"192.168.1.50"})
	o := New(fn)
	o.reg.insert(8080, &Mapping{ExternalPort: 8080})

	o.expireMapping(8080)

	_, ok := o.reg.get(8080)
	assert.False(t, ok)
}
